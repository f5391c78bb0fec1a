package services

import (
	"time"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// DefaultReviewWindow is how long after completion reviews may be submitted.
const DefaultReviewWindow = 14 * 24 * time.Hour

// ReviewGate decides when a party may review a completed deal and which
// reviews a viewer may see.
//
// One window applies to both questions: submissions are accepted while
// completed_at <= now <= completed_at+Window, and once that deadline has
// passed every submitted review is revealed regardless of reciprocity.
type ReviewGate struct {
	Window time.Duration
}

// NewReviewGate returns a gate with the given window, falling back to
// DefaultReviewWindow for non-positive values.
func NewReviewGate(window time.Duration) ReviewGate {
	if window <= 0 {
		window = DefaultReviewWindow
	}
	return ReviewGate{Window: window}
}

func (g ReviewGate) window() time.Duration {
	if g.Window <= 0 {
		return DefaultReviewWindow
	}
	return g.Window
}

// Deadline returns the end of the review window. ok is false when the deal
// has never been completed.
func (g ReviewGate) Deadline(d *domain.Deal) (deadline time.Time, ok bool) {
	if d.CompletedAt == nil {
		return time.Time{}, false
	}
	return d.CompletedAt.Add(g.window()), true
}

// IsOpen reports whether reviews of d may be submitted at now.
func (g ReviewGate) IsOpen(d *domain.Deal, now time.Time) bool {
	deadline, ok := g.Deadline(d)
	if !ok || d.Status != domain.DealCompleted {
		return false
	}
	return !now.Before(*d.CompletedAt) && !now.After(deadline)
}

// Elapsed reports whether the review window of d has fully passed.
func (g ReviewGate) Elapsed(d *domain.Deal, now time.Time) bool {
	deadline, ok := g.Deadline(d)
	return ok && now.After(deadline)
}

// CanSubmit returns nil when actor may review d now, given the reviews
// already stored for the deal.
func (g ReviewGate) CanSubmit(d *domain.Deal, actor string, reviews []domain.DealReview, now time.Time) error {
	if d.RoleOf(actor) == domain.RoleNone {
		return ErrNotDealParty
	}
	if d.Status != domain.DealCompleted {
		return ErrDealNotCompleted
	}
	if !d.HasBuyer() {
		return ErrBuyerRequired
	}
	if findByRater(reviews, actor) != nil {
		return ErrAlreadyReviewed
	}
	if !g.IsOpen(d, now) {
		return ErrReviewWindowClosed
	}
	return nil
}

// Reveal is what a deal participant may see of the deal's reviews.
type Reveal struct {
	// Own is the viewer's review, always visible to its author.
	Own *domain.DealReview `json:"own,omitempty"`
	// Counterparty is the other side's review once it may be shown.
	Counterparty *domain.DealReview `json:"counterparty,omitempty"`
	// CounterpartyPending is true when the other side has reviewed but the
	// review is still held back.
	CounterpartyPending bool `json:"counterparty_pending"`
	// Deadline is the end of the review window, when known.
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Reveal applies the mutual-blind rule for viewer: the counterparty's review
// is shown once viewer has submitted their own, or once the window elapsed.
// Non-participants see nothing.
func (g ReviewGate) Reveal(d *domain.Deal, viewer string, reviews []domain.DealReview, now time.Time) Reveal {
	var out Reveal
	if deadline, ok := g.Deadline(d); ok {
		out.Deadline = &deadline
	}
	if d.RoleOf(viewer) == domain.RoleNone {
		return out
	}
	out.Own = findByRater(reviews, viewer)

	other := d.Counterparty(viewer)
	if other == "" {
		return out
	}
	theirs := findByRater(reviews, other)
	if theirs == nil {
		return out
	}
	if out.Own != nil || g.Elapsed(d, now) {
		out.Counterparty = theirs
	} else {
		out.CounterpartyPending = true
	}
	return out
}

// IsPublic reports whether the reviews of d may be shown to third parties:
// both sides have submitted, or the window has elapsed.
func (g ReviewGate) IsPublic(d *domain.Deal, reviews []domain.DealReview, now time.Time) bool {
	if g.Elapsed(d, now) {
		return true
	}
	if !d.HasBuyer() {
		return false
	}
	return findByRater(reviews, d.SellerID) != nil && findByRater(reviews, *d.BuyerID) != nil
}

func findByRater(reviews []domain.DealReview, rater string) *domain.DealReview {
	for i := range reviews {
		if reviews[i].RaterID == rater {
			r := reviews[i]
			return &r
		}
	}
	return nil
}
