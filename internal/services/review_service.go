// Package services – ReviewService
//
// ReviewService stores the post-completion reviews of a deal and applies the
// ReviewGate on both paths: submission (window, uniqueness, participant
// checks evaluated inside the write transaction) and reads (mutual-blind
// reveal for participants, public reveal for reviews about a user).
package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-market-backend/internal/clock"
	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/events"
	"github.com/tbourn/go-market-backend/internal/observability"
	"github.com/tbourn/go-market-backend/internal/repo"
)

const (
	minRating         = 0
	maxRating         = 5
	maxCommentRunes   = 2000
	maxMetadataFields = 20
)

// ReviewService coordinates review persistence and visibility.
type ReviewService struct {
	DB     *gorm.DB
	Clock  clock.Clock
	Gate   ReviewGate
	Events events.Publisher
}

// NewReviewService wires a ReviewService with a system clock.
func NewReviewService(db *gorm.DB, window time.Duration) *ReviewService {
	return &ReviewService{DB: db, Clock: clock.NewSystem(), Gate: NewReviewGate(window), Events: events.Noop{}}
}

// ReviewInput is a review as submitted by a deal participant.
type ReviewInput struct {
	Rating   float64
	Comment  string
	Metadata map[string]any
}

// ReceivedReviews are the revealed reviews written about one user.
type ReceivedReviews struct {
	Items   []domain.DealReview
	Average float64
}

func (s *ReviewService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

func validateReview(in ReviewInput) (rating float64, comment *string, err error) {
	if math.IsNaN(in.Rating) || in.Rating < minRating || in.Rating > maxRating {
		return 0, nil, ValidationError("rating", "rating must be between %d and %d", minRating, maxRating)
	}
	if c := strings.TrimSpace(in.Comment); c != "" {
		if utf8.RuneCountInString(c) > maxCommentRunes {
			return 0, nil, ValidationError("comment", "comment must be at most %d characters", maxCommentRunes)
		}
		comment = &c
	}
	if len(in.Metadata) > maxMetadataFields {
		return 0, nil, ValidationError("metadata", "metadata may hold at most %d fields", maxMetadataFields)
	}
	return domain.RoundRating(in.Rating), comment, nil
}

// Submit stores actor's review of the counterparty. The ratee is derived
// from the deal and never taken from input.
func (s *ReviewService) Submit(ctx context.Context, actor, dealID string, in ReviewInput) (*domain.DealReview, error) {
	tr := otel.Tracer("services/ReviewService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("deal.id", dealID),
			attribute.String("user.id", actor),
		),
	)
	defer span.End()

	rating, comment, err := validateReview(in)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var (
		review *domain.DealReview
		role   domain.Role
	)
	err = withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
		d, err := repo.GetDealForUpdate(ctx, tx, dealID)
		if err != nil {
			return notFound(err, ErrDealNotFound)
		}
		existing, err := repo.ListReviewsForDeal(ctx, tx, dealID)
		if err != nil {
			return err
		}
		if err := s.Gate.CanSubmit(d, actor, existing, now); err != nil {
			return err
		}
		role = d.RoleOf(actor)

		r := &domain.DealReview{
			DealID:    d.ID,
			RaterID:   actor,
			RateeID:   d.Counterparty(actor),
			Rating:    rating,
			Comment:   comment,
			Metadata:  in.Metadata,
			CreatedAt: now,
		}
		if err := repo.CreateReview(ctx, tx, r); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrAlreadyReviewed
			}
			return err
		}
		review = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.ReviewsSubmitted.WithLabelValues(string(role)).Inc()
	publish(ctx, s.Events, events.New(events.ReviewSubmitted, actor, now, map[string]any{
		"deal_id": dealID, "review_id": review.ID, "ratee_id": review.RateeID,
	}))
	return review, nil
}

// ListForDeal returns what viewer may see of the deal's reviews.
func (s *ReviewService) ListForDeal(ctx context.Context, viewer, dealID string) (Reveal, error) {
	tr := otel.Tracer("services/ReviewService")
	ctx, span := tr.Start(ctx, "ListForDeal", trace.WithAttributes(attribute.String("deal.id", dealID)))
	defer span.End()

	d, err := repo.GetDeal(ctx, s.DB, dealID)
	if err != nil {
		return Reveal{}, notFound(err, ErrDealNotFound)
	}
	if d.RoleOf(viewer) == domain.RoleNone {
		return Reveal{}, ErrNotDealParty
	}
	reviews, err := repo.ListReviewsForDeal(ctx, s.DB, dealID)
	if err != nil {
		return Reveal{}, err
	}
	return s.Gate.Reveal(d, viewer, reviews, s.now()), nil
}

// ListReceived returns the reviews about userID that are public: both sides
// of the deal have reviewed, or the review window has elapsed. Average is
// the mean rating of the returned reviews rounded to two decimals.
func (s *ReviewService) ListReceived(ctx context.Context, userID string) (*ReceivedReviews, error) {
	tr := otel.Tracer("services/ReviewService")
	ctx, span := tr.Start(ctx, "ListReceived", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	received, err := repo.ListReviewsReceived(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	if len(received) == 0 {
		return &ReceivedReviews{Items: []domain.DealReview{}}, nil
	}

	dealIDs := make([]string, 0, len(received))
	seen := make(map[string]struct{}, len(received))
	for _, r := range received {
		if _, ok := seen[r.DealID]; !ok {
			seen[r.DealID] = struct{}{}
			dealIDs = append(dealIDs, r.DealID)
		}
	}
	all, err := repo.ListReviewsForDeals(ctx, s.DB, dealIDs)
	if err != nil {
		return nil, err
	}
	byDeal := make(map[string][]domain.DealReview, len(dealIDs))
	for _, r := range all {
		byDeal[r.DealID] = append(byDeal[r.DealID], r)
	}

	now := s.now()
	out := &ReceivedReviews{Items: make([]domain.DealReview, 0, len(received))}
	var sum float64
	for _, r := range received {
		// Deal soft-deleted: the preload comes back empty.
		if r.Deal.ID == "" {
			continue
		}
		if !s.Gate.IsPublic(&r.Deal, byDeal[r.DealID], now) {
			continue
		}
		out.Items = append(out.Items, r)
		sum += r.Rating
	}
	if n := len(out.Items); n > 0 {
		out.Average = math.Round(sum/float64(n)*100) / 100
	}
	return out, nil
}
