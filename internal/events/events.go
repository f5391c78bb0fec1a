// Package events publishes marketplace domain events (ad status changes, deal
// transitions, submitted reviews) to downstream consumers such as the
// notification service. Publishing happens after the originating transaction
// commits and never fails the request that produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	AdStatusChanged   = "ad.status_changed"
	AdDeleted         = "ad.deleted"
	AdRestored        = "ad.restored"
	PromotionCreated  = "promotion.created"
	DealOpened        = "deal.opened"
	DealBuyerAssigned = "deal.buyer_assigned"
	DealStatusChanged = "deal.status_changed"
	ReviewSubmitted   = "review.submitted"
)

// Event is the envelope sent on the wire.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ActorID    string         `json:"actor_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// New builds an event with a fresh ID.
func New(typ, actorID string, at time.Time, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		ActorID:    actorID,
		OccurredAt: at.UTC(),
		Data:       data,
	}
}

// Publisher sends events to a broker.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the types of the recorded events in order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
