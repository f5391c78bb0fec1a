// Package services – DealService
//
// DealService runs the deal state machine against the database. Every
// mutation is a single read-modify-write transaction: the deal row is read
// with a row lock (where the dialect supports it), the pure rules in
// deal_rules.go are applied to that fresh copy, and the row is written back
// before commit. Events and metrics are emitted only after commit.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
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

// DealService coordinates deal persistence and transitions.
type DealService struct {
	DB     *gorm.DB
	Clock  clock.Clock
	Auth   Authorizer
	Events events.Publisher
}

// NewDealService wires a DealService with a system clock.
func NewDealService(db *gorm.DB, auth Authorizer) *DealService {
	return &DealService{DB: db, Clock: clock.NewSystem(), Auth: auth, Events: events.Noop{}}
}

func (s *DealService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

// Open returns the latest open deal of actor on the ad, creating a proposed
// one when none exists. Only the ad owner may open deals. created reports
// whether a new row was inserted.
func (s *DealService) Open(ctx context.Context, actor, adID string) (deal *domain.Deal, created bool, err error) {
	tr := otel.Tracer("services/DealService")
	ctx, span := tr.Start(ctx, "Open",
		trace.WithAttributes(
			attribute.String("ad.id", adID),
			attribute.String("user.id", actor),
		),
	)
	defer span.End()

	now := s.now()
	err = withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
		ad, err := repo.GetAdForUpdate(ctx, tx, adID)
		if err != nil {
			return notFound(err, ErrAdNotFound)
		}
		if actor == "" || ad.UserID != actor {
			return ErrAdNotManageable
		}
		deal, created, err = openDealTx(ctx, tx, ad, now)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		publishDealOpened(ctx, s.Events, deal, now)
	}
	return deal, created, nil
}

// openDealTx implements reuse-latest-open inside the caller's transaction.
// The ad row must already be locked by the caller so two concurrent opens
// cannot both insert.
func openDealTx(ctx context.Context, tx *gorm.DB, ad *domain.Ad, now time.Time) (*domain.Deal, bool, error) {
	d, err := repo.LatestOpenDeal(ctx, tx, ad.ID, ad.UserID)
	if err == nil {
		return d, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	d = &domain.Deal{
		AdID:      ad.ID,
		SellerID:  ad.UserID,
		Status:    domain.DealProposed,
		Currency:  ad.Currency,
		CreatedAt: now,
	}
	if ad.Price != nil {
		p := *ad.Price
		d.FinalPrice = &p
	}
	if d.Currency == "" {
		d.Currency = "USD"
	}
	if err := repo.CreateDeal(ctx, tx, d); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func publishDealOpened(ctx context.Context, p events.Publisher, d *domain.Deal, now time.Time) {
	publish(ctx, p, events.New(events.DealOpened, d.SellerID, now, map[string]any{
		"deal_id": d.ID, "ad_id": d.AdID, "seller_id": d.SellerID,
	}))
}

// Get returns a deal to one of its participants or an admin.
func (s *DealService) Get(ctx context.Context, actor, id string) (*domain.Deal, error) {
	tr := otel.Tracer("services/DealService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("deal.id", id)))
	defer span.End()

	d, err := repo.GetDeal(ctx, s.DB, id)
	if err != nil {
		return nil, notFound(err, ErrDealNotFound)
	}
	if !s.Auth.IsParticipant(actor, d) && !s.Auth.IsAdmin(actor) {
		return nil, ErrNotDealParty
	}
	return d, nil
}

// ListForAd returns every deal opened on an ad, newest first. Owner or admin
// only.
func (s *DealService) ListForAd(ctx context.Context, actor, adID string) ([]domain.Deal, error) {
	tr := otel.Tracer("services/DealService")
	ctx, span := tr.Start(ctx, "ListForAd", trace.WithAttributes(attribute.String("ad.id", adID)))
	defer span.End()

	ad, err := repo.GetAd(ctx, s.DB, adID)
	if err != nil {
		return nil, notFound(err, ErrAdNotFound)
	}
	if !s.Auth.IsOwnerOrAdmin(actor, ad) {
		return nil, ErrAdNotManageable
	}
	return repo.ListDealsForAd(ctx, s.DB, adID)
}

// mutate loads the deal for update, checks that actor takes part in it and
// applies fn before saving the row.
func (s *DealService) mutate(ctx context.Context, actor, id string, now time.Time, fn func(tx *gorm.DB, d *domain.Deal) error) (*domain.Deal, error) {
	var out *domain.Deal
	err := withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
		d, err := repo.GetDealForUpdate(ctx, tx, id)
		if err != nil {
			return notFound(err, ErrDealNotFound)
		}
		if !s.Auth.IsParticipant(actor, d) {
			return ErrNotDealParty
		}
		if err := fn(tx, d); err != nil {
			return err
		}
		if err := repo.SaveDeal(ctx, tx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// SetBuyer assigns or replaces the buyer. Seller only; the deal must not be
// completed and the buyer must differ from the seller.
func (s *DealService) SetBuyer(ctx context.Context, actor, id, buyerID string) (*domain.Deal, error) {
	tr := otel.Tracer("services/DealService")
	ctx, span := tr.Start(ctx, "SetBuyer", trace.WithAttributes(attribute.String("deal.id", id)))
	defer span.End()

	now := s.now()
	d, err := s.mutate(ctx, actor, id, now, func(_ *gorm.DB, d *domain.Deal) error {
		return AssignBuyer(d, actor, buyerID)
	})
	if err != nil {
		return nil, err
	}
	s.publishBuyer(ctx, actor, d, now)
	return d, nil
}

// SetBuyerFromConversation assigns the other participant of a conversation
// about the same ad as the buyer. It is the seller's "mark as buyer" action.
func (s *DealService) SetBuyerFromConversation(ctx context.Context, actor, id, conversationID string) (*domain.Deal, error) {
	tr := otel.Tracer("services/DealService")
	ctx, span := tr.Start(ctx, "SetBuyerFromConversation",
		trace.WithAttributes(
			attribute.String("deal.id", id),
			attribute.String("conversation.id", conversationID),
		),
	)
	defer span.End()

	now := s.now()
	d, err := s.mutate(ctx, actor, id, now, func(tx *gorm.DB, d *domain.Deal) error {
		c, err := repo.GetConversation(ctx, tx, conversationID)
		if err != nil {
			return notFound(err, ErrConversationNotFound)
		}
		if !c.IsParticipant(actor) {
			return ErrNotConversationParty
		}
		if c.AdID != d.AdID {
			return ErrConversationMismatch
		}
		return AssignBuyer(d, actor, c.OtherParty(actor))
	})
	if err != nil {
		return nil, err
	}
	s.publishBuyer(ctx, actor, d, now)
	return d, nil
}

func (s *DealService) publishBuyer(ctx context.Context, actor string, d *domain.Deal, now time.Time) {
	publish(ctx, s.Events, events.New(events.DealBuyerAssigned, actor, now, map[string]any{
		"deal_id": d.ID, "ad_id": d.AdID, "buyer_id": *d.BuyerID,
	}))
}

// SetTerms records the agreed final price and currency. Seller only, while
// the deal is neither completed nor canceled.
func (s *DealService) SetTerms(ctx context.Context, actor, id string, price *decimal.Decimal, currency string) (*domain.Deal, error) {
	tr := otel.Tracer("services/DealService")
	ctx, span := tr.Start(ctx, "SetTerms", trace.WithAttributes(attribute.String("deal.id", id)))
	defer span.End()

	return s.mutate(ctx, actor, id, s.now(), func(_ *gorm.DB, d *domain.Deal) error {
		return ApplyTerms(d, actor, price, currency)
	})
}

// Transition moves the deal to status `to`. See ApplyTransition for the
// actor rules and preconditions.
func (s *DealService) Transition(ctx context.Context, actor, id string, to domain.DealStatus) (*domain.Deal, error) {
	tr := otel.Tracer("services/DealService")
	ctx, span := tr.Start(ctx, "Transition",
		trace.WithAttributes(
			attribute.String("deal.id", id),
			attribute.String("deal.to", string(to)),
		),
	)
	defer span.End()

	if !to.Valid() {
		return nil, ValidationError("status", "unknown deal status %q", to)
	}

	now := s.now()
	var from domain.DealStatus
	d, err := s.mutate(ctx, actor, id, now, func(_ *gorm.DB, d *domain.Deal) error {
		from = d.Status
		return ApplyTransition(d, actor, to, now)
	})
	if err != nil {
		return nil, err
	}

	observability.DealTransitions.WithLabelValues(string(to)).Inc()
	publish(ctx, s.Events, events.New(events.DealStatusChanged, actor, now, map[string]any{
		"deal_id": d.ID, "ad_id": d.AdID, "from": string(from), "to": string(to),
	}))
	return d, nil
}
