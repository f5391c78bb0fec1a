// Package services – ConversationService
//
// ConversationService manages the buyer/seller threads attached to ads. A
// buyer starts at most one conversation per ad; both participants can list
// their conversations. The thread is the source of the "other party" used by
// the seller's mark-as-buyer action on a deal.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-market-backend/internal/clock"
	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/repo"
)

// ConversationRepo defines the repository contract required by
// ConversationService.
type ConversationRepo interface {
	// GetAd fetches the ad a conversation is about.
	GetAd(ctx context.Context, db *gorm.DB, id string) (*domain.Ad, error)

	// CreateConversation inserts a conversation; ErrDuplicate when the buyer
	// already has one on the ad.
	CreateConversation(ctx context.Context, db *gorm.DB, adID, sellerID, buyerID string) (*domain.Conversation, error)

	// FindConversation returns the buyer's conversation on the ad.
	FindConversation(ctx context.Context, db *gorm.DB, adID, buyerID string) (*domain.Conversation, error)

	// GetConversation fetches a conversation by ID.
	GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error)

	// CountConversations returns how many conversations the user takes part in.
	CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	// ListConversationsPage returns a page of the user's conversations.
	ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error)
}

// ConversationService provides conversation-level operations.
type ConversationService struct {
	DB    *gorm.DB
	Repo  ConversationRepo
	Clock clock.Clock
}

// NewConversationService constructs a ConversationService with a system clock.
func NewConversationService(db *gorm.DB, r ConversationRepo) *ConversationService {
	return &ConversationService{DB: db, Repo: r, Clock: clock.NewSystem()}
}

func (s *ConversationService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

// Start returns the buyer's conversation on the ad, creating it if needed.
// Only publicly visible ads accept new conversations and owners cannot
// message themselves.
func (s *ConversationService) Start(ctx context.Context, buyerID, adID string) (conv *domain.Conversation, created bool, err error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Start",
		trace.WithAttributes(
			attribute.String("ad.id", adID),
			attribute.String("user.id", buyerID),
		),
	)
	defer span.End()

	ad, err := s.Repo.GetAd(ctx, s.DB, adID)
	if err != nil {
		return nil, false, notFound(err, ErrAdNotFound)
	}
	if ad.UserID == buyerID {
		return nil, false, ErrOwnAd
	}

	if c, err := s.Repo.FindConversation(ctx, s.DB, adID, buyerID); err == nil {
		return c, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	now := s.now()
	if !ad.IsPubliclyVisible(now) {
		return nil, false, ErrAdNotFound
	}

	c, err := s.Repo.CreateConversation(ctx, stamped(s.DB, now), adID, ad.UserID, buyerID)
	if errors.Is(err, repo.ErrDuplicate) {
		// Lost a race with a concurrent Start by the same buyer.
		c, err = s.Repo.FindConversation(ctx, s.DB, adID, buyerID)
		return c, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Get returns a conversation to one of its participants.
func (s *ConversationService) Get(ctx context.Context, actor, id string) (*domain.Conversation, error) {
	c, err := s.Repo.GetConversation(ctx, s.DB, id)
	if err != nil {
		return nil, notFound(err, ErrConversationNotFound)
	}
	if !c.IsParticipant(actor) {
		return nil, ErrNotConversationParty
	}
	return c, nil
}

// ListPage returns a page of the conversations actor takes part in.
// It applies defaults for invalid page/pageSize and returns total count.
func (s *ConversationService) ListPage(ctx context.Context, actor string, page, pageSize int) ([]domain.Conversation, int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", actor),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountConversations(ctx, s.DB, actor)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Conversation{}, 0, nil
	}

	items, err := s.Repo.ListConversationsPage(ctx, s.DB, actor, offset, pageSize)
	return items, total, err
}
