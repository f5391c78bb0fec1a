// Package services – MessageService
//
// This file implements MessageService, which appends to and pages through a
// conversation's message log. The log has no semantics of its own except one
// hook: the first message a seller sends on an ad opens (or reuses) the
// seller's deal for that ad, so a negotiation always has a deal record to
// transition.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// conversation/user identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-market-backend/internal/clock"
	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/events"
	"github.com/tbourn/go-market-backend/internal/repo"
)

// DefaultMaxBodyRunes caps a message body when MaxBodyRunes is unset.
const DefaultMaxBodyRunes = 4000

// MessageService coordinates message persistence.
type MessageService struct {
	DB     *gorm.DB
	Clock  clock.Clock
	Events events.Publisher

	// MaxBodyRunes bounds the body length after trimming.
	MaxBodyRunes int
}

// NewMessageService wires a MessageService with a system clock.
func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{DB: db, Clock: clock.NewSystem(), Events: events.Noop{}, MaxBodyRunes: DefaultMaxBodyRunes}
}

// SendResult is the stored message and, for seller messages, the deal the
// message is attached to.
type SendResult struct {
	Message     *domain.Message
	Deal        *domain.Deal
	DealCreated bool
}

func (s *MessageService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

// Send validates body, checks that actor takes part in the conversation and
// appends the message. A seller's message also opens or reuses the seller's
// open deal for the ad in the same transaction.
func (s *MessageService) Send(ctx context.Context, actor, conversationID, body string) (*SendResult, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", actor),
		),
	)
	defer span.End()

	body = strings.TrimSpace(norm.NFC.String(body))
	if body == "" {
		return nil, ValidationError("body", "body is empty")
	}
	max := s.MaxBodyRunes
	if max <= 0 {
		max = DefaultMaxBodyRunes
	}
	if utf8.RuneCountInString(body) > max {
		return nil, ValidationError("body", "body must be at most %d characters", max)
	}

	now := s.now()
	res := &SendResult{}
	err := withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
		c, err := repo.GetConversation(ctx, tx, conversationID)
		if err != nil {
			return notFound(err, ErrConversationNotFound)
		}
		if !c.IsParticipant(actor) {
			return ErrNotConversationParty
		}

		m, err := repo.CreateMessage(ctx, tx, c.ID, actor, body, now)
		if err != nil {
			return err
		}
		if err := repo.TouchConversation(ctx, tx, c.ID, now); err != nil {
			return err
		}
		res.Message = m

		if actor != c.SellerID {
			return nil
		}
		ad, err := repo.GetAdForUpdate(ctx, tx, c.AdID)
		if err != nil {
			// Ad deleted since the conversation started: keep the message.
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		if ad.UserID != actor {
			return nil
		}
		res.Deal, res.DealCreated, err = openDealTx(ctx, tx, ad, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	if res.DealCreated {
		publishDealOpened(ctx, s.Events, res.Deal, now)
	}
	return res, nil
}

// ListPage returns paginated messages of a conversation to a participant.
func (s *MessageService) ListPage(ctx context.Context, actor, conversationID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
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

	c, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, notFound(err, ErrConversationNotFound)
	}
	if !c.IsParticipant(actor) {
		return nil, 0, ErrNotConversationParty
	}

	total, err := repo.CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(ctx, s.DB, conversationID, offset, pageSize)
	return items, total, err
}
