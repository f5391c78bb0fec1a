// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// Functions:
//
//   - CreateConversation(ctx, db, adID, sellerID, buyerID) -> *domain.Conversation, error
//     Inserts a new conversation with a UUID primary key. Returns ErrDuplicate
//     when the buyer already has a conversation on the ad.
//
//   - FindConversation(ctx, db, adID, buyerID) -> *domain.Conversation, error
//     Looks up the buyer's conversation for an ad, or ErrNotFound.
//
//   - GetConversation(ctx, db, id) -> *domain.Conversation, error
//     Fetches a single conversation by ID, or ErrNotFound.
//
//   - CountConversations / ListConversationsPage
//     Paginate the conversations a user takes part in (as buyer or seller),
//     most recently updated first.
//
//   - TouchConversation(ctx, db, id, at)
//     Bumps updated_at so new activity floats to the top of the list.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// CreateConversation inserts a conversation between the ad's seller and a
// buyer. Timestamps come from the handle's NowFunc.
func CreateConversation(ctx context.Context, db *gorm.DB, adID, sellerID, buyerID string) (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:       uuid.NewString(),
		AdID:     adID,
		SellerID: sellerID,
		BuyerID:  buyerID,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// FindConversation returns the buyer's conversation on adID.
func FindConversation(ctx context.Context, db *gorm.DB, adID, buyerID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("ad_id = ? AND buyer_id = ?", adID, buyerID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation fetches a conversation by ID.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func participantScope(db *gorm.DB, userID string) *gorm.DB {
	return db.Where("seller_id = ? OR buyer_id = ?", userID, userID)
}

// CountConversations returns the number of conversations userID takes part in.
func CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := participantScope(db.WithContext(ctx).Model(&domain.Conversation{}), userID).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a page of userID's conversations ordered by
// last activity descending.
func ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := participantScope(db.WithContext(ctx), userID).
		Order("updated_at DESC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// TouchConversation sets updated_at to at.
func TouchConversation(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
