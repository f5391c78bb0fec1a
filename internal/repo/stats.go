// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// latestUpdate returns the greatest updated_at among the rows of q.
func latestUpdate(q *gorm.DB) (*time.Time, error) {
	// avoid MAX() -> TEXT in SQLite
	var row struct {
		UpdatedAt time.Time
	}
	if err := q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return nil, err
	}
	return &row.UpdatedAt, nil
}

// VisibleAdsStats returns the number of publicly visible ads at now and the
// latest UpdatedAt among them. maxUpdatedAt is nil when there are none.
func VisibleAdsStats(ctx context.Context, db *gorm.DB, categoryID string, now time.Time) (count int64, maxUpdatedAt *time.Time, err error) {
	if err = visibleAds(ctx, db, categoryID, now).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	maxUpdatedAt, err = latestUpdate(visibleAds(ctx, db, categoryID, now))
	if err != nil {
		return 0, nil, err
	}
	return count, maxUpdatedAt, nil
}

// PromotionsStats returns the number of promotions active at now on ads
// visible in categoryID, and their latest UpdatedAt. A promotion starting or
// ending changes the count, so listing ETags follow the ranked order.
func PromotionsStats(ctx context.Context, db *gorm.DB, categoryID string, now time.Time) (count int64, maxUpdatedAt *time.Time, err error) {
	active := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.AdPromotion{}).
			Where("status = ?", domain.PromotionStatusActive).
			Where("starts_at <= ? AND ends_at > ?", now, now).
			Where("ad_id IN (?)", visibleAds(ctx, db, categoryID, now).Select("id"))
	}
	if err = active().Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	maxUpdatedAt, err = latestUpdate(active())
	if err != nil {
		return 0, nil, err
	}
	return count, maxUpdatedAt, nil
}

// MessagesStats returns the message count and latest UpdatedAt within a
// conversation. maxUpdatedAt is nil when the conversation has no messages.
func MessagesStats(ctx context.Context, db *gorm.DB, conversationID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).Where("conversation_id = ?", conversationID)
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	maxUpdatedAt, err = latestUpdate(db.WithContext(ctx).Model(&domain.Message{}).Where("conversation_id = ?", conversationID))
	if err != nil {
		return 0, nil, err
	}
	return count, maxUpdatedAt, nil
}
