package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// CreatePromotion inserts p, assigning a UUID when the ID is empty.
func CreatePromotion(ctx context.Context, db *gorm.DB, p *domain.AdPromotion) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(p).Error
}

// ListActivePromotions returns the promotions of adIDs that are active at
// now: status active and now inside [starts_at, ends_at).
func ListActivePromotions(ctx context.Context, db *gorm.DB, adIDs []string, now time.Time) ([]domain.AdPromotion, error) {
	if len(adIDs) == 0 {
		return []domain.AdPromotion{}, nil
	}
	var out []domain.AdPromotion
	err := db.WithContext(ctx).
		Where("ad_id IN ?", adIDs).
		Where("status = ?", domain.PromotionStatusActive).
		Where("starts_at <= ? AND ends_at > ?", now, now).
		Find(&out).Error
	return out, err
}

// ListPromotions returns every non-deleted promotion of an ad, newest first.
func ListPromotions(ctx context.Context, db *gorm.DB, adID string) ([]domain.AdPromotion, error) {
	var out []domain.AdPromotion
	err := db.WithContext(ctx).
		Where("ad_id = ?", adID).
		Order("starts_at DESC, id ASC").
		Find(&out).Error
	return out, err
}
