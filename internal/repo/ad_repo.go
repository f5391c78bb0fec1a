// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for ads and their
// dependent rows (images, promotions, views).
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only persistence and query composition. The
// activation invariant lives in the Ad.BeforeSave hook, so callers must
// persist ads through CreateAd/SaveAd (full-row saves), never column updates.
//
// Error semantics:
//   - When an ad is not found, functions return gorm.ErrRecordNotFound
//     (also exported as ErrNotFound).
//   - On DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// CreateAd inserts ad, assigning a UUID when the ID is empty.
func CreateAd(ctx context.Context, db *gorm.DB, ad *domain.Ad) error {
	if ad.ID == "" {
		ad.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(ad).Error
}

// SaveAd persists every column of ad so the BeforeSave hook always runs.
func SaveAd(ctx context.Context, db *gorm.DB, ad *domain.Ad) error {
	return db.WithContext(ctx).Save(ad).Error
}

// GetAd fetches a non-deleted ad by ID.
func GetAd(ctx context.Context, db *gorm.DB, id string) (*domain.Ad, error) {
	var a domain.Ad
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAdForUpdate fetches an ad and locks the row for the rest of the
// transaction on dialects that support row locks.
func GetAdForUpdate(ctx context.Context, db *gorm.DB, id string) (*domain.Ad, error) {
	var a domain.Ad
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAdWithTrashed fetches an ad by ID including soft-deleted rows.
func GetAdWithTrashed(ctx context.Context, db *gorm.DB, id string) (*domain.Ad, error) {
	var a domain.Ad
	if err := db.WithContext(ctx).Unscoped().Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// SoftDeleteAd marks the ad, its images and its promotions as deleted.
// Run it inside a transaction so the cascade is atomic.
func SoftDeleteAd(ctx context.Context, db *gorm.DB, id string) error {
	db = db.WithContext(ctx)
	if err := db.Where("ad_id = ?", id).Delete(&domain.AdImage{}).Error; err != nil {
		return err
	}
	if err := db.Where("ad_id = ?", id).Delete(&domain.AdPromotion{}).Error; err != nil {
		return err
	}
	res := db.Where("id = ?", id).Delete(&domain.Ad{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// unscoped returns a handle that sees soft-deleted rows and can start any
// number of independent statements. Unscoped alone yields a chain whose
// conditions would leak from one statement into the next.
func unscoped(ctx context.Context, db *gorm.DB) *gorm.DB {
	return db.WithContext(ctx).Unscoped().Session(&gorm.Session{})
}

// RestoreAd clears the deletion marker of the ad and of its images and
// promotions.
func RestoreAd(ctx context.Context, db *gorm.DB, id string) error {
	db = unscoped(ctx, db)
	res := db.Model(&domain.Ad{}).
		Where("id = ? AND deleted_at IS NOT NULL", id).
		Update("deleted_at", nil)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	if err := db.Model(&domain.AdImage{}).
		Where("ad_id = ? AND deleted_at IS NOT NULL", id).
		Update("deleted_at", nil).Error; err != nil {
		return err
	}
	return db.Model(&domain.AdPromotion{}).
		Where("ad_id = ? AND deleted_at IS NOT NULL", id).
		Update("deleted_at", nil).Error
}

// ForceDeleteAd permanently removes the ad with its images, promotions and
// view records. Deals, conversations and reviews go with the ad through the
// ON DELETE CASCADE foreign keys.
func ForceDeleteAd(ctx context.Context, db *gorm.DB, id string) error {
	db = unscoped(ctx, db)
	for _, model := range []any{&domain.AdImage{}, &domain.AdPromotion{}, &domain.AdView{}} {
		if err := db.Where("ad_id = ?", id).Delete(model).Error; err != nil {
			return err
		}
	}
	res := db.Where("id = ?", id).Delete(&domain.Ad{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// visibleAds narrows the ads table to rows that are publicly visible at now.
// categoryID is optional.
func visibleAds(ctx context.Context, db *gorm.DB, categoryID string, now time.Time) *gorm.DB {
	q := db.WithContext(ctx).Model(&domain.Ad{}).
		Where("status = ? AND published_at IS NOT NULL", domain.AdStatusActive).
		Where("expires_at IS NULL OR expires_at >= ?", now)
	if categoryID != "" {
		q = q.Where("category_id = ?", categoryID)
	}
	return q
}

// ListVisibleAds returns the listing candidates at now. Order is left to the
// ranker.
func ListVisibleAds(ctx context.Context, db *gorm.DB, categoryID string, now time.Time) ([]domain.Ad, error) {
	var out []domain.Ad
	err := visibleAds(ctx, db, categoryID, now).Find(&out).Error
	return out, err
}

// VisibleAdIDs returns the IDs of the ads visible in categoryID at now.
func VisibleAdIDs(ctx context.Context, db *gorm.DB, categoryID string, now time.Time) ([]string, error) {
	var ids []string
	err := visibleAds(ctx, db, categoryID, now).Pluck("id", &ids).Error
	return ids, err
}

// GetAdsByIDs loads the given ads; missing IDs are silently skipped.
func GetAdsByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]domain.Ad, error) {
	if len(ids) == 0 {
		return []domain.Ad{}, nil
	}
	var out []domain.Ad
	err := db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error
	return out, err
}

// ListImages returns the non-deleted images of an ad by position.
func ListImages(ctx context.Context, db *gorm.DB, adID string) ([]domain.AdImage, error) {
	var out []domain.AdImage
	err := db.WithContext(ctx).
		Where("ad_id = ?", adID).
		Order("position ASC, id ASC").
		Find(&out).Error
	return out, err
}

// AddImage attaches an already stored image path to an ad.
func AddImage(ctx context.Context, db *gorm.DB, adID, path string, position int) (*domain.AdImage, error) {
	img := &domain.AdImage{
		ID:       uuid.NewString(),
		AdID:     adID,
		Path:     path,
		Position: position,
	}
	if err := db.WithContext(ctx).Create(img).Error; err != nil {
		return nil, err
	}
	return img, nil
}

// RecordView inserts one view per (ad, viewer, day) and bumps the ad's view
// counter only when the insert actually happened. It reports whether the view
// was counted. Concurrent duplicates collapse on the unique index.
func RecordView(ctx context.Context, db *gorm.DB, adID, viewerKey string, now time.Time) (bool, error) {
	now = now.UTC()
	v := &domain.AdView{
		ID:        uuid.NewString(),
		AdID:      adID,
		ViewerKey: viewerKey,
		Day:       now.Format("2006-01-02"),
		CreatedAt: now,
	}
	db = db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(v)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	err := db.Model(&domain.Ad{}).
		Where("id = ?", adID).
		UpdateColumn("view_count", gorm.Expr("view_count + 1")).Error
	return err == nil, err
}
