// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for deal reviews.
//
// Error semantics:
//   - A second review by the same rater for the same deal violates the
//     (deal_id, rater_id) unique index. CreateReview returns ErrDuplicate in
//     that case so the service can translate it into a business error.
package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// CreateReview inserts r, assigning a UUID when the ID is empty.
func CreateReview(ctx context.Context, db *gorm.DB, r *domain.DealReview) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ListReviewsForDeal returns the reviews of one deal ordered by creation.
func ListReviewsForDeal(ctx context.Context, db *gorm.DB, dealID string) ([]domain.DealReview, error) {
	var out []domain.DealReview
	err := db.WithContext(ctx).
		Where("deal_id = ?", dealID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ListReviewsForDeals returns all reviews of the given deals.
func ListReviewsForDeals(ctx context.Context, db *gorm.DB, dealIDs []string) ([]domain.DealReview, error) {
	if len(dealIDs) == 0 {
		return []domain.DealReview{}, nil
	}
	var out []domain.DealReview
	err := db.WithContext(ctx).
		Where("deal_id IN ?", dealIDs).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ListReviewsReceived returns the reviews written about rateeID with their
// deal preloaded, newest first.
func ListReviewsReceived(ctx context.Context, db *gorm.DB, rateeID string) ([]domain.DealReview, error) {
	var out []domain.DealReview
	err := db.WithContext(ctx).
		Preload("Deal").
		Where("ratee_id = ?", rateeID).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}
