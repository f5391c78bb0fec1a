// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for deals.
//
// Deals are mutated with read-modify-write inside one transaction: callers
// load the row with GetDealForUpdate, apply the state machine in memory and
// write it back with SaveDeal before the transaction commits.
package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// CreateDeal inserts d, assigning a UUID when the ID is empty.
func CreateDeal(ctx context.Context, db *gorm.DB, d *domain.Deal) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(d).Error
}

// GetDeal fetches a non-deleted deal by ID.
func GetDeal(ctx context.Context, db *gorm.DB, id string) (*domain.Deal, error) {
	var d domain.Deal
	if err := db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDealForUpdate fetches a deal and locks its row until the transaction
// ends (where the dialect supports SELECT ... FOR UPDATE).
func GetDealForUpdate(ctx context.Context, db *gorm.DB, id string) (*domain.Deal, error) {
	var d domain.Deal
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// LatestOpenDeal returns the most recent proposed or confirmed deal for the
// (ad, seller) pair, or ErrNotFound.
func LatestOpenDeal(ctx context.Context, db *gorm.DB, adID, sellerID string) (*domain.Deal, error) {
	var d domain.Deal
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("ad_id = ? AND seller_id = ?", adID, sellerID).
		Where("status IN ?", domain.OpenDealStatuses).
		Order("created_at DESC, id DESC").
		First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveDeal writes every column of d.
func SaveDeal(ctx context.Context, db *gorm.DB, d *domain.Deal) error {
	return db.WithContext(ctx).Save(d).Error
}

// ListDealsForAd returns every deal of an ad, newest first.
func ListDealsForAd(ctx context.Context, db *gorm.DB, adID string) ([]domain.Deal, error) {
	var out []domain.Deal
	err := db.WithContext(ctx).
		Where("ad_id = ?", adID).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}
