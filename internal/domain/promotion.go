package domain

import (
	"time"

	"gorm.io/gorm"
)

// PromotionType is the paid visibility tier of a promotion.
type PromotionType string

const (
	PromotionFeatured  PromotionType = "featured"
	PromotionSpotlight PromotionType = "spotlight"
	PromotionBump      PromotionType = "bump"
)

// OtherTierRank is the precedence given to any unknown promotion type.
const OtherTierRank = 9

// TierRank returns the precedence of t; lower ranks sort first.
func (t PromotionType) TierRank() int {
	switch t {
	case PromotionFeatured:
		return 1
	case PromotionSpotlight:
		return 2
	case PromotionBump:
		return 3
	}
	return OtherTierRank
}

// Valid reports whether t is one of the sellable tiers.
func (t PromotionType) Valid() bool { return t.TierRank() != OtherTierRank }

// PromotionStatus is the billing state of a promotion.
type PromotionStatus string

const (
	PromotionStatusActive    PromotionStatus = "active"
	PromotionStatusScheduled PromotionStatus = "scheduled"
	PromotionStatusEnded     PromotionStatus = "ended"
	PromotionStatusRefunded  PromotionStatus = "refunded"
	PromotionStatusCanceled  PromotionStatus = "canceled"
)

// AdPromotion is a paid, time-boxed visibility boost attached to one ad.
// Priority is ordered ascending (lower is stronger).
type AdPromotion struct {
	ID        string          `json:"id"         gorm:"type:char(36);primaryKey"`
	AdID      string          `json:"ad_id"      gorm:"type:char(36);not null;index:idx_promo_ad_status,priority:1"`
	Type      PromotionType   `json:"type"       gorm:"type:varchar(16);not null"`
	Priority  int             `json:"priority"   gorm:"not null;default:100"`
	StartsAt  time.Time       `json:"starts_at"  gorm:"not null"`
	EndsAt    time.Time       `json:"ends_at"    gorm:"not null"`
	Status    PromotionStatus `json:"status"     gorm:"type:varchar(16);not null;index:idx_promo_ad_status,priority:2"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt gorm.DeletedAt  `json:"-"          gorm:"index"`

	Ad Ad `json:"-" gorm:"foreignKey:AdID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for AdPromotion.
func (AdPromotion) TableName() string { return "ad_promotions" }

// IsActiveAt reports whether the promotion participates in ranking at now:
// status active and now inside [StartsAt, EndsAt).
func (p *AdPromotion) IsActiveAt(now time.Time) bool {
	return p.Status == PromotionStatusActive && !now.Before(p.StartsAt) && now.Before(p.EndsAt)
}
