package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DealStatus is the negotiation state of a deal.
type DealStatus string

const (
	DealProposed  DealStatus = "proposed"
	DealConfirmed DealStatus = "confirmed"
	DealCompleted DealStatus = "completed"
	DealCanceled  DealStatus = "canceled"
	DealDisputed  DealStatus = "disputed"
)

// Valid reports whether s is a known deal status.
func (s DealStatus) Valid() bool {
	switch s {
	case DealProposed, DealConfirmed, DealCompleted, DealCanceled, DealDisputed:
		return true
	}
	return false
}

// OpenDealStatuses are the states in which further seller actions reuse the
// existing deal instead of opening a new one.
var OpenDealStatuses = []DealStatus{DealProposed, DealConfirmed}

// Role is a party's side of a deal.
type Role string

const (
	RoleNone   Role = ""
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// Deal is one negotiation between the ad owner (seller) and at most one buyer.
//
// Milestone timestamps are set once: re-entering a state never moves them.
type Deal struct {
	ID          string           `json:"id"           gorm:"type:char(36);primaryKey"`
	AdID        string           `json:"ad_id"        gorm:"type:char(36);not null;index:idx_deal_ad_seller,priority:1"`
	SellerID    string           `json:"seller_id"    gorm:"type:varchar(64);not null;index:idx_deal_ad_seller,priority:2"`
	BuyerID     *string          `json:"buyer_id,omitempty" gorm:"type:varchar(64);index"`
	Status      DealStatus       `json:"status"       gorm:"type:varchar(16);not null;default:'proposed';check:status IN ('proposed','confirmed','completed','canceled','disputed')"`
	FinalPrice  *decimal.Decimal `json:"final_price,omitempty" gorm:"type:decimal(12,2)"`
	Currency    string           `json:"currency"     gorm:"type:varchar(3);not null;default:'USD'"`
	ConfirmedAt *time.Time       `json:"confirmed_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CanceledAt  *time.Time       `json:"canceled_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"   gorm:"index:idx_deal_ad_seller,priority:3"`
	UpdatedAt   time.Time        `json:"updated_at"`
	DeletedAt   gorm.DeletedAt   `json:"-"            gorm:"index"`

	Ad Ad `json:"-" gorm:"foreignKey:AdID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Deal.
func (Deal) TableName() string { return "deals" }

// HasBuyer reports whether a buyer has been assigned.
func (d *Deal) HasBuyer() bool { return d.BuyerID != nil && *d.BuyerID != "" }

// RoleOf returns which side of the deal actor is on.
func (d *Deal) RoleOf(actor string) Role {
	switch {
	case actor == "":
		return RoleNone
	case actor == d.SellerID:
		return RoleSeller
	case d.HasBuyer() && actor == *d.BuyerID:
		return RoleBuyer
	}
	return RoleNone
}

// Counterparty returns the other participant for actor, or "" when actor is
// not a participant or no buyer is assigned.
func (d *Deal) Counterparty(actor string) string {
	switch d.RoleOf(actor) {
	case RoleSeller:
		if d.HasBuyer() {
			return *d.BuyerID
		}
	case RoleBuyer:
		return d.SellerID
	}
	return ""
}

// DealReview is one party's rating of the counterparty for a completed deal.
// RateeID is always derived from the deal, never accepted from clients.
type DealReview struct {
	ID        string         `json:"id"        gorm:"type:char(36);primaryKey"`
	DealID    string         `json:"deal_id"   gorm:"type:char(36);not null;uniqueIndex:ux_review_deal_rater,priority:1"`
	RaterID   string         `json:"rater_id"  gorm:"type:varchar(64);not null;uniqueIndex:ux_review_deal_rater,priority:2"`
	RateeID   string         `json:"ratee_id"  gorm:"type:varchar(64);not null;index"`
	Rating    float64        `json:"rating"    gorm:"type:decimal(2,1);not null;check:rating >= 0 AND rating <= 5"`
	Comment   *string        `json:"comment,omitempty" gorm:"type:text"`
	Metadata  map[string]any `json:"metadata,omitempty" gorm:"serializer:json;type:text"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	Deal Deal `json:"-" gorm:"foreignKey:DealID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for DealReview.
func (DealReview) TableName() string { return "deal_reviews" }

// RoundRating rounds r to the single decimal the rating column stores.
func RoundRating(r float64) float64 {
	return math.Round(r*10) / 10
}
