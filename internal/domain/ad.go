// Package domain defines the marketplace persistence models (ads, promotions,
// deals, reviews, conversations) together with the pure rules that belong to
// a single entity: ad visibility, the derived "expired" label, and the
// activation invariant enforced on every save.
//
// These types are mapped with GORM and shared across the repository and
// service layers.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AdStatus is the stored lifecycle status of an ad.
type AdStatus string

const (
	AdStatusDraft    AdStatus = "draft"
	AdStatusActive   AdStatus = "active"
	AdStatusPaused   AdStatus = "paused"
	AdStatusSold     AdStatus = "sold"
	AdStatusArchived AdStatus = "archived"

	// AdStatusExpired is a display label only. It is never persisted.
	AdStatusExpired AdStatus = "expired"
)

// Valid reports whether s is a status that may be stored.
func (s AdStatus) Valid() bool {
	switch s {
	case AdStatusDraft, AdStatusActive, AdStatusPaused, AdStatusSold, AdStatusArchived:
		return true
	}
	return false
}

// DefaultAdDuration is used by the activation hook when no duration was
// attached to the session (see WithAdDuration).
const DefaultAdDuration = 30 * 24 * time.Hour

// Session settings read by Ad.BeforeSave.
const (
	settingAdNow      = "market:ad_now"
	settingAdDuration = "market:ad_duration"
)

// Ad is a single marketplace listing.
//
// Fields:
//   - UserID: owner (seller) of the listing.
//   - Status: stored status; "expired" is derived at read time (DisplayStatus).
//   - PublishedAt: first publish time, set once by the activation hook.
//   - ExpiresAt: end of public visibility; recomputed on activation when stale.
//   - DeletedAt: soft deletion marker (cascades to images and promotions).
type Ad struct {
	ID          string           `json:"id"           gorm:"type:char(36);primaryKey"`
	UserID      string           `json:"user_id"      gorm:"type:varchar(64);not null;index:idx_ads_owner"`
	CategoryID  string           `json:"category_id"  gorm:"type:varchar(64);not null;index:idx_ads_listing,priority:2"`
	Title       string           `json:"title"        gorm:"type:varchar(255);not null"`
	Description string           `json:"description"  gorm:"type:text"`
	Price       *decimal.Decimal `json:"price,omitempty" gorm:"type:decimal(12,2)"`
	Currency    string           `json:"currency"     gorm:"type:varchar(3);not null;default:'USD'"`
	Status      AdStatus         `json:"status"       gorm:"type:varchar(16);not null;default:'draft';index:idx_ads_listing,priority:1;check:status IN ('draft','active','paused','sold','archived')"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty" gorm:"index"`
	ViewCount   int64            `json:"view_count"   gorm:"not null;default:0"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	DeletedAt   gorm.DeletedAt   `json:"-"            gorm:"index"`
}

// TableName returns the database table name for Ad.
func (Ad) TableName() string { return "ads" }

// IsPubliclyVisible reports whether the ad may be shown to anyone at now:
// it is active, has been published, and has not expired. The check is pure.
func (a *Ad) IsPubliclyVisible(now time.Time) bool {
	if a == nil || a.Status != AdStatusActive || a.PublishedAt == nil {
		return false
	}
	return a.ExpiresAt == nil || !a.ExpiresAt.Before(now)
}

// DisplayStatus classifies the ad for display. Active or paused ads whose
// expiry has passed are labelled "expired"; everything else shows the stored
// status.
func (a *Ad) DisplayStatus(now time.Time) AdStatus {
	if (a.Status == AdStatusActive || a.Status == AdStatusPaused) &&
		a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
		return AdStatusExpired
	}
	return a.Status
}

// EnsureActivation applies the activation invariant when the ad is active:
// PublishedAt defaults to now and is never overwritten; ExpiresAt is
// recomputed as now+duration when missing or not strictly in the future.
// It is a no-op for any other status.
func (a *Ad) EnsureActivation(now time.Time, duration time.Duration) {
	if a.Status != AdStatusActive {
		return
	}
	if a.PublishedAt == nil {
		p := now
		a.PublishedAt = &p
	}
	if a.ExpiresAt == nil || !a.ExpiresAt.After(now) {
		if duration <= 0 {
			duration = DefaultAdDuration
		}
		e := now.Add(duration)
		a.ExpiresAt = &e
	}
}

// BeforeSave is the GORM hook that enforces the activation invariant on
// every create/save, regardless of which caller changed the status.
func (a *Ad) BeforeSave(tx *gorm.DB) error {
	now := tx.NowFunc().UTC()
	if v, ok := tx.Get(settingAdNow); ok {
		if t, ok := v.(time.Time); ok {
			now = t
		}
	}
	duration := DefaultAdDuration
	if v, ok := tx.Get(settingAdDuration); ok {
		if d, ok := v.(time.Duration); ok && d > 0 {
			duration = d
		}
	}
	a.EnsureActivation(now, duration)
	return nil
}

// WithAdDuration returns a session whose saves run the activation hook with
// the given clock reading and default active duration.
func WithAdDuration(db *gorm.DB, now time.Time, duration time.Duration) *gorm.DB {
	return db.Set(settingAdNow, now).Set(settingAdDuration, duration)
}

// AdImage is a stored picture attached to an ad. Upload and processing are
// external; only the row lifecycle (soft delete/restore with the ad) lives here.
type AdImage struct {
	ID        string         `json:"id"       gorm:"type:char(36);primaryKey"`
	AdID      string         `json:"ad_id"    gorm:"type:char(36);not null;index"`
	Path      string         `json:"path"     gorm:"type:varchar(512);not null"`
	Position  int            `json:"position" gorm:"not null;default:0"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"        gorm:"index"`

	Ad Ad `json:"-" gorm:"foreignKey:AdID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for AdImage.
func (AdImage) TableName() string { return "ad_images" }

// AdView records that a viewer saw an ad on a given UTC day. The unique index
// makes concurrent duplicate views collapse into one row.
type AdView struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	AdID      string    `gorm:"type:char(36);not null;uniqueIndex:ux_ad_view_day,priority:1"`
	ViewerKey string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_ad_view_day,priority:2"`
	Day       string    `gorm:"type:char(10);not null;uniqueIndex:ux_ad_view_day,priority:3"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName returns the database table name for AdView.
func (AdView) TableName() string { return "ad_views" }
