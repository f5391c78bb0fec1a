package domain

import (
	"testing"
	"time"
)

func TestPromotionType_TierRank(t *testing.T) {
	if PromotionFeatured.TierRank() >= PromotionSpotlight.TierRank() ||
		PromotionSpotlight.TierRank() >= PromotionBump.TierRank() {
		t.Fatalf("tier precedence must be featured < spotlight < bump")
	}
	if PromotionType("banner").TierRank() != OtherTierRank {
		t.Fatalf("unknown type should rank as other")
	}
	if PromotionType("banner").Valid() || !PromotionBump.Valid() {
		t.Fatalf("Valid mismatch")
	}
}

func TestAdPromotion_IsActiveAt(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)
	p := &AdPromotion{Status: PromotionStatusActive, StartsAt: start, EndsAt: end}

	if !p.IsActiveAt(start) {
		t.Fatalf("window start is inclusive")
	}
	if p.IsActiveAt(end) {
		t.Fatalf("window end is exclusive")
	}
	if p.IsActiveAt(start.Add(-time.Nanosecond)) {
		t.Fatalf("before start must be inactive")
	}
	p.Status = PromotionStatusRefunded
	if p.IsActiveAt(start.Add(time.Hour)) {
		t.Fatalf("refunded promotion must be inactive")
	}
}
