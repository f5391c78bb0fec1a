package domain

import (
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func TestDeal_RoleOfAndCounterparty(t *testing.T) {
	d := &Deal{SellerID: "s1"}
	if d.RoleOf("s1") != RoleSeller {
		t.Fatalf("seller role not detected")
	}
	if d.RoleOf("b1") != RoleNone || d.RoleOf("") != RoleNone {
		t.Fatalf("non-participants must have no role")
	}
	if d.Counterparty("s1") != "" {
		t.Fatalf("no buyer yet, counterparty should be empty")
	}

	d.BuyerID = strp("b1")
	if d.RoleOf("b1") != RoleBuyer {
		t.Fatalf("buyer role not detected")
	}
	if d.Counterparty("s1") != "b1" || d.Counterparty("b1") != "s1" {
		t.Fatalf("counterparty mismatch")
	}
	if d.Counterparty("x") != "" {
		t.Fatalf("outsider has no counterparty")
	}

	d.BuyerID = strp("")
	if d.HasBuyer() {
		t.Fatalf("empty buyer id is not a buyer")
	}
}

func TestDealStatus_Valid(t *testing.T) {
	for _, s := range []DealStatus{DealProposed, DealConfirmed, DealCompleted, DealCanceled, DealDisputed} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if DealStatus("shipped").Valid() {
		t.Fatalf("unknown status accepted")
	}
}

func TestRoundRating(t *testing.T) {
	cases := map[float64]float64{4: 4, 4.44: 4.4, 4.45: 4.5, 0: 0, 5: 5}
	for in, want := range cases {
		if got := RoundRating(in); got != want {
			t.Errorf("RoundRating(%v)=%v want %v", in, got, want)
		}
	}
}

func TestDealReview_UniquePerRaterAndMetadata(t *testing.T) {
	db := newDomainDB(t, "domain_review_unique")
	now := time.Now().UTC()
	if err := db.Create(&Ad{ID: "a1", UserID: "s1", CategoryID: "c", Title: "T", Status: AdStatusDraft}).Error; err != nil {
		t.Fatalf("ad: %v", err)
	}
	if err := db.Create(&Deal{ID: "d1", AdID: "a1", SellerID: "s1", BuyerID: strp("b1"), Status: DealCompleted, Currency: "USD", CompletedAt: &now}).Error; err != nil {
		t.Fatalf("deal: %v", err)
	}

	r := &DealReview{ID: "r1", DealID: "d1", RaterID: "b1", RateeID: "s1", Rating: 5, Metadata: map[string]any{"on_time": true}}
	if err := db.Create(r).Error; err != nil {
		t.Fatalf("first review: %v", err)
	}
	dup := &DealReview{ID: "r2", DealID: "d1", RaterID: "b1", RateeID: "s1", Rating: 3}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected unique violation for second review by same rater")
	}

	var got DealReview
	if err := db.First(&got, "id = ?", "r1").Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v, ok := got.Metadata["on_time"].(bool); !ok || !v {
		t.Fatalf("metadata not round-tripped: %#v", got.Metadata)
	}
}
