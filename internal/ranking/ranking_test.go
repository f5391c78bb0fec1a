package ranking

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/tbourn/go-market-backend/internal/domain"
)

var day = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func ad(id string, published time.Time) domain.Ad {
	p := published
	return domain.Ad{ID: id, Status: domain.AdStatusActive, PublishedAt: &p, CreatedAt: published}
}

func promo(adID string, typ domain.PromotionType, prio int) domain.AdPromotion {
	return domain.AdPromotion{
		AdID:     adID,
		Type:     typ,
		Priority: prio,
		Status:   domain.PromotionStatusActive,
		StartsAt: day.Add(-24 * time.Hour),
		EndsAt:   day.Add(24 * time.Hour),
	}
}

func TestRank_TypeDominatesPriority(t *testing.T) {
	ads := []domain.Ad{ad("B", day), ad("A", day)}
	promos := []domain.AdPromotion{
		promo("A", domain.PromotionFeatured, 5),
		promo("B", domain.PromotionSpotlight, 1),
	}
	got := IDs(New(time.UTC).Rank(ads, promos, day))
	if want := []string{"A", "B"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v; want %v", got, want)
	}
}

func TestRank_PromotedBeforeUnpromoted(t *testing.T) {
	ads := []domain.Ad{
		ad("fresh", day),
		ad("old-bumped", day.Add(-72*time.Hour)),
		ad("older", day.Add(-96*time.Hour)),
	}
	promos := []domain.AdPromotion{promo("old-bumped", domain.PromotionBump, 100)}

	entries := New(time.UTC).Rank(ads, promos, day)
	if got, want := IDs(entries), []string{"old-bumped", "fresh", "older"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v; want %v", got, want)
	}
	if !entries[0].Promoted || entries[0].TierRank != 3 || entries[0].Tier != domain.PromotionBump {
		t.Fatalf("bad promoted entry: %+v", entries[0])
	}
	if entries[1].Promoted || entries[1].TierRank != 0 || entries[1].RotationKey != 0 {
		t.Fatalf("unpromoted entry carries tier metadata: %+v", entries[1])
	}
}

func TestRank_StrongestTierAndMinPriorityPerAd(t *testing.T) {
	ads := []domain.Ad{ad("X", day), ad("Y", day)}
	promos := []domain.AdPromotion{
		promo("X", domain.PromotionBump, 1),
		promo("X", domain.PromotionSpotlight, 50),
		promo("Y", domain.PromotionSpotlight, 10),
	}
	r := New(time.UTC)
	entries := r.Rank(ads, promos, day)
	if got, want := IDs(entries), []string{"X", "Y"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v; want %v", got, want)
	}
	if entries[0].TierRank != 2 || entries[0].Priority != 1 {
		t.Fatalf("X key = tier %d prio %d; want 2/1", entries[0].TierRank, entries[0].Priority)
	}
}

func TestRank_InactivePromotionsIgnored(t *testing.T) {
	ads := []domain.Ad{ad("new", day), ad("old", day.Add(-time.Hour))}

	ended := promo("old", domain.PromotionFeatured, 1)
	ended.EndsAt = day // half-open window: ends exactly now
	refunded := promo("old", domain.PromotionFeatured, 1)
	refunded.Status = domain.PromotionStatusRefunded
	future := promo("old", domain.PromotionFeatured, 1)
	future.StartsAt = day.Add(time.Minute)

	got := IDs(New(time.UTC).Rank(ads, []domain.AdPromotion{ended, refunded, future}, day))
	if want := []string{"new", "old"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v; want %v", got, want)
	}
}

func TestRank_UnpromotedRecencyAndTieBreak(t *testing.T) {
	a := ad("a", day)
	b := ad("b", day)
	b.CreatedAt = day.Add(-time.Hour)
	c := ad("c", day.Add(-time.Hour))
	unpublished := domain.Ad{ID: "d", CreatedAt: day.Add(time.Hour)}
	e := ad("e", day) // same published/created as a, id breaks the tie

	got := IDs(New(time.UTC).Rank([]domain.Ad{c, unpublished, b, e, a}, nil, day))
	if want := []string{"a", "e", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v; want %v", got, want)
	}
}

func coTierFixture(n int) ([]domain.Ad, []domain.AdPromotion) {
	ads := make([]domain.Ad, 0, n)
	promos := make([]domain.AdPromotion, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("ad-%02d", i)
		ads = append(ads, ad(id, day))
		promos = append(promos, promo(id, domain.PromotionSpotlight, 10))
	}
	return ads, promos
}

func TestRank_DeterministicWithinDay(t *testing.T) {
	ads, promos := coTierFixture(20)
	r := New(time.UTC)

	first := IDs(r.Rank(ads, promos, day.Add(-11*time.Hour)))
	second := IDs(r.Rank(ads, promos, day.Add(11*time.Hour)))
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same-day renders differ:\n%v\n%v", first, second)
	}

	// input order must not matter
	rev := make([]domain.Ad, len(ads))
	for i := range ads {
		rev[len(ads)-1-i] = ads[i]
	}
	if got := IDs(r.Rank(rev, promos, day)); !reflect.DeepEqual(first, got) {
		t.Fatalf("order depends on input order:\n%v\n%v", first, got)
	}
}

func TestRank_RotatesAcrossDates(t *testing.T) {
	ads, promos := coTierFixture(20)
	r := New(time.UTC)

	today := IDs(r.Rank(ads, promos, day))
	tomorrow := IDs(r.Rank(ads, promos, day.Add(20*time.Hour)))
	if reflect.DeepEqual(today, tomorrow) {
		t.Fatalf("co-tier promoted order did not rotate between dates: %v", today)
	}
}

func TestRanker_DateUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	late := time.Date(2024, 5, 10, 22, 30, 0, 0, time.UTC)

	if got := New(time.UTC).Date(late); got != "2024-05-10" {
		t.Fatalf("utc date = %s", got)
	}
	if got := New(loc).Date(late); got != "2024-05-11" {
		t.Fatalf("local date = %s", got)
	}
	if RotationKey("ad", "2024-05-10") == RotationKey("ad", "2024-05-11") {
		t.Fatalf("rotation key must change with the date")
	}
	if RotationKey("ad", "2024-05-10") != RotationKey("ad", "2024-05-10") {
		t.Fatalf("rotation key must be stable")
	}
}

func TestRanker_KeyIgnoresOtherAds(t *testing.T) {
	a := ad("A", day)
	e := New(time.UTC).Key(&a, []domain.AdPromotion{promo("B", domain.PromotionFeatured, 1)}, day)
	if e.Promoted {
		t.Fatalf("promotion of another ad applied: %+v", e)
	}
}
