package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/events"
	"github.com/tbourn/go-market-backend/internal/ranking"
	"github.com/tbourn/go-market-backend/internal/repo"
)

// Scenario A: draft ad, later activated without expiry, default 30 days.
func TestAdService_ScenarioA_ActivationSetsTimestamps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ad, err := e.ads.Create(ctx, seller, CreateAdInput{CategoryID: "bikes", Title: "  Road   bike "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ad.Status != domain.AdStatusDraft || ad.PublishedAt != nil || ad.ExpiresAt != nil {
		t.Fatalf("draft should not be published: %+v", ad)
	}
	if ad.Title != "Road bike" || ad.Currency != "USD" {
		t.Fatalf("normalization: title=%q currency=%q", ad.Title, ad.Currency)
	}
	if !ad.CreatedAt.Equal(t0) {
		t.Fatalf("created_at %v", ad.CreatedAt)
	}

	ad, err = e.ads.SetStatus(ctx, seller, ad.ID, domain.AdStatusActive)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	stored, err := repo.GetAd(ctx, e.db, ad.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.PublishedAt == nil || !stored.PublishedAt.Equal(t0) {
		t.Fatalf("published_at %v, want %v", stored.PublishedAt, t0)
	}
	if stored.ExpiresAt == nil || !stored.ExpiresAt.Equal(t0.Add(30*day)) {
		t.Fatalf("expires_at %v, want %v", stored.ExpiresAt, t0.Add(30*day))
	}

	// Pause and re-activate after expiry: published_at stays, expiry renews.
	e.advance(40 * day)
	if _, err := e.ads.SetStatus(ctx, seller, ad.ID, domain.AdStatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := e.ads.SetStatus(ctx, seller, ad.ID, domain.AdStatusActive); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	stored, _ = repo.GetAd(ctx, e.db, ad.ID)
	if !stored.PublishedAt.Equal(t0) {
		t.Fatalf("published_at moved to %v", stored.PublishedAt)
	}
	if !stored.ExpiresAt.Equal(e.now.Add(30 * day)) {
		t.Fatalf("expires_at %v, want %v", stored.ExpiresAt, e.now.Add(30*day))
	}

	types := e.events.Types()
	if len(types) != 4 || types[0] != events.AdStatusChanged {
		t.Fatalf("events: %v", types)
	}
}

func TestAdService_CreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	neg := decimal.NewFromInt(-5)

	cases := []struct {
		in    CreateAdInput
		field string
	}{
		{CreateAdInput{CategoryID: "c"}, "title"},
		{CreateAdInput{Title: "x"}, "category_id"},
		{CreateAdInput{CategoryID: "c", Title: "x", Status: domain.AdStatusExpired}, "status"},
		{CreateAdInput{CategoryID: "c", Title: "x", Currency: "dollars"}, "currency"},
		{CreateAdInput{CategoryID: "c", Title: "x", Price: &neg}, "price"},
	}
	for _, c := range cases {
		_, err := e.ads.Create(ctx, seller, c.in)
		wantErr(t, err, ErrValidation)
		if Field(err) != c.field {
			t.Errorf("field %q, want %q", Field(err), c.field)
		}
	}

	price := decimal.RequireFromString("10.005")
	ad, err := e.ads.Create(ctx, seller, CreateAdInput{
		CategoryID: "c", Title: "x", Currency: "gbp", Price: &price, Status: domain.AdStatusActive,
	})
	if err != nil {
		t.Fatalf("create active: %v", err)
	}
	if ad.Currency != "GBP" || ad.Price.String() != "10.01" || ad.PublishedAt == nil {
		t.Fatalf("active create: %+v", ad)
	}
}

func TestAdService_SetStatus_Authorization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ad := e.activeAd(t, seller, "Bike")

	_, err := e.ads.SetStatus(ctx, other, ad.ID, domain.AdStatusSold)
	wantErr(t, err, ErrForbidden)

	_, err = e.ads.SetStatus(ctx, seller, "missing", domain.AdStatusSold)
	wantErr(t, err, ErrAdNotFound)

	_, err = e.ads.SetStatus(ctx, seller, ad.ID, domain.AdStatusExpired)
	wantErr(t, err, ErrValidation)

	// Any status can follow any other, and admins may write it too.
	for _, st := range []domain.AdStatus{domain.AdStatusSold, domain.AdStatusDraft, domain.AdStatusArchived, domain.AdStatusActive} {
		if _, err := e.ads.SetStatus(ctx, admin, ad.ID, st); err != nil {
			t.Fatalf("admin -> %s: %v", st, err)
		}
	}
}

func TestAdService_Get_VisibilityAndViews(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ad := e.activeAd(t, seller, "Bike")

	det, err := e.ads.Get(ctx, "", "ip:1", ad.ID)
	if err != nil {
		t.Fatalf("anonymous get: %v", err)
	}
	if det.Manageable || det.DisplayStatus != domain.AdStatusActive || det.Ad.ViewCount != 1 {
		t.Fatalf("detail: %+v", det)
	}
	// Same viewer, same day: not counted again.
	det, _ = e.ads.Get(ctx, "", "ip:1", ad.ID)
	if det.Ad.ViewCount != 1 {
		t.Fatalf("duplicate view counted: %d", det.Ad.ViewCount)
	}
	// Owner views are not counted.
	det, _ = e.ads.Get(ctx, seller, "user:"+seller, ad.ID)
	if det.Ad.ViewCount != 1 || !det.Manageable {
		t.Fatalf("owner view: %+v", det)
	}
	// Next day counts again.
	e.advance(day)
	det, _ = e.ads.Get(ctx, "", "ip:1", ad.ID)
	if det.Ad.ViewCount != 2 {
		t.Fatalf("next-day view: %d", det.Ad.ViewCount)
	}

	// Expired ad: hidden from others, labelled expired for the owner.
	e.advance(40 * day)
	_, err = e.ads.Get(ctx, buyer, "user:"+buyer, ad.ID)
	wantErr(t, err, ErrAdNotFound)
	det, err = e.ads.Get(ctx, seller, "", ad.ID)
	if err != nil || det.DisplayStatus != domain.AdStatusExpired {
		t.Fatalf("owner expired view: det=%+v err=%v", det, err)
	}
	det, err = e.ads.Get(ctx, admin, "", ad.ID)
	if err != nil || !det.Manageable {
		t.Fatalf("admin view: %v", err)
	}
}

func TestAdService_DeleteRestoreForce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ad := e.activeAd(t, seller, "Bike")
	if _, err := repo.AddImage(ctx, e.db, ad.ID, "img/1.jpg", 0); err != nil {
		t.Fatalf("image: %v", err)
	}
	if _, err := e.ads.Promote(ctx, admin, ad.ID, PromoteInput{
		Type: domain.PromotionFeatured, StartsAt: t0, EndsAt: t0.Add(10 * day),
	}); err != nil {
		t.Fatalf("promote: %v", err)
	}

	wantErr(t, e.ads.Delete(ctx, other, ad.ID), ErrForbidden)
	if err := e.ads.Delete(ctx, seller, ad.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if imgs, _ := repo.ListImages(ctx, e.db, ad.ID); len(imgs) != 0 {
		t.Fatalf("images should be soft-deleted")
	}
	if ps, _ := repo.ListPromotions(ctx, e.db, ad.ID); len(ps) != 0 {
		t.Fatalf("promotions should be soft-deleted")
	}
	_, err := e.ads.Get(ctx, seller, "", ad.ID)
	wantErr(t, err, ErrAdNotFound)
	wantErr(t, e.ads.Delete(ctx, seller, ad.ID), ErrAdNotFound)

	// Restore after the original expiry: rows come back and the ad gets a
	// fresh active period.
	e.advance(31 * day)
	_, err = e.ads.Restore(ctx, other, ad.ID)
	wantErr(t, err, ErrForbidden)
	restored, err := e.ads.Restore(ctx, seller, ad.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.ExpiresAt.Equal(e.now.Add(30*day)) || !restored.PublishedAt.Equal(t0) {
		t.Fatalf("restored timestamps: published=%v expires=%v", restored.PublishedAt, restored.ExpiresAt)
	}
	if imgs, _ := repo.ListImages(ctx, e.db, ad.ID); len(imgs) != 1 {
		t.Fatalf("images not restored")
	}
	if ps, _ := repo.ListPromotions(ctx, e.db, ad.ID); len(ps) != 1 {
		t.Fatalf("promotions not restored")
	}
	_, err = e.ads.Restore(ctx, seller, ad.ID)
	wantErr(t, err, ErrAdNotDeleted)

	wantErr(t, e.ads.ForceDelete(ctx, seller, ad.ID), ErrForbidden)
	if err := e.ads.ForceDelete(ctx, admin, ad.ID); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	if _, err := repo.GetAdWithTrashed(ctx, e.db, ad.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("ad should be gone, got %v", err)
	}
	wantErr(t, e.ads.ForceDelete(ctx, admin, ad.ID), ErrAdNotFound)
}

func TestAdService_PromoteValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ad := e.activeAd(t, seller, "Bike")

	_, err := e.ads.Promote(ctx, seller, ad.ID, PromoteInput{Type: domain.PromotionBump, StartsAt: t0, EndsAt: t0.Add(day)})
	wantErr(t, err, ErrForbidden)

	bad := []PromoteInput{
		{Type: "gold", StartsAt: t0, EndsAt: t0.Add(day)},
		{Type: domain.PromotionBump, Priority: -1, StartsAt: t0, EndsAt: t0.Add(day)},
		{Type: domain.PromotionBump, StartsAt: t0, EndsAt: t0},
		{Type: domain.PromotionBump, EndsAt: t0},
		{Type: domain.PromotionBump, StartsAt: t0, EndsAt: t0.Add(day), Status: "paid"},
	}
	for i, in := range bad {
		_, err := e.ads.Promote(ctx, admin, ad.ID, in)
		wantErr(t, err, ErrValidation)
		if err == nil {
			t.Fatalf("case %d accepted", i)
		}
	}

	_, err = e.ads.Promote(ctx, admin, "missing", PromoteInput{Type: domain.PromotionBump, StartsAt: t0, EndsAt: t0.Add(day)})
	wantErr(t, err, ErrAdNotFound)
}

func TestAdService_ListPublic_RankingAndPaging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	old := e.activeAd(t, seller, "Old")
	e.advance(time.Hour)
	spot := e.activeAd(t, seller, "Spotlight")
	e.advance(time.Hour)
	feat := e.activeAd(t, seller, "Featured")
	e.advance(time.Hour)
	fresh := e.activeAd(t, seller, "Fresh")
	draft, _ := e.ads.Create(ctx, seller, CreateAdInput{CategoryID: "bikes", Title: "Draft"})

	mustPromote := func(adID string, typ domain.PromotionType, prio int) {
		t.Helper()
		if _, err := e.ads.Promote(ctx, admin, adID, PromoteInput{
			Type: typ, Priority: prio, StartsAt: t0, EndsAt: t0.Add(10 * day),
		}); err != nil {
			t.Fatalf("promote: %v", err)
		}
	}
	mustPromote(feat.ID, domain.PromotionFeatured, 5)
	mustPromote(spot.ID, domain.PromotionSpotlight, 1)
	// Expired window: ignored.
	if _, err := e.ads.Promote(ctx, admin, old.ID, PromoteInput{
		Type: domain.PromotionFeatured, StartsAt: t0.Add(-3 * day), EndsAt: t0.Add(-day),
	}); err != nil {
		t.Fatalf("promote old: %v", err)
	}

	items, total, err := e.ads.ListPublic(ctx, "", 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 4 {
		t.Fatalf("total %d", total)
	}
	want := []string{feat.ID, spot.ID, fresh.ID, old.ID}
	for i, it := range items {
		if it.Ad.ID != want[i] {
			t.Fatalf("position %d: got %s want %s", i, it.Ad.Title, want[i])
		}
		if it.Ad.ID == draft.ID {
			t.Fatalf("draft listed")
		}
	}
	if !items[0].Entry.Promoted || items[0].Entry.Tier != domain.PromotionFeatured || items[2].Entry.Promoted {
		t.Fatalf("entry metadata: %+v %+v", items[0].Entry, items[2].Entry)
	}

	page2, total, err := e.ads.ListPublic(ctx, "", 2, 3)
	if err != nil || total != 4 || len(page2) != 1 || page2[0].Ad.ID != old.ID {
		t.Fatalf("page 2: %v total=%d len=%d", err, total, len(page2))
	}
	empty, _, _ := e.ads.ListPublic(ctx, "", 5, 3)
	if len(empty) != 0 {
		t.Fatalf("out of range page should be empty")
	}
	none, total, _ := e.ads.ListPublic(ctx, "cars", 1, 10)
	if len(none) != 0 || total != 0 {
		t.Fatalf("category filter")
	}

	v, err := e.ads.ListingVersion(ctx, "")
	if err != nil || v.Ads != 4 || v.AdsUpdated == nil || v.Date != e.now.Format(ranking.DateLayout) {
		t.Fatalf("version: %+v %v", v, err)
	}
	if v.Promotions != 2 || v.PromotionsUpdated == nil {
		t.Fatalf("active promotions in version: %+v", v)
	}
}

func TestAdService_ListingVersion_FollowsPromotions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ad := e.activeAd(t, seller, "Bike")

	// Scheduled for tomorrow: not part of today's listing.
	if _, err := e.ads.Promote(ctx, admin, ad.ID, PromoteInput{
		Type: domain.PromotionBump, StartsAt: e.now.Add(day), EndsAt: e.now.Add(2 * day),
	}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if v, err := e.ads.ListingVersion(ctx, "bikes"); err != nil || v.Ads != 1 || v.Promotions != 0 || v.PromotionsUpdated != nil {
		t.Fatalf("future promotion counted: %+v %v", v, err)
	}

	e.advance(day)
	started, _ := e.ads.ListingVersion(ctx, "bikes")
	if started.Promotions != 1 {
		t.Fatalf("started promotion not counted: %+v", started)
	}
	e.advance(day)
	if ended, _ := e.ads.ListingVersion(ctx, "bikes"); ended.Promotions != 0 {
		t.Fatalf("ended promotion still counted: %+v", ended)
	}
}

// fakeRankCache keeps entries per (generation, category, date) like the
// Redis cache does.
type fakeRankCache struct {
	entries     map[string][]ranking.Entry
	gen         int64
	gets, sets  int
	invalidated int
	getErr      error
}

func (f *fakeRankCache) key(gen int64, categoryID, date string) string {
	return fmt.Sprintf("%d|%s|%s", gen, categoryID, date)
}

func (f *fakeRankCache) Get(_ context.Context, categoryID, date string) ([]ranking.Entry, int64, bool, error) {
	f.gets++
	if f.getErr != nil {
		return nil, 0, false, f.getErr
	}
	e, ok := f.entries[f.key(f.gen, categoryID, date)]
	return e, f.gen, ok, nil
}

func (f *fakeRankCache) Set(_ context.Context, gen int64, categoryID, date string, entries []ranking.Entry) error {
	f.sets++
	if f.entries == nil {
		f.entries = map[string][]ranking.Entry{}
	}
	f.entries[f.key(gen, categoryID, date)] = entries
	return nil
}

func (f *fakeRankCache) Invalidate(context.Context) error {
	f.invalidated++
	f.gen++
	return nil
}

func TestAdService_ListPublic_UsesCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cache := &fakeRankCache{}
	e.ads.Cache = cache

	a := e.activeAd(t, seller, "A")
	if cache.invalidated == 0 {
		t.Fatalf("activation should invalidate the cache")
	}

	if _, _, err := e.ads.ListPublic(ctx, "", 1, 10); err != nil {
		t.Fatalf("list: %v", err)
	}
	if cache.gets != 1 || cache.sets != 1 {
		t.Fatalf("miss path: gets=%d sets=%d", cache.gets, cache.sets)
	}
	items, _, _ := e.ads.ListPublic(ctx, "", 1, 10)
	if cache.sets != 1 || len(items) != 1 || items[0].Ad.ID != a.ID {
		t.Fatalf("hit path: sets=%d items=%d", cache.sets, len(items))
	}

	// Expiry invalidates nothing, so a cached ranking outlives the ad within
	// the same date. The page and the total both leave it out.
	e.now = *a.ExpiresAt
	if _, _, err := e.ads.ListPublic(ctx, "", 1, 10); err != nil {
		t.Fatalf("list at expiry: %v", err)
	}
	sets := cache.sets
	e.advance(time.Minute)
	items, total, err := e.ads.ListPublic(ctx, "", 1, 10)
	if err != nil || len(items) != 0 || total != 0 {
		t.Fatalf("expired ad served from cache: items=%d total=%d err=%v", len(items), total, err)
	}
	if cache.sets != sets {
		t.Fatalf("expected a cache hit after expiry")
	}

	// Cache errors fall back to the database.
	cache.getErr = errors.New("redis down")
	if _, _, err := e.ads.ListPublic(ctx, "", 1, 10); err != nil {
		t.Fatalf("list with cache error: %v", err)
	}
}
