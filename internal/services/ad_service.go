// Package services – AdService
//
// This file implements AdService, which owns the lifecycle of a single ad
// (create, status changes, soft delete/restore/force delete), the ranked
// public listing, single-ad reads with per-day view counting, and the admin
// promotion endpoint that stands in for the payment flow.
//
// Every status write goes through repo.SaveAd on a session prepared with
// domain.WithAdDuration, so the activation hook sees the injected clock and
// the configured default duration.
package services

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-market-backend/internal/clock"
	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/events"
	"github.com/tbourn/go-market-backend/internal/observability"
	"github.com/tbourn/go-market-backend/internal/ranking"
	"github.com/tbourn/go-market-backend/internal/repo"
)

const (
	maxTitleRunes       = 255
	maxDescriptionRunes = 10000
	maxImagePathLen     = 512
)

// RankCache stores ranked listings per (category, calendar date). Get
// reports the cache generation it looked in; Set stores under that
// generation, so a ranking computed across an Invalidate never becomes
// current. A nil cache disables caching.
type RankCache interface {
	Get(ctx context.Context, categoryID, date string) (entries []ranking.Entry, gen int64, ok bool, err error)
	Set(ctx context.Context, gen int64, categoryID, date string, entries []ranking.Entry) error
	Invalidate(ctx context.Context) error
}

// AdService coordinates ad persistence, visibility and ranking.
type AdService struct {
	DB     *gorm.DB
	Clock  clock.Clock
	Auth   Authorizer
	Ranker ranking.Ranker

	// Optional collaborators.
	Cache  RankCache
	Events events.Publisher

	// DefaultDuration is the active period applied by the activation hook.
	DefaultDuration time.Duration
}

// NewAdService wires an AdService with a system clock and no cache.
func NewAdService(db *gorm.DB, auth Authorizer, ranker ranking.Ranker, duration time.Duration) *AdService {
	return &AdService{
		DB:              db,
		Clock:           clock.NewSystem(),
		Auth:            auth,
		Ranker:          ranker,
		Events:          events.Noop{},
		DefaultDuration: duration,
	}
}

// CreateAdInput carries the owner-editable fields of a new ad.
type CreateAdInput struct {
	CategoryID  string
	Title       string
	Description string
	Price       *decimal.Decimal
	Currency    string
	Status      domain.AdStatus
}

// AdDetail is a single ad as returned to a viewer.
type AdDetail struct {
	Ad            *domain.Ad
	DisplayStatus domain.AdStatus
	Images        []domain.AdImage
	// Manageable is true when the viewer may edit the ad.
	Manageable bool
	// Promotions is filled for manageable viewers only.
	Promotions []domain.AdPromotion
}

// ListedAd is one row of the public listing.
type ListedAd struct {
	Ad            domain.Ad
	DisplayStatus domain.AdStatus
	Entry         ranking.Entry
}

// PromoteInput describes a promotion created by an admin.
type PromoteInput struct {
	Type     domain.PromotionType
	Priority int
	StartsAt time.Time
	EndsAt   time.Time
	Status   domain.PromotionStatus
}

func (s *AdService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

// hooked prepares tx so Ad.BeforeSave uses the service clock and duration.
func (s *AdService) hooked(tx *gorm.DB, now time.Time) *gorm.DB {
	return domain.WithAdDuration(tx, now, s.DefaultDuration)
}

// Create validates input and inserts an ad owned by actor. An ad created
// directly as active is published immediately by the activation hook.
func (s *AdService) Create(ctx context.Context, actor string, in CreateAdInput) (*domain.Ad, error) {
	tr := otel.Tracer("services/AdService")
	ctx, span := tr.Start(ctx, "Create", trace.WithAttributes(attribute.String("user.id", actor)))
	defer span.End()

	ad, err := s.buildAd(actor, in)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ad.CreatedAt = now

	err = withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
		return repo.CreateAd(ctx, s.hooked(tx, now), ad)
	})
	if err != nil {
		return nil, err
	}

	if ad.Status == domain.AdStatusActive {
		s.invalidate(ctx)
	}
	publish(ctx, s.Events, events.New(events.AdStatusChanged, actor, now, map[string]any{
		"ad_id": ad.ID, "from": "", "to": string(ad.Status),
	}))
	return ad, nil
}

func (s *AdService) buildAd(actor string, in CreateAdInput) (*domain.Ad, error) {
	title := normalizeText(in.Title)
	if title == "" {
		return nil, ValidationError("title", "title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return nil, ValidationError("title", "title must be at most %d characters", maxTitleRunes)
	}
	desc := strings.TrimSpace(norm.NFC.String(in.Description))
	if utf8.RuneCountInString(desc) > maxDescriptionRunes {
		return nil, ValidationError("description", "description must be at most %d characters", maxDescriptionRunes)
	}
	category := strings.TrimSpace(in.CategoryID)
	if category == "" {
		return nil, ValidationError("category_id", "category_id is required")
	}

	status := in.Status
	if status == "" {
		status = domain.AdStatusDraft
	}
	if !status.Valid() {
		return nil, ValidationError("status", "unknown ad status %q", status)
	}

	cur := "USD"
	if strings.TrimSpace(in.Currency) != "" {
		c, err := normalizeCurrency(in.Currency)
		if err != nil {
			return nil, err
		}
		cur = c
	}

	var price *decimal.Decimal
	if in.Price != nil {
		if in.Price.IsNegative() {
			return nil, ValidationError("price", "price must be >= 0")
		}
		p := in.Price.Round(2)
		price = &p
	}

	return &domain.Ad{
		UserID:      actor,
		CategoryID:  category,
		Title:       title,
		Description: desc,
		Price:       price,
		Currency:    cur,
		Status:      status,
	}, nil
}

// Get returns an ad to viewer. Publicly visible ads are returned to anyone
// and count one view per viewer per UTC day (owners do not count). Ads that
// fail the visibility check are returned only to their owner or an admin;
// everyone else gets ErrAdNotFound.
func (s *AdService) Get(ctx context.Context, viewer, viewerKey, id string) (*AdDetail, error) {
	tr := otel.Tracer("services/AdService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("ad.id", id)))
	defer span.End()

	ad, err := repo.GetAd(ctx, s.DB, id)
	if err != nil {
		return nil, notFound(err, ErrAdNotFound)
	}
	now := s.now()
	manageable := s.Auth.IsOwnerOrAdmin(viewer, ad)

	if !ad.IsPubliclyVisible(now) && !manageable {
		return nil, ErrAdNotFound
	}

	if ad.IsPubliclyVisible(now) && viewerKey != "" && viewer != ad.UserID {
		var counted bool
		err := withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
			var err error
			counted, err = repo.RecordView(ctx, tx, ad.ID, viewerKey, now)
			return err
		})
		switch {
		case err != nil:
			zerolog.Ctx(ctx).Warn().Err(err).Str("ad_id", ad.ID).Msg("record view failed")
		case counted:
			ad.ViewCount++
			observability.AdViewsRecorded.Inc()
		}
	}

	images, err := repo.ListImages(ctx, s.DB, ad.ID)
	if err != nil {
		return nil, err
	}
	d := &AdDetail{
		Ad:            ad,
		DisplayStatus: ad.DisplayStatus(now),
		Images:        images,
		Manageable:    manageable,
	}
	if manageable {
		if d.Promotions, err = repo.ListPromotions(ctx, s.DB, ad.ID); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddImage attaches an already uploaded image path to an ad. Owner or admin
// only.
func (s *AdService) AddImage(ctx context.Context, actor, adID, path string, position int) (*domain.AdImage, error) {
	tr := otel.Tracer("services/AdService")
	ctx, span := tr.Start(ctx, "AddImage", trace.WithAttributes(attribute.String("ad.id", adID)))
	defer span.End()

	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ValidationError("path", "path is required")
	}
	if len(path) > maxImagePathLen {
		return nil, ValidationError("path", "path must be at most %d bytes", maxImagePathLen)
	}
	if position < 0 {
		return nil, ValidationError("position", "position must be >= 0")
	}

	var img *domain.AdImage
	err := withTx(ctx, s.DB, s.now(), func(tx *gorm.DB) error {
		a, err := repo.GetAdForUpdate(ctx, tx, adID)
		if err != nil {
			return notFound(err, ErrAdNotFound)
		}
		if !s.Auth.IsOwnerOrAdmin(actor, a) {
			return ErrAdNotManageable
		}
		img, err = repo.AddImage(ctx, tx, adID, path, position)
		return err
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// SetStatus writes a new stored status. Any status may follow any other;
// only the owner or an admin may change it.
func (s *AdService) SetStatus(ctx context.Context, actor, id string, status domain.AdStatus) (*domain.Ad, error) {
	tr := otel.Tracer("services/AdService")
	ctx, span := tr.Start(ctx, "SetStatus",
		trace.WithAttributes(
			attribute.String("ad.id", id),
			attribute.String("ad.status", string(status)),
		),
	)
	defer span.End()

	if !status.Valid() {
		return nil, ValidationError("status", "unknown ad status %q", status)
	}

	now := s.now()
	var (
		ad   *domain.Ad
		prev domain.AdStatus
	)
	err := withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
		a, err := repo.GetAdForUpdate(ctx, tx, id)
		if err != nil {
			return notFound(err, ErrAdNotFound)
		}
		if !s.Auth.IsOwnerOrAdmin(actor, a) {
			return ErrAdNotManageable
		}
		prev = a.Status
		a.Status = status
		if err := repo.SaveAd(ctx, s.hooked(tx, now), a); err != nil {
			return err
		}
		ad = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx)
	if prev != status {
		publish(ctx, s.Events, events.New(events.AdStatusChanged, actor, now, map[string]any{
			"ad_id": ad.ID, "from": string(prev), "to": string(status),
		}))
	}
	return ad, nil
}

// Delete soft-deletes the ad together with its images and promotions.
func (s *AdService) Delete(ctx context.Context, actor, id string) error {
	tr := otel.Tracer("services/AdService")
	ctx, span := tr.Start(ctx, "Delete", trace.WithAttributes(attribute.String("ad.id", id)))
	defer span.End()

	now := s.now()
	err := withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
		a, err := repo.GetAdForUpdate(ctx, tx, id)
		if err != nil {
			return notFound(err, ErrAdNotFound)
		}
		if !s.Auth.IsOwnerOrAdmin(actor, a) {
			return ErrAdNotManageable
		}
		return notFound(repo.SoftDeleteAd(ctx, tx, id), ErrAdNotFound)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx)
	publish(ctx, s.Events, events.New(events.AdDeleted, actor, now, map[string]any{"ad_id": id}))
	return nil
}

// Restore undoes a soft delete of the ad and its images and promotions. The
// restored ad is saved again so an active ad gets a fresh expiry when its
// old one has passed.
func (s *AdService) Restore(ctx context.Context, actor, id string) (*domain.Ad, error) {
	tr := otel.Tracer("services/AdService")
	ctx, span := tr.Start(ctx, "Restore", trace.WithAttributes(attribute.String("ad.id", id)))
	defer span.End()

	now := s.now()
	var ad *domain.Ad
	err := withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
		a, err := repo.GetAdWithTrashed(ctx, tx, id)
		if err != nil {
			return notFound(err, ErrAdNotFound)
		}
		if !s.Auth.IsOwnerOrAdmin(actor, a) {
			return ErrAdNotManageable
		}
		if !a.DeletedAt.Valid {
			return ErrAdNotDeleted
		}
		if err := repo.RestoreAd(ctx, tx, id); err != nil {
			return notFound(err, ErrAdNotDeleted)
		}
		a, err = repo.GetAd(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := repo.SaveAd(ctx, s.hooked(tx, now), a); err != nil {
			return err
		}
		ad = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx)
	publish(ctx, s.Events, events.New(events.AdRestored, actor, now, map[string]any{"ad_id": id}))
	return ad, nil
}

// ForceDelete permanently removes an ad, including soft-deleted ones.
// Admin only.
func (s *AdService) ForceDelete(ctx context.Context, actor, id string) error {
	tr := otel.Tracer("services/AdService")
	ctx, span := tr.Start(ctx, "ForceDelete", trace.WithAttributes(attribute.String("ad.id", id)))
	defer span.End()

	if !s.Auth.IsAdmin(actor) {
		return ErrAdNotManageable
	}
	now := s.now()
	err := withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
		return notFound(repo.ForceDeleteAd(ctx, tx, id), ErrAdNotFound)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	publish(ctx, s.Events, events.New(events.AdDeleted, actor, now, map[string]any{"ad_id": id, "force": true}))
	return nil
}

// Promote attaches a promotion to an ad. Admin only.
func (s *AdService) Promote(ctx context.Context, actor, adID string, in PromoteInput) (*domain.AdPromotion, error) {
	tr := otel.Tracer("services/AdService")
	ctx, span := tr.Start(ctx, "Promote",
		trace.WithAttributes(
			attribute.String("ad.id", adID),
			attribute.String("promotion.type", string(in.Type)),
		),
	)
	defer span.End()

	if !s.Auth.IsAdmin(actor) {
		return nil, ErrAdNotManageable
	}
	if !in.Type.Valid() {
		return nil, ValidationError("type", "type must be one of featured, spotlight, bump")
	}
	if in.Priority < 0 {
		return nil, ValidationError("priority", "priority must be >= 0")
	}
	if in.StartsAt.IsZero() || in.EndsAt.IsZero() {
		return nil, ValidationError("starts_at", "starts_at and ends_at are required")
	}
	if !in.EndsAt.After(in.StartsAt) {
		return nil, ValidationError("ends_at", "ends_at must be after starts_at")
	}
	status := in.Status
	if status == "" {
		status = domain.PromotionStatusActive
	}
	switch status {
	case domain.PromotionStatusActive, domain.PromotionStatusScheduled, domain.PromotionStatusEnded,
		domain.PromotionStatusRefunded, domain.PromotionStatusCanceled:
	default:
		return nil, ValidationError("status", "unknown promotion status %q", status)
	}

	p := &domain.AdPromotion{
		AdID:     adID,
		Type:     in.Type,
		Priority: in.Priority,
		StartsAt: in.StartsAt.UTC(),
		EndsAt:   in.EndsAt.UTC(),
		Status:   status,
	}
	now := s.now()
	err := withTx(ctx, s.DB, now, func(tx *gorm.DB) error {
		if _, err := repo.GetAd(ctx, tx, adID); err != nil {
			return notFound(err, ErrAdNotFound)
		}
		return repo.CreatePromotion(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx)
	publish(ctx, s.Events, events.New(events.PromotionCreated, actor, now, map[string]any{
		"ad_id": adID, "promotion_id": p.ID, "type": string(p.Type),
	}))
	return p, nil
}

// ListPublic returns one page of the ranked public listing and the total
// number of ranked ads. The ranking is computed once per calendar date and
// category and served from the cache when one is configured.
func (s *AdService) ListPublic(ctx context.Context, categoryID string, page, pageSize int) ([]ListedAd, int64, error) {
	tr := otel.Tracer("services/AdService")
	ctx, span := tr.Start(ctx, "ListPublic",
		trace.WithAttributes(
			attribute.String("category.id", categoryID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	now := s.now()
	entries, err := s.ranked(ctx, categoryID, now)
	if err != nil {
		return nil, 0, err
	}
	total := int64(len(entries))
	if offset >= len(entries) {
		return []ListedAd{}, total, nil
	}
	end := offset + pageSize
	if end > len(entries) {
		end = len(entries)
	}
	window := entries[offset:end]

	ads, err := repo.GetAdsByIDs(ctx, s.DB, ranking.IDs(window))
	if err != nil {
		return nil, 0, err
	}
	byID := make(map[string]domain.Ad, len(ads))
	for _, a := range ads {
		byID[a.ID] = a
	}

	out := make([]ListedAd, 0, len(window))
	for _, e := range window {
		a, ok := byID[e.AdID]
		// Deleted or changed between ranking and loading the page.
		if !ok || !a.IsPubliclyVisible(now) {
			continue
		}
		out = append(out, ListedAd{Ad: a, DisplayStatus: a.DisplayStatus(now), Entry: e})
	}
	return out, total, nil
}

// ListingVersion is everything the ranked listing depends on besides the
// page window. Equal versions render equal listings.
type ListingVersion struct {
	Ads               int64
	AdsUpdated        *time.Time
	Promotions        int64
	PromotionsUpdated *time.Time
	Date              string
}

// ListingVersion returns the current version of the category listing: the
// visible ads, the promotions active on them and the ranking date.
func (s *AdService) ListingVersion(ctx context.Context, categoryID string) (ListingVersion, error) {
	now := s.now()
	v := ListingVersion{Date: s.Ranker.Date(now)}
	var err error
	if v.Ads, v.AdsUpdated, err = repo.VisibleAdsStats(ctx, s.DB, categoryID, now); err != nil {
		return ListingVersion{}, err
	}
	if v.Promotions, v.PromotionsUpdated, err = repo.PromotionsStats(ctx, s.DB, categoryID, now); err != nil {
		return ListingVersion{}, err
	}
	return v, nil
}

// ranked returns the ranking of the ads visible in categoryID at now. A
// cached ranking is narrowed to the ads that are still visible, since expiry
// passes without a write that would invalidate it.
func (s *AdService) ranked(ctx context.Context, categoryID string, now time.Time) ([]ranking.Entry, error) {
	date := s.Ranker.Date(now)
	log := zerolog.Ctx(ctx)

	var (
		gen       int64
		cacheable bool
	)
	if s.Cache != nil {
		entries, g, ok, err := s.Cache.Get(ctx, categoryID, date)
		switch {
		case err != nil:
			observability.RankCacheRequests.WithLabelValues("error").Inc()
			log.Warn().Err(err).Msg("rank cache get failed")
		case ok:
			observability.RankCacheRequests.WithLabelValues("hit").Inc()
			return s.stillVisible(ctx, categoryID, now, entries)
		default:
			observability.RankCacheRequests.WithLabelValues("miss").Inc()
			gen, cacheable = g, true
		}
	}

	ads, err := repo.ListVisibleAds(ctx, s.DB, categoryID, now)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(ads))
	for i := range ads {
		ids[i] = ads[i].ID
	}
	promos, err := repo.ListActivePromotions(ctx, s.DB, ids, now)
	if err != nil {
		return nil, err
	}
	entries := s.Ranker.Rank(ads, promos, now)

	if cacheable {
		if err := s.Cache.Set(ctx, gen, categoryID, date, entries); err != nil {
			log.Warn().Err(err).Msg("rank cache set failed")
		}
	}
	return entries, nil
}

func (s *AdService) stillVisible(ctx context.Context, categoryID string, now time.Time, entries []ranking.Entry) ([]ranking.Entry, error) {
	ids, err := repo.VisibleAdIDs(ctx, s.DB, categoryID, now)
	if err != nil {
		return nil, err
	}
	visible := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		visible[id] = struct{}{}
	}
	out := entries[:0:0]
	for _, e := range entries {
		if _, ok := visible[e.AdID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *AdService) invalidate(ctx context.Context) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(ctx); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("rank cache invalidate failed")
	}
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// normalizeText applies NFC, trims and collapses runs of whitespace.
func normalizeText(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(norm.NFC.String(s)), " ")
}
