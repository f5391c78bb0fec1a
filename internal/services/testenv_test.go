package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-market-backend/internal/clock"
	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/events"
	"github.com/tbourn/go-market-backend/internal/ranking"
	"github.com/tbourn/go-market-backend/internal/repo"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// env wires every service against one database and a movable clock.
type env struct {
	db     *gorm.DB
	now    time.Time
	events *events.Recorder

	ads      *AdService
	deals    *DealService
	reviews  *ReviewService
	convs    *ConversationService
	messages *MessageService
}

const (
	admin  = "admin-1"
	seller = "seller-1"
	buyer  = "buyer-7"
	other  = "stranger"
)

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{db: newSvcDB(t), now: t0, events: &events.Recorder{}}
	clk := clock.Func(func() time.Time { return e.now })
	auth := NewStaticAuthorizer([]string{admin})

	e.ads = &AdService{
		DB: e.db, Clock: clk, Auth: auth, Ranker: ranking.New(time.UTC),
		Events: e.events, DefaultDuration: 30 * day,
	}
	e.deals = &DealService{DB: e.db, Clock: clk, Auth: auth, Events: e.events}
	e.reviews = &ReviewService{DB: e.db, Clock: clk, Gate: NewReviewGate(14 * day), Events: e.events}
	e.convs = &ConversationService{DB: e.db, Repo: repoConversations{}, Clock: clk}
	e.messages = &MessageService{DB: e.db, Clock: clk, Events: e.events}
	return e
}

func (e *env) advance(d time.Duration) { e.now = e.now.Add(d) }

// activeAd creates an ad for owner and publishes it at the current time.
func (e *env) activeAd(t *testing.T, owner, title string) *domain.Ad {
	t.Helper()
	ctx := context.Background()
	ad, err := e.ads.Create(ctx, owner, CreateAdInput{CategoryID: "bikes", Title: title})
	if err != nil {
		t.Fatalf("create ad: %v", err)
	}
	ad, err = e.ads.SetStatus(ctx, owner, ad.ID, domain.AdStatusActive)
	if err != nil {
		t.Fatalf("activate ad: %v", err)
	}
	return ad
}

// completedDeal walks a fresh deal to completed at the current time.
func (e *env) completedDeal(t *testing.T) *domain.Deal {
	t.Helper()
	ctx := context.Background()
	ad := e.activeAd(t, seller, "Road bike")
	d, _, err := e.deals.Open(ctx, seller, ad.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := e.deals.SetBuyer(ctx, seller, d.ID, buyer); err != nil {
		t.Fatalf("set buyer: %v", err)
	}
	if _, err := e.deals.Transition(ctx, buyer, d.ID, domain.DealConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	d, err = e.deals.Transition(ctx, seller, d.ID, domain.DealCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return d
}

// repoConversations adapts the repo functions to ConversationRepo.
type repoConversations struct{}

func (repoConversations) GetAd(ctx context.Context, db *gorm.DB, id string) (*domain.Ad, error) {
	return repo.GetAd(ctx, db, id)
}
func (repoConversations) CreateConversation(ctx context.Context, db *gorm.DB, adID, sellerID, buyerID string) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, db, adID, sellerID, buyerID)
}
func (repoConversations) FindConversation(ctx context.Context, db *gorm.DB, adID, buyerID string) (*domain.Conversation, error) {
	return repo.FindConversation(ctx, db, adID, buyerID)
}
func (repoConversations) GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	return repo.GetConversation(ctx, db, id)
}
func (repoConversations) CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountConversations(ctx, db, userID)
}
func (repoConversations) ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	return repo.ListConversationsPage(ctx, db, userID, offset, limit)
}

func wantErr(t *testing.T, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
