package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-market-backend/internal/clock"
	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/events"
	"github.com/tbourn/go-market-backend/internal/http/middleware"
	"github.com/tbourn/go-market-backend/internal/ranking"
	"github.com/tbourn/go-market-backend/internal/repo"
	"github.com/tbourn/go-market-backend/internal/services"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

const (
	day    = 24 * time.Hour
	admin  = "admin-1"
	seller = "seller-1"
	buyer  = "buyer-7"
	other  = "stranger"
)

// memIdem is an in-memory IdempotencyStore.
type memIdem struct {
	mu   sync.Mutex
	recs map[string]memIdemRec
}

type memIdemRec struct {
	resourceID string
	status     int
}

func newMemIdem() *memIdem { return &memIdem{recs: map[string]memIdemRec{}} }

func (m *memIdem) k(userID, scope, key string) string { return userID + "\x00" + scope + "\x00" + key }

func (m *memIdem) Lookup(_ context.Context, userID, scope, key string) (string, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, found := m.recs[m.k(userID, scope, key)]
	return r.resourceID, r.status, found
}

func (m *memIdem) Save(_ context.Context, userID, scope, key, resourceID string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[m.k(userID, scope, key)] = memIdemRec{resourceID: resourceID, status: status}
}

func (m *memIdem) exists(ctx context.Context, userID, scope, key string, _ time.Time) (bool, error) {
	_, _, found := m.Lookup(ctx, userID, scope, key)
	return found, nil
}

// convRepo adapts the repo functions to services.ConversationRepo.
type convRepo struct{}

func (convRepo) GetAd(ctx context.Context, db *gorm.DB, id string) (*domain.Ad, error) {
	return repo.GetAd(ctx, db, id)
}
func (convRepo) CreateConversation(ctx context.Context, db *gorm.DB, adID, sellerID, buyerID string) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, db, adID, sellerID, buyerID)
}
func (convRepo) FindConversation(ctx context.Context, db *gorm.DB, adID, buyerID string) (*domain.Conversation, error) {
	return repo.FindConversation(ctx, db, adID, buyerID)
}
func (convRepo) GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	return repo.GetConversation(ctx, db, id)
}
func (convRepo) CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountConversations(ctx, db, userID)
}
func (convRepo) ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	return repo.ListConversationsPage(ctx, db, userID, offset, limit)
}

// apiEnv is a router over real services, an in-memory database and a
// movable clock.
type apiEnv struct {
	now    time.Time
	db     *gorm.DB
	idem   *memIdem
	events *events.Recorder
	r      *gin.Engine
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:h_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
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

	e := &apiEnv{now: t0, db: db, idem: newMemIdem(), events: &events.Recorder{}}
	clk := clock.Func(func() time.Time { return e.now })
	auth := services.NewStaticAuthorizer([]string{admin})

	h := New(Services{
		Ads: &services.AdService{
			DB: db, Clock: clk, Auth: auth, Ranker: ranking.New(time.UTC),
			Events: e.events, DefaultDuration: 30 * day,
		},
		Deals:         &services.DealService{DB: db, Clock: clk, Auth: auth, Events: e.events},
		Reviews:       &services.ReviewService{DB: db, Clock: clk, Gate: services.NewReviewGate(14 * day), Events: e.events},
		Conversations: &services.ConversationService{DB: db, Repo: convRepo{}, Clock: clk},
		Messages:      &services.MessageService{DB: db, Clock: clk, Events: e.events},
		Idempotency:   e.idem,
	})

	r := gin.New()
	r.Use(middleware.Identity())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, e.idem.exists))

	r.GET("/ads", h.ListAds)
	r.POST("/ads", h.CreateAd)
	r.GET("/ads/:id", h.GetAd)
	r.PUT("/ads/:id/status", h.SetAdStatus)
	r.DELETE("/ads/:id", h.DeleteAd)
	r.POST("/ads/:id/restore", h.RestoreAd)
	r.DELETE("/ads/:id/force", h.ForceDeleteAd)
	r.POST("/ads/:id/promotions", h.PromoteAd)
	r.POST("/ads/:id/images", h.AddAdImage)
	r.POST("/ads/:id/deals", h.OpenDeal)
	r.GET("/ads/:id/deals", h.ListAdDeals)
	r.POST("/ads/:id/conversations", h.StartConversation)

	r.GET("/deals/:id", h.GetDeal)
	r.PUT("/deals/:id/buyer", h.SetDealBuyer)
	r.POST("/deals/:id/buyer/from-conversation", h.SetDealBuyerFromConversation)
	r.PUT("/deals/:id/terms", h.SetDealTerms)
	r.POST("/deals/:id/transitions", h.TransitionDeal)
	r.POST("/deals/:id/reviews", h.SubmitReview)
	r.GET("/deals/:id/reviews", h.ListDealReviews)

	r.GET("/users/:id/reviews", h.ListUserReviews)

	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:id", h.GetConversation)
	r.GET("/conversations/:id/messages", h.ListMessages)
	r.POST("/conversations/:id/messages", h.PostMessage)

	e.r = r
	return e
}

func (e *apiEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

// do sends a request as user (anonymous when "") with an optional JSON body
// and extra headers given as key/value pairs.
func (e *apiEnv) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v; body=%s", v, err, w.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status=%d want %d; body=%s", w.Code, want, w.Body.String())
	}
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) ErrorResponse {
	t.Helper()
	expectStatus(t, w, status)
	er := decode[ErrorResponse](t, w)
	if er.Code != code {
		t.Fatalf("code=%q want %q; body=%s", er.Code, code, w.Body.String())
	}
	return er
}

// activeAd creates and publishes an ad owned by owner.
func (e *apiEnv) activeAd(t *testing.T, owner, title string) domain.Ad {
	t.Helper()
	w := e.do(t, http.MethodPost, "/ads", owner, map[string]any{
		"category_id": "bikes", "title": title, "status": "active",
	})
	expectStatus(t, w, http.StatusCreated)
	return decode[domain.Ad](t, w)
}

// completedDeal walks a fresh deal between seller and buyer to completed.
func (e *apiEnv) completedDeal(t *testing.T) domain.Deal {
	t.Helper()
	ad := e.activeAd(t, seller, "Road bike")
	w := e.do(t, http.MethodPost, "/ads/"+ad.ID+"/deals", seller, nil)
	expectStatus(t, w, http.StatusCreated)
	d := decode[domain.Deal](t, w)

	expectStatus(t, e.do(t, http.MethodPut, "/deals/"+d.ID+"/buyer", seller, map[string]any{"buyer_id": buyer}), http.StatusOK)
	expectStatus(t, e.do(t, http.MethodPost, "/deals/"+d.ID+"/transitions", buyer, map[string]any{"status": "confirmed"}), http.StatusOK)
	w = e.do(t, http.MethodPost, "/deals/"+d.ID+"/transitions", seller, map[string]any{"status": "completed"})
	expectStatus(t, w, http.StatusOK)
	return decode[domain.Deal](t, w)
}
