package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-market-backend/internal/events"
	"github.com/tbourn/go-market-backend/internal/repo"
)

func TestMessageService_Send_Validation(t *testing.T) {
	e := newEnv(t)
	e.messages.MaxBodyRunes = 10
	ctx := context.Background()

	_, err := e.messages.Send(ctx, buyer, "c1", "   ")
	wantErr(t, err, ErrValidation)
	_, err = e.messages.Send(ctx, buyer, "c1", strings.Repeat("é", 11))
	wantErr(t, err, ErrValidation)
	_, err = e.messages.Send(ctx, buyer, "missing", "hello")
	wantErr(t, err, ErrConversationNotFound)
}

func TestMessageService_SellerMessageOpensDeal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ad := e.activeAd(t, seller, "Bike")
	conv, _, err := e.convs.Start(ctx, buyer, ad.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !conv.CreatedAt.Equal(e.now) {
		t.Fatalf("conversation created_at = %v; want %v", conv.CreatedAt, e.now)
	}

	res, err := e.messages.Send(ctx, buyer, conv.ID, " Is it still available? ")
	if err != nil {
		t.Fatalf("buyer send: %v", err)
	}
	if res.Message.Body != "Is it still available?" || res.Deal != nil {
		t.Fatalf("buyer message should not open a deal: %+v", res)
	}

	_, err = e.messages.Send(ctx, other, conv.ID, "hi")
	wantErr(t, err, ErrForbidden)

	e.advance(time.Minute)
	res, err = e.messages.Send(ctx, seller, conv.ID, "Yes")
	if err != nil {
		t.Fatalf("seller send: %v", err)
	}
	if res.Deal == nil || !res.DealCreated || res.Deal.AdID != ad.ID || res.Deal.SellerID != seller {
		t.Fatalf("seller message should open a deal: %+v", res)
	}
	if !res.Message.CreatedAt.Equal(e.now) || !res.Deal.CreatedAt.Equal(e.now) || !res.Deal.UpdatedAt.Equal(e.now) {
		t.Fatalf("rows not stamped with the service clock: message=%v deal=%v/%v",
			res.Message.CreatedAt, res.Deal.CreatedAt, res.Deal.UpdatedAt)
	}

	res2, err := e.messages.Send(ctx, seller, conv.ID, "Come by tomorrow")
	if err != nil || res2.DealCreated || res2.Deal.ID != res.Deal.ID {
		t.Fatalf("second seller message should reuse the deal: %+v err=%v", res2, err)
	}

	stored, _ := repo.GetConversation(ctx, e.db, conv.ID)
	if !stored.UpdatedAt.Equal(e.now) {
		t.Fatalf("conversation not touched: %v", stored.UpdatedAt)
	}

	opened := 0
	for _, typ := range e.events.Types() {
		if typ == events.DealOpened {
			opened++
		}
	}
	if opened != 1 {
		t.Fatalf("deal.opened events: %d", opened)
	}
}

func TestMessageService_ListPage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ad := e.activeAd(t, seller, "Bike")
	conv, _, _ := e.convs.Start(ctx, buyer, ad.ID)

	items, total, err := e.messages.ListPage(ctx, buyer, conv.ID, 0, 0)
	if err != nil || total != 0 || len(items) != 0 {
		t.Fatalf("empty: %v", err)
	}

	for _, body := range []string{"a", "b", "c"} {
		if _, err := e.messages.Send(ctx, buyer, conv.ID, body); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	items, total, err = e.messages.ListPage(ctx, seller, conv.ID, 2, 2)
	if err != nil || total != 3 || len(items) != 1 {
		t.Fatalf("page 2: len=%d total=%d err=%v", len(items), total, err)
	}

	_, _, err = e.messages.ListPage(ctx, other, conv.ID, 1, 10)
	wantErr(t, err, ErrForbidden)
	_, _, err = e.messages.ListPage(ctx, buyer, "missing", 1, 10)
	wantErr(t, err, ErrConversationNotFound)
}
