package services

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// ApplyTransition moves d to status `to` on behalf of actor.
//
// Actor rules: anyone on the deal may confirm or dispute; only the seller may
// complete, cancel or revert to proposed. Confirming and completing require
// an assigned buyer. Milestone timestamps are written only when unset, so
// re-entering a state keeps the original time. There is no from-state guard:
// every listed move is legal from every state.
//
// Authorization is checked before preconditions. d is modified only when
// the transition succeeds.
func ApplyTransition(d *domain.Deal, actor string, to domain.DealStatus, now time.Time) error {
	if !to.Valid() {
		return ValidationError("status", "unknown deal status %q", to)
	}
	role := d.RoleOf(actor)
	if role == domain.RoleNone {
		return ErrNotDealParty
	}

	switch to {
	case domain.DealConfirmed:
		if !d.HasBuyer() {
			return ErrBuyerRequired
		}
		if d.ConfirmedAt == nil {
			d.ConfirmedAt = timePtr(now)
		}
	case domain.DealCompleted:
		if role != domain.RoleSeller {
			return ErrNotDealSeller
		}
		if !d.HasBuyer() {
			return ErrBuyerRequired
		}
		if d.CompletedAt == nil {
			d.CompletedAt = timePtr(now)
		}
	case domain.DealCanceled:
		if role != domain.RoleSeller {
			return ErrNotDealSeller
		}
		if d.CanceledAt == nil {
			d.CanceledAt = timePtr(now)
		}
	case domain.DealProposed:
		if role != domain.RoleSeller {
			return ErrNotDealSeller
		}
	case domain.DealDisputed:
	}

	d.Status = to
	return nil
}

// AssignBuyer sets or overwrites the buyer of d. Only the seller may do it,
// the buyer must be someone else, and a completed deal keeps its buyer.
func AssignBuyer(d *domain.Deal, actor, buyerID string) error {
	if d.RoleOf(actor) != domain.RoleSeller {
		return ErrNotDealSeller
	}
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return ValidationError("buyer_id", "buyer_id is required")
	}
	if buyerID == d.SellerID {
		return ValidationError("buyer_id", "buyer cannot be the seller")
	}
	if d.Status == domain.DealCompleted {
		return ErrDealCompleted
	}
	d.BuyerID = &buyerID
	return nil
}

// ApplyTerms records the agreed price. Terms are frozen once the deal is
// completed or canceled. A nil price clears it; an empty currency keeps the
// current one.
func ApplyTerms(d *domain.Deal, actor string, price *decimal.Decimal, cur string) error {
	if d.RoleOf(actor) != domain.RoleSeller {
		return ErrNotDealSeller
	}
	if d.Status == domain.DealCompleted || d.Status == domain.DealCanceled {
		return ErrDealClosed
	}
	if price != nil {
		if price.IsNegative() {
			return ValidationError("final_price", "final_price must be >= 0")
		}
		p := price.Round(2)
		price = &p
	}
	if strings.TrimSpace(cur) != "" {
		code, err := normalizeCurrency(cur)
		if err != nil {
			return err
		}
		d.Currency = code
	}
	d.FinalPrice = price
	return nil
}

// normalizeCurrency validates an ISO 4217 code and returns its canonical
// upper-case form.
func normalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return "", ValidationError("currency", "currency must be an ISO 4217 code")
	}
	return unit.String(), nil
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
