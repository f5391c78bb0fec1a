// Package services defines the business logic of the marketplace: ad
// lifecycle and ranked listing, the deal state machine, the review gate, and
// the buyer/seller conversations that feed them.
//
// This file centralizes service-level errors. Every sentinel carries one of
// five kinds (ErrValidation, ErrPrecondition, ErrForbidden, ErrNotFound,
// ErrConflict) reachable with errors.Is, so handlers can translate any error
// into an HTTP result with a single switch while still matching individual
// sentinels when they need a specific message.
package services

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrValidation marks malformed input. It is surfaced with a field name.
	ErrValidation = errors.New("validation failed")

	// ErrPrecondition marks a state rule that is not met (confirming without
	// a buyer, reviewing outside the window, ...).
	ErrPrecondition = errors.New("precondition failed")

	// ErrForbidden marks an actor that may not perform the operation. It is
	// reported to clients exactly like ErrNotFound.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound marks a missing resource.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a concurrent mutation that still failed after the
	// transparent retry.
	ErrConflict = errors.New("conflict, please retry")
)

// Error is a service error with a stable code, a kind and, for validation
// errors, the offending field.
type Error struct {
	Kind  error
	Code  string
	Msg   string
	Field string
}

func (e *Error) Error() string { return e.Msg }

// Unwrap exposes the kind to errors.Is.
func (e *Error) Unwrap() error { return e.Kind }

func newErr(kind error, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// ValidationError builds a field-level validation error.
func ValidationError(field, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Code: "validation_failed", Msg: fmt.Sprintf(format, args...), Field: field}
}

// Ad errors.
var (
	ErrAdNotFound      = newErr(ErrNotFound, "ad_not_found", "ad not found")
	ErrAdNotManageable = newErr(ErrForbidden, "ad_forbidden", "ad not found")
	ErrAdNotDeleted    = newErr(ErrPrecondition, "ad_not_deleted", "ad is not deleted")
	ErrAdNotListed     = newErr(ErrPrecondition, "ad_not_listed", "ad is not publicly visible")
)

// Deal errors.
var (
	ErrDealNotFound         = newErr(ErrNotFound, "deal_not_found", "deal not found")
	ErrNotDealSeller        = newErr(ErrForbidden, "deal_forbidden", "deal not found")
	ErrNotDealParty         = newErr(ErrForbidden, "deal_forbidden", "deal not found")
	ErrBuyerRequired        = newErr(ErrPrecondition, "buyer_required", "a buyer must be assigned first")
	ErrDealCompleted        = newErr(ErrPrecondition, "deal_completed", "deal is already completed")
	ErrDealClosed           = newErr(ErrPrecondition, "deal_closed", "deal terms can no longer change")
	ErrConversationMismatch = newErr(ErrPrecondition, "conversation_mismatch", "conversation does not belong to this deal's ad")
)

// Review errors.
var (
	ErrDealNotCompleted   = newErr(ErrPrecondition, "deal_not_completed", "deal is not completed")
	ErrReviewWindowClosed = newErr(ErrPrecondition, "review_window_closed", "review window is closed")
	ErrAlreadyReviewed    = newErr(ErrPrecondition, "already_reviewed", "you already reviewed this deal")
)

// Conversation errors.
var (
	ErrConversationNotFound = newErr(ErrNotFound, "conversation_not_found", "conversation not found")
	ErrNotConversationParty = newErr(ErrForbidden, "conversation_forbidden", "conversation not found")
	ErrOwnAd                = newErr(ErrPrecondition, "own_ad", "you cannot start a conversation on your own ad")
)

// ErrTxConflict is returned when a transaction still hits lock contention
// after the retry.
var ErrTxConflict = newErr(ErrConflict, "conflict", "concurrent update, please retry")

// Code returns the stable error code of err, or "" when err is not a
// service error.
func Code(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Field returns the field name carried by a validation error.
func Field(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Field
	}
	return ""
}
