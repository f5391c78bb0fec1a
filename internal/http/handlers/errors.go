package handlers

// Stable error codes carried in ErrorResponse.Code. Business rule failures
// (422) use the service error's own code, such as "buyer_required" or
// "review_window_closed", and fall back to ErrCodePrecondition.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeValidation       = "validation_failed"
	ErrCodePrecondition     = "precondition_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
