package handlers

// Error codes carried in ErrorResponse.Code. Clients branch on these, not on
// messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// Callback URL verification failed to decrypt the echo string.
	ErrCodeVerifyFailed = "verify_failed"
)
