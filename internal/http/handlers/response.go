// Package handlers implements the bridge's HTTP endpoints: the channel
// callback, the read-only debug surface and health.
//
// Error responses share one envelope:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "unknown ext_uid"
//	}
//
// The callback is the exception: the channel expects a plain-text body, so it
// answers "success" even when the payload is dropped.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-kf-bridge/internal/http/middleware"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message
	Message string `json:"message" example:"unknown ext_uid"`
}

// fail aborts with an ErrorResponse. Server errors are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail, for router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, body any) {
	c.JSON(http.StatusOK, body)
}

// plain writes the text/plain body the channel callback expects.
func plain(c *gin.Context, body []byte) {
	c.Data(http.StatusOK, "text/plain; charset=utf-8", body)
}
