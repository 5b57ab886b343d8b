package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/http/middleware"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/relayconfig"
	"github.com/941design/slim-chat/internal/services"
)

// ErrorResponse is the body of every non-2xx response.
//
//	HTTP/1.1 409 Conflict
//	{"request_id": "9b1f…", "code": "relay_config_changed", "message": "relay config modified externally"}
type ErrorResponse struct {
	// Echo of X-Request-ID; quote it when reporting a problem.
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable machine-readable code, see errors.go.
	Code string `json:"code" example:"not_found"`
	// Human-readable, safe to show.
	Message string `json:"message" example:"contact not found"`
}

// fail aborts with the error envelope. 5xx responses are logged with the
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

// Fail is fail for the router's fallback handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// unavailable answers 503 when a route's service is not wired.
func unavailable(c *gin.Context) {
	fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "service not available")
}

// errorMap translates service sentinels, first match wins.
var errorMap = []struct {
	target error
	status int
	code   string
}{
	{services.ErrIdentityNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrContactNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrMessageNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrIdentityExists, http.StatusConflict, ErrCodeConflict},
	{services.ErrContactExists, http.StatusConflict, ErrCodeConflict},
	{relayconfig.ErrConflict, http.StatusConflict, ErrCodeRelayConfigChanged},
	{services.ErrNotRetryable, http.StatusConflict, ErrCodeNotRetryable},
	{services.ErrNoPrivateProfile, http.StatusConflict, ErrCodeNoProfile},
	{envelope.ErrInvalidKey, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrSelfContact, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrEmptyMessage, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrTooLong, http.StatusRequestEntityTooLarge, ErrCodeTooLong},
	{relay.ErrNoRelays, http.StatusServiceUnavailable, ErrCodeOffline},
	{services.ErrClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{context.Canceled, http.StatusGatewayTimeout, ErrCodeTimeout},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
}

// failErr maps a service error onto the envelope. Anything unmapped is a
// 500 with fallbackCode; its text goes to the log, not the client.
func failErr(c *gin.Context, err error, fallbackCode string) {
	var verr *envelope.ValidationError
	if errors.As(err, &verr) {
		fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidProfile, verr.Error())
		return
	}
	for _, m := range errorMap {
		if errors.Is(err, m.target) {
			fail(c, m.status, m.code, err.Error())
			return
		}
	}
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, fallbackCode, "internal error")
}
