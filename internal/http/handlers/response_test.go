package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/http/middleware"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/relayconfig"
	"github.com/941design/slim-chat/internal/services"
)

// withLog installs a request-scoped logger writing to buf and a request id.
func withLog(buf *bytes.Buffer, rid string, h gin.HandlerFunc) gin.HandlerFunc {
	logger := zerolog.New(buf)
	return func(c *gin.Context) {
		c.Header("X-Request-ID", rid)
		middleware.WithLogger(c, &logger)
		h(c)
	}
}

func Test_fail_EnvelopeAndLogLevel(t *testing.T) {
	var buf bytes.Buffer

	w := serve(t, http.MethodGet, "/x", "/x", withLog(&buf, "rid-404", func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "contact not found")
	}), "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if er := decodeErr(t, w); er != (ErrorResponse{RequestID: "rid-404", Code: ErrCodeNotFound, Message: "contact not found"}) {
		t.Fatalf("body = %+v", er)
	}
	if buf.Len() != 0 {
		t.Fatalf("4xx must not log: %s", buf.String())
	}

	w = serve(t, http.MethodGet, "/x", "/x", withLog(&buf, "rid-500", func(c *gin.Context) {
		fail(c, http.StatusBadGateway, ErrCodeSyncFailed, "relays down")
	}), "", nil)
	if w.Code != http.StatusBadGateway || decodeErr(t, w).RequestID != "rid-500" {
		t.Fatalf("5xx response = %d %s", w.Code, w.Body.String())
	}
	if out := buf.String(); !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, `"code":"sync_failed"`) {
		t.Fatalf("5xx log = %s", out)
	}
}

func Test_okAndNoContent(t *testing.T) {
	w := serve(t, http.MethodPost, "/x", "/x", func(c *gin.Context) {
		ok(c, http.StatusCreated, gin.H{"id": "m-1"})
	}, "", nil)
	if w.Code != http.StatusCreated || strings.TrimSpace(w.Body.String()) != `{"id":"m-1"}` {
		t.Fatalf("ok = %d %s", w.Code, w.Body.String())
	}

	w = serve(t, http.MethodDelete, "/x", "/x", noContent, "", nil)
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("noContent = %d %q", w.Code, w.Body.String())
	}
}

func Test_failErr_Mapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrIdentityNotFound, http.StatusNotFound, ErrCodeNotFound},
		{fmt.Errorf("wrapped: %w", services.ErrContactNotFound), http.StatusNotFound, ErrCodeNotFound},
		{services.ErrMessageNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrIdentityExists, http.StatusConflict, ErrCodeConflict},
		{services.ErrContactExists, http.StatusConflict, ErrCodeConflict},
		{relayconfig.ErrConflict, http.StatusConflict, ErrCodeRelayConfigChanged},
		{services.ErrNotRetryable, http.StatusConflict, ErrCodeNotRetryable},
		{fmt.Errorf("%w: bad npub", envelope.ErrInvalidKey), http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrSelfContact, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrEmptyMessage, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrTooLong, http.StatusRequestEntityTooLarge, ErrCodeTooLong},
		{&envelope.ValidationError{Field: "picture", Reason: "must be https"}, http.StatusUnprocessableEntity, ErrCodeInvalidProfile},
		{services.ErrNoPrivateProfile, http.StatusConflict, ErrCodeNoProfile},
		{relay.ErrNoRelays, http.StatusServiceUnavailable, ErrCodeOffline},
		{services.ErrClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{context.Canceled, http.StatusGatewayTimeout, ErrCodeTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeSyncFailed},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			w := serve(t, http.MethodGet, "/x", "/x", func(c *gin.Context) { failErr(c, tc.err, ErrCodeSyncFailed) }, "", nil)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			if got := decodeErr(t, w).Code; got != tc.code {
				t.Fatalf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func Test_failErr_HidesUnmappedErrors(t *testing.T) {
	var buf bytes.Buffer
	var recorded []*gin.Error

	w := serve(t, http.MethodGet, "/x", "/x", withLog(&buf, "rid-1", func(c *gin.Context) {
		failErr(c, errors.New("sqlite: database is locked"), ErrCodeListFailed)
		recorded = c.Errors
	}), "", nil)

	er := decodeErr(t, w)
	if er.Code != ErrCodeListFailed || er.Message != "internal error" {
		t.Fatalf("body = %+v", er)
	}
	if strings.Contains(w.Body.String(), "sqlite") {
		t.Fatalf("internal detail leaked to client: %s", w.Body.String())
	}
	if len(recorded) != 1 || !strings.Contains(recorded[0].Error(), "database is locked") {
		t.Fatalf("error not attached to the request: %v", recorded)
	}
}
