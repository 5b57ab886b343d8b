// Sync HTTP handlers.
//
//   - POST /sync/poll    (one poll pass over every identity)
//   - POST /sync/flush   (send queued messages now)
//   - GET  /relays       (relay connection status)
//   - GET  /events       (server-sent notification stream)
package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/941design/slim-chat/internal/http/middleware"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/services"
)

// eventBuffer is the per-client notification buffer of the event stream.
const eventBuffer = 64

// keepAlive is how often an idle event stream gets a ping.
var keepAlive = 25 * time.Second

// PollResponse lists one result per identity.
type PollResponse struct {
	Results []services.PollResult `json:"results"`
}

// RelayStatusView is a relay status with a human readable age.
type RelayStatusView struct {
	relay.Status
	Since string `json:"since"`
}

// Poll godoc
// @Summary      Poll relays once
// @Description  Queries every identity's relays for messages newer than the stored sync marks. A failure of one identity does not stop the others.
// @Tags         Sync
// @Produce      json
// @Success      200  {object}  handlers.PollResponse
// @Router       /sync/poll [post]
func (h *Handlers) Poll(c *gin.Context) {
	if h.messages == nil {
		unavailable(c)
		return
	}
	results, err := h.messages.PollMessages(c.Request.Context())
	if err != nil {
		failErr(c, err, ErrCodeSyncFailed)
		return
	}
	if results == nil {
		results = []services.PollResult{}
	}
	ok(c, http.StatusOK, PollResponse{Results: results})
}

// Flush godoc
// @Summary  Flush the outgoing queue
// @Tags     Sync
// @Produce  json
// @Success  200  {object}  services.FlushResult
// @Router   /sync/flush [post]
func (h *Handlers) Flush(c *gin.Context) {
	if h.messages == nil {
		unavailable(c)
		return
	}
	res, err := h.messages.FlushOutgoingQueue(c.Request.Context())
	if err != nil {
		failErr(c, err, ErrCodeSyncFailed)
		return
	}
	ok(c, http.StatusOK, res)
}

// RelayStatus godoc
// @Summary  Relay connection status
// @Tags     Sync
// @Produce  json
// @Success  200  {array}  handlers.RelayStatusView
// @Router   /relays [get]
func (h *Handlers) RelayStatus(c *gin.Context) {
	if h.relays == nil {
		unavailable(c)
		return
	}
	statuses := h.relays.Status()
	out := make([]RelayStatusView, 0, len(statuses))
	for _, s := range statuses {
		v := RelayStatusView{Status: s}
		if !s.Changed.IsZero() {
			v.Since = humanize.Time(s.Changed)
		}
		out = append(out, v)
	}
	ok(c, http.StatusOK, out)
}

// Events godoc
// @Summary      Notification stream
// @Description  Server-sent events: profile_updated and relay_status_changed.
// @Tags         Sync
// @Produce      text/event-stream
// @Success      200
// @Router       /events [get]
func (h *Handlers) Events(c *gin.Context) {
	if h.events == nil {
		unavailable(c)
		return
	}
	ch, unsubscribe := h.events.Subscribe(eventBuffer)
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Content-Type", "text/event-stream")
	// The server write timeout would end the stream; clients reconnect when
	// the writer cannot lift it.
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		middleware.LoggerFrom(c).Debug().Err(err).Msg("event stream keeps server write timeout")
	}
	// Send headers now so clients see the stream open before the first event.
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ping := time.NewTicker(keepAlive)
	defer ping.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, open := <-ch:
			if !open {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ping.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}
