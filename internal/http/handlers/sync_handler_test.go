package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/notify"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/services"
)

type stubSync struct {
	MessageService
	poll  func(ctx context.Context) ([]services.PollResult, error)
	flush func(ctx context.Context) (services.FlushResult, error)
}

func (s stubSync) PollMessages(ctx context.Context) ([]services.PollResult, error) {
	return s.poll(ctx)
}

func (s stubSync) FlushOutgoingQueue(ctx context.Context) (services.FlushResult, error) {
	return s.flush(ctx)
}

type stubMonitor []relay.Status

func (s stubMonitor) Status() []relay.Status { return s }

func TestPollAndFlush(t *testing.T) {
	h := New(Services{Messages: stubSync{
		poll: func(context.Context) ([]services.PollResult, error) {
			return []services.PollResult{{IdentityID: "a", Events: 3}, {IdentityID: "b", Error: "no connected relays"}}, nil
		},
		flush: func(context.Context) (services.FlushResult, error) {
			return services.FlushResult{}, relay.ErrNoRelays
		},
	}})

	w := serve(t, http.MethodPost, "/sync/poll", "/sync/poll", h.Poll, "", nil)
	var poll PollResponse
	_ = json.Unmarshal(w.Body.Bytes(), &poll)
	if w.Code != http.StatusOK || len(poll.Results) != 2 || poll.Results[0].Events != 3 || poll.Results[1].Error == "" {
		t.Fatalf("poll = %d %+v", w.Code, poll)
	}

	w = serve(t, http.MethodPost, "/sync/flush", "/sync/flush", h.Flush, "", nil)
	if w.Code != http.StatusServiceUnavailable || decodeErr(t, w).Code != ErrCodeOffline {
		t.Fatalf("offline flush = %d %s", w.Code, w.Body.String())
	}

	h = New(Services{Messages: stubSync{
		poll: func(context.Context) ([]services.PollResult, error) { return nil, errors.New("boom") },
	}})
	w = serve(t, http.MethodPost, "/sync/poll", "/sync/poll", h.Poll, "", nil)
	if w.Code != http.StatusInternalServerError || decodeErr(t, w).Code != ErrCodeSyncFailed {
		t.Fatalf("failed poll = %d", w.Code)
	}
}

func TestRelayStatus_HumanizedAge(t *testing.T) {
	h := New(Services{Relays: stubMonitor{
		{URL: "wss://a.example", State: relay.StateConnected, Read: true, Write: true, Changed: time.Now().Add(-3 * time.Minute)},
		{URL: "wss://b.example", State: relay.StateDisconnected},
	}})
	w := serve(t, http.MethodGet, "/relays", "/relays", h.RelayStatus, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var out []RelayStatusView
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil || len(out) != 2 {
		t.Fatalf("body = %s (%v)", w.Body.String(), err)
	}
	if out[0].Since != "3 minutes ago" {
		t.Fatalf("since = %q", out[0].Since)
	}
	if out[1].Since != "" || out[1].State != relay.StateDisconnected {
		t.Fatalf("unexpected second entry: %+v", out[1])
	}
}

// readEvent scans the stream until an "event:<name>" line shows up.
func readEvent(t *testing.T, sc *bufio.Scanner, name string) string {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if line != "event:"+name {
			continue
		}
		if !sc.Scan() {
			break
		}
		return strings.TrimPrefix(sc.Text(), "data:")
	}
	t.Fatalf("stream ended before %q: %v", name, sc.Err())
	return ""
}

func openStream(t *testing.T, h *Handlers) (*bufio.Scanner, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/events", h.Events)
	srv := httptest.NewServer(r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		srv.Close()
		t.Fatalf("GET /events: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	return bufio.NewScanner(resp.Body), func() {
		cancel()
		_ = resp.Body.Close()
		srv.Close()
	}
}

func TestEvents_StreamsHubNotifications(t *testing.T) {
	hub := notify.NewHub()
	sc, closeStream := openStream(t, New(Services{Events: hub}))
	defer closeStream()

	// Keep publishing until the stream delivers.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				hub.ProfileUpdated("3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", domain.SourcePrivateReceived)
			}
		}
	}()

	data := readEvent(t, sc, string(notify.TypeProfileUpdated))
	var ev struct {
		Type    string                `json:"type"`
		Payload notify.ProfileUpdated `json:"payload"`
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("event json %q: %v", data, err)
	}
	if ev.Type != string(notify.TypeProfileUpdated) || ev.Payload.Source != domain.SourcePrivateReceived {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestEvents_KeepAlivePing(t *testing.T) {
	prev := keepAlive
	keepAlive = 20 * time.Millisecond
	defer func() { keepAlive = prev }()

	sc, closeStream := openStream(t, New(Services{Events: notify.NewHub()}))
	defer closeStream()

	if data := readEvent(t, sc, "ping"); data == "" {
		t.Fatalf("empty ping payload")
	}
}
