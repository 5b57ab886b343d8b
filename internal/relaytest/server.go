// Package relaytest runs an in-memory relay over a real websocket for tests.
// It understands EVENT, REQ and CLOSE, answers with OK and EOSE, and
// broadcasts accepted events to matching live subscriptions.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Server is a minimal relay. The zero value is not usable; call NewServer.
type Server struct {
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	events      []*nostr.Event
	conns       map[*client]struct{}
	rejectWrite bool
	withholdEOS bool
}

type client struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	smu  sync.Mutex
	subs map[string]nostr.Filters
}

func (c *client) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// NewServer starts a relay on a random local port.
func NewServer() *Server {
	s := &Server{
		conns:    map[*client]struct{}{},
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	s.URL = "ws://" + strings.TrimPrefix(s.srv.URL, "http://")
	return s
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// DropConnections closes all client sockets while keeping the listener up.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = map[*client]struct{}{}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// RejectWrites makes the relay answer every EVENT with OK=false.
func (s *Server) RejectWrites(v bool) {
	s.mu.Lock()
	s.rejectWrite = v
	s.mu.Unlock()
}

// WithholdEOSE stops the relay from ever sending EOSE, so one-shot queries
// run into their deadline.
func (s *Server) WithholdEOSE(v bool) {
	s.mu.Lock()
	s.withholdEOS = v
	s.mu.Unlock()
}

// Seed stores events without broadcasting them.
func (s *Server) Seed(evts ...nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range evts {
		e := evts[i]
		s.events = append(s.events, &e)
	}
}

// Events returns a copy of every stored event.
func (s *Server) Events() []nostr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]nostr.Event, len(s.events))
	for i, e := range s.events {
		out[i] = *e
	}
	return out
}

// CountKind returns how many stored events have kind.
func (s *Server) CountKind(kind int) int {
	n := 0
	for _, e := range s.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{ws: ws, subs: map[string]nostr.Filters{}}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch env := nostr.ParseMessage(msg).(type) {
		case *nostr.EventEnvelope:
			s.handleEvent(c, &env.Event)
		case *nostr.ReqEnvelope:
			s.handleReq(c, env.SubscriptionID, env.Filters)
		case *nostr.CloseEnvelope:
			c.smu.Lock()
			delete(c.subs, string(*env))
			c.smu.Unlock()
		}
	}
}

func (s *Server) handleEvent(c *client, evt *nostr.Event) {
	s.mu.Lock()
	reject := s.rejectWrite
	s.mu.Unlock()
	if reject {
		_ = c.send(&nostr.OKEnvelope{EventID: evt.ID, OK: false, Reason: "blocked: test relay rejects writes"})
		return
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		_ = c.send(&nostr.OKEnvelope{EventID: evt.ID, OK: false, Reason: "invalid: bad signature"})
		return
	}

	stored := *evt
	s.mu.Lock()
	s.events = append(s.events, &stored)
	targets := make([]*client, 0, len(s.conns))
	for other := range s.conns {
		targets = append(targets, other)
	}
	s.mu.Unlock()

	_ = c.send(&nostr.OKEnvelope{EventID: evt.ID, OK: true})

	for _, other := range targets {
		other.smu.Lock()
		var matched []string
		for id, filters := range other.subs {
			if filters.Match(&stored) {
				matched = append(matched, id)
			}
		}
		other.smu.Unlock()
		for _, id := range matched {
			sid := id
			_ = other.send(&nostr.EventEnvelope{SubscriptionID: &sid, Event: stored})
		}
	}
}

func (s *Server) handleReq(c *client, subID string, filters nostr.Filters) {
	c.smu.Lock()
	c.subs[subID] = filters
	c.smu.Unlock()

	s.mu.Lock()
	withhold := s.withholdEOS
	var matched []*nostr.Event
	for _, f := range filters {
		var hits []*nostr.Event
		for _, e := range s.events {
			if f.Matches(e) {
				hits = append(hits, e)
			}
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].CreatedAt > hits[j].CreatedAt })
		if f.Limit > 0 && len(hits) > f.Limit {
			hits = hits[:f.Limit]
		}
		matched = append(matched, hits...)
	}
	s.mu.Unlock()

	for _, e := range matched {
		sid := subID
		_ = c.send(&nostr.EventEnvelope{SubscriptionID: &sid, Event: *e})
	}
	if !withhold {
		eose := nostr.EOSEEnvelope(subID)
		_ = c.send(&eose)
	}
}
