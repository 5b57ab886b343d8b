// Package notify is the boundary between the sync core and whatever UI
// consumes it. Components publish "profile updated" and "relay status
// changed" notifications on a Hub; consumers register callbacks or take a
// buffered channel (used by the HTTP event stream).
package notify

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/relay"
)

// Type names a notification.
type Type string

const (
	TypeProfileUpdated     Type = "profile_updated"
	TypeRelayStatusChanged Type = "relay_status_changed"
)

// ProfileUpdated is sent when a received or discovered profile changed.
type ProfileUpdated struct {
	Pubkey string               `json:"pubkey"`
	Source domain.ProfileSource `json:"source"`
}

// Event is one notification. Payload is ProfileUpdated or relay.Status.
type Event struct {
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

var dropped = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "notify_events_dropped_total",
	Help: "Notifications dropped because a subscriber channel was full.",
})

func init() {
	prometheus.MustRegister(dropped)
}

// Hub fans notifications out. The zero value is ready to use.
type Hub struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Event)
	chans    map[int]chan Event
}

// NewHub returns an empty hub.
func NewHub() *Hub { return &Hub{} }

// On registers fn for every notification and returns its unregister func.
// fn runs on the publishing goroutine and must not block.
func (h *Hub) On(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = map[int]func(Event){}
	}
	id := h.next
	h.next++
	h.handlers[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.handlers, id)
		h.mu.Unlock()
	}
}

// Subscribe returns a channel receiving every notification. When the
// channel is full new notifications are dropped for that subscriber.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	if h.chans == nil {
		h.chans = map[int]chan Event{}
	}
	id := h.next
	h.next++
	h.chans[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.chans, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// ProfileUpdated publishes a profile change.
func (h *Hub) ProfileUpdated(pubkey string, source domain.ProfileSource) {
	h.publish(Event{Type: TypeProfileUpdated, At: time.Now().UTC(), Payload: ProfileUpdated{Pubkey: pubkey, Source: source}})
}

// RelayStatusChanged publishes a relay status change. Its signature matches
// relay.Pool.OnStatusChange.
func (h *Hub) RelayStatusChanged(s relay.Status) {
	h.publish(Event{Type: TypeRelayStatusChanged, At: s.Changed, Payload: s})
}

func (h *Hub) publish(ev Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.handlers {
		call(fn, ev)
	}
	for _, ch := range h.chans {
		select {
		case ch <- ev:
		default:
			dropped.Inc()
		}
	}
}

func call(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("type", string(ev.Type)).Msg("notification handler panicked")
		}
	}()
	fn(ev)
}
