// Package relay maintains the set of relay connections the client talks to.
//
// A Pool connects to every configured endpoint concurrently and isolates
// failures per relay: one unreachable relay is recorded with an error status
// and never blocks the others. Publishing goes to write-capable relays,
// subscriptions and queries to read-capable ones. Subscription deliveries are
// deduplicated by event id before they reach the consumer, since the same
// event usually arrives from several relays.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	// ErrTimeout is reported when a relay did not answer before its deadline.
	ErrTimeout = errors.New("relay timeout")
	// ErrNoRelays is returned when no suitable relay is connected.
	ErrNoRelays = errors.New("no connected relays")
)

// Endpoint is a relay URL with its capabilities.
type Endpoint struct {
	URL   string
	Read  bool
	Write bool
}

// Normalize trims the URL and applies the read+write default when neither
// flag is set.
func (e Endpoint) Normalize() Endpoint {
	e.URL = strings.TrimRight(strings.TrimSpace(e.URL), "/")
	if !e.Read && !e.Write {
		e.Read, e.Write = true, true
	}
	return e
}

// State of a single relay connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Status is a snapshot of one relay.
type Status struct {
	URL     string    `json:"url"`
	State   State     `json:"state"`
	Read    bool      `json:"read"`
	Write   bool      `json:"write"`
	Error   string    `json:"error,omitempty"`
	Changed time.Time `json:"changed_at"`
}

// PublishResult is the outcome of publishing to one relay.
type PublishResult struct {
	Relay   string `json:"relay"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// AnySucceeded reports whether at least one relay accepted the event.
func AnySucceeded(results []PublishResult) bool {
	for _, r := range results {
		if r.OK {
			return true
		}
	}
	return false
}

// Incoming is a deduplicated subscription delivery.
type Incoming struct {
	Event *nostr.Event
	Relay string
}

// Options configures a Pool. Zero values fall back to defaults.
type Options struct {
	Dialer         Dialer
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// PublishRPS throttles publishes per relay; <= 0 disables throttling.
	PublishRPS    float64
	DedupCapacity int
}

const (
	defaultConnectTimeout = 5 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultDedupCapacity  = 10000
)

type member struct {
	ep      Endpoint
	conn    Conn
	status  Status
	limiter *rate.Limiter
	stop    chan struct{}
}

// Pool manages a set of relay connections. It is safe for concurrent use.
type Pool struct {
	opts Options

	mu      sync.RWMutex
	members map[string]*member
	order   []string

	lmu       sync.Mutex
	listeners map[int]func(Status)
	nextID    int
}

// NewPool returns a Pool with no connections.
func NewPool(opts Options) *Pool {
	if opts.Dialer == nil {
		opts.Dialer = NostrDialer{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = defaultDedupCapacity
	}
	return &Pool{
		opts:      opts,
		members:   map[string]*member{},
		listeners: map[int]func(Status){},
	}
}

// Connect replaces the current connections with endpoints. All relays are
// dialled concurrently; Connect returns once every dial has finished or
// timed out. Dial failures are reflected in Status, not returned.
func (p *Pool) Connect(ctx context.Context, endpoints []Endpoint) {
	p.Disconnect()

	limit := rate.Inf
	burst := 1
	if p.opts.PublishRPS > 0 {
		limit = rate.Limit(p.opts.PublishRPS)
		burst = max(1, int(p.opts.PublishRPS))
	}

	p.mu.Lock()
	fresh := make([]*member, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = ep.Normalize()
		if ep.URL == "" {
			continue
		}
		if _, dup := p.members[ep.URL]; dup {
			continue
		}
		m := &member{
			ep:      ep,
			limiter: rate.NewLimiter(limit, burst),
			stop:    make(chan struct{}),
			status:  Status{URL: ep.URL, State: StateConnecting, Read: ep.Read, Write: ep.Write, Changed: time.Now()},
		}
		p.members[ep.URL] = m
		p.order = append(p.order, ep.URL)
		fresh = append(fresh, m)
	}
	p.mu.Unlock()

	for _, m := range fresh {
		p.emit(m.status)
	}

	var wg sync.WaitGroup
	for _, m := range fresh {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
			defer cancel()
			conn, err := p.opts.Dialer.Dial(dctx, m.ep.URL)
			if err != nil {
				if errors.Is(dctx.Err(), context.DeadlineExceeded) {
					err = fmt.Errorf("%w: %v", ErrTimeout, err)
				}
				log.Warn().Err(err).Str("relay", m.ep.URL).Msg("relay connect failed")
				p.setState(m, StateError, err.Error())
				return
			}
			p.mu.Lock()
			if p.members[m.ep.URL] != m {
				// Disconnected while dialling.
				p.mu.Unlock()
				_ = conn.Close()
				return
			}
			m.conn = conn
			p.mu.Unlock()
			log.Info().Str("relay", m.ep.URL).Msg("relay connected")
			p.setState(m, StateConnected, "")
			go p.watch(m, conn)
		}(m)
	}
	wg.Wait()
}

func (p *Pool) watch(m *member, conn Conn) {
	select {
	case <-m.stop:
	case <-conn.Done():
		p.mu.Lock()
		current := p.members[m.ep.URL] == m
		if current {
			m.conn = nil
		}
		p.mu.Unlock()
		if current {
			log.Warn().Str("relay", m.ep.URL).Msg("relay connection lost")
			p.setState(m, StateDisconnected, "connection lost")
		}
	}
}

// Disconnect closes every connection and clears all status. Safe to call
// repeatedly.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	type closing struct {
		conn   Conn
		status Status
	}
	var gone []closing
	for _, url := range p.order {
		m := p.members[url]
		close(m.stop)
		m.status.State = StateDisconnected
		m.status.Error = ""
		m.status.Changed = time.Now()
		gone = append(gone, closing{conn: m.conn, status: m.status})
		m.conn = nil
	}
	p.members = map[string]*member{}
	p.order = nil
	p.mu.Unlock()

	for _, g := range gone {
		if g.conn != nil {
			if err := g.conn.Close(); err != nil {
				log.Debug().Err(err).Str("relay", g.status.URL).Msg("relay close")
			}
		}
		relayUp.WithLabelValues(g.status.URL).Set(0)
		p.emit(g.status)
	}
}

func (p *Pool) setState(m *member, state State, errText string) {
	p.mu.Lock()
	if p.members[m.ep.URL] != m {
		p.mu.Unlock()
		return
	}
	m.status.State = state
	m.status.Error = errText
	m.status.Changed = time.Now()
	snap := m.status
	p.mu.Unlock()

	if state == StateConnected {
		relayUp.WithLabelValues(m.ep.URL).Set(1)
	} else {
		relayUp.WithLabelValues(m.ep.URL).Set(0)
	}
	p.emit(snap)
}

// OnStatusChange registers cb for every relay status change. The returned
// function unregisters it.
func (p *Pool) OnStatusChange(cb func(Status)) (unregister func()) {
	p.lmu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = cb
	p.lmu.Unlock()
	return func() {
		p.lmu.Lock()
		delete(p.listeners, id)
		p.lmu.Unlock()
	}
}

func (p *Pool) emit(s Status) {
	p.lmu.Lock()
	cbs := make([]func(Status), 0, len(p.listeners))
	for _, cb := range p.listeners {
		cbs = append(cbs, cb)
	}
	p.lmu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("relay status listener panicked")
				}
			}()
			cb(s)
		}()
	}
}

// Status returns a snapshot of every configured relay in configuration order.
func (p *Pool) Status() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.order))
	for _, url := range p.order {
		out = append(out, p.members[url].status)
	}
	return out
}

// ConnectedRelays lists the URLs whose connection is currently up.
func (p *Pool) ConnectedRelays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, url := range p.order {
		if p.members[url].conn != nil {
			out = append(out, url)
		}
	}
	return out
}

type target struct {
	url     string
	conn    Conn
	limiter *rate.Limiter
}

func (p *Pool) targets(write bool) []target {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []target
	for _, url := range p.order {
		m := p.members[url]
		if (write && !m.ep.Write) || (!write && !m.ep.Read) {
			continue
		}
		out = append(out, target{url: url, conn: m.conn, limiter: m.limiter})
	}
	return out
}

// Publish sends evt to every write-capable relay in parallel, each under its
// own timeout, and returns one result per relay. Relays that are not
// connected yield a failed result.
func (p *Pool) Publish(ctx context.Context, evt nostr.Event) []PublishResult {
	targets := p.targets(true)
	results := make([]PublishResult, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			results[i] = p.publishOne(ctx, t, evt)
			outcome := "ok"
			switch {
			case results[i].OK:
			case results[i].Message == "timeout":
				outcome = "timeout"
			default:
				outcome = "error"
			}
			publishTotal.WithLabelValues(t.url, outcome).Inc()
		}(i, t)
	}
	wg.Wait()
	return results
}

func (p *Pool) publishOne(ctx context.Context, t target, evt nostr.Event) PublishResult {
	res := PublishResult{Relay: t.url}
	if t.conn == nil {
		res.Message = "not connected"
		return res
	}
	pctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()
	if err := t.limiter.Wait(pctx); err != nil {
		res.Message = "timeout"
		return res
	}
	if err := t.conn.Publish(pctx, evt); err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			res.Message = "timeout"
		} else {
			res.Message = err.Error()
		}
		log.Debug().Err(err).Str("relay", t.url).Str("event_id", evt.ID).Msg("publish failed")
		return res
	}
	res.OK = true
	return res
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	cancel  context.CancelFunc
	streams []Stream
	wg      sync.WaitGroup
	once    sync.Once
}

// Close tears down every underlying relay subscription and waits for the
// delivery goroutines to exit. It must not be called from onEvent.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		for _, st := range s.streams {
			st.Close()
		}
		s.wg.Wait()
	})
}

// Subscribe opens filters on every connected read-capable relay and calls
// onEvent once per distinct event id. onEvent may run on several goroutines
// at once; a panic inside it is logged and the subscription keeps running.
// With no read-capable relay connected the returned handle is a no-op.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters, onEvent func(Incoming)) *Subscription {
	sctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel}
	seen, _ := lru.New[string, struct{}](p.opts.DedupCapacity)

	for _, t := range p.targets(false) {
		if t.conn == nil {
			continue
		}
		st, err := t.conn.Subscribe(sctx, filters)
		if err != nil {
			log.Warn().Err(err).Str("relay", t.url).Msg("subscribe failed")
			continue
		}
		sub.streams = append(sub.streams, st)
		sub.wg.Add(1)
		go func(url string, st Stream, done <-chan struct{}) {
			defer sub.wg.Done()
			for {
				select {
				case <-sctx.Done():
					return
				case <-done:
					return
				case evt, ok := <-st.Events():
					if !ok {
						return
					}
					if evt == nil {
						continue
					}
					if dup, _ := seen.ContainsOrAdd(evt.ID, struct{}{}); dup {
						eventsDuplicate.Inc()
						continue
					}
					eventsDelivered.WithLabelValues(url).Inc()
					deliver(onEvent, Incoming{Event: evt, Relay: url})
				}
			}
		}(t.url, st, t.conn.Done())
	}
	return sub
}

func deliver(onEvent func(Incoming), in Incoming) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("relay", in.Relay).Str("event_id", in.Event.ID).
				Msg("subscription handler panicked")
		}
	}()
	onEvent(in)
}

// QuerySync runs a one-shot query on every connected read-capable relay and
// waits up to maxWait for each to signal end of stored events. Results are
// merged, deduplicated and sorted newest first.
//
// An error is returned only when no relay could answer: ErrNoRelays when
// none is connected, otherwise the joined per-relay errors. A nil error with
// no events therefore means "checked, found nothing".
func (p *Pool) QuerySync(ctx context.Context, filters nostr.Filters, maxWait time.Duration) ([]*nostr.Event, error) {
	var live []target
	for _, t := range p.targets(false) {
		if t.conn != nil {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil, ErrNoRelays
	}
	if maxWait <= 0 {
		maxWait = p.opts.PublishTimeout
	}

	type answer struct {
		events []*nostr.Event
		err    error
	}
	answers := make([]answer, len(live))
	var wg sync.WaitGroup
	for i, t := range live {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			evs, err := queryOne(ctx, t, filters, maxWait)
			answers[i] = answer{events: evs, err: err}
		}(i, t)
	}
	wg.Wait()

	seen := map[string]struct{}{}
	var out []*nostr.Event
	var errs []error
	for _, a := range answers {
		if a.err != nil {
			errs = append(errs, a.err)
			continue
		}
		for _, e := range a.events {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
		}
	}
	if len(errs) == len(answers) {
		return nil, errors.Join(errs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func queryOne(ctx context.Context, t target, filters nostr.Filters, maxWait time.Duration) ([]*nostr.Event, error) {
	qctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	st, err := t.conn.Subscribe(qctx, filters)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.url, err)
	}
	defer st.Close()

	var events []*nostr.Event
	for {
		select {
		case evt, ok := <-st.Events():
			if !ok {
				return events, nil
			}
			if evt != nil {
				events = append(events, evt)
			}
		case <-st.EOSE():
			return drain(st, events), nil
		case <-qctx.Done():
			if len(events) > 0 {
				return events, nil
			}
			return nil, fmt.Errorf("%s: %w", t.url, ErrTimeout)
		}
	}
}

// drain picks up events already buffered when EOSE raced ahead of them.
func drain(st Stream, events []*nostr.Event) []*nostr.Event {
	for {
		select {
		case evt, ok := <-st.Events():
			if !ok {
				return events
			}
			if evt != nil {
				events = append(events, evt)
			}
		default:
			return events
		}
	}
}
