// Package syncstate tracks, per (identity, relay, kind), the newest event
// timestamp already processed, so polling and subscriptions only ask relays
// for what is new.
//
// Writes go through a coalescing buffer: Update records the value in memory
// (max wins per key) and a background loop flushes the buffer every
// FlushInterval. Close stops the loop and performs a final flush; after
// Close, Update is a no-op and nothing else is written.
package syncstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/repo"
)

// Cutover constants for computing a since filter.
const (
	ClockSkewBuffer = 60 * time.Second
	PollLookback    = 5 * time.Minute
	StreamLookback  = 24 * time.Hour

	DefaultFlushInterval = 2 * time.Second
)

// ErrClosed is returned by BatchUpdate after Close.
var ErrClosed = errors.New("sync state tracker closed")

// Mode selects the first-run lookback when no state exists yet.
type Mode int

const (
	ModePoll Mode = iota
	ModeStream
)

// Update is one observed timestamp.
type Update struct {
	IdentityID string
	RelayURL   string
	Kind       int
	Timestamp  int64
}

type key struct {
	identity string
	relay    string
	kind     int
}

// Tracker is safe for concurrent use.
type Tracker struct {
	DB            *gorm.DB
	FlushInterval time.Duration
	// Now is overridable in tests.
	Now func() time.Time

	mu      sync.Mutex
	pending map[key]int64
	closed  bool

	flushMu   sync.Mutex
	startOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New returns a started tracker.
func New(db *gorm.DB, flushInterval time.Duration) *Tracker {
	t := &Tracker{DB: db, FlushInterval: flushInterval}
	t.Start()
	return t
}

// Start launches the flush loop. It is called by New and is idempotent.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		if t.FlushInterval <= 0 {
			t.FlushInterval = DefaultFlushInterval
		}
		t.mu.Lock()
		if t.pending == nil {
			t.pending = map[key]int64{}
		}
		t.mu.Unlock()
		t.stop = make(chan struct{})
		t.done = make(chan struct{})
		go t.loop()
	})
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) loop() {
	defer close(t.done)
	tick := time.NewTicker(t.FlushInterval)
	defer tick.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			if err := t.Flush(context.Background()); err != nil {
				log.Warn().Err(err).Msg("sync state flush failed")
			}
		}
	}
}

// Update records ts for (identity, relay, kind). Values that do not exceed
// what is already buffered are dropped here; the store applies the same
// rule against persisted values.
func (t *Tracker) Update(identityID, relayURL string, kind int, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.pending == nil {
		t.pending = map[key]int64{}
	}
	k := key{identityID, relayURL, kind}
	if cur, ok := t.pending[k]; ok && cur >= ts {
		return
	}
	t.pending[k] = ts
}

// BatchUpdate writes updates synchronously inside one transaction.
func (t *Tracker) BatchUpdate(ctx context.Context, updates []Update) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	rows := make([]domain.RelaySyncState, 0, len(updates))
	for _, u := range updates {
		rows = append(rows, domain.RelaySyncState{
			IdentityID: u.IdentityID, RelayURL: u.RelayURL, Kind: u.Kind, LastEventTimestamp: u.Timestamp,
		})
	}
	return repo.UpsertSyncStates(ctx, t.DB, rows)
}

// Flush writes the buffered updates. On failure the entries are put back so
// the next flush retries them.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := t.pending
	t.pending = map[key]int64{}
	t.mu.Unlock()

	rows := make([]domain.RelaySyncState, 0, len(batch))
	for k, ts := range batch {
		rows = append(rows, domain.RelaySyncState{
			IdentityID: k.identity, RelayURL: k.relay, Kind: k.kind, LastEventTimestamp: ts,
		})
	}
	if err := repo.UpsertSyncStates(ctx, t.DB, rows); err != nil {
		t.mu.Lock()
		for k, ts := range batch {
			if cur, ok := t.pending[k]; !ok || cur < ts {
				t.pending[k] = ts
			}
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the flush loop and writes whatever is still buffered. It is
// safe to call more than once.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.stop != nil {
		close(t.stop)
		<-t.done
	}
	return t.Flush(ctx)
}

// MinTimestampForKind returns the smallest per-relay mark for (identity,
// kind), taking buffered values into account, or nil when no relay has
// reported anything yet. Using the minimum keeps slower relays from being
// skipped.
func (t *Tracker) MinTimestampForKind(ctx context.Context, identityID string, kind int) (*int64, error) {
	rows, err := repo.ListSyncStates(ctx, t.DB, identityID, kind)
	if err != nil {
		return nil, err
	}
	perRelay := make(map[string]int64, len(rows))
	for _, r := range rows {
		perRelay[r.RelayURL] = r.LastEventTimestamp
	}
	t.mu.Lock()
	for k, ts := range t.pending {
		if k.identity != identityID || k.kind != kind {
			continue
		}
		if cur, ok := perRelay[k.relay]; !ok || ts > cur {
			perRelay[k.relay] = ts
		}
	}
	t.mu.Unlock()

	if len(perRelay) == 0 {
		return nil, nil
	}
	var minTS int64
	first := true
	for _, ts := range perRelay {
		if first || ts < minTS {
			minTS, first = ts, false
		}
	}
	return &minTS, nil
}

// Since computes the lower bound for a filter on (identity, kind): the
// known mark minus ClockSkewBuffer, or a first-run lookback when nothing is
// known. The result is never negative.
func (t *Tracker) Since(ctx context.Context, identityID string, kind int, mode Mode) (int64, error) {
	last, err := t.MinTimestampForKind(ctx, identityID, kind)
	if err != nil {
		return 0, err
	}
	var since int64
	if last != nil {
		since = *last - int64(ClockSkewBuffer/time.Second)
	} else {
		lookback := PollLookback
		if mode == ModeStream {
			lookback = StreamLookback
		}
		since = t.now().Add(-lookback).Unix()
	}
	return max(since, 0), nil
}

// DeleteForIdentity removes persisted and buffered marks of an identity.
func (t *Tracker) DeleteForIdentity(ctx context.Context, identityID string) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()
	t.dropPending(func(k key) bool { return k.identity == identityID })
	return repo.DeleteSyncStatesForIdentity(ctx, t.DB, identityID)
}

// DeleteForRelay removes the marks of one relay for an identity.
func (t *Tracker) DeleteForRelay(ctx context.Context, identityID, relayURL string) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()
	t.dropPending(func(k key) bool { return k.identity == identityID && k.relay == relayURL })
	return repo.DeleteSyncStatesForRelay(ctx, t.DB, identityID, relayURL)
}

func (t *Tracker) dropPending(match func(key) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.pending {
		if match(k) {
			delete(t.pending, k)
		}
	}
}

// Pending reports how many keys are waiting for the next flush.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
