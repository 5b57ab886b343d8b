// Package services – Router
//
// Router is the inbound half of the orchestration core. Live subscription
// deliveries and poll results for an identity are queued on one bounded
// channel per identity and consumed by a single loop, so events of one
// identity are handled in arrival order without blocking relay I/O.
//
// Each event is checked against a bounded per-identity recency set first.
// The set only saves work: the unique (identity, contact, event id) index
// on messages is what actually prevents duplicate rows, so an id evicted
// from the set and delivered again is still stored once. Events that fail
// to decrypt are recorded in failed_events and skipped from then on.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/protocol"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/repo"
	"github.com/941design/slim-chat/internal/syncstate"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Routing outcomes, used as metric labels.
const (
	outcomeIngested      = "ingested"
	outcomeDuplicate     = "duplicate"
	outcomeDecryptFailed = "decrypt_failed"
	outcomeUnknownSender = "unknown_sender"
	outcomeNotAddressed  = "not_addressed"
	outcomeProfile       = "profile"
	outcomeSignal        = "signal"
	outcomeUnhandled     = "unhandled"
	outcomeError         = "error"
)

const (
	defaultInboxSize     = 256
	defaultDedupCapacity = 10000
)

// SignalHandler receives peer-signaling rumors from contacts.
type SignalHandler func(ctx context.Context, identityID, sender string, rumor nostr.Event)

type job struct {
	evt   *nostr.Event
	relay string
	live  bool
	done  chan struct{}
}

type inbox struct {
	identityID string
	ch         chan job
	seen       *lru.Cache[string, struct{}]
	quit       chan struct{}
	done       chan struct{}

	// loaded lazily by the loop goroutine only
	ident *domain.Identity
	sk    string
}

// Router dispatches inbound events. Create it with NewRouter.
type Router struct {
	DB       *gorm.DB
	Keys     KeyRing
	Tracker  *syncstate.Tracker
	Messages *MessageService
	Profiles *ProfileService
	Signals  SignalHandler

	queueSize     int
	dedupCapacity int

	mu      sync.Mutex
	inboxes map[string]*inbox
	closed  bool
	stop    chan struct{}
}

// NewRouter returns a Router whose per-identity queues hold queueSize
// events and whose recency sets remember dedupCapacity ids. Zero values
// use defaults.
func NewRouter(queueSize, dedupCapacity int) *Router {
	if queueSize <= 0 {
		queueSize = defaultInboxSize
	}
	if dedupCapacity <= 0 {
		dedupCapacity = defaultDedupCapacity
	}
	return &Router{
		queueSize:     queueSize,
		dedupCapacity: dedupCapacity,
		inboxes:       map[string]*inbox{},
		stop:          make(chan struct{}),
	}
}

func (r *Router) inbox(identityID string) *inbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if b, ok := r.inboxes[identityID]; ok {
		return b
	}
	seen, _ := lru.New[string, struct{}](r.dedupCapacity)
	b := &inbox{
		identityID: identityID,
		ch:         make(chan job, r.queueSize),
		seen:       seen,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	r.inboxes[identityID] = b
	go r.loop(b)
	return b
}

// Deliver queues a live subscription event. It blocks while the identity's
// queue is full and returns without queueing once the router is closed.
func (r *Router) Deliver(identityID string, in relay.Incoming) {
	b := r.inbox(identityID)
	if b == nil {
		return
	}
	select {
	case b.ch <- job{evt: in.Event, relay: in.Relay, live: true}:
	case <-b.quit:
	case <-r.stop:
	}
}

// Process runs evt through the pipeline and waits until it was handled.
func (r *Router) Process(ctx context.Context, identityID string, evt *nostr.Event) error {
	b := r.inbox(identityID)
	if b == nil {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case b.ch <- job{evt: evt, done: done}:
	case <-b.quit:
		return ErrClosed
	case <-r.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget stops the loop of one identity after it drained its queue.
func (r *Router) Forget(identityID string) {
	r.mu.Lock()
	b, ok := r.inboxes[identityID]
	delete(r.inboxes, identityID)
	r.mu.Unlock()
	if ok {
		close(b.quit)
		<-b.done
	}
}

// Close stops accepting events, lets every loop finish what is queued and
// waits for them. It is safe to call more than once.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	boxes := make([]*inbox, 0, len(r.inboxes))
	for _, b := range r.inboxes {
		boxes = append(boxes, b)
	}
	r.inboxes = map[string]*inbox{}
	r.mu.Unlock()
	for _, b := range boxes {
		<-b.done
	}
}

func (r *Router) loop(b *inbox) {
	defer close(b.done)
	for {
		select {
		case j := <-b.ch:
			r.run(b, j)
		case <-b.quit:
			r.drain(b)
			return
		case <-r.stop:
			r.drain(b)
			return
		}
	}
}

func (r *Router) drain(b *inbox) {
	for {
		select {
		case j := <-b.ch:
			r.run(b, j)
		default:
			return
		}
	}
}

func (r *Router) run(b *inbox, j job) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("identity_id", b.identityID).Str("event_id", j.evt.ID).Msg("router panicked")
		}
		if j.done != nil {
			close(j.done)
		}
	}()
	r.handle(b, j)
}

func (r *Router) handle(b *inbox, j job) {
	evt := j.evt
	ctx, span := otel.Tracer("services/Router").Start(context.Background(), "Route",
		trace.WithAttributes(
			attribute.String("identity.id", b.identityID),
			attribute.String("event.id", evt.ID),
			attribute.Int("event.kind", evt.Kind),
		),
	)
	defer span.End()
	kind := protocol.KindName(evt.Kind)

	if found, _ := b.seen.ContainsOrAdd(evt.ID, struct{}{}); found {
		routedEvents.WithLabelValues(kind, outcomeDuplicate).Inc()
		r.mark(b, j)
		return
	}

	outcome, err := r.route(ctx, b, evt)
	if err != nil {
		// Transient: let a later delivery try again.
		b.seen.Remove(evt.ID)
		span.RecordError(err)
		routedEvents.WithLabelValues(kind, outcomeError).Inc()
		log.Warn().Err(err).Str("identity_id", b.identityID).Str("event_id", evt.ID).Str("relay", j.relay).Msg("event routing failed")
		return
	}
	routedEvents.WithLabelValues(kind, outcome).Inc()
	r.mark(b, j)
}

// mark records a live delivery as seen by its relay. Poll results are
// recorded by the poller for every connected relay instead.
func (r *Router) mark(b *inbox, j job) {
	if j.live && j.relay != "" && r.Tracker != nil {
		r.Tracker.Update(b.identityID, j.relay, j.evt.Kind, int64(j.evt.CreatedAt))
	}
}

func (r *Router) load(ctx context.Context, b *inbox) error {
	if b.ident != nil {
		return nil
	}
	ident, err := repo.GetIdentity(ctx, r.DB, b.identityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrIdentityNotFound
		}
		return err
	}
	sk, err := r.Keys.SecretKey(ctx, b.identityID)
	if err != nil {
		return err
	}
	b.ident, b.sk = ident, sk
	return nil
}

func (r *Router) route(ctx context.Context, b *inbox, evt *nostr.Event) (string, error) {
	if err := r.load(ctx, b); err != nil {
		return "", err
	}
	ident := b.ident

	switch in := protocol.Classify(evt).(type) {
	case protocol.GiftWrap:
		if in.Recipient != ident.PublicKey {
			return outcomeNotAddressed, nil
		}
		if failed, err := repo.IsFailedEvent(ctx, r.DB, ident.ID, evt.ID); err != nil || failed {
			return outcomeDuplicate, err
		}
		u, err := envelope.Unwrap(evt, b.sk)
		if err != nil {
			log.Debug().Err(err).Str("identity_id", ident.ID).Str("event_id", evt.ID).Msg("gift wrap did not open")
			return r.decryptFailed(ctx, ident.ID, evt, err)
		}
		return r.routeRumor(ctx, ident, u)

	case protocol.LegacyDM:
		if in.Recipient != ident.PublicKey {
			return outcomeNotAddressed, nil
		}
		if err := r.knownSender(ctx, ident.ID, in.Sender); err != nil {
			return senderOutcome(ident.ID, evt.ID, err)
		}
		if failed, err := repo.IsFailedEvent(ctx, r.DB, ident.ID, evt.ID); err != nil || failed {
			return outcomeDuplicate, err
		}
		plain, err := envelope.DecryptLegacyDM(b.sk, evt)
		if err != nil {
			log.Warn().Err(err).Str("identity_id", ident.ID).Str("event_id", evt.ID).Msg("legacy dm decryption failed; dropped")
			return r.decryptFailed(ctx, ident.ID, evt, err)
		}
		m, err := r.Messages.IngestMessage(ctx, InboundMessage{
			IdentityID:      ident.ID,
			SenderPubkey:    in.Sender,
			RecipientPubkey: in.Recipient,
			Content:         plain,
			EventID:         evt.ID,
			Kind:            protocol.KindLegacyDM,
			Timestamp:       time.Unix(int64(evt.CreatedAt), 0).UTC(),
		})
		return ingestOutcome(ident.ID, evt.ID, m, err)

	case protocol.PublicProfile:
		if r.Profiles == nil {
			return outcomeUnhandled, nil
		}
		if _, err := r.Profiles.ObservePublicProfile(ctx, evt); err != nil {
			return "", err
		}
		return outcomeProfile, nil

	default:
		log.Debug().Str("identity_id", ident.ID).Str("event_id", evt.ID).Int("kind", evt.Kind).Msg("unhandled event kind")
		return outcomeUnhandled, nil
	}
}

func (r *Router) routeRumor(ctx context.Context, ident *domain.Identity, u *envelope.Unwrapped) (string, error) {
	if err := r.knownSender(ctx, ident.ID, u.Sender); err != nil {
		return senderOutcome(ident.ID, u.WrapID, err)
	}
	switch u.Rumor.Kind {
	case protocol.KindPrivateProfile:
		if r.Profiles == nil {
			return outcomeUnhandled, nil
		}
		if _, err := r.Profiles.storeReceived(ctx, u); err != nil {
			return "", err
		}
		return outcomeProfile, nil

	case protocol.KindPrivateDM:
		m, err := r.Messages.IngestMessage(ctx, InboundMessage{
			IdentityID:      ident.ID,
			SenderPubkey:    u.Sender,
			RecipientPubkey: ident.PublicKey,
			Content:         u.Rumor.Content,
			EventID:         u.Rumor.ID,
			Kind:            protocol.KindPrivateDM,
			Timestamp:       time.Unix(int64(u.Rumor.CreatedAt), 0).UTC(),
			GiftWrapped:     true,
		})
		return ingestOutcome(ident.ID, u.Rumor.ID, m, err)

	case protocol.KindPeerSignal:
		if r.Signals != nil {
			r.Signals(ctx, ident.ID, u.Sender, u.Rumor)
		}
		return outcomeSignal, nil

	default:
		log.Debug().Str("identity_id", ident.ID).Str("event_id", u.WrapID).Int("kind", u.Rumor.Kind).Msg("unhandled rumor kind")
		return outcomeUnhandled, nil
	}
}

// decryptFailed marks evt so it is never decrypted again, not even after a
// restart or once the recency set forgot it.
func (r *Router) decryptFailed(ctx context.Context, identityID string, evt *nostr.Event, cause error) (string, error) {
	if err := repo.RecordFailedEvent(ctx, r.DB, identityID, evt.ID, evt.Kind, cause.Error()); err != nil {
		return "", err
	}
	return outcomeDecryptFailed, nil
}

func (r *Router) knownSender(ctx context.Context, identityID, pubkey string) error {
	_, err := repo.GetContactByPubkey(ctx, r.DB, identityID, pubkey)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrUnknownSender
	}
	return err
}

func senderOutcome(identityID, eventID string, err error) (string, error) {
	if errors.Is(err, ErrUnknownSender) {
		log.Info().Str("identity_id", identityID).Str("event_id", eventID).Msg("event from unknown sender dropped")
		return outcomeUnknownSender, nil
	}
	return "", err
}

func ingestOutcome(identityID, eventID string, m *domain.Message, err error) (string, error) {
	switch {
	case errors.Is(err, ErrUnknownSender):
		return senderOutcome(identityID, eventID, err)
	case err != nil:
		return "", err
	case m == nil:
		return outcomeDuplicate, nil
	default:
		return outcomeIngested, nil
	}
}
