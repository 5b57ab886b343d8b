// Package services – MessageService
//
// MessageService owns the message lifecycle on both sides of the wire.
//
// Outgoing: SendMessage persists the row first (queued while offline,
// sending while online) and publishes in the background. A publish that
// any relay accepts marks the row sent; total failure marks it error, and
// only RetryMessage moves it back to queued. FlushOutgoingQueue publishes
// whatever is still queued, and runs automatically when SetOnline(true)
// flips the service online.
//
// Inbound: IngestMessage stores a decrypted message for a known contact,
// at most once per (identity, contact, event id), and moves a pending
// contact to connected. Events reach it through the Router, fed either by
// the per-identity subscriptions or by PollMessages.
//
// Observability: public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/protocol"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/repo"
	"github.com/941design/slim-chat/internal/syncstate"
	"github.com/941design/slim-chat/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MessageService coordinates message persistence, publishing, polling and
// subscriptions.
type MessageService struct {
	DB      *gorm.DB
	Pool    Relays
	Keys    KeyRing
	Tracker *syncstate.Tracker
	Router  *Router

	// LegacyDM sends kind 4 NIP-04 messages instead of gift wraps.
	LegacyDM bool
	// QueryMaxWait bounds one poll query.
	QueryMaxWait time.Duration
	// MaxContentRunes rejects longer messages when > 0.
	MaxContentRunes int

	online   atomic.Bool
	inflight sync.Map // message id -> struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	subs     map[string]*relay.Subscription
	pollStop chan struct{}
	pollDone chan struct{}
}

// InboundMessage is a decrypted message ready for ingestion.
type InboundMessage struct {
	IdentityID      string
	SenderPubkey    string
	RecipientPubkey string
	Content         string
	EventID         string
	Kind            int
	Timestamp       time.Time
	GiftWrapped     bool
}

// PollResult reports one identity's poll.
type PollResult struct {
	IdentityID string `json:"identity_id"`
	Events     int    `json:"events"`
	Error      string `json:"error,omitempty"`
}

// FlushResult counts what a flush did.
type FlushResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

func (s *MessageService) maxWait() time.Duration {
	if s.QueryMaxWait > 0 {
		return s.QueryMaxWait
	}
	return defaultQueryMaxWait
}

func (s *MessageService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Online reports the current connectivity flag.
func (s *MessageService) Online() bool { return s.online.Load() }

// SetOnline records connectivity. Going from offline to online starts a
// background flush of the outgoing queue.
func (s *MessageService) SetOnline(online bool) {
	was := s.online.Swap(online)
	if !online || was || s.isClosed() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.FlushOutgoingQueue(context.Background()); err != nil {
			log.Warn().Err(err).Msg("outgoing flush failed")
		}
	}()
}

// SendMessage stores an outgoing message and publishes it in the
// background when online. The returned row reflects the state at return
// time (queued or sending).
func (s *MessageService) SendMessage(ctx context.Context, identityID, contactID, content string) (*domain.Message, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "SendMessage",
		trace.WithAttributes(
			attribute.String("identity.id", identityID),
			attribute.String("contact.id", contactID),
		),
	)
	defer span.End()

	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if s.MaxContentRunes > 0 && len([]rune(content)) > s.MaxContentRunes {
		return nil, ErrTooLong
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	ident, err := repo.GetIdentity(ctx, s.DB, identityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	contact, err := repo.GetContact(ctx, s.DB, identityID, contactID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, err
	}

	online := s.Online()
	status := domain.StatusQueued
	if online {
		status = domain.StatusSending
	}
	kind, wrapped := protocol.KindPrivateDM, true
	if s.LegacyDM {
		kind, wrapped = protocol.KindLegacyDM, false
	}
	m := &domain.Message{
		IdentityID:      identityID,
		ContactID:       contactID,
		SenderPubkey:    ident.PublicKey,
		RecipientPubkey: contact.PublicKey,
		Content:         content,
		Timestamp:       time.Now().UTC().Truncate(time.Second),
		Status:          status,
		Direction:       domain.DirectionOutgoing,
		IsRead:          true,
		Kind:            kind,
		WasGiftWrapped:  wrapped,
	}
	if err := repo.CreateMessage(ctx, s.DB, m); err != nil {
		return nil, err
	}
	log.Debug().Str("identity_id", identityID).Str("message_id", m.ID).Str("status", string(status)).Msg("message stored")

	if online {
		out := *m
		s.inflight.Store(out.ID, struct{}{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.inflight.Delete(out.ID)
			s.deliver(context.Background(), &out)
		}()
	}
	return m, nil
}

// deliver encrypts and publishes m and records the outcome. It returns
// whether a relay accepted the event.
func (s *MessageService) deliver(ctx context.Context, m *domain.Message) bool {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "deliver",
		trace.WithAttributes(attribute.String("message.id", m.ID)))
	defer span.End()

	evt, eventID, err := s.buildEvent(ctx, m)
	if err != nil {
		s.finish(ctx, m, false, nil, err.Error())
		return false
	}
	results := s.Pool.Publish(ctx, evt)
	ok := relay.AnySucceeded(results)
	errText := ""
	if !ok {
		errText = publishError(results)
	}
	s.finish(ctx, m, ok, &eventID, errText)
	return ok
}

// buildEvent returns the wire event and the id persisted for the message:
// the rumor id for gift wraps, the event id for legacy DMs.
func (s *MessageService) buildEvent(ctx context.Context, m *domain.Message) (nostr.Event, string, error) {
	sk, err := s.Keys.SecretKey(ctx, m.IdentityID)
	if err != nil {
		return nostr.Event{}, "", err
	}
	at := nostr.Timestamp(m.Timestamp.Unix())
	if m.Kind == protocol.KindLegacyDM {
		evt, err := envelope.EncryptLegacyDM(sk, m.RecipientPubkey, m.Content, at)
		return evt, evt.ID, err
	}
	rumor := envelope.NewRumor(m.SenderPubkey, protocol.KindPrivateDM, m.Content,
		nostr.Tags{{"p", m.RecipientPubkey}}, at)
	wrap, err := envelope.GiftWrap(rumor, sk, m.RecipientPubkey)
	return wrap, rumor.ID, err
}

func (s *MessageService) finish(ctx context.Context, m *domain.Message, ok bool, eventID *string, errText string) {
	to := domain.StatusError
	if ok {
		to = domain.StatusSent
	}
	outgoingMessages.WithLabelValues(string(to)).Inc()
	if err := repo.TransitionMessageStatus(ctx, s.DB, m.ID, to, eventID, errText); err != nil {
		log.Warn().Err(err).Str("message_id", m.ID).Str("status", string(to)).Msg("message status update failed")
		return
	}
	m.Status, m.ErrorText = to, errText
	if eventID != nil {
		m.EventID = eventID
	}
	if ok {
		if err := repo.TouchContactLastMessage(ctx, s.DB, m.ContactID, m.Timestamp); err != nil {
			log.Warn().Err(err).Str("message_id", m.ID).Str("contact_id", m.ContactID).Msg("contact last message update failed")
		}
	} else {
		log.Warn().Str("message_id", m.ID).Str("error", errText).Msg("message publish failed")
	}
}

// FlushOutgoingQueue publishes every queued outgoing message of every
// identity. Rows already being published by this process are skipped.
// Nothing happens while offline.
func (s *MessageService) FlushOutgoingQueue(ctx context.Context) (FlushResult, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "FlushOutgoingQueue")
	defer span.End()

	var res FlushResult
	if !s.Online() {
		return res, nil
	}
	idents, err := repo.ListIdentities(ctx, s.DB)
	if err != nil {
		return res, err
	}
	for _, ident := range idents {
		rows, err := repo.ListPendingOutgoing(ctx, s.DB, ident.ID)
		if err != nil {
			log.Warn().Err(err).Str("identity_id", ident.ID).Msg("listing outgoing queue failed")
			continue
		}
		for i := range rows {
			m := &rows[i]
			if _, busy := s.inflight.LoadOrStore(m.ID, struct{}{}); busy {
				continue
			}
			if s.claim(ctx, m) && s.deliver(ctx, m) {
				res.Sent++
			} else if m.Status == domain.StatusError {
				res.Failed++
			}
			s.inflight.Delete(m.ID)
		}
	}
	return res, nil
}

// claim moves a queued row to sending. Rows left in sending (e.g. by a
// crash) are taken as they are.
func (s *MessageService) claim(ctx context.Context, m *domain.Message) bool {
	if m.Status != domain.StatusQueued {
		return true
	}
	if err := repo.TransitionMessageStatus(ctx, s.DB, m.ID, domain.StatusSending, nil, ""); err != nil {
		return false
	}
	m.Status = domain.StatusSending
	return true
}

// RetryMessage puts a failed message back in the queue and, when online,
// publishes it in the background.
func (s *MessageService) RetryMessage(ctx context.Context, identityID, messageID string) (*domain.Message, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "RetryMessage",
		trace.WithAttributes(attribute.String("identity.id", identityID), attribute.String("message.id", messageID)))
	defer span.End()

	m, err := repo.GetMessage(ctx, s.DB, identityID, messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if m.Direction != domain.DirectionOutgoing {
		return nil, ErrNotRetryable
	}
	if err := repo.TransitionMessageStatus(ctx, s.DB, m.ID, domain.StatusQueued, nil, ""); err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			return nil, ErrNotRetryable
		}
		return nil, err
	}
	m.Status, m.ErrorText = domain.StatusQueued, ""

	if s.Online() && !s.isClosed() {
		out := *m
		if _, busy := s.inflight.LoadOrStore(out.ID, struct{}{}); !busy {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.inflight.Delete(out.ID)
				if s.claim(context.Background(), &out) {
					s.deliver(context.Background(), &out)
				}
			}()
		}
	}
	return m, nil
}

// IngestMessage stores an inbound message from a contact. It returns
// (nil, nil) when the (identity, contact, event id) row already exists and
// ErrUnknownSender when the sender is not a live contact.
func (s *MessageService) IngestMessage(ctx context.Context, in InboundMessage) (*domain.Message, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "IngestMessage",
		trace.WithAttributes(
			attribute.String("identity.id", in.IdentityID),
			attribute.String("event.id", in.EventID),
		),
	)
	defer span.End()

	var stored *domain.Message
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contact, err := repo.GetContactByPubkey(ctx, tx, in.IdentityID, in.SenderPubkey)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUnknownSender
			}
			return err
		}
		var eventID *string
		if in.EventID != "" {
			eventID = &in.EventID
		}
		m := &domain.Message{
			IdentityID:      in.IdentityID,
			ContactID:       contact.ID,
			SenderPubkey:    in.SenderPubkey,
			RecipientPubkey: in.RecipientPubkey,
			Content:         in.Content,
			EventID:         eventID,
			Timestamp:       in.Timestamp,
			Status:          domain.StatusSent,
			Direction:       domain.DirectionIncoming,
			Kind:            in.Kind,
			WasGiftWrapped:  in.GiftWrapped,
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return err
		}
		if contact.State == domain.ContactPending {
			if _, err := repo.MarkContactConnected(ctx, tx, contact.ID); err != nil {
				return err
			}
		}
		if err := repo.TouchContactLastMessage(ctx, tx, contact.ID, m.Timestamp); err != nil {
			return err
		}
		stored = m
		return nil
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListMessages returns one page of a conversation, oldest first.
func (s *MessageService) ListMessages(ctx context.Context, identityID, contactID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "ListMessages",
		trace.WithAttributes(
			attribute.String("identity.id", identityID),
			attribute.String("contact.id", contactID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	pg := utils.Page{Number: max(page, 1), Size: pageSize}
	if pg.Size <= 0 {
		pg.Size = 50
	}
	if _, err := repo.GetContact(ctx, s.DB, identityID, contactID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrContactNotFound
		}
		return nil, 0, err
	}
	total, err := repo.CountMessages(ctx, s.DB, identityID, contactID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := repo.ListMessagesPage(ctx, s.DB, identityID, contactID, pg.Offset(), pg.Size)
	return items, total, err
}

// ConversationVersion returns a string that changes whenever a message of
// the conversation is added or updated. Empty conversations yield "0:0".
func (s *MessageService) ConversationVersion(ctx context.Context, identityID, contactID string) (string, error) {
	count, maxTS, err := repo.ConversationStats(ctx, s.DB, identityID, contactID)
	if err != nil {
		return "", err
	}
	var ts int64
	if maxTS != nil {
		ts = maxTS.UnixNano()
	}
	return fmt.Sprintf("%d:%d", count, ts), nil
}

// MarkRead flags the incoming messages of a conversation read.
func (s *MessageService) MarkRead(ctx context.Context, identityID, contactID string) (int64, error) {
	return repo.MarkConversationRead(ctx, s.DB, identityID, contactID)
}

// PollMessages runs one catch-up query per identity and feeds the results
// through the router. One identity's failure never stops the others.
func (s *MessageService) PollMessages(ctx context.Context) ([]PollResult, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "PollMessages")
	defer span.End()

	idents, err := repo.ListIdentities(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	out := make([]PollResult, 0, len(idents))
	for _, ident := range idents {
		n, err := s.pollIdentity(ctx, &ident)
		r := PollResult{IdentityID: ident.ID, Events: n}
		if err != nil {
			r.Error = err.Error()
			pollRuns.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("identity_id", ident.ID).Msg("poll failed")
		} else {
			pollRuns.WithLabelValues("ok").Inc()
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MessageService) pollIdentity(ctx context.Context, ident *domain.Identity) (int, error) {
	contacts, err := repo.ListContactPubkeys(ctx, s.DB, ident.ID)
	if err != nil {
		return 0, err
	}
	since, err := s.since(ctx, ident.ID, syncstate.ModePoll)
	if err != nil {
		return 0, err
	}
	// Read the relay set before querying so a relay that connects mid-query
	// is not credited with events it never returned.
	relays := s.Pool.ConnectedRelays()
	events, err := s.Pool.QuerySync(ctx, protocol.InboxFilters(ident.PublicKey, contacts, since), s.maxWait())
	if err != nil {
		return 0, err
	}

	// Oldest first, so later profile and message versions win.
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt < events[j].CreatedAt })
	newest := map[int]int64{}
	for _, evt := range events {
		if err := s.Router.Process(ctx, ident.ID, evt); err != nil {
			return 0, err
		}
		newest[evt.Kind] = max(newest[evt.Kind], int64(evt.CreatedAt))
	}
	if s.Tracker != nil {
		for kind, ts := range newest {
			for _, url := range relays {
				s.Tracker.Update(ident.ID, url, kind, ts)
			}
		}
	}
	return len(events), nil
}

func (s *MessageService) since(ctx context.Context, identityID string, mode syncstate.Mode) (map[int]int64, error) {
	out := map[int]int64{}
	if s.Tracker == nil {
		return out, nil
	}
	for _, kind := range []int{protocol.KindGiftWrap, protocol.KindLegacyDM} {
		ts, err := s.Tracker.Since(ctx, identityID, kind, mode)
		if err != nil {
			return nil, err
		}
		out[kind] = ts
	}
	return out, nil
}

// StartPolling polls every interval until StopPolling or Close. Calling it
// again replaces the previous schedule.
func (s *MessageService) StartPolling(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.StopPolling()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	s.pollStop, s.pollDone = stop, done
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ctx, cancel := context.WithCancel(context.Background())
				go func() {
					select {
					case <-stop:
						cancel()
					case <-ctx.Done():
					}
				}()
				if _, err := s.PollMessages(ctx); err != nil {
					log.Warn().Err(err).Msg("poll run failed")
				}
				cancel()
			}
		}
	}()
}

// StopPolling cancels the poll timer and waits for a running poll to end.
func (s *MessageService) StopPolling() {
	s.mu.Lock()
	stop, done := s.pollStop, s.pollDone
	s.pollStop, s.pollDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// StartSubscriptions opens the live subscription of every identity.
func (s *MessageService) StartSubscriptions(ctx context.Context) error {
	idents, err := repo.ListIdentities(ctx, s.DB)
	if err != nil {
		return err
	}
	for _, ident := range idents {
		if err := s.RefreshSubscription(ctx, ident.ID); err != nil {
			log.Warn().Err(err).Str("identity_id", ident.ID).Msg("subscription failed")
		}
	}
	return nil
}

// RefreshSubscription (re)opens the identity's subscription: gift wraps
// always, legacy DMs from contacts when there are any. It is called when
// the contact set changes.
func (s *MessageService) RefreshSubscription(ctx context.Context, identityID string) error {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "RefreshSubscription",
		trace.WithAttributes(attribute.String("identity.id", identityID)))
	defer span.End()

	ident, err := repo.GetIdentity(ctx, s.DB, identityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrIdentityNotFound
		}
		return err
	}
	contacts, err := repo.ListContactPubkeys(ctx, s.DB, identityID)
	if err != nil {
		return err
	}
	since, err := s.since(ctx, identityID, syncstate.ModeStream)
	if err != nil {
		return err
	}
	filters := protocol.InboxFilters(ident.PublicKey, contacts, since)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.subs == nil {
		s.subs = map[string]*relay.Subscription{}
	}
	if old := s.subs[identityID]; old != nil {
		old.Close()
	}
	s.subs[identityID] = s.Pool.Subscribe(context.Background(), filters, func(in relay.Incoming) {
		s.Router.Deliver(identityID, in)
	})
	return nil
}

// CloseSubscription closes one identity's subscription and inbox loop.
func (s *MessageService) CloseSubscription(identityID string) {
	s.mu.Lock()
	sub := s.subs[identityID]
	delete(s.subs, identityID)
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	if s.Router != nil {
		s.Router.Forget(identityID)
	}
}

// Close stops polling, closes every subscription, waits for background
// publishes, drains the router and flushes the sync tracker. The relay pool
// is left to the caller and must be released after Close returns.
func (s *MessageService) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.StopPolling()
	for _, sub := range subs {
		sub.Close()
	}
	s.wg.Wait()
	if s.Router != nil {
		s.Router.Close()
	}
	if s.Tracker != nil {
		return s.Tracker.Flush(ctx)
	}
	return nil
}
