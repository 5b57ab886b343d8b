// Package services – ProfileService
//
// ProfileService distributes a private profile to contacts over gift wraps,
// stores the profiles contacts send back, looks up public (kind 0) profiles
// on relays and resolves which name to show for a key.
//
// Sends are idempotent per (identity, contact): the hash of the last
// successfully sent content is kept and an unchanged profile is skipped.
// Check-then-publish is not atomic; two concurrent sends of the same
// content may both publish, which converges to the same state.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/protocol"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProfileService owns the private profile subsystem.
type ProfileService struct {
	DB           *gorm.DB
	Pool         Relays
	Keys         KeyRing
	Notifier     ProfileNotifier
	QueryMaxWait time.Duration
	// Now is overridable in tests.
	Now func() time.Time
}

// SendResult is the outcome of sending the private profile to one contact.
type SendResult struct {
	ContactPubkey string                `json:"contact_pubkey"`
	Skipped       bool                  `json:"skipped"`
	EventID       string                `json:"event_id,omitempty"`
	Relays        []relay.PublishResult `json:"relays,omitempty"`
	Error         string                `json:"error,omitempty"`
}

func (s *ProfileService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *ProfileService) maxWait() time.Duration {
	if s.QueryMaxWait > 0 {
		return s.QueryMaxWait
	}
	return defaultQueryMaxWait
}

func (s *ProfileService) identity(ctx context.Context, identityID string) (*domain.Identity, error) {
	ident, err := repo.GetIdentity(ctx, s.DB, identityID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	return ident, err
}

// SetPrivateProfile validates p and stores it as the identity's private
// profile. Validation failures are returned as *envelope.ValidationError.
func (s *ProfileService) SetPrivateProfile(ctx context.Context, identityID string, p envelope.ProfileContent) (*domain.ProfileRecord, error) {
	ctx, span := otel.Tracer("services/ProfileService").Start(ctx, "SetPrivateProfile",
		trace.WithAttributes(attribute.String("identity.id", identityID)))
	defer span.End()

	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ident, err := s.identity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	// Local edits always win, even if the clock stepped back.
	at := s.now().Unix()
	if prev, err := repo.GetProfileRecord(ctx, s.DB, ident.PublicKey, domain.SourcePrivateAuthored); err == nil {
		at = max(at, prev.EventCreatedAt)
	}
	rec, _, err := repo.UpsertProfileRecord(ctx, s.DB, ident.PublicKey, domain.SourcePrivateAuthored, body, "", at, true)
	return rec, err
}

// PrivateProfile returns the identity's own private profile.
func (s *ProfileService) PrivateProfile(ctx context.Context, identityID string) (envelope.ProfileContent, error) {
	ident, err := s.identity(ctx, identityID)
	if err != nil {
		return envelope.ProfileContent{}, err
	}
	rec, err := repo.GetProfileRecord(ctx, s.DB, ident.PublicKey, domain.SourcePrivateAuthored)
	if errors.Is(err, repo.ErrNotFound) {
		return envelope.ProfileContent{}, ErrNoPrivateProfile
	}
	if err != nil {
		return envelope.ProfileContent{}, err
	}
	return decodeRecord(rec)
}

func decodeRecord(rec *domain.ProfileRecord) (envelope.ProfileContent, error) {
	var p envelope.ProfileContent
	if err := json.Unmarshal(rec.Content, &p); err != nil {
		return envelope.ProfileContent{}, fmt.Errorf("decode profile record: %w", err)
	}
	return p, nil
}

// SendProfileToContact gift-wraps the private profile to contactPubkey
// unless that exact content was already delivered. Relay failures are
// reported in the result (and recorded in the send state), not as an
// error.
func (s *ProfileService) SendProfileToContact(ctx context.Context, identityID, contactPubkey string) (SendResult, error) {
	ctx, span := otel.Tracer("services/ProfileService").Start(ctx, "SendProfileToContact",
		trace.WithAttributes(attribute.String("identity.id", identityID)))
	defer span.End()

	res := SendResult{ContactPubkey: contactPubkey}
	ident, err := s.identity(ctx, identityID)
	if err != nil {
		return res, err
	}
	p, err := s.PrivateProfile(ctx, identityID)
	if err != nil {
		return res, err
	}
	hash := envelope.ProfileHash(p)

	st, err := repo.GetSendState(ctx, s.DB, ident.PublicKey, contactPubkey)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	if st != nil && st.LastSentHash == hash {
		profileSends.WithLabelValues("skipped").Inc()
		res.Skipped = true
		res.EventID = st.LastSentEventID
		return res, nil
	}

	sk, err := s.Keys.SecretKey(ctx, identityID)
	if err != nil {
		return res, err
	}
	now := s.now()
	evt, err := envelope.BuildPrivateProfileEvent(sk, p, nostr.Timestamp(now.Unix()))
	if err != nil {
		return res, err
	}
	wrap, err := envelope.GiftWrap(evt, sk, contactPubkey)
	if err != nil {
		return res, err
	}
	res.Relays = s.Pool.Publish(ctx, wrap)
	if !relay.AnySucceeded(res.Relays) {
		res.Error = publishError(res.Relays)
		profileSends.WithLabelValues("failed").Inc()
		if err := repo.RecordSendFailure(ctx, s.DB, ident.PublicKey, contactPubkey, res.Error, now.UTC()); err != nil {
			return res, err
		}
		return res, nil
	}
	// The inner event id is stable across re-wraps of the same build.
	res.EventID = evt.ID
	profileSends.WithLabelValues("sent").Inc()
	if err := repo.RecordSendSuccess(ctx, s.DB, ident.PublicKey, contactPubkey, hash, evt.ID, now.UTC()); err != nil {
		return res, err
	}
	log.Debug().Str("identity_id", identityID).Str("event_id", evt.ID).Msg("private profile sent")
	return res, nil
}

// SendProfileToAllContacts sends to every live contact. It always returns
// one result per contact; a failing contact never stops the others.
func (s *ProfileService) SendProfileToAllContacts(ctx context.Context, identityID string) ([]SendResult, error) {
	ctx, span := otel.Tracer("services/ProfileService").Start(ctx, "SendProfileToAllContacts",
		trace.WithAttributes(attribute.String("identity.id", identityID)))
	defer span.End()

	contacts, err := repo.ListContactPubkeys(ctx, s.DB, identityID)
	if err != nil {
		return nil, err
	}
	out := make([]SendResult, 0, len(contacts))
	for _, pk := range contacts {
		r, err := s.SendProfileToContact(ctx, identityID, pk)
		if err != nil {
			r.ContactPubkey = pk
			r.Error = err.Error()
			log.Warn().Err(err).Str("identity_id", identityID).Msg("private profile send failed")
		}
		out = append(out, r)
	}
	return out, nil
}

// HandleReceivedWrappedEvent opens a gift wrap addressed to the identity
// and stores it as the sender's received private profile. Wraps carrying
// anything other than a private profile yield (nil, nil), as does
// malformed profile content.
func (s *ProfileService) HandleReceivedWrappedEvent(ctx context.Context, identityID string, wrap *nostr.Event) (*domain.ProfileRecord, error) {
	ctx, span := otel.Tracer("services/ProfileService").Start(ctx, "HandleReceivedWrappedEvent",
		trace.WithAttributes(attribute.String("identity.id", identityID), attribute.String("event.id", wrap.ID)))
	defer span.End()

	sk, err := s.Keys.SecretKey(ctx, identityID)
	if err != nil {
		return nil, err
	}
	u, err := envelope.Unwrap(wrap, sk)
	if err != nil {
		return nil, err
	}
	return s.storeReceived(ctx, u)
}

// storeReceived upserts an unwrapped private profile for its sender.
func (s *ProfileService) storeReceived(ctx context.Context, u *envelope.Unwrapped) (*domain.ProfileRecord, error) {
	if u.Rumor.Kind != protocol.KindPrivateProfile {
		return nil, nil
	}
	p, err := envelope.ParseProfileContent(u.Rumor.Content)
	if err != nil {
		log.Debug().Err(err).Str("event_id", u.Rumor.ID).Msg("dropping malformed private profile")
		return nil, nil
	}
	return s.upsert(ctx, u.Sender, domain.SourcePrivateReceived, p, u.Rumor.ID, int64(u.Rumor.CreatedAt), true)
}

// upsert keeps the newest event per (owner, source). An older event leaves
// the stored row alone and does not notify.
func (s *ProfileService) upsert(ctx context.Context, owner string, source domain.ProfileSource, p envelope.ProfileContent, eventID string, eventAt int64, validSig bool) (*domain.ProfileRecord, error) {
	changed := true
	if prev, err := repo.GetProfileRecord(ctx, s.DB, owner, source); err == nil {
		if old, err := decodeRecord(prev); err == nil && envelope.ProfileHash(old) == envelope.ProfileHash(p) {
			changed = false
		}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	rec, applied, err := repo.UpsertProfileRecord(ctx, s.DB, owner, source, body, eventID, eventAt, validSig)
	if err != nil {
		return nil, err
	}
	if !applied {
		log.Debug().Str("pubkey", owner).Str("event_id", eventID).Str("source", string(source)).Msg("older profile event ignored")
		return rec, nil
	}
	if changed && s.Notifier != nil {
		s.Notifier.ProfileUpdated(owner, source)
	}
	return rec, nil
}

// DiscoverPublicProfile looks up the newest public profile of pubkey. The
// presence record always gets a new check time; existence is only set
// when the query worked and returned a parseable profile. A relay failure
// marks the check failed and is not returned as an error.
func (s *ProfileService) DiscoverPublicProfile(ctx context.Context, pubkey string) (*domain.PublicProfilePresence, error) {
	ctx, span := otel.Tracer("services/ProfileService").Start(ctx, "DiscoverPublicProfile")
	defer span.End()

	now := s.now().UTC()
	events, qerr := s.Pool.QuerySync(ctx, nostr.Filters{protocol.PublicProfileFilter(pubkey)}, s.maxWait())
	if qerr != nil {
		profileChecks.WithLabelValues("failed").Inc()
		log.Debug().Err(qerr).Str("pubkey", pubkey).Msg("public profile lookup failed")
		if err := repo.SavePresence(ctx, s.DB, pubkey, false, false, "", now); err != nil {
			return nil, err
		}
		return repo.GetPresence(ctx, s.DB, pubkey)
	}

	found := s.newestProfile(events, pubkey)
	if found == nil {
		profileChecks.WithLabelValues("absent").Inc()
		if err := repo.SavePresence(ctx, s.DB, pubkey, false, true, "", now); err != nil {
			return nil, err
		}
		return repo.GetPresence(ctx, s.DB, pubkey)
	}
	if _, err := s.recordPublic(ctx, found.evt, found.content); err != nil {
		return nil, err
	}
	profileChecks.WithLabelValues("found").Inc()
	if err := repo.SavePresence(ctx, s.DB, pubkey, true, true, found.evt.ID, now); err != nil {
		return nil, err
	}
	return repo.GetPresence(ctx, s.DB, pubkey)
}

type publicProfile struct {
	evt     *nostr.Event
	content envelope.ProfileContent
}

func (s *ProfileService) newestProfile(events []*nostr.Event, pubkey string) *publicProfile {
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt > events[j].CreatedAt })
	for _, evt := range events {
		if evt.Kind != protocol.KindPublicProfile || evt.PubKey != pubkey {
			continue
		}
		p, err := envelope.ParseProfileContent(evt.Content)
		if err != nil {
			continue
		}
		return &publicProfile{evt: evt, content: p}
	}
	return nil
}

// ObservePublicProfile stores a kind 0 event seen outside a lookup.
func (s *ProfileService) ObservePublicProfile(ctx context.Context, evt *nostr.Event) (*domain.ProfileRecord, error) {
	p, err := envelope.ParseProfileContent(evt.Content)
	if err != nil {
		return nil, nil
	}
	return s.recordPublic(ctx, evt, p)
}

func (s *ProfileService) recordPublic(ctx context.Context, evt *nostr.Event, p envelope.ProfileContent) (*domain.ProfileRecord, error) {
	ok, err := evt.CheckSignature()
	return s.upsert(ctx, evt.PubKey, domain.SourcePublicDiscovered, p, evt.ID, int64(evt.CreatedAt), err == nil && ok)
}

// SchedulePublicProfileDiscovery runs discovery for the identity and all
// its contacts now and then every interval until the returned cancel func
// is called (or ctx ends). Per-key failures are logged and skipped.
func (s *ProfileService) SchedulePublicProfileDiscovery(ctx context.Context, identityID string, interval time.Duration) (cancel func(), err error) {
	if _, err := s.identity(ctx, identityID); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.discoverAll(ctx, identityID)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.discoverAll(ctx, identityID)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
		})
	}, nil
}

func (s *ProfileService) discoverAll(ctx context.Context, identityID string) {
	ident, err := s.identity(ctx, identityID)
	if err != nil {
		log.Warn().Err(err).Str("identity_id", identityID).Msg("profile discovery skipped")
		return
	}
	keys, err := repo.ListContactPubkeys(ctx, s.DB, identityID)
	if err != nil {
		log.Warn().Err(err).Str("identity_id", identityID).Msg("profile discovery: listing contacts failed")
	}
	for _, pk := range append([]string{ident.PublicKey}, keys...) {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.DiscoverPublicProfile(ctx, pk); err != nil {
			log.Warn().Err(err).Str("identity_id", identityID).Str("pubkey", pk).Msg("profile discovery failed")
		}
	}
}

// ResolveDisplayName picks the name to show for pubkey as seen by an
// identity: the contact alias, then the private profile name, then the
// public profile name, then the truncated npub.
func (s *ProfileService) ResolveDisplayName(ctx context.Context, identityID, pubkey string) (string, error) {
	c, err := repo.GetContactByPubkey(ctx, s.DB, identityID, pubkey)
	switch {
	case err == nil:
		if c.Alias != nil && strings.TrimSpace(*c.Alias) != "" {
			return strings.TrimSpace(*c.Alias), nil
		}
	case !errors.Is(err, repo.ErrNotFound):
		return "", err
	}

	private := domain.SourcePrivateReceived
	if ident, err := repo.GetIdentity(ctx, s.DB, identityID); err == nil && ident.PublicKey == pubkey {
		private = domain.SourcePrivateAuthored
	}
	for _, src := range []domain.ProfileSource{private, domain.SourcePublicDiscovered} {
		rec, err := repo.GetProfileRecord(ctx, s.DB, pubkey, src)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		p, err := decodeRecord(rec)
		if err != nil {
			continue
		}
		if name := p.PreferredName(); name != "" {
			return name, nil
		}
	}
	return envelope.ShortNpub(pubkey), nil
}

func publishError(results []relay.PublishResult) string {
	if len(results) == 0 {
		return relay.ErrNoRelays.Error()
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Relay+": "+r.Message)
	}
	return strings.Join(parts, "; ")
}
