package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/config"
	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/notify"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/relayconfig"
	"github.com/941design/slim-chat/internal/secrets"
	"github.com/941design/slim-chat/internal/services"
	"github.com/941design/slim-chat/internal/syncstate"
)

// daemon owns the long-lived components and their wiring.
type daemon struct {
	cfg config.Config

	pool     *relay.Pool
	tracker  *syncstate.Tracker
	hub      *notify.Hub
	router   *services.Router
	ids      *services.IdentityService
	contacts *services.ContactService
	msgs     *services.MessageService
	profiles *services.ProfileService

	// reconnect serializes pool reconnects.
	reconnect  sync.Mutex
	subscribed atomic.Bool
	lost       chan struct{}
	quit       chan struct{}
	loopDone   chan struct{}

	mu        sync.Mutex
	discovery map[string]func() // identity id -> cancel
}

func newDaemon(cfg config.Config, db *gorm.DB, store secrets.Store, relayFiles *relayconfig.Store) *daemon {
	d := &daemon{
		cfg: cfg,
		pool: relay.NewPool(relay.Options{
			ConnectTimeout: cfg.Relay.ConnectTimeout,
			PublishTimeout: cfg.Relay.PublishTimeout,
			PublishRPS:     cfg.Relay.PublishRPS,
			DedupCapacity:  cfg.Sync.DedupCapacity,
		}),
		tracker:   syncstate.New(db, cfg.Sync.FlushInterval),
		hub:       notify.NewHub(),
		router:    services.NewRouter(cfg.Sync.InboxSize, cfg.Sync.DedupCapacity),
		discovery: map[string]func(){},
		lost:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	d.ids = &services.IdentityService{
		DB:             db,
		Secrets:        store,
		Tracker:        d.tracker,
		RelayFiles:     relayFiles,
		OnCreate:       d.identityCreated,
		OnDelete:       d.identityDeleted,
		OnRelaysChange: func(ctx context.Context, _ string) { d.connect(ctx) },
	}
	d.profiles = &services.ProfileService{
		DB:           db,
		Pool:         d.pool,
		Keys:         d.ids,
		Notifier:     d.hub,
		QueryMaxWait: cfg.Relay.QueryMaxWait,
	}
	d.msgs = &services.MessageService{
		DB:              db,
		Pool:            d.pool,
		Keys:            d.ids,
		Tracker:         d.tracker,
		Router:          d.router,
		LegacyDM:        cfg.Relay.LegacyDM,
		QueryMaxWait:    cfg.Relay.QueryMaxWait,
		MaxContentRunes: cfg.Sync.MaxMessageRunes,
	}
	d.contacts = &services.ContactService{
		DB:       db,
		Profiles: d.profiles,
		OnChange: func(ctx context.Context, identityID string) {
			if err := d.msgs.RefreshSubscription(ctx, identityID); err != nil {
				log.Warn().Err(err).Str("identity_id", identityID).Msg("subscription refresh failed")
			}
		},
	}

	d.router.DB = db
	d.router.Keys = d.ids
	d.router.Tracker = d.tracker
	d.router.Messages = d.msgs
	d.router.Profiles = d.profiles
	d.router.Signals = func(_ context.Context, identityID, sender string, rumor nostr.Event) {
		log.Debug().
			Str("identity_id", identityID).
			Str("sender", envelope.ShortNpub(sender)).
			Int("kind", rumor.Kind).
			Msg("peer signal")
	}

	d.pool.OnStatusChange(func(s relay.Status) {
		d.hub.RelayStatusChanged(s)
		d.msgs.SetOnline(len(d.pool.ConnectedRelays()) > 0)
		// Disconnect reports without an error; only drops trigger a retry.
		if s.State == relay.StateDisconnected && s.Error != "" {
			select {
			case d.lost <- struct{}{}:
			default:
			}
		}
	})
	return d
}

// reconnectDelay is the pause between a dropped relay and the reconnect.
var reconnectDelay = 5 * time.Second

func (d *daemon) reconnectLoop() {
	defer close(d.loopDone)
	for {
		select {
		case <-d.quit:
			return
		case <-d.lost:
		}
		select {
		case <-d.quit:
			return
		case <-time.After(reconnectDelay):
		}
		log.Info().Msg("reconnecting relay pool")
		d.connect(context.Background())
	}
}

// start connects the pool and launches subscriptions, polling and profile
// discovery for every stored identity.
func (d *daemon) start(ctx context.Context) error {
	d.connect(ctx)

	if err := d.msgs.StartSubscriptions(ctx); err != nil {
		return fmt.Errorf("subscriptions: %w", err)
	}
	d.subscribed.Store(true)
	go d.reconnectLoop()
	d.msgs.StartPolling(d.cfg.Sync.PollInterval)

	idents, err := d.ids.List(ctx)
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}
	for _, ident := range idents {
		d.startDiscovery(ident.ID)
	}
	log.Info().
		Int("identities", len(idents)).
		Strs("relays", d.pool.ConnectedRelays()).
		Msg("sync started")
	return nil
}

// stop releases everything in dependency order. The pool goes last so
// in-flight publishes and the final sync state flush can finish.
func (d *daemon) stop(ctx context.Context) {
	close(d.quit)
	<-d.loopDone

	d.mu.Lock()
	cancels := d.discovery
	d.discovery = map[string]func(){}
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	if err := d.msgs.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("message service close")
	}
	if err := d.tracker.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("sync state close")
	}
	d.pool.Disconnect()
}

// connect (re)connects the pool to the configured relays plus every
// identity's own relay list. Subscriptions die with the old connections and
// are reopened once they were started.
func (d *daemon) connect(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	d.reconnect.Lock()
	defer d.reconnect.Unlock()

	endpoints, err := d.endpoints(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("relay list incomplete")
	}
	d.pool.Connect(ctx, endpoints)
	d.msgs.SetOnline(len(d.pool.ConnectedRelays()) > 0)
	if d.subscribed.Load() {
		if err := d.msgs.StartSubscriptions(ctx); err != nil {
			log.Warn().Err(err).Msg("resubscribe failed")
		}
	}
}

func (d *daemon) endpoints(ctx context.Context) ([]relay.Endpoint, error) {
	lists := [][]domain.RelayEndpoint{{}}
	for _, u := range d.cfg.Relay.URLs {
		lists[0] = append(lists[0], domain.RelayEndpoint{URL: u, Read: true, Write: true})
	}
	idents, err := d.ids.List(ctx)
	if err != nil {
		return mergeEndpoints(lists...), err
	}
	for _, ident := range idents {
		relays, _, err := d.ids.Relays(ctx, ident.ID)
		if err != nil {
			log.Warn().Err(err).Str("identity_id", ident.ID).Msg("relay list unreadable")
			continue
		}
		lists = append(lists, relays)
	}
	return mergeEndpoints(lists...), nil
}

// mergeEndpoints unions relay lists by URL; read and write flags accumulate.
func mergeEndpoints(lists ...[]domain.RelayEndpoint) []relay.Endpoint {
	var out []relay.Endpoint
	idx := map[string]int{}
	for _, list := range lists {
		for _, r := range list {
			ep := relay.Endpoint{URL: r.URL, Read: r.Read, Write: r.Write}.Normalize()
			if ep.URL == "" {
				continue
			}
			if i, ok := idx[ep.URL]; ok {
				out[i].Read = out[i].Read || ep.Read
				out[i].Write = out[i].Write || ep.Write
				continue
			}
			idx[ep.URL] = len(out)
			out = append(out, ep)
		}
	}
	return out
}

func (d *daemon) identityCreated(ctx context.Context, identityID string) {
	relays, _, err := d.ids.Relays(ctx, identityID)
	if err == nil && len(relays) > 0 {
		d.connect(ctx)
	}
	if err := d.msgs.RefreshSubscription(ctx, identityID); err != nil {
		log.Warn().Err(err).Str("identity_id", identityID).Msg("subscription failed")
	}
	d.startDiscovery(identityID)
}

func (d *daemon) identityDeleted(identityID string) {
	d.mu.Lock()
	cancel := d.discovery[identityID]
	delete(d.discovery, identityID)
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.msgs.CloseSubscription(identityID)
}

func (d *daemon) startDiscovery(identityID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.discovery[identityID]; ok {
		return
	}
	cancel, err := d.profiles.SchedulePublicProfileDiscovery(context.Background(), identityID, d.cfg.Sync.DiscoveryInterval)
	if err != nil {
		log.Warn().Err(err).Str("identity_id", identityID).Msg("profile discovery not scheduled")
		return
	}
	d.discovery[identityID] = cancel
}

// openSecrets builds the configured secret store and its release func.
func openSecrets(ctx context.Context, cfg config.SecretConfig, db *gorm.DB) (secrets.Store, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "encrypted":
		s, err := secrets.NewEncrypted(ctx, db, cfg.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "redis":
		s, err := secrets.NewRedis(ctx, secrets.RedisOptions{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			Passphrase: cfg.Passphrase,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("redis close")
			}
		}, nil
	default:
		log.Warn().Msg("SECRET_BACKEND=memory: identities will not survive a restart")
		return secrets.NewMemory(), noop, nil
	}
}
