package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/relaytest"
	"github.com/941design/slim-chat/internal/repo"
	"github.com/941design/slim-chat/internal/secrets"
	"github.com/941design/slim-chat/internal/syncstate"
)

func newServicesDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection serializes the background writers on shared-cache
	// SQLite, which would otherwise fail with "table is locked".
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

type profileEvent struct {
	pubkey string
	source domain.ProfileSource
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []profileEvent
}

func (n *recordingNotifier) ProfileUpdated(pubkey string, source domain.ProfileSource) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, profileEvent{pubkey, source})
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	db       *gorm.DB
	srv      *relaytest.Server
	pool     *relay.Pool
	tracker  *syncstate.Tracker
	ids      *IdentityService
	contacts *ContactService
	msgs     *MessageService
	profiles *ProfileService
	router   *Router
	notes    *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db := newServicesDB(t)
	srv := relaytest.NewServer()
	pool := relay.NewPool(relay.Options{ConnectTimeout: 2 * time.Second, PublishTimeout: 2 * time.Second})
	pool.Connect(ctx, []relay.Endpoint{{URL: srv.URL}})
	require.Equal(t, []string{srv.URL}, pool.ConnectedRelays())

	tracker := syncstate.New(db, time.Hour)
	ids := &IdentityService{DB: db, Secrets: secrets.NewMemory(), Tracker: tracker}
	notes := &recordingNotifier{}
	profiles := &ProfileService{DB: db, Pool: pool, Keys: ids, Notifier: notes, QueryMaxWait: 2 * time.Second}
	router := NewRouter(16, 128)
	msgs := &MessageService{DB: db, Pool: pool, Keys: ids, Tracker: tracker, Router: router, QueryMaxWait: 2 * time.Second}
	router.DB, router.Keys, router.Tracker, router.Messages, router.Profiles = db, ids, tracker, msgs, profiles
	contacts := &ContactService{DB: db, Profiles: profiles}
	ids.OnDelete = msgs.CloseSubscription

	h := &harness{
		t: t, ctx: ctx, db: db, srv: srv, pool: pool, tracker: tracker,
		ids: ids, contacts: contacts, msgs: msgs, profiles: profiles, router: router, notes: notes,
	}
	t.Cleanup(func() {
		_ = msgs.Close(ctx)
		_ = tracker.Close(ctx)
		pool.Disconnect()
		srv.Close()
	})
	return h
}

func (h *harness) identity(label string) *domain.Identity {
	h.t.Helper()
	ident, err := h.ids.Create(h.ctx, label)
	require.NoError(h.t, err)
	return ident
}

// befriend makes a and b contacts of each other and returns a's contact
// row for b and b's contact row for a.
func (h *harness) befriend(a, b *domain.Identity) (*domain.Contact, *domain.Contact) {
	h.t.Helper()
	ab, err := h.contacts.Add(h.ctx, a.ID, b.PublicKey, nil)
	require.NoError(h.t, err)
	ba, err := h.contacts.Add(h.ctx, b.ID, a.PublicKey, nil)
	require.NoError(h.t, err)
	return ab, ba
}

func (h *harness) secret(ident *domain.Identity) string {
	h.t.Helper()
	sk, err := h.ids.SecretKey(h.ctx, ident.ID)
	require.NoError(h.t, err)
	return sk
}

func (h *harness) message(identityID, id string) *domain.Message {
	h.t.Helper()
	m, err := repo.GetMessage(h.ctx, h.db, identityID, id)
	require.NoError(h.t, err)
	return m
}

func (h *harness) waitStatus(identityID, id string, want domain.MessageStatus) *domain.Message {
	h.t.Helper()
	var m *domain.Message
	require.Eventually(h.t, func() bool {
		m = h.message(identityID, id)
		return m.Status == want
	}, 5*time.Second, 20*time.Millisecond, "message %s never reached %s", id, want)
	return m
}

func (h *harness) conversation(identityID, contactID string) []domain.Message {
	h.t.Helper()
	out, err := repo.ListMessagesPage(h.ctx, h.db, identityID, contactID, 0, 0)
	require.NoError(h.t, err)
	return out
}
