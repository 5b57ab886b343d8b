package main

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/941design/slim-chat/internal/config"
	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/relaytest"
	"github.com/941design/slim-chat/internal/repo"
	"github.com/941design/slim-chat/internal/secrets"
)

func testConfig(relays ...string) config.Config {
	return config.Config{
		Relay: config.RelayConfig{
			URLs:           relays,
			ConnectTimeout: 2 * time.Second,
			PublishTimeout: 2 * time.Second,
			QueryMaxWait:   2 * time.Second,
		},
		Sync: config.SyncConfig{
			FlushInterval:     time.Hour,
			DiscoveryInterval: time.Hour,
		},
		Secrets: config.SecretConfig{Backend: "memory"},
	}
}

func startDaemon(t *testing.T, cfg config.Config) *daemon {
	t.Helper()
	db, err := repo.Open("sqlite", filepath.Join(t.TempDir(), "slimchat.db"), "")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	d := newDaemon(cfg, db, secrets.NewMemory(), nil)
	require.NoError(t, d.start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.stop(ctx)
	})
	return d
}

func TestMergeEndpoints(t *testing.T) {
	got := mergeEndpoints(
		[]domain.RelayEndpoint{{URL: "wss://a.example/", Read: true}},
		[]domain.RelayEndpoint{{URL: "wss://a.example", Write: true}, {URL: "wss://b.example"}, {URL: " "}},
	)
	require.Equal(t, []relay.Endpoint{
		{URL: "wss://a.example", Read: true, Write: true},
		{URL: "wss://b.example", Read: true, Write: true},
	}, got)
	require.Empty(t, mergeEndpoints())
}

func TestOpenSecrets(t *testing.T) {
	ctx := context.Background()
	db, err := repo.Open("sqlite", filepath.Join(t.TempDir(), "s.db"), "")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	store, release, err := openSecrets(ctx, config.SecretConfig{Backend: "memory"}, db)
	require.NoError(t, err)
	require.IsType(t, &secrets.Memory{}, store)
	release()

	store, release, err = openSecrets(ctx, config.SecretConfig{Backend: "encrypted", Passphrase: "correct horse"}, db)
	require.NoError(t, err)
	defer release()
	ref, err := store.Save(ctx, "deadbeef", "")
	require.NoError(t, err)
	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", got)
}

func TestDaemon_EndToEndDelivery(t *testing.T) {
	srv := relaytest.NewServer()
	t.Cleanup(srv.Close)
	d := startDaemon(t, testConfig(srv.URL))
	ctx := context.Background()

	require.Equal(t, []string{srv.URL}, d.pool.ConnectedRelays())
	require.True(t, d.msgs.Online())

	alice, err := d.ids.Create(ctx, "alice")
	require.NoError(t, err)
	bob, err := d.ids.Create(ctx, "bob")
	require.NoError(t, err)

	d.mu.Lock()
	require.Len(t, d.discovery, 2, "new identities get profile discovery")
	d.mu.Unlock()

	ab, err := d.contacts.Add(ctx, alice.ID, bob.PublicKey, nil)
	require.NoError(t, err)
	ba, err := d.contacts.Add(ctx, bob.ID, alice.PublicKey, nil)
	require.NoError(t, err)

	_, err = d.msgs.SendMessage(ctx, alice.ID, ab.ID, "hello bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, _, err := d.msgs.ListMessages(ctx, bob.ID, ba.ID, 1, 10)
		return err == nil && len(msgs) == 1 && msgs[0].Content == "hello bob"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, d.ids.Delete(ctx, bob.ID))
	d.mu.Lock()
	_, still := d.discovery[bob.ID]
	d.mu.Unlock()
	require.False(t, still, "deleted identity stops discovery")
}

func TestDaemon_ReconnectsAfterDrop(t *testing.T) {
	prev := reconnectDelay
	reconnectDelay = 20 * time.Millisecond
	t.Cleanup(func() { reconnectDelay = prev })

	srv := relaytest.NewServer()
	t.Cleanup(srv.Close)
	d := startDaemon(t, testConfig(srv.URL))

	var connected atomic.Int32
	d.pool.OnStatusChange(func(s relay.Status) {
		if s.State == relay.StateConnected {
			connected.Add(1)
		}
	})

	srv.DropConnections()
	require.Eventually(t, func() bool {
		return connected.Load() >= 1 && len(d.pool.ConnectedRelays()) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
