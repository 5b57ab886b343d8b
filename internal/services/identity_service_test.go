package services

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/require"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/relayconfig"
	"github.com/941design/slim-chat/internal/repo"
	"github.com/941design/slim-chat/internal/secrets"
)

func TestIdentity_CreateImportDuplicate(t *testing.T) {
	h := newHarness(t)
	var createdIDs []string
	h.ids.OnCreate = func(_ context.Context, id string) { createdIDs = append(createdIDs, id) }

	created := h.identity("")
	require.Equal(t, envelope.ShortNpub(created.PublicKey), created.Label, "blank labels default to the npub")

	kp, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	nsec, err := nip19.EncodePrivateKey(kp.Secret)
	require.NoError(t, err)
	imported, err := h.ids.Import(h.ctx, nsec, "imported", nil)
	require.NoError(t, err)
	require.Equal(t, kp.Public, imported.PublicKey)
	require.Equal(t, kp.Secret, h.secret(imported))

	_, err = h.ids.Import(h.ctx, kp.Secret, "again", nil)
	require.ErrorIs(t, err, ErrIdentityExists)
	refs, err := h.ids.Secrets.List(h.ctx)
	require.NoError(t, err)
	require.Len(t, refs, 2, "a rejected import leaves no secret behind")

	_, err = h.ids.Import(h.ctx, "nonsense", "", nil)
	require.ErrorIs(t, err, envelope.ErrInvalidKey)
	require.Equal(t, []string{created.ID, imported.ID}, createdIDs)

	require.NoError(t, h.ids.Rename(h.ctx, imported.ID, " renamed "))
	got, err := h.ids.Get(h.ctx, imported.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Label)
	require.ErrorIs(t, h.ids.Rename(h.ctx, "missing", "x"), ErrIdentityNotFound)
}

func TestIdentity_DeleteCascades(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.identity("alice"), h.identity("bob")
	ab, _ := h.befriend(alice, bob)
	_, err := h.msgs.SendMessage(h.ctx, alice.ID, ab.ID, "queued forever")
	require.NoError(t, err)
	h.tracker.Update(alice.ID, h.srv.URL, 1059, 42)

	var forgotten []string
	h.ids.OnDelete = func(id string) {
		// Per-identity loops still run here and may record a last delivery.
		_, err := h.ids.Get(h.ctx, id)
		require.NoError(t, err, "rows must outlive the release hook")
		h.tracker.Update(id, h.srv.URL, 1059, 99)
		forgotten = append(forgotten, id)
	}

	require.NoError(t, h.ids.Delete(h.ctx, alice.ID))
	require.Equal(t, []string{alice.ID}, forgotten)
	require.NoError(t, h.tracker.Flush(h.ctx))
	var states int64
	require.NoError(t, h.db.Model(&domain.RelaySyncState{}).Where("identity_id = ?", alice.ID).Count(&states).Error)
	require.Zero(t, states, "no sync state may survive the identity")

	_, err = h.ids.Get(h.ctx, alice.ID)
	require.ErrorIs(t, err, ErrIdentityNotFound)
	n, err := repo.CountMessages(h.ctx, h.db, alice.ID, ab.ID)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = h.ids.Secrets.Get(h.ctx, alice.SecretRef)
	require.ErrorIs(t, err, secrets.ErrNotFound)
	mark, err := h.tracker.MinTimestampForKind(h.ctx, alice.ID, 1059)
	require.NoError(t, err)
	require.Nil(t, mark)

	// Bob is untouched.
	require.Equal(t, bob.PublicKey, h.secretPub(bob))
	require.ErrorIs(t, h.ids.Delete(h.ctx, alice.ID), ErrIdentityNotFound)
}

func (h *harness) secretPub(ident *domain.Identity) string {
	pk, err := envelope.PublicKeyOf(h.secret(ident))
	require.NoError(h.t, err)
	return pk
}

func TestIdentity_SetRelays(t *testing.T) {
	h := newHarness(t)
	files, err := relayconfig.New(t.TempDir())
	require.NoError(t, err)
	h.ids.RelayFiles = files
	var changed []string
	h.ids.OnRelaysChange = func(_ context.Context, id string) { changed = append(changed, id) }
	alice := h.identity("alice")

	relays, hash, err := h.ids.Relays(h.ctx, alice.ID)
	require.NoError(t, err)
	require.Empty(t, relays)
	require.Empty(t, hash)

	hash, err = h.ids.SetRelays(h.ctx, alice.ID, []domain.RelayEndpoint{
		{URL: " wss://a.example/ "}, {URL: "wss://b.example", Read: true}, {URL: "  "},
	}, "")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	relays, got, err := h.ids.Relays(h.ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, hash, got)
	require.Equal(t, []domain.RelayEndpoint{
		{URL: "wss://a.example", Read: true, Write: true},
		{URL: "wss://b.example", Read: true},
	}, relays)

	// A stale hash is rejected.
	_, err = h.ids.SetRelays(h.ctx, alice.ID, nil, "stale")
	require.ErrorIs(t, err, relayconfig.ErrConflict)
	require.Equal(t, []string{alice.ID}, changed, "rejected update does not notify")

	h.tracker.Update(alice.ID, "wss://a.example", 1059, 10)
	h.tracker.Update(alice.ID, "wss://b.example", 1059, 20)
	_, err = h.ids.SetRelays(h.ctx, alice.ID, []domain.RelayEndpoint{{URL: "wss://b.example", Read: true}}, hash)
	require.NoError(t, err)
	mark, err := h.tracker.MinTimestampForKind(h.ctx, alice.ID, 1059)
	require.NoError(t, err)
	require.Equal(t, int64(20), *mark, "dropped relay forgets its sync state")

	row, err := repo.GetIdentity(h.ctx, h.db, alice.ID)
	require.NoError(t, err)
	require.Len(t, row.Relays, 1)
}

type failingSecrets struct{ secrets.Store }

func (failingSecrets) Save(context.Context, string, string) (string, error) {
	return "", context.DeadlineExceeded
}

func TestIdentity_SecretStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.ids.Secrets = failingSecrets{secrets.NewMemory()}
	_, err := h.ids.Create(h.ctx, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	all, err := h.ids.List(h.ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}
