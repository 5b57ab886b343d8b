package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/require"

	"github.com/941design/slim-chat/internal/protocol"
)

func mustPair(t *testing.T) KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestParseKeys(t *testing.T) {
	kp := mustPair(t)

	nsec, err := nip19.EncodePrivateKey(kp.Secret)
	require.NoError(t, err)
	sk, err := ParseSecretKey(nsec)
	require.NoError(t, err)
	require.Equal(t, kp.Secret, sk)

	npub, err := nip19.EncodePublicKey(kp.Public)
	require.NoError(t, err)
	pk, err := ParsePublicKey(npub)
	require.NoError(t, err)
	require.Equal(t, kp.Public, pk)

	pk, err = ParsePublicKey("  " + kp.Public + " ")
	require.NoError(t, err)
	require.Equal(t, kp.Public, pk)

	for _, bad := range []string{"", "abc", "npub1garbage", kp.Public[:62]} {
		_, err := ParsePublicKey(bad)
		require.ErrorIs(t, err, ErrInvalidKey, bad)
	}
	_, err = ParseSecretKey("zz" + kp.Secret[2:])
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestShortNpub(t *testing.T) {
	kp := mustPair(t)
	s := ShortNpub(kp.Public)
	require.Contains(t, s, "…")
	require.Equal(t, "npub1", s[:5])
	require.Equal(t, "short", ShortNpub("short"))
}

func TestLegacyDM_RoundTrip(t *testing.T) {
	alice, bob := mustPair(t), mustPair(t)

	evt, err := EncryptLegacyDM(alice.Secret, bob.Public, "hello bob", nostr.Now())
	require.NoError(t, err)
	require.Equal(t, protocol.KindLegacyDM, evt.Kind)
	require.Equal(t, bob.Public, protocol.TagValue(evt.Tags, "p"))
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, evt.Content, "hello bob")

	got, err := DecryptLegacyDM(bob.Secret, &evt)
	require.NoError(t, err)
	require.Equal(t, "hello bob", got)

	// The author can read its own copy back.
	got, err = DecryptLegacyDM(alice.Secret, &evt)
	require.NoError(t, err)
	require.Equal(t, "hello bob", got)

	// CBC padding can occasionally survive a wrong key; the plaintext cannot.
	eve := mustPair(t)
	got, err = DecryptLegacyDM(eve.Secret, &evt)
	if err == nil {
		require.NotEqual(t, "hello bob", got)
	} else {
		require.ErrorIs(t, err, ErrDecrypt)
	}
}

func TestGiftWrap_RoundTrip(t *testing.T) {
	alice, bob := mustPair(t), mustPair(t)
	now := nostr.Now()

	rumor := NewRumor(alice.Public, protocol.KindPrivateDM, "secret hi", nostr.Tags{{"p", bob.Public}}, now)
	require.Empty(t, rumor.Sig)
	require.Equal(t, rumor.GetID(), rumor.ID)

	wrap, err := GiftWrap(rumor, alice.Secret, bob.Public)
	require.NoError(t, err)
	require.Equal(t, protocol.KindGiftWrap, wrap.Kind)
	require.NotEqual(t, alice.Public, wrap.PubKey, "wrap must not reveal the sender")
	require.Equal(t, bob.Public, protocol.TagValue(wrap.Tags, "p"))
	require.LessOrEqual(t, int64(now-wrap.CreatedAt), int64(MaxTimestampJitter.Seconds()))

	out, err := Unwrap(&wrap, bob.Secret)
	require.NoError(t, err)
	require.Equal(t, alice.Public, out.Sender)
	require.Equal(t, wrap.ID, out.WrapID)
	require.Equal(t, "secret hi", out.Rumor.Content)
	require.Equal(t, rumor.ID, out.Rumor.ID)
	require.Equal(t, protocol.KindPrivateDM, out.Rumor.Kind)
}

func TestGiftWrap_FreshEphemeralKeyPerWrap(t *testing.T) {
	alice, bob := mustPair(t), mustPair(t)
	rumor := NewRumor(alice.Public, protocol.KindPrivateDM, "x", nil, nostr.Now())

	w1, err := GiftWrap(rumor, alice.Secret, bob.Public)
	require.NoError(t, err)
	w2, err := GiftWrap(rumor, alice.Secret, bob.Public)
	require.NoError(t, err)
	require.NotEqual(t, w1.PubKey, w2.PubKey)
	require.NotEqual(t, w1.ID, w2.ID)

	u1, err := Unwrap(&w1, bob.Secret)
	require.NoError(t, err)
	u2, err := Unwrap(&w2, bob.Secret)
	require.NoError(t, err)
	require.Equal(t, u1.Rumor.ID, u2.Rumor.ID, "rumor id is stable across re-wraps")
}

func TestUnwrap_Rejections(t *testing.T) {
	alice, bob, eve := mustPair(t), mustPair(t), mustPair(t)
	rumor := NewRumor(alice.Public, protocol.KindPrivateDM, "x", nil, nostr.Now())
	wrap, err := GiftWrap(rumor, alice.Secret, bob.Public)
	require.NoError(t, err)

	t.Run("wrong recipient", func(t *testing.T) {
		_, err := Unwrap(&wrap, eve.Secret)
		require.ErrorIs(t, err, ErrNotAddressed)
	})

	t.Run("retagged to another key", func(t *testing.T) {
		w := wrap
		w.Tags = nostr.Tags{{"p", eve.Public}}
		_, err := Unwrap(&w, eve.Secret)
		require.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		w := wrap
		b := []byte(w.Content)
		b[len(b)/2] ^= 0x01
		w.Content = string(b)
		_, err := Unwrap(&w, bob.Secret)
		require.Error(t, err)
	})

	t.Run("not a gift wrap", func(t *testing.T) {
		w := wrap
		w.Kind = protocol.KindLegacyDM
		_, err := Unwrap(&w, bob.Secret)
		require.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("rumor author differs from seal signer", func(t *testing.T) {
		forged := NewRumor(eve.Public, protocol.KindPrivateDM, "spoof", nil, nostr.Now())
		w, err := GiftWrap(forged, alice.Secret, bob.Public)
		require.NoError(t, err)
		_, err = Unwrap(&w, bob.Secret)
		require.True(t, errors.Is(err, ErrSenderMismatch), "got %v", err)
	})
}

func TestProfileHash_OrderIndependentAndIgnoresBlanks(t *testing.T) {
	a := ProfileContent{Name: "alice", About: "hi", Website: "https://a.example"}
	b := ProfileContent{Website: "https://a.example", About: "hi", Name: "alice", Picture: "  "}
	require.Equal(t, ProfileHash(a), ProfileHash(b))

	c := a
	c.About = "hello"
	require.NotEqual(t, ProfileHash(a), ProfileHash(c))
	require.Len(t, ProfileHash(a), 64)
}

func TestProfileContent_ValidateAndNormalize(t *testing.T) {
	p := ProfileContent{Name: "  Amélie  ", Website: "https://example.org"}.Normalize()
	require.Equal(t, "Amélie", p.Name)
	require.NoError(t, p.Validate())

	var ve *ValidationError
	err := ProfileContent{Picture: "ftp://x"}.Validate()
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "picture", ve.Field)

	err = ProfileContent{Nip05: "nope"}.Validate()
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "nip05", ve.Field)

	require.Equal(t, "Disp", ProfileContent{Name: "n", DisplayName: "Disp"}.PreferredName())
	require.Equal(t, "n", ProfileContent{Name: "n", DisplayName: " "}.PreferredName())
	require.True(t, ProfileContent{About: "  "}.IsEmpty())
}

func TestParseProfileContent(t *testing.T) {
	p, err := ParseProfileContent(`{"name":" bob ","display_name":"Bobby","extra":1}`)
	require.NoError(t, err)
	require.Equal(t, "bob", p.Name)
	require.Equal(t, "Bobby", p.PreferredName())

	for _, bad := range []string{"", "[]", "not json", `{"name":5}`, `"str"`} {
		_, err := ParseProfileContent(bad)
		require.Error(t, err, bad)
	}
}

func TestBuildPrivateProfileEvent(t *testing.T) {
	alice, bob := mustPair(t), mustPair(t)
	evt, err := BuildPrivateProfileEvent(alice.Secret, ProfileContent{Name: "alice"}, nostr.Now())
	require.NoError(t, err)
	require.Equal(t, protocol.KindPrivateProfile, evt.Kind)
	require.Equal(t, protocol.PrivateProfileDTag, protocol.TagValue(evt.Tags, "d"))
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(evt.Content), &body))
	require.Equal(t, map[string]string{"name": "alice"}, body)

	// Profiles travel inside a gift wrap like any rumor.
	wrap, err := GiftWrap(evt, alice.Secret, bob.Public)
	require.NoError(t, err)
	out, err := Unwrap(&wrap, bob.Secret)
	require.NoError(t, err)
	require.Equal(t, protocol.KindPrivateProfile, out.Rumor.Kind)
	require.Empty(t, out.Rumor.Sig)
}
