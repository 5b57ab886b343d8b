// Package envelope implements the cryptographic layers of the client: key
// handling, legacy NIP-04 direct messages, the seal / gift-wrap onion used
// for private DMs and private profiles, and private profile events.
//
// Rumors (the innermost payload of a gift wrap) are unsigned by protocol
// design. Unwrap treats a successful decrypt plus a valid seal signature by
// the same key that authored the rumor as the only authenticity signal.
package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Sentinel errors returned by this package.
var (
	ErrInvalidKey     = errors.New("invalid key")
	ErrDecrypt        = errors.New("decryption failed")
	ErrNotAddressed   = errors.New("gift wrap not addressed to this key")
	ErrInvalidSeal    = errors.New("invalid seal")
	ErrSenderMismatch = errors.New("rumor author does not match seal signer")
)

// KeyPair is a hex-encoded secp256k1 keypair.
type KeyPair struct {
	Secret string
	Public string
}

// GenerateKeyPair returns a fresh random keypair.
func GenerateKeyPair() (KeyPair, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return KeyPair{Secret: sk, Public: pk}, nil
}

// ParseSecretKey accepts a 64-char hex key or an nsec bech32 string and
// returns the hex form.
func ParseSecretKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		prefix, v, err := nip19.Decode(s)
		if err != nil || prefix != "nsec" {
			return "", fmt.Errorf("%w: bad nsec", ErrInvalidKey)
		}
		hexKey, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%w: bad nsec payload", ErrInvalidKey)
		}
		s = hexKey
	}
	s = strings.ToLower(s)
	if len(s) != 64 {
		return "", fmt.Errorf("%w: secret key must be 32 bytes", ErrInvalidKey)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if _, err := nostr.GetPublicKey(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return s, nil
}

// PublicKeyOf derives the hex public key of a hex secret key.
func PublicKeyOf(secret string) (string, error) {
	pk, err := nostr.GetPublicKey(secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pk, nil
}

// ParsePublicKey accepts a 64-char hex x-only key or an npub bech32 string,
// checks that it is a point on the curve, and returns the hex form.
func ParsePublicKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, v, err := nip19.Decode(s)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("%w: bad npub", ErrInvalidKey)
		}
		hexKey, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%w: bad npub payload", ErrInvalidKey)
		}
		s = hexKey
	}
	s = strings.ToLower(s)
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%w: public key must be 32 bytes hex", ErrInvalidKey)
	}
	if _, err := schnorr.ParsePubKey(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return s, nil
}

// ShortNpub renders pubkey as a truncated npub ("npub1abcdefgh…wxyz") for
// display. Unencodable input is truncated as-is.
func ShortNpub(pubkey string) string {
	s, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		s = pubkey
	}
	if len(s) <= 16 {
		return s
	}
	return s[:12] + "…" + s[len(s)-4:]
}
