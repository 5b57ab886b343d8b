package envelope

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/941design/slim-chat/internal/protocol"
)

// MaxTimestampJitter bounds how far seal and wrap timestamps are pushed into
// the past. It stays below the sync clock-skew buffer so sparse polling with
// since = last - 60s never skips a wrap.
const MaxTimestampJitter = 30 * time.Second

// Unwrapped is the result of opening a gift wrap.
type Unwrapped struct {
	// Rumor is the unsigned inner event.
	Rumor nostr.Event
	// Sender is the seal signer, equal to Rumor.PubKey.
	Sender string
	// WrapID is the id of the outer kind 1059 event.
	WrapID string
}

// NewRumor builds an unsigned event authored by authorPub. The id is filled
// in; Sig stays empty.
func NewRumor(authorPub string, kind int, content string, tags nostr.Tags, at nostr.Timestamp) nostr.Event {
	if tags == nil {
		tags = nostr.Tags{}
	}
	r := nostr.Event{
		PubKey:    authorPub,
		CreatedAt: at,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	r.ID = r.GetID()
	return r
}

// Seal encrypts rumor for recipientPub under the sender's conversation key
// and signs the resulting kind 13 event with senderSK.
func Seal(rumor nostr.Event, senderSK, recipientPub string) (nostr.Event, error) {
	rumor.Sig = ""
	payload, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("marshal rumor: %w", err)
	}
	ck, err := nip44.GenerateConversationKey(recipientPub, senderSK)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	ciphertext, err := nip44.Encrypt(string(payload), ck)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nip44 encrypt seal: %w", err)
	}
	senderPub, err := PublicKeyOf(senderSK)
	if err != nil {
		return nostr.Event{}, err
	}
	seal := nostr.Event{
		PubKey:    senderPub,
		CreatedAt: jittered(nostr.Now()),
		Kind:      protocol.KindSeal,
		Tags:      nostr.Tags{},
		Content:   ciphertext,
	}
	if err := seal.Sign(senderSK); err != nil {
		return nostr.Event{}, fmt.Errorf("sign seal: %w", err)
	}
	return seal, nil
}

// Wrap encrypts seal under a one-time keypair and addresses the kind 1059
// result to recipientPub. The one-time secret is discarded on return.
func Wrap(seal nostr.Event, recipientPub string) (nostr.Event, error) {
	ephemeral := nostr.GeneratePrivateKey()
	ephemeralPub, err := PublicKeyOf(ephemeral)
	if err != nil {
		return nostr.Event{}, err
	}
	payload, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("marshal seal: %w", err)
	}
	ck, err := nip44.GenerateConversationKey(recipientPub, ephemeral)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	ciphertext, err := nip44.Encrypt(string(payload), ck)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nip44 encrypt wrap: %w", err)
	}
	wrap := nostr.Event{
		PubKey:    ephemeralPub,
		CreatedAt: jittered(nostr.Now()),
		Kind:      protocol.KindGiftWrap,
		Tags:      nostr.Tags{{"p", recipientPub}},
		Content:   ciphertext,
	}
	if err := wrap.Sign(ephemeral); err != nil {
		return nostr.Event{}, fmt.Errorf("sign wrap: %w", err)
	}
	return wrap, nil
}

// GiftWrap seals rumor from senderSK and wraps it for recipientPub.
func GiftWrap(rumor nostr.Event, senderSK, recipientPub string) (nostr.Event, error) {
	seal, err := Seal(rumor, senderSK, recipientPub)
	if err != nil {
		return nostr.Event{}, err
	}
	return Wrap(seal, recipientPub)
}

// Unwrap opens a gift wrap with the recipient's secret key.
//
// Checks, in order: the wrap is p-tagged to us, the wrap decrypts to a
// validly signed kind 13 seal, the seal decrypts to a rumor, and the rumor
// author equals the seal signer.
func Unwrap(wrap *nostr.Event, recipientSK string) (*Unwrapped, error) {
	if wrap.Kind != protocol.KindGiftWrap {
		return nil, fmt.Errorf("%w: kind %d is not a gift wrap", ErrDecrypt, wrap.Kind)
	}
	ownPub, err := PublicKeyOf(recipientSK)
	if err != nil {
		return nil, err
	}
	if protocol.TagValue(wrap.Tags, "p") != ownPub {
		return nil, ErrNotAddressed
	}

	wck, err := nip44.GenerateConversationKey(wrap.PubKey, recipientSK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	sealJSON, err := nip44.Decrypt(wrap.Content, wck)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap: %v", ErrDecrypt, err)
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}
	if seal.Kind != protocol.KindSeal {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidSeal, seal.Kind)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidSeal)
	}

	sck, err := nip44.GenerateConversationKey(seal.PubKey, recipientSK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	rumorJSON, err := nip44.Decrypt(seal.Content, sck)
	if err != nil {
		return nil, fmt.Errorf("%w: seal: %v", ErrDecrypt, err)
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nil, fmt.Errorf("%w: rumor: %v", ErrDecrypt, err)
	}
	if rumor.PubKey != seal.PubKey {
		return nil, ErrSenderMismatch
	}
	// The id is recomputed: a rumor cannot claim another event's id.
	rumor.ID = rumor.GetID()
	return &Unwrapped{Rumor: rumor, Sender: seal.PubKey, WrapID: wrap.ID}, nil
}

func jittered(now nostr.Timestamp) nostr.Timestamp {
	max := int64(MaxTimestampJitter / time.Second)
	return now - nostr.Timestamp(rand.Int64N(max))
}
