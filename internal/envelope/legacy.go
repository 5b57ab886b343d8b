package envelope

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/941design/slim-chat/internal/protocol"
)

// EncryptLegacyDM builds and signs a kind 4 event carrying plaintext for
// recipientPub, encrypted under the NIP-04 shared secret.
func EncryptLegacyDM(senderSK, recipientPub, plaintext string, at nostr.Timestamp) (nostr.Event, error) {
	shared, err := nip04.ComputeSharedSecret(recipientPub, senderSK)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	ciphertext, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("nip04 encrypt: %w", err)
	}
	senderPub, err := PublicKeyOf(senderSK)
	if err != nil {
		return nostr.Event{}, err
	}
	evt := nostr.Event{
		PubKey:    senderPub,
		CreatedAt: at,
		Kind:      protocol.KindLegacyDM,
		Tags:      nostr.Tags{{"p", recipientPub}},
		Content:   ciphertext,
	}
	if err := evt.Sign(senderSK); err != nil {
		return nostr.Event{}, fmt.Errorf("sign kind 4: %w", err)
	}
	return evt, nil
}

// DecryptLegacyDM decrypts a kind 4 event with ownSK. The counterparty is
// the event author, or the p-tagged recipient when we authored it.
func DecryptLegacyDM(ownSK string, evt *nostr.Event) (string, error) {
	ownPub, err := PublicKeyOf(ownSK)
	if err != nil {
		return "", err
	}
	peer := evt.PubKey
	if peer == ownPub {
		peer = protocol.TagValue(evt.Tags, "p")
	}
	shared, err := nip04.ComputeSharedSecret(peer, ownSK)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := nip04.Decrypt(evt.Content, shared)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
