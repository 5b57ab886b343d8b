package services

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/relay"
)

// Relays is the part of relay.Pool the services use.
type Relays interface {
	Publish(ctx context.Context, evt nostr.Event) []relay.PublishResult
	Subscribe(ctx context.Context, filters nostr.Filters, onEvent func(relay.Incoming)) *relay.Subscription
	QuerySync(ctx context.Context, filters nostr.Filters, maxWait time.Duration) ([]*nostr.Event, error)
	ConnectedRelays() []string
}

// KeyRing resolves the hex secret key of an identity.
type KeyRing interface {
	SecretKey(ctx context.Context, identityID string) (string, error)
}

// ProfileNotifier receives "profile updated" notifications. notify.Hub
// implements it.
type ProfileNotifier interface {
	ProfileUpdated(pubkey string, source domain.ProfileSource)
}

const defaultQueryMaxWait = 5 * time.Second
