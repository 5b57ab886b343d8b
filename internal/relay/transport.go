package relay

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Conn is one live relay connection.
type Conn interface {
	Publish(ctx context.Context, evt nostr.Event) error
	Subscribe(ctx context.Context, filters nostr.Filters) (Stream, error)
	// Done is closed when the connection drops.
	Done() <-chan struct{}
	Close() error
}

// Stream is an open REQ on one relay.
type Stream interface {
	Events() <-chan *nostr.Event
	// EOSE is signalled once stored events have been sent.
	EOSE() <-chan struct{}
	Close()
}

// Dialer opens relay connections. NostrDialer is the production
// implementation; tests substitute in-memory fakes.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NostrDialer dials relays with go-nostr's websocket client.
type NostrDialer struct{}

func (NostrDialer) Dial(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return &nostrConn{r: r}, nil
}

type nostrConn struct {
	r *nostr.Relay
}

func (c *nostrConn) Publish(ctx context.Context, evt nostr.Event) error {
	return c.r.Publish(ctx, evt)
}

func (c *nostrConn) Subscribe(ctx context.Context, filters nostr.Filters) (Stream, error) {
	sub, err := c.r.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return &nostrStream{sub: sub}, nil
}

func (c *nostrConn) Done() <-chan struct{} { return c.r.Context().Done() }

func (c *nostrConn) Close() error { return c.r.Close() }

type nostrStream struct {
	sub *nostr.Subscription
}

func (s *nostrStream) Events() <-chan *nostr.Event { return s.sub.Events }
func (s *nostrStream) EOSE() <-chan struct{}       { return s.sub.EndOfStoredEvents }
func (s *nostrStream) Close()                      { s.sub.Unsub() }
