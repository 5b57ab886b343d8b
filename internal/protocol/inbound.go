package protocol

import (
	"github.com/nbd-wtf/go-nostr"
)

// Inbound is a relay event classified by kind. The set of implementations is
// closed: GiftWrap, LegacyDM, PublicProfile and Unhandled.
type Inbound interface {
	Raw() *nostr.Event
	inbound()
}

// GiftWrap is a kind 1059 event addressed to Recipient.
type GiftWrap struct {
	Event     *nostr.Event
	Recipient string
}

// LegacyDM is a kind 4 NIP-04 direct message.
type LegacyDM struct {
	Event     *nostr.Event
	Sender    string
	Recipient string
}

// PublicProfile is a kind 0 metadata event.
type PublicProfile struct {
	Event *nostr.Event
}

// Unhandled is any event whose kind the router does not process.
type Unhandled struct {
	Event *nostr.Event
}

func (g GiftWrap) Raw() *nostr.Event      { return g.Event }
func (l LegacyDM) Raw() *nostr.Event      { return l.Event }
func (p PublicProfile) Raw() *nostr.Event { return p.Event }
func (u Unhandled) Raw() *nostr.Event     { return u.Event }

func (GiftWrap) inbound()      {}
func (LegacyDM) inbound()      {}
func (PublicProfile) inbound() {}
func (Unhandled) inbound()     {}

// Classify maps a relay event onto its Inbound variant. Events missing the
// tags their kind requires are reported as Unhandled.
func Classify(evt *nostr.Event) Inbound {
	switch evt.Kind {
	case KindGiftWrap:
		p := TagValue(evt.Tags, "p")
		if p == "" {
			return Unhandled{Event: evt}
		}
		return GiftWrap{Event: evt, Recipient: p}
	case KindLegacyDM:
		p := TagValue(evt.Tags, "p")
		if p == "" {
			return Unhandled{Event: evt}
		}
		return LegacyDM{Event: evt, Sender: evt.PubKey, Recipient: p}
	case KindPublicProfile:
		return PublicProfile{Event: evt}
	default:
		return Unhandled{Event: evt}
	}
}
