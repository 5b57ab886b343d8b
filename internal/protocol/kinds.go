// Package protocol names the Nostr event kinds this client speaks and turns
// raw relay events into a closed set of typed variants for the router.
package protocol

import (
	"github.com/nbd-wtf/go-nostr"
)

// Kinds seen at the relay pool boundary.
const (
	KindPublicProfile = 0
	KindLegacyDM      = 4
	KindGiftWrap      = 1059
)

// Kinds that only ever appear inside an unwrapped gift wrap.
const (
	KindSeal           = 13
	KindPrivateDM      = 14
	KindPrivateProfile = 30078
	KindPeerSignal     = 25050
)

// PrivateProfileDTag is the d-tag value of private profile events.
const PrivateProfileDTag = "private-profile"

// TagValue returns the first value of the first tag named name, or "".
func TagValue(tags nostr.Tags, name string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// KindName is used for log fields and metric labels.
func KindName(kind int) string {
	switch kind {
	case KindPublicProfile:
		return "public_profile"
	case KindLegacyDM:
		return "legacy_dm"
	case KindGiftWrap:
		return "gift_wrap"
	case KindSeal:
		return "seal"
	case KindPrivateDM:
		return "private_dm"
	case KindPrivateProfile:
		return "private_profile"
	case KindPeerSignal:
		return "peer_signal"
	default:
		return "other"
	}
}
