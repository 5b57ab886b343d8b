package protocol

import (
	"github.com/nbd-wtf/go-nostr"
)

// InboxFilters builds the filters for everything addressed to pubkey: gift
// wraps unconditionally, legacy DMs only when contacts is non-empty (and then
// only from those authors). since maps kind to a unix-seconds lower bound; a
// missing entry leaves the filter unbounded.
func InboxFilters(pubkey string, contacts []string, since map[int]int64) nostr.Filters {
	filters := nostr.Filters{{
		Kinds: []int{KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
		Since: sinceFor(since, KindGiftWrap),
	}}
	if len(contacts) > 0 {
		filters = append(filters, nostr.Filter{
			Kinds:   []int{KindLegacyDM},
			Authors: contacts,
			Tags:    nostr.TagMap{"p": []string{pubkey}},
			Since:   sinceFor(since, KindLegacyDM),
		})
	}
	return filters
}

// PublicProfileFilter asks for the newest kind 0 event of pubkey.
func PublicProfileFilter(pubkey string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{KindPublicProfile},
		Authors: []string{pubkey},
		Limit:   1,
	}
}

func sinceFor(since map[int]int64, kind int) *nostr.Timestamp {
	v, ok := since[kind]
	if !ok {
		return nil
	}
	ts := nostr.Timestamp(v)
	return &ts
}
