// Package note provides the tag-algebra view over a Nostr event that the
// dispatch engine works with: which pubkeys an event touches and which
// earlier events it references.
package note

import (
	"github.com/nbd-wtf/go-nostr"
)

// TagValues extracts the value (second element) of every tag whose first
// element equals kind, preserving tag order. Tags with fewer than two
// elements are skipped; tag content is attacker-controlled and must never
// cause a failure.
func TagValues(event *nostr.Event, kind string) []string {
	values := make([]string, 0)
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == kind {
			values = append(values, tag[1])
		}
	}
	return values
}

// ReferencedPubkeys returns the set of pubkeys tagged in the event ("p" tags).
func ReferencedPubkeys(event *nostr.Event) map[string]struct{} {
	return toSet(TagValues(event, "p"))
}

// ReferencedEventIDs returns the set of event IDs the event references ("e" tags).
func ReferencedEventIDs(event *nostr.Event) map[string]struct{} {
	return toSet(TagValues(event, "e"))
}

// RelevantPubkeys returns the pubkeys directly relevant to the event: every
// tagged pubkey plus the author.
func RelevantPubkeys(event *nostr.Event) map[string]struct{} {
	pubkeys := ReferencedPubkeys(event)
	pubkeys[event.PubKey] = struct{}{}
	return pubkeys
}

// ReferencesPubkey reports whether the event tags the given pubkey.
func ReferencesPubkey(event *nostr.Event, pubkey string) bool {
	_, ok := ReferencedPubkeys(event)[pubkey]
	return ok
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
