// Package mute implements the production mute policy: each candidate's
// mute list (kind 10000) is fetched from a relay and checked against the
// event being dispatched.
package mute

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopush/internal/config"
	"github.com/sandwichfarm/nopush/internal/note"
	"github.com/sandwichfarm/nopush/internal/ops"
)

// RelayPolicy queries mute lists over a relay connection and caches them
// briefly. Fetch failures surface as errors so the dispatch engine can
// fail closed instead of guessing.
type RelayPolicy struct {
	relays  []string
	ttl     time.Duration
	timeout time.Duration
	logger  *ops.Logger
	now     func() time.Time

	// fetch is swappable in tests; the default queries the relay pool.
	fetch func(ctx context.Context, pubkey string) (*nostr.Event, error)

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	list      *muteList
	expiresAt time.Time
}

// NewRelayPolicy creates a mute policy backed by the configured relay.
func NewRelayPolicy(ctx context.Context, cfg *config.Mute, logger *ops.Logger) *RelayPolicy {
	pool := nostr.NewSimplePool(ctx)
	relays := []string{cfg.RelayURL}

	p := &RelayPolicy{
		relays:  relays,
		ttl:     time.Duration(cfg.CacheTTLSeconds) * time.Second,
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		logger:  logger.WithComponent("mute"),
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
	p.fetch = func(fetchCtx context.Context, pubkey string) (*nostr.Event, error) {
		queryCtx, cancel := context.WithTimeout(fetchCtx, p.timeout)
		defer cancel()

		result := pool.QuerySingle(queryCtx, relays, nostr.Filter{
			Authors: []string{pubkey},
			Kinds:   []int{nostr.KindMuteList},
			Limit:   1,
		})
		if result == nil || result.Event == nil {
			// No result after an expired context means the relay never
			// answered; report the failure rather than silently treating
			// it as an empty list. A clean EOSE with no event is the
			// only trustworthy "no list published" signal.
			if queryCtx.Err() != nil {
				return nil, fmt.Errorf("failed to fetch mute list for %s: %w", pubkey, queryCtx.Err())
			}
			return nil, nil
		}
		return result.Event, nil
	}
	return p
}

// ShouldMute reports whether the candidate pubkey has muted the event's
// author, its thread, one of its hashtags, or a word in its content.
func (p *RelayPolicy) ShouldMute(ctx context.Context, event *nostr.Event, pubkey string) (bool, error) {
	list, err := p.listFor(ctx, pubkey)
	if err != nil {
		return false, err
	}
	return list.matches(event), nil
}

func (p *RelayPolicy) listFor(ctx context.Context, pubkey string) (*muteList, error) {
	p.mu.Lock()
	if entry, ok := p.cache[pubkey]; ok && p.now().Before(entry.expiresAt) {
		p.mu.Unlock()
		return entry.list, nil
	}
	p.mu.Unlock()

	listEvent, err := p.fetch(ctx, pubkey)
	if err != nil {
		return nil, err
	}

	list := parseMuteList(listEvent)
	p.logger.Debug("refreshed mute list",
		"pubkey", pubkey,
		"found", listEvent != nil)

	p.mu.Lock()
	p.cache[pubkey] = cacheEntry{list: list, expiresAt: p.now().Add(p.ttl)}
	p.mu.Unlock()

	return list, nil
}

// muteList is the parsed form of one kind-10000 event. A nil source event
// parses to an empty list that mutes nothing.
type muteList struct {
	pubkeys  map[string]struct{}
	eventIDs map[string]struct{}
	hashtags map[string]struct{}
	words    []string
}

func parseMuteList(event *nostr.Event) *muteList {
	list := &muteList{
		pubkeys:  make(map[string]struct{}),
		eventIDs: make(map[string]struct{}),
		hashtags: make(map[string]struct{}),
	}
	if event == nil {
		return list
	}

	for _, pk := range note.TagValues(event, "p") {
		list.pubkeys[pk] = struct{}{}
	}
	for _, id := range note.TagValues(event, "e") {
		list.eventIDs[id] = struct{}{}
	}
	for _, tag := range note.TagValues(event, "t") {
		list.hashtags[strings.ToLower(tag)] = struct{}{}
	}
	for _, word := range note.TagValues(event, "word") {
		if word != "" {
			list.words = append(list.words, strings.ToLower(word))
		}
	}
	return list
}

func (l *muteList) matches(event *nostr.Event) bool {
	if _, ok := l.pubkeys[event.PubKey]; ok {
		return true
	}
	if _, ok := l.eventIDs[event.ID]; ok {
		return true
	}
	for id := range note.ReferencedEventIDs(event) {
		if _, ok := l.eventIDs[id]; ok {
			return true
		}
	}
	if len(l.hashtags) > 0 {
		for _, tag := range note.TagValues(event, "t") {
			if _, ok := l.hashtags[strings.ToLower(tag)]; ok {
				return true
			}
		}
	}
	if len(l.words) > 0 {
		content := strings.ToLower(event.Content)
		for _, word := range l.words {
			if strings.Contains(content, word) {
				return true
			}
		}
	}
	return false
}
