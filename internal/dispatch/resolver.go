package dispatch

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopush/internal/note"
	"github.com/sandwichfarm/nopush/internal/storage"
)

// Resolver computes the full set of pubkeys relevant to an event.
type Resolver struct {
	store *storage.Store
}

// NewResolver creates a resolver backed by the notification store.
func NewResolver(store *storage.Store) *Resolver {
	return &Resolver{store: store}
}

// RelevantPubkeys starts from the event's own relevant pubkeys (tagged
// pubkeys plus the author) and unions in everyone who holds a notification
// record for any event this one references. That extends relevance exactly
// one hop along reply/reference edges: a pubkey that engaged with an
// ancestor is relevant even when not tagged here. No recursion — one store
// lookup per referenced id keeps the cost bounded.
func (r *Resolver) RelevantPubkeys(ctx context.Context, event *nostr.Event) (map[string]struct{}, error) {
	relevant := note.RelevantPubkeys(event)

	for eventID := range note.ReferencedEventIDs(event) {
		subscribed, err := r.store.PubkeysSubscribedToEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}
		for _, pubkey := range subscribed {
			relevant[pubkey] = struct{}{}
		}
	}

	return relevant, nil
}
