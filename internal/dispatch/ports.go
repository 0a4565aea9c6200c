package dispatch

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// MutePolicy decides whether a candidate pubkey should be suppressed for
// an event. Evaluation errors are surfaced, never treated as a decision:
// the engine skips the candidate without recording anything, so a future
// related event retries it.
type MutePolicy interface {
	ShouldMute(ctx context.Context, event *nostr.Event, pubkey string) (bool, error)
}

// Notification is one formatted push message plus the event it was formatted
// from, which travels along for client-side deep-linking.
type Notification struct {
	Title    string
	Subtitle string
	Body     string
	Event    *nostr.Event
}

// PushGateway delivers one notification to one device token. Implementations
// must respect the context deadline; the engine bounds every call.
type PushGateway interface {
	Deliver(ctx context.Context, deviceToken string, n Notification) error
}

const notificationTitle = "New activity"

// FormatNotification builds the push message for an event: fixed title,
// author in the subtitle, raw content as the body.
func FormatNotification(event *nostr.Event) Notification {
	return Notification{
		Title:    notificationTitle,
		Subtitle: "From: " + event.PubKey,
		Body:     event.Content,
		Event:    event,
	}
}
