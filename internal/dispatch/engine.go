// Package dispatch contains the notification dispatch engine: it decides
// which pubkeys get notified about an event, fans delivery out to their
// devices, and records outcomes so each (event, pubkey) pair is attempted
// at most once.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopush/internal/config"
	"github.com/sandwichfarm/nopush/internal/ops"
	"github.com/sandwichfarm/nopush/internal/storage"
)

// Engine orchestrates resolver, store, mute policy and push gateway for
// one event at a time. It holds no persisted state of its own; the store
// is the single source of truth for "already notified".
type Engine struct {
	store    *storage.Store
	resolver *Resolver
	policy   MutePolicy
	gateway  PushGateway
	logger   *ops.Logger

	freshnessWindow time.Duration
	deliverTimeout  time.Duration
	now             func() time.Time

	queue  chan *nostr.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workers int
}

// New creates a dispatch engine. The store must already be open.
func New(store *storage.Store, policy MutePolicy, gateway PushGateway, cfg *config.Dispatch, logger *ops.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:           store,
		resolver:        NewResolver(store),
		policy:          policy,
		gateway:         gateway,
		logger:          logger.WithComponent("dispatch"),
		freshnessWindow: time.Duration(cfg.FreshnessWindowSeconds) * time.Second,
		deliverTimeout:  time.Duration(cfg.DeliverTimeoutMs) * time.Millisecond,
		now:             time.Now,
		queue:           make(chan *nostr.Event, cfg.QueueSize),
		ctx:             ctx,
		cancel:          cancel,
		workers:         cfg.Workers,
	}
}

// Start launches the worker pool consuming enqueued events.
func (e *Engine) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop cancels in-flight processing and waits for all workers to exit.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Enqueue hands an event to the worker pool without blocking the caller.
// The host's accept/reject decision must never wait on notification
// delivery, so a full queue drops the event with a warning instead of
// applying backpressure.
func (e *Engine) Enqueue(event *nostr.Event) bool {
	select {
	case e.queue <- event:
		return true
	default:
		e.logger.Warn("dispatch queue full, dropping event",
			"event_id", event.ID,
			"queue_size", cap(e.queue))
		return false
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case event := <-e.queue:
			if err := e.Process(e.ctx, event); err != nil {
				// Errors here never reach the host's accept path.
				e.logger.LogDispatch(event.ID, 0, 0, err)
			}
		}
	}
}

// Process computes the notify-set for one event and drives delivery.
// Stale events (older than the freshness window) are a silent no-op: no
// store writes, no gateway calls. Store failures abort processing for this
// event; mute policy failures skip only the affected candidate; gateway
// failures are logged per device and never abort anything.
func (e *Engine) Process(ctx context.Context, event *nostr.Event) error {
	if e.freshnessWindow > 0 && event.CreatedAt.Time().Before(e.now().Add(-e.freshnessWindow)) {
		return nil
	}

	candidates, err := e.resolver.RelevantPubkeys(ctx, event)
	if err != nil {
		return err
	}

	status, err := e.store.NotificationStatus(ctx, event.ID)
	if err != nil {
		return err
	}

	notified := 0
	muted := 0
	for pubkey := range candidates {
		// Authors are never notified of their own events.
		if pubkey == event.PubKey {
			continue
		}
		if status[pubkey] {
			continue
		}

		shouldMute, err := e.policy.ShouldMute(ctx, event, pubkey)
		if err != nil {
			// Fail closed: no delivery, no record. A future related
			// event will consider this pubkey again.
			e.logger.LogMuteCheck(event.ID, pubkey, err)
			continue
		}
		if shouldMute {
			muted++
			continue
		}

		if err := e.notifyPubkey(ctx, event, pubkey); err != nil {
			return err
		}
		notified++
	}

	e.logger.LogDispatch(event.ID, notified, muted, nil)
	return nil
}

// notifyPubkey attempts delivery to every device of one pubkey and then
// records the pair as sent. "Attempted" is the completion signal, not
// "succeeded": per-device failures are logged but the record is written
// regardless, which is what makes the at-most-one-attempt guarantee hold.
// A pubkey with no registered devices still gets a record.
func (e *Engine) notifyPubkey(ctx context.Context, event *nostr.Event, pubkey string) error {
	tokens, err := e.store.DeviceTokensFor(ctx, pubkey)
	if err != nil {
		return err
	}

	n := FormatNotification(event)
	for _, token := range tokens {
		deliverCtx, cancel := context.WithTimeout(ctx, e.deliverTimeout)
		deliverErr := e.gateway.Deliver(deliverCtx, token, n)
		cancel()
		e.logger.LogGatewayDelivery(event.ID, pubkey, token, deliverErr)
	}

	return e.store.RecordNotificationSent(ctx, event.ID, pubkey, e.now())
}
