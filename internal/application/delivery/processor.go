// Package delivery implements the queue-delivery engine: it drains the
// persisted gameplay-event queue into the analytics API with at-least-once
// semantics, bounded retries and store-side exponential backoff.
//
// One dispatch loop serves every trigger. A store notification, a
// re-established subscription, and the periodic poll all funnel into the
// same wake channel; each wake runs one sweep over the currently
// deliverable events. The in-flight id set is the loop's only shared
// mutable state and guarantees per-event serialization: no two delivery
// attempts for the same event id ever run concurrently, and an id leaves
// the set only after its attempt fully completes.
//
// The engine holds no durable state. After a crash the next backlog sweep
// reprocesses anything still unsent; delivery is at-least-once, never
// exactly-once.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fluencyhub/fluency-sync/internal/domain/queue"
	"github.com/fluencyhub/fluency-sync/internal/infrastructure/observability"
)

// errMessageLimit caps the error text reported to the store.
const errMessageLimit = 500

// QueueStore is the event-queue persistence surface the processor needs.
type QueueStore interface {
	// ListDeliverable returns unsent events eligible for an attempt now.
	ListDeliverable(ctx context.Context, limit int) ([]queue.Event, error)

	// MarkSent records a successful delivery.
	MarkSent(ctx context.Context, eventID int64) error

	// MarkFailed records a failed attempt; the store increments the
	// attempt counter and schedules the backoff deadline.
	MarkFailed(ctx context.Context, eventID int64, message string) error
}

// Publisher posts one gameplay completion to the analytics API.
type Publisher interface {
	Publish(ctx context.Context, payload queue.Payload) error
}

// Config contains configuration for the Processor.
type Config struct {
	// PollInterval is the self-healing safety net: every tick re-scans
	// for events whose backoff deadline has elapsed, catching any missed
	// notification.
	PollInterval time.Duration

	// BatchSize bounds one sweep.
	BatchSize int

	// Logger for structured logging.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *observability.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
	}
}

// Processor is the delivery engine.
type Processor struct {
	config    Config
	store     QueueStore
	publisher Publisher
	logger    *slog.Logger

	wake chan struct{}

	mu       sync.Mutex
	inFlight map[int64]struct{}

	wg sync.WaitGroup

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewProcessor creates a delivery processor.
func NewProcessor(config Config, store QueueStore, publisher Publisher) *Processor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}

	return &Processor{
		config:    config,
		store:     store,
		publisher: publisher,
		logger:    config.Logger,
		wake:      make(chan struct{}, 1),
		inFlight:  make(map[int64]struct{}),
		now:       time.Now,
	}
}

// Wake schedules a sweep. Never blocks; concurrent wakes coalesce into the
// already-pending one.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight attempts to finish. An initial sweep covers the window before
// the queue subscription comes up.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("delivery loop stopping, draining in-flight attempts")
			p.wg.Wait()
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.sweep(ctx)
	}
}

// sweep lists currently deliverable events and dispatches each one.
func (p *Processor) sweep(ctx context.Context) {
	events, err := p.store.ListDeliverable(ctx, p.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("listing deliverable events failed", "error", err)
		}
		return
	}

	for _, event := range events {
		p.dispatch(ctx, event)
	}
}

// dispatch starts one delivery attempt unless the event is ineligible or
// already in flight.
func (p *Processor) dispatch(ctx context.Context, event queue.Event) {
	// The store query already filters on these, but the check is cheap
	// and the invariant matters: an exhausted event must never reach the
	// network again, whatever handed it to us.
	if !event.Sent && event.Attempts >= queue.MaxAttempts {
		p.logger.Debug("skipping abandoned event", "event_id", event.ID, "attempts", event.Attempts)
		if p.config.Metrics != nil {
			p.config.Metrics.EventsAbandoned.Inc()
		}
		return
	}
	if !event.Deliverable(p.now()) {
		return
	}

	if !p.acquire(event.ID) {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(event.ID)

		// Detach from loop cancellation: a started attempt runs to its
		// own bounded timeouts so its outcome is always reported.
		p.process(context.WithoutCancel(ctx), event)
	}()
}

// process performs one full delivery attempt and reports exactly one
// outcome to the store.
func (p *Processor) process(ctx context.Context, event queue.Event) {
	log := p.logger.With("event_id", event.ID, "learner_id", event.Payload.LearnerID)
	start := p.now()

	if p.config.Metrics != nil {
		p.config.Metrics.EventsInFlight.Inc()
		defer p.config.Metrics.EventsInFlight.Dec()
		defer func() {
			p.config.Metrics.DeliveryLatency.Observe(p.now().Sub(start).Seconds())
		}()
	}

	err := p.publisher.Publish(ctx, event.Payload)
	if err == nil {
		if markErr := p.store.MarkSent(ctx, event.ID); markErr != nil {
			// The POST succeeded but the outcome report did not: the
			// event will be re-delivered later. An inherent
			// at-least-once duplicate, surfaced loudly.
			log.Error("event delivered but mark-sent failed, duplicate delivery expected",
				"error", markErr)
			return
		}
		if p.config.Metrics != nil {
			p.config.Metrics.EventsDelivered.Inc()
		}
		log.Info("event delivered", "attempts", event.Attempts)
		return
	}

	message := truncate(err.Error(), errMessageLimit)
	if markErr := p.store.MarkFailed(ctx, event.ID, message); markErr != nil {
		log.Error("delivery failed and mark-failed also failed", "error", markErr)
		return
	}
	if p.config.Metrics != nil {
		p.config.Metrics.EventsFailed.Inc()
	}
	log.Warn("event delivery failed, backoff scheduled",
		"attempt", event.Attempts+1,
		"max_attempts", queue.MaxAttempts,
		"error", err,
	)
}

// acquire adds the id to the in-flight set unless already present.
func (p *Processor) acquire(eventID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[eventID]; ok {
		return false
	}
	p.inFlight[eventID] = struct{}{}
	return true
}

// release removes the id after the attempt fully completes.
func (p *Processor) release(eventID int64) {
	p.mu.Lock()
	delete(p.inFlight, eventID)
	p.mu.Unlock()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
