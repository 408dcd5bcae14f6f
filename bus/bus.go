package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcwell/maestro"
)

// Defaults for bus construction. Override with options.
const (
	DefaultMaxQueueSize   = 10_000
	DefaultPublishTimeout = 500 * time.Millisecond
	DefaultHandlerTimeout = 5 * time.Second
	DefaultBreakThreshold = 5
	DefaultBreakCooldown  = 30 * time.Second
)

// subscription pairs a named subscriber with its handler and breaker.
type subscription struct {
	name    string
	handler Handler
	health  *health
}

// Bus is a bounded in-process publish/subscribe channel. Publishers
// block up to a configurable timeout when the queue is full, then fail
// with maestro.ErrBusOverloaded. A single background goroutine drains
// the queue and dispatches each event to the subscribers registered
// for its type, in registration order, each guarded by a per-handler
// timeout and a circuit breaker.
//
// Construct one per process and inject it into every component that
// needs it; the bus holds no global state.
type Bus struct {
	logger *slog.Logger

	queue chan *Event

	mu   sync.RWMutex
	subs map[EventType][]*subscription

	publishTimeout time.Duration
	handlerTimeout time.Duration
	breakThreshold int
	breakCooldown  time.Duration

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopped   atomic.Bool

	// pubMu holds publishers open against Stop: a Publish that passed
	// the stopped check completes its enqueue before Stop's drain
	// begins, so no accepted event is ever stranded.
	pubMu sync.RWMutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxQueueSize bounds the publish queue.
func WithMaxQueueSize(n int) Option {
	return func(b *Bus) { b.queue = make(chan *Event, n) }
}

// WithPublishTimeout sets how long Publish blocks on a full queue
// before failing with maestro.ErrBusOverloaded.
func WithPublishTimeout(d time.Duration) Option {
	return func(b *Bus) { b.publishTimeout = d }
}

// WithHandlerTimeout sets the per-handler invocation deadline.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.handlerTimeout = d }
}

// WithBreaker sets the circuit-breaker threshold (consecutive failures
// that open the circuit) and cool-down before a half-open probe.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(b *Bus) {
		b.breakThreshold = threshold
		b.breakCooldown = cooldown
	}
}

// New creates a Bus. Call Start to begin dispatching.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:         logger,
		queue:          make(chan *Event, DefaultMaxQueueSize),
		subs:           make(map[EventType][]*subscription),
		publishTimeout: DefaultPublishTimeout,
		handlerTimeout: DefaultHandlerTimeout,
		breakThreshold: DefaultBreakThreshold,
		breakCooldown:  DefaultBreakCooldown,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a named handler for an event type. Multiple
// handlers per type are allowed and are invoked in registration order.
// The name identifies the subscriber for circuit-breaker accounting
// and Unsubscribe.
func (b *Bus) Subscribe(evtType EventType, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[evtType] = append(b.subs[evtType], &subscription{
		name:    name,
		handler: h,
		health:  newHealth(b.breakThreshold, b.breakCooldown),
	})
}

// Unsubscribe removes the named handler from an event type.
func (b *Bus) Unsubscribe(evtType EventType, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[evtType]
	for i, s := range subs {
		if s.name == name {
			b.subs[evtType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[evtType]) == 0 {
		delete(b.subs, evtType)
	}
}

// Publish enqueues an event for dispatch. If the queue is full the
// call blocks up to the publish timeout, then fails with
// maestro.ErrBusOverloaded and the event is counted as dropped.
// Events are never silently retried.
func (b *Bus) Publish(ctx context.Context, evt *Event) error {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()

	if b.stopped.Load() {
		return maestro.ErrBusStopped
	}

	select {
	case b.queue <- evt:
		b.published.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()

	select {
	case b.queue <- evt:
		b.published.Add(1)
		return nil
	case <-timer.C:
		b.dropped.Add(1)
		return maestro.ErrBusOverloaded
	case <-ctx.Done():
		b.dropped.Add(1)
		return ctx.Err()
	}
}

// Start launches the background dispatch loop. Safe to call once;
// subsequent calls are no-ops.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		go b.dispatchLoop()
	})
}

// Stop drains all currently queued events through dispatch, then halts
// the loop. Publish calls made after Stop fail with
// maestro.ErrBusStopped. The context bounds how long the drain may
// take; on expiry remaining events are abandoned.
func (b *Bus) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		// Taking the write lock waits out every Publish that already
		// passed the stopped check, so once stopCh closes the queue
		// holds all accepted events and the drain misses none.
		b.pubMu.Lock()
		b.stopped.Store(true)
		b.pubMu.Unlock()
		close(b.stopCh)
	})

	// If Start was never called, drain inline so queued events are
	// still counted and no goroutine leaks.
	b.startOnce.Do(func() {
		go b.dispatchLoop()
	})

	select {
	case <-b.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchLoop is the single background dispatcher.
func (b *Bus) dispatchLoop() {
	defer close(b.doneCh)

	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stopCh:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case evt := <-b.queue:
					b.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

// dispatch delivers one event to every subscriber of its type, in
// registration order. Handler errors and timeouts are logged, recorded
// against the subscriber's breaker, and never propagate.
func (b *Bus) dispatch(evt *Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[evt.Type]))
	copy(subs, b.subs[evt.Type])
	b.mu.RUnlock()

	for _, s := range subs {
		now := time.Now().UTC()
		if !s.health.allow(now) {
			continue
		}

		if err := b.invoke(s, evt); err != nil {
			s.health.recordFailure(time.Now().UTC())
			b.logger.Warn("event handler failed",
				slog.String("subscriber", s.name),
				slog.String("event_type", string(evt.Type)),
				slog.String("event_id", evt.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.health.recordSuccess()
	}

	b.processed.Add(1)
}

// invoke runs one handler under the per-handler timeout. A panic or
// timeout counts as a failure like any returned error.
func (b *Bus) invoke(s *subscription, evt *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- &panicError{value: r}
			}
		}()
		errCh <- s.handler.Handle(ctx, evt)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// panicError wraps a recovered panic value as an error.
type panicError struct{ value any }

func (p *panicError) Error() string {
	return "handler panic: " + formatPanic(p.value)
}

func formatPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic"
}

// Stats is a point-in-time snapshot of bus metrics.
type Stats struct {
	Published   int64                       `json:"published"`
	Processed   int64                       `json:"processed"`
	Dropped     int64                       `json:"dropped"`
	QueueDepth  int                         `json:"queue_depth"`
	Subscribers map[string]SubscriberHealth `json:"subscribers"`
}

// Stats returns current counters and per-subscriber breaker state.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make(map[string]SubscriberHealth)
	for _, list := range b.subs {
		for _, s := range list {
			subs[s.name] = s.health.snapshot()
		}
	}

	return Stats{
		Published:   b.published.Load(),
		Processed:   b.processed.Load(),
		Dropped:     b.dropped.Load(),
		QueueDepth:  len(b.queue),
		Subscribers: subs,
	}
}
