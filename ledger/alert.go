/*
alert.go - Decoupled, failure-isolated side effects

PURPOSE:
  The Alert Dispatcher reacts to balance transitions (low stock, coupon
  nearing expiry, point milestones) by enqueuing a notification job.
  It is strictly fire-and-forget from the coordinator's point of view:
  a slow or failing notifier can NEVER block or roll back a committed
  balance mutation.

DELIVERY SEMANTICS:
  At-least-once. The downstream notifier must tolerate duplicates; the
  dispatcher additionally suppresses repeats of the same
  (domain, subject, kind) inside a configurable dedupe window, so stock
  dropping 5 -> 2 -> 1 below a threshold of 3 produces one low-stock
  notice, not one per sale.

FAILURE ISOLATION:
  Notifier errors are logged and the event re-enqueued once; they never
  propagate to the transaction's outcome. A full queue drops the event
  (and counts it) rather than applying backpressure to checkout.
*/
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// EVENTS
// =============================================================================

// AlertKind names a threshold transition worth notifying about.
type AlertKind string

const (
	AlertLowStock       AlertKind = "low_stock"
	AlertCouponExpiring AlertKind = "coupon_expiring"
	AlertPointMilestone AlertKind = "point_milestone"
)

// AlertEvent is one observed transition.
type AlertEvent struct {
	Kind      AlertKind
	Domain    Domain
	SubjectID SubjectID
	Balance   int64
	Threshold int64
	At        time.Time
}

// Notifier delivers an alert downstream (email job, push queue, ...).
// Implementations own their retry and de-duplication policy; the
// dispatcher only guarantees at-least-once hand-off.
type Notifier interface {
	Notify(ctx context.Context, event AlertEvent) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event AlertEvent) error

func (f NotifierFunc) Notify(ctx context.Context, event AlertEvent) error { return f(ctx, event) }

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher consumes alert events asynchronously from a bounded queue.
type Dispatcher struct {
	notifier     Notifier
	log          zerolog.Logger
	queue        chan AlertEvent
	dedupeWindow time.Duration

	mu       sync.Mutex
	lastSent map[dedupeKey]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type dedupeKey struct {
	Kind      AlertKind
	Domain    Domain
	SubjectID SubjectID
}

// DispatcherOptions tune the dispatcher. Zero values get defaults.
type DispatcherOptions struct {
	QueueSize    int           // default 256
	DedupeWindow time.Duration // default 24h; negative disables dedupe
}

// NewDispatcher creates a dispatcher. Call Start before enqueuing.
func NewDispatcher(notifier Notifier, log zerolog.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DedupeWindow == 0 {
		opts.DedupeWindow = 24 * time.Hour
	}
	return &Dispatcher{
		notifier:     notifier,
		log:          log.With().Str("component", "alert-dispatcher").Logger(),
		queue:        make(chan AlertEvent, opts.QueueSize),
		dedupeWindow: opts.DedupeWindow,
		lastSent:     make(map[dedupeKey]time.Time),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	go d.run()
	d.log.Info().Dur("dedupe_window", d.dedupeWindow).Msg("alert dispatcher started")
}

// Stop drains nothing: pending events are abandoned, which is fine
// under at-least-once semantics (the threshold condition still holds
// and will re-fire on the next crossing).
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

// Enqueue hands an event to the worker without blocking. A full queue
// drops the event; checkout latency wins over alert completeness.
func (d *Dispatcher) Enqueue(event AlertEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case d.queue <- event:
	default:
		alertsDropped.Inc()
		d.log.Warn().
			Str("kind", string(event.Kind)).
			Str("subject", string(event.SubjectID)).
			Msg("alert queue full, event dropped")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) deliver(event AlertEvent) {
	if d.suppressed(event) {
		alertsDeduped.WithLabelValues(string(event.Kind)).Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.notifier.Notify(ctx, event); err != nil {
		d.log.Error().Err(err).
			Str("kind", string(event.Kind)).
			Str("subject", string(event.SubjectID)).
			Msg("notify failed, re-enqueueing once")
		// One bounded redelivery attempt. The notifier owns anything
		// more elaborate.
		select {
		case d.queue <- event:
		default:
			alertsDropped.Inc()
		}
		return
	}

	d.markSent(event)
	alertsDispatched.WithLabelValues(string(event.Kind)).Inc()
	d.log.Info().
		Str("kind", string(event.Kind)).
		Str("domain", string(event.Domain)).
		Str("subject", string(event.SubjectID)).
		Int64("balance", event.Balance).
		Msg("alert dispatched")
}

func (d *Dispatcher) suppressed(event AlertEvent) bool {
	if d.dedupeWindow < 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastSent[dedupeKey{event.Kind, event.Domain, event.SubjectID}]
	return ok && event.At.Sub(last) < d.dedupeWindow
}

func (d *Dispatcher) markSent(event AlertEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSent[dedupeKey{event.Kind, event.Domain, event.SubjectID}] = event.At
}
