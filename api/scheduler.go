/*
scheduler.go - Coupon expiry sweep

PURPOSE:
  Periodically deactivates coupons past their expiry and raises
  near-expiry alerts through the dispatcher so marketing can extend or
  retire a promotion before customers hit "coupon has expired".

DESIGN:
  - Background goroutine with a configurable check interval
  - Each sweep is two idempotent steps: deactivate expired coupons,
    then enqueue an alert per coupon expiring within the notice lead
  - The dispatcher's dedupe window keeps hourly sweeps from re-alerting
    the same coupon every run

USAGE:
  sched := api.NewExpiryScheduler(store, dispatcher, log, opts)
  sched.Start()
  defer sched.Stop()

SEE ALSO:
  - coupon/catalog.go: CatalogStore sweep queries
  - ledger/alert.go: Dispatcher semantics
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mercato/ledger-engine/coupon"
	"github.com/mercato/ledger-engine/ledger"
)

// ExpiryScheduler runs the periodic coupon expiry sweep.
type ExpiryScheduler struct {
	store      coupon.CatalogStore
	dispatcher *ledger.Dispatcher
	log        zerolog.Logger

	interval   time.Duration
	noticeLead time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// ExpirySchedulerOptions tune the sweep. Zero values get defaults.
type ExpirySchedulerOptions struct {
	Interval   time.Duration // default 1h
	NoticeLead time.Duration // default 48h
}

// NewExpiryScheduler creates a scheduler. dispatcher may be nil, which
// disables the near-expiry alerts but keeps the deactivation sweep.
func NewExpiryScheduler(store coupon.CatalogStore, dispatcher *ledger.Dispatcher, log zerolog.Logger, opts ExpirySchedulerOptions) *ExpiryScheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.NoticeLead <= 0 {
		opts.NoticeLead = 48 * time.Hour
	}
	return &ExpiryScheduler{
		store:      store,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "expiry-scheduler").Logger(),
		interval:   opts.Interval,
		noticeLead: opts.NoticeLead,
		stop:       make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.interval)
	s.wg.Add(1)
	go s.run()
	s.log.Info().Dur("interval", s.interval).Msg("expiry scheduler started")
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.log.Info().Msg("expiry scheduler stopped")
	}
}

// RunNow triggers an immediate sweep (admin/testing).
func (s *ExpiryScheduler) RunNow() {
	s.sweep()
}

func (s *ExpiryScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *ExpiryScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()

	deactivated, err := s.store.DeactivateExpired(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("deactivation sweep failed")
	} else if deactivated > 0 {
		s.log.Info().Int64("count", deactivated).Msg("deactivated expired coupons")
	}

	if s.dispatcher == nil {
		return
	}

	expiring, err := s.store.ListExpiring(ctx, now, now.Add(s.noticeLead))
	if err != nil {
		s.log.Error().Err(err).Msg("near-expiry listing failed")
		return
	}
	for _, c := range expiring {
		s.dispatcher.Enqueue(ledger.AlertEvent{
			Kind:      ledger.AlertCouponExpiring,
			Domain:    ledger.DomainCoupon,
			SubjectID: ledger.SubjectID(c.ID),
			At:        now,
		})
	}
}
