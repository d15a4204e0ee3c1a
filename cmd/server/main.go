/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the balance-and-ledger engine server. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load TOML config if given
  2. Open the SQLite store
  3. Build policies, dispatcher, coordinator, queries, catalog
  4. Start the alert dispatcher and the coupon expiry scheduler
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a TOML config file (optional, defaults apply)
  -addr    Listen address, overrides config (default :8080)
  -db      SQLite database path, overrides config
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections, drain in-flight requests (30s)
  2. Stop the expiry scheduler and the alert dispatcher
  3. Close the database

EXAMPLES:
  ./server -db="./data/ledger.db"
  ./server -config=./ledger.toml -addr=:3000

SEE ALSO:
  - config/config.go: TOML schema and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mercato/ledger-engine/api"
	"github.com/mercato/ledger-engine/config"
	"github.com/mercato/ledger-engine/coupon"
	"github.com/mercato/ledger-engine/ledger"
	"github.com/mercato/ledger-engine/loyalty"
	"github.com/mercato/ledger-engine/stock"
	"github.com/mercato/ledger-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load config")
		}
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}

	store, err := sqlite.New(cfg.Server.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.Server.DBPath).Msg("failed to open database")
	}
	defer store.Close()

	loyaltyPolicy := &loyalty.Policy{
		WelcomeBonus:     cfg.Loyalty.WelcomeBonus,
		MinRedeemPoints:  cfg.Loyalty.MinRedeemPoints,
		MaxRedeemPercent: cfg.Loyalty.MaxRedeemPercent,
		RedeemRate:       cfg.Loyalty.RedeemRate,
		PointsPerAmount:  cfg.Loyalty.PointsPerAmount,
		MilestoneStep:    cfg.Loyalty.MilestoneStep,
	}
	policies := ledger.PolicySet{
		ledger.DomainStock:   &stock.Policy{DefaultRestockThreshold: cfg.Stock.DefaultRestockThreshold},
		ledger.DomainLoyalty: loyaltyPolicy,
		ledger.DomainCoupon:  &coupon.Policy{},
	}

	// Alerts go to the log until a real notifier (email job, push queue)
	// is plugged in.
	notifier := ledger.NotifierFunc(func(ctx context.Context, event ledger.AlertEvent) error {
		log.Warn().
			Str("kind", string(event.Kind)).
			Str("domain", string(event.Domain)).
			Str("subject", string(event.SubjectID)).
			Int64("balance", event.Balance).
			Int64("threshold", event.Threshold).
			Msg("ALERT")
		return nil
	})
	dispatcher := ledger.NewDispatcher(notifier, log, ledger.DispatcherOptions{
		QueueSize:    cfg.Alerts.QueueSize,
		DedupeWindow: cfg.Alerts.DedupeWindow.Duration,
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	coordinator := ledger.NewCoordinator(store, policies, dispatcher, log, ledger.CoordinatorOptions{
		MaxRetries:  cfg.Coordinator.MaxRetries,
		BackoffBase: cfg.Coordinator.BackoffBase.Duration,
	})
	queries := ledger.NewQueries(store, policies)
	catalog := coupon.NewCatalog(store, coupon.CatalogOptions{
		CodeLength:  cfg.Coupon.CodeLength,
		MaxAttempts: cfg.Coupon.MaxCodeAttempts,
	})

	scheduler := api.NewExpiryScheduler(store, dispatcher, log, api.ExpirySchedulerOptions{
		Interval:   cfg.Coupon.ExpirySweepEvery.Duration,
		NoticeLead: cfg.Coupon.ExpiryNoticeLead.Duration,
	})
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(coordinator, queries, catalog, store, loyaltyPolicy, log)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}
