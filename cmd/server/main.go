package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/roadside-dispatch/internal/clock"
	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/eta"
	httpapi "github.com/example/roadside-dispatch/internal/http"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/matcher"
	"github.com/example/roadside-dispatch/internal/offers"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  storage.Store
		checks []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, cfg.MigrationsDir); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "file", "001_create_schema.sql")
		}
		store = ps
		checks = append(checks, ps.DB().PingContext)
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	hub := dispatch.NewHub(logger.With("component", "hub"))
	fan := &dispatch.Fanout{Live: hub, Clock: clock.System{}, Logger: logger.With("component", "fanout")}
	if cfg.RedisAddr != "" {
		relay := dispatch.NewRedisRelay(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannelPrefix, hub, logger.With("component", "relay"))
		defer relay.Close()
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
		fan.Live = relay
		checks = append(checks, relay.Ping)
	}

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		events := dispatch.NewKafkaEventLog(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer events.Close()
		fan.Events = events

		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic)
		defer producer.Close()
		locations = producer
	}
	if cfg.FCMEndpoint != "" {
		fan.Push = &dispatch.PushDispatcher{
			Subs:   store,
			Sender: dispatch.NewFCMSender(cfg.FCMEndpoint, cfg.FCMKey),
			Logger: logger.With("component", "push"),
		}
	}

	limits := offers.Limits{MaxPrice: cfg.MaxOfferPrice, MaxEstimatedMinutes: cfg.MaxOfferETAMinutes}
	mgr := offers.NewManager(store, fan, clock.System{}, limits, logger.With("component", "offers"))
	if stripe := payments.NewStripeClient(cfg.StripeAPIKey); stripe.Enabled() {
		mgr.WithPayments(stripe, cfg.PaymentCurrency)
	}

	var router eta.Router
	if cfg.OSRMEndpoint != "" {
		router = eta.NewOSRMClient(cfg.OSRMEndpoint, 2*time.Second)
	}
	help := &matcher.HelpFinder{Store: store, ETA: eta.NewEstimator(router, cfg.DefaultSpeedMps, cfg.ETACacheTTL, clock.System{})}

	sched := matcher.NewScheduler(store, fan, clock.System{}, matcher.Options{
		Interval:  cfg.Dispatch.TickInterval,
		Retention: cfg.Dispatch.Retention,
		Policy: matcher.Policy{
			RoundDuration:      cfg.Dispatch.RoundDuration,
			InitialPoolSize:    cfg.Dispatch.InitialPoolSize,
			ExpansionIncrement: cfg.Dispatch.ExpansionIncrement,
			MaxRounds:          cfg.Dispatch.MaxRounds,
		},
	}, logger.With("component", "scheduler"))
	sched.Start(ctx)

	api := httpapi.NewServer(httpapi.Deps{
		Offers:          mgr,
		Help:            help,
		Operators:       store,
		Hub:             hub,
		Locations:       locations,
		Ready:           readiness(checks),
		HelpLimit:       cfg.NearbyHelpLimit,
		DefaultRadiusKm: cfg.DefaultRadiusKm,
	}, logger.With("component", "http"))

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("roadside-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sched.Stop()
}

func migrate(ctx context.Context, ps *storage.PostgresStore, dir string) error {
	b, err := os.ReadFile(filepath.Join(dir, "001_create_schema.sql"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err = ps.DB().ExecContext(ctx, string(b))
	return err
}

func readiness(checks []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
