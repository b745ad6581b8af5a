package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/econia-labs/econia-sub000/internal/checkpoint"
	"github.com/econia-labs/econia-sub000/internal/config"
	"github.com/econia-labs/econia-sub000/internal/engine"
	"github.com/econia-labs/econia-sub000/internal/history"
	"github.com/econia-labs/econia-sub000/internal/notify"
	"github.com/econia-labs/econia-sub000/internal/observability"
	"github.com/econia-labs/econia-sub000/internal/source"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	log := observability.NewLogger("aggregator")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	if cfg.Migrations.Auto {
		migrator := checkpoint.NewMigrator(db, cfg.Migrations.Dir, observability.NewLogger("migrator"))
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- NATS (optional) ---
	var notifications chan notify.Notification
	var publisher *notify.Publisher
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()

		js, err := jetstream.New(nc)
		if err != nil {
			log.Fatal().Err(err).Msg("jetstream init")
		}
		if err := notify.EnsureStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure book events stream")
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("nats connected")

		notifications = make(chan notify.Notification, cfg.NATS.Buffer)
		publisher = notify.NewPublisher(js, notifications, metrics, observability.NewLogger("publisher"))
	}

	// --- Engine ---
	src := source.NewPostgresSource(db, observability.NewLogger("source"))
	fetcher := source.NewFetcher(src, source.FetcherConfig{
		InitialSpan:  cfg.Fetch.InitialSpan,
		MinSpan:      cfg.Fetch.MinSpan,
		MaxSpan:      cfg.Fetch.MaxSpan,
		TargetEvents: cfg.Fetch.TargetEvents,
		MaxEvents:    cfg.Fetch.MaxEvents,
	}, observability.NewLogger("fetcher"))
	store := checkpoint.NewPostgresStore(db, observability.NewLogger("checkpoint"))

	eng := engine.New(fetcher, store, engine.Config{
		PollInterval:    cfg.Engine.PollInterval.Std(),
		HorizonLag:      cfg.Engine.HorizonLag.Std(),
		RetryBackoff:    cfg.Engine.RetryBackoff.Std(),
		MaxRetryBackoff: cfg.Engine.MaxRetryBackoff.Std(),
	}, metrics, health, observability.NewLogger("engine"), notifications)

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine start")
	}

	errChan := make(chan error, 4)

	go func() {
		errChan <- eng.Run(ctx)
	}()

	if publisher != nil {
		go func() {
			errChan <- publisher.Run(ctx)
		}()
	}

	if cfg.History.Enabled {
		pipeline := history.NewPipeline(db, src, history.Config{
			PollInterval:     cfg.History.PollInterval.Std(),
			BatchSpan:        cfg.History.BatchSpan,
			MaxMinutesPerRun: cfg.History.MaxMinutesPerRun,
		}, metrics, observability.NewLogger("history"))
		go func() {
			errChan <- pipeline.Run(ctx)
		}()
	}

	// --- Metrics and health server ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)
	httpServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	log.Info().
		Str("position", eng.Position().String()).
		Bool("nats", cfg.NATS.Enabled).
		Bool("history", cfg.History.Enabled).
		Msg("aggregator ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("goroutine failed, shutting down")
		}
	}

	cancel()
	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	log.Info().Msg("aggregator stopped")
}
