package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/widgetry-io/widgetry-backend/internal/relay"
	"github.com/widgetry-io/widgetry-backend/pkg/config"
	"github.com/widgetry-io/widgetry-backend/pkg/db"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
	"github.com/widgetry-io/widgetry-backend/pkg/metrics"
	"github.com/widgetry-io/widgetry-backend/pkg/migrate"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/registry"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "relay"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "relay",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	var relayMetrics *metrics.RelayMetrics
	if cfg.Outbox.MetricsEnabled {
		registerer := prometheus.NewRegistry()
		registerer.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		relayMetrics = metrics.NewRelayMetrics(registerer)
		go serveMetrics(logg, cfg.Outbox.MetricsPort, registerer)
	}

	dispatcher := relay.NewDispatcher()
	registerNotificationLog(dispatcher, logg)

	service, err := relay.NewService(relay.ServiceParams{
		Config:     cfg.Outbox,
		Logger:     logg,
		DB:         dbClient,
		Repository: outbox.NewRepository(dbClient.DB()),
		DLQ:        outbox.NewDLQRepository(dbClient.DB()),
		Registry:   registry.Default(),
		Dispatcher: dispatcher,
		Metrics:    relayMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create relay", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "relay",
	})
	logg.Info(ctx, "starting outbox relay")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox relay stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox relay shutting down gracefully")
}

func serveMetrics(logg *logger.Logger, port string, registerer *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(":"+port, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(context.Background(), "metrics server stopped unexpectedly", err)
	}
}

// registerNotificationLog is the default downstream: every widget notification
// is written to the structured log. Real consumers subscribe the same way.
func registerNotificationLog(d *relay.Dispatcher, logg *logger.Logger) {
	for _, messageType := range relay.NotifiedMessageTypes() {
		mt := messageType
		d.Subscribe(mt, func(ctx context.Context, msg *registry.Resolved) error {
			logCtx := logg.WithFields(ctx, map[string]any{
				"message_type": mt,
				"message_id":   msg.Envelope.MessageID,
			})
			logg.Info(logCtx, "widget notification delivered")
			return nil
		})
	}
}
