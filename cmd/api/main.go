package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/widgetry-io/widgetry-backend/api/routes"
	"github.com/widgetry-io/widgetry-backend/internal/command"
	"github.com/widgetry-io/widgetry-backend/internal/uow"
	"github.com/widgetry-io/widgetry-backend/internal/widgets"
	"github.com/widgetry-io/widgetry-backend/pkg/config"
	"github.com/widgetry-io/widgetry-backend/pkg/db"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
	"github.com/widgetry-io/widgetry-backend/pkg/migrate"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	outboxSvc := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	manager, err := uow.NewManager(uow.ManagerParams{
		Client:      dbClient,
		Outbox:      outboxSvc,
		Logger:      logg,
		MaxAttempts: cfg.Pipeline.TxMaxAttempts,
		RetryDelay:  cfg.Pipeline.TxRetryDelay,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create unit of work manager", err)
		os.Exit(1)
	}

	bus, err := command.NewBus(command.BusParams{
		Ledger:  command.NewLedger(dbClient.DB()),
		Manager: manager,
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create command bus", err)
		os.Exit(1)
	}

	widgetSvc, err := widgets.NewService(widgets.NewRepository(dbClient.DB()), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create widget service", err)
		os.Exit(1)
	}
	if err := widgets.Register(bus, widgetSvc); err != nil {
		logg.Error(context.Background(), "failed to register widget handlers", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, bus),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
			os.Exit(1)
		}
	}

	logg.Info(ctx, "api server shutting down gracefully")
}
