package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/widgetry-io/widgetry-backend/api/responses"
	"github.com/widgetry-io/widgetry-backend/pkg/config"
	pkgerrors "github.com/widgetry-io/widgetry-backend/pkg/errors"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
)

const readyTimeout = 2 * time.Second

type dbPinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		responses.WriteSuccess(w, map[string]string{
			"status": "ok",
			"env":    cfg.App.Env,
		})
	}
}

// HealthReady checks the database; the relay runs out of process and has its
// own metrics endpoint, so it is not part of API readiness.
func HealthReady(cfg *config.Config, logg *logger.Logger, db dbPinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "database not ready"))
			return
		}

		responses.WriteSuccess(w, map[string]string{
			"status": "ready",
			"env":    cfg.App.Env,
		})
	}
}
