package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/widgetry-io/widgetry-backend/api/controllers"
	"github.com/widgetry-io/widgetry-backend/api/middleware"
	"github.com/widgetry-io/widgetry-backend/internal/command"
	"github.com/widgetry-io/widgetry-backend/pkg/config"
	"github.com/widgetry-io/widgetry-backend/pkg/db"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	bus *command.Bus,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbClient))
	})

	r.Route("/api/v1/widgets", func(r chi.Router) {
		r.Post("/", controllers.CreateWidget(bus, logg))
		r.Get("/", controllers.ListWidgets(bus, logg))
		r.Get("/{widgetId}", controllers.GetWidget(bus, logg))
		r.Patch("/{widgetId}", controllers.UpdateWidget(bus, logg))
		r.Post("/{widgetId}/archive", controllers.ArchiveWidget(bus, logg))
	})

	return r
}
