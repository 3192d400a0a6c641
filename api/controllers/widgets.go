package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/widgetry-io/widgetry-backend/api/responses"
	"github.com/widgetry-io/widgetry-backend/api/validators"
	"github.com/widgetry-io/widgetry-backend/internal/command"
	"github.com/widgetry-io/widgetry-backend/internal/widgets"
	pkgerrors "github.com/widgetry-io/widgetry-backend/pkg/errors"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
	"github.com/widgetry-io/widgetry-backend/pkg/pagination"
)

// idempotencyKeyHeader carries the client's request id. An absent header
// means the client opted out of deduplication.
const idempotencyKeyHeader = "Idempotency-Key"

type createWidgetRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateWidget handles POST /api/v1/widgets.
func CreateWidget(bus *command.Bus, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload createWidgetRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp, err := command.Execute[widgets.WidgetResponse](r.Context(), bus, widgets.CreateWidget{
			RequestKey:  requestKey(r),
			Name:        payload.Name,
			Description: payload.Description,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusCreated
		if resp.Replayed {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, resp)
	}
}

type updateWidgetRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Version     int     `json:"version"`
}

// UpdateWidget handles PATCH /api/v1/widgets/{widgetId}.
func UpdateWidget(bus *command.Bus, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := widgetIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload updateWidgetRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp, err := command.Execute[widgets.WidgetResponse](r.Context(), bus, widgets.UpdateWidget{
			RequestKey:  requestKey(r),
			WidgetID:    id,
			Name:        payload.Name,
			Description: payload.Description,
			Version:     payload.Version,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, resp)
	}
}

type archiveWidgetRequest struct {
	Version int `json:"version"`
}

// ArchiveWidget handles POST /api/v1/widgets/{widgetId}/archive.
func ArchiveWidget(bus *command.Bus, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := widgetIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload archiveWidgetRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp, err := command.Execute[widgets.WidgetResponse](r.Context(), bus, widgets.ArchiveWidget{
			RequestKey: requestKey(r),
			WidgetID:   id,
			Version:    payload.Version,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, resp)
	}
}

// GetWidget handles GET /api/v1/widgets/{widgetId}.
func GetWidget(bus *command.Bus, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := widgetIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp, err := command.Execute[widgets.WidgetResponse](r.Context(), bus, widgets.GetWidget{WidgetID: id})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, resp)
	}
}

// ListWidgets handles GET /api/v1/widgets.
func ListWidgets(bus *command.Bus, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", 0, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp, err := command.Execute[widgets.ListWidgetsResponse](r.Context(), bus, widgets.ListWidgets{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
			Status: strings.TrimSpace(r.URL.Query().Get("status")),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, resp)
	}
}

func requestKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
}

func widgetIDParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "widgetId")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid widget id")
	}
	return id, nil
}
