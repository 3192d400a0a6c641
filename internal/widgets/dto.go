package widgets

import (
	"time"

	"github.com/google/uuid"

	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
	"github.com/widgetry-io/widgetry-backend/pkg/enums"
)

// WidgetResponse is the pipeline response for widget commands and GetWidget.
// Replayed marks a synthesized response for a duplicate request id; such a
// response carries no widget data because the ledger does not store the
// original payload.
type WidgetResponse struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Status      enums.WidgetStatus `json:"status"`
	Version     int                `json:"version"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	Replayed    bool               `json:"replayed,omitempty"`
}

// ListWidgetsResponse is a single page plus the cursor for the next one.
type ListWidgetsResponse struct {
	Items      []WidgetResponse `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

func toResponse(w *models.Widget) WidgetResponse {
	return WidgetResponse{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Status:      w.Status,
		Version:     w.Version,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}
