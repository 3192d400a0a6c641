package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/widgetry-io/widgetry-backend/pkg/enums"
)

// WidgetCreated is the notification payload for a freshly created widget.
type WidgetCreated struct {
	WidgetID    uuid.UUID          `json:"widgetId"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Status      enums.WidgetStatus `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// WidgetUpdated carries the post-update state of a widget.
type WidgetUpdated struct {
	WidgetID    uuid.UUID `json:"widgetId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// WidgetArchived marks a widget as removed from the active catalog.
type WidgetArchived struct {
	WidgetID   uuid.UUID `json:"widgetId"`
	ArchivedAt time.Time `json:"archivedAt"`
}
