package widgets

import "github.com/google/uuid"

// CreateWidget adds a widget to the catalog. RequestKey is the
// client-supplied idempotency key; leave it empty to opt out of
// deduplication.
type CreateWidget struct {
	RequestKey  string `validate:"max=128"`
	Name        string `validate:"required,min=1,max=120"`
	Description string `validate:"max=2000"`
}

func (CreateWidget) CommandName() string { return "widgets.create" }

func (c CreateWidget) RequestID() string { return c.RequestKey }

// UpdateWidget changes a widget's attributes. Version is the optimistic
// concurrency token from the last read; a stale token yields a conflict.
type UpdateWidget struct {
	RequestKey  string    `validate:"max=128"`
	WidgetID    uuid.UUID `validate:"required"`
	Name        *string   `validate:"omitempty,min=1,max=120"`
	Description *string   `validate:"omitempty,max=2000"`
	Version     int       `validate:"required,min=1"`
}

func (UpdateWidget) CommandName() string { return "widgets.update" }

func (c UpdateWidget) RequestID() string { return c.RequestKey }

// ArchiveWidget removes a widget from the active catalog. Archiving is
// terminal; archived widgets reject further updates.
type ArchiveWidget struct {
	RequestKey string    `validate:"max=128"`
	WidgetID   uuid.UUID `validate:"required"`
	Version    int       `validate:"required,min=1"`
}

func (ArchiveWidget) CommandName() string { return "widgets.archive" }

func (c ArchiveWidget) RequestID() string { return c.RequestKey }

// GetWidget reads a single widget. Queries bypass deduplication and
// transactions.
type GetWidget struct {
	WidgetID uuid.UUID `validate:"required"`
}

func (GetWidget) CommandName() string { return "widgets.get" }

// ListWidgets pages through the catalog in reverse creation order.
type ListWidgets struct {
	Limit  int    `validate:"omitempty,min=1,max=100"`
	Cursor string `validate:"max=256"`
	Status string `validate:"omitempty,oneof=active archived"`
}

func (ListWidgets) CommandName() string { return "widgets.list" }
