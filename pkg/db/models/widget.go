package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/widgetry-io/widgetry-backend/pkg/enums"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/event"
)

// Widget is the catalog aggregate. Version is the optimistic concurrency
// token; it increments on every successful update.
type Widget struct {
	ID          uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	Name        string             `gorm:"column:name;not null;size:120"`
	Description string             `gorm:"column:description;size:2000"`
	Status      enums.WidgetStatus `gorm:"column:status;not null;default:active"`
	Version     int                `gorm:"column:version;not null;default:1"`
	CreatedAt   time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time          `gorm:"column:updated_at;autoUpdateTime"`

	event.Recorder `gorm:"-"`
}

func (Widget) TableName() string { return "widgets" }
