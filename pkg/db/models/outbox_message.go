package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/widgetry-io/widgetry-backend/pkg/enums"
)

// OutboxMessage is a pending notification written in the same transaction as
// the mutation that caused it. A row is pending while ProcessedAt is nil.
type OutboxMessage struct {
	ID            uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	MessageType   enums.OutboxMessageType   `gorm:"column:message_type;not null"`
	AggregateType enums.OutboxAggregateType `gorm:"column:aggregate_type;not null"`
	AggregateID   uuid.UUID                 `gorm:"column:aggregate_id;type:uuid;not null"`
	Payload       json.RawMessage           `gorm:"column:payload;not null"`
	CreatedAt     time.Time                 `gorm:"column:created_at;autoCreateTime"`
	ProcessedAt   *time.Time                `gorm:"column:processed_at"`
	AttemptCount  int                       `gorm:"column:attempt_count;not null;default:0"`
	LastError     *string                   `gorm:"column:last_error"`
}

func (OutboxMessage) TableName() string { return "outbox_messages" }
