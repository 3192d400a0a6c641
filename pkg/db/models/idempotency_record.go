package models

import "time"

// IdempotencyRecord marks a client request id as already executed. Rows are
// inserted inside the same transaction as the effect they guard and are never
// updated afterwards.
type IdempotencyRecord struct {
	RequestID string    `gorm:"column:request_id;primaryKey;size:128"`
	Operation string    `gorm:"column:operation;not null;size:128"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }
