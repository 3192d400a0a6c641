package command

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
)

// Ledger is the idempotency store consulted and written by the pipeline.
type Ledger interface {
	// Exists is a point lookup on the request id; it runs on every
	// deduplicated command so the column must be indexed.
	Exists(ctx context.Context, requestID string) (bool, error)
	// Create inserts the marker. The caller guarantees an active
	// transaction; a unique violation means a concurrent request won the
	// race for this id.
	Create(tx *gorm.DB, requestID, operation string) error
}

// SQLLedger persists idempotency records in the primary store so the marker
// commits atomically with the effect it guards.
type SQLLedger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

func (l *SQLLedger) Exists(ctx context.Context, requestID string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("request_id = ?", requestID).
		Count(&count).Error
	return count > 0, err
}

func (l *SQLLedger) Create(tx *gorm.DB, requestID, operation string) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	record := models.IdempotencyRecord{
		RequestID: requestID,
		Operation: operation,
	}
	return tx.Create(&record).Error
}
