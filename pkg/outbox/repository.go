package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
)

// Repository persists outbox messages. Inserts always happen inside the
// caller's transaction; the relay is the only writer after creation.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, msg models.OutboxMessage) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	return tx.Create(&msg).Error
}

// ClaimPendingTx selects up to limit pending messages in creation order and
// locks them for the duration of the caller's transaction. On Postgres the
// lock uses SKIP LOCKED so competing relay workers claim disjoint batches
// instead of blocking behind each other.
func (r *Repository) ClaimPendingTx(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxMessage, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	q := tx.Where("processed_at IS NULL").
		Where("attempt_count < ?", maxAttempts).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit)
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{
			Strength: clause.LockingStrengthUpdate,
			Options:  clause.LockingOptionsSkipLocked,
		})
	}
	var rows []models.OutboxMessage
	err := q.Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkProcessedTx(tx *gorm.DB, id uuid.UUID) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_at": time.Now().UTC(),
		}).Error
}

func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, cause error) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    cause.Error(),
			"attempt_count": gorm.Expr("attempt_count + 1"),
		}).Error
}

// MarkTerminalTx pushes the attempt count past the relay's cap so the row is
// never claimed again. The DLQ entry written in the same transaction keeps
// the payload reachable.
func (r *Repository) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, cause error, terminalAttempts int) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    cause.Error(),
			"attempt_count": terminalAttempts,
		}).Error
}

func (r *Repository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("processed_at IS NULL").
		Count(&count).Error
	return count, err
}

// PurgeProcessedBefore deletes processed messages older than cutoff and
// returns how many rows were removed.
func (r *Repository) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("processed_at IS NOT NULL").
		Where("processed_at < ?", cutoff).
		Delete(&models.OutboxMessage{})
	return res.RowsAffected, res.Error
}
