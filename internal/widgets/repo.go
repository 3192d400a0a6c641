package widgets

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
	"github.com/widgetry-io/widgetry-backend/pkg/enums"
	"github.com/widgetry-io/widgetry-backend/pkg/pagination"
)

// ErrVersionConflict reports a stale optimistic concurrency token.
var ErrVersionConflict = errors.New("widget version conflict")

// ListFilter narrows and pages List results.
type ListFilter struct {
	Status enums.WidgetStatus
	Limit  int
	Cursor *pagination.Cursor
}

// Repository manages widget persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, w *models.Widget) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Widget, error)
	UpdateVersioned(ctx context.Context, w *models.Widget, expectedVersion int) error
	List(ctx context.Context, filter ListFilter) ([]models.Widget, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a widget repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, w *models.Widget) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Widget, error) {
	var w models.Widget
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// UpdateVersioned writes the widget's mutable columns guarded by the version
// token. Zero rows affected means another writer got there first.
func (r *repository) UpdateVersioned(ctx context.Context, w *models.Widget, expectedVersion int) error {
	res := r.db.WithContext(ctx).
		Model(&models.Widget{}).
		Where("id = ? AND version = ?", w.ID, expectedVersion).
		Updates(map[string]any{
			"name":        w.Name,
			"description": w.Description,
			"status":      w.Status,
			"version":     expectedVersion + 1,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	w.Version = expectedVersion + 1
	return nil
}

func (r *repository) List(ctx context.Context, filter ListFilter) ([]models.Widget, error) {
	q := r.db.WithContext(ctx).Model(&models.Widget{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Cursor != nil {
		q = q.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID,
		)
	}
	limit := pagination.LimitWithBuffer(filter.Limit)

	var rows []models.Widget
	err := q.Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
