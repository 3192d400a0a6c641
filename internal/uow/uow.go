package uow

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/widgetry-io/widgetry-backend/pkg/db"
	apperrors "github.com/widgetry-io/widgetry-backend/pkg/errors"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/event"
)

// UnitOfWork scopes a single business transaction. Handlers run their writes
// through Tx and register every aggregate they mutate; the manager drains the
// aggregates' pending events into outbox rows just before commit so the state
// change and its notifications land atomically.
type UnitOfWork struct {
	tx      *gorm.DB
	tracked []event.Source
}

// Tx returns the transaction handle for repository calls.
func (u *UnitOfWork) Tx() *gorm.DB {
	return u.tx
}

// Track registers an aggregate whose pending events must be flushed at
// commit. Tracking the same aggregate twice is harmless: the first flush
// clears its draft.
func (u *UnitOfWork) Track(src event.Source) {
	if src == nil {
		return
	}
	u.tracked = append(u.tracked, src)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Manager owns the begin/flush/commit cycle and the transient-fault retry
// wrapper around it.
type Manager struct {
	runner      txRunner
	outbox      *outbox.Service
	logg        *logger.Logger
	maxAttempts int
	retryDelay  time.Duration
}

type ManagerParams struct {
	Client      *db.Client
	Outbox      *outbox.Service
	Logger      *logger.Logger
	MaxAttempts int
	RetryDelay  time.Duration
}

func NewManager(params ManagerParams) (*Manager, error) {
	if params.Client == nil {
		return nil, errors.New("database client is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox service is required")
	}
	attempts := params.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := params.RetryDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return &Manager{
		runner:      params.Client,
		outbox:      params.Outbox,
		logg:        params.Logger,
		maxAttempts: attempts,
		retryDelay:  delay,
	}, nil
}

// Execute runs fn inside a transaction and retries the whole cycle on
// transient infrastructure faults. Retrying is safe because nothing commits
// until the final attempt succeeds; business failures are returned as-is on
// the first attempt.
func (m *Manager) Execute(ctx context.Context, fn func(u *UnitOfWork) error) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lastErr = m.runOnce(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if apperrors.As(lastErr) != nil || !db.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == m.maxAttempts {
			break
		}
		if m.logg != nil {
			logCtx := m.logg.WithFields(ctx, map[string]any{
				"attempt": attempt,
				"error":   lastErr.Error(),
			})
			m.logg.Warn(logCtx, "retrying transaction after transient fault")
		}
		if err := sleepCtx(ctx, m.retryDelay*time.Duration(attempt)); err != nil {
			return err
		}
	}
	return apperrors.Wrap(apperrors.CodeDependency, lastErr, "transaction failed after retries")
}

func (m *Manager) runOnce(ctx context.Context, fn func(u *UnitOfWork) error) error {
	return m.runner.WithTx(ctx, func(tx *gorm.DB) error {
		u := &UnitOfWork{tx: tx}
		if err := fn(u); err != nil {
			return err
		}
		return m.flush(ctx, u)
	})
}

// flush drains every tracked aggregate's pending events into outbox rows as
// part of the same write batch, then clears the drafts. An entity must never
// carry unflushed events across the transaction boundary.
func (m *Manager) flush(ctx context.Context, u *UnitOfWork) error {
	for _, src := range u.tracked {
		for _, ev := range src.PendingEvents() {
			if err := m.outbox.Emit(ctx, u.tx, ev); err != nil {
				return err
			}
		}
		src.ClearPendingEvents()
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
