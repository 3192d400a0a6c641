package command

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/widgetry-io/widgetry-backend/internal/uow"
	"github.com/widgetry-io/widgetry-backend/pkg/db"
	apperrors "github.com/widgetry-io/widgetry-backend/pkg/errors"
)

// execState carries per-submission pipeline state between stages.
type execState struct {
	uow *uow.UnitOfWork
}

type stateKey struct{}

func withState(ctx context.Context, st *execState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

func stateFrom(ctx context.Context) (*execState, bool) {
	st, ok := ctx.Value(stateKey{}).(*execState)
	return st, ok
}

// pendingLedger is the marker the idempotency stage hands to the transaction
// stage so the insert lands inside the business transaction.
type pendingLedger struct {
	requestID string
	operation string
}

type pendingLedgerKey struct{}

func withPendingLedger(ctx context.Context, pl pendingLedger) context.Context {
	return context.WithValue(ctx, pendingLedgerKey{}, pl)
}

func pendingLedgerFrom(ctx context.Context) (pendingLedger, bool) {
	pl, ok := ctx.Value(pendingLedgerKey{}).(pendingLedger)
	return pl, ok
}

// validationStage fails fast before any I/O. Struct tags run first, then the
// request's own Validate hook if it has one.
func (b *Bus) validationStage(next handlerFunc) handlerFunc {
	return func(ctx context.Context, req Request) (any, error) {
		if err := b.validate.Struct(req); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				details := make(map[string]string, len(verrs))
				for _, fe := range verrs {
					details[fe.Field()] = fe.Tag()
				}
				return nil, apperrors.Wrap(apperrors.CodeValidation, err, "invalid request").WithDetails(details)
			}
			return nil, apperrors.Wrap(apperrors.CodeValidation, err, "invalid request")
		}
		if v, ok := req.(Validator); ok {
			if err := v.Validate(); err != nil {
				if apperrors.As(err) != nil {
					return nil, err
				}
				return nil, apperrors.Wrap(apperrors.CodeValidation, err, err.Error())
			}
		}
		return next(ctx, req)
	}
}

// idempotencyStage runs before the transaction stage so the ledger insert it
// schedules commits atomically with the business effect. If it ran inside or
// after the transaction, a crash between the two would let a retry duplicate
// the effect.
func (b *Bus) idempotencyStage(operation string, replay func() any, next handlerFunc) handlerFunc {
	return func(ctx context.Context, req Request) (any, error) {
		cmd, ok := req.(Command)
		if !ok {
			return next(ctx, req)
		}
		requestID := strings.TrimSpace(cmd.RequestID())
		if requestID == "" {
			return next(ctx, req)
		}

		seen, err := b.ledger.Exists(ctx, requestID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDependency, err, "idempotency lookup failed")
		}
		if seen {
			if b.logg != nil {
				logCtx := b.logg.WithFields(ctx, map[string]any{
					"operation":  operation,
					"request_id": requestID,
				})
				b.logg.Info(logCtx, "duplicate request replayed")
			}
			// The original response payload is not stored, so a
			// synthesized success is returned instead.
			return replay(), nil
		}

		return next(withPendingLedger(ctx, pendingLedger{requestID: requestID, operation: operation}), req)
	}
}

// transactionStage owns the begin/flush/commit cycle via the unit of work
// manager. The ledger marker scheduled by the idempotency stage is inserted
// first so a racing duplicate fails on the unique constraint rather than
// committing a second effect.
func (b *Bus) transactionStage(next handlerFunc) handlerFunc {
	return func(ctx context.Context, req Request) (any, error) {
		var out any
		err := b.manager.Execute(ctx, func(u *uow.UnitOfWork) error {
			if pl, ok := pendingLedgerFrom(ctx); ok {
				if err := b.ledger.Create(u.Tx(), pl.requestID, pl.operation); err != nil {
					if db.IsUniqueViolation(err, "") {
						return apperrors.Wrap(apperrors.CodeDuplicateRequest, err, "request id claimed by a concurrent submission")
					}
					return err
				}
			}
			res, err := next(withState(ctx, &execState{uow: u}), req)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// auditStage records the outcome of every invocation for traceability. It
// observes and passes through; it must never alter the result.
func (b *Bus) auditStage(operation string, next handlerFunc) handlerFunc {
	return func(ctx context.Context, req Request) (any, error) {
		start := time.Now()
		res, err := next(ctx, req)
		if b.logg != nil {
			fields := map[string]any{
				"operation":   operation,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if cmd, ok := req.(Command); ok {
				if id := strings.TrimSpace(cmd.RequestID()); id != "" {
					fields["request_id"] = id
				}
			}
			logCtx := b.logg.WithFields(ctx, fields)
			if err != nil {
				logCtx = b.logg.WithField(logCtx, "error", err.Error())
				b.logg.Warn(logCtx, "operation failed")
			} else {
				b.logg.Info(logCtx, "operation completed")
			}
		}
		return res, err
	}
}
