package command

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/widgetry-io/widgetry-backend/internal/uow"
	apperrors "github.com/widgetry-io/widgetry-backend/pkg/errors"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
)

type kind int

const (
	kindCommand kind = iota
	kindQuery
)

// handlerFunc is the type-erased signature every pipeline stage wraps.
type handlerFunc func(ctx context.Context, req Request) (any, error)

// entry is the dispatch record precomputed once per request shape at
// registration time. The invoke chain already carries the typed adapters, so
// the hot path never reflects over the request.
type entry struct {
	name   string
	kind   kind
	invoke handlerFunc
}

// Bus composes the fixed stage order around every registered handler:
// validation, idempotency, transaction, audit, then the handler itself.
// Queries skip the idempotency and transaction stages entirely.
type Bus struct {
	mtx      sync.RWMutex
	entries  map[string]*entry
	validate *validator.Validate
	ledger   Ledger
	manager  *uow.Manager
	logg     *logger.Logger
}

type BusParams struct {
	Ledger  Ledger
	Manager *uow.Manager
	Logger  *logger.Logger
}

func NewBus(params BusParams) (*Bus, error) {
	if params.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if params.Manager == nil {
		return nil, errors.New("unit of work manager is required")
	}
	return &Bus{
		entries:  make(map[string]*entry),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		ledger:   params.Ledger,
		manager:  params.Manager,
		logg:     params.Logger,
	}, nil
}

// Submit runs the request through its registered pipeline. Business failures
// come back as *errors.Error values; only unexpected faults are anything
// else.
func (b *Bus) Submit(ctx context.Context, req Request) (any, error) {
	if req == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "request is required")
	}
	b.mtx.RLock()
	e := b.entries[req.CommandName()]
	b.mtx.RUnlock()
	if e == nil {
		return nil, apperrors.New(apperrors.CodeInternal, fmt.Sprintf("no handler registered for %s", req.CommandName()))
	}
	return e.invoke(ctx, req)
}

// Execute submits the request and asserts the response type.
func Execute[R any](ctx context.Context, b *Bus, req Request) (R, error) {
	var zero R
	out, err := b.Submit(ctx, req)
	if err != nil {
		return zero, err
	}
	typed, ok := out.(R)
	if !ok {
		return zero, apperrors.New(apperrors.CodeInternal, fmt.Sprintf("unexpected response type %T for %s", out, req.CommandName()))
	}
	return typed, nil
}

// CommandHandler executes business logic for a mutating command. The handler
// is pure relative to the pipeline: it sees the unit of work but knows
// nothing about deduplication or transaction mechanics.
type CommandHandler[C Command, R any] func(ctx context.Context, u *uow.UnitOfWork, cmd C) (R, error)

// QueryHandler executes a read-only request outside any transaction.
type QueryHandler[Q Request, R any] func(ctx context.Context, qry Q) (R, error)

type commandOptions[R any] struct {
	replay func() R
}

type CommandOption[R any] func(*commandOptions[R])

// WithReplayValue overrides the response synthesized when a duplicate
// request id is detected. The ledger does not store the original response,
// so by default the zero value of R is returned; commands whose callers need
// a meaningful replay should set one explicitly.
func WithReplayValue[R any](fn func() R) CommandOption[R] {
	return func(o *commandOptions[R]) {
		o.replay = fn
	}
}

// RegisterCommand wires a mutating command into the pipeline. Composition
// time only, not safe to call while Submit is in flight on the same name.
func RegisterCommand[C Command, R any](b *Bus, handler CommandHandler[C, R], opts ...CommandOption[R]) error {
	var proto C
	name := proto.CommandName()

	options := commandOptions[R]{}
	for _, opt := range opts {
		opt(&options)
	}
	replay := func() any {
		if options.replay != nil {
			return options.replay()
		}
		var zero R
		return zero
	}

	core := func(ctx context.Context, req Request) (any, error) {
		cmd, ok := req.(C)
		if !ok {
			return nil, apperrors.New(apperrors.CodeInternal, fmt.Sprintf("request type %T does not match %s", req, name))
		}
		st, ok := stateFrom(ctx)
		if !ok || st.uow == nil {
			return nil, apperrors.New(apperrors.CodeInternal, "command handler invoked outside a transaction")
		}
		return handler(ctx, st.uow, cmd)
	}

	chain := b.auditStage(name, core)
	chain = b.transactionStage(chain)
	chain = b.idempotencyStage(name, replay, chain)
	chain = b.validationStage(chain)

	return b.register(&entry{name: name, kind: kindCommand, invoke: chain})
}

// RegisterQuery wires a read-only request. Queries bypass deduplication and
// transactions by construction, not by configuration.
func RegisterQuery[Q Request, R any](b *Bus, handler QueryHandler[Q, R]) error {
	var proto Q
	name := proto.CommandName()

	core := func(ctx context.Context, req Request) (any, error) {
		qry, ok := req.(Q)
		if !ok {
			return nil, apperrors.New(apperrors.CodeInternal, fmt.Sprintf("request type %T does not match %s", req, name))
		}
		return handler(ctx, qry)
	}

	chain := b.auditStage(name, core)
	chain = b.validationStage(chain)

	return b.register(&entry{name: name, kind: kindQuery, invoke: chain})
}

func (b *Bus) register(e *entry) error {
	if e.name == "" {
		return errors.New("request name is required")
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, exists := b.entries[e.name]; exists {
		return fmt.Errorf("handler already registered for %s", e.name)
	}
	b.entries[e.name] = e
	return nil
}
