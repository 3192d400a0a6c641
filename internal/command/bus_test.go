package command

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/widgetry-io/widgetry-backend/internal/uow"
	"github.com/widgetry-io/widgetry-backend/pkg/db"
	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
	"github.com/widgetry-io/widgetry-backend/pkg/enums"
	apperrors "github.com/widgetry-io/widgetry-backend/pkg/errors"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/event"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/payloads"
)

type createThing struct {
	RequestKey string `validate:"max=128"`
	Name       string `validate:"required,min=1,max=50"`
}

func (createThing) CommandName() string { return "things.create" }

func (c createThing) RequestID() string { return c.RequestKey }

type thingResponse struct {
	ID       uuid.UUID
	Replayed bool
}

type getThing struct {
	ID uuid.UUID `validate:"required"`
}

func (getThing) CommandName() string { return "things.get" }

type busFixture struct {
	bus  *Bus
	conn *gorm.DB
	// handler invocations, for dedup assertions
	calls int
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.Widget{}, &models.OutboxMessage{}, &models.IdempotencyRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	client := db.NewWithConn(conn)
	manager, err := uow.NewManager(uow.ManagerParams{
		Client: client,
		Outbox: outbox.NewService(outbox.NewRepository(conn), nil),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	bus, err := NewBus(BusParams{
		Ledger:  NewLedger(conn),
		Manager: manager,
	})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}

	return &busFixture{bus: bus, conn: conn}
}

func (f *busFixture) registerCreate(t *testing.T) {
	t.Helper()
	handler := func(ctx context.Context, u *uow.UnitOfWork, cmd createThing) (thingResponse, error) {
		f.calls++
		w := &models.Widget{
			ID:      uuid.New(),
			Name:    cmd.Name,
			Status:  enums.WidgetStatusActive,
			Version: 1,
		}
		w.Record(event.Event{
			MessageType:   enums.MessageWidgetCreated,
			AggregateType: enums.AggregateWidget,
			AggregateID:   w.ID,
			Data:          payloads.WidgetCreated{WidgetID: w.ID, Name: w.Name, Status: w.Status},
		})
		if err := u.Tx().Create(w).Error; err != nil {
			return thingResponse{}, err
		}
		u.Track(w)
		return thingResponse{ID: w.ID}, nil
	}
	err := RegisterCommand(f.bus, handler,
		WithReplayValue(func() thingResponse { return thingResponse{Replayed: true} }))
	if err != nil {
		t.Fatalf("register command: %v", err)
	}
}

func (f *busFixture) counts(t *testing.T) (widgets, outboxRows, ledgerRows int64) {
	t.Helper()
	if err := f.conn.Model(&models.Widget{}).Count(&widgets).Error; err != nil {
		t.Fatalf("count widgets: %v", err)
	}
	if err := f.conn.Model(&models.OutboxMessage{}).Count(&outboxRows).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if err := f.conn.Model(&models.IdempotencyRecord{}).Count(&ledgerRows).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	return widgets, outboxRows, ledgerRows
}

func TestCommandCommitsEffectLedgerAndOutboxTogether(t *testing.T) {
	f := newBusFixture(t)
	f.registerCreate(t)

	resp, err := Execute[thingResponse](context.Background(), f.bus, createThing{
		RequestKey: "req-1",
		Name:       "sprocket",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ID == uuid.Nil || resp.Replayed {
		t.Fatalf("unexpected response: %+v", resp)
	}

	widgets, outboxRows, ledgerRows := f.counts(t)
	if widgets != 1 || outboxRows != 1 || ledgerRows != 1 {
		t.Fatalf("expected 1/1/1 rows, got %d/%d/%d", widgets, outboxRows, ledgerRows)
	}

	var record models.IdempotencyRecord
	if err := f.conn.First(&record).Error; err != nil {
		t.Fatalf("load ledger record: %v", err)
	}
	if record.RequestID != "req-1" || record.Operation != "things.create" {
		t.Fatalf("unexpected ledger record: %+v", record)
	}
}

func TestValidationShortCircuitsBeforeAnyWrite(t *testing.T) {
	f := newBusFixture(t)
	f.registerCreate(t)

	_, err := Execute[thingResponse](context.Background(), f.bus, createThing{RequestKey: "req-1"})
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	typed := apperrors.As(err)
	details, ok := typed.Details().(map[string]string)
	if !ok {
		t.Fatalf("expected field details, got %T", typed.Details())
	}
	if details["Name"] != "required" {
		t.Fatalf("unexpected details: %v", details)
	}

	if f.calls != 0 {
		t.Fatalf("handler must not run on validation failure")
	}
	widgets, outboxRows, ledgerRows := f.counts(t)
	if widgets+outboxRows+ledgerRows != 0 {
		t.Fatalf("validation failures must not touch the store")
	}
}

func TestDuplicateRequestIDReplaysWithoutSecondEffect(t *testing.T) {
	f := newBusFixture(t)
	f.registerCreate(t)

	first, err := Execute[thingResponse](context.Background(), f.bus, createThing{
		RequestKey: "req-dup",
		Name:       "sprocket",
	})
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	second, err := Execute[thingResponse](context.Background(), f.bus, createThing{
		RequestKey: "req-dup",
		Name:       "sprocket",
	})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replay marker on duplicate, got %+v", second)
	}
	if second.ID == first.ID {
		t.Fatalf("replay must not fabricate the original payload")
	}
	if f.calls != 1 {
		t.Fatalf("handler ran %d times, want 1", f.calls)
	}

	widgets, _, _ := f.counts(t)
	if widgets != 1 {
		t.Fatalf("duplicate request produced a second effect: %d widgets", widgets)
	}
}

func TestEmptyRequestIDSkipsDeduplication(t *testing.T) {
	f := newBusFixture(t)
	f.registerCreate(t)

	for i := 0; i < 2; i++ {
		if _, err := Execute[thingResponse](context.Background(), f.bus, createThing{Name: "sprocket"}); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}

	widgets, _, ledgerRows := f.counts(t)
	if widgets != 2 {
		t.Fatalf("expected 2 widgets without dedup, got %d", widgets)
	}
	if ledgerRows != 0 {
		t.Fatalf("empty request ids must not write ledger rows, got %d", ledgerRows)
	}
}

func TestHandlerErrorRollsBackLedgerInsert(t *testing.T) {
	f := newBusFixture(t)
	boom := apperrors.New(apperrors.CodeConflict, "no thanks")
	handler := func(ctx context.Context, u *uow.UnitOfWork, cmd createThing) (thingResponse, error) {
		return thingResponse{}, boom
	}
	if err := RegisterCommand(f.bus, handler); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := Execute[thingResponse](context.Background(), f.bus, createThing{
		RequestKey: "req-fail",
		Name:       "sprocket",
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}

	_, _, ledgerRows := f.counts(t)
	if ledgerRows != 0 {
		t.Fatalf("failed command must not leave a ledger marker, got %d", ledgerRows)
	}

	// the id is free again after the rollback
	f.calls = 0
	if _, err := Execute[thingResponse](context.Background(), f.bus, createThing{
		RequestKey: "req-fail",
		Name:       "sprocket",
	}); !errors.Is(err, boom) {
		t.Fatalf("retry should reach the handler again, got %v", err)
	}
}

func TestConcurrentClaimYieldsDuplicateRequestError(t *testing.T) {
	f := newBusFixture(t)
	f.registerCreate(t)

	// Simulate losing the race: the pre-check misses, then another submission
	// commits the same request id before our transaction inserts the marker.
	if err := f.conn.Create(&models.IdempotencyRecord{
		RequestID: "req-race",
		Operation: "things.create",
	}).Error; err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	fixtureLedger := f.bus.ledger
	f.bus.ledger = racingLedger{inner: fixtureLedger}

	_, err := Execute[thingResponse](context.Background(), f.bus, createThing{
		RequestKey: "req-race",
		Name:       "sprocket",
	})
	if !apperrors.IsCode(err, apperrors.CodeDuplicateRequest) {
		t.Fatalf("expected duplicate request error, got %v", err)
	}

	widgets, _, _ := f.counts(t)
	if widgets != 0 {
		t.Fatalf("losing the claim race must not commit an effect")
	}
}

// racingLedger reports ids as unseen so the insert races the seeded record.
type racingLedger struct {
	inner Ledger
}

func (l racingLedger) Exists(ctx context.Context, requestID string) (bool, error) {
	return false, nil
}

func (l racingLedger) Create(tx *gorm.DB, requestID, operation string) error {
	return l.inner.Create(tx, requestID, operation)
}

func TestQueryBypassesLedgerAndTransaction(t *testing.T) {
	f := newBusFixture(t)

	handler := func(ctx context.Context, qry getThing) (thingResponse, error) {
		if _, ok := stateFrom(ctx); ok {
			t.Fatalf("queries must not run inside the transaction stage")
		}
		return thingResponse{ID: qry.ID}, nil
	}
	if err := RegisterQuery(f.bus, handler); err != nil {
		t.Fatalf("register query: %v", err)
	}

	id := uuid.New()
	resp, err := Execute[thingResponse](context.Background(), f.bus, getThing{ID: id})
	if err != nil {
		t.Fatalf("execute query: %v", err)
	}
	if resp.ID != id {
		t.Fatalf("unexpected response: %+v", resp)
	}

	_, _, ledgerRows := f.counts(t)
	if ledgerRows != 0 {
		t.Fatalf("queries must not write ledger rows")
	}
}

func TestSubmitRejectsUnknownOperations(t *testing.T) {
	f := newBusFixture(t)

	_, err := f.bus.Submit(context.Background(), createThing{Name: "sprocket"})
	if !apperrors.IsCode(err, apperrors.CodeInternal) {
		t.Fatalf("expected internal error for unregistered command, got %v", err)
	}
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	f := newBusFixture(t)
	f.registerCreate(t)

	handler := func(ctx context.Context, u *uow.UnitOfWork, cmd createThing) (thingResponse, error) {
		return thingResponse{}, nil
	}
	if err := RegisterCommand(f.bus, handler); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
