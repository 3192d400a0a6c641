package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/widgetry-io/widgetry-backend/pkg/config"
	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
	"github.com/widgetry-io/widgetry-backend/pkg/enums"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/payloads"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/registry"
)

type fakeDB struct{}

func (fakeDB) Ping(ctx context.Context) error { return nil }

func (fakeDB) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeOutboxRepo struct {
	pending   []models.OutboxMessage
	processed []uuid.UUID
	failed    []uuid.UUID
	terminal  []uuid.UUID
	claimErr  error
}

func (f *fakeOutboxRepo) ClaimPendingTx(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxMessage, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeOutboxRepo) MarkProcessedTx(tx *gorm.DB, id uuid.UUID) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeOutboxRepo) MarkFailedTx(tx *gorm.DB, id uuid.UUID, cause error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeOutboxRepo) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, cause error, terminalAttempts int) error {
	f.terminal = append(f.terminal, id)
	return nil
}

func (f *fakeOutboxRepo) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeDLQRepo struct {
	entries []models.OutboxDLQ
}

func (f *fakeDLQRepo) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeResolver struct {
	err error
}

func (f *fakeResolver) Resolve(msg models.OutboxMessage) (*registry.Resolved, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &registry.Resolved{
		Descriptor: registry.MessageDescriptor{
			MessageType:   msg.MessageType,
			AggregateType: msg.AggregateType,
		},
		Envelope: outbox.PayloadEnvelope{
			MessageID:  uuid.NewString(),
			OccurredAt: time.Now().UTC(),
		},
		Payload: &payloads.WidgetCreated{},
	}, nil
}

type fakeDispatcher struct {
	results []error
	calls   int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, msg *registry.Resolved) error {
	var err error
	if f.calls < len(f.results) {
		err = f.results[f.calls]
	}
	f.calls++
	return err
}

func testMessage(attempts int) models.OutboxMessage {
	return models.OutboxMessage{
		ID:            uuid.New(),
		MessageType:   enums.MessageWidgetCreated,
		AggregateType: enums.AggregateWidget,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{"version":1,"data":{}}`),
		CreatedAt:     time.Now().UTC(),
		AttemptCount:  attempts,
	}
}

func newTestRelay(t *testing.T, repo *fakeOutboxRepo, dlq *fakeDLQRepo, resolver *fakeResolver, dispatcher *fakeDispatcher) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Config: config.OutboxConfig{
			BatchSize:    10,
			PollInterval: time.Millisecond,
			MaxAttempts:  3,
		},
		Logger:     logger.New(logger.Options{ServiceName: "relay-test", Output: io.Discard}),
		DB:         fakeDB{},
		Repository: repo,
		DLQ:        dlq,
		Registry:   resolver,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func TestProcessBatchContinuesAfterDispatchFailure(t *testing.T) {
	first := testMessage(0)
	second := testMessage(0)
	repo := &fakeOutboxRepo{pending: []models.OutboxMessage{first, second}}
	dispatcher := &fakeDispatcher{results: []error{errors.New("transient"), nil}}
	service := newTestRelay(t, repo, &fakeDLQRepo{}, &fakeResolver{}, dispatcher)

	claimed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if claimed != 2 {
		t.Fatalf("expected 2 claimed, got %d", claimed)
	}
	if len(repo.failed) != 1 || repo.failed[0] != first.ID {
		t.Fatalf("unexpected failed marks: %v", repo.failed)
	}
	if len(repo.processed) != 1 || repo.processed[0] != second.ID {
		t.Fatalf("unexpected processed marks: %v", repo.processed)
	}
}

func TestDispatchFailureBelowCapStaysRetryable(t *testing.T) {
	msg := testMessage(0)
	repo := &fakeOutboxRepo{pending: []models.OutboxMessage{msg}}
	dlq := &fakeDLQRepo{}
	dispatcher := &fakeDispatcher{results: []error{errors.New("downstream down")}}
	service := newTestRelay(t, repo, dlq, &fakeResolver{}, dispatcher)

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(repo.failed) != 1 {
		t.Fatalf("expected failed mark, got %v", repo.failed)
	}
	if len(repo.terminal) != 0 || len(dlq.entries) != 0 {
		t.Fatalf("retryable failure must not dead letter")
	}
}

func TestMaxAttemptsMovesMessageToDLQ(t *testing.T) {
	msg := testMessage(2) // next failure is attempt 3 of 3
	repo := &fakeOutboxRepo{pending: []models.OutboxMessage{msg}}
	dlq := &fakeDLQRepo{}
	dispatcher := &fakeDispatcher{results: []error{errors.New("still broken")}}
	service := newTestRelay(t, repo, dlq, &fakeResolver{}, dispatcher)

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(repo.terminal) != 1 || repo.terminal[0] != msg.ID {
		t.Fatalf("expected terminal mark, got %v", repo.terminal)
	}
	if len(dlq.entries) != 1 {
		t.Fatalf("expected dlq entry, got %d", len(dlq.entries))
	}
	entry := dlq.entries[0]
	if entry.ErrorReason != enums.OutboxDLQReasonMaxAttempts {
		t.Fatalf("unexpected reason: %s", entry.ErrorReason)
	}
	if entry.MessageID != msg.ID {
		t.Fatalf("dlq entry references wrong message: %s", entry.MessageID)
	}
	if len(repo.failed) != 0 {
		t.Fatalf("terminal messages must not also be marked failed")
	}
}

func TestUndecodableMessageDeadLettersImmediately(t *testing.T) {
	msg := testMessage(0)
	repo := &fakeOutboxRepo{pending: []models.OutboxMessage{msg}}
	dlq := &fakeDLQRepo{}
	dispatcher := &fakeDispatcher{}
	resolver := &fakeResolver{err: registry.NewNonRetryableError(errors.New("unknown type"))}
	service := newTestRelay(t, repo, dlq, resolver, dispatcher)

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if dispatcher.calls != 0 {
		t.Fatalf("undecodable messages must not dispatch")
	}
	if len(dlq.entries) != 1 || dlq.entries[0].ErrorReason != enums.OutboxDLQReasonNonRetryable {
		t.Fatalf("unexpected dlq state: %+v", dlq.entries)
	}
	if len(repo.terminal) != 1 {
		t.Fatalf("expected terminal mark")
	}
}

// claimingRepo hands each pending row out at most once, mirroring how
// SKIP LOCKED partitions rows across concurrent claimants.
type claimingRepo struct {
	fakeOutboxRepo
}

func (f *claimingRepo) ClaimPendingTx(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxMessage, error) {
	n := limit
	if n > len(f.pending) {
		n = len(f.pending)
	}
	batch := f.pending[:n]
	f.pending = f.pending[n:]
	return batch, nil
}

func TestCompetingWorkersProcessEachMessageOnce(t *testing.T) {
	repo := &claimingRepo{fakeOutboxRepo{pending: []models.OutboxMessage{
		testMessage(0), testMessage(0), testMessage(0), testMessage(0),
	}}}

	newWorker := func(dispatcher *fakeDispatcher) *Service {
		service, err := NewService(ServiceParams{
			Config: config.OutboxConfig{
				BatchSize:    2,
				PollInterval: time.Millisecond,
				MaxAttempts:  3,
			},
			Logger:     logger.New(logger.Options{ServiceName: "relay-test", Output: io.Discard}),
			DB:         fakeDB{},
			Repository: repo,
			DLQ:        &fakeDLQRepo{},
			Registry:   &fakeResolver{},
			Dispatcher: dispatcher,
		})
		if err != nil {
			t.Fatalf("new service: %v", err)
		}
		return service
	}

	first := &fakeDispatcher{}
	second := &fakeDispatcher{}
	for _, worker := range []*Service{newWorker(first), newWorker(second)} {
		if _, err := worker.processBatch(context.Background()); err != nil {
			t.Fatalf("process batch: %v", err)
		}
	}

	if first.calls+second.calls != 4 {
		t.Fatalf("expected 4 total dispatches, got %d", first.calls+second.calls)
	}
	if len(repo.processed) != 4 {
		t.Fatalf("expected 4 processed marks, got %d", len(repo.processed))
	}
	seen := map[uuid.UUID]bool{}
	for _, id := range repo.processed {
		if seen[id] {
			t.Fatalf("message %s processed twice", id)
		}
		seen[id] = true
	}
}

func TestProcessBatchPropagatesClaimErrors(t *testing.T) {
	repo := &fakeOutboxRepo{claimErr: errors.New("storage offline")}
	service := newTestRelay(t, repo, &fakeDLQRepo{}, &fakeResolver{}, &fakeDispatcher{})

	if _, err := service.processBatch(context.Background()); err == nil {
		t.Fatalf("expected claim error to surface")
	}
}

func TestProcessBatchEmpty(t *testing.T) {
	repo := &fakeOutboxRepo{}
	service := newTestRelay(t, repo, &fakeDLQRepo{}, &fakeResolver{}, &fakeDispatcher{})

	claimed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if claimed != 0 {
		t.Fatalf("expected empty batch, got %d", claimed)
	}
}

func TestNewServiceValidatesParams(t *testing.T) {
	_, err := NewService(ServiceParams{})
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewServiceAppliesDefaults(t *testing.T) {
	service := newTestRelayWithConfig(t, config.OutboxConfig{})
	if service.batchSize != defaultBatchSize {
		t.Fatalf("unexpected batch size: %d", service.batchSize)
	}
	if service.pollInterval != defaultPollInterval {
		t.Fatalf("unexpected poll interval: %s", service.pollInterval)
	}
	if service.maxAttempts != defaultMaxAttempts {
		t.Fatalf("unexpected max attempts: %d", service.maxAttempts)
	}
}

func newTestRelayWithConfig(t *testing.T, cfg config.OutboxConfig) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     logger.New(logger.Options{ServiceName: "relay-test", Output: io.Discard}),
		DB:         fakeDB{},
		Repository: &fakeOutboxRepo{},
		DLQ:        &fakeDLQRepo{},
		Registry:   &fakeResolver{},
		Dispatcher: &fakeDispatcher{},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	base := 500 * time.Millisecond
	got := nextBackoff(base, base, maxBackoff)
	if got != time.Second {
		t.Fatalf("expected doubling, got %s", got)
	}
	got = nextBackoff(8*time.Second, base, maxBackoff)
	if got != maxBackoff {
		t.Fatalf("expected cap at %s, got %s", maxBackoff, got)
	}
	got = nextBackoff(0, base, maxBackoff)
	if got != time.Second {
		t.Fatalf("zero backoff should restart from base, got %s", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	repo := &fakeOutboxRepo{}
	service := newTestRelay(t, repo, &fakeDLQRepo{}, &fakeResolver{}, &fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop after cancel")
	}
}
