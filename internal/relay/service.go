package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/widgetry-io/widgetry-backend/pkg/config"
	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
	"github.com/widgetry-io/widgetry-backend/pkg/enums"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
	"github.com/widgetry-io/widgetry-backend/pkg/metrics"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize    = 50
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxAttempts  = 10
	maxBackoff          = 10 * time.Second
	jitterWindow        = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(ctx context.Context) error
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	ClaimPendingTx(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxMessage, error)
	MarkProcessedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, cause error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, cause error, terminalAttempts int) error
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type messageResolver interface {
	Resolve(msg models.OutboxMessage) (*registry.Resolved, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, msg *registry.Resolved) error
}

type ServiceParams struct {
	Config     config.OutboxConfig
	Logger     *logger.Logger
	DB         dbClient
	Repository outboxRepository
	DLQ        dlqRepository
	Registry   messageResolver
	Dispatcher dispatcher
	Metrics    *metrics.RelayMetrics
}

// Service is the outbox relay loop. Multiple instances may run concurrently
// against the same store; the skip-locked claim keeps their batches disjoint.
type Service struct {
	logg         *logger.Logger
	db           dbClient
	repo         outboxRepository
	dlq          dlqRepository
	registry     messageResolver
	dispatcher   dispatcher
	metrics      *metrics.RelayMetrics
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	retention    time.Duration
	purgeEvery   time.Duration
	lastPurge    time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.DLQ == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("message registry is required")
	}
	if params.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	batch := params.Config.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	poll := params.Config.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	maxAttempts := params.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Service{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		dlq:          params.DLQ,
		registry:     params.Registry,
		dispatcher:   params.Dispatcher,
		metrics:      params.Metrics,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		pollInterval: poll,
		retention:    params.Config.Retention,
		purgeEvery:   params.Config.PurgeInterval,
	}, nil
}

// Run polls until ctx is canceled. A full batch loops again immediately; an
// empty or partial batch sleeps for the poll interval. Storage faults back
// off exponentially and never crash the process.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	backoff := s.pollInterval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "relay context canceled")
			return ctx.Err()
		default:
		}

		s.maybePurge(ctx)

		claimed, err := s.processBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "relay batch error", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = s.pollInterval

		if claimed == s.batchSize {
			continue
		}

		if err := s.sleep(ctx, withJitter(s.pollInterval)); err != nil {
			return err
		}
	}
}

// processBatch claims and handles one batch inside a single transaction.
// Success and failure marks commit together; a crash before commit leaves
// every claimed row pending and re-claimable, which is what gives
// at-least-once delivery. The batch runs under a detached context so a
// shutdown signal cannot split the commit.
func (s *Service) processBatch(ctx context.Context) (int, error) {
	start := time.Now()
	claimed := 0

	batchCtx := context.WithoutCancel(ctx)
	err := s.db.WithTx(batchCtx, func(tx *gorm.DB) error {
		msgs, err := s.repo.ClaimPendingTx(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		claimed = len(msgs)
		if claimed == 0 {
			return nil
		}

		for _, msg := range msgs {
			if err := s.handleMessage(batchCtx, tx, msg); err != nil {
				return err
			}
		}
		return nil
	})

	s.metrics.ObserveBatchSize(claimed)
	s.metrics.ObserveIteration(time.Since(start))
	return claimed, err
}

// handleMessage dispatches one claimed row and records the outcome mark.
// Dispatch errors are contained per message so one poison row never blocks
// the rest of the batch; only mark/storage errors abort the transaction.
func (s *Service) handleMessage(ctx context.Context, tx *gorm.DB, msg models.OutboxMessage) error {
	resolved, err := s.registry.Resolve(msg)
	if err != nil {
		return s.handleTerminal(ctx, tx, msg, enums.OutboxDLQReasonNonRetryable, err)
	}

	fields := s.messageFields(msg, resolved.Envelope.MessageID)

	if err := s.dispatcher.Dispatch(ctx, resolved); err != nil {
		nextAttempt := msg.AttemptCount + 1
		fields["attempt_count"] = nextAttempt

		if nextAttempt >= s.maxAttempts {
			terminalErr := fmt.Errorf("max dispatch attempts reached: %w", err)
			return s.handleTerminal(ctx, tx, msg, enums.OutboxDLQReasonMaxAttempts, terminalErr)
		}

		logCtx := s.logg.WithFields(ctx, fields)
		logCtx = s.logg.WithField(logCtx, "error", err.Error())
		s.logg.Warn(logCtx, "outbox dispatch failed")
		s.metrics.IncFailed()
		if markErr := s.repo.MarkFailedTx(tx, msg.ID, err); markErr != nil {
			return fmt.Errorf("mark failed %s: %w", msg.ID, markErr)
		}
		return nil
	}

	if markErr := s.repo.MarkProcessedTx(tx, msg.ID); markErr != nil {
		return fmt.Errorf("mark processed %s: %w", msg.ID, markErr)
	}
	s.metrics.IncProcessed()
	s.logg.Info(s.logg.WithFields(ctx, fields), "outbox message processed")
	return nil
}

func (s *Service) handleTerminal(ctx context.Context, tx *gorm.DB, msg models.OutboxMessage, reason enums.OutboxDLQErrorReason, cause error) error {
	fields := s.messageFields(msg, "")
	fields["error_reason"] = reason
	logCtx := s.logg.WithFields(ctx, fields)
	logCtx = s.logg.WithField(logCtx, "error", cause.Error())
	s.logg.Warn(logCtx, "outbox message will not be retried")

	entry := models.OutboxDLQ{
		MessageID:     msg.ID,
		MessageType:   msg.MessageType,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		Payload:       msg.Payload,
		ErrorReason:   reason,
		ErrorMessage:  dlqErrorMessage(cause),
		AttemptCount:  msg.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := s.dlq.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", msg.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, msg.ID, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", msg.ID, err)
	}
	s.metrics.IncDeadLettered()
	return nil
}

func dlqErrorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

func (s *Service) maybePurge(ctx context.Context) {
	if s.retention <= 0 || s.purgeEvery <= 0 {
		return
	}
	if time.Since(s.lastPurge) < s.purgeEvery {
		return
	}
	s.lastPurge = time.Now()
	cutoff := time.Now().Add(-s.retention)
	removed, err := s.repo.PurgeProcessedBefore(ctx, cutoff)
	if err != nil {
		s.logg.Error(ctx, "outbox retention purge failed", err)
		return
	}
	if removed > 0 {
		logCtx := s.logg.WithField(ctx, "purged", removed)
		s.logg.Info(logCtx, "purged processed outbox messages")
	}
}

func (s *Service) messageFields(msg models.OutboxMessage, messageID string) map[string]any {
	fields := map[string]any{
		"outbox_id":      msg.ID.String(),
		"message_type":   msg.MessageType,
		"aggregate_type": msg.AggregateType,
		"aggregate_id":   msg.AggregateID.String(),
		"attempt_count":  msg.AttemptCount,
	}
	if messageID != "" {
		fields["message_id"] = messageID
	}
	if msg.LastError != nil {
		fields["last_error"] = *msg.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
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

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
