package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/event"
)

// Service turns pending domain events into outbox rows. Emit must run inside
// the transaction that commits the mutation the event describes; that shared
// boundary is what makes the outbox transactional.
type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

func (s *Service) Emit(ctx context.Context, tx *gorm.DB, ev event.Event) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !ev.MessageType.IsValid() {
		return fmt.Errorf("invalid message type %q", ev.MessageType)
	}
	if ev.AggregateID == uuid.Nil {
		return errors.New("aggregate id is required")
	}

	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.MessageType, err)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	envelope := PayloadEnvelope{
		Version:    ev.Version,
		MessageID:  uuid.NewString(),
		OccurredAt: ev.OccurredAt,
		Data:       payload,
	}
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	row := models.OutboxMessage{
		MessageType:   ev.MessageType,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		Payload:       json.RawMessage(envelopeJSON),
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"message_id":     envelope.MessageID,
			"message_type":   ev.MessageType,
			"aggregate_id":   ev.AggregateID.String(),
			"aggregate_type": ev.AggregateType,
		})
		s.logg.Debug(logCtx, "outbox message queued")
	}
	return nil
}
