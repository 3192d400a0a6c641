package widgets

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/widgetry-io/widgetry-backend/internal/command"
	"github.com/widgetry-io/widgetry-backend/internal/uow"
	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
	"github.com/widgetry-io/widgetry-backend/pkg/enums"
	apperrors "github.com/widgetry-io/widgetry-backend/pkg/errors"
	"github.com/widgetry-io/widgetry-backend/pkg/logger"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/event"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/payloads"
	"github.com/widgetry-io/widgetry-backend/pkg/pagination"
)

// Service implements widget command and query handlers. Handlers record
// domain events on the aggregate and track it with the unit of work; the
// outbox rows materialize at commit, not here.
type Service struct {
	repo Repository
	logg *logger.Logger
}

func NewService(repo Repository, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	return &Service{repo: repo, logg: logg}, nil
}

// Register wires every widget operation into the bus. Replay responses carry
// only the Replayed flag; see WidgetResponse.
func Register(bus *command.Bus, svc *Service) error {
	if err := command.RegisterCommand(bus, svc.CreateWidget,
		command.WithReplayValue(replayResponse)); err != nil {
		return err
	}
	if err := command.RegisterCommand(bus, svc.UpdateWidget,
		command.WithReplayValue(replayResponse)); err != nil {
		return err
	}
	if err := command.RegisterCommand(bus, svc.ArchiveWidget,
		command.WithReplayValue(replayResponse)); err != nil {
		return err
	}
	if err := command.RegisterQuery(bus, svc.GetWidget); err != nil {
		return err
	}
	return command.RegisterQuery(bus, svc.ListWidgets)
}

func replayResponse() WidgetResponse {
	return WidgetResponse{Replayed: true}
}

func (s *Service) CreateWidget(ctx context.Context, u *uow.UnitOfWork, cmd CreateWidget) (WidgetResponse, error) {
	now := time.Now().UTC()
	w := &models.Widget{
		ID:          uuid.New(),
		Name:        cmd.Name,
		Description: cmd.Description,
		Status:      enums.WidgetStatusActive,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.Record(event.Event{
		MessageType:   enums.MessageWidgetCreated,
		AggregateType: enums.AggregateWidget,
		AggregateID:   w.ID,
		Data: payloads.WidgetCreated{
			WidgetID:    w.ID,
			Name:        w.Name,
			Description: w.Description,
			Status:      w.Status,
			CreatedAt:   w.CreatedAt,
		},
	})

	if err := s.repo.WithTx(u.Tx()).Create(ctx, w); err != nil {
		return WidgetResponse{}, err
	}
	u.Track(w)
	return toResponse(w), nil
}

func (s *Service) UpdateWidget(ctx context.Context, u *uow.UnitOfWork, cmd UpdateWidget) (WidgetResponse, error) {
	repo := s.repo.WithTx(u.Tx())

	w, err := repo.FindByID(ctx, cmd.WidgetID)
	if err != nil {
		return WidgetResponse{}, err
	}
	if w == nil {
		return WidgetResponse{}, apperrors.New(apperrors.CodeNotFound, "widget not found")
	}
	if w.Status == enums.WidgetStatusArchived {
		return WidgetResponse{}, apperrors.New(apperrors.CodeConflict, "archived widgets cannot be updated")
	}

	if cmd.Name != nil {
		w.Name = *cmd.Name
	}
	if cmd.Description != nil {
		w.Description = *cmd.Description
	}

	if err := repo.UpdateVersioned(ctx, w, cmd.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return WidgetResponse{}, apperrors.Wrap(apperrors.CodeConflict, err, "widget was modified concurrently")
		}
		return WidgetResponse{}, err
	}

	w.Record(event.Event{
		MessageType:   enums.MessageWidgetUpdated,
		AggregateType: enums.AggregateWidget,
		AggregateID:   w.ID,
		Data: payloads.WidgetUpdated{
			WidgetID:    w.ID,
			Name:        w.Name,
			Description: w.Description,
			Version:     w.Version,
			UpdatedAt:   time.Now().UTC(),
		},
	})
	u.Track(w)
	return toResponse(w), nil
}

func (s *Service) ArchiveWidget(ctx context.Context, u *uow.UnitOfWork, cmd ArchiveWidget) (WidgetResponse, error) {
	repo := s.repo.WithTx(u.Tx())

	w, err := repo.FindByID(ctx, cmd.WidgetID)
	if err != nil {
		return WidgetResponse{}, err
	}
	if w == nil {
		return WidgetResponse{}, apperrors.New(apperrors.CodeNotFound, "widget not found")
	}
	if w.Status == enums.WidgetStatusArchived {
		// Archiving twice is a no-op, not an error.
		return toResponse(w), nil
	}

	w.Status = enums.WidgetStatusArchived
	if err := repo.UpdateVersioned(ctx, w, cmd.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return WidgetResponse{}, apperrors.Wrap(apperrors.CodeConflict, err, "widget was modified concurrently")
		}
		return WidgetResponse{}, err
	}

	w.Record(event.Event{
		MessageType:   enums.MessageWidgetArchived,
		AggregateType: enums.AggregateWidget,
		AggregateID:   w.ID,
		Data: payloads.WidgetArchived{
			WidgetID:   w.ID,
			ArchivedAt: time.Now().UTC(),
		},
	})
	u.Track(w)
	return toResponse(w), nil
}

func (s *Service) GetWidget(ctx context.Context, qry GetWidget) (WidgetResponse, error) {
	w, err := s.repo.FindByID(ctx, qry.WidgetID)
	if err != nil {
		return WidgetResponse{}, err
	}
	if w == nil {
		return WidgetResponse{}, apperrors.New(apperrors.CodeNotFound, "widget not found")
	}
	return toResponse(w), nil
}

func (s *Service) ListWidgets(ctx context.Context, qry ListWidgets) (ListWidgetsResponse, error) {
	cursor, err := pagination.ParseCursor(qry.Cursor)
	if err != nil {
		return ListWidgetsResponse{}, apperrors.Wrap(apperrors.CodeValidation, err, "invalid cursor")
	}

	filter := ListFilter{
		Limit:  qry.Limit,
		Cursor: cursor,
	}
	if qry.Status != "" {
		status, err := enums.ParseWidgetStatus(qry.Status)
		if err != nil {
			return ListWidgetsResponse{}, apperrors.Wrap(apperrors.CodeValidation, err, "invalid status")
		}
		filter.Status = status
	}

	rows, err := s.repo.List(ctx, filter)
	if err != nil {
		return ListWidgetsResponse{}, err
	}

	limit := pagination.NormalizeLimit(qry.Limit)
	resp := ListWidgetsResponse{Items: make([]WidgetResponse, 0, len(rows))}
	for i := range rows {
		if i == limit {
			last := rows[limit-1]
			resp.NextCursor = pagination.EncodeCursor(pagination.Cursor{
				CreatedAt: last.CreatedAt,
				ID:        last.ID,
			})
			break
		}
		resp.Items = append(resp.Items, toResponse(&rows[i]))
	}
	return resp, nil
}
