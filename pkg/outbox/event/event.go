package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/widgetry-io/widgetry-backend/pkg/enums"
)

// Event describes a notification an aggregate wants delivered once its
// transaction commits.
type Event struct {
	MessageType   enums.OutboxMessageType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Data          any
	Version       int
	OccurredAt    time.Time
}

// Source is anything that accumulates pending events between a mutation and
// the commit that flushes them.
type Source interface {
	PendingEvents() []Event
	ClearPendingEvents()
}

// Recorder gives an aggregate an in-memory outbox draft. The draft is drained
// and cleared only by the unit of work at commit time; it must never survive
// a transaction boundary.
type Recorder struct {
	pending []Event
}

// Record appends an event to the draft.
func (r *Recorder) Record(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Version == 0 {
		ev.Version = 1
	}
	r.pending = append(r.pending, ev)
}

// PendingEvents returns the drafted events in record order.
func (r *Recorder) PendingEvents() []Event {
	return r.pending
}

// ClearPendingEvents empties the draft.
func (r *Recorder) ClearPendingEvents() {
	r.pending = nil
}
