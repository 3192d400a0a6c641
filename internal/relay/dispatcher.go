package relay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/widgetry-io/widgetry-backend/pkg/enums"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/registry"
)

// Subscriber consumes a resolved outbox message. Subscribers must be
// idempotent: the relay guarantees at-least-once delivery, not exactly-once.
type Subscriber func(ctx context.Context, msg *registry.Resolved) error

// Dispatcher fans resolved messages out to the in-process subscribers
// registered for their message type. Registration happens at composition
// time; Dispatch is safe for concurrent use afterwards.
type Dispatcher struct {
	mtx  sync.RWMutex
	subs map[enums.OutboxMessageType][]Subscriber
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[enums.OutboxMessageType][]Subscriber)}
}

// Subscribe adds a handler for the given message type.
func (d *Dispatcher) Subscribe(messageType enums.OutboxMessageType, fn Subscriber) {
	if fn == nil {
		return
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.subs[messageType] = append(d.subs[messageType], fn)
}

// NotifiedMessageTypes lists every message type the widget domain publishes.
func NotifiedMessageTypes() []enums.OutboxMessageType {
	return []enums.OutboxMessageType{
		enums.MessageWidgetCreated,
		enums.MessageWidgetUpdated,
		enums.MessageWidgetArchived,
	}
}

// Dispatch invokes every subscriber for the message type. All subscribers
// run even if an earlier one fails; their errors are aggregated so the relay
// retries the whole message.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *registry.Resolved) error {
	d.mtx.RLock()
	subs := d.subs[msg.Descriptor.MessageType]
	d.mtx.RUnlock()

	var combined error
	for i, fn := range subs {
		if err := fn(ctx, msg); err != nil {
			combined = multierr.Append(combined, fmt.Errorf("subscriber %d: %w", i, err))
		}
	}
	return combined
}
