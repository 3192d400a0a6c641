package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
	"github.com/widgetry-io/widgetry-backend/pkg/enums"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/payloads"
)

// MessageDescriptor links a message type to its aggregate and payload schema.
type MessageDescriptor struct {
	MessageType    enums.OutboxMessageType
	AggregateType  enums.OutboxAggregateType
	PayloadFactory func() any
}

// Resolved is the result of decoding an outbox row.
type Resolved struct {
	Descriptor MessageDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// NonRetryableError signals the relay should stop retrying a row.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// MessageRegistry maps each supported message type to its descriptor. It is
// populated at composition time and read-only afterwards.
type MessageRegistry struct {
	entries map[enums.OutboxMessageType]MessageDescriptor
}

func NewMessageRegistry(descriptors ...MessageDescriptor) *MessageRegistry {
	reg := &MessageRegistry{entries: make(map[enums.OutboxMessageType]MessageDescriptor)}
	for _, desc := range descriptors {
		reg.register(desc)
	}
	return reg
}

func (r *MessageRegistry) register(desc MessageDescriptor) {
	if desc.PayloadFactory == nil {
		return
	}
	r.entries[desc.MessageType] = desc
}

// Resolve validates the row and decodes its typed payload.
func (r *MessageRegistry) Resolve(msg models.OutboxMessage) (*Resolved, error) {
	desc, ok := r.entries[msg.MessageType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported message type %s", msg.MessageType))
	}
	if desc.AggregateType != msg.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, msg.AggregateType))
	}
	if msg.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(fmt.Errorf("missing aggregate_id"))
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}

	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", msg.MessageType))
	}

	payload := desc.PayloadFactory()
	if payload == nil {
		return nil, NewNonRetryableError(fmt.Errorf("payload factory not configured for %s", msg.MessageType))
	}
	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", msg.MessageType, err))
	}

	return &Resolved{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
	}, nil
}

// Default returns the registry covering every widget message type.
func Default() *MessageRegistry {
	return NewMessageRegistry(
		MessageDescriptor{
			MessageType:    enums.MessageWidgetCreated,
			AggregateType:  enums.AggregateWidget,
			PayloadFactory: func() any { return &payloads.WidgetCreated{} },
		},
		MessageDescriptor{
			MessageType:    enums.MessageWidgetUpdated,
			AggregateType:  enums.AggregateWidget,
			PayloadFactory: func() any { return &payloads.WidgetUpdated{} },
		},
		MessageDescriptor{
			MessageType:    enums.MessageWidgetArchived,
			AggregateType:  enums.AggregateWidget,
			PayloadFactory: func() any { return &payloads.WidgetArchived{} },
		},
	)
}
