package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/widgetry-io/widgetry-backend/pkg/db/models"
	"github.com/widgetry-io/widgetry-backend/pkg/enums"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox"
	"github.com/widgetry-io/widgetry-backend/pkg/outbox/payloads"
)

func envelopeWith(t *testing.T, data any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	env := outbox.PayloadEnvelope{
		Version:    1,
		MessageID:  uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return encoded
}

func validMessage(t *testing.T) models.OutboxMessage {
	t.Helper()
	widgetID := uuid.New()
	return models.OutboxMessage{
		ID:            uuid.New(),
		MessageType:   enums.MessageWidgetCreated,
		AggregateType: enums.AggregateWidget,
		AggregateID:   widgetID,
		Payload: envelopeWith(t, payloads.WidgetCreated{
			WidgetID: widgetID,
			Name:     "sprocket",
			Status:   enums.WidgetStatusActive,
		}),
	}
}

func TestResolveDecodesTypedPayload(t *testing.T) {
	msg := validMessage(t)

	resolved, err := Default().Resolve(msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Descriptor.MessageType != enums.MessageWidgetCreated {
		t.Fatalf("unexpected descriptor: %+v", resolved.Descriptor)
	}
	payload, ok := resolved.Payload.(*payloads.WidgetCreated)
	if !ok {
		t.Fatalf("unexpected payload type %T", resolved.Payload)
	}
	if payload.Name != "sprocket" {
		t.Fatalf("payload mangled: %+v", payload)
	}
	if resolved.Envelope.MessageID == "" {
		t.Fatalf("expected envelope message id")
	}
}

func TestResolveUnknownTypeIsNonRetryable(t *testing.T) {
	msg := validMessage(t)
	msg.MessageType = enums.OutboxMessageType("widget_exploded")

	_, err := Default().Resolve(msg)
	assertNonRetryable(t, err)
}

func TestResolveAggregateMismatchIsNonRetryable(t *testing.T) {
	msg := validMessage(t)
	msg.AggregateType = enums.OutboxAggregateType("order")

	_, err := Default().Resolve(msg)
	assertNonRetryable(t, err)
}

func TestResolveMissingAggregateIDIsNonRetryable(t *testing.T) {
	msg := validMessage(t)
	msg.AggregateID = uuid.Nil

	_, err := Default().Resolve(msg)
	assertNonRetryable(t, err)
}

func TestResolveMalformedEnvelopeIsNonRetryable(t *testing.T) {
	msg := validMessage(t)
	msg.Payload = []byte(`{not json`)

	_, err := Default().Resolve(msg)
	assertNonRetryable(t, err)
}

func TestResolveEmptyDataIsNonRetryable(t *testing.T) {
	msg := validMessage(t)
	env := outbox.PayloadEnvelope{Version: 1, MessageID: uuid.NewString(), OccurredAt: time.Now(), Data: []byte("null")}
	encoded, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	msg.Payload = encoded

	_, rerr := Default().Resolve(msg)
	assertNonRetryable(t, rerr)
}

func assertNonRetryable(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error")
	}
	var nre NonRetryableError
	if !errors.As(err, &nre) {
		t.Fatalf("expected non-retryable error, got %T: %v", err, err)
	}
}
