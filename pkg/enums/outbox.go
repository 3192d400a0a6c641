package enums

import "fmt"

// OutboxAggregateType names the aggregate kind an outbox row belongs to.
type OutboxAggregateType string

const (
	AggregateWidget OutboxAggregateType = "widget"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateWidget,
}

// IsValid reports whether the value is a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxMessageType identifies the notification schema carried by a row.
type OutboxMessageType string

const (
	MessageWidgetCreated  OutboxMessageType = "widget_created"
	MessageWidgetUpdated  OutboxMessageType = "widget_updated"
	MessageWidgetArchived OutboxMessageType = "widget_archived"
)

var validOutboxMessageTypes = []OutboxMessageType{
	MessageWidgetCreated,
	MessageWidgetUpdated,
	MessageWidgetArchived,
}

// IsValid reports whether the value is a known message type.
func (m OutboxMessageType) IsValid() bool {
	for _, candidate := range validOutboxMessageTypes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseOutboxMessageType converts raw input into OutboxMessageType.
func ParseOutboxMessageType(value string) (OutboxMessageType, error) {
	for _, candidate := range validOutboxMessageTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid message type %q", value)
}
