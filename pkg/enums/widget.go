package enums

import "fmt"

// WidgetStatus is the lifecycle state stored in widgets.status.
type WidgetStatus string

const (
	WidgetStatusActive   WidgetStatus = "active"
	WidgetStatusArchived WidgetStatus = "archived"
)

var validWidgetStatuses = []WidgetStatus{
	WidgetStatusActive,
	WidgetStatusArchived,
}

// IsValid reports whether the value matches the canonical widget_status enum.
func (s WidgetStatus) IsValid() bool {
	for _, candidate := range validWidgetStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseWidgetStatus converts raw input into WidgetStatus.
func ParseWidgetStatus(value string) (WidgetStatus, error) {
	for _, candidate := range validWidgetStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid widget status %q", value)
}
