package outbox

import (
	"encoding/json"
	"time"
)

// PayloadEnvelope is the stable payload structure stored in outbox_messages.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	MessageID  string          `json:"messageId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}
