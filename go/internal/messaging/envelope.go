package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Header names shared by every transport.
const (
	HeaderEventID   = "Event-ID"
	HeaderEventType = "Event-Type"
	HeaderSource    = "Source-Module"
)

// Envelope is the wire form of a published outbox message.
type Envelope struct {
	ID         uuid.UUID       `json:"eventId"`
	Type       string          `json:"eventType"`
	Source     string          `json:"source"`
	OccurredOn time.Time       `json:"occurredOn"`
	Payload    json.RawMessage `json:"payload"`
}

func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.ID == uuid.Nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: missing eventId")
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("unmarshal envelope: missing eventType")
	}
	return e, nil
}

// Subject is the routing key for an event: "<prefix>.<source>.<type>".
func Subject(prefix, source, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, source, eventType)
}
