package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/messaging"
)

// Message is a domain event persisted for later publication. ProcessedDate
// goes from nil to non-nil exactly once.
type Message struct {
	ID            uuid.UUID       `json:"id"`
	OccurredOn    time.Time       `json:"occurred_on"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	ProcessedDate *time.Time      `json:"processed_date,omitempty"`
}

// Repository is the storage behind one module's outbox table.
type Repository interface {
	Insert(ctx context.Context, msgs ...Message) error
	// FetchUnprocessed returns pending rows oldest first. Inside a
	// transaction the rows stay locked, and rows locked by others are skipped.
	FetchUnprocessed(ctx context.Context, limit int) ([]Message, error)
	FetchByID(ctx context.Context, id uuid.UUID) (Message, error)
	MarkProcessed(ctx context.Context, at time.Time, ids ...uuid.UUID) error
	CountPending(ctx context.Context) (int, error)
}

// Publisher hands an envelope to a transport.
type Publisher interface {
	Publish(ctx context.Context, env messaging.Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env messaging.Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env messaging.Envelope) error {
	return f(ctx, env)
}

// Envelope wraps msg for the wire.
func Envelope(source string, msg Message) messaging.Envelope {
	return messaging.Envelope{
		ID:         msg.ID,
		Type:       msg.Type,
		Source:     source,
		OccurredOn: msg.OccurredOn,
		Payload:    msg.Data,
	}
}
