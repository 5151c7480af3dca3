// Package inbox deduplicates messages received from other modules. A message
// id is recorded before its handler runs; a second delivery of the same id
// finds the record and is dropped.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound       = errors.New("inbox: message not found")
	ErrNoHandler      = errors.New("inbox: no handler for message type")
	ErrDuplicateRoute = errors.New("inbox: handler already registered")
)

type Message struct {
	ID            uuid.UUID       `json:"id"`
	OccurredOn    time.Time       `json:"occurred_on"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	ProcessedDate *time.Time      `json:"processed_date,omitempty"`
}

type Repository interface {
	// Insert reports false, without error, when the id is already present.
	Insert(ctx context.Context, msg Message) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	Get(ctx context.Context, id uuid.UUID) (Message, error)
}

// Inbox is one module's receive log.
type Inbox struct {
	repo  Repository
	clock clockwork.Clock
}

func New(repo Repository, clock clockwork.Clock) *Inbox {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Inbox{repo: repo, clock: clock}
}

// TryMarkReceived records msg and reports whether this is its first arrival.
// A duplicate is not an error.
func (i *Inbox) TryMarkReceived(ctx context.Context, msg Message) (bool, error) {
	inserted, err := i.repo.Insert(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("failed to record inbox message %s: %w", msg.ID, err)
	}
	if !inserted {
		log.Debug().Str("event_id", msg.ID.String()).Str("event_type", msg.Type).Msg("duplicate delivery ignored")
	}
	return inserted, nil
}

func (i *Inbox) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	if err := i.repo.MarkProcessed(ctx, id, i.clock.Now()); err != nil {
		return fmt.Errorf("failed to mark inbox message %s processed: %w", id, err)
	}
	return nil
}
