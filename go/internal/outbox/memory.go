package outbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/memdb"
)

// MemoryRepository keeps outbox rows in a memdb table. Transactions on the
// store are serialized, which stands in for row locking.
type MemoryRepository struct {
	rows *memdb.Table[Message]
}

func NewMemoryRepository(db *memdb.DB, module string) *MemoryRepository {
	return &MemoryRepository{rows: memdb.NewTable[Message](db, module+".outbox_messages")}
}

func (r *MemoryRepository) Insert(ctx context.Context, msgs ...Message) error {
	for _, m := range msgs {
		ok, err := r.rows.Insert(ctx, m.ID.String(), m)
		if err != nil {
			return fmt.Errorf("failed to insert outbox message %s: %w", m.ID, err)
		}
		if !ok {
			return fmt.Errorf("failed to insert outbox message %s: duplicate id", m.ID)
		}
	}
	return nil
}

func (r *MemoryRepository) FetchUnprocessed(ctx context.Context, limit int) ([]Message, error) {
	var out []Message
	r.rows.Scan(ctx, func(_ string, m Message) bool {
		if m.ProcessedDate == nil {
			out = append(out, m)
		}
		return true
	})
	// Scan is in insertion order, so a stable sort keeps it as the tiebreaker.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredOn.Before(out[j].OccurredOn)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) FetchByID(ctx context.Context, id uuid.UUID) (Message, error) {
	m, ok := r.rows.Get(ctx, id.String())
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

func (r *MemoryRepository) MarkProcessed(ctx context.Context, at time.Time, ids ...uuid.UUID) error {
	at = at.UTC()
	for _, id := range ids {
		_, err := r.rows.Update(ctx, id.String(), func(m Message) (Message, bool) {
			if m.ProcessedDate != nil {
				return m, false
			}
			m.ProcessedDate = &at
			return m, true
		})
		if err != nil {
			return fmt.Errorf("failed to mark outbox message %s processed: %w", id, err)
		}
	}
	return nil
}

func (r *MemoryRepository) CountPending(ctx context.Context) (int, error) {
	n := 0
	r.rows.Scan(ctx, func(_ string, m Message) bool {
		if m.ProcessedDate == nil {
			n++
		}
		return true
	})
	return n, nil
}

// All returns every row in insertion order.
func (r *MemoryRepository) All(ctx context.Context) []Message {
	var out []Message
	r.rows.Scan(ctx, func(_ string, m Message) bool {
		out = append(out, m)
		return true
	})
	return out
}
