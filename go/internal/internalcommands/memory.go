package internalcommands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/mcdev12/modulith/go/internal/pagination"
)

type MemoryRepository struct {
	db   *memdb.DB
	rows *memdb.Table[Command]
}

func NewMemoryRepository(db *memdb.DB, module string) *MemoryRepository {
	return &MemoryRepository{db: db, rows: memdb.NewTable[Command](db, module+".internal_commands")}
}

func (r *MemoryRepository) Insert(ctx context.Context, cmd Command) error {
	cmd.EnqueueDate = cmd.EnqueueDate.UTC()
	ok, err := r.rows.Insert(ctx, cmd.ID.String(), cmd)
	if err != nil {
		return fmt.Errorf("failed to insert internal command %s: %w", cmd.ID, err)
	}
	if !ok {
		return fmt.Errorf("failed to insert internal command %s: duplicate id", cmd.ID)
	}
	return nil
}

func (r *MemoryRepository) Claim(ctx context.Context, req ClaimRequest) ([]Command, error) {
	var claimed []Command
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		var candidates []Command
		r.rows.Scan(ctx, func(_ string, c Command) bool {
			if claimable(c, req) {
				candidates = append(candidates, c)
			}
			return true
		})
		sortCommands(candidates)
		if req.Limit > 0 && len(candidates) > req.Limit {
			candidates = candidates[:req.Limit]
		}

		until := req.Now.UTC().Add(req.Lease)
		for _, c := range candidates {
			c.ClaimedBy = req.Owner
			c.ClaimedUntil = &until
			c.Attempts++
			if err := r.rows.Put(ctx, c.ID.String(), c); err != nil {
				return err
			}
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim internal commands: %w", err)
	}
	return claimed, nil
}

func claimable(c Command, req ClaimRequest) bool {
	if c.Processed() {
		return false
	}
	if c.ClaimedUntil != nil && !c.ClaimedUntil.Before(req.Now) {
		return false
	}
	return req.MaxAttempts == 0 || c.Attempts < req.MaxAttempts
}

func (r *MemoryRepository) MarkProcessed(ctx context.Context, id uuid.UUID, owner string, at time.Time) (bool, error) {
	at = at.UTC()
	ok, err := r.rows.Update(ctx, id.String(), func(c Command) (Command, bool) {
		if c.Processed() || c.ClaimedBy != owner {
			return c, false
		}
		c.ProcessedDate = &at
		c.Error = ""
		c.ClaimedBy = ""
		c.ClaimedUntil = nil
		return c, true
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark internal command %s processed: %w", id, err)
	}
	return ok, nil
}

func (r *MemoryRepository) RecordFailure(ctx context.Context, id uuid.UUID, owner string, msg string, retryAt time.Time) error {
	retryAt = retryAt.UTC()
	_, err := r.rows.Update(ctx, id.String(), func(c Command) (Command, bool) {
		if c.Processed() || c.ClaimedBy != owner {
			return c, false
		}
		c.Error = msg
		c.ClaimedBy = ""
		c.ClaimedUntil = &retryAt
		return c, true
	})
	if err != nil {
		return fmt.Errorf("failed to record failure of internal command %s: %w", id, err)
	}
	return nil
}

func (r *MemoryRepository) Retry(ctx context.Context, id uuid.UUID) error {
	c, ok := r.rows.Get(ctx, id.String())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.Processed() {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, id)
	}
	_, err := r.rows.Update(ctx, id.String(), func(c Command) (Command, bool) {
		c.Attempts = 0
		c.Error = ""
		c.ClaimedBy = ""
		c.ClaimedUntil = nil
		return c, true
	})
	return err
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (Command, error) {
	c, ok := r.rows.Get(ctx, id.String())
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

func (r *MemoryRepository) List(ctx context.Context, f Filter) ([]Command, error) {
	var out []Command
	r.rows.Scan(ctx, func(_ string, c Command) bool {
		if f.matches(c) {
			out = append(out, c)
		}
		return true
	})
	sortCommands(out)
	return pagination.Slice(out, pageOf(f)), nil
}

// sortCommands orders oldest first; ids break ties like ORDER BY enqueue_date, id.
func sortCommands(cmds []Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		if !cmds[i].EnqueueDate.Equal(cmds[j].EnqueueDate) {
			return cmds[i].EnqueueDate.Before(cmds[j].EnqueueDate)
		}
		return cmds[i].ID.String() < cmds[j].ID.String()
	})
}
