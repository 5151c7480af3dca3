package internalcommands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/execctx"
	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/rs/zerolog/log"
)

// Scheduler enqueues internal commands through the connection of the
// caller's transaction, so a command exists only if the work that scheduled
// it commits.
type Scheduler struct {
	repo     Repository
	codecs   *messaging.Registry
	accessor execctx.Accessor
	clock    clockwork.Clock
}

func NewScheduler(repo Repository, codecs *messaging.Registry, accessor execctx.Accessor, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if accessor == nil {
		accessor = execctx.NewAccessor()
	}
	return &Scheduler{repo: repo, codecs: codecs, accessor: accessor, clock: clock}
}

// Enqueue persists cmd and returns its id. cmd must be registered with the
// scheduler's codec registry.
func (s *Scheduler) Enqueue(ctx context.Context, cmd any) (uuid.UUID, error) {
	id := uuid.New()
	if st, ok := cmd.(Stamper); ok {
		correlation, err := s.accessor.CorrelationID(ctx)
		if err != nil {
			correlation = uuid.Nil
		}
		st.Stamp(id, correlation)
	}

	tag, data, err := s.codecs.Encode(cmd)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue internal command: %w", err)
	}

	err = s.repo.Insert(ctx, Command{
		ID:          id,
		EnqueueDate: s.clock.Now().UTC(),
		Type:        tag,
		Data:        data,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue internal command %s: %w", tag, err)
	}

	log.Debug().Str("command_id", id.String()).Str("command_type", tag).Msg("internal command enqueued")
	return id, nil
}
