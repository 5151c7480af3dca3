package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoUnitOfWork = errors.New("outbox: no unit of work in context")
	ErrNotFound     = errors.New("outbox: message not found")
)

// Outbox stages messages for the current unit of work and persists them in
// the same transaction as the state change that produced them.
type Outbox struct {
	module string
	repo   Repository
}

func New(module string, repo Repository) *Outbox {
	return &Outbox{module: module, repo: repo}
}

func (o *Outbox) Module() string {
	return o.module
}

type stagingKey struct{ o *Outbox }

type staging struct {
	mu   sync.Mutex
	msgs []Message
}

// Begin opens a staging area on ctx. A context that already has one for this
// outbox is returned unchanged.
func (o *Outbox) Begin(ctx context.Context) context.Context {
	if _, ok := ctx.Value(stagingKey{o}).(*staging); ok {
		return ctx
	}
	return context.WithValue(ctx, stagingKey{o}, &staging{})
}

// Add stages msg. It performs no I/O.
func (o *Outbox) Add(ctx context.Context, msg Message) error {
	st, ok := ctx.Value(stagingKey{o}).(*staging)
	if !ok {
		return ErrNoUnitOfWork
	}
	st.mu.Lock()
	st.msgs = append(st.msgs, msg)
	st.mu.Unlock()
	return nil
}

// Save writes every staged message through the transaction carried by ctx
// and clears the staging area.
func (o *Outbox) Save(ctx context.Context) error {
	st, ok := ctx.Value(stagingKey{o}).(*staging)
	if !ok {
		return ErrNoUnitOfWork
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.msgs) == 0 {
		return nil
	}

	if err := o.repo.Insert(ctx, st.msgs...); err != nil {
		return fmt.Errorf("failed to save outbox messages: %w", err)
	}

	log.Debug().
		Str("module", o.module).
		Int("count", len(st.msgs)).
		Msg("staged outbox messages saved")

	st.msgs = nil
	return nil
}
