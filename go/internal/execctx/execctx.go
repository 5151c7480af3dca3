// Package execctx carries who is acting and under which correlation id for
// one inbound request or one background command execution.
package execctx

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable is returned when no execution context is bound, or the
	// requested value was never established for it.
	ErrUnavailable = errors.New("execution context is not available")

	// ErrInvalidCorrelationID marks a correlation header that is not a UUID.
	ErrInvalidCorrelationID = errors.New("correlation id is malformed")
)

// Context is created once per invocation and never shared.
type Context struct {
	userID         uuid.UUID
	correlationID  uuid.UUID
	correlationErr error
}

type ctxKey struct{}

// With binds ec to ctx.
func With(ctx context.Context, ec *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ec)
}

// WithBackground binds a fresh context for a background execution. A nil
// userID means no principal.
func WithBackground(ctx context.Context, userID, correlationID uuid.UUID) context.Context {
	ec := &Context{userID: userID, correlationID: correlationID}
	if correlationID == uuid.Nil {
		ec.correlationErr = ErrUnavailable
	}
	return With(ctx, ec)
}

func from(ctx context.Context) (*Context, bool) {
	ec, ok := ctx.Value(ctxKey{}).(*Context)
	return ec, ok && ec != nil
}

// Accessor reads the execution context bound to a request.
type Accessor interface {
	UserID(ctx context.Context) (uuid.UUID, error)
	CorrelationID(ctx context.Context) (uuid.UUID, error)
	IsAvailable(ctx context.Context) bool
}

type accessor struct{}

// NewAccessor returns the Accessor backed by values bound with With,
// WithBackground or Middleware.
func NewAccessor() Accessor {
	return accessor{}
}

func (accessor) UserID(ctx context.Context) (uuid.UUID, error) {
	ec, ok := from(ctx)
	if !ok || ec.userID == uuid.Nil {
		return uuid.Nil, ErrUnavailable
	}
	return ec.userID, nil
}

func (accessor) CorrelationID(ctx context.Context) (uuid.UUID, error) {
	ec, ok := from(ctx)
	if !ok {
		return uuid.Nil, ErrUnavailable
	}
	if ec.correlationErr != nil {
		return uuid.Nil, ec.correlationErr
	}
	return ec.correlationID, nil
}

func (accessor) IsAvailable(ctx context.Context) bool {
	_, ok := from(ctx)
	return ok
}
