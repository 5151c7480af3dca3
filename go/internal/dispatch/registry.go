// Package dispatch routes commands and queries to their single handler and
// wraps command handling in a unit of work that also persists the domain
// events it produced.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	ErrNoHandler        = errors.New("dispatch: no handler registered")
	ErrDuplicateHandler = errors.New("dispatch: more than one handler registered")
	ErrWrongKind        = errors.New("dispatch: wrong request kind")
)

// HandlerFunc handles one request of type T.
type HandlerFunc[T, R any] func(ctx context.Context, req T) (R, error)

type kind int

const (
	kindCommand kind = iota
	kindQuery
)

func (k kind) String() string {
	if k == kindQuery {
		return "query"
	}
	return "command"
}

type route struct {
	kind   kind
	invoke func(ctx context.Context, req any) (any, error)
}

// Registry maps request types to handlers. Register everything at startup,
// then call Validate before serving.
type Registry struct {
	mu       sync.RWMutex
	routes   map[reflect.Type]route
	declared map[reflect.Type]kind
	dups     []reflect.Type
}

func NewRegistry() *Registry {
	return &Registry{
		routes:   make(map[reflect.Type]route),
		declared: make(map[reflect.Type]kind),
	}
}

// Handle registers the command handler for C. Commands are usually pointer
// types so validation and event stamping see the same value.
func Handle[C, R any](r *Registry, h HandlerFunc[C, R]) {
	r.add(reflect.TypeOf((*C)(nil)).Elem(), kindCommand, func(ctx context.Context, req any) (any, error) {
		return h(ctx, req.(C))
	})
}

// HandleQuery registers the query handler for Q.
func HandleQuery[Q, R any](r *Registry, h HandlerFunc[Q, R]) {
	r.add(reflect.TypeOf((*Q)(nil)).Elem(), kindQuery, func(ctx context.Context, req any) (any, error) {
		return h(ctx, req.(Q))
	})
}

// Declare states that a handler for C must exist by the time Validate runs.
func Declare[C any](r *Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declared[reflect.TypeOf((*C)(nil)).Elem()] = kindCommand
}

// DeclareQuery is Declare for queries.
func DeclareQuery[Q any](r *Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declared[reflect.TypeOf((*Q)(nil)).Elem()] = kindQuery
}

func (r *Registry) add(t reflect.Type, k kind, invoke func(ctx context.Context, req any) (any, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[t]; ok {
		r.dups = append(r.dups, t)
		return
	}
	r.routes[t] = route{kind: k, invoke: invoke}
}

// Validate reports every duplicate registration and every declared type
// without a handler of the declared kind.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, t := range r.dups {
		errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateHandler, t))
	}

	missing := make([]string, 0)
	for t, k := range r.declared {
		rt, ok := r.routes[t]
		switch {
		case !ok:
			missing = append(missing, fmt.Sprintf("%s %s", k, t))
		case rt.kind != k:
			errs = append(errs, fmt.Errorf("%w: %s is registered as a %s", ErrWrongKind, t, rt.kind))
		}
	}
	sort.Strings(missing)
	for _, m := range missing {
		errs = append(errs, fmt.Errorf("%w: %s", ErrNoHandler, m))
	}
	return errors.Join(errs...)
}

func (r *Registry) lookup(t reflect.Type, k kind) (route, error) {
	r.mu.RLock()
	rt, ok := r.routes[t]
	r.mu.RUnlock()
	if !ok {
		return route{}, fmt.Errorf("%w: %s", ErrNoHandler, t)
	}
	if rt.kind != k {
		return route{}, fmt.Errorf("%w: %s is a %s", ErrWrongKind, t, rt.kind)
	}
	return rt, nil
}
