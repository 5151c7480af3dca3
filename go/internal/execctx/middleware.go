package execctx

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const CorrelationHeader = "X-Correlation-ID"

// PrincipalResolver extracts the authenticated user of a request. Token
// validation happens upstream; the resolver only reads its result.
type PrincipalResolver func(r *http.Request) (uuid.UUID, bool)

// HeaderPrincipal trusts a user id header set by the authenticating proxy.
func HeaderPrincipal(header string) PrincipalResolver {
	return func(r *http.Request) (uuid.UUID, bool) {
		v := strings.TrimSpace(r.Header.Get(header))
		if v == "" {
			return uuid.Nil, false
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, false
		}
		return id, true
	}
}

type middlewareOptions struct {
	resolver PrincipalResolver
}

type MiddlewareOption func(*middlewareOptions)

func WithPrincipalResolver(r PrincipalResolver) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.resolver = r
	}
}

// Middleware binds a fresh execution context to every request.
func Middleware(next http.Handler, opts ...MiddlewareOption) http.Handler {
	o := middlewareOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ec := FromRequest(r, o.resolver)
		if ec.correlationID != uuid.Nil {
			w.Header().Set(CorrelationHeader, ec.correlationID.String())
		}
		next.ServeHTTP(w, r.WithContext(With(r.Context(), ec)))
	})
}

// FromRequest builds the execution context for r.
func FromRequest(r *http.Request, resolver PrincipalResolver) *Context {
	ec := &Context{}

	raw := strings.TrimSpace(r.Header.Get(CorrelationHeader))
	switch id, err := uuid.Parse(raw); {
	case raw == "":
		ec.correlationErr = ErrUnavailable
	case err != nil:
		ec.correlationErr = fmt.Errorf("%w: %w: %q", ErrUnavailable, ErrInvalidCorrelationID, raw)
		log.Debug().Str("header", raw).Msg("rejecting malformed correlation id")
	default:
		ec.correlationID = id
	}

	if resolver != nil {
		if id, ok := resolver(r); ok {
			ec.userID = id
		}
	}
	return ec
}
