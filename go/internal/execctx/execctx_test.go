package execctx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessor_NoContextBound(t *testing.T) {
	acc := NewAccessor()
	ctx := context.Background()

	assert.False(t, acc.IsAvailable(ctx))

	_, err := acc.UserID(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = acc.CorrelationID(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAccessor_Background(t *testing.T) {
	acc := NewAccessor()
	user, corr := uuid.New(), uuid.New()

	ctx := WithBackground(context.Background(), user, corr)

	require.True(t, acc.IsAvailable(ctx))
	got, err := acc.UserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	gotCorr, err := acc.CorrelationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, corr, gotCorr)
}

func TestAccessor_BackgroundWithoutPrincipal(t *testing.T) {
	acc := NewAccessor()
	ctx := WithBackground(context.Background(), uuid.Nil, uuid.New())

	assert.True(t, acc.IsAvailable(ctx))
	_, err := acc.UserID(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMiddleware(t *testing.T) {
	user := uuid.New()
	corr := uuid.New()

	tests := []struct {
		name        string
		headers     map[string]string
		wantUser    bool
		wantCorr    bool
		wantCorrErr error
	}{
		{
			name:     "correlation and principal",
			headers:  map[string]string{CorrelationHeader: corr.String(), "X-User-ID": user.String()},
			wantUser: true,
			wantCorr: true,
		},
		{
			name:        "missing correlation header",
			headers:     map[string]string{"X-User-ID": user.String()},
			wantUser:    true,
			wantCorrErr: ErrUnavailable,
		},
		{
			name:        "malformed correlation header",
			headers:     map[string]string{CorrelationHeader: "not-a-uuid"},
			wantCorrErr: ErrInvalidCorrelationID,
		},
		{
			name:     "unauthenticated",
			headers:  map[string]string{CorrelationHeader: corr.String()},
			wantCorr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewAccessor()
			var called bool
			h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				ctx := r.Context()
				assert.True(t, acc.IsAvailable(ctx))

				gotUser, err := acc.UserID(ctx)
				if tt.wantUser {
					require.NoError(t, err)
					assert.Equal(t, user, gotUser)
				} else {
					assert.ErrorIs(t, err, ErrUnavailable)
				}

				gotCorr, err := acc.CorrelationID(ctx)
				if tt.wantCorr {
					require.NoError(t, err)
					assert.Equal(t, corr, gotCorr)
				} else {
					assert.ErrorIs(t, err, ErrUnavailable)
					assert.ErrorIs(t, err, tt.wantCorrErr)
				}
			}), WithPrincipalResolver(HeaderPrincipal("X-User-ID")))

			req := httptest.NewRequest(http.MethodPost, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.True(t, called)
			if tt.wantCorr {
				assert.Equal(t, corr.String(), rec.Header().Get(CorrelationHeader))
			}
		})
	}
}

func TestContextsAreNotShared(t *testing.T) {
	acc := NewAccessor()
	a := WithBackground(context.Background(), uuid.Nil, uuid.New())
	b := WithBackground(context.Background(), uuid.Nil, uuid.New())

	ca, _ := acc.CorrelationID(a)
	cb, _ := acc.CorrelationID(b)
	assert.NotEqual(t, ca, cb)
}
