package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

func TestHealthChecker(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "useraccess")
	clock := clockwork.NewFakeClockAt(t0)
	w := NewWorker("useraccess", repo, db, &recordingPublisher{}, Config{}, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	h := NewHealthChecker(fakePinger{}, fakeConn(true), time.Minute, clock)
	h.Watch(w, repo)

	status := h.Check(ctx)
	assert.True(t, status.Healthy, status.Errors)
	assert.True(t, status.Modules["useraccess"].WorkerActive)

	h.db = fakePinger{err: errors.New("refused")}
	h.transport = fakeConn(false)
	status = h.Check(ctx)
	assert.False(t, status.Healthy)
	assert.False(t, status.DatabaseConnected)
	assert.False(t, status.TransportOK)
	assert.Len(t, status.Errors, 2)
}

func TestHealthChecker_StaleBacklog(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "m")
	clock := clockwork.NewFakeClockAt(t0)
	w := NewWorker("m", repo, db, &recordingPublisher{}, Config{}, WithClock(clock))

	seed(t, repo, newMessage("a", t0))
	_, err := w.DispatchOnce(context.Background())
	require.NoError(t, err)

	// backlog appears and nothing moves for longer than the threshold
	seed(t, repo, newMessage("b", t0))
	clock.Advance(2 * time.Minute)

	h := NewHealthChecker(nil, nil, time.Minute, clock)
	h.Watch(w, repo)

	status := h.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, status.Modules["m"].PendingEvents)
	assert.Contains(t, status.Errors, "m: no events processed for 2m0s")
}

func TestHealthChecker_ServeHTTP(t *testing.T) {
	h := NewHealthChecker(fakePinger{err: errors.New("down")}, nil, time.Minute, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.DatabaseConnected)
}
