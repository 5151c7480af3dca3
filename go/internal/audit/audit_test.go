package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/execctx"
	"github.com/mcdev12/modulith/go/internal/internalcommands"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/mcdev12/modulith/go/internal/outbox"
	"github.com/mcdev12/modulith/go/internal/pagination"
	"github.com/mcdev12/modulith/go/internal/useraccess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var (
	t0  = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	all = pagination.PageData{Limit: pagination.Unbounded}
)

type fixture struct {
	db     *memdb.DB
	clock  *clockwork.FakeClock
	users  *useraccess.Module
	audit  *Module
	worker *outbox.Worker
	bus    *outbox.LocalBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memdb.New()
	clock := clockwork.NewFakeClockAt(t0)

	users, err := useraccess.NewModule(useraccess.NewMemoryStore(db), useraccess.Options{
		Hasher: useraccess.BcryptHasher{Cost: bcrypt.MinCost},
		Clock:  clock,
	})
	require.NoError(t, err)

	a, err := NewModule(NewMemoryStore(db), clock)
	require.NoError(t, err)

	bus := outbox.NewLocalBus(clock)
	a.Subscribe(bus)

	return &fixture{
		db:     db,
		clock:  clock,
		users:  users,
		audit:  a,
		worker: users.OutboxWorker(bus, outbox.Config{}, outbox.WithClock(clock)),
		bus:    bus,
	}
}

func (f *fixture) deliver(t *testing.T) {
	t.Helper()
	_, err := f.worker.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.bus.Flush(context.Background()))
}

func TestUserCreatedIsAudited(t *testing.T) {
	f := newFixture(t)
	corr := uuid.New()
	ctx := execctx.WithBackground(context.Background(), uuid.Nil, corr)

	res, err := f.users.ProvisionUserFromClaims(ctx, &useraccess.ProvisionUserFromClaims{ExternalID: "idp|1", Login: "kim"})
	require.NoError(t, err)
	f.deliver(t)

	entries, err := f.audit.Entries(context.Background(), res.UserID, all)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "UserCreated", entries[0].Action)
	assert.Equal(t, corr, entries[0].CorrelationID)
	assert.Equal(t, t0, entries[0].OccurredOn)
	assert.Contains(t, entries[0].Summary, "kim")
}

func TestRedeliveryIsAuditedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.ProvisionUserFromClaims(ctx, &useraccess.ProvisionUserFromClaims{ExternalID: "idp|1"})
	require.NoError(t, err)

	var captured []messaging.Envelope
	capture := outbox.PublisherFunc(func(ctx context.Context, env messaging.Envelope) error {
		captured = append(captured, env)
		return f.bus.Publish(ctx, env)
	})
	worker := f.users.OutboxWorker(capture, outbox.Config{})
	_, err = worker.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Len(t, captured, 1)

	require.NoError(t, f.bus.Flush(ctx))
	for i := 0; i < 3; i++ {
		require.NoError(t, f.audit.Receiver().ReceiveEnvelope(ctx, captured[0]))
	}

	entries, err := f.audit.Entries(ctx, uuid.Nil, all)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFailedDeliveryIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.ProvisionUserFromClaims(ctx, &useraccess.ProvisionUserFromClaims{ExternalID: "idp|1"})
	require.NoError(t, err)
	_, err = f.worker.DispatchOnce(ctx)
	require.NoError(t, err)

	f.db.FailNextCommit(errors.New("connection reset"))
	require.Error(t, f.bus.Flush(ctx))
	assert.Equal(t, 1, f.bus.Pending())

	entries, err := f.audit.Entries(ctx, uuid.Nil, all)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, f.bus.Flush(ctx))
	entries, err = f.audit.Entries(ctx, uuid.Nil, all)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUnauditedEventsAreSkipped(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.bus.Publish(context.Background(), messaging.Envelope{
		ID:     uuid.New(),
		Type:   "useraccess.PasswordChanged.v1",
		Source: useraccess.ModuleName,
	}))
	require.NoError(t, f.bus.Flush(context.Background()))
	assert.Zero(t, f.bus.Pending())
}

func TestProfileSyncIsAuditedAfterCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.users.ProvisionUserFromClaims(ctx, &useraccess.ProvisionUserFromClaims{ExternalID: "idp|1", Email: "kim@example.com"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	dispatcher := f.users.Dispatcher(internalcommands.Config{}, internalcommands.WithClock(f.clock))
	_, err = dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	f.deliver(t)

	entries, err := f.audit.Entries(ctx, res.UserID, all)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "UserCreated", entries[0].Action)
	assert.Equal(t, "UserProfileSynced", entries[1].Action)
	assert.Contains(t, entries[1].Summary, "kim@example.com")
}
