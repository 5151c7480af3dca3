package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newMessage(typ string, at time.Time) Message {
	return Message{
		ID:         uuid.New(),
		OccurredOn: at,
		Type:       typ,
		Data:       json.RawMessage(`{}`),
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	got     []messaging.Envelope
	failFor map[uuid.UUID]int
}

func (p *recordingPublisher) Publish(_ context.Context, env messaging.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.failFor[env.ID]; n > 0 {
		p.failFor[env.ID] = n - 1
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, env)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.got {
		out = append(out, e.Type)
	}
	return out
}

func TestOutbox_AddWithoutUnitOfWork(t *testing.T) {
	ob := New("useraccess", NewMemoryRepository(memdb.New(), "useraccess"))

	err := ob.Add(context.Background(), newMessage("a", t0))
	assert.ErrorIs(t, err, ErrNoUnitOfWork)
	assert.ErrorIs(t, ob.Save(context.Background()), ErrNoUnitOfWork)
}

func TestOutbox_SavePersistsWithStateChange(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "useraccess")
	ob := New("useraccess", repo)
	state := memdb.NewTable[string](db, "useraccess.users")
	ctx := context.Background()

	err := db.WithinTx(ctx, func(ctx context.Context) error {
		ctx = ob.Begin(ctx)
		if _, err := state.Insert(ctx, "u1", "admin"); err != nil {
			return err
		}
		require.NoError(t, ob.Add(ctx, newMessage("UserCreated", t0)))
		require.NoError(t, ob.Add(ctx, newMessage("UserActivated", t0)))

		// nothing written before Save
		assert.Empty(t, repo.All(ctx))
		return ob.Save(ctx)
	})
	require.NoError(t, err)

	all := repo.All(ctx)
	require.Len(t, all, 2)
	assert.Equal(t, "UserCreated", all[0].Type)
	assert.Nil(t, all[0].ProcessedDate)
}

func TestOutbox_CommitFailureLeavesNoTrace(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "useraccess")
	ob := New("useraccess", repo)
	state := memdb.NewTable[string](db, "useraccess.users")
	ctx := context.Background()
	injected := errors.New("connection reset")

	db.FailNextCommit(injected)
	err := db.WithinTx(ctx, func(ctx context.Context) error {
		ctx = ob.Begin(ctx)
		if _, err := state.Insert(ctx, "u1", "admin"); err != nil {
			return err
		}
		if err := ob.Add(ctx, newMessage("UserCreated", t0)); err != nil {
			return err
		}
		return ob.Save(ctx)
	})

	require.ErrorIs(t, err, injected)
	_, found := state.Get(ctx, "u1")
	assert.False(t, found)
	assert.Empty(t, repo.All(ctx))
}

func TestOutbox_BeginIsIdempotent(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "m")
	ob := New("m", repo)

	err := db.WithinTx(context.Background(), func(ctx context.Context) error {
		outer := ob.Begin(ctx)
		require.NoError(t, ob.Add(outer, newMessage("a", t0)))
		inner := ob.Begin(outer)
		return ob.Save(inner)
	})
	require.NoError(t, err)
	assert.Len(t, repo.All(context.Background()), 1)
}

func seed(t *testing.T, repo Repository, msgs ...Message) {
	t.Helper()
	require.NoError(t, repo.Insert(context.Background(), msgs...))
}

func TestWorker_DispatchOnceInOrder(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "useraccess")
	pub := &recordingPublisher{}
	clock := clockwork.NewFakeClockAt(t0)
	w := NewWorker("useraccess", repo, db, pub, Config{BatchSize: 10}, WithClock(clock))

	// inserted out of occurrence order
	seed(t, repo,
		newMessage("second", t0.Add(2*time.Second)),
		newMessage("first", t0.Add(time.Second)),
		newMessage("third", t0.Add(3*time.Second)),
	)

	res, err := w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 3, Published: 3}, res)
	assert.Equal(t, []string{"first", "second", "third"}, pub.types())

	for _, m := range repo.All(context.Background()) {
		require.NotNil(t, m.ProcessedDate)
		assert.True(t, m.ProcessedDate.Equal(t0))
	}

	processed, last := w.Stats()
	assert.Equal(t, uint64(3), processed)
	assert.True(t, last.Equal(t0))
}

func TestWorker_ProcessedMessagesAreNotRepublished(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "m")
	pub := &recordingPublisher{}
	w := NewWorker("m", repo, db, pub, Config{BatchSize: 10}, WithClock(clockwork.NewFakeClockAt(t0)))
	seed(t, repo, newMessage("a", t0))

	_, err := w.DispatchOnce(context.Background())
	require.NoError(t, err)
	res, err := w.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Fetched)
	assert.Equal(t, []string{"a"}, pub.types())
}

func TestWorker_FailureStopsBatchAndKeepsOrder(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "m")
	first := newMessage("first", t0.Add(time.Second))
	second := newMessage("second", t0.Add(2*time.Second))
	third := newMessage("third", t0.Add(3*time.Second))
	seed(t, repo, first, second, third)

	pub := &recordingPublisher{failFor: map[uuid.UUID]int{second.ID: 1}}
	w := NewWorker("m", repo, db, pub, Config{BatchSize: 10, MaxRetries: 0}, WithClock(clockwork.NewFakeClockAt(t0)))
	ctx := context.Background()

	res, err := w.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 3, Published: 1, Failed: 1}, res)
	assert.Equal(t, []string{"first"}, pub.types())

	pending, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	// next cycle resumes where it stopped
	res, err = w.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, []string{"first", "second", "third"}, pub.types())
}

func TestWorker_RetriesWithinCycle(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "m")
	m := newMessage("a", t0)
	seed(t, repo, m)

	pub := &recordingPublisher{failFor: map[uuid.UUID]int{m.ID: 2}}
	w := NewWorker("m", repo, db, pub, Config{BatchSize: 10, MaxRetries: 2}, WithClock(clockwork.NewFakeClockAt(t0)))

	res, err := w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
}

func TestWorker_ConcurrentDispatchPublishesOnce(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "m")
	for i := 0; i < 20; i++ {
		seed(t, repo, newMessage("e", t0.Add(time.Duration(i)*time.Millisecond)))
	}
	pub := &recordingPublisher{}
	a := NewWorker("m", repo, db, pub, Config{BatchSize: 5}, WithClock(clockwork.NewFakeClockAt(t0)))
	b := NewWorker("m", repo, db, pub, Config{BatchSize: 5}, WithClock(clockwork.NewFakeClockAt(t0)))

	var wg sync.WaitGroup
	for _, w := range []*Worker{a, b} {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.drain(context.Background())
		}(w)
	}
	wg.Wait()

	assert.Len(t, pub.types(), 20)
}

func TestWorker_DrainHonoursStop(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "m")
	for i := 0; i < 5; i++ {
		seed(t, repo, newMessage("e", t0.Add(time.Duration(i)*time.Second)))
	}

	var (
		w         *Worker
		published int
	)
	pub := PublisherFunc(func(context.Context, messaging.Envelope) error {
		published++
		if published == 1 {
			close(w.stopChan)
		}
		return nil
	})
	w = NewWorker("m", repo, db, pub, Config{BatchSize: 1}, WithClock(clockwork.NewFakeClockAt(t0)))

	w.drain(context.Background())
	assert.Equal(t, 1, published)
}

func TestWorker_StartStop(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "m")
	pub := &recordingPublisher{}
	clock := clockwork.NewFakeClockAt(t0)
	w := NewWorker("m", repo, db, pub, Config{BatchSize: 10, PollInterval: time.Second}, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	require.Error(t, w.Start(ctx))
	assert.True(t, w.Running())

	seed(t, repo, newMessage("late", t0))
	w.Wake()

	require.Eventually(t, func() bool { return len(pub.types()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	require.Error(t, w.Stop())
	assert.False(t, w.Running())
}

func TestWorker_TickerPolls(t *testing.T) {
	db := memdb.New()
	repo := NewMemoryRepository(db, "m")
	pub := &recordingPublisher{}
	clock := clockwork.NewFakeClockAt(t0)
	w := NewWorker("m", repo, db, pub, Config{BatchSize: 10, PollInterval: time.Second}, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	seed(t, repo, newMessage("polled", t0))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return len(pub.types()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLocalBus(t *testing.T) {
	bus := NewLocalBus(nil)
	ctx := context.Background()
	var got []string
	fail := true

	bus.Subscribe("useraccess", func(_ context.Context, env messaging.Envelope) error {
		if env.Type == "flaky" && fail {
			fail = false
			return errors.New("handler down")
		}
		got = append(got, env.Type)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, messaging.Envelope{ID: uuid.New(), Type: "ok", Source: "useraccess"}))
	require.NoError(t, bus.Publish(ctx, messaging.Envelope{ID: uuid.New(), Type: "flaky", Source: "useraccess"}))
	require.NoError(t, bus.Publish(ctx, messaging.Envelope{ID: uuid.New(), Type: "other", Source: "billing"}))
	assert.Empty(t, got)

	assert.Error(t, bus.Flush(ctx))
	assert.Equal(t, []string{"ok"}, got)
	assert.Equal(t, 1, bus.Pending())

	require.NoError(t, bus.Flush(ctx))
	assert.Equal(t, []string{"ok", "flaky"}, got)
	assert.Equal(t, 0, bus.Pending())
}

func TestLocalBus_RunRetriesOnTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := NewLocalBus(clock)
	var (
		mu    sync.Mutex
		calls int
	)
	bus.Subscribe("", func(context.Context, messaging.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("handler down")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx, time.Minute) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.NoError(t, bus.Publish(ctx, messaging.Envelope{ID: uuid.New(), Type: "ok", Source: "useraccess"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bus.Pending() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return bus.Pending() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestBreakerPublisherOpens(t *testing.T) {
	calls := 0
	failing := PublisherFunc(func(context.Context, messaging.Envelope) error {
		calls++
		return errors.New("down")
	})
	cfg := DefaultBreakerConfig("test")
	cfg.ConsecutiveFailures = 2
	p := NewBreakerPublisher(failing, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.Error(t, p.Publish(ctx, messaging.Envelope{}))
	}
	err := p.Publish(ctx, messaging.Envelope{})
	assert.ErrorContains(t, err, "circuit breaker is open")
	assert.Equal(t, 2, calls)
}

func TestEnvelope(t *testing.T) {
	m := newMessage("useraccess.UserCreated.v1", t0)
	env := Envelope("useraccess", m)

	assert.Equal(t, m.ID, env.ID)
	assert.Equal(t, "useraccess", env.Source)
	assert.Equal(t, m.Type, env.Type)
}
