package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	RetryDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		MaxRetries:   3,
		RetryDelay:   time.Second,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// Result summarizes one dispatch cycle.
type Result struct {
	Fetched   int
	Published int
	Failed    int
}

type WorkerOption func(*Worker)

func WithClock(c clockwork.Clock) WorkerOption {
	return func(w *Worker) { w.clock = c }
}

func WithMetrics(m MetricsCollector) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// Worker is the background publisher of one module's outbox. Several workers
// may poll the same table; row locks keep them from publishing the same
// message concurrently.
type Worker struct {
	module    string
	repo      Repository
	tx        sqlutil.Transactor
	publisher Publisher
	config    Config
	clock     clockwork.Clock
	metrics   MetricsCollector

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wakeChan chan struct{}
	wg       sync.WaitGroup

	processed atomic.Uint64
	lastEvent atomic.Int64
}

func NewWorker(module string, repo Repository, tx sqlutil.Transactor, publisher Publisher, cfg Config, opts ...WorkerOption) *Worker {
	w := &Worker{
		module:    module,
		repo:      repo,
		tx:        tx,
		publisher: publisher,
		config:    cfg.normalize(),
		clock:     clockwork.NewRealClock(),
		metrics:   NoOpMetricsCollector{},
		stopChan:  make(chan struct{}),
		wakeChan:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Str("module", w.module).
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Msg("outbox worker started")

	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Str("module", w.module).Msg("outbox worker stopped")
	return nil
}

// Running reports whether the poll loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Wake asks the loop to poll now instead of waiting for the next tick.
func (w *Worker) Wake() {
	select {
	case w.wakeChan <- struct{}{}:
	default:
	}
}

// Stats returns the number of messages published by this worker and when
// the last one went out.
func (w *Worker) Stats() (uint64, time.Time) {
	var last time.Time
	if ns := w.lastEvent.Load(); ns != 0 {
		last = time.Unix(0, ns).UTC()
	}
	return w.processed.Load(), last
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start
	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			w.drain(ctx)
		case <-w.wakeChan:
			w.drain(ctx)
		}
	}
}

// drain keeps dispatching while full batches come back.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil && !w.stopping() {
		res, err := w.DispatchOnce(ctx)
		if err != nil {
			log.Error().Err(err).Str("module", w.module).Msg("outbox dispatch failed")
			return
		}
		if res.Failed > 0 || res.Fetched < w.config.BatchSize {
			return
		}
	}
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopChan:
		return true
	default:
		return false
	}
}

// DispatchOnce publishes one batch of unprocessed messages in order. A
// message that cannot be published stops the batch so later messages are not
// delivered ahead of it; what was published before it is marked processed.
func (w *Worker) DispatchOnce(ctx context.Context) (Result, error) {
	start := w.clock.Now()
	var res Result

	err := w.tx.WithinTx(ctx, func(ctx context.Context) error {
		msgs, err := w.repo.FetchUnprocessed(ctx, w.config.BatchSize)
		if err != nil {
			return err
		}
		res.Fetched = len(msgs)
		if len(msgs) == 0 {
			return nil
		}

		log.Debug().Str("module", w.module).Int("count", len(msgs)).Msg("processing outbox messages")

		var published []uuid.UUID
		for _, m := range msgs {
			if err := w.publishWithRetry(ctx, m); err != nil {
				res.Failed++
				log.Error().
					Err(err).
					Str("module", w.module).
					Str("event_id", m.ID.String()).
					Str("event_type", m.Type).
					Msg("failed to publish outbox message")
				break
			}
			published = append(published, m.ID)
		}

		if err := w.repo.MarkProcessed(ctx, w.clock.Now(), published...); err != nil {
			return err
		}
		res.Published = len(published)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("dispatch outbox %s: %w", w.module, err)
	}

	if res.Published > 0 {
		w.processed.Add(uint64(res.Published))
		w.lastEvent.Store(w.clock.Now().UnixNano())
		log.Info().
			Str("module", w.module).
			Int("total", res.Fetched).
			Int("published", res.Published).
			Msg("processed outbox messages")
	}
	w.metrics.RecordBatchProcessed(ctx, res.Published, w.clock.Since(start))
	if pending, err := w.repo.CountPending(ctx); err == nil {
		w.metrics.RecordOutboxLag(ctx, pending)
	}

	return res, nil
}

func (w *Worker) publishWithRetry(ctx context.Context, m Message) error {
	env := Envelope(w.module, m)
	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 && w.config.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clock.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := w.publisher.Publish(ctx, env); err != nil {
			lastErr = err
			w.metrics.RecordPublishAttempt(ctx, m.Type, attempt+1, false)
			log.Warn().
				Err(err).
				Str("event_id", m.ID.String()).
				Int("attempt", attempt+1).
				Msg("failed to publish event, retrying")
			continue
		}

		w.metrics.RecordPublishAttempt(ctx, m.Type, attempt+1, true)
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}
