package internalcommands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/execctx"
	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

// Sender executes a decoded command. The dispatch pipeline implements it.
type Sender interface {
	SendAny(ctx context.Context, cmd any) (any, error)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	// MaxAttempts parks a command after that many failed executions. Zero
	// retries forever.
	MaxAttempts int
	// A failed command is not claimed again for RetryBackoff, doubled per
	// attempt up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		BatchSize:    20,
		Lease:        time.Minute,

		RetryBackoff:    time.Second,
		MaxRetryBackoff: 5 * time.Minute,
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
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = max(d.MaxRetryBackoff, c.RetryBackoff)
	}
	return c
}

// backoff is the delay after the given failed attempt (1-based).
func (c Config) backoff(attempt int) time.Duration {
	delay := c.RetryBackoff
	for i := 1; i < attempt && delay < c.MaxRetryBackoff; i++ {
		delay *= 2
	}
	return min(delay, c.MaxRetryBackoff)
}

type Result struct {
	Claimed   int
	Processed int
	Failed    int
}

type DispatcherOption func(*Dispatcher)

func WithClock(c clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

func WithMetrics(m MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithOwner overrides the lease owner name, which defaults to
// "<hostname>-<random>".
func WithOwner(owner string) DispatcherOption {
	return func(d *Dispatcher) { d.owner = owner }
}

// Dispatcher executes one module's internal commands. Any number of
// dispatchers may run against the same store; leases make sure at most one
// execution of a command commits.
type Dispatcher struct {
	module  string
	repo    Repository
	tx      sqlutil.Transactor
	codecs  *messaging.Registry
	sender  Sender
	config  Config
	clock   clockwork.Clock
	metrics MetricsCollector
	owner   string

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewDispatcher(module string, repo Repository, tx sqlutil.Transactor, codecs *messaging.Registry, sender Sender, cfg Config, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		module:   module,
		repo:     repo,
		tx:       tx,
		codecs:   codecs,
		sender:   sender,
		config:   cfg.normalize(),
		clock:    clockwork.NewRealClock(),
		metrics:  NoOpMetricsCollector{},
		owner:    defaultOwner(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dispatcher"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func (d *Dispatcher) Owner() string {
	return d.owner
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("internal command dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx)

	log.Info().
		Str("module", d.module).
		Str("owner", d.owner).
		Dur("poll_interval", d.config.PollInterval).
		Int("max_attempts", d.config.MaxAttempts).
		Msg("internal command dispatcher started")
	return nil
}

func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("internal command dispatcher not running")
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopChan)
	d.wg.Wait()

	log.Info().Str("module", d.module).Msg("internal command dispatcher stopped")
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := d.clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case <-ticker.Chan():
			d.poll(ctx)
		}
	}
}

// poll keeps claiming while batches come back full and clean. A failure
// waits for the next tick.
func (d *Dispatcher) poll(ctx context.Context) {
	for ctx.Err() == nil && !d.stopping() {
		res, err := d.DispatchOnce(ctx)
		if err != nil {
			log.Error().Err(err).Str("module", d.module).Msg("internal command dispatch failed")
			return
		}
		if res.Failed > 0 || res.Claimed < d.config.BatchSize {
			return
		}
	}
}

func (d *Dispatcher) stopping() bool {
	select {
	case <-d.stopChan:
		return true
	default:
		return false
	}
}

// DispatchOnce claims one batch and executes each command in its own
// transaction.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Result, error) {
	now := d.clock.Now()
	cmds, err := d.repo.Claim(ctx, ClaimRequest{
		Owner:       d.owner,
		Now:         now,
		Lease:       d.config.Lease,
		MaxAttempts: d.config.MaxAttempts,
		Limit:       d.config.BatchSize,
	})
	if err != nil {
		return Result{}, fmt.Errorf("claim internal commands %s: %w", d.module, err)
	}

	res := Result{Claimed: len(cmds)}
	for _, c := range cmds {
		if ctx.Err() != nil {
			break
		}
		start := d.clock.Now()
		err := d.execute(ctx, c)
		d.metrics.RecordCommandExecuted(ctx, c.Type, err == nil, d.clock.Since(start))
		if err == nil {
			res.Processed++
			continue
		}

		res.Failed++
		log.Error().
			Err(err).
			Str("module", d.module).
			Str("command_id", c.ID.String()).
			Str("command_type", c.Type).
			Int("attempt", c.Attempts).
			Msg("internal command failed")

		if errors.Is(err, ErrLeaseLost) {
			continue
		}
		retryAt := d.clock.Now().Add(d.config.backoff(c.Attempts))
		if recErr := d.repo.RecordFailure(ctx, c.ID, d.owner, err.Error(), retryAt); recErr != nil {
			log.Error().Err(recErr).Str("command_id", c.ID.String()).Msg("failed to record internal command failure")
		}
	}

	if res.Claimed > 0 {
		log.Info().
			Str("module", d.module).
			Int("claimed", res.Claimed).
			Int("processed", res.Processed).
			Int("failed", res.Failed).
			Msg("dispatched internal commands")
	}
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, c Command) error {
	payload, err := d.codecs.Decode(c.Type, c.Data)
	if err != nil {
		return err
	}

	correlation := uuid.Nil
	if st, ok := payload.(Stamper); ok {
		correlation = st.Correlation()
	}

	return d.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := d.sender.SendAny(execctx.WithBackground(ctx, uuid.Nil, correlation), payload); err != nil {
			return err
		}
		ok, err := d.repo.MarkProcessed(ctx, c.ID, d.owner, d.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrLeaseLost
		}
		return nil
	})
}
