package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// LogPublisher only logs; for local runs without a broker.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, env messaging.Envelope) error {
	log.Info().
		Str("event_id", env.ID.String()).
		Str("event_type", env.Type).
		Str("source", env.Source).
		Msg("publishing event")
	return nil
}

// LocalBus is an in-process transport. Publish only queues; Flush or Run
// delivers to subscribers outside of the publisher's transaction, the way a
// broker would.
type LocalBus struct {
	clock   clockwork.Clock
	mu      sync.Mutex
	pending []messaging.Envelope
	subs    []localSub
	notify  chan struct{}
}

type localSub struct {
	source  string
	handler func(ctx context.Context, env messaging.Envelope) error
}

// NewLocalBus uses the real clock when clock is nil.
func NewLocalBus(clock clockwork.Clock) *LocalBus {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalBus{clock: clock, notify: make(chan struct{}, 1)}
}

// Subscribe registers handler for events from source ("" for all sources).
func (b *LocalBus) Subscribe(source string, handler func(ctx context.Context, env messaging.Envelope) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, localSub{source: source, handler: handler})
}

func (b *LocalBus) Publish(ctx context.Context, env messaging.Envelope) error {
	b.mu.Lock()
	b.pending = append(b.pending, env)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Flush delivers everything queued so far. An envelope whose handler fails
// stays queued for the next flush, as a redelivery would.
func (b *LocalBus) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	subs := append([]localSub(nil), b.subs...)
	b.mu.Unlock()

	var (
		errs   []error
		failed []messaging.Envelope
	)
	for _, env := range batch {
		var envErr error
		for _, s := range subs {
			if s.source != "" && s.source != env.Source {
				continue
			}
			if err := s.handler(ctx, env); err != nil {
				envErr = fmt.Errorf("deliver %s: %w", env.ID, err)
			}
		}
		if envErr != nil {
			errs = append(errs, envErr)
			failed = append(failed, env)
		}
	}

	if len(failed) > 0 {
		b.mu.Lock()
		b.pending = append(failed, b.pending...)
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Pending returns the number of queued envelopes.
func (b *LocalBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run flushes whenever something is published, and at least every interval
// so failed deliveries are retried.
func (b *LocalBus) Run(ctx context.Context, interval time.Duration) error {
	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.notify:
		case <-ticker.Chan():
		}
		if err := b.Flush(ctx); err != nil {
			log.Error().Err(err).Msg("local bus delivery failed")
		}
	}
}

type BreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerPublisher stops calling a failing transport until it has had time
// to recover. While open, Publish fails fast with gobreaker.ErrOpenState.
type BreakerPublisher struct {
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(publisher Publisher, cfg BreakerConfig) *BreakerPublisher {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("publisher circuit breaker state changed")
		},
	}
	return &BreakerPublisher{
		publisher: publisher,
		breaker:   gobreaker.NewCircuitBreaker(settings),
	}
}

func (p *BreakerPublisher) Publish(ctx context.Context, env messaging.Envelope) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(ctx, env)
	})
	return err
}

func (p *BreakerPublisher) State() gobreaker.State {
	return p.breaker.State()
}
