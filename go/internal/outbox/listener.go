package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for missed events
	PingInterval     time.Duration
}

// NotifyChannel is the channel the outbox insert trigger of module notifies.
func NotifyChannel(module string) string {
	return module + "_outbox"
}

func DefaultListenerConfig(module string) ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    NotifyChannel(module),
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
	}
}

// Listener wakes a Worker whenever a row lands in the outbox, so messages go
// out without waiting for the next poll. Publishing itself stays in the
// worker, which keeps delivery ordered.
type Listener struct {
	listener *pq.Listener
	worker   *Worker
	cfg      ListenerConfig
	clock    clockwork.Clock
}

func NewListener(worker *Worker, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Int("event", int(ev)).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	return &Listener{
		listener: l,
		worker:   worker,
		cfg:      cfg,
		clock:    worker.clock,
	}, nil
}

// Start blocks until ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("listener started")

	pingTicker := l.clock.NewTicker(l.cfg.PingInterval)
	fallbackTicker := l.clock.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return l.Stop()
		case note := <-l.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established
				// and notifications may have been missed
				l.worker.Wake()
				continue
			}
			log.Debug().Str("event_id", note.Extra).Msg("outbox notification")
			l.worker.Wake()
		case <-fallbackTicker.Chan():
			l.worker.Wake()
		case <-pingTicker.Chan():
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *Listener) Stop() error {
	return l.listener.Close()
}
