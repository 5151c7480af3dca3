package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/audit"
	"github.com/mcdev12/modulith/go/internal/config"
	"github.com/mcdev12/modulith/go/internal/internalcommands"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/mcdev12/modulith/go/internal/natsconn"
	"github.com/mcdev12/modulith/go/internal/ops"
	"github.com/mcdev12/modulith/go/internal/outbox"
	"github.com/mcdev12/modulith/go/internal/useraccess"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// App is the composed process: both modules over one store, one event
// transport, and the operator surface.
type App struct {
	cfg   config.Config
	clock clockwork.Clock

	db  *sql.DB
	mem *memdb.DB

	UserAccess *useraccess.Module
	Audit      *audit.Module
	Ops        *ops.Service
	Health     *outbox.HealthChecker

	publisher outbox.Publisher
	transport outbox.ConnectionState
	bus       *outbox.LocalBus
	js        jetstream.JetStream

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, clock clockwork.Clock) (_ *App, err error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &App{cfg: cfg, clock: clock}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// Wire up dependency injection chain
	// Store → Module → Transport → Operator surface
	var (
		uaStore    useraccess.Store
		auditStore audit.Store
	)
	switch cfg.Store {
	case config.StorePostgres:
		a.db, err = setupDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.db.Close)
		uaStore = useraccess.NewPostgresStore(a.db)
		auditStore = audit.NewPostgresStore(a.db)
	default:
		a.mem = memdb.New()
		uaStore = useraccess.NewMemoryStore(a.mem)
		auditStore = audit.NewMemoryStore(a.mem)
	}

	a.UserAccess, err = useraccess.NewModule(uaStore, useraccess.Options{Clock: clock})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s module: %w", useraccess.ModuleName, err)
	}
	a.Audit, err = audit.NewModule(auditStore, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s module: %w", audit.ModuleName, err)
	}

	if err := a.setupTransport(ctx); err != nil {
		return nil, err
	}

	var db outbox.Pinger
	if a.db != nil {
		db = a.db
	}
	a.Health = outbox.NewHealthChecker(db, a.transport, cfg.Outbox.HealthThreshold, clock)

	a.Ops = ops.NewService(a.Health)
	a.Ops.Register(useraccess.ModuleName, uaStore.Commands)

	log.Info().
		Str("store", cfg.Store).
		Str("transport", cfg.Transport).
		Msg("application composed")
	return a, nil
}

// setupTransport picks where published outbox messages go. The audit module
// is attached to the same transport so it consumes what user access emits.
func (a *App) setupTransport(ctx context.Context) error {
	var publisher outbox.Publisher

	switch a.cfg.Transport {
	case config.TransportNATS:
		ncfg := a.cfg.NATSConn()
		nc, js, err := natsconn.Connect(ncfg)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		a.transport = nc
		a.js = js

		jsp, err := outbox.NewJetStreamPublisher(ctx, js, ncfg)
		if err != nil {
			return err
		}
		publisher = jsp

	case config.TransportRabbitMQ:
		rp, err := outbox.NewRabbitMQPublisher(a.cfg.RabbitMQPublisher())
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rp.Close)
		a.transport = rp
		publisher = rp

	case config.TransportLog:
		publisher = outbox.LogPublisher{}

	default:
		a.bus = outbox.NewLocalBus(a.clock)
		a.Audit.Subscribe(a.bus)
		publisher = a.bus
	}

	if a.cfg.Outbox.Breaker {
		publisher = outbox.NewBreakerPublisher(publisher, outbox.DefaultBreakerConfig(a.cfg.Transport))
	}
	a.publisher = publisher
	return nil
}

// startWorkers launches every background loop of the process on g. Loops
// stop when ctx is cancelled.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group) error {
	store := a.UserAccess.Store()

	obMetrics, err := outbox.NewOtelMetrics(otel.GetMeterProvider(), useraccess.ModuleName)
	if err != nil {
		return err
	}
	icMetrics, err := internalcommands.NewOtelMetrics(otel.GetMeterProvider(), useraccess.ModuleName)
	if err != nil {
		return err
	}

	worker := a.UserAccess.OutboxWorker(
		outbox.NewMetricPublisher(a.publisher, obMetrics),
		a.cfg.OutboxWorker(),
		outbox.WithClock(a.clock),
		outbox.WithMetrics(obMetrics),
	)
	a.Health.Watch(worker, store.Outbox)

	dispatcher := a.UserAccess.Dispatcher(
		a.cfg.Dispatcher(),
		internalcommands.WithClock(a.clock),
		internalcommands.WithMetrics(icMetrics),
	)

	if err := worker.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		return worker.Stop()
	})

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		return dispatcher.Stop()
	})

	if a.db != nil && a.cfg.Outbox.Listen {
		lc := outbox.DefaultListenerConfig(useraccess.ModuleName)
		lc.DatabaseURL = a.cfg.Database.DSN()
		listener, err := outbox.NewListener(worker, lc)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer func() { _ = listener.Stop() }()
			return listener.Start(ctx)
		})
	}

	switch {
	case a.bus != nil:
		g.Go(func() error {
			return a.bus.Run(ctx, a.cfg.Outbox.RetryDelay)
		})
	case a.js != nil:
		consumer, err := a.Audit.Consumer(ctx, a.js, a.cfg.NATSConn())
		if err != nil {
			return err
		}
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	case a.cfg.Transport == config.TransportRabbitMQ:
		log.Warn().Msg("rabbitmq transport has no in-process consumer; audit entries are not recorded by this process")
	}

	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
