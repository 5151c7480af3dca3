package useraccess

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/dispatch"
	"github.com/mcdev12/modulith/go/internal/execctx"
	"github.com/mcdev12/modulith/go/internal/internalcommands"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/mcdev12/modulith/go/internal/outbox"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
)

// RegisterEvents registers the integration events other modules consume.
func RegisterEvents(r *messaging.Registry) error {
	return errors.Join(
		messaging.Register[UserCreated](r, ModuleName+".UserCreated", 1),
		messaging.Register[UserProfileSynced](r, ModuleName+".UserProfileSynced", 1),
	)
}

func registerCommands(r *messaging.Registry) error {
	return errors.Join(
		messaging.Register[AddAdminUser](r, ModuleName+".AddAdminUser", 1),
		messaging.Register[SyncUserProfile](r, ModuleName+".SyncUserProfile", 1),
	)
}

// Store bundles the module's storage.
type Store struct {
	Tx       sqlutil.Transactor
	Users    Repository
	Outbox   outbox.Repository
	Commands internalcommands.Repository
}

func NewPostgresStore(db *sql.DB) Store {
	return Store{
		Tx:       sqlutil.NewTxManager(db),
		Users:    NewPostgresRepository(db),
		Outbox:   outbox.NewPostgresRepository(db, ModuleName),
		Commands: internalcommands.NewPostgresRepository(db, ModuleName),
	}
}

func NewMemoryStore(db *memdb.DB) Store {
	return Store{
		Tx:       db,
		Users:    NewMemoryRepository(db),
		Outbox:   outbox.NewMemoryRepository(db, ModuleName),
		Commands: internalcommands.NewMemoryRepository(db, ModuleName),
	}
}

type Options struct {
	Hasher   PasswordHasher
	Clock    clockwork.Clock
	Accessor execctx.Accessor
}

// Module is the composed user access module.
type Module struct {
	store     Store
	codecs    *messaging.Registry
	pipeline  *dispatch.Pipeline
	scheduler *internalcommands.Scheduler
}

func NewModule(store Store, opts Options) (*Module, error) {
	if opts.Hasher == nil {
		opts.Hasher = BcryptHasher{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Accessor == nil {
		opts.Accessor = execctx.NewAccessor()
	}

	codecs := messaging.NewRegistry()
	if err := errors.Join(RegisterEvents(codecs), registerCommands(codecs)); err != nil {
		return nil, err
	}

	scheduler := internalcommands.NewScheduler(store.Commands, codecs, opts.Accessor, opts.Clock)
	h := &handlers{
		users:     store.Users,
		scheduler: scheduler,
		hasher:    opts.Hasher,
		clock:     opts.Clock,
	}

	registry := dispatch.NewRegistry()
	dispatch.Handle(registry, h.addAdminUser)
	dispatch.Handle(registry, h.provisionUser)
	dispatch.Handle(registry, h.syncUserProfile)
	dispatch.HandleQuery(registry, h.getUserByLogin)
	dispatch.HandleQuery(registry, h.getUsers)

	dispatch.Declare[*AddAdminUser](registry)
	dispatch.Declare[*ProvisionUserFromClaims](registry)
	dispatch.Declare[*SyncUserProfile](registry)
	dispatch.DeclareQuery[GetUserByLogin](registry)
	dispatch.DeclareQuery[GetUsers](registry)
	if err := registry.Validate(); err != nil {
		return nil, err
	}

	return &Module{
		store:     store,
		codecs:    codecs,
		pipeline:  dispatch.NewPipeline(ModuleName, registry, store.Tx, outbox.New(ModuleName, store.Outbox), codecs, opts.Accessor),
		scheduler: scheduler,
	}, nil
}

func (m *Module) Store() Store {
	return m.store
}

// Dispatcher builds the background executor of this module's internal
// commands.
func (m *Module) Dispatcher(cfg internalcommands.Config, opts ...internalcommands.DispatcherOption) *internalcommands.Dispatcher {
	return internalcommands.NewDispatcher(ModuleName, m.store.Commands, m.store.Tx, m.codecs, m.pipeline, cfg, opts...)
}

// OutboxWorker builds the publisher of this module's outbox.
func (m *Module) OutboxWorker(publisher outbox.Publisher, cfg outbox.Config, opts ...outbox.WorkerOption) *outbox.Worker {
	return outbox.NewWorker(ModuleName, m.store.Outbox, m.store.Tx, publisher, cfg, opts...)
}

// AddAdminUser schedules the creation of an administrator and returns the
// internal command id.
func (m *Module) AddAdminUser(ctx context.Context, cmd *AddAdminUser) (uuid.UUID, error) {
	if err := m.pipeline.Validate(cmd); err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err := m.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		id, err = m.scheduler.Enqueue(ctx, cmd)
		return err
	})
	return id, err
}

func (m *Module) ProvisionUserFromClaims(ctx context.Context, cmd *ProvisionUserFromClaims) (ProvisionResult, error) {
	return dispatch.Send[*ProvisionUserFromClaims, ProvisionResult](ctx, m.pipeline, cmd)
}

func (m *Module) GetUserByLogin(ctx context.Context, q GetUserByLogin) (UserDTO, error) {
	return dispatch.Ask[GetUserByLogin, UserDTO](ctx, m.pipeline, q)
}

func (m *Module) GetUsers(ctx context.Context, q GetUsers) ([]UserDTO, error) {
	return dispatch.Ask[GetUsers, []UserDTO](ctx, m.pipeline, q)
}
