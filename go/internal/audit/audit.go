// Package audit keeps a trail of what happened to users. It learns about
// changes only through integration events delivered to its inbox.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/inbox"
	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/mcdev12/modulith/go/internal/natsconn"
	"github.com/mcdev12/modulith/go/internal/outbox"
	"github.com/mcdev12/modulith/go/internal/pagination"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
	"github.com/mcdev12/modulith/go/internal/useraccess"
	"github.com/nats-io/nats.go/jetstream"
)

const ModuleName = "audit"

// Entry is one audited fact. Its id is the id of the event it came from.
type Entry struct {
	ID            uuid.UUID `json:"id"`
	OccurredOn    time.Time `json:"occurredOn"`
	RecordedAt    time.Time `json:"recordedAt"`
	Source        string    `json:"source"`
	Action        string    `json:"action"`
	SubjectID     uuid.UUID `json:"subjectId"`
	CorrelationID uuid.UUID `json:"correlationId"`
	Summary       string    `json:"summary"`
}

type Repository interface {
	Add(ctx context.Context, e Entry) error
	List(ctx context.Context, subject uuid.UUID, page pagination.PageData) ([]Entry, error)
}

type Store struct {
	Tx      sqlutil.Transactor
	Entries Repository
	Inbox   inbox.Repository
}

// Module records audit entries from user access events.
type Module struct {
	store    Store
	clock    clockwork.Clock
	receiver *inbox.Receiver
}

func NewModule(store Store, clock clockwork.Clock) (*Module, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	codecs := messaging.NewRegistry()
	if err := useraccess.RegisterEvents(codecs); err != nil {
		return nil, err
	}

	m := &Module{
		store:    store,
		clock:    clock,
		receiver: inbox.NewReceiver(ModuleName, inbox.New(store.Inbox, clock), store.Tx, codecs),
	}
	err := errors.Join(
		m.receiver.Handle(messaging.Tag(useraccess.ModuleName+".UserCreated", 1), m.onUserCreated),
		m.receiver.Handle(messaging.Tag(useraccess.ModuleName+".UserProfileSynced", 1), m.onProfileSynced),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) Receiver() *inbox.Receiver {
	return m.receiver
}

// Subscribe attaches the module to an in-process bus. Event types the module
// does not audit are acknowledged and dropped.
func (m *Module) Subscribe(bus *outbox.LocalBus) {
	bus.Subscribe(useraccess.ModuleName, func(ctx context.Context, env messaging.Envelope) error {
		if !m.receiver.Handles(env.Type) {
			return nil
		}
		return m.receiver.ReceiveEnvelope(ctx, env)
	})
}

// Consumer builds the JetStream consumer feeding the module's inbox.
func (m *Module) Consumer(ctx context.Context, js jetstream.JetStream, cfg natsconn.Config) (*inbox.Consumer, error) {
	return inbox.NewConsumer(ctx, js, m.receiver, inbox.DefaultConsumerConfig(cfg.StreamName, cfg.SubjectPrefix, ModuleName, useraccess.ModuleName))
}

// Entries lists the trail of one subject, oldest first. uuid.Nil lists
// everything.
func (m *Module) Entries(ctx context.Context, subject uuid.UUID, page pagination.PageData) ([]Entry, error) {
	return m.store.Entries.List(ctx, subject, page)
}

func (m *Module) onUserCreated(ctx context.Context, msg inbox.Message, payload any) error {
	ev, ok := payload.(*useraccess.UserCreated)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	return m.store.Entries.Add(ctx, Entry{
		ID:            msg.ID,
		OccurredOn:    msg.OccurredOn,
		RecordedAt:    m.clock.Now().UTC(),
		Source:        useraccess.ModuleName,
		Action:        "UserCreated",
		SubjectID:     ev.UserID,
		CorrelationID: ev.CorrelationID,
		Summary:       fmt.Sprintf("user %s created with roles %v", ev.Login, ev.Roles),
	})
}

func (m *Module) onProfileSynced(ctx context.Context, msg inbox.Message, payload any) error {
	ev, ok := payload.(*useraccess.UserProfileSynced)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	return m.store.Entries.Add(ctx, Entry{
		ID:            msg.ID,
		OccurredOn:    msg.OccurredOn,
		RecordedAt:    m.clock.Now().UTC(),
		Source:        useraccess.ModuleName,
		Action:        "UserProfileSynced",
		SubjectID:     ev.UserID,
		CorrelationID: ev.CorrelationID,
		Summary:       fmt.Sprintf("profile synced, email %s", ev.Email),
	})
}
