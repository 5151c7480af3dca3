package inbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

// HandlerFunc handles one decoded message. It runs inside the receive
// transaction and must use ctx for its own writes.
type HandlerFunc func(ctx context.Context, msg Message, payload any) error

// Receiver runs record-handle-mark as one transaction. If anything fails the
// inbox record is rolled back with the handler's writes, so a redelivery is
// handled again.
type Receiver struct {
	module string
	inbox  *Inbox
	tx     sqlutil.Transactor
	codecs *messaging.Registry

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewReceiver(module string, inbox *Inbox, tx sqlutil.Transactor, codecs *messaging.Registry) *Receiver {
	return &Receiver{
		module:   module,
		inbox:    inbox,
		tx:       tx,
		codecs:   codecs,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle routes messages of the given type tag to h. Each tag has exactly
// one handler.
func (r *Receiver) Handle(tag string, h HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[tag]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, tag)
	}
	r.handlers[tag] = h
	return nil
}

// Handles reports whether a handler is registered for tag.
func (r *Receiver) Handles(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[tag]
	return ok
}

// Receive processes msg at most once per id. Duplicates return nil.
func (r *Receiver) Receive(ctx context.Context, msg Message) error {
	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}

	payload, err := r.codecs.Decode(msg.Type, msg.Data)
	if err != nil {
		return err
	}

	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		fresh, err := r.inbox.TryMarkReceived(ctx, msg)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}

		if err := h(ctx, msg, payload); err != nil {
			return fmt.Errorf("handle %s %s: %w", msg.Type, msg.ID, err)
		}

		if err := r.inbox.MarkProcessed(ctx, msg.ID); err != nil {
			return err
		}

		log.Info().
			Str("module", r.module).
			Str("event_id", msg.ID.String()).
			Str("event_type", msg.Type).
			Msg("inbox message processed")
		return nil
	})
}

// ReceiveEnvelope adapts a transport envelope.
func (r *Receiver) ReceiveEnvelope(ctx context.Context, env messaging.Envelope) error {
	return r.Receive(ctx, Message{
		ID:         env.ID,
		OccurredOn: env.OccurredOn,
		Type:       env.Type,
		Data:       env.Payload,
	})
}
