package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/domain"
	"github.com/mcdev12/modulith/go/internal/execctx"
	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/mcdev12/modulith/go/internal/outbox"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

// Pipeline runs one module's commands and queries.
//
// A command is validated, then handled inside a transaction. Events recorded
// by aggregates the handler's repositories tracked are stamped with the
// correlation id, serialized and saved to the outbox before commit.
type Pipeline struct {
	module   string
	registry *Registry
	tx       sqlutil.Transactor
	outbox   *outbox.Outbox
	codecs   *messaging.Registry
	accessor execctx.Accessor
	validate *validator.Validate
}

func NewPipeline(module string, registry *Registry, tx sqlutil.Transactor, ob *outbox.Outbox, codecs *messaging.Registry, accessor execctx.Accessor) *Pipeline {
	if accessor == nil {
		accessor = execctx.NewAccessor()
	}
	return &Pipeline{
		module:   module,
		registry: registry,
		tx:       tx,
		outbox:   ob,
		codecs:   codecs,
		accessor: accessor,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Send executes cmd and returns the handler's result.
func Send[C, R any](ctx context.Context, p *Pipeline, cmd C) (R, error) {
	var zero R
	res, err := p.SendAny(ctx, cmd)
	if err != nil {
		return zero, err
	}
	return resultAs[R](res)
}

// Ask runs a query handler. Queries get validation but no transaction.
func Ask[Q, R any](ctx context.Context, p *Pipeline, q Q) (R, error) {
	var zero R
	rt, err := p.registry.lookup(reflect.TypeOf(q), kindQuery)
	if err != nil {
		return zero, err
	}
	if err := p.check(q); err != nil {
		return zero, err
	}
	res, err := rt.invoke(ctx, q)
	if err != nil {
		return zero, err
	}
	return resultAs[R](res)
}

func resultAs[R any](res any) (R, error) {
	var zero R
	if res == nil {
		return zero, nil
	}
	r, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("dispatch: handler returned %T, want %s", res, reflect.TypeOf((*R)(nil)).Elem())
	}
	return r, nil
}

// SendAny executes a command whose type is only known at runtime. The
// internal command dispatcher uses it; an enclosing transaction on ctx is
// joined.
func (p *Pipeline) SendAny(ctx context.Context, cmd any) (any, error) {
	rt, err := p.registry.lookup(reflect.TypeOf(cmd), kindCommand)
	if err != nil {
		return nil, err
	}
	if err := p.check(cmd); err != nil {
		return nil, err
	}

	var res any
	err = p.tx.WithinTx(ctx, func(ctx context.Context) error {
		ctx, tracker := domain.WithTracker(ctx)
		ctx = p.outbox.Begin(ctx)

		out, err := rt.invoke(ctx, cmd)
		if err != nil {
			return err
		}
		if err := p.stageEvents(ctx, tracker.Drain()); err != nil {
			return err
		}
		if err := p.outbox.Save(ctx); err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		p.logFailure(ctx, cmd, err)
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) stageEvents(ctx context.Context, events []domain.Event) error {
	correlation, err := p.accessor.CorrelationID(ctx)
	if err != nil {
		correlation = uuid.Nil
	}

	for _, ev := range events {
		ev.SetCorrelationID(correlation)
		tag, data, err := p.codecs.Encode(ev)
		if err != nil {
			return fmt.Errorf("serialize domain event: %w", err)
		}
		err = p.outbox.Add(ctx, outbox.Message{
			ID:         ev.EventID(),
			OccurredOn: ev.OccurredAt(),
			Type:       tag,
			Data:       data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate runs the structural checks Send and Ask apply, without handling
// req. Use it before scheduling a command for later execution.
func (p *Pipeline) Validate(req any) error {
	return p.check(req)
}

func (p *Pipeline) check(req any) error {
	v := reflect.ValueOf(req)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return &ValidationError{Errors: []FieldError{{Field: "request", Rule: "required", Message: "request is required"}}}
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	err := p.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return newValidationError(verrs)
	}
	return fmt.Errorf("validate %T: %w", req, err)
}

func (p *Pipeline) logFailure(ctx context.Context, cmd any, err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return
	}
	if _, ok := domain.AsBusinessRuleError(err); ok {
		log.Info().Str("module", p.module).Str("command", fmt.Sprintf("%T", cmd)).Err(err).Msg("command rejected")
		return
	}
	ev := log.Error()
	if correlation, cerr := p.accessor.CorrelationID(ctx); cerr == nil {
		ev = ev.Str("correlation_id", correlation.String())
	}
	ev.Str("module", p.module).Str("command", fmt.Sprintf("%T", cmd)).Err(err).Msg("command failed")
}
