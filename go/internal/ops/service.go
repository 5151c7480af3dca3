// Package ops exposes operator actions: inspecting and retrying internal
// commands, and outbox health.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/dispatch"
	"github.com/mcdev12/modulith/go/internal/domain"
	"github.com/mcdev12/modulith/go/internal/internalcommands"
	"github.com/mcdev12/modulith/go/internal/outbox"
	"github.com/mcdev12/modulith/go/internal/pagination"
	"github.com/mcdev12/modulith/go/internal/rpcutil"
	"github.com/rs/zerolog/log"
)

var OpsService = rpcutil.Service{
	Name:    "modulith.ops.v1.OpsService",
	Methods: []string{"ListInternalCommands", "RetryInternalCommand", "OutboxStatus"},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type ListInternalCommandsRequest struct {
	Module  string `json:"module"`
	Status  string `json:"status"`
	Type    string `json:"type"`
	Page    *int   `json:"page" validate:"omitempty,min=1"`
	PerPage *int   `json:"perPage" validate:"omitempty,min=1,max=500"`
}

// CommandView leaves out the payload, which may hold secrets.
type CommandView struct {
	ID            uuid.UUID  `json:"id"`
	Module        string     `json:"module"`
	Type          string     `json:"type"`
	EnqueueDate   time.Time  `json:"enqueueDate"`
	ProcessedDate *time.Time `json:"processedDate,omitempty"`
	Error         string     `json:"error,omitempty"`
	Attempts      int        `json:"attempts"`
	ClaimedBy     string     `json:"claimedBy,omitempty"`
	ClaimedUntil  *time.Time `json:"claimedUntil,omitempty"`
}

type ListInternalCommandsResponse struct {
	Commands []CommandView `json:"commands"`
}

type RetryInternalCommandRequest struct {
	Module string    `json:"module"`
	ID     uuid.UUID `json:"id"`
}

type RetryInternalCommandResponse struct {
	Retried bool `json:"retried"`
}

type OutboxStatusRequest struct{}

// Service implements the OpsService Connect handlers
type Service struct {
	health *outbox.HealthChecker

	mu       sync.RWMutex
	commands map[string]internalcommands.Repository
}

// NewService accepts a nil health checker; OutboxStatus then reports
// nothing watched.
func NewService(health *outbox.HealthChecker) *Service {
	return &Service{
		health:   health,
		commands: make(map[string]internalcommands.Repository),
	}
}

// Register makes a module's internal commands visible to operators.
func (s *Service) Register(module string, repo internalcommands.Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[module] = repo
}

func (s *Service) Handler(opts ...connect.HandlerOption) (string, http.Handler, error) {
	if err := rpcutil.Register(OpsService); err != nil {
		return "", nil, err
	}

	svc := OpsService
	mux := http.NewServeMux()
	mux.Handle(svc.Procedure("ListInternalCommands"), rpcutil.Unary(svc.Procedure("ListInternalCommands"), s.ListInternalCommands, opts...))
	mux.Handle(svc.Procedure("RetryInternalCommand"), rpcutil.Unary(svc.Procedure("RetryInternalCommand"), s.RetryInternalCommand, opts...))
	mux.Handle(svc.Procedure("OutboxStatus"), rpcutil.Unary(svc.Procedure("OutboxStatus"), s.OutboxStatus, opts...))
	return svc.Path(), mux, nil
}

// ListInternalCommands lists commands of one module, or of every registered
// module when Module is empty.
func (s *Service) ListInternalCommands(ctx context.Context, req ListInternalCommandsRequest) (ListInternalCommandsResponse, error) {
	if err := dispatch.AsValidationError(validate.Struct(req)); err != nil {
		return ListInternalCommandsResponse{}, err
	}
	status, ok := internalcommands.ParseStatus(req.Status)
	if !ok {
		return ListInternalCommandsResponse{}, &dispatch.ValidationError{Errors: []dispatch.FieldError{{
			Field:   "status",
			Rule:    "oneof",
			Message: "'status' must be one of [pending failed processed]",
		}}}
	}

	modules, err := s.modules(req.Module)
	if err != nil {
		return ListInternalCommandsResponse{}, err
	}

	filter := internalcommands.Filter{
		Status: status,
		Type:   req.Type,
		Page:   pagination.GetPageData(req.Page, req.PerPage),
	}
	if len(modules) > 1 {
		filter.Page = pagination.PageData{Limit: pagination.Unbounded}
	}

	out := ListInternalCommandsResponse{Commands: []CommandView{}}
	for _, module := range modules {
		cmds, err := s.repo(module).List(ctx, filter)
		if err != nil {
			return ListInternalCommandsResponse{}, err
		}
		for _, c := range cmds {
			out.Commands = append(out.Commands, view(module, c))
		}
	}

	if len(modules) > 1 {
		sort.SliceStable(out.Commands, func(i, j int) bool {
			return out.Commands[i].EnqueueDate.Before(out.Commands[j].EnqueueDate)
		})
		out.Commands = append([]CommandView{}, pagination.Slice(out.Commands, pagination.GetPageData(req.Page, req.PerPage))...)
	}
	return out, nil
}

// RetryInternalCommand makes a failed or parked command eligible again.
func (s *Service) RetryInternalCommand(ctx context.Context, req RetryInternalCommandRequest) (RetryInternalCommandResponse, error) {
	modules, err := s.modules(req.Module)
	if err != nil {
		return RetryInternalCommandResponse{}, err
	}
	if len(modules) != 1 {
		return RetryInternalCommandResponse{}, &dispatch.ValidationError{Errors: []dispatch.FieldError{{
			Field:   "module",
			Rule:    "required",
			Message: "'module' is required",
		}}}
	}

	err = s.repo(modules[0]).Retry(ctx, req.ID)
	switch {
	case errors.Is(err, internalcommands.ErrNotFound):
		return RetryInternalCommandResponse{}, fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case errors.Is(err, internalcommands.ErrAlreadyProcessed):
		return RetryInternalCommandResponse{}, &domain.BusinessRuleError{
			Rule:    "ProcessedCommandCannotBeRetried",
			Message: fmt.Sprintf("internal command %s was already processed", req.ID),
		}
	case err != nil:
		return RetryInternalCommandResponse{}, err
	}

	log.Info().Str("module", modules[0]).Str("command_id", req.ID.String()).Msg("internal command retry requested")
	return RetryInternalCommandResponse{Retried: true}, nil
}

func (s *Service) OutboxStatus(ctx context.Context, _ OutboxStatusRequest) (outbox.HealthStatus, error) {
	if s.health == nil {
		return outbox.HealthStatus{Healthy: true, Modules: map[string]outbox.ModuleHealth{}}, nil
	}
	return s.health.Check(ctx), nil
}

func (s *Service) modules(module string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if module != "" {
		if _, ok := s.commands[module]; !ok {
			return nil, fmt.Errorf("module %q: %w", module, domain.ErrNotFound)
		}
		return []string{module}, nil
	}

	out := make([]string, 0, len(s.commands))
	for m := range s.commands {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) repo(module string) internalcommands.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commands[module]
}

func view(module string, c internalcommands.Command) CommandView {
	return CommandView{
		ID:            c.ID,
		Module:        module,
		Type:          c.Type,
		EnqueueDate:   c.EnqueueDate,
		ProcessedDate: c.ProcessedDate,
		Error:         c.Error,
		Attempts:      c.Attempts,
		ClaimedBy:     c.ClaimedBy,
		ClaimedUntil:  c.ClaimedUntil,
	}
}
