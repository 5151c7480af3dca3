// Package internalcommands stores commands a module schedules for itself and
// executes them later in the background, each inside its own transaction.
package internalcommands

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/pagination"
)

var (
	ErrNotFound         = errors.New("internal command not found")
	ErrAlreadyProcessed = errors.New("internal command already processed")
	// ErrLeaseLost means another dispatcher claimed the command while this
	// one was executing it; the execution is rolled back.
	ErrLeaseLost = errors.New("internal command lease lost")
)

// Command is one persisted internal command.
//
//	Pending --claim--> Executing --commit--> Processed
//	                             --failure--> Pending (Error set, held until retry time)
type Command struct {
	ID            uuid.UUID       `json:"id"`
	EnqueueDate   time.Time       `json:"enqueue_date"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	ProcessedDate *time.Time      `json:"processed_date,omitempty"`
	Error         string          `json:"error,omitempty"`
	Attempts      int             `json:"attempts"`
	ClaimedBy     string          `json:"claimed_by,omitempty"`
	ClaimedUntil  *time.Time      `json:"claimed_until,omitempty"`
}

func (c Command) Processed() bool {
	return c.ProcessedDate != nil
}

// Stamper is implemented by commands that carry their own id and the
// correlation id of the execution that scheduled them. Embed Base.
type Stamper interface {
	Stamp(id, correlationID uuid.UUID)
	Correlation() uuid.UUID
}

// Base is embedded in internal command payloads.
type Base struct {
	ID            uuid.UUID `json:"id"`
	CorrelationID uuid.UUID `json:"correlationId"`
}

func (b *Base) Stamp(id, correlationID uuid.UUID) {
	b.ID = id
	b.CorrelationID = correlationID
}

func (b *Base) Correlation() uuid.UUID {
	return b.CorrelationID
}

type Status string

const (
	StatusAny       Status = ""
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusProcessed Status = "processed"
)

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusAny, StatusPending, StatusFailed, StatusProcessed:
		return st, true
	}
	return "", false
}

// Filter selects commands for inspection. Pending excludes commands with a
// recorded error; Failed is the unprocessed ones that have one.
type Filter struct {
	Status Status
	Type   string
	Page   pagination.PageData
}

func (f Filter) matches(c Command) bool {
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	switch f.Status {
	case StatusPending:
		return !c.Processed() && c.Error == ""
	case StatusFailed:
		return !c.Processed() && c.Error != ""
	case StatusProcessed:
		return c.Processed()
	}
	return true
}

// ClaimRequest describes one claim. Commands whose lease is still held, or
// that reached MaxAttempts (when positive), are skipped.
type ClaimRequest struct {
	Owner       string
	Now         time.Time
	Lease       time.Duration
	MaxAttempts int
	Limit       int
}

type Repository interface {
	Insert(ctx context.Context, cmd Command) error
	// Claim leases up to req.Limit commands, oldest first, and increments
	// their attempts.
	Claim(ctx context.Context, req ClaimRequest) ([]Command, error)
	// MarkProcessed reports false when owner no longer holds the lease.
	MarkProcessed(ctx context.Context, id uuid.UUID, owner string, at time.Time) (bool, error)
	// RecordFailure stores msg, releases the lease and keeps the command
	// from being claimed before retryAt.
	RecordFailure(ctx context.Context, id uuid.UUID, owner string, msg string, retryAt time.Time) error
	Retry(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (Command, error)
	List(ctx context.Context, f Filter) ([]Command, error)
}
