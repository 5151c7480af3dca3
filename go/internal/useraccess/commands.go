package useraccess

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/internalcommands"
	"github.com/rs/zerolog/log"
)

// AddAdminUser is scheduled as an internal command and executed in the
// background.
type AddAdminUser struct {
	internalcommands.Base
	Login     string `json:"login" validate:"required"`
	Password  string `json:"password" validate:"required"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Name      string `json:"name"`
	Email     string `json:"email" validate:"required,email"`
}

// ProvisionUserFromClaims creates the local user for an identity-provider
// subject the first time it is seen.
type ProvisionUserFromClaims struct {
	ExternalID string `json:"externalId" validate:"required"`
	Login      string `json:"login"`
	Email      string `json:"email" validate:"omitempty,email"`
	Name       string `json:"name"`
}

type ProvisionResult struct {
	UserID  uuid.UUID `json:"userId"`
	Created bool      `json:"created"`
}

// SyncUserProfile refreshes a provisioned user's profile after creation.
type SyncUserProfile struct {
	internalcommands.Base
	UserID uuid.UUID `json:"userId" validate:"required"`
	Email  string    `json:"email"`
	Name   string    `json:"name"`
}

type handlers struct {
	users     Repository
	scheduler *internalcommands.Scheduler
	hasher    PasswordHasher
	clock     clockwork.Clock
}

func (h *handlers) addAdminUser(ctx context.Context, cmd *AddAdminUser) (uuid.UUID, error) {
	taken, err := h.users.LoginExists(ctx, cmd.Login)
	if err != nil {
		return uuid.Nil, err
	}

	u, err := NewAdministrator(uuid.New(), cmd.Login, cmd.Password, cmd.Email, cmd.FirstName, cmd.LastName, cmd.Name, taken, h.hasher, h.clock.Now())
	if err != nil {
		return uuid.Nil, err
	}
	if err := h.users.Add(ctx, u); err != nil {
		return uuid.Nil, err
	}

	log.Info().Str("user_id", u.ID.String()).Str("login", u.Login).Msg("administrator created")
	return u.ID, nil
}

func (h *handlers) provisionUser(ctx context.Context, cmd *ProvisionUserFromClaims) (ProvisionResult, error) {
	u, err := NewProvisionedUser(cmd.ExternalID, cmd.Login, cmd.Email, cmd.Name, h.clock.Now())
	if err != nil {
		return ProvisionResult{}, err
	}

	created, err := h.users.AddIfAbsent(ctx, u)
	if err != nil {
		return ProvisionResult{}, err
	}
	if !created {
		existing, err := h.users.GetByExternalID(ctx, cmd.ExternalID)
		if err != nil {
			return ProvisionResult{}, err
		}
		return ProvisionResult{UserID: existing.ID}, nil
	}

	_, err = h.scheduler.Enqueue(ctx, &SyncUserProfile{UserID: u.ID, Email: cmd.Email, Name: cmd.Name})
	if err != nil {
		return ProvisionResult{}, err
	}

	log.Info().Str("user_id", u.ID.String()).Str("external_id", u.ExternalID).Msg("user provisioned")
	return ProvisionResult{UserID: u.ID, Created: true}, nil
}

func (h *handlers) syncUserProfile(ctx context.Context, cmd *SyncUserProfile) (struct{}, error) {
	u, err := h.users.Get(ctx, cmd.UserID)
	if err != nil {
		return struct{}{}, fmt.Errorf("sync profile: %w", err)
	}

	u.SyncProfile(cmd.Email, cmd.Name, h.clock.Now())
	return struct{}{}, h.users.Update(ctx, u)
}
