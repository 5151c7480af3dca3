package useraccess

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/pagination"
)

type GetUserByLogin struct {
	Login string `json:"login" validate:"required"`
}

// GetUsers pages through users ordered by login. Nil Page and PerPage return
// everyone.
type GetUsers struct {
	Page    *int `json:"page" validate:"omitempty,min=1"`
	PerPage *int `json:"perPage" validate:"omitempty,min=1,max=500"`
}

// UserDTO is the read model handed to callers. The password hash never
// leaves the module.
type UserDTO struct {
	ID              uuid.UUID  `json:"id"`
	Login           string     `json:"login"`
	Password        string     `json:"-"`
	Email           string     `json:"email"`
	FirstName       string     `json:"firstName,omitempty"`
	LastName        string     `json:"lastName,omitempty"`
	Name            string     `json:"name,omitempty"`
	ExternalID      string     `json:"externalId,omitempty"`
	IsActive        bool       `json:"isActive"`
	Roles           []string   `json:"roles"`
	CreatedAt       time.Time  `json:"createdAt"`
	ProfileSyncedAt *time.Time `json:"profileSyncedAt,omitempty"`
}

func toDTO(u *User) UserDTO {
	return UserDTO{
		ID:              u.ID,
		Login:           u.Login,
		Password:        u.Password,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		Name:            u.Name,
		ExternalID:      u.ExternalID,
		IsActive:        u.IsActive,
		Roles:           rolesToStrings(u.Roles),
		CreatedAt:       u.CreatedAt,
		ProfileSyncedAt: u.ProfileSyncedAt,
	}
}

func (h *handlers) getUserByLogin(ctx context.Context, q GetUserByLogin) (UserDTO, error) {
	u, err := h.users.GetByLogin(ctx, q.Login)
	if err != nil {
		return UserDTO{}, err
	}
	return toDTO(u), nil
}

func (h *handlers) getUsers(ctx context.Context, q GetUsers) ([]UserDTO, error) {
	users, err := h.users.List(ctx, pagination.GetPageData(q.Page, q.PerPage))
	if err != nil {
		return nil, err
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, toDTO(u))
	}
	return out, nil
}
