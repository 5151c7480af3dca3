// Package useraccess manages users: administrators created by operators and
// users provisioned from identity-provider claims.
package useraccess

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// ModuleName is the schema and message source name of this module.
const ModuleName = "useraccess"

type Role string

const (
	RoleAdministrator Role = "Administrator"
	RoleMember        Role = "Member"
)

// User is the aggregate root. Password holds a bcrypt hash, never plaintext.
type User struct {
	domain.AggregateRoot

	ID              uuid.UUID
	Login           string
	Password        string
	Email           string
	FirstName       string
	LastName        string
	Name            string
	ExternalID      string
	IsActive        bool
	Roles           []Role
	CreatedAt       time.Time
	ProfileSyncedAt *time.Time
}

func (u *User) HasRole(r Role) bool {
	for _, have := range u.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// PasswordHasher turns a plaintext password into a stored hash.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Matches(hash, password string) bool
}

type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(out), nil
}

func (BcryptHasher) Matches(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type loginMustBeUnique struct {
	login string
	taken bool
}

func (loginMustBeUnique) Name() string      { return "UserLoginMustBeUnique" }
func (r loginMustBeUnique) IsBroken() bool  { return r.taken }
func (r loginMustBeUnique) Message() string { return fmt.Sprintf("login %q is already used", r.login) }

type externalIDRequired struct{ externalID string }

func (externalIDRequired) Name() string     { return "ProvisionedUserNeedsExternalID" }
func (r externalIDRequired) IsBroken() bool { return r.externalID == "" }
func (externalIDRequired) Message() string  { return "provisioned users need an external identifier" }

// NewAdministrator creates an active administrator.
func NewAdministrator(id uuid.UUID, login, password, email, firstName, lastName, name string, loginTaken bool, hasher PasswordHasher, now time.Time) (*User, error) {
	if err := domain.CheckRule(loginMustBeUnique{login: login, taken: loginTaken}); err != nil {
		return nil, err
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:        id,
		Login:     login,
		Password:  hash,
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
		Name:      name,
		IsActive:  true,
		Roles:     []Role{RoleAdministrator},
		CreatedAt: now.UTC(),
	}
	u.Record(&UserCreated{
		EventBase: domain.NewEventBase(now),
		UserID:    u.ID,
		Login:     u.Login,
		Email:     u.Email,
		Roles:     u.Roles,
	})
	return u, nil
}

// NewProvisionedUser creates an active member from identity-provider claims.
// It has no local password.
func NewProvisionedUser(externalID, login, email, name string, now time.Time) (*User, error) {
	if err := domain.CheckRule(externalIDRequired{externalID: externalID}); err != nil {
		return nil, err
	}
	if login == "" {
		login = externalID
	}

	u := &User{
		ID:         uuid.New(),
		Login:      login,
		Email:      email,
		Name:       name,
		ExternalID: externalID,
		IsActive:   true,
		Roles:      []Role{RoleMember},
		CreatedAt:  now.UTC(),
	}
	u.Record(&UserCreated{
		EventBase:  domain.NewEventBase(now),
		UserID:     u.ID,
		Login:      u.Login,
		Email:      u.Email,
		Roles:      u.Roles,
		ExternalID: u.ExternalID,
	})
	return u, nil
}

// SyncProfile records that the profile was refreshed from the identity
// provider.
func (u *User) SyncProfile(email, name string, now time.Time) {
	if email != "" {
		u.Email = email
	}
	if name != "" {
		u.Name = name
	}
	at := now.UTC()
	u.ProfileSyncedAt = &at
	u.Record(&UserProfileSynced{
		EventBase: domain.NewEventBase(now),
		UserID:    u.ID,
		Email:     u.Email,
		Name:      u.Name,
	})
}

type UserCreated struct {
	domain.EventBase
	UserID     uuid.UUID `json:"user_id"`
	Login      string    `json:"login"`
	Email      string    `json:"email"`
	Roles      []Role    `json:"roles"`
	ExternalID string    `json:"external_id,omitempty"`
}

type UserProfileSynced struct {
	domain.EventBase
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
	Name   string    `json:"name"`
}
