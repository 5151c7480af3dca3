package useraccess

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/domain"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/mcdev12/modulith/go/internal/pagination"
)

// MemoryRepository keeps users in memdb with unique indexes on login and
// external id.
type MemoryRepository struct {
	db           *memdb.DB
	users        *memdb.Table[userRow]
	byLogin      *memdb.Table[uuid.UUID]
	byExternalID *memdb.Table[uuid.UUID]
}

func NewMemoryRepository(db *memdb.DB) *MemoryRepository {
	return &MemoryRepository{
		db:           db,
		users:        memdb.NewTable[userRow](db, ModuleName+".users"),
		byLogin:      memdb.NewTable[uuid.UUID](db, ModuleName+".users_login_key"),
		byExternalID: memdb.NewTable[uuid.UUID](db, ModuleName+".users_external_id_key"),
	}
}

func (r *MemoryRepository) Add(ctx context.Context, u *User) error {
	_, err := r.insert(ctx, u, false)
	return err
}

func (r *MemoryRepository) AddIfAbsent(ctx context.Context, u *User) (bool, error) {
	return r.insert(ctx, u, true)
}

func (r *MemoryRepository) insert(ctx context.Context, u *User, skipExisting bool) (bool, error) {
	var inserted bool
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		if u.ExternalID != "" {
			ok, err := r.byExternalID.Insert(ctx, u.ExternalID, u.ID)
			if err != nil {
				return err
			}
			if !ok {
				if skipExisting {
					return nil
				}
				return fmt.Errorf("failed to insert user: external id %s already used", u.ExternalID)
			}
		}

		ok, err := r.byLogin.Insert(ctx, u.Login, u.ID)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.BusinessRuleError{
				Rule:    loginMustBeUnique{}.Name(),
				Message: loginMustBeUnique{login: u.Login}.Message(),
			}
		}

		if _, err := r.users.Insert(ctx, u.ID.String(), rowOf(u)); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if inserted {
		domain.Track(ctx, u)
	}
	return inserted, nil
}

func (r *MemoryRepository) Update(ctx context.Context, u *User) error {
	ok, err := r.users.Update(ctx, u.ID.String(), func(row userRow) (userRow, bool) {
		next := rowOf(u)
		next.Login = row.Login
		next.Password = row.Password
		next.ExternalID = row.ExternalID
		next.CreatedAt = row.CreatedAt
		return next, true
	})
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, u.ID)
	}
	domain.Track(ctx, u)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	row, ok := r.users.Get(ctx, id.String())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return row.user(), nil
}

func (r *MemoryRepository) GetByLogin(ctx context.Context, login string) (*User, error) {
	id, ok := r.byLogin.Get(ctx, login)
	if !ok {
		return nil, fmt.Errorf("%w: login %s", ErrUserNotFound, login)
	}
	return r.Get(ctx, id)
}

func (r *MemoryRepository) GetByExternalID(ctx context.Context, externalID string) (*User, error) {
	id, ok := r.byExternalID.Get(ctx, externalID)
	if !ok {
		return nil, fmt.Errorf("%w: external id %s", ErrUserNotFound, externalID)
	}
	return r.Get(ctx, id)
}

func (r *MemoryRepository) LoginExists(ctx context.Context, login string) (bool, error) {
	_, ok := r.byLogin.Get(ctx, login)
	return ok, nil
}

func (r *MemoryRepository) List(ctx context.Context, page pagination.PageData) ([]*User, error) {
	var out []*User
	r.users.Scan(ctx, func(_ string, row userRow) bool {
		out = append(out, row.user())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return pagination.Slice(out, page), nil
}
