package useraccess

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mcdev12/modulith/go/internal/domain"
	"github.com/mcdev12/modulith/go/internal/pagination"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
)

// Repository persists users. Writes register the aggregate with the unit of
// work so its events reach the outbox.
type Repository interface {
	Add(ctx context.Context, u *User) error
	// AddIfAbsent inserts u unless a user with the same external id exists.
	// Concurrent callers with one external id see exactly one true.
	AddIfAbsent(ctx context.Context, u *User) (bool, error)
	Update(ctx context.Context, u *User) error
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	GetByLogin(ctx context.Context, login string) (*User, error)
	GetByExternalID(ctx context.Context, externalID string) (*User, error)
	LoginExists(ctx context.Context, login string) (bool, error)
	List(ctx context.Context, page pagination.PageData) ([]*User, error)
}

var ErrUserNotFound = fmt.Errorf("user %w", domain.ErrNotFound)

const loginConstraint = "users_login_key"

const userColumns = `id, login, password, email, first_name, last_name, name, external_id, is_active, roles, created_at, profile_synced_at`

type PostgresRepository struct {
	db    *sql.DB
	table string
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db:    db,
		table: sqlutil.QualifiedTable(ModuleName, "users"),
	}
}

func (r *PostgresRepository) Add(ctx context.Context, u *User) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, r.table, userColumns)

	if _, err := sqlutil.Conn(ctx, r.db).ExecContext(ctx, query, userArgs(u)...); err != nil {
		return r.insertError(u, err)
	}
	domain.Track(ctx, u)
	return nil
}

func (r *PostgresRepository) AddIfAbsent(ctx context.Context, u *User) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id`, r.table, userColumns)

	var id uuid.UUID
	err := sqlutil.Conn(ctx, r.db).QueryRowContext(ctx, query, userArgs(u)...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, r.insertError(u, err)
	}
	domain.Track(ctx, u)
	return true, nil
}

func (r *PostgresRepository) insertError(u *User, err error) error {
	if sqlutil.IsUniqueViolation(err, loginConstraint) {
		return &domain.BusinessRuleError{
			Rule:    loginMustBeUnique{}.Name(),
			Message: loginMustBeUnique{login: u.Login}.Message(),
		}
	}
	return fmt.Errorf("failed to insert user: %w", err)
}

func (r *PostgresRepository) Update(ctx context.Context, u *User) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET email = $2, first_name = $3, last_name = $4, name = $5, is_active = $6, roles = $7, profile_synced_at = $8
		WHERE id = $1`, r.table)

	res, err := sqlutil.Conn(ctx, r.db).ExecContext(ctx, query,
		u.ID, u.Email, u.FirstName, u.LastName, u.Name, u.IsActive, pq.Array(rolesToStrings(u.Roles)), sqlutil.ToSqlTime(u.ProfileSyncedAt))
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, u.ID)
	}
	domain.Track(ctx, u)
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, userColumns, r.table)
	u, err := scanUser(sqlutil.Conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, err
}

func (r *PostgresRepository) GetByLogin(ctx context.Context, login string) (*User, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE login = $1`, userColumns, r.table)
	u, err := scanUser(sqlutil.Conn(ctx, r.db).QueryRowContext(ctx, query, login))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: login %s", ErrUserNotFound, login)
	}
	return u, err
}

func (r *PostgresRepository) GetByExternalID(ctx context.Context, externalID string) (*User, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE external_id = $1`, userColumns, r.table)
	u, err := scanUser(sqlutil.Conn(ctx, r.db).QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: external id %s", ErrUserNotFound, externalID)
	}
	return u, err
}

func (r *PostgresRepository) LoginExists(ctx context.Context, login string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE login = $1)`, r.table)
	if err := sqlutil.Conn(ctx, r.db).QueryRowContext(ctx, query, login).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check login: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) List(ctx context.Context, page pagination.PageData) ([]*User, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY login %s`, userColumns, r.table, page.SQL())

	rows, err := sqlutil.Conn(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return out, nil
}

func userArgs(u *User) []any {
	return []any{
		u.ID,
		u.Login,
		u.Password,
		u.Email,
		u.FirstName,
		u.LastName,
		u.Name,
		sqlutil.ToSqlStringNonEmpty(u.ExternalID),
		u.IsActive,
		pq.Array(rolesToStrings(u.Roles)),
		u.CreatedAt.UTC(),
		sqlutil.ToSqlTime(u.ProfileSyncedAt),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*User, error) {
	var (
		u          User
		externalID sql.NullString
		roles      pq.StringArray
		synced     sql.NullTime
	)
	err := s.Scan(&u.ID, &u.Login, &u.Password, &u.Email, &u.FirstName, &u.LastName, &u.Name,
		&externalID, &u.IsActive, &roles, &u.CreatedAt, &synced)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.ExternalID = sqlutil.FromSqlString(externalID, "")
	u.Roles = make([]Role, len(roles))
	for i, r := range roles {
		u.Roles[i] = Role(r)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.ProfileSyncedAt = sqlutil.FromSqlTime(synced)
	return &u, nil
}

func rolesToStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// userRow is the stored form in the memory store; it drops the aggregate's
// pending events.
type userRow struct {
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

func rowOf(u *User) userRow {
	return userRow{
		ID:              u.ID,
		Login:           u.Login,
		Password:        u.Password,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		Name:            u.Name,
		ExternalID:      u.ExternalID,
		IsActive:        u.IsActive,
		Roles:           append([]Role(nil), u.Roles...),
		CreatedAt:       u.CreatedAt,
		ProfileSyncedAt: u.ProfileSyncedAt,
	}
}

func (r userRow) user() *User {
	return &User{
		ID:              r.ID,
		Login:           r.Login,
		Password:        r.Password,
		Email:           r.Email,
		FirstName:       r.FirstName,
		LastName:        r.LastName,
		Name:            r.Name,
		ExternalID:      r.ExternalID,
		IsActive:        r.IsActive,
		Roles:           append([]Role(nil), r.Roles...),
		CreatedAt:       r.CreatedAt,
		ProfileSyncedAt: r.ProfileSyncedAt,
	}
}
