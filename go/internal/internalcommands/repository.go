package internalcommands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/pagination"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
)

const commandColumns = `id, enqueue_date, type, data, processed_date, error, attempts, claimed_by, claimed_until`

// PostgresRepository stores commands in <schema>.internal_commands.
type PostgresRepository struct {
	db    *sql.DB
	table string
}

func NewPostgresRepository(db *sql.DB, schema string) *PostgresRepository {
	return &PostgresRepository{
		db:    db,
		table: sqlutil.QualifiedTable(schema, "internal_commands"),
	}
}

func (r *PostgresRepository) Insert(ctx context.Context, cmd Command) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, enqueue_date, type, data, attempts)
		VALUES ($1, $2, $3, $4, 0)`, r.table)

	_, err := sqlutil.Conn(ctx, r.db).ExecContext(ctx, query, cmd.ID, cmd.EnqueueDate.UTC(), cmd.Type, string(cmd.Data))
	if err != nil {
		return fmt.Errorf("failed to insert internal command %s: %w", cmd.ID, err)
	}
	return nil
}

// Claim locks candidate rows with SKIP LOCKED so concurrent dispatchers
// partition the backlog instead of waiting on each other.
func (r *PostgresRepository) Claim(ctx context.Context, req ClaimRequest) ([]Command, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET claimed_by = $1, claimed_until = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE processed_date IS NULL
			  AND (claimed_until IS NULL OR claimed_until < $3)
			  AND ($4::int = 0 OR attempts < $4::int)
			ORDER BY enqueue_date, id
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[2]s`, r.table, commandColumns)

	now := req.Now.UTC()
	rows, err := sqlutil.Conn(ctx, r.db).QueryContext(ctx, query,
		req.Owner, now.Add(req.Lease), now, req.MaxAttempts, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim internal commands: %w", err)
	}
	cmds, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	sortCommands(cmds)
	return cmds, nil
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, id uuid.UUID, owner string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET processed_date = $3, error = NULL, claimed_by = NULL, claimed_until = NULL
		WHERE id = $1 AND claimed_by = $2 AND processed_date IS NULL`, r.table)

	res, err := sqlutil.Conn(ctx, r.db).ExecContext(ctx, query, id, owner, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark internal command %s processed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordFailure parks the row behind claimed_until, which Claim already
// respects, so a failing command waits out its backoff.
func (r *PostgresRepository) RecordFailure(ctx context.Context, id uuid.UUID, owner string, msg string, retryAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET error = $3, claimed_by = NULL, claimed_until = $4
		WHERE id = $1 AND claimed_by = $2 AND processed_date IS NULL`, r.table)

	if _, err := sqlutil.Conn(ctx, r.db).ExecContext(ctx, query, id, owner, msg, retryAt.UTC()); err != nil {
		return fmt.Errorf("failed to record failure of internal command %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) Retry(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET attempts = 0, error = NULL, claimed_by = NULL, claimed_until = NULL
		WHERE id = $1 AND processed_date IS NULL`, r.table)

	res, err := sqlutil.Conn(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to retry internal command %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrAlreadyProcessed, id)
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (Command, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, commandColumns, r.table)

	c, err := scanCommand(sqlutil.Conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Command{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}

func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]Command, error) {
	var (
		conds []string
		args  []any
	)
	switch f.Status {
	case StatusPending:
		conds = append(conds, "processed_date IS NULL", "error IS NULL")
	case StatusFailed:
		conds = append(conds, "processed_date IS NULL", "error IS NOT NULL")
	case StatusProcessed:
		conds = append(conds, "processed_date IS NOT NULL")
	}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY enqueue_date, id %s`,
		commandColumns, r.table, where, pageOf(f).SQL())

	rows, err := sqlutil.Conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list internal commands: %w", err)
	}
	return scanCommands(rows)
}

// pageOf treats an unset page as "everything".
func pageOf(f Filter) pagination.PageData {
	if f.Page == (pagination.PageData{}) {
		return pagination.PageData{Limit: pagination.Unbounded}
	}
	return f.Page
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(s scanner) (Command, error) {
	var (
		c            Command
		data         []byte
		processed    sql.NullTime
		errMsg       sql.NullString
		claimedBy    sql.NullString
		claimedUntil sql.NullTime
	)
	err := s.Scan(&c.ID, &c.EnqueueDate, &c.Type, &data, &processed, &errMsg, &c.Attempts, &claimedBy, &claimedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Command{}, err
		}
		return Command{}, fmt.Errorf("failed to scan internal command: %w", err)
	}
	c.EnqueueDate = c.EnqueueDate.UTC()
	c.Data = data
	c.ProcessedDate = sqlutil.FromSqlTime(processed)
	c.Error = sqlutil.FromSqlString(errMsg, "")
	c.ClaimedBy = sqlutil.FromSqlString(claimedBy, "")
	c.ClaimedUntil = sqlutil.FromSqlTime(claimedUntil)
	return c, nil
}

func scanCommands(rows *sql.Rows) ([]Command, error) {
	defer rows.Close()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate internal commands: %w", err)
	}
	return out, nil
}
