package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
)

// PostgresRepository stores messages in <schema>.outbox_messages.
type PostgresRepository struct {
	db    *sql.DB
	table string
}

func NewPostgresRepository(db *sql.DB, schema string) *PostgresRepository {
	return &PostgresRepository{
		db:    db,
		table: sqlutil.QualifiedTable(schema, "outbox_messages"),
	}
}

func (r *PostgresRepository) Insert(ctx context.Context, msgs ...Message) error {
	conn := sqlutil.Conn(ctx, r.db)
	query := fmt.Sprintf(`INSERT INTO %s (id, occurred_on, type, data) VALUES ($1, $2, $3, $4)`, r.table)

	for _, m := range msgs {
		if _, err := conn.ExecContext(ctx, query, m.ID, m.OccurredOn.UTC(), m.Type, string(m.Data)); err != nil {
			return fmt.Errorf("failed to insert outbox message %s: %w", m.ID, err)
		}
	}
	return nil
}

func (r *PostgresRepository) FetchUnprocessed(ctx context.Context, limit int) ([]Message, error) {
	query := fmt.Sprintf(`
		SELECT id, occurred_on, type, data, processed_date
		FROM %s
		WHERE processed_date IS NULL
		ORDER BY occurred_on, seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, r.table)

	rows, err := sqlutil.Conn(ctx, r.db).QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unprocessed outbox messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox messages: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) FetchByID(ctx context.Context, id uuid.UUID) (Message, error) {
	query := fmt.Sprintf(`SELECT id, occurred_on, type, data, processed_date FROM %s WHERE id = $1`, r.table)

	m, err := scanMessage(sqlutil.Conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, err
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, at time.Time, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	query := fmt.Sprintf(`
		UPDATE %s SET processed_date = $1
		WHERE id = ANY($2::uuid[]) AND processed_date IS NULL`, r.table)
	if _, err := sqlutil.Conn(ctx, r.db).ExecContext(ctx, query, at.UTC(), pq.Array(strIDs)); err != nil {
		return fmt.Errorf("failed to mark outbox messages processed: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountPending(ctx context.Context) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE processed_date IS NULL`, r.table)
	if err := sqlutil.Conn(ctx, r.db).QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending outbox messages: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var (
		m         Message
		data      []byte
		processed sql.NullTime
	)
	if err := s.Scan(&m.ID, &m.OccurredOn, &m.Type, &data, &processed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("failed to scan outbox message: %w", err)
	}
	m.OccurredOn = m.OccurredOn.UTC()
	m.Data = data
	m.ProcessedDate = sqlutil.FromSqlTime(processed)
	return m, nil
}
