package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
)

// PostgresRepository stores messages in <schema>.inbox_messages.
type PostgresRepository struct {
	db    *sql.DB
	table string
}

func NewPostgresRepository(db *sql.DB, schema string) *PostgresRepository {
	return &PostgresRepository{
		db:    db,
		table: sqlutil.QualifiedTable(schema, "inbox_messages"),
	}
}

// Insert relies on the primary key: a concurrent insert of the same id waits
// for the other transaction and then does nothing.
func (r *PostgresRepository) Insert(ctx context.Context, msg Message) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, occurred_on, type, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`, r.table)

	res, err := sqlutil.Conn(ctx, r.db).ExecContext(ctx, query, msg.ID, msg.OccurredOn.UTC(), msg.Type, string(msg.Data))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET processed_date = $2 WHERE id = $1 AND processed_date IS NULL`, r.table)
	_, err := sqlutil.Conn(ctx, r.db).ExecContext(ctx, query, id, at.UTC())
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (Message, error) {
	query := fmt.Sprintf(`SELECT id, occurred_on, type, data, processed_date FROM %s WHERE id = $1`, r.table)

	var (
		m         Message
		data      []byte
		processed sql.NullTime
	)
	err := sqlutil.Conn(ctx, r.db).QueryRowContext(ctx, query, id).Scan(&m.ID, &m.OccurredOn, &m.Type, &data, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("failed to get inbox message: %w", err)
	}
	m.OccurredOn = m.OccurredOn.UTC()
	m.Data = data
	m.ProcessedDate = sqlutil.FromSqlTime(processed)
	return m, nil
}

type MemoryRepository struct {
	rows *memdb.Table[Message]
}

func NewMemoryRepository(db *memdb.DB, module string) *MemoryRepository {
	return &MemoryRepository{rows: memdb.NewTable[Message](db, module+".inbox_messages")}
}

func (r *MemoryRepository) Insert(ctx context.Context, msg Message) (bool, error) {
	msg.ProcessedDate = nil
	return r.rows.Insert(ctx, msg.ID.String(), msg)
}

func (r *MemoryRepository) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	at = at.UTC()
	_, err := r.rows.Update(ctx, id.String(), func(m Message) (Message, bool) {
		if m.ProcessedDate != nil {
			return m, false
		}
		m.ProcessedDate = &at
		return m, true
	})
	return err
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (Message, error) {
	m, ok := r.rows.Get(ctx, id.String())
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}
