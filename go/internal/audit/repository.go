package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/inbox"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/mcdev12/modulith/go/internal/pagination"
	"github.com/mcdev12/modulith/go/internal/sqlutil"
)

func NewPostgresStore(db *sql.DB) Store {
	return Store{
		Tx:      sqlutil.NewTxManager(db),
		Entries: NewPostgresRepository(db),
		Inbox:   inbox.NewPostgresRepository(db, ModuleName),
	}
}

func NewMemoryStore(db *memdb.DB) Store {
	return Store{
		Tx:      db,
		Entries: NewMemoryRepository(db),
		Inbox:   inbox.NewMemoryRepository(db, ModuleName),
	}
}

type PostgresRepository struct {
	db    *sql.DB
	table string
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, table: sqlutil.QualifiedTable(ModuleName, "entries")}
}

func (r *PostgresRepository) Add(ctx context.Context, e Entry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, occurred_on, recorded_at, source, action, subject_id, correlation_id, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`, r.table)

	_, err := sqlutil.Conn(ctx, r.db).ExecContext(ctx, query,
		e.ID, e.OccurredOn.UTC(), e.RecordedAt.UTC(), e.Source, e.Action, e.SubjectID, e.CorrelationID, e.Summary)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, subject uuid.UUID, page pagination.PageData) ([]Entry, error) {
	query := fmt.Sprintf(`
		SELECT id, occurred_on, recorded_at, source, action, subject_id, correlation_id, summary
		FROM %s
		WHERE ($1::uuid IS NULL OR subject_id = $1::uuid)
		ORDER BY occurred_on, id %s`, r.table, page.SQL())

	var filter any
	if subject != uuid.Nil {
		filter = subject
	}
	rows, err := sqlutil.Conn(ctx, r.db).QueryContext(ctx, query, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OccurredOn, &e.RecordedAt, &e.Source, &e.Action, &e.SubjectID, &e.CorrelationID, &e.Summary); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.OccurredOn = e.OccurredOn.UTC()
		e.RecordedAt = e.RecordedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

type MemoryRepository struct {
	rows *memdb.Table[Entry]
}

func NewMemoryRepository(db *memdb.DB) *MemoryRepository {
	return &MemoryRepository{rows: memdb.NewTable[Entry](db, ModuleName+".entries")}
}

func (r *MemoryRepository) Add(ctx context.Context, e Entry) error {
	_, err := r.rows.Insert(ctx, e.ID.String(), e)
	return err
}

func (r *MemoryRepository) List(ctx context.Context, subject uuid.UUID, page pagination.PageData) ([]Entry, error) {
	var out []Entry
	r.rows.Scan(ctx, func(_ string, e Entry) bool {
		if subject == uuid.Nil || e.SubjectID == subject {
			out = append(out, e)
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredOn.Equal(out[j].OccurredOn) {
			return out[i].OccurredOn.Before(out[j].OccurredOn)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return pagination.Slice(out, page), nil
}
