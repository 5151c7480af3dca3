// Package memdb is an in-process transactional store. It backs the memory
// adapters of every module so the whole pipeline can run without Postgres.
//
// Transactions are serialized: one WithinTx holds the store at a time and its
// writes become visible to other readers only on commit.
package memdb

import (
	"context"
	"fmt"
	"sync"
)

type txKey struct{}

// DB is safe for concurrent use.
type DB struct {
	txMu sync.Mutex

	mu         sync.RWMutex
	tables     map[string]*table
	failCommit error
}

type table struct {
	rows  map[string]any
	order []string
}

type txn struct {
	db     *DB
	writes map[string]map[string]any
	added  map[string][]string
}

func New() *DB {
	return &DB{tables: make(map[string]*table)}
}

// WithinTx runs fn in a transaction. Returning an error discards every write
// made through the context passed to fn.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if t, ok := ctx.Value(txKey{}).(*txn); ok && t.db == db {
		return fn(ctx)
	}

	db.txMu.Lock()
	defer db.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	t := &txn{
		db:     db,
		writes: make(map[string]map[string]any),
		added:  make(map[string][]string),
	}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.commit(t)
}

// FailNextCommit makes the next commit return err instead of applying writes.
func (db *DB) FailNextCommit(err error) {
	db.mu.Lock()
	db.failCommit = err
	db.mu.Unlock()
}

// InTx reports whether ctx carries a transaction of this store.
func (db *DB) InTx(ctx context.Context) bool {
	t, ok := ctx.Value(txKey{}).(*txn)
	return ok && t.db == db
}

func (db *DB) commit(t *txn) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.failCommit != nil {
		err := db.failCommit
		db.failCommit = nil
		return fmt.Errorf("commit transaction: %w", err)
	}

	for name, rows := range t.writes {
		tbl := db.tableLocked(name)
		for key, v := range rows {
			tbl.rows[key] = v
		}
		tbl.order = append(tbl.order, t.added[name]...)
	}
	return nil
}

func (db *DB) tableLocked(name string) *table {
	tbl, ok := db.tables[name]
	if !ok {
		tbl = &table{rows: make(map[string]any)}
		db.tables[name] = tbl
	}
	return tbl
}

// write runs fn against the transaction in ctx, or an implicit single-write
// transaction when ctx carries none.
func (db *DB) write(ctx context.Context, fn func(ctx context.Context, t *txn) bool) (bool, error) {
	if t, ok := ctx.Value(txKey{}).(*txn); ok && t.db == db {
		return fn(ctx, t), nil
	}

	var applied bool
	err := db.WithinTx(ctx, func(ctx context.Context) error {
		applied = fn(ctx, ctx.Value(txKey{}).(*txn))
		return nil
	})
	return applied, err
}

func (db *DB) get(ctx context.Context, name, key string) (any, bool) {
	if t, ok := ctx.Value(txKey{}).(*txn); ok && t.db == db {
		if v, ok := t.writes[name][key]; ok {
			return v, true
		}
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	tbl, ok := db.tables[name]
	if !ok {
		return nil, false
	}
	v, ok := tbl.rows[key]
	return v, ok
}

type row struct {
	key string
	val any
}

func (db *DB) snapshot(ctx context.Context, name string) []row {
	db.mu.RLock()
	var out []row
	if tbl, ok := db.tables[name]; ok {
		out = make([]row, 0, len(tbl.order))
		for _, k := range tbl.order {
			out = append(out, row{key: k, val: tbl.rows[k]})
		}
	}
	db.mu.RUnlock()

	t, ok := ctx.Value(txKey{}).(*txn)
	if !ok || t.db != db {
		return out
	}
	pending := t.writes[name]
	for i := range out {
		if v, ok := pending[out[i].key]; ok {
			out[i].val = v
		}
	}
	for _, k := range t.added[name] {
		out = append(out, row{key: k, val: pending[k]})
	}
	return out
}

func (t *txn) put(name, key string, v any, exists bool) {
	rows, ok := t.writes[name]
	if !ok {
		rows = make(map[string]any)
		t.writes[name] = rows
	}
	if _, staged := rows[key]; !staged && !exists {
		t.added[name] = append(t.added[name], key)
	}
	rows[key] = v
}
