package memdb

import "context"

// Table is a typed view over one named table of a DB. Rows are stored by
// value; keep T free of shared mutable state.
type Table[T any] struct {
	db   *DB
	name string
}

func NewTable[T any](db *DB, name string) *Table[T] {
	return &Table[T]{db: db, name: name}
}

func (t *Table[T]) Get(ctx context.Context, key string) (T, bool) {
	v, ok := t.db.get(ctx, t.name, key)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Insert adds v under key. It reports false, writing nothing, when the key is
// already present.
func (t *Table[T]) Insert(ctx context.Context, key string, v T) (bool, error) {
	return t.db.write(ctx, func(ctx context.Context, tx *txn) bool {
		if _, ok := t.db.get(ctx, t.name, key); ok {
			return false
		}
		tx.put(t.name, key, v, false)
		return true
	})
}

// Put inserts or replaces the row under key.
func (t *Table[T]) Put(ctx context.Context, key string, v T) error {
	_, err := t.db.write(ctx, func(ctx context.Context, tx *txn) bool {
		tx.put(t.name, key, v, t.db.committed(t.name, key))
		return true
	})
	return err
}

// Update applies fn to the row under key. fn returns the new row and whether
// to keep it; Update reports whether a row was written.
func (t *Table[T]) Update(ctx context.Context, key string, fn func(v T) (T, bool)) (bool, error) {
	return t.db.write(ctx, func(ctx context.Context, tx *txn) bool {
		cur, ok := t.db.get(ctx, t.name, key)
		if !ok {
			return false
		}
		next, keep := fn(cur.(T))
		if !keep {
			return false
		}
		tx.put(t.name, key, next, t.db.committed(t.name, key))
		return true
	})
}

// Scan visits rows in insertion order until fn returns false. Writes made by
// fn are not reflected in the ongoing scan.
func (t *Table[T]) Scan(ctx context.Context, fn func(key string, v T) bool) {
	for _, r := range t.db.snapshot(ctx, t.name) {
		if !fn(r.key, r.val.(T)) {
			return
		}
	}
}

func (db *DB) committed(name, key string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	tbl, ok := db.tables[name]
	if !ok {
		return false
	}
	_, ok = tbl.rows[key]
	return ok
}
