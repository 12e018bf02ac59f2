package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/tablesync/internal/schema"
)

// Store is an opened persistent store. It exposes one Table handle per
// registered table and is shared by every caller of its Manager.
type Store struct {
	db     *sql.DB
	path   string
	reg    *schema.Registry
	log    *logrus.Entry
	tables map[string]*Table

	// one gate per table; a writer holds the gates of every table it
	// touches, so writers to the same table queue
	gates map[string]chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newStore(db *sql.DB, path string, reg *schema.Registry, log *logrus.Entry) *Store {
	s := &Store{
		db:     db,
		path:   path,
		reg:    reg,
		log:    log,
		tables: make(map[string]*Table),
		gates:  make(map[string]chan struct{}),
	}
	for _, name := range reg.Tables() {
		def, _ := reg.Table(name)
		s.tables[name] = &Table{store: s, def: def}
		s.gates[name] = make(chan struct{}, 1)
	}
	return s
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Registry returns the registry the store was opened with.
func (s *Store) Registry() *schema.Registry {
	return s.reg
}

// Table returns the handle for a registered table, or nil.
func (s *Store) Table(name string) *Table {
	return s.tables[name]
}

// Tables returns the registered table names in sorted order.
func (s *Store) Tables() []string {
	return s.reg.Tables()
}

// Version returns the version recorded in the physical store.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read store version: %w", err)
	}
	return v, nil
}

// Update runs fn inside one read-write transaction scoped to exactly the
// given tables. If fn returns an error the transaction is rolled back and
// nothing it wrote is visible to other readers.
func (s *Store) Update(ctx context.Context, tables []string, fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	names := dedupSorted(tables)
	for _, name := range names {
		if _, ok := s.tables[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTable, name)
		}
	}

	release, err := s.acquire(ctx, names)
	if err != nil {
		return err
	}
	defer release()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{tx: sqlTx, scope: make(map[string]*TableTx, len(names))}
	for _, name := range names {
		tx.scope[name] = newTableTx(sqlTx, name, s.tables[name].def.Keys.Primary)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// acquire takes the gates of names in sorted order.
func (s *Store) acquire(ctx context.Context, names []string) (func(), error) {
	held := make([]chan struct{}, 0, len(names))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, name := range names {
		gate := s.gates[name]
		select {
		case gate <- struct{}{}:
			held = append(held, gate)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.WithField("err", err).Warn("failed to checkpoint WAL")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func dedupSorted(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Entry is a stored record with its key.
type Entry struct {
	Key       any
	Record    schema.Record
	UpdatedAt time.Time
}

// ListOptions configures Table.List.
type ListOptions struct {
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Since only returns records written at or after this time (zero = all)
	Since time.Time
}

// Table is the read handle of one table. Writes go through Store.Update.
type Table struct {
	store *Store
	def   *schema.TableDef
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.def.Name
}

// Keys returns the table's key layout.
func (t *Table) Keys() schema.KeySpec {
	return t.def.Keys
}

// Fields returns the table's field set.
func (t *Table) Fields() schema.FieldSet {
	return t.def.Fields
}

// Get returns the record stored under key.
func (t *Table) Get(ctx context.Context, key any) (schema.Record, bool, error) {
	enc, err := schema.EncodeKey(key)
	if err != nil {
		return nil, false, err
	}
	query := fmt.Sprintf(`SELECT data FROM %s WHERE pk = ?`, quoteIdent(t.def.Name))
	var data string
	err = t.store.db.QueryRowContext(ctx, query, enc).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s[%s]: %w", t.def.Name, enc, err)
	}
	rec, err := schema.DecodeRecord([]byte(data))
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Count returns the number of records in the table.
func (t *Table) Count(ctx context.Context) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(t.def.Name))
	if err := t.store.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t.def.Name, err)
	}
	return count, nil
}

// List returns records in key order.
func (t *Table) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	query := fmt.Sprintf(`SELECT pk, data, updated_at FROM %s`, quoteIdent(t.def.Name))
	var args []interface{}
	if !opts.Since.IsZero() {
		query += ` WHERE updated_at >= ?`
		args = append(args, opts.Since.UnixNano())
	}
	query += ` ` + keyOrder
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	return t.query(ctx, query, args...)
}

// Where returns the records whose indexed path equals value. path must be
// the primary key or one of the table's secondary indexes.
func (t *Table) Where(ctx context.Context, path string, value any) ([]Entry, error) {
	keys := t.def.Keys
	if !keys.Primary.Outbound() && path == keys.Primary.Path {
		enc, err := schema.EncodeKey(value)
		if err != nil {
			return nil, err
		}
		query := fmt.Sprintf(`SELECT pk, data, updated_at FROM %s WHERE pk = ?`, quoteIdent(t.def.Name))
		return t.query(ctx, query, enc)
	}

	indexed := false
	for _, idx := range keys.Indexes {
		if idx.Path == path {
			indexed = true
			break
		}
	}
	if !indexed {
		return nil, fmt.Errorf("%s is not indexed on %s", t.def.Name, path)
	}

	arg, err := sqlValue(value)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT pk, data, updated_at FROM %s WHERE json_extract(data, '$.%s') = ? `+keyOrder,
		quoteIdent(t.def.Name), path)
	return t.query(ctx, query, arg)
}

func (t *Table) query(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := t.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.def.Name, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var pk, data string
		var updatedAt int64
		if err := rows.Scan(&pk, &data, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.def.Name, err)
		}
		key, err := schema.DecodeKey(pk)
		if err != nil {
			return nil, err
		}
		rec, err := schema.DecodeRecord([]byte(data))
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: key, Record: rec, UpdatedAt: time.Unix(0, updatedAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", t.def.Name, err)
	}
	return entries, nil
}

// sqlValue converts a JSON value to what json_extract yields for it.
func sqlValue(value any) (interface{}, error) {
	switch v := value.(type) {
	case string, int, int32, int64, float64:
		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		return v.Float64()
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return nil, fmt.Errorf("cannot query by %T", value)
	}
}
