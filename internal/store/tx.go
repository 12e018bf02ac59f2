package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/steveyegge/tablesync/internal/schema"
)

const metaTable = "_tablesync_tables"

// keyOrder sorts numeric keys by value ahead of string and array keys, which
// sort by their encoded text. Encoded numbers are the only keys that start
// with a digit or a minus sign.
const keyOrder = `ORDER BY pk GLOB '[0-9-]*' DESC, CASE WHEN pk GLOB '[0-9-]*' THEN CAST(pk AS NUMERIC) END, pk`

// Tx is a read-write transaction scoped to a fixed set of tables.
type Tx struct {
	tx    *sql.Tx
	scope map[string]*TableTx
}

// Table returns the transaction handle for a table in scope.
func (t *Tx) Table(name string) (*TableTx, error) {
	tt, ok := t.scope[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutOfScope, name)
	}
	return tt, nil
}

// TableTx exposes the storage primitives for one table inside a transaction.
type TableTx struct {
	tx      *sql.Tx
	name    string
	primary schema.IndexSpec
	now     func() time.Time
}

func newTableTx(tx *sql.Tx, name string, primary schema.IndexSpec) *TableTx {
	return &TableTx{tx: tx, name: name, primary: primary, now: time.Now}
}

// Name returns the table name.
func (t *TableTx) Name() string {
	return t.name
}

// Get returns the record stored under key.
func (t *TableTx) Get(ctx context.Context, key any) (schema.Record, bool, error) {
	enc, err := schema.EncodeKey(key)
	if err != nil {
		return nil, false, err
	}
	data, ok, err := t.load(ctx, enc)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec, err := schema.DecodeRecord(data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Add inserts a record. It fails with ErrKeyExists when the key is taken.
// key may be nil; the resolved key is returned.
func (t *TableTx) Add(ctx context.Context, item schema.Record, key any) (any, error) {
	rec, enc, resolved, err := t.resolveKey(ctx, item, key)
	if err != nil {
		return nil, err
	}
	_, exists, err := t.load(ctx, enc)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s[%s]", ErrKeyExists, t.name, enc)
	}
	if err := t.write(ctx, enc, rec, false); err != nil {
		return nil, err
	}
	return resolved, nil
}

// BulkAdd adds every item. keys, when non-nil, must have one entry per item.
func (t *TableTx) BulkAdd(ctx context.Context, items []schema.Record, keys []any) ([]any, error) {
	return t.bulk(ctx, items, keys, t.Add)
}

// Put inserts or replaces a record.
func (t *TableTx) Put(ctx context.Context, item schema.Record, key any) (any, error) {
	rec, enc, resolved, err := t.resolveKey(ctx, item, key)
	if err != nil {
		return nil, err
	}
	if err := t.write(ctx, enc, rec, true); err != nil {
		return nil, err
	}
	return resolved, nil
}

// BulkPut puts every item. keys, when non-nil, must have one entry per item.
func (t *TableTx) BulkPut(ctx context.Context, items []schema.Record, keys []any) ([]any, error) {
	return t.bulk(ctx, items, keys, t.Put)
}

func (t *TableTx) bulk(ctx context.Context, items []schema.Record, keys []any,
	op func(context.Context, schema.Record, any) (any, error)) ([]any, error) {
	if keys != nil && len(keys) != len(items) {
		return nil, fmt.Errorf("got %d keys for %d items", len(keys), len(items))
	}
	out := make([]any, 0, len(items))
	for i, item := range items {
		var key any
		if keys != nil {
			key = keys[i]
		}
		resolved, err := op(ctx, item, key)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, resolved)
	}
	return out, nil
}

// Update merges changes into the record at key. Change keys are field names
// or dotted paths. A missing record is left alone and reported as false.
func (t *TableTx) Update(ctx context.Context, key any, changes schema.Record) (bool, error) {
	enc, err := schema.EncodeKey(key)
	if err != nil {
		return false, err
	}
	data, ok, err := t.load(ctx, enc)
	if err != nil || !ok {
		return false, err
	}

	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if !schema.ValidChangePath(path) {
			return false, fmt.Errorf("invalid change path %q", path)
		}
		value := changes[path]
		if t.touchesPrimary(path) {
			if err := t.checkPrimaryUnchanged(data, path, value); err != nil {
				return false, err
			}
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return false, fmt.Errorf("failed to marshal change %s: %w", path, err)
		}
		data, err = sjson.SetRawBytes(data, escapePath(path), raw)
		if err != nil {
			return false, fmt.Errorf("failed to apply change %s: %w", path, err)
		}
	}

	query := fmt.Sprintf(`UPDATE %s SET data = ?, updated_at = ? WHERE pk = ?`, quoteIdent(t.name))
	if _, err := t.tx.ExecContext(ctx, query, string(data), t.now().UnixNano(), enc); err != nil {
		return false, t.writeError(err)
	}
	return true, nil
}

// BulkUpdate applies each entry; missing keys are skipped. It returns the
// number of records updated.
func (t *TableTx) BulkUpdate(ctx context.Context, entries []schema.KeyChanges) (int, error) {
	updated := 0
	for i, entry := range entries {
		ok, err := t.Update(ctx, entry.Key, entry.Changes)
		if err != nil {
			return updated, fmt.Errorf("entry %d: %w", i, err)
		}
		if ok {
			updated++
		}
	}
	return updated, nil
}

// Delete removes the record at key. Deleting an absent key is a no-op.
func (t *TableTx) Delete(ctx context.Context, key any) error {
	enc, err := schema.EncodeKey(key)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, quoteIdent(t.name))
	if _, err := t.tx.ExecContext(ctx, query, enc); err != nil {
		return fmt.Errorf("failed to delete %s[%s]: %w", t.name, enc, err)
	}
	return nil
}

// BulkDelete deletes every key; absent keys are skipped.
func (t *TableTx) BulkDelete(ctx context.Context, keys []any) error {
	for i, key := range keys {
		if err := t.Delete(ctx, key); err != nil {
			return fmt.Errorf("key %d: %w", i, err)
		}
	}
	return nil
}

// Each visits every record in key order. Rows are read before the
// callback runs, so fn may write to the table.
func (t *TableTx) Each(ctx context.Context, fn func(key any, rec schema.Record) error) error {
	query := fmt.Sprintf(`SELECT pk, data FROM %s `+keyOrder, quoteIdent(t.name))
	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", t.name, err)
	}

	type row struct{ pk, data string }
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.pk, &r.data); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan %s: %w", t.name, err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating %s: %w", t.name, err)
	}
	rows.Close()

	for _, r := range all {
		key, err := schema.DecodeKey(r.pk)
		if err != nil {
			return err
		}
		rec, err := schema.DecodeRecord([]byte(r.data))
		if err != nil {
			return err
		}
		if err := fn(key, rec); err != nil {
			return err
		}
	}
	return nil
}

// resolveKey derives the record to store and its key from the item, the
// optional explicit key and the table's primary key spec.
func (t *TableTx) resolveKey(ctx context.Context, item schema.Record, explicit any) (schema.Record, string, any, error) {
	if item == nil {
		return nil, "", nil, fmt.Errorf("record is required")
	}
	rec := item.Clone()
	var key any

	switch {
	case t.primary.Outbound():
		if explicit != nil {
			key = explicit
		} else if t.primary.AutoIncrement {
			n, err := t.nextSeq(ctx)
			if err != nil {
				return nil, "", nil, err
			}
			key = n
		} else {
			return nil, "", nil, ErrMissingKey
		}

	default:
		current, has := rec.Lookup(t.primary.Path)
		has = has && current != nil
		switch {
		case explicit != nil && has:
			a, errA := schema.EncodeKey(current)
			b, errB := schema.EncodeKey(explicit)
			if errA != nil || errB != nil || a != b {
				return nil, "", nil, fmt.Errorf("%w: %v != %v", ErrKeyMismatch, explicit, current)
			}
			key = current
		case explicit != nil:
			rec.Set(t.primary.Path, explicit)
			key = explicit
		case has:
			key = current
		case t.primary.AutoIncrement:
			n, err := t.nextSeq(ctx)
			if err != nil {
				return nil, "", nil, err
			}
			rec.Set(t.primary.Path, n)
			key = n
		default:
			return nil, "", nil, fmt.Errorf("%w: %s is missing", ErrMissingKey, t.primary.Path)
		}
	}

	enc, err := schema.EncodeKey(key)
	if err != nil {
		return nil, "", nil, err
	}
	if t.primary.AutoIncrement {
		if n, ok := schema.NumericKey(key); ok {
			if err := t.bumpSeq(ctx, n); err != nil {
				return nil, "", nil, err
			}
		}
	}
	return rec, enc, key, nil
}

// escapePath turns a dotted change path into an sjson path. Each segment
// names an object field: special characters are escaped, and a numeric
// segment is forced to a key so it never creates an array.
func escapePath(path string) string {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		switch {
		case isDigits(part):
			part = ":" + part
		case strings.HasPrefix(part, ":"):
			part = `\` + gjson.Escape(part)
		default:
			part = gjson.Escape(part)
		}
		parts[i] = part
	}
	return strings.Join(parts, ".")
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func (t *TableTx) touchesPrimary(path string) bool {
	if t.primary.Outbound() {
		return false
	}
	return path == t.primary.Path || strings.HasPrefix(t.primary.Path, path+".")
}

func (t *TableTx) checkPrimaryUnchanged(data []byte, path string, value any) error {
	rec, err := schema.DecodeRecord(data)
	if err != nil {
		return err
	}
	before, _ := rec.Lookup(t.primary.Path)
	next := rec.Clone()
	next.Set(path, value)
	after, _ := next.Lookup(t.primary.Path)
	a, errA := schema.EncodeKey(before)
	b, errB := schema.EncodeKey(after)
	if errA != nil || errB != nil || a != b {
		return fmt.Errorf("%w: %s.%s", ErrPrimaryKeyChange, t.name, t.primary.Path)
	}
	return nil
}

func (t *TableTx) load(ctx context.Context, enc string) ([]byte, bool, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE pk = ?`, quoteIdent(t.name))
	var data string
	err := t.tx.QueryRowContext(ctx, query, enc).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s[%s]: %w", t.name, enc, err)
	}
	return []byte(data), true, nil
}

func (t *TableTx) write(ctx context.Context, enc string, rec schema.Record, replace bool) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (pk, data, updated_at) VALUES (?, ?, ?)`, quoteIdent(t.name))
	if replace {
		query += ` ON CONFLICT(pk) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	}
	if _, err := t.tx.ExecContext(ctx, query, enc, string(data), t.now().UnixNano()); err != nil {
		return t.writeError(err)
	}
	return nil
}

func (t *TableTx) writeError(err error) error {
	if errors.Is(err, sqlite3.CONSTRAINT) {
		return fmt.Errorf("%w: %s: %v", ErrConstraint, t.name, err)
	}
	return fmt.Errorf("failed to write %s: %w", t.name, err)
}

func (t *TableTx) nextSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx, `SELECT seq FROM `+metaTable+` WHERE name = ?`, t.name).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence for %s: %w", t.name, err)
	}
	return seq + 1, nil
}

func (t *TableTx) bumpSeq(ctx context.Context, n int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE `+metaTable+` SET seq = ? WHERE name = ? AND seq < ?`, n, t.name, n)
	if err != nil {
		return fmt.Errorf("failed to advance sequence for %s: %w", t.name, err)
	}
	return nil
}
