package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/tablesync/internal/schema"
)

// migrate brings the physical store up to the registry's current version.
//
// Every step runs in one transaction: for each declared version above the
// stored one, in ascending order, its key layout is applied and then its
// upgrade routine runs. Tables absent from the current version are dropped
// last. Any failure rolls the whole chain back.
func migrate(ctx context.Context, db *sql.DB, reg *schema.Registry, log *logrus.Entry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stored); err != nil {
		return fmt.Errorf("failed to read store version: %w", err)
	}
	current := reg.Version()
	if stored > current {
		return fmt.Errorf("%w: store is at %d, registry declares %d", ErrVersionTooHigh, stored, current)
	}
	if stored == current {
		log.WithField("version", stored).Debug("store is up to date")
		return nil
	}

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+metaTable+` (
		name TEXT PRIMARY KEY,
		primary_key TEXT NOT NULL,
		seq INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	var last schema.VersionDefinition
	for _, v := range reg.Versions() {
		last = v
		if v.Number <= stored {
			continue
		}

		log.WithFields(logrus.Fields{
			"from": stored,
			"to":   v.Number,
		}).Info("upgrading store")

		if err := applyLayout(ctx, tx, v.Keys); err != nil {
			return fmt.Errorf("version %d: %w", v.Number, err)
		}
		if v.Upgrade != nil {
			utx := &upgradeTx{tx: tx}
			err := v.Upgrade(ctx, utx)
			utx.done.Store(true)
			if err != nil {
				return fmt.Errorf("version %d upgrade: %w", v.Number, err)
			}
		}
	}

	if err := dropObsolete(ctx, tx, last.Keys, log); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", current)); err != nil {
		return fmt.Errorf("failed to record store version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	log.WithFields(logrus.Fields{"from": stored, "to": current}).Info("store upgraded")
	return nil
}

// applyLayout creates missing tables and rebuilds the managed indexes of
// every table a version declares.
func applyLayout(ctx context.Context, tx *sql.Tx, keys schema.KeyDefinition) error {
	tables := make([]string, 0, len(keys))
	for table := range keys {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		spec, err := schema.ParseKeys(keys[table])
		if err != nil {
			return err
		}

		primary, exists, err := lookupPrimary(ctx, tx, table)
		if err != nil {
			return err
		}
		if !exists {
			ddl := fmt.Sprintf(`CREATE TABLE %s (
				pk TEXT PRIMARY KEY NOT NULL,
				data TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`, quoteIdent(table))
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("failed to create table %s: %w", table, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO `+metaTable+` (name, primary_key) VALUES (?, ?)`,
				table, spec.Primary.String()); err != nil {
				return fmt.Errorf("failed to register table %s: %w", table, err)
			}
		} else {
			if primary.Path != spec.Primary.Path {
				return fmt.Errorf("%w: %s from %q to %q", ErrPrimaryKeyChange, table, primary.String(), spec.Primary.String())
			}
			if _, err := tx.ExecContext(ctx, `UPDATE `+metaTable+` SET primary_key = ? WHERE name = ?`,
				spec.Primary.String(), table); err != nil {
				return fmt.Errorf("failed to update table %s: %w", table, err)
			}
		}

		if err := rebuildIndexes(ctx, tx, table, spec.Indexes); err != nil {
			return err
		}
	}
	return nil
}

func rebuildIndexes(ctx context.Context, tx *sql.Tx, table string, indexes []schema.IndexSpec) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND name LIKE '\_idx\_%' ESCAPE '\'`,
		table)
	if err != nil {
		return fmt.Errorf("failed to list indexes of %s: %w", table, err)
	}
	var existing []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan index name: %w", err)
		}
		existing = append(existing, name)
	}
	rows.Close()

	for _, name := range existing {
		if _, err := tx.ExecContext(ctx, "DROP INDEX "+quoteIdent(name)); err != nil {
			return fmt.Errorf("failed to drop index %s: %w", name, err)
		}
	}

	for i, idx := range indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		ddl := fmt.Sprintf(`CREATE %sINDEX %s ON %s (json_extract(data, '$.%s'))`,
			unique, quoteIdent(fmt.Sprintf("_idx_%s_%d", table, i)), quoteIdent(table), idx.Path)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create index %s on %s: %w", idx.String(), table, err)
		}
	}
	return nil
}

func dropObsolete(ctx context.Context, tx *sql.Tx, keep schema.KeyDefinition, log *logrus.Entry) error {
	tables, err := physicalTables(ctx, tx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if _, ok := keep[table]; ok {
			continue
		}
		log.WithField("table", table).Info("dropping table absent from current version")
		if _, err := tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+metaTable+` WHERE name = ?`, table); err != nil {
			return fmt.Errorf("failed to unregister table %s: %w", table, err)
		}
	}
	return nil
}

func physicalTables(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM `+metaTable+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func lookupPrimary(ctx context.Context, tx *sql.Tx, table string) (schema.IndexSpec, bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT primary_key FROM `+metaTable+` WHERE name = ?`, table).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.IndexSpec{}, false, nil
	}
	if err != nil {
		return schema.IndexSpec{}, false, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	spec, err := schema.ParseKeys([]string{raw})
	if err != nil {
		return schema.IndexSpec{}, false, fmt.Errorf("corrupt primary key for %s: %w", table, err)
	}
	return spec.Primary, true, nil
}

// upgradeTx implements schema.UpgradeTx over the migration transaction.
type upgradeTx struct {
	tx   *sql.Tx
	done atomic.Bool
}

var _ schema.UpgradeTx = (*upgradeTx)(nil)

func (u *upgradeTx) table(ctx context.Context, name string) (*TableTx, error) {
	if u.done.Load() {
		return nil, ErrTxDone
	}
	primary, ok, err := lookupPrimary(ctx, u.tx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return newTableTx(u.tx, name, primary), nil
}

func (u *upgradeTx) Tables() []string {
	if u.done.Load() {
		return nil
	}
	tables, err := physicalTables(context.Background(), u.tx)
	if err != nil {
		return nil
	}
	return tables
}

func (u *upgradeTx) Get(ctx context.Context, table string, key any) (schema.Record, bool, error) {
	t, err := u.table(ctx, table)
	if err != nil {
		return nil, false, err
	}
	return t.Get(ctx, key)
}

func (u *upgradeTx) Put(ctx context.Context, table string, record schema.Record, key any) error {
	t, err := u.table(ctx, table)
	if err != nil {
		return err
	}
	_, err = t.Put(ctx, record, key)
	return err
}

func (u *upgradeTx) Delete(ctx context.Context, table string, key any) error {
	t, err := u.table(ctx, table)
	if err != nil {
		return err
	}
	return t.Delete(ctx, key)
}

func (u *upgradeTx) Each(ctx context.Context, table string, fn func(key any, record schema.Record) error) error {
	t, err := u.table(ctx, table)
	if err != nil {
		return err
	}
	return t.Each(ctx, fn)
}
