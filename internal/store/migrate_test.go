package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/steveyegge/tablesync/internal/schema"
)

func openWith(t *testing.T, dir string, cfg schema.Config) (*Manager, *Store, error) {
	t.Helper()
	reg, err := schema.Register(cfg)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	m := NewManager(reg, DefaultOptions(dir))
	s, err := m.Open(context.Background())
	return m, s, err
}

func physicalTableNames(t *testing.T, s *Store) map[string]bool {
	t.Helper()
	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		t.Fatalf("failed to list tables: %v", err)
	}
	defer rows.Close()
	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan table name: %v", err)
		}
		names[name] = true
	}
	return names
}

// TestMigrate_FreshRunsEveryVersion tests that a fresh store runs all
// routines in ascending order exactly once
func TestMigrate_FreshRunsEveryVersion(t *testing.T) {
	dir := t.TempDir()
	var calls []int
	record := func(n int) schema.UpgradeFunc {
		return func(ctx context.Context, tx schema.UpgradeTx) error {
			calls = append(calls, n)
			return nil
		}
	}
	cfg := schema.Config{
		Name:    "chain",
		Schema:  map[string]schema.FieldSet{"todo": todoFields()},
		Keys:    schema.KeyDefinition{"todo": {"id", "completed"}},
		Version: 3,
		Upgrade: record(3),
		Previous: []schema.VersionDefinition{
			{Number: 1, Keys: schema.KeyDefinition{"todo": {"id"}}, Upgrade: record(1)},
			{Number: 2, Keys: schema.KeyDefinition{"todo": {"id", "title"}}, Upgrade: record(2)},
		},
	}

	m, s, err := openWith(t, dir, cfg)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if fmt.Sprint(calls) != "[1 2 3]" {
		t.Errorf("upgrade calls = %v, want [1 2 3]", calls)
	}
	v, _ := s.Version(context.Background())
	if v != 3 {
		t.Errorf("Version() = %d, want 3", v)
	}
	m.Close()

	// reopening at the same version runs nothing
	calls = nil
	m, _, err = openWith(t, dir, cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer m.Close()
	if len(calls) != 0 {
		t.Errorf("reopen ran upgrades %v", calls)
	}
}

// TestMigrate_SkipsAppliedVersions tests that only newer routines run and
// that they see data written at older versions
func TestMigrate_SkipsAppliedVersions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	v1 := schema.Config{
		Name:    "upgrade",
		Schema:  map[string]schema.FieldSet{"todo": todoFields()},
		Keys:    schema.KeyDefinition{"todo": {"id"}},
		Version: 1,
		Upgrade: func(ctx context.Context, tx schema.UpgradeTx) error {
			return errors.New("version 1 routine must not run again")
		},
	}
	m, s, err := openWith(t, dir, schema.Config{
		Name: v1.Name, Schema: v1.Schema, Keys: v1.Keys, Version: 1,
	})
	if err != nil {
		t.Fatalf("Open(v1) failed: %v", err)
	}
	mustUpdate(t, s, []string{"todo"}, func(tx *Tx) error {
		_, err := table(t, tx, "todo").BulkPut(ctx, []schema.Record{
			{"id": "1", "title": "a"}, {"id": "2", "title": "b"},
		}, nil)
		return err
	})
	m.Close()

	v2 := schema.Config{
		Name:    "upgrade",
		Schema:  map[string]schema.FieldSet{"todo": todoFields()},
		Keys:    schema.KeyDefinition{"todo": {"id", "completed"}},
		Version: 2,
		Upgrade: func(ctx context.Context, tx schema.UpgradeTx) error {
			return tx.Each(ctx, "todo", func(key any, rec schema.Record) error {
				rec["completed"] = false
				return tx.Put(ctx, "todo", rec, nil)
			})
		},
		Previous: []schema.VersionDefinition{{Number: 1, Keys: v1.Keys, Upgrade: v1.Upgrade}},
	}
	m, s, err = openWith(t, dir, v2)
	if err != nil {
		t.Fatalf("Open(v2) failed: %v", err)
	}
	defer m.Close()

	done, err := s.Table("todo").Where(ctx, "completed", false)
	if err != nil {
		t.Fatalf("Where() failed: %v", err)
	}
	if len(done) != 2 {
		t.Errorf("upgrade touched %d records, want 2", len(done))
	}
}

// TestMigrate_VersionTooHigh tests opening an older registry on a newer store
func TestMigrate_VersionTooHigh(t *testing.T) {
	dir := t.TempDir()
	m, _, err := openWith(t, dir, schema.Config{
		Name:    "high",
		Schema:  map[string]schema.FieldSet{"todo": todoFields()},
		Keys:    schema.KeyDefinition{"todo": {"id"}},
		Version: 5,
	})
	if err != nil {
		t.Fatalf("Open(v5) failed: %v", err)
	}
	m.Close()

	_, _, err = openWith(t, dir, schema.Config{
		Name:    "high",
		Schema:  map[string]schema.FieldSet{"todo": todoFields()},
		Keys:    schema.KeyDefinition{"todo": {"id"}},
		Version: 4,
	})
	var openErr *StoreOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Open(v4) error = %v, want *StoreOpenError", err)
	}
	if !errors.Is(err, ErrVersionTooHigh) {
		t.Errorf("Open(v4) error = %v, want ErrVersionTooHigh", err)
	}
}

// TestMigrate_FailedUpgradeRollsBack tests that a failing routine leaves the
// store at its previous version with its data intact
func TestMigrate_FailedUpgradeRollsBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	keys := schema.KeyDefinition{"todo": {"id"}}

	m, s, err := openWith(t, dir, schema.Config{
		Name: "rollback", Schema: map[string]schema.FieldSet{"todo": todoFields()}, Keys: keys, Version: 1,
	})
	if err != nil {
		t.Fatalf("Open(v1) failed: %v", err)
	}
	mustUpdate(t, s, []string{"todo"}, func(tx *Tx) error {
		_, err := table(t, tx, "todo").Put(ctx, schema.Record{"id": "keep", "title": "x"}, nil)
		return err
	})
	m.Close()

	boom := errors.New("routine failed")
	_, _, err = openWith(t, dir, schema.Config{
		Name: "rollback",
		Schema: map[string]schema.FieldSet{
			"todo": todoFields(),
			"user": userFields(),
		},
		Keys: schema.KeyDefinition{"todo": {"id", "title"}, "user": {"++id"}},
		Upgrade: func(ctx context.Context, tx schema.UpgradeTx) error {
			if err := tx.Delete(ctx, "todo", "keep"); err != nil {
				return err
			}
			return boom
		},
		Version:  2,
		Previous: []schema.VersionDefinition{{Number: 1, Keys: keys}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Open(v2) error = %v, want the routine error", err)
	}

	m, s, err = openWith(t, dir, schema.Config{
		Name: "rollback", Schema: map[string]schema.FieldSet{"todo": todoFields()}, Keys: keys, Version: 1,
	})
	if err != nil {
		t.Fatalf("reopen at v1 failed: %v", err)
	}
	defer m.Close()

	if v, _ := s.Version(ctx); v != 1 {
		t.Errorf("Version() = %d, want 1", v)
	}
	if _, ok, _ := s.Table("todo").Get(ctx, "keep"); !ok {
		t.Error("record deleted by the failed routine is gone")
	}
	if physicalTableNames(t, s)["user"] {
		t.Error("table created by the failed version still exists")
	}
}

// TestMigrate_DropsObsoleteTables tests that tables absent from the current
// version are removed after the routines ran
func TestMigrate_DropsObsoleteTables(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	var seen []string
	m, s, err := openWith(t, dir, schema.Config{
		Name:    "drop",
		Schema:  map[string]schema.FieldSet{"todo": todoFields()},
		Keys:    schema.KeyDefinition{"todo": {"id"}},
		Version: 2,
		Upgrade: func(ctx context.Context, tx schema.UpgradeTx) error {
			seen = tx.Tables()
			return tx.Put(ctx, "legacy", schema.Record{"id": "old"}, nil)
		},
		Previous: []schema.VersionDefinition{
			{Number: 1, Keys: schema.KeyDefinition{"todo": {"id"}, "legacy": {"id"}}},
		},
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer m.Close()

	if fmt.Sprint(seen) != "[legacy todo]" {
		t.Errorf("routine saw tables %v, want [legacy todo]", seen)
	}
	names := physicalTableNames(t, s)
	if names["legacy"] {
		t.Error("obsolete table was not dropped")
	}
	if !names["todo"] {
		t.Error("current table is missing")
	}
	if _, err := s.Table("todo").Count(ctx); err != nil {
		t.Errorf("Count(todo) failed: %v", err)
	}
}

// TestMigrate_PrimaryKeyChange tests that changing a primary key is rejected
func TestMigrate_PrimaryKeyChange(t *testing.T) {
	_, _, err := openWith(t, t.TempDir(), schema.Config{
		Name:    "pk",
		Schema:  map[string]schema.FieldSet{"todo": todoFields()},
		Keys:    schema.KeyDefinition{"todo": {"title"}},
		Version: 2,
		Previous: []schema.VersionDefinition{
			{Number: 1, Keys: schema.KeyDefinition{"todo": {"id"}}},
		},
	})
	if !errors.Is(err, ErrPrimaryKeyChange) {
		t.Errorf("Open() error = %v, want ErrPrimaryKeyChange", err)
	}
}

// TestMigrate_UpgradeTxReleased tests that the upgrade handle is unusable
// after its routine returns
func TestMigrate_UpgradeTxReleased(t *testing.T) {
	var leaked schema.UpgradeTx
	m, _, err := openWith(t, t.TempDir(), schema.Config{
		Name:    "leak",
		Schema:  map[string]schema.FieldSet{"todo": todoFields()},
		Keys:    schema.KeyDefinition{"todo": {"id"}},
		Version: 1,
		Upgrade: func(ctx context.Context, tx schema.UpgradeTx) error {
			leaked = tx
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer m.Close()

	if err := leaked.Put(context.Background(), "todo", schema.Record{"id": "x"}, nil); !errors.Is(err, ErrTxDone) {
		t.Errorf("Put() after release error = %v, want ErrTxDone", err)
	}
}
