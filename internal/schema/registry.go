package schema

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

var (
	tableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	keyPathPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// ValidTableName reports whether name can be used as a table name.
// Names starting with an underscore are reserved for the store itself.
func ValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

// ValidKeyPath reports whether path is a field name or dotted field path.
func ValidKeyPath(path string) bool {
	return keyPathPattern.MatchString(path)
}

// ValidChangePath reports whether path can address a field in an update:
// one or more non-empty field names joined by dots. Unlike key paths, the
// names may contain any other character.
func ValidChangePath(path string) bool {
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return false
		}
	}
	return true
}

// KeyDefinition maps a table name to its ordered key list. Element 0 is the
// primary key; the rest are secondary indexes.
type KeyDefinition map[string][]string

func (kd KeyDefinition) clone() KeyDefinition {
	out := make(KeyDefinition, len(kd))
	for table, keys := range kd {
		out[table] = append([]string(nil), keys...)
	}
	return out
}

// IndexSpec is one parsed key list entry.
type IndexSpec struct {
	// Path is the field or dotted path. Empty for an outbound key.
	Path          string
	AutoIncrement bool
	Unique        bool
}

// Outbound reports whether the key is stored outside the record.
func (s IndexSpec) Outbound() bool {
	return s.Path == ""
}

// String returns the key list notation, e.g. "++id" or "&email".
func (s IndexSpec) String() string {
	switch {
	case s.AutoIncrement:
		return "++" + s.Path
	case s.Unique:
		return "&" + s.Path
	default:
		return s.Path
	}
}

// KeySpec is a parsed key list.
type KeySpec struct {
	Primary IndexSpec
	Indexes []IndexSpec
}

// ParseKeys parses a key list.
func ParseKeys(keys []string) (KeySpec, error) {
	if len(keys) == 0 {
		return KeySpec{}, configErrorf("", "key list is empty")
	}

	var spec KeySpec
	seen := make(map[string]bool, len(keys))
	for i, raw := range keys {
		entry := strings.TrimSpace(raw)
		var idx IndexSpec
		switch {
		case strings.HasPrefix(entry, "++"):
			if i != 0 {
				return KeySpec{}, configErrorf("", "autoincrement %q is only allowed on the primary key", entry)
			}
			idx.AutoIncrement = true
			idx.Path = strings.TrimPrefix(entry, "++")
			if strings.Contains(idx.Path, ".") {
				return KeySpec{}, configErrorf("", "autoincrement key %q must be a top-level field", entry)
			}
		case strings.HasPrefix(entry, "&"):
			if i == 0 {
				return KeySpec{}, configErrorf("", "unique marker %q is implied for the primary key", entry)
			}
			idx.Unique = true
			idx.Path = strings.TrimPrefix(entry, "&")
		default:
			idx.Path = entry
		}

		if idx.Path == "" && !(i == 0 && idx.AutoIncrement) {
			return KeySpec{}, configErrorf("", "key entry %d is empty", i)
		}
		if idx.Path != "" && !ValidKeyPath(idx.Path) {
			return KeySpec{}, configErrorf("", "invalid key path %q", idx.Path)
		}
		if seen[idx.Path] {
			return KeySpec{}, configErrorf("", "duplicate key entry %q", idx.Path)
		}
		seen[idx.Path] = true

		if i == 0 {
			spec.Primary = idx
		} else {
			spec.Indexes = append(spec.Indexes, idx)
		}
	}
	return spec, nil
}

// UpgradeTx is the transaction-scoped handle given to upgrade routines. It
// exposes raw record access to every table that exists at that point of the
// migration and is released when the routine returns.
type UpgradeTx interface {
	Tables() []string
	Get(ctx context.Context, table string, key any) (Record, bool, error)
	// Put writes a record. key may be nil for inbound primary keys.
	Put(ctx context.Context, table string, record Record, key any) error
	Delete(ctx context.Context, table string, key any) error
	// Each visits every record of a table in key order. The callback may
	// write to the same table.
	Each(ctx context.Context, table string, fn func(key any, record Record) error) error
}

// UpgradeFunc migrates data when the store moves to a new version.
type UpgradeFunc func(ctx context.Context, tx UpgradeTx) error

// VersionDefinition is one step of the version chain.
type VersionDefinition struct {
	Number  int
	Keys    KeyDefinition
	Upgrade UpgradeFunc
}

// Config enumerates a registry: the current schema and key layout plus the
// ordered list of previous versions.
type Config struct {
	// Name identifies the physical store.
	Name     string
	Schema   map[string]FieldSet
	Keys     KeyDefinition
	Version  int
	Upgrade  UpgradeFunc
	Previous []VersionDefinition
}

// TableDef is a registered table at the current version.
type TableDef struct {
	Name   string
	Fields FieldSet
	Keys   KeySpec
}

// Registry is a validated, immutable set of table definitions and versions.
type Registry struct {
	name     string
	tables   map[string]*TableDef
	names    []string
	versions []VersionDefinition
}

// Register validates cfg and builds a Registry. It performs no I/O.
func Register(cfg Config) (*Registry, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, configErrorf("", "name is required")
	}
	if len(cfg.Schema) == 0 {
		return nil, configErrorf("", "schema declares no tables")
	}
	if cfg.Version < 1 {
		return nil, configErrorf("", "version must be a positive integer (got %d)", cfg.Version)
	}

	reg := &Registry{
		name:   cfg.Name,
		tables: make(map[string]*TableDef, len(cfg.Schema)),
	}

	for table := range cfg.Keys {
		if _, ok := cfg.Schema[table]; !ok {
			return nil, configErrorf(table, "key list declared for a table absent from schema")
		}
	}

	for table, fields := range cfg.Schema {
		if !ValidTableName(table) {
			return nil, configErrorf(table, "invalid table name")
		}
		if fields == nil {
			return nil, configErrorf(table, "field set is nil")
		}
		keys, ok := cfg.Keys[table]
		if !ok {
			return nil, configErrorf(table, "no key list declared")
		}
		spec, err := parseTableKeys(table, keys)
		if err != nil {
			return nil, err
		}
		if err := checkKeyFields(table, spec, fields); err != nil {
			return nil, err
		}
		reg.tables[table] = &TableDef{Name: table, Fields: fields, Keys: spec}
		reg.names = append(reg.names, table)
	}
	sort.Strings(reg.names)

	last := 0
	for _, prev := range cfg.Previous {
		if prev.Number < 1 {
			return nil, configErrorf("", "previous version must be a positive integer (got %d)", prev.Number)
		}
		if prev.Number <= last {
			return nil, configErrorf("", "previous versions must be strictly increasing (%d after %d)", prev.Number, last)
		}
		if len(prev.Keys) == 0 {
			return nil, configErrorf("", "version %d declares no tables", prev.Number)
		}
		for table, keys := range prev.Keys {
			if !ValidTableName(table) {
				return nil, configErrorf(table, "invalid table name in version %d", prev.Number)
			}
			if _, err := parseTableKeys(table, keys); err != nil {
				return nil, err
			}
		}
		last = prev.Number
		prev.Keys = prev.Keys.clone()
		reg.versions = append(reg.versions, prev)
	}
	if cfg.Version <= last {
		return nil, configErrorf("", "current version %d must be greater than every previous version (latest %d)", cfg.Version, last)
	}

	reg.versions = append(reg.versions, VersionDefinition{
		Number:  cfg.Version,
		Keys:    cfg.Keys.clone(),
		Upgrade: cfg.Upgrade,
	})
	return reg, nil
}

func parseTableKeys(table string, keys []string) (KeySpec, error) {
	spec, err := ParseKeys(keys)
	if err != nil {
		if ce, ok := err.(*ConfigError); ok {
			ce.Table = table
		}
		return KeySpec{}, err
	}
	return spec, nil
}

func checkKeyFields(table string, spec KeySpec, fields FieldSet) error {
	declared := make(map[string]bool)
	for _, name := range fields.Names() {
		declared[name] = true
	}
	entries := append([]IndexSpec{spec.Primary}, spec.Indexes...)
	for _, idx := range entries {
		if idx.Outbound() {
			continue
		}
		head, _, _ := strings.Cut(idx.Path, ".")
		if !declared[head] {
			return configErrorf(table, "key %q is not a field of the table", idx.Path)
		}
	}
	return nil
}

// Name returns the store name.
func (r *Registry) Name() string {
	return r.name
}

// Version returns the current version number.
func (r *Registry) Version() int {
	return r.versions[len(r.versions)-1].Number
}

// Tables returns the registered table names in sorted order.
func (r *Registry) Tables() []string {
	return append([]string(nil), r.names...)
}

// Table returns the definition of a registered table.
func (r *Registry) Table(name string) (*TableDef, bool) {
	def, ok := r.tables[name]
	return def, ok
}

// Versions returns the version chain in ascending order; the current version
// is last.
func (r *Registry) Versions() []VersionDefinition {
	return append([]VersionDefinition(nil), r.versions...)
}
