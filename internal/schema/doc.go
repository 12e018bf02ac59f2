// Package schema defines the table registry for tablesync stores.
//
// # Overview
//
// A registry describes every logical table of a local store: its field set,
// its ordered key list, and the version history of that key layout. The
// registry is validated once at process start and never mutated afterwards.
//
// # Key Lists
//
// The first entry of a key list is the primary key; the remaining entries
// are secondary indexes:
//
//	id        plain inbound primary key (read from the record's "id" field)
//	++id      inbound primary key with autoincrement
//	++        outbound autoincrement key (not stored in the record)
//	&email    unique secondary index
//	owner.id  dotted key path into a nested object
//
// # Versions
//
// The current version and every previous version declare a key layout and
// an optional upgrade routine. Previous versions must be strictly increasing
// and lower than the current one:
//
//	reg, err := schema.Register(schema.Config{
//	    Name:    "todo-sync",
//	    Schema:  map[string]schema.FieldSet{"todo": todoFields},
//	    Keys:    schema.KeyDefinition{"todo": {"id", "completed", "createdAt"}},
//	    Version: 2,
//	    Previous: []schema.VersionDefinition{
//	        {Number: 1, Keys: schema.KeyDefinition{"todo": {"id", "completed"}}},
//	    },
//	})
//
// Registries can also be loaded from YAML, TOML or JSON files with LoadFile.
package schema
