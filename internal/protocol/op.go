package protocol

import (
	"fmt"

	"github.com/steveyegge/tablesync/internal/schema"
)

// OpKind identifies one of the eight mutation operations.
type OpKind int

// Operation kinds, declared in canonical execution order.
const (
	OpAdd OpKind = iota
	OpBulkAdd
	OpPut
	OpBulkPut
	OpUpdate
	OpBulkUpdate
	OpDelete
	OpBulkDelete
)

var opNames = [...]string{
	OpAdd:        "add",
	OpBulkAdd:    "bulkAdd",
	OpPut:        "put",
	OpBulkPut:    "bulkPut",
	OpUpdate:     "update",
	OpBulkUpdate: "bulkUpdate",
	OpDelete:     "delete",
	OpBulkDelete: "bulkDelete",
}

// Canonical returns every operation kind in execution order.
func Canonical() []OpKind {
	kinds := make([]OpKind, len(opNames))
	for i := range opNames {
		kinds[i] = OpKind(i)
	}
	return kinds
}

// String returns the wire name of the operation.
func (k OpKind) String() string {
	if k < 0 || int(k) >= len(opNames) {
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
	return opNames[k]
}

// IsValid reports whether k is one of the eight operations.
func (k OpKind) IsValid() bool {
	return k >= 0 && int(k) < len(opNames)
}

// ParseOpKind parses a wire operation name.
func ParseOpKind(name string) (OpKind, error) {
	for i, n := range opNames {
		if n == name {
			return OpKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// Op is one operation of a directive. The concrete types are Add, BulkAdd,
// Put, BulkPut, Update, BulkUpdate, Delete and BulkDelete.
type Op interface {
	Kind() OpKind
	// args returns the wire tuple, trailing absent arguments trimmed.
	args() []any
}

// BulkOptions is the optional third argument of bulkAdd and bulkPut.
type BulkOptions struct {
	// AllKeys reports every written key instead of only the last one.
	AllKeys bool `json:"allKeys"`
}

// Add inserts Item; it fails if a record with the key exists.
type Add struct {
	Item schema.Record
	Key  any
}

// BulkAdd adds every item. Keys, when set, has one entry per item.
type BulkAdd struct {
	Items   []schema.Record
	Keys    []any
	AllKeys bool
}

// Put inserts or replaces Item.
type Put struct {
	Item schema.Record
	Key  any
}

// BulkPut puts every item. Keys, when set, has one entry per item.
type BulkPut struct {
	Items   []schema.Record
	Keys    []any
	AllKeys bool
}

// Update merges Changes into the record at Key.
type Update struct {
	Key     any
	Changes schema.Record
}

// BulkUpdate applies every entry.
type BulkUpdate struct {
	Entries []schema.KeyChanges
}

// Delete removes the record at Key.
type Delete struct {
	Key any
}

// BulkDelete removes every key.
type BulkDelete struct {
	Keys []any
}

func (Add) Kind() OpKind        { return OpAdd }
func (BulkAdd) Kind() OpKind    { return OpBulkAdd }
func (Put) Kind() OpKind        { return OpPut }
func (BulkPut) Kind() OpKind    { return OpBulkPut }
func (Update) Kind() OpKind     { return OpUpdate }
func (BulkUpdate) Kind() OpKind { return OpBulkUpdate }
func (Delete) Kind() OpKind     { return OpDelete }
func (BulkDelete) Kind() OpKind { return OpBulkDelete }

func (o Add) args() []any { return trim(o.Item, o.Key) }
func (o Put) args() []any { return trim(o.Item, o.Key) }

func (o BulkAdd) args() []any { return bulkArgs(o.Items, o.Keys, o.AllKeys) }
func (o BulkPut) args() []any { return bulkArgs(o.Items, o.Keys, o.AllKeys) }

func (o Update) args() []any     { return []any{o.Key, o.Changes} }
func (o BulkUpdate) args() []any { return []any{nonNil(o.Entries)} }
func (o Delete) args() []any     { return []any{o.Key} }
func (o BulkDelete) args() []any { return []any{nonNil(o.Keys)} }

func bulkArgs(items []schema.Record, keys []any, allKeys bool) []any {
	var opts any
	if allKeys {
		opts = BulkOptions{AllKeys: true}
	}
	var k any
	if keys != nil {
		k = keys
	}
	return trim(nonNil(items), k, opts)
}

// trim drops trailing nil arguments.
func trim(args ...any) []any {
	n := len(args)
	for n > 0 && args[n-1] == nil {
		n--
	}
	return args[:n]
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
