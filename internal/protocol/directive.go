package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/steveyegge/tablesync/internal/schema"
)

// Directive is a set of mutations to replay locally, grouped by table. It
// keeps tables in the order they were declared and holds at most one
// operation of each kind per table.
type Directive struct {
	order  []string
	tables map[string]map[OpKind]Op
}

// NewDirective returns an empty directive.
func NewDirective() *Directive {
	return &Directive{tables: make(map[string]map[OpKind]Op)}
}

// Set stores op for table, replacing any operation of the same kind.
func (d *Directive) Set(table string, op Op) *Directive {
	if d.tables == nil {
		d.tables = make(map[string]map[OpKind]Op)
	}
	ops, ok := d.tables[table]
	if !ok {
		ops = make(map[OpKind]Op)
		d.tables[table] = ops
		d.order = append(d.order, table)
	}
	ops[op.Kind()] = op
	return d
}

// Tables returns the table names in declaration order.
func (d *Directive) Tables() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.order...)
}

// Ops returns the operations of table in canonical order.
func (d *Directive) Ops(table string) []Op {
	if d == nil {
		return nil
	}
	ops := d.tables[table]
	out := make([]Op, 0, len(ops))
	for _, kind := range Canonical() {
		if op, ok := ops[kind]; ok {
			out = append(out, op)
		}
	}
	return out
}

// Len returns the total number of operations.
func (d *Directive) Len() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, ops := range d.tables {
		n += len(ops)
	}
	return n
}

// IsEmpty reports whether the directive mutates nothing.
func (d *Directive) IsEmpty() bool {
	return d.Len() == 0
}

// MarshalJSON encodes the directive with tables in declaration order and
// operations in canonical order.
func (d *Directive) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, table := range d.Tables() {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(table)
		buf.Write(name)
		buf.WriteString(":{")
		for j, op := range d.Ops(table) {
			if j > 0 {
				buf.WriteByte(',')
			}
			args, err := json.Marshal(op.args())
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s.%s: %w", table, op.Kind(), err)
			}
			fmt.Fprintf(&buf, "%q:", op.Kind().String())
			buf.Write(args)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a directive, keeping the wire order of tables.
func (d *Directive) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeDirective(data)
	if err != nil {
		return err
	}
	*d = *decoded
	return nil
}

// DecodeError reports a malformed directive.
type DecodeError struct {
	Table  string
	Op     string
	Reason string
}

func (e *DecodeError) Error() string {
	switch {
	case e.Op != "":
		return fmt.Sprintf("invalid directive: %s.%s: %s", e.Table, e.Op, e.Reason)
	case e.Table != "":
		return fmt.Sprintf("invalid directive: table %q: %s", e.Table, e.Reason)
	default:
		return fmt.Sprintf("invalid directive: %s", e.Reason)
	}
}

// DecodeDirective parses the wire form of a directive:
//
//	{ "<table>": { "<op>": [args...], ... }, ... }
//
// Args are always a JSON array; null or missing optional arguments mean
// absent. Unknown operations and malformed argument tuples are errors.
func DecodeDirective(data []byte) (*Directive, error) {
	if !gjson.ValidBytes(data) {
		return nil, &DecodeError{Reason: "not valid JSON"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &DecodeError{Reason: "expected an object of tables"}
	}

	d := NewDirective()
	var decodeErr error
	root.ForEach(func(name, tableOps gjson.Result) bool {
		table := name.String()
		if _, dup := d.tables[table]; dup {
			decodeErr = &DecodeError{Table: table, Reason: "declared twice"}
			return false
		}
		if !tableOps.IsObject() {
			decodeErr = &DecodeError{Table: table, Reason: "expected an object of operations"}
			return false
		}
		// a table with no operations still reserves its position
		d.tables[table] = make(map[OpKind]Op)
		d.order = append(d.order, table)

		tableOps.ForEach(func(opName, args gjson.Result) bool {
			kind, err := ParseOpKind(opName.String())
			if err != nil {
				decodeErr = &DecodeError{Table: table, Op: opName.String(), Reason: "unknown operation"}
				return false
			}
			if _, dup := d.tables[table][kind]; dup {
				decodeErr = &DecodeError{Table: table, Op: kind.String(), Reason: "declared twice"}
				return false
			}
			op, err := decodeOp(kind, args)
			if err != nil {
				decodeErr = &DecodeError{Table: table, Op: kind.String(), Reason: err.Error()}
				return false
			}
			d.tables[table][kind] = op
			return true
		})
		return decodeErr == nil
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return d, nil
}

var maxArgs = map[OpKind]int{
	OpAdd:        2,
	OpBulkAdd:    3,
	OpPut:        2,
	OpBulkPut:    3,
	OpUpdate:     2,
	OpBulkUpdate: 1,
	OpDelete:     1,
	OpBulkDelete: 1,
}

func decodeOp(kind OpKind, raw gjson.Result) (Op, error) {
	if !raw.IsArray() {
		return nil, fmt.Errorf("arguments must be an array")
	}
	args := raw.Array()
	if len(args) > maxArgs[kind] {
		return nil, fmt.Errorf("expected at most %d arguments, got %d", maxArgs[kind], len(args))
	}
	arg := func(i int) gjson.Result {
		if i < len(args) {
			return args[i]
		}
		return gjson.Result{}
	}

	switch kind {
	case OpAdd, OpPut:
		item, err := decodeRecord(arg(0), "item")
		if err != nil {
			return nil, err
		}
		key, err := decodeOptionalKey(arg(1))
		if err != nil {
			return nil, err
		}
		if kind == OpAdd {
			return Add{Item: item, Key: key}, nil
		}
		return Put{Item: item, Key: key}, nil

	case OpBulkAdd, OpBulkPut:
		items, err := decodeRecords(arg(0))
		if err != nil {
			return nil, err
		}
		var keys []any
		if present(arg(1)) {
			keys, err = decodeKeys(arg(1))
			if err != nil {
				return nil, err
			}
			if len(keys) != len(items) {
				return nil, fmt.Errorf("got %d keys for %d items", len(keys), len(items))
			}
		}
		allKeys, err := decodeOptions(arg(2))
		if err != nil {
			return nil, err
		}
		if kind == OpBulkAdd {
			return BulkAdd{Items: items, Keys: keys, AllKeys: allKeys}, nil
		}
		return BulkPut{Items: items, Keys: keys, AllKeys: allKeys}, nil

	case OpUpdate:
		key, err := decodeKey(arg(0))
		if err != nil {
			return nil, err
		}
		changes, err := decodeRecord(arg(1), "changes")
		if err != nil {
			return nil, err
		}
		return Update{Key: key, Changes: changes}, nil

	case OpBulkUpdate:
		entries, err := decodeEntries(arg(0))
		if err != nil {
			return nil, err
		}
		return BulkUpdate{Entries: entries}, nil

	case OpDelete:
		key, err := decodeKey(arg(0))
		if err != nil {
			return nil, err
		}
		return Delete{Key: key}, nil

	case OpBulkDelete:
		keys, err := decodeKeys(arg(0))
		if err != nil {
			return nil, err
		}
		return BulkDelete{Keys: keys}, nil
	}
	return nil, fmt.Errorf("unsupported operation %s", kind)
}

func present(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null
}

func decodeRecord(r gjson.Result, what string) (schema.Record, error) {
	if !r.IsObject() {
		return nil, fmt.Errorf("%s must be an object", what)
	}
	return schema.DecodeRecord([]byte(r.Raw))
}

func decodeRecords(r gjson.Result) ([]schema.Record, error) {
	if !r.IsArray() {
		return nil, fmt.Errorf("items must be an array")
	}
	elems := r.Array()
	items := make([]schema.Record, 0, len(elems))
	for i, elem := range elems {
		item, err := decodeRecord(elem, fmt.Sprintf("item %d", i))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeKey(r gjson.Result) (any, error) {
	if !present(r) {
		return nil, fmt.Errorf("key is required")
	}
	key, err := schema.DecodeKey(r.Raw)
	if err != nil {
		return nil, err
	}
	if _, err := schema.EncodeKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func decodeOptionalKey(r gjson.Result) (any, error) {
	if !present(r) {
		return nil, nil
	}
	return decodeKey(r)
}

func decodeKeys(r gjson.Result) ([]any, error) {
	if !r.IsArray() {
		return nil, fmt.Errorf("keys must be an array")
	}
	elems := r.Array()
	keys := make([]any, 0, len(elems))
	for i, elem := range elems {
		key, err := decodeKey(elem)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func decodeEntries(r gjson.Result) ([]schema.KeyChanges, error) {
	if !r.IsArray() {
		return nil, fmt.Errorf("entries must be an array")
	}
	elems := r.Array()
	entries := make([]schema.KeyChanges, 0, len(elems))
	for i, elem := range elems {
		if !elem.IsObject() {
			return nil, fmt.Errorf("entry %d must be an object", i)
		}
		key, err := decodeKey(elem.Get("key"))
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		changes, err := decodeRecord(elem.Get("changes"), fmt.Sprintf("entry %d changes", i))
		if err != nil {
			return nil, err
		}
		entries = append(entries, schema.KeyChanges{Key: key, Changes: changes})
	}
	return entries, nil
}

func decodeOptions(r gjson.Result) (bool, error) {
	if !present(r) {
		return false, nil
	}
	if !r.IsObject() {
		return false, fmt.Errorf("options must be an object")
	}
	return r.Get("allKeys").Bool(), nil
}
