package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Record is a single stored entity, as decoded from JSON.
type Record map[string]any

// Clone returns a deep copy of the record. Nested objects and arrays are
// copied so that Set on the clone never reaches the original.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return map[string]any(Record(x).Clone())
	case Record:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			out[i] = cloneValue(elem)
		}
		return out
	}
	return v
}

// Lookup returns the value at a dotted key path.
func (r Record) Lookup(path string) (any, bool) {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set stores value at a dotted key path, creating intermediate objects.
func (r Record) Set(path string, value any) {
	parts := strings.Split(path, ".")
	m := map[string]any(r)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(m[part])
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	}
	return nil, false
}

// DecodeRecord parses a JSON object into a Record. Numbers are kept as
// json.Number so that integers survive a round trip unchanged.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("failed to decode record: not an object")
	}
	return rec, nil
}

// EncodeKey returns the canonical text form of a key. Strings, numbers and
// arrays of those are valid keys; booleans, null and objects are not.
//
// Numerically equal keys encode identically regardless of their Go type,
// while the string "1" and the number 1 remain distinct.
func EncodeKey(key any) (string, error) {
	switch k := key.(type) {
	case string:
		b, err := json.Marshal(k)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return string(b), nil
	case json.Number:
		if i, err := k.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		f, err := k.Float64()
		if err != nil {
			return "", fmt.Errorf("%w: %q is not a number", ErrInvalidKey, k.String())
		}
		return encodeFloat(f)
	case float64:
		return encodeFloat(k)
	case float32:
		return encodeFloat(float64(k))
	case int:
		return strconv.FormatInt(int64(k), 10), nil
	case int32:
		return strconv.FormatInt(int64(k), 10), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case uint:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint64:
		return strconv.FormatUint(k, 10), nil
	case []any:
		if len(k) == 0 {
			return "", fmt.Errorf("%w: empty array", ErrInvalidKey)
		}
		parts := make([]string, len(k))
		for i, elem := range k {
			enc, err := EncodeKey(elem)
			if err != nil {
				return "", err
			}
			parts[i] = enc
		}
		return "[" + strings.Join(parts, ",") + "]", nil
	case nil:
		return "", fmt.Errorf("%w: null", ErrInvalidKey)
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidKey, key)
	}
}

func encodeFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 9e18 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

// DecodeKey is the inverse of EncodeKey. Numbers come back as json.Number.
func DecodeKey(encoded string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(encoded))
	dec.UseNumber()
	var key any
	if err := dec.Decode(&key); err != nil {
		return nil, fmt.Errorf("failed to decode key %q: %w", encoded, err)
	}
	return key, nil
}

// NumericKey reports the integer value of a key, if it has one.
func NumericKey(key any) (int64, bool) {
	switch k := key.(type) {
	case json.Number:
		if i, err := k.Int64(); err == nil {
			return i, true
		}
		if f, err := k.Float64(); err == nil && f == math.Trunc(f) {
			return int64(f), true
		}
	case float64:
		if k == math.Trunc(k) {
			return int64(k), true
		}
	case int:
		return int64(k), true
	case int64:
		return k, true
	case int32:
		return int64(k), true
	}
	return 0, false
}

// KeyChanges pairs a record key with a partial update.
type KeyChanges struct {
	Key     any    `json:"key"`
	Changes Record `json:"changes"`
}
