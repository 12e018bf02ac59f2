package schema

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeKey(t *testing.T) {
	tests := []struct {
		name string
		key  any
		want string
	}{
		{"string", "1", `"1"`},
		{"int", 1, "1"},
		{"json number", json.Number("1"), "1"},
		{"float integral", 1.0, "1"},
		{"float", 1.5, "1.5"},
		{"compound", []any{"a", json.Number("2")}, `["a",2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeKey(tt.key)
			if err != nil {
				t.Fatalf("EncodeKey() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("EncodeKey(%v) = %s, want %s", tt.key, got, tt.want)
			}
		})
	}
}

func TestEncodeKey_Invalid(t *testing.T) {
	for _, key := range []any{nil, true, map[string]any{"a": 1}, []any{}} {
		if _, err := EncodeKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("EncodeKey(%v) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestDecodeKey_RoundTrip(t *testing.T) {
	for _, key := range []any{"abc", json.Number("42"), []any{"a", json.Number("2")}} {
		enc, err := EncodeKey(key)
		if err != nil {
			t.Fatalf("EncodeKey(%v) failed: %v", key, err)
		}
		dec, err := DecodeKey(enc)
		if err != nil {
			t.Fatalf("DecodeKey(%s) failed: %v", enc, err)
		}
		again, err := EncodeKey(dec)
		if err != nil {
			t.Fatalf("EncodeKey(decoded) failed: %v", err)
		}
		if again != enc {
			t.Errorf("round trip %s -> %s", enc, again)
		}
	}
}

func TestRecord_Paths(t *testing.T) {
	rec := Record{"id": "1"}
	rec.Set("owner.name", "ada")

	got, ok := rec.Lookup("owner.name")
	if !ok || got != "ada" {
		t.Errorf("Lookup(owner.name) = %v, %v", got, ok)
	}
	if _, ok := rec.Lookup("owner.email"); ok {
		t.Error("Lookup(owner.email) found a missing path")
	}
	if _, ok := rec.Lookup("id.x"); ok {
		t.Error("Lookup(id.x) traversed a string")
	}
}

// TestRecord_CloneIsDeep tests that writes through a clone never reach the
// original's nested values
func TestRecord_CloneIsDeep(t *testing.T) {
	orig := Record{
		"a":    map[string]any{"b": map[string]any{"c": "k1"}},
		"tags": []any{"x", map[string]any{"y": 1}},
	}
	clone := orig.Clone()
	clone.Set("a.b", map[string]any{"c": "k2"})
	clone.Set("a.b.d", true)
	clone["tags"].([]any)[1].(map[string]any)["y"] = 2

	if got, _ := orig.Lookup("a.b.c"); got != "k1" {
		t.Errorf("orig a.b.c = %v, want k1", got)
	}
	if _, ok := orig.Lookup("a.b.d"); ok {
		t.Error("orig gained a.b.d through the clone")
	}
	if got := orig["tags"].([]any)[1].(map[string]any)["y"]; got != 1 {
		t.Errorf("orig tags[1].y = %v, want 1", got)
	}
	if got, _ := clone.Lookup("a.b.c"); got != "k2" {
		t.Errorf("clone a.b.c = %v, want k2", got)
	}
}
