// Package migrate moves table contents in and out of a store as JSONL.
//
// Each line holds one record:
//
//	{"key": "a1", "record": {"id": "a1", "title": "..."}}
//
// Export writes lines in primary key order. Import replays them as bulkPut
// operations through an applier, one transaction per batch, so imported
// records are validated and announced like any other write.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/steveyegge/tablesync/internal/applier"
	"github.com/steveyegge/tablesync/internal/protocol"
	"github.com/steveyegge/tablesync/internal/schema"
	"github.com/steveyegge/tablesync/internal/store"
)

// Line is one exported record.
type Line struct {
	Key    any           `json:"key"`
	Record schema.Record `json:"record"`
}

// maxLine bounds a single JSONL line.
const maxLine = 16 << 20

// Export writes every record of t to w. It returns the number of records
// written.
func Export(ctx context.Context, t *store.Table, w io.Writer, opts store.ListOptions) (int, error) {
	entries, err := t.List(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", t.Name(), err)
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, e := range entries {
		if err := enc.Encode(Line{Key: e.Key, Record: e.Record}); err != nil {
			return i, fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return len(entries), fmt.Errorf("failed to flush export: %w", err)
	}
	return len(entries), nil
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	// BatchSize is the number of records per transaction (default 500).
	BatchSize int
	// DryRun parses and counts lines without writing.
	DryRun bool
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Records int
	Batches int
}

// Import reads JSONL from r and writes it to table through a. A failed batch
// stops the import; earlier batches stay committed.
func Import(ctx context.Context, a *applier.Applier, table string, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	t := a.Store().Table(table)
	if t == nil {
		return nil, &applier.UnknownTableError{Table: table}
	}
	outbound := t.Keys().Primary.Outbound()
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}

	result := &ImportResult{}
	var items []schema.Record
	var keys []any

	flush := func() error {
		if len(items) == 0 {
			return nil
		}
		op := protocol.BulkPut{Items: items}
		if outbound {
			op.Keys = keys
		}
		if !opts.DryRun {
			if err := a.Apply(ctx, protocol.NewDirective().Set(table, op)); err != nil {
				return fmt.Errorf("batch %d: %w", result.Batches+1, err)
			}
		}
		result.Records += len(items)
		result.Batches++
		items, keys = nil, nil
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		item, key, err := parseLine(raw)
		if err != nil {
			return result, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		items = append(items, item)
		keys = append(keys, key)
		if len(items) >= opts.BatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read input: %w", err)
	}
	if err := flush(); err != nil {
		return result, err
	}
	return result, nil
}

// parseLine decodes one line. The key is optional: inbound tables read it
// from the record and autoincrement tables assign one.
func parseLine(raw []byte) (schema.Record, any, error) {
	if !gjson.ValidBytes(raw) {
		return nil, nil, fmt.Errorf("malformed line")
	}
	rec := gjson.GetBytes(raw, "record")
	if !rec.IsObject() {
		return nil, nil, fmt.Errorf("record must be an object")
	}
	item, err := schema.DecodeRecord([]byte(rec.Raw))
	if err != nil {
		return nil, nil, err
	}
	k := gjson.GetBytes(raw, "key")
	if !k.Exists() || k.Type == gjson.Null {
		return item, nil, nil
	}
	key, err := schema.DecodeKey(k.Raw)
	if err != nil {
		return nil, nil, err
	}
	return item, key, nil
}
