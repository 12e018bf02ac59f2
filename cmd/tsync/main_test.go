package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/tablesync/internal/fetch"
	"github.com/steveyegge/tablesync/internal/loadtest"
	"github.com/steveyegge/tablesync/internal/logging"
	"github.com/steveyegge/tablesync/internal/migrate"
)

const testSchema = `name: cli
version: 1
tables:
  todo:
    fields: {id: string, title: string, completed: boolean}
    keys: [id, completed]
`

func testSettings(t *testing.T) settings {
	t.Helper()
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "schema.yaml")
	if err := os.WriteFile(schemaPath, []byte(testSchema), 0644); err != nil {
		t.Fatal(err)
	}
	return settings{
		DBDir:         filepath.Join(dir, "db"),
		Schema:        schemaPath,
		Log:           logging.Config{Level: "error"},
		Validate:      true,
		InboxDir:      "inbox",
		InboxDebounce: 10 * time.Millisecond,
	}
}

func apply(t *testing.T, cfg settings, directive string) string {
	t.Helper()
	var out bytes.Buffer
	if err := runApply(context.Background(), cfg, strings.NewReader(directive), &out); err != nil {
		t.Fatalf("runApply() failed: %v", err)
	}
	return out.String()
}

func TestApplyDumpStatus(t *testing.T) {
	cfg := testSettings(t)
	ctx := context.Background()

	out := apply(t, cfg, `{"todo": {"bulkPut": [[
		{"id": "1", "title": "a", "completed": false},
		{"id": "2", "title": "b", "completed": true}
	], null, {"allKeys": true}]}}`)
	if !strings.Contains(out, "Applied 1 operations to 1 tables") || !strings.Contains(out, "todo.bulkPut") {
		t.Errorf("apply output = %q", out)
	}

	// envelope form
	apply(t, cfg, `{"response": {"ok": true}, "sync": {"todo": {"update": ["1", {"title": "renamed"}]}}}`)

	var dump bytes.Buffer
	err := runDump(ctx, cfg, dumpQuery{Table: "todo", Where: "completed=false", JSON: true}, &dump)
	if err != nil {
		t.Fatalf("runDump() failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(dump.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"renamed"`) {
		t.Errorf("dump = %q", dump.String())
	}

	dump.Reset()
	if err := runDump(ctx, cfg, dumpQuery{Table: "todo", Since: "1 hour ago"}, &dump); err != nil {
		t.Fatalf("runDump() failed: %v", err)
	}
	if !strings.Contains(dump.String(), "2 records") {
		t.Errorf("dump = %q", dump.String())
	}

	if err := runDump(ctx, cfg, dumpQuery{Table: "nope"}, &dump); err == nil {
		t.Error("runDump() on unknown table succeeded")
	}

	var status bytes.Buffer
	if err := runStatus(ctx, cfg, &status); err != nil {
		t.Fatalf("runStatus() failed: %v", err)
	}
	for _, want := range []string{"cli", "Version: 1", "todo", "id"} {
		if !strings.Contains(status.String(), want) {
			t.Errorf("status missing %q:\n%s", want, status.String())
		}
	}
}

func TestApply_Invalid(t *testing.T) {
	cfg := testSettings(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		directive string
	}{
		{"malformed", `{"todo": {"explode": []}}`},
		{"unknown table", `{"nope": {"delete": ["1"]}}`},
		{"fails validation", `{"todo": {"add": [{"id": "1"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runApply(ctx, cfg, strings.NewReader(tt.directive), &out); err == nil {
				t.Error("runApply() succeeded, want error")
			}
		})
	}
}

func TestApply_NoSchema(t *testing.T) {
	cfg := testSettings(t)
	cfg.Schema = ""
	var out bytes.Buffer
	if err := runApply(context.Background(), cfg, strings.NewReader(`{}`), &out); err == nil {
		t.Error("runApply() without schema succeeded")
	}
}

func TestExportImport(t *testing.T) {
	src := testSettings(t)
	ctx := context.Background()
	apply(t, src, `{"todo": {"bulkAdd": [[
		{"id": "1", "title": "a", "completed": false},
		{"id": "2", "title": "b", "completed": false},
		{"id": "3", "title": "c", "completed": true}
	]]}}`)

	var buf bytes.Buffer
	n, err := runExport(ctx, src, "todo", &buf)
	if err != nil || n != 3 {
		t.Fatalf("runExport() = %d, %v", n, err)
	}

	dst := testSettings(t)
	var out bytes.Buffer
	if err := runImport(ctx, dst, "todo", &buf, migrate.ImportOptions{BatchSize: 2}, &out); err != nil {
		t.Fatalf("runImport() failed: %v", err)
	}
	if !strings.Contains(out.String(), "Imported 3 records in 2 batches") {
		t.Errorf("import output = %q", out.String())
	}
}

func TestFetch(t *testing.T) {
	cfg := testSettings(t)
	ctx := context.Background()

	var gotHeader, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Token")
		gotMethod = r.Method
		if r.URL.Path == "/bad" {
			_, _ = w.Write([]byte(`{"response": "partial", "sync": {"todo": {"add": [{"id": "x"}]}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"response": {"id": "9"}, "sync": {"todo": {"put": [{"id": "9", "title": "t", "completed": false}]}}}`))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	req := fetchRequest{Target: srv.URL + "/todos", Data: `{"title": "t"}`, Headers: []string{"X-Token: abc"}}
	if err := runFetch(ctx, cfg, req, &stdout, &stderr); err != nil {
		t.Fatalf("runFetch() failed: %v", err)
	}
	if gotMethod != http.MethodPost || gotHeader != "abc" {
		t.Errorf("request method = %s, header = %q", gotMethod, gotHeader)
	}
	if strings.TrimSpace(stdout.String()) != `{"id": "9"}` {
		t.Errorf("stdout = %q", stdout.String())
	}

	// A failed replay still prints the response
	stdout.Reset()
	err := runFetch(ctx, cfg, fetchRequest{Target: srv.URL + "/bad"}, &stdout, &stderr)
	var syncErr *fetch.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("runFetch() error = %v, want SyncError", err)
	}
	if strings.TrimSpace(stdout.String()) != `"partial"` {
		t.Errorf("stdout = %q", stdout.String())
	}

	// file envelopes
	path := filepath.Join(t.TempDir(), "env.json")
	if err := os.WriteFile(path, []byte(`{"response": 1}`), 0644); err != nil {
		t.Fatal(err)
	}
	stdout.Reset()
	if err := runFetch(ctx, cfg, fetchRequest{Target: path}, &stdout, &stderr); err != nil {
		t.Fatalf("runFetch(file) failed: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != "1" {
		t.Errorf("stdout = %q", stdout.String())
	}

	if err := runFetch(ctx, cfg, fetchRequest{Target: srv.URL, Headers: []string{"bad"}}, &stdout, &stderr); err == nil {
		t.Error("runFetch() with malformed header succeeded")
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2024-06-01T08:00:00Z", time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), false},
		{"2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), false},
		{"2 hours ago", now.Add(-2 * time.Hour), false},
		{"not a time at all", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSince() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("parseSince() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseWhere(t *testing.T) {
	tests := []struct {
		in      string
		path    string
		value   any
		wantErr bool
	}{
		{"completed=true", "completed", true, false},
		{"owner.id=alice", "owner.id", "alice", false},
		{`id="7"`, "id", "7", false},
		{"=x", "", nil, true},
		{"novalue", "", nil, true},
	}
	for _, tt := range tests {
		path, value, err := parseWhere(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseWhere(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (path != tt.path || value != tt.value) {
			t.Errorf("parseWhere(%q) = %q, %v", tt.in, path, value)
		}
	}
}

func TestWatch_ProcessesExistingInbox(t *testing.T) {
	cfg := testSettings(t)
	inbox := filepath.Join(cfg.DBDir, cfg.InboxDir)
	if err := os.MkdirAll(inbox, 0755); err != nil {
		t.Fatal(err)
	}
	env := `{"sync": {"todo": {"put": [{"id": "w", "title": "watched", "completed": false}]}}}`
	if err := os.WriteFile(filepath.Join(inbox, "a.json"), []byte(env), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runWatch(ctx, cfg, false) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(inbox, "applied", "a.json")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("inbox file was not applied")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runWatch() failed: %v", err)
	}
}

func TestBench(t *testing.T) {
	cfg := testSettings(t)
	var out bytes.Buffer
	opts := loadtest.Options{Writers: 2, DirectivesPerWriter: 3, BatchSize: 2, Readers: 1, Seed: 7}
	if err := runBench(context.Background(), cfg, opts, &out); err != nil {
		t.Fatalf("runBench() failed: %v", err)
	}
	if !strings.Contains(out.String(), "12 items and 6 events") {
		t.Errorf("bench output = %q", out.String())
	}
}
