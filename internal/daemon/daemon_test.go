package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/tablesync/internal/applier"
	"github.com/steveyegge/tablesync/internal/fetch"
	"github.com/steveyegge/tablesync/internal/schema"
	"github.com/steveyegge/tablesync/internal/store"
)

func testClient(t *testing.T) (*fetch.Client, *store.Store) {
	t.Helper()
	reg, err := schema.Register(schema.Config{
		Name: "inbox",
		Schema: map[string]schema.FieldSet{
			"todo": schema.Fields{
				"id":    {Type: schema.TypeString},
				"title": {Type: schema.TypeString},
			},
		},
		Keys:    schema.KeyDefinition{"todo": {"id"}},
		Version: 1,
	})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	m := store.NewManager(reg, store.DefaultOptions(t.TempDir()))
	s, err := m.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return fetch.New(applier.New(s)), s
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
}

func TestNew(t *testing.T) {
	client, _ := testClient(t)

	tests := []struct {
		name    string
		client  *fetch.Client
		dir     string
		wantErr bool
	}{
		{"valid", client, t.TempDir(), false},
		{"nil client", nil, t.TempDir(), true},
		{"empty dir", client, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.client, tt.dir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				d.Stop()
			}
		})
	}
}

// TestProcessExisting tests that files present at startup are applied in
// name order and moved out of the inbox
func TestProcessExisting(t *testing.T) {
	client, s := testClient(t)
	dir := t.TempDir()
	for _, sub := range []string{AppliedDir, FailedDir} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0755); err != nil {
			t.Fatal(err)
		}
	}

	writeFile(t, filepath.Join(dir, "001.json"), `{"sync": {"todo": {"put": [{"id": "a", "title": "first"}]}}}`)
	writeFile(t, filepath.Join(dir, "002.json"), `{"sync": {"todo": {"update": ["a", {"title": "second"}]}}}`)
	writeFile(t, filepath.Join(dir, "003.json"), `{"sync": {"nope": {"delete": ["a"]}}}`)
	writeFile(t, filepath.Join(dir, "004.json"), `not json`)
	writeFile(t, filepath.Join(dir, "readme.txt"), `ignored`)

	d, err := New(client, dir)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()

	results, err := d.ProcessExisting(context.Background())
	if err != nil {
		t.Fatalf("ProcessExisting() failed: %v", err)
	}

	want := []Outcome{Applied, Applied, Failed, Failed}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for i, res := range results {
		if res.Outcome != want[i] {
			t.Errorf("result %d outcome = %s, want %s (err: %v)", i, res.Outcome, want[i], res.Err)
		}
	}

	rec, ok, err := s.Table("todo").Get(context.Background(), "a")
	if err != nil || !ok {
		t.Fatalf("Get(a) = %v, %v", ok, err)
	}
	if rec["title"] != "second" {
		t.Errorf("title = %v, want second", rec["title"])
	}

	for _, name := range []string{"001.json", "002.json"} {
		if _, err := os.Stat(filepath.Join(dir, AppliedDir, name)); err != nil {
			t.Errorf("%s not moved to applied: %v", name, err)
		}
	}
	for _, name := range []string{"003.json", "004.json"} {
		if _, err := os.Stat(filepath.Join(dir, FailedDir, name)); err != nil {
			t.Errorf("%s not moved to failed: %v", name, err)
		}
		note, err := os.ReadFile(filepath.Join(dir, FailedDir, name+".err"))
		if err != nil || len(strings.TrimSpace(string(note))) == 0 {
			t.Errorf("%s has no error note: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "readme.txt")); err != nil {
		t.Errorf("non-envelope file was touched: %v", err)
	}

	// A second scan finds nothing left to do
	results, err = d.ProcessExisting(context.Background())
	if err != nil || len(results) != 0 {
		t.Errorf("second scan = %d results, %v", len(results), err)
	}
}

// TestStart_WatchesInbox tests that files dropped while running are applied
func TestStart_WatchesInbox(t *testing.T) {
	client, s := testClient(t)
	dir := filepath.Join(t.TempDir(), "inbox")

	done := make(chan Result, 4)
	cfg := DefaultConfig()
	cfg.DebounceInterval = 20 * time.Millisecond
	cfg.OnResult = func(res Result) { done <- res }

	d, err := NewWithConfig(client, dir, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	// Wait for the inbox to exist before writing into it
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, FailedDir)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("inbox was not created")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Give the watcher a moment to register
	time.Sleep(50 * time.Millisecond)

	staged := filepath.Join(dir, ".drop.json")
	writeFile(t, staged, `{"response": "ok", "sync": {"todo": {"add": [{"id": "w", "title": "watched"}]}}}`)
	if err := os.Rename(staged, filepath.Join(dir, "drop.json")); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res.Outcome != Applied {
			t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
		}
		if filepath.Dir(res.Path) != filepath.Join(dir, AppliedDir) {
			t.Errorf("file ended up at %s", res.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbox file to be processed")
	}

	if _, ok, _ := s.Table("todo").Get(context.Background(), "w"); !ok {
		t.Error("record from watched file not applied")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestMoveInto_Collision(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(dst, "a.json"), "old")
	writeFile(t, filepath.Join(src, "a.json"), "new")

	got, err := moveInto(filepath.Join(src, "a.json"), dst)
	if err != nil {
		t.Fatalf("moveInto() failed: %v", err)
	}
	if filepath.Base(got) != "a.1.json" {
		t.Errorf("moved to %s, want a.1.json", got)
	}
	data, _ := os.ReadFile(filepath.Join(dst, "a.json"))
	if string(data) != "old" {
		t.Error("existing file was overwritten")
	}
}
