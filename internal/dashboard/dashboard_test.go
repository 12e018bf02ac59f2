package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/tablesync/internal/applier"
	"github.com/steveyegge/tablesync/internal/daemon"
	"github.com/steveyegge/tablesync/internal/metrics"
	"github.com/steveyegge/tablesync/internal/protocol"
	"github.com/steveyegge/tablesync/internal/schema"
	"github.com/steveyegge/tablesync/internal/store"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	reg, err := schema.Register(schema.Config{
		Name: "dashboard",
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
	return s
}

func startServer(t *testing.T, s *store.Store) (*Server, *Handler) {
	t.Helper()
	server := NewServer(&Config{Addr: "127.0.0.1:0", Store: s, Logger: testLogger()})
	handler := NewHandler(server, testLogger())
	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server, handler
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: testLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if strings.HasSuffix(server.Addr(), ":0") {
		t.Errorf("Addr() = %s, want resolved port", server.Addr())
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

// TestWebSocket_WelcomeAndBroadcast tests that clients get the current
// stats on connect and then every applied operation
func TestWebSocket_WelcomeAndBroadcast(t *testing.T) {
	s := testStore(t)
	server, handler := startServer(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server)}
	for i, conn := range conns {
		if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStats {
			t.Fatalf("client %d welcome type = %s, want %s", i, msg.Type, MessageTypeStats)
		}
	}
	if n := server.ClientCount(); n != 2 {
		t.Errorf("ClientCount() = %d, want 2", n)
	}

	a := applier.New(s, applier.WithListener(handler.OnApply))
	d, err := protocol.DecodeDirective([]byte(`{"todo": {"put": [{"id": "1", "title": "a"}]}}`))
	if err != nil {
		t.Fatalf("DecodeDirective() failed: %v", err)
	}
	if err := a.Apply(ctx, d); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	for i, conn := range conns {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeApply {
			t.Fatalf("client %d type = %s, want %s", i, msg.Type, MessageTypeApply)
		}
		if _, err := ulid.Parse(msg.ID); err != nil {
			t.Errorf("message id %q is not a ULID: %v", msg.ID, err)
		}
		var data ApplyData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("Unmarshal(data) failed: %v", err)
		}
		if data.Table != "todo" || data.Op != "put" || len(data.Keys) != 1 || data.Keys[0] != "1" {
			t.Errorf("client %d data = %+v", i, data)
		}
		if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStats {
			t.Errorf("client %d follow-up type = %s, want stats", i, msg.Type)
		}
	}

	stats := handler.Stats()
	if stats.Ops["todo"] != 1 || stats.Records != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestHandler_OnInbox(t *testing.T) {
	server, handler := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn)

	handler.OnInbox(daemon.Result{Path: "/inbox/failed/a.json", Outcome: daemon.Failed, Err: errors.New("bad envelope")})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeInbox {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeInbox)
	}
	var data InboxData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Unmarshal(data) failed: %v", err)
	}
	if data.Outcome != "failed" || data.Error != "bad envelope" {
		t.Errorf("data = %+v", data)
	}
	if stats := handler.Stats(); stats.InboxFailed != 1 || stats.InboxOK != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestRoutes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	err := s.Update(ctx, []string{"todo"}, func(tx *store.Tx) error {
		tt, err := tx.Table("todo")
		if err != nil {
			return err
		}
		_, err = tt.BulkPut(ctx, []schema.Record{
			{"id": "a", "title": "one"},
			{"id": "b", "title": "two"},
		}, nil)
		return err
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	metrics.ApplyTotal.WithLabelValues(metrics.Ok).Inc()

	server := NewServer(&Config{Store: s, Gatherer: reg, Logger: testLogger()})
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/health", http.StatusOK, `"status":"ok"`},
		{"/tables", http.StatusOK, `"records":2`},
		{"/tables/todo", http.StatusOK, `"title":"one"`},
		{"/tables/todo?limit=1", http.StatusOK, `"key":"a"`},
		{"/tables/todo?limit=x", http.StatusBadRequest, "invalid limit"},
		{"/tables/todo?since=yesterday", http.StatusBadRequest, "invalid since"},
		{"/tables/nope", http.StatusNotFound, "unknown table"},
		{"/metrics", http.StatusOK, metrics.ApplyTotalKey},
		{"/", http.StatusOK, "/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET failed: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.status, body)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body %s does not contain %q", body, tt.contains)
			}
		})
	}

	// limit=1 returns only the first key
	resp, err := http.Get(ts.URL + "/tables/todo?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []entryJSON
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}
}
