package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/tablesync/internal/applier"
	"github.com/steveyegge/tablesync/internal/daemon"
)

// ApplyData describes a committed operation.
type ApplyData struct {
	Table string `json:"table"`
	Op    string `json:"op"`
	Keys  []any  `json:"keys"`
}

// InboxData describes a processed inbox file.
type InboxData struct {
	File    string `json:"file"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// StatsData contains running totals since the dashboard started.
type StatsData struct {
	Ops         map[string]int `json:"ops"` // by table
	Records     int            `json:"records"`
	InboxOK     int            `json:"inbox_applied"`
	InboxFailed int            `json:"inbox_failed"`
}

// Handler turns applier and inbox events into dashboard messages. Its
// methods are safe to register as listeners from several goroutines.
type Handler struct {
	server *Server
	log    *logrus.Entry

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{
		server: server,
		log:    log.WithField("component", "dashboard"),
		stats:  StatsData{Ops: make(map[string]int)},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// OnApply handles a committed operation. Pass it to applier.WithListener.
func (h *Handler) OnApply(ev applier.Event) {
	h.mu.Lock()
	h.stats.Ops[ev.Table]++
	h.stats.Records += len(ev.Keys)
	h.mu.Unlock()

	keys := ev.Keys
	if keys == nil {
		keys = []any{}
	}
	h.send(MessageTypeApply, ev.Time, ApplyData{Table: ev.Table, Op: ev.Op.String(), Keys: keys})
	h.server.Broadcast(h.statsMessage())
}

// OnInbox handles a processed inbox file. Pass it as daemon.Config.OnResult.
func (h *Handler) OnInbox(res daemon.Result) {
	h.mu.Lock()
	if res.Outcome == daemon.Applied {
		h.stats.InboxOK++
	} else {
		h.stats.InboxFailed++
	}
	h.mu.Unlock()

	data := InboxData{File: res.Path, Outcome: string(res.Outcome)}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}
	h.send(MessageTypeInbox, res.Time, data)
	h.server.Broadcast(h.statsMessage())
}

// Stats returns the current statistics
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.stats
	out.Ops = make(map[string]int, len(h.stats.Ops))
	for k, v := range h.stats.Ops {
		out.Ops[k] = v
	}
	return out
}

func (h *Handler) statsMessage() Message {
	return h.message(MessageTypeStats, time.Now(), h.Stats())
}

func (h *Handler) send(typ MessageType, at time.Time, data interface{}) {
	h.server.Broadcast(h.message(typ, at, data))
}

func (h *Handler) message(typ MessageType, at time.Time, data interface{}) Message {
	if at.IsZero() {
		at = time.Now()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.WithField("err", err).Warn("failed to marshal message data")
	}
	return Message{
		ID:        ulid.Make().String(),
		Type:      typ,
		Timestamp: at,
		Data:      raw,
	}
}
