// Package hub fans indexer and supervisor events out to websocket
// clients and routes inbound client commands to the supervisor.
package hub

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/twidi/twicc/internal/core"
	"github.com/twidi/twicc/internal/db"
	"github.com/twidi/twicc/internal/proc"
)

// Commander is the slice of the supervisor the hub drives.
type Commander interface {
	SendToSession(
		ctx context.Context, sessionID, projectID, cwd, text string,
		permMode, model string, atts []proc.Attachment,
	) error
	CreateSession(
		ctx context.Context, sessionID, projectID, cwd, text string,
		permMode, model string, atts []proc.Attachment,
	) error
	KillProcess(sessionID, reason string)
	ResolvePending(sessionID string, res *proc.PermissionResult) bool
	Touch(sessionID string)
	ActiveProcesses() []proc.Snapshot
}

// Hub owns the client set. It implements the indexer's event sink
// and the supervisor's notifier, turning both into broadcast
// frames. Per-client ordering is FIFO through each client's send
// queue; across clients there is no ordering.
type Hub struct {
	rt  *core.Runtime
	db  *db.DB
	cmd Commander

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	// First-upsert tracking so clients can distinguish added from
	// updated without a storage round trip.
	seenProjects map[string]bool
	seenSessions map[string]bool
}

// New builds a hub. The commander may be wired later with
// SetCommander when construction order requires it.
func New(rt *core.Runtime, store *db.DB) *Hub {
	return &Hub{
		rt: rt,
		db: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:      make(map[string]*Client),
		seenProjects: make(map[string]bool),
		seenSessions: make(map[string]bool),
	}
}

// SetCommander wires the command destination.
func (h *Hub) SetCommander(cmd Commander) { h.cmd = cmd }

// BuildMux returns the HTTP mux exposing the websocket endpoint
// and a health probe.
func (h *Hub) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/health", handleHealth)
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: websocket upgrade: %v", err)
		return
	}

	c := newClient(h, conn)
	h.register(c)
	defer func() {
		h.unregister(c)
		c.close()
	}()

	go c.writePump()
	h.sendJoinSnapshot(c)
	c.readPump(r.Context())
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	log.Printf("hub: client %s connected", c.id)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
		log.Printf("hub: client %s disconnected", c.id)
	}
}

// sendJoinSnapshot queues the initial sync frames: the active
// process list then the startup-scan progress.
func (h *Hub) sendJoinSnapshot(c *Client) {
	var snaps []proc.Snapshot
	if h.cmd != nil {
		snaps = h.cmd.ActiveProcesses()
	}
	c.enqueue(marshalFrame("active_processes", snaps))
	c.enqueue(marshalFrame("startup_progress", h.progress()))
}

func (h *Hub) progress() progressPayload {
	total, scanned, done := h.rt.Progress.Snapshot()
	return progressPayload{Total: total, Scanned: scanned, Done: done}
}

// BroadcastStartupProgress pushes the current scan counters to all
// clients. The startup scan calls this between sessions.
func (h *Hub) BroadcastStartupProgress() {
	h.broadcast("startup_progress", h.progress())
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ProjectUpserted implements the indexer event sink.
func (h *Hub) ProjectUpserted(p db.Project) {
	h.mu.Lock()
	typ := "project_updated"
	if !h.seenProjects[p.ID] {
		h.seenProjects[p.ID] = true
		typ = "project_added"
	}
	h.mu.Unlock()
	h.broadcast(typ, p)
}

// SessionUpserted implements the indexer event sink.
func (h *Hub) SessionUpserted(s db.Session) {
	h.mu.Lock()
	typ := "session_updated"
	if !h.seenSessions[s.ID] {
		h.seenSessions[s.ID] = true
		typ = "session_added"
	}
	h.mu.Unlock()
	h.broadcast(typ, s)
}

// SessionItemsAdded implements the indexer event sink. Items is
// the new batch; updates carries earlier items whose group span
// moved.
func (h *Hub) SessionItemsAdded(
	sessionID string, items, updates []db.Item,
) {
	h.broadcast("session_items_added", itemsPayload{
		SessionID: sessionID,
		Items:     items,
		Updates:   updates,
	})
}

// ProcessState implements the supervisor notifier.
func (h *Hub) ProcessState(s proc.Snapshot) {
	h.broadcast("process_state", s)
}

func (h *Hub) broadcast(typ string, payload any) {
	data := marshalFrame(typ, payload)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.enqueue(data)
	}
}
