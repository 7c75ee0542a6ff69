package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twidi/twicc/internal/core"
	"github.com/twidi/twicc/internal/db"
	"github.com/twidi/twicc/internal/proc"
)

// fakeCommander records the commands the hub routes to it.
type fakeCommander struct {
	mu       sync.Mutex
	sent     []string
	created  []string
	killed   []string
	touched  []string
	resolved []*proc.PermissionResult
	snaps    []proc.Snapshot

	resolveOK bool
}

func (f *fakeCommander) SendToSession(
	_ context.Context, sessionID, _, _, text string,
	_, _ string, _ []proc.Attachment,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sessionID+":"+text)
	return nil
}

func (f *fakeCommander) CreateSession(
	_ context.Context, sessionID, _, _, text string,
	_, _ string, _ []proc.Attachment,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, sessionID+":"+text)
	return nil
}

func (f *fakeCommander) KillProcess(sessionID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, sessionID+":"+reason)
}

func (f *fakeCommander) ResolvePending(
	sessionID string, res *proc.PermissionResult,
) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, res)
	return f.resolveOK
}

func (f *fakeCommander) Touch(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, sessionID)
}

func (f *fakeCommander) ActiveProcesses() []proc.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snaps
}

func (f *fakeCommander) calls(which *[]string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), *which...)
}

func setupHub(t *testing.T) (*Hub, *fakeCommander, *httptest.Server) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cmd := &fakeCommander{resolveOK: true}
	h := New(core.NewRuntime(), store)
	h.SetCommander(cmd)

	srv := httptest.NewServer(h.BuildMux())
	t.Cleanup(srv.Close)
	return h, cmd, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: typ, Payload: data}))
}

func TestJoinSnapshot(t *testing.T) {
	h, cmd, srv := setupHub(t)
	cmd.snaps = []proc.Snapshot{{SessionID: "S1", State: proc.StateUserTurn}}
	h.rt.Progress.Begin(4)
	h.rt.Progress.Step()

	conn := dial(t, srv)

	f := readFrame(t, conn)
	assert.Equal(t, "active_processes", f.Type)
	var snaps []proc.Snapshot
	require.NoError(t, json.Unmarshal(f.Payload, &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "S1", snaps[0].SessionID)

	f = readFrame(t, conn)
	assert.Equal(t, "startup_progress", f.Type)
	var p progressPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, progressPayload{Total: 4, Scanned: 1}, p)
}

func TestPingPong(t *testing.T) {
	_, _, srv := setupHub(t)
	conn := dial(t, srv)
	readFrame(t, conn) // active_processes
	readFrame(t, conn) // startup_progress

	require.NoError(t, conn.WriteJSON(Frame{Type: "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn).Type)
}

// Two clients both receive every broadcast in emission order, and
// one dropping out does not affect the other.
func TestBroadcastFanOut(t *testing.T) {
	h, _, srv := setupHub(t)

	c1 := dial(t, srv)
	c2 := dial(t, srv)
	for _, c := range []*websocket.Conn{c1, c2} {
		readFrame(t, c)
		readFrame(t, c)
	}

	h.ProjectUpserted(db.Project{ID: "p1"})
	h.SessionUpserted(db.Session{ID: "S1", ProjectID: "p1"})
	h.SessionItemsAdded("S1",
		[]db.Item{{SessionID: "S1", LineNum: 1}}, nil)

	want := []string{"project_added", "session_added", "session_items_added"}
	for _, c := range []*websocket.Conn{c1, c2} {
		for _, typ := range want {
			assert.Equal(t, typ, readFrame(t, c).Type)
		}
	}

	c1.Close()
	h.ProcessState(proc.Snapshot{SessionID: "S1", State: proc.StateDead})
	assert.Equal(t, "process_state", readFrame(t, c2).Type)
}

func TestAddedVersusUpdated(t *testing.T) {
	h, _, srv := setupHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)
	readFrame(t, conn)

	h.ProjectUpserted(db.Project{ID: "p1"})
	h.ProjectUpserted(db.Project{ID: "p1"})
	h.SessionUpserted(db.Session{ID: "S1"})
	h.SessionUpserted(db.Session{ID: "S1"})

	want := []string{
		"project_added", "project_updated",
		"session_added", "session_updated",
	}
	for _, typ := range want {
		assert.Equal(t, typ, readFrame(t, conn).Type)
	}
}

// A send to a session id unknown to storage routes through
// creation, and a supplied title lands in the pending-title store
// rather than the (nonexistent) transcript.
func TestSendMessageRoutesToCreate(t *testing.T) {
	h, cmd, srv := setupHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)
	readFrame(t, conn)

	writeFrame(t, conn, "send_message", sendMessageCommand{
		SessionID: "S-new",
		ProjectID: "p1",
		Text:      "hello",
		Title:     "My session",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(cmd.calls(&cmd.created)) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, []string{"S-new:hello"}, cmd.calls(&cmd.created))
	assert.Empty(t, cmd.calls(&cmd.sent))

	title, ok := h.rt.Titles.Take("S-new")
	require.True(t, ok, "title not pending")
	assert.Equal(t, "My session", title)
}

func TestSendMessageKnownSession(t *testing.T) {
	h, cmd, srv := setupHub(t)
	cwd := "/work"
	require.NoError(t, h.db.UpsertSession(db.Session{
		ID: "S1", ProjectID: "p1", Kind: "primary", Cwd: &cwd,
	}))

	conn := dial(t, srv)
	readFrame(t, conn)
	readFrame(t, conn)

	writeFrame(t, conn, "send_message", sendMessageCommand{
		SessionID: "S1", ProjectID: "p1", Text: "continue",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(cmd.calls(&cmd.sent)) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, []string{"S1:continue"}, cmd.calls(&cmd.sent))
	assert.Empty(t, cmd.calls(&cmd.created))
}

func TestSendMessageMissingFields(t *testing.T) {
	_, cmd, srv := setupHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)
	readFrame(t, conn)

	writeFrame(t, conn, "send_message", sendMessageCommand{Text: "hi"})

	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	assert.Empty(t, cmd.calls(&cmd.sent))
	assert.Empty(t, cmd.calls(&cmd.created))
}

func TestKillAndTouchAndResolve(t *testing.T) {
	_, cmd, srv := setupHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)
	readFrame(t, conn)

	writeFrame(t, conn, "kill_process", sessionCommand{SessionID: "S1"})
	writeFrame(t, conn, "touch", sessionCommand{SessionID: "S1"})
	writeFrame(t, conn, "pending_request_response", pendingResponseCommand{
		SessionID: "S1",
		Behavior:  "allow",
		UpdatedInput: map[string]any{
			"command": "ls",
		},
	})
	// Invalid behavior never reaches the supervisor.
	writeFrame(t, conn, "pending_request_response", pendingResponseCommand{
		SessionID: "S1", Behavior: "maybe",
	})
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)

	assert.Equal(t, []string{"S1:user"}, cmd.calls(&cmd.killed))
	assert.Equal(t, []string{"S1"}, cmd.calls(&cmd.touched))

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	require.Len(t, cmd.resolved, 1)
	assert.Equal(t, "allow", cmd.resolved[0].Behavior)
	assert.Equal(t, "ls", cmd.resolved[0].UpdatedInput["command"])
}

func TestUnknownFrameType(t *testing.T) {
	_, _, srv := setupHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Frame{Type: "bogus"}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
}
