package proc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// hookLog records the snapshots a wrapper emits.
type hookLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (h *hookLog) record(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, s)
}

func (h *hookLog) states() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.snaps))
	for i, s := range h.snaps {
		out[i] = s.State
	}
	return out
}

func (h *hookLog) last() (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.snaps) == 0 {
		return Snapshot{}, false
	}
	return h.snaps[len(h.snaps)-1], true
}

func (h *hookLog) waitFor(
	t *testing.T, pred func(Snapshot) bool, msg string,
) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for _, s := range h.snaps {
			if pred(s) {
				h.mu.Unlock()
				return s
			}
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
	return Snapshot{}
}

// syncBuffer is a goroutine-safe WriteCloser capturing stdin
// frames.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testWrapper(hook func(Snapshot)) (*Wrapper, *syncBuffer) {
	w := NewWrapper(WrapperConfig{
		SessionID: "S1",
		ProjectID: "p1",
		Cwd:       "/work",
		Hook:      hook,
	})
	buf := &syncBuffer{}
	w.stdin = buf
	return w, buf
}

func lines(ls ...string) io.Reader {
	return strings.NewReader(strings.Join(ls, "\n") + "\n")
}

func TestReaderLoopStateMachine(t *testing.T) {
	h := &hookLog{}
	w, _ := testWrapper(h.record)

	w.readLoop(lines(
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{}}`,
		`{"type":"result","is_error":false}`,
	))

	got := h.states()
	// One assistant transition (the second event is already in
	// ASSISTANT_TURN) then the result marker.
	want := []string{StateAssistantTurn, StateUserTurn}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}

	// No path reaches USER_TURN without ASSISTANT_TURN first.
	for i, s := range got {
		if s == StateUserTurn {
			if i == 0 || got[i-1] != StateAssistantTurn {
				t.Fatalf("USER_TURN without ASSISTANT_TURN: %v", got)
			}
		}
	}
}

func TestReaderLoopErrorResult(t *testing.T) {
	h := &hookLog{}
	w, _ := testWrapper(h.record)

	w.readLoop(lines(
		`{"type":"assistant","message":{}}`,
		`{"type":"result","is_error":true,"result":"boom"}`,
	))

	snap, ok := h.last()
	if !ok || snap.State != StateDead {
		t.Fatalf("last = %+v", snap)
	}
	if snap.Error != "boom" {
		t.Errorf("Error = %q", snap.Error)
	}
}

func TestReaderLoopStreamClosed(t *testing.T) {
	h := &hookLog{}
	w, _ := testWrapper(h.record)

	w.readLoop(lines(`{"type":"assistant","message":{}}`))

	snap, _ := h.last()
	if snap.State != StateDead {
		t.Fatalf("state = %q, want dead", snap.State)
	}
	if !strings.Contains(snap.Error, "stream closed") {
		t.Errorf("Error = %q", snap.Error)
	}
}

// A stream that dies during a later turn is still a failure, even
// though an earlier turn completed with a result marker.
func TestReaderLoopDiesMidSecondTurn(t *testing.T) {
	h := &hookLog{}
	w, _ := testWrapper(h.record)

	w.readLoop(lines(
		`{"type":"assistant","message":{}}`,
		`{"type":"result","is_error":false}`,
		`{"type":"assistant","message":{}}`,
	))

	snap, _ := h.last()
	if snap.State != StateDead {
		t.Fatalf("state = %q, want dead", snap.State)
	}
	if !strings.Contains(snap.Error, "stream closed") {
		t.Errorf("Error = %q", snap.Error)
	}
}

func TestDeadIsTerminal(t *testing.T) {
	h := &hookLog{}
	w, _ := testWrapper(h.record)

	w.fail("first")
	before := len(h.states())

	// Nothing moves a dead wrapper.
	w.transition(StateAssistantTurn)
	w.Send("more", nil)
	w.SetPermissionMode("plan")
	w.Kill("again")

	if got := len(h.states()); got != before {
		t.Fatalf("dead wrapper emitted %d more transitions",
			got-before)
	}
	if s := w.Snapshot(); s.State != StateDead || s.Error != "first" {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestPermissionFlow(t *testing.T) {
	h := &hookLog{}
	w, buf := testWrapper(h.record)

	req := `{"type":"control_request","request_id":"req-1",` +
		`"request":{"subtype":"can_use_tool","tool_name":"Exec",` +
		`"input":{"command":"rm -rf /"}}}`

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.readLoop(lines(
			req,
			`{"type":"result","is_error":false}`,
		))
	}()

	pendingSnap := h.waitFor(t, func(s Snapshot) bool {
		return s.Pending != nil
	}, "pending request never surfaced")
	if pendingSnap.Pending.ToolName != "Exec" {
		t.Errorf("ToolName = %q", pendingSnap.Pending.ToolName)
	}
	if pendingSnap.Pending.Kind != RequestToolApproval {
		t.Errorf("Kind = %q", pendingSnap.Pending.Kind)
	}

	if !w.ResolvePending(&PermissionResult{Behavior: "deny"}) {
		t.Fatal("ResolvePending reported no effect")
	}
	// Idempotent for already-resolved.
	if w.ResolvePending(&PermissionResult{Behavior: "allow"}) {
		t.Fatal("second resolve reported effect")
	}

	<-done

	h.waitFor(t, func(s Snapshot) bool {
		return s.Pending == nil && s.State == StateUserTurn
	}, "pending slot never cleared")

	var resp controlResponse
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "control_response") {
			if err := json.Unmarshal([]byte(l), &resp); err != nil {
				t.Fatalf("bad response frame: %v", err)
			}
		}
	}
	if resp.Response.RequestID != "req-1" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestKillCancelsPending(t *testing.T) {
	h := &hookLog{}
	w, _ := testWrapper(h.record)

	req := `{"type":"control_request","request_id":"req-1",` +
		`"request":{"subtype":"can_use_tool","tool_name":"Exec",` +
		`"input":{}}}`

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.readLoop(lines(req))
	}()

	h.waitFor(t, func(s Snapshot) bool {
		return s.Pending != nil
	}, "pending request never surfaced")

	w.Kill("test")
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("reader loop stuck after kill")
	}

	s := w.Snapshot()
	if s.State != StateDead || s.Pending != nil {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.KillReason != "test" {
		t.Errorf("KillReason = %q", s.KillReason)
	}
	if w.ResolvePending(&PermissionResult{Behavior: "deny"}) {
		t.Fatal("resolve succeeded after kill")
	}
}

func TestSendIgnoredWhileStarting(t *testing.T) {
	h := &hookLog{}
	w, buf := testWrapper(h.record)

	w.Send("too early", nil)
	if buf.String() != "" {
		t.Fatalf("send in STARTING wrote %q", buf.String())
	}
}

// Spawns a real shell subprocess standing in for the agent: it
// emits an init event, echoes the initial turn back as a result,
// then idles until killed.
func TestWrapperSubprocess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}

	script := `
echo '{"type":"system","subtype":"init"}'
read line
echo '{"type":"result","is_error":false}'
sleep 60
`
	h := &hookLog{}
	w := NewWrapper(WrapperConfig{
		SessionID: "S1",
		ProjectID: "p1",
		Cwd:       t.TempDir(),
		Argv:      []string{"sh", "-c", script},
		Hook:      h.record,
	})

	w.Start(context.Background(), "hello", nil)
	h.waitFor(t, func(s Snapshot) bool {
		return s.State == StateUserTurn
	}, "never reached USER_TURN")

	start := time.Now()
	w.Kill("test")
	if elapsed := time.Since(start); elapsed > killGrace+time.Second {
		t.Fatalf("kill took %v", elapsed)
	}

	s := w.Snapshot()
	if s.State != StateDead || s.KillReason != "test" {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestStartFailureGoesDead(t *testing.T) {
	h := &hookLog{}
	w := NewWrapper(WrapperConfig{
		SessionID: "S1",
		ProjectID: "p1",
		Argv:      []string{"/nonexistent/agent-binary"},
		Hook:      h.record,
	})

	// Never propagates the failure.
	w.Start(context.Background(), "hello", nil)

	s := w.Snapshot()
	if s.State != StateDead || s.Error == "" {
		t.Fatalf("snapshot = %+v", s)
	}
}
