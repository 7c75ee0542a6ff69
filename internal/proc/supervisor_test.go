package proc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/twidi/twicc/internal/config"
	"github.com/twidi/twicc/internal/core"
)

func testSupervisorConfig() config.Supervisor {
	return config.Supervisor{
		SweepInterval:                30 * time.Second,
		TimeoutStarting:              60 * time.Second,
		TimeoutUserTurn:              15 * time.Minute,
		TimeoutAssistantTurn:         2 * time.Hour,
		TimeoutAssistantTurnAbsolute: 6 * time.Hour,
		ShutdownGrace:                5 * time.Second,
		PendingTitleFlushDelay:       10 * time.Millisecond,
	}
}

type titleLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *titleLog) AppendTitle(projectID, sessionID, title string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries,
		projectID+"/"+sessionID+"="+title)
	return nil
}

func (l *titleLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *core.Runtime, *titleLog) {
	t.Helper()
	rt := core.NewRuntime()
	titles := &titleLog{}
	sv := NewSupervisor(
		testSupervisorConfig(), rt,
		[]string{"/nonexistent/agent"}, t.TempDir(), nil, titles,
	)
	return sv, rt, titles
}

func TestDueKill(t *testing.T) {
	cfg := testSupervisorConfig()
	now := time.Now()
	at := func(d time.Duration) time.Time { return now.Add(-d) }

	tests := []struct {
		name   string
		snap   Snapshot
		reason string
		due    bool
	}{
		{
			name: "starting within bound",
			snap: Snapshot{
				State:          StateStarting,
				StateEnteredAt: at(30 * time.Second),
			},
		},
		{
			name: "starting expired",
			snap: Snapshot{
				State:          StateStarting,
				StateEnteredAt: at(61 * time.Second),
			},
			reason: "starting", due: true,
		},
		{
			name: "user turn idle",
			snap: Snapshot{
				State:          StateUserTurn,
				LastActivityAt: at(16 * time.Minute),
			},
			reason: "idle", due: true,
		},
		{
			name: "user turn active",
			snap: Snapshot{
				State:          StateUserTurn,
				LastActivityAt: at(time.Minute),
			},
		},
		{
			name: "assistant inactivity",
			snap: Snapshot{
				State:          StateAssistantTurn,
				StateEnteredAt: at(3 * time.Hour),
				LastActivityAt: at(3 * time.Hour),
			},
			reason: "inactivity", due: true,
		},
		{
			name: "assistant absolute beats inactivity",
			snap: Snapshot{
				State:          StateAssistantTurn,
				StateEnteredAt: at(7 * time.Hour),
				LastActivityAt: at(3 * time.Hour),
			},
			reason: "absolute", due: true,
		},
		{
			name: "assistant active but over absolute",
			snap: Snapshot{
				State:          StateAssistantTurn,
				StateEnteredAt: at(7 * time.Hour),
				LastActivityAt: at(time.Minute),
			},
			reason: "absolute", due: true,
		},
		{
			name: "pending permission exempts",
			snap: Snapshot{
				State:          StateAssistantTurn,
				StateEnteredAt: at(10 * time.Hour),
				LastActivityAt: at(10 * time.Hour),
				Pending:        &PendingRequest{ID: "req-1"},
			},
		},
		{
			name: "dead never swept",
			snap: Snapshot{
				State:          StateDead,
				StateEnteredAt: at(10 * time.Hour),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, due := dueKill(tt.snap, now, cfg)
			if due != tt.due || reason != tt.reason {
				t.Errorf("dueKill = (%q, %v), want (%q, %v)",
					reason, due, tt.reason, tt.due)
			}
		})
	}
}

func TestHookDeadCleanupIdentity(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)

	w1 := NewWrapper(WrapperConfig{SessionID: "S1"})
	sv.reg["S1"] = w1
	hook1 := sv.hookFor(w1)

	// A replacement wrapper takes over the slot before the old
	// hook fires its DEAD cleanup.
	w2 := NewWrapper(WrapperConfig{SessionID: "S1"})
	sv.reg["S1"] = w2

	hook1(Snapshot{SessionID: "S1", State: StateDead})
	if sv.reg["S1"] != w2 {
		t.Fatal("stale hook removed the replacement wrapper")
	}

	// The matching wrapper's own hook does remove it.
	sv.hookFor(w2)(Snapshot{SessionID: "S1", State: StateDead})
	if _, ok := sv.reg["S1"]; ok {
		t.Fatal("dead wrapper left in registry")
	}
}

func TestTitleFlushOnUserTurn(t *testing.T) {
	sv, rt, titles := newTestSupervisor(t)
	rt.Titles.Put("S1", "My session")

	w := NewWrapper(WrapperConfig{SessionID: "S1", ProjectID: "p1"})
	sv.hookFor(w)(Snapshot{
		SessionID: "S1", ProjectID: "p1", State: StateUserTurn,
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := titles.all(); len(got) == 1 {
			if got[0] != "p1/S1=My session" {
				t.Fatalf("flushed %q", got[0])
			}
			if _, ok := rt.Titles.Take("S1"); ok {
				t.Fatal("title still pending after flush")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("title never flushed")
}

func TestTitleFlushNoPendingEntry(t *testing.T) {
	sv, _, titles := newTestSupervisor(t)
	w := NewWrapper(WrapperConfig{SessionID: "S1"})
	sv.hookFor(w)(Snapshot{SessionID: "S1", State: StateUserTurn})

	time.Sleep(50 * time.Millisecond)
	if got := titles.all(); len(got) != 0 {
		t.Fatalf("flushed %v with nothing pending", got)
	}
}

type stateLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (l *stateLog) ProcessState(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, s)
}

func (l *stateLog) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.snaps))
	for i, s := range l.snaps {
		out[i] = s.State
	}
	return out
}

// Clients must observe a new process in STARTING before any
// transition out of it, including a synchronous startup failure.
func TestCreateSessionBroadcastsStarting(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	rec := &stateLog{}
	sv.SetNotifier(rec)

	err := sv.CreateSession(
		context.Background(),
		"S1", "p1", t.TempDir(), "hello", "", "", nil,
	)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	states := rec.states()
	if len(states) == 0 || states[0] != StateStarting {
		t.Fatalf("states = %v, want starting first", states)
	}
	if states[len(states)-1] != StateDead {
		t.Fatalf("states = %v, want dead last", states)
	}
}

func TestCreateSessionConflict(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	sv.reg["S1"] = NewWrapper(WrapperConfig{SessionID: "S1"})

	err := sv.CreateSession(
		context.Background(),
		"S1", "p1", "/work", "hello", "", "", nil,
	)
	if err == nil {
		t.Fatal("create over an active wrapper succeeded")
	}
}

func TestSendToSessionRequiresText(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	err := sv.SendToSession(
		context.Background(),
		"S1", "p1", "/work", "", "", "", nil,
	)
	if err == nil {
		t.Fatal("empty send with no process succeeded")
	}
}

func TestSendToSessionStartsDeadReplacement(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)

	dead := NewWrapper(WrapperConfig{SessionID: "S1"})
	dead.fail("previous run")
	sv.reg["S1"] = dead

	// The dead entry is dropped; the startup failure of the
	// replacement (nonexistent binary) surfaces as a DEAD hook,
	// never as an error.
	err := sv.SendToSession(
		context.Background(),
		"S1", "p1", t.TempDir(), "hello", "", "", nil,
	)
	if err != nil {
		t.Fatalf("SendToSession: %v", err)
	}
	if sv.reg["S1"] == dead {
		t.Fatal("dead wrapper not replaced")
	}
}

func TestPendingSettingsConsumedOnStart(t *testing.T) {
	sv, rt, _ := newTestSupervisor(t)
	rt.Modes.Put("S1", "plan")
	rt.Models.Put("S1", "opus")

	err := sv.SendToSession(
		context.Background(),
		"S1", "p1", t.TempDir(), "hello", "", "", nil,
	)
	if err != nil {
		t.Fatalf("SendToSession: %v", err)
	}

	if _, ok := rt.Modes.Take("S1"); ok {
		t.Error("pending mode not consumed")
	}
	if _, ok := rt.Models.Take("S1"); ok {
		t.Error("pending model not consumed")
	}
}

func TestShutdownBound(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)
	sv.Run(context.Background())

	for _, id := range []string{"S1", "S2", "S3"} {
		sv.reg[id] = NewWrapper(WrapperConfig{SessionID: id})
	}

	start := time.Now()
	sv.Shutdown(time.Second)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %v", elapsed)
	}

	if len(sv.ActiveProcesses()) != 0 {
		t.Fatal("registry not cleared")
	}
}

func TestSweepKillsExpired(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)

	w := NewWrapper(WrapperConfig{SessionID: "S1"})
	w.mu.Lock()
	w.state = StateUserTurn
	w.lastActivity = time.Now().Add(-16 * time.Minute)
	w.mu.Unlock()
	sv.reg["S1"] = w

	sv.sweep(time.Now())

	s := w.Snapshot()
	if s.State != StateDead || s.KillReason != "idle" {
		t.Fatalf("snapshot = %+v", s)
	}
}
