package proc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/twidi/twicc/internal/config"
	"github.com/twidi/twicc/internal/core"
)

// TitleAppender flushes a pending title into a session's
// transcript file.
type TitleAppender interface {
	AppendTitle(projectID, sessionID, title string) error
}

// Notifier receives process snapshots for fan-out to clients.
type Notifier interface {
	ProcessState(s Snapshot)
}

// Supervisor is the registry of wrappers keyed by session id. It
// routes external commands, runs the timeout sweep, and cleans up
// on death.
type Supervisor struct {
	cfg     config.Supervisor
	rt      *core.Runtime
	argv    []string
	plans   string
	recent  RecentRawFunc
	titles  TitleAppender

	notifier Notifier

	mu  sync.Mutex
	reg map[string]*Wrapper

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewSupervisor builds a supervisor. Call SetNotifier before
// Run, then Run to start the sweep.
func NewSupervisor(
	cfg config.Supervisor, rt *core.Runtime, argv []string,
	plansDir string, recent RecentRawFunc, titles TitleAppender,
) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		rt:     rt,
		argv:   argv,
		plans:  plansDir,
		recent: recent,
		titles: titles,
		reg:    make(map[string]*Wrapper),
	}
}

// SetNotifier wires the broadcast destination for process
// snapshots.
func (sv *Supervisor) SetNotifier(n Notifier) { sv.notifier = n }

// Run starts the periodic timeout sweep.
func (sv *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	sv.sweepCancel = cancel
	sv.sweepDone = make(chan struct{})
	go func() {
		defer close(sv.sweepDone)
		ticker := time.NewTicker(sv.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sv.sweep(time.Now())
			}
		}
	}()
}

// SendToSession routes a message to a session, starting a
// subprocess in resume mode when none is live.
func (sv *Supervisor) SendToSession(
	ctx context.Context, sessionID, projectID, cwd, text string,
	permMode, model string, atts []Attachment,
) error {
	return sv.dispatch(
		ctx, sessionID, projectID, cwd, text,
		permMode, model, atts, true,
	)
}

// CreateSession starts a brand-new session. Errors if an active
// wrapper already exists.
func (sv *Supervisor) CreateSession(
	ctx context.Context, sessionID, projectID, cwd, text string,
	permMode, model string, atts []Attachment,
) error {
	sv.mu.Lock()
	if w, ok := sv.reg[sessionID]; ok &&
		w.Snapshot().State != StateDead {
		sv.mu.Unlock()
		return fmt.Errorf(
			"session %s already has an active process", sessionID,
		)
	}
	sv.mu.Unlock()
	return sv.dispatch(
		ctx, sessionID, projectID, cwd, text,
		permMode, model, atts, false,
	)
}

func (sv *Supervisor) dispatch(
	ctx context.Context, sessionID, projectID, cwd, text string,
	permMode, model string, atts []Attachment, resume bool,
) error {
	sv.mu.Lock()
	w, ok := sv.reg[sessionID]
	if ok && w.Snapshot().State == StateDead {
		delete(sv.reg, sessionID)
		w, ok = nil, false
	}
	if ok {
		sv.mu.Unlock()
		// Apply deltas to the live subprocess, then send.
		if permMode != "" {
			w.SetPermissionMode(permMode)
		}
		if model != "" {
			w.SetModel(model)
		}
		if text != "" || len(atts) > 0 {
			w.Send(text, atts)
		}
		return nil
	}

	if text == "" && len(atts) == 0 {
		sv.mu.Unlock()
		return fmt.Errorf(
			"session %s has no process and no message to start one",
			sessionID,
		)
	}

	// Settings chosen before the process existed apply now.
	if permMode == "" {
		permMode, _ = sv.rt.Modes.Take(sessionID)
	}
	if model == "" {
		model, _ = sv.rt.Models.Take(sessionID)
	}

	w = NewWrapper(WrapperConfig{
		SessionID:      sessionID,
		ProjectID:      projectID,
		Cwd:            cwd,
		Argv:           sv.argv,
		Resume:         resume,
		PermissionMode: permMode,
		Model:          model,
		PlansDir:       sv.plans,
		RecentRaw:      sv.recent,
	})
	w.cfg.Hook = sv.hookFor(w)
	sv.reg[sessionID] = w
	sv.mu.Unlock()

	// Clients observe the process in STARTING before any
	// transition out of it.
	w.notify()

	// Start never propagates failure; a synchronous startup
	// error arrives through the hook as a DEAD transition.
	w.Start(ctx, text, atts)
	return nil
}

// KillProcess kills a session's subprocess if one is live.
func (sv *Supervisor) KillProcess(sessionID, reason string) {
	sv.mu.Lock()
	w := sv.reg[sessionID]
	sv.mu.Unlock()
	if w != nil {
		w.Kill(reason)
	}
}

// ResolvePending routes a permission answer to the wrapper.
// Returns false when nothing was pending.
func (sv *Supervisor) ResolvePending(
	sessionID string, res *PermissionResult,
) bool {
	sv.mu.Lock()
	w := sv.reg[sessionID]
	sv.mu.Unlock()
	if w == nil {
		return false
	}
	return w.ResolvePending(res)
}

// Touch defers idle timeouts for a session (user is typing).
func (sv *Supervisor) Touch(sessionID string) {
	sv.mu.Lock()
	w := sv.reg[sessionID]
	sv.mu.Unlock()
	if w != nil {
		w.Touch()
	}
}

// ActiveProcesses returns snapshots of every registered wrapper.
func (sv *Supervisor) ActiveProcesses() []Snapshot {
	sv.mu.Lock()
	wrappers := make([]*Wrapper, 0, len(sv.reg))
	for _, w := range sv.reg {
		wrappers = append(wrappers, w)
	}
	sv.mu.Unlock()

	out := make([]Snapshot, 0, len(wrappers))
	for _, w := range wrappers {
		out = append(out, w.Snapshot())
	}
	return out
}

// Shutdown cancels the sweep, kills every wrapper concurrently,
// and waits at most grace before returning. Stragglers are
// already hard-killed by each wrapper's bounded escalation.
func (sv *Supervisor) Shutdown(grace time.Duration) {
	if sv.sweepCancel != nil {
		sv.sweepCancel()
		<-sv.sweepDone
	}

	sv.mu.Lock()
	wrappers := make([]*Wrapper, 0, len(sv.reg))
	for _, w := range sv.reg {
		wrappers = append(wrappers, w)
	}
	sv.reg = make(map[string]*Wrapper)
	sv.mu.Unlock()

	var g errgroup.Group
	for _, w := range wrappers {
		w := w
		g.Go(func() error {
			w.Kill("shutdown")
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("proc: shutdown grace expired with %d wrapper(s) pending",
			len(wrappers))
	}
}

// sweep applies the timeout policy to every wrapper.
func (sv *Supervisor) sweep(now time.Time) {
	for _, snap := range sv.ActiveProcesses() {
		if reason, due := dueKill(snap, now, sv.cfg); due {
			log.Printf("proc %s: timeout (%s)",
				snap.SessionID, reason)
			sv.KillProcess(snap.SessionID, reason)
		}
	}
}

// dueKill decides whether a process has exceeded its timeout. A
// filled pending-permission slot exempts the process entirely.
// In ASSISTANT_TURN the absolute bound takes precedence over
// inactivity.
func dueKill(
	s Snapshot, now time.Time, cfg config.Supervisor,
) (string, bool) {
	if s.Pending != nil {
		return "", false
	}
	switch s.State {
	case StateStarting:
		if now.Sub(s.StateEnteredAt) > cfg.TimeoutStarting {
			return "starting", true
		}
	case StateUserTurn:
		if now.Sub(s.LastActivityAt) > cfg.TimeoutUserTurn {
			return "idle", true
		}
	case StateAssistantTurn:
		if now.Sub(s.StateEnteredAt) >
			cfg.TimeoutAssistantTurnAbsolute {
			return "absolute", true
		}
		if now.Sub(s.LastActivityAt) > cfg.TimeoutAssistantTurn {
			return "inactivity", true
		}
	}
	return "", false
}

// hookFor builds the state-change hook for one wrapper. The hook
// fires on the caller's goroutine with the registry mutex
// released (dispatch unlocks before calling Start), so DEAD
// cleanup may lock. The identity check keeps a stale hook from a
// replaced wrapper from deleting its successor's entry.
func (sv *Supervisor) hookFor(w *Wrapper) func(Snapshot) {
	return func(s Snapshot) {
		if sv.notifier != nil {
			sv.notifier.ProcessState(s)
		}

		if s.State == StateUserTurn || s.State == StateDead {
			sv.scheduleTitleFlush(s.ProjectID, s.SessionID)
		}

		if s.State == StateDead {
			sv.mu.Lock()
			if sv.reg[s.SessionID] == w {
				delete(sv.reg, s.SessionID)
			}
			sv.mu.Unlock()
		}
	}
}

// scheduleTitleFlush appends any pending title after a short
// delay, letting the subprocess finish buffered transcript I/O.
func (sv *Supervisor) scheduleTitleFlush(
	projectID, sessionID string,
) {
	title, ok := sv.rt.Titles.Take(sessionID)
	if !ok {
		return
	}
	time.AfterFunc(sv.cfg.PendingTitleFlushDelay, func() {
		err := sv.titles.AppendTitle(projectID, sessionID, title)
		if err != nil {
			log.Printf("proc %s: flushing title: %v", sessionID, err)
		}
	})
}
