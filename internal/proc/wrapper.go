package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	scanBufSize  = 1024 * 1024
	killGrace    = 2 * time.Second
)

// RecentRawFunc returns up to limit raw transcript records of a
// session, newest first. Used by the plan-rewrite side effect.
type RecentRawFunc func(sessionID string, limit int) ([]string, error)

// WrapperConfig is everything a wrapper needs to own one
// subprocess.
type WrapperConfig struct {
	SessionID string
	ProjectID string
	Cwd       string

	// Argv is the agent command line; argv[0] is the binary.
	Argv []string

	// Resume attaches to an existing transcript instead of
	// creating a new session.
	Resume bool

	PermissionMode string
	Model          string

	PlansDir  string
	RecentRaw RecentRawFunc

	// Hook is invoked on every state transition with an
	// immutable snapshot. Must be non-nil.
	Hook func(Snapshot)
}

// Wrapper owns one subprocess: its state machine, message
// stream, and pending-permission slot.
type Wrapper struct {
	cfg WrapperConfig

	mu             sync.Mutex
	state          string
	prevState      string
	startedAt      time.Time
	stateEnteredAt time.Time
	lastActivity   time.Time
	errMsg         string
	killReason     string
	model          string
	permMode       string
	pending        *PendingRequest
	pendingCh      chan *PermissionResult

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	cmd    *exec.Cmd
	cancel context.CancelFunc
	waitCh chan struct{}

	killOnce sync.Once
}

// NewWrapper builds a wrapper in STARTING state. Call Start to
// spawn the subprocess.
func NewWrapper(cfg WrapperConfig) *Wrapper {
	now := time.Now()
	return &Wrapper{
		cfg:            cfg,
		state:          StateStarting,
		startedAt:      now,
		stateEnteredAt: now,
		lastActivity:   now,
		model:          cfg.Model,
		permMode:       cfg.PermissionMode,
	}
}

// Snapshot returns an immutable view of the process record.
func (w *Wrapper) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Wrapper) snapshotLocked() Snapshot {
	s := Snapshot{
		SessionID:      w.cfg.SessionID,
		ProjectID:      w.cfg.ProjectID,
		Cwd:            w.cfg.Cwd,
		State:          w.state,
		PrevState:      w.prevState,
		StartedAt:      w.startedAt,
		StateEnteredAt: w.stateEnteredAt,
		LastActivityAt: w.lastActivity,
		Error:          w.errMsg,
		KillReason:     w.killReason,
		Model:          w.model,
		PermissionMode: w.permMode,
	}
	if w.pending != nil {
		p := *w.pending
		s.Pending = &p
	}
	return s
}

// Start spawns the subprocess, sends the initial turn, and
// begins the reader loop. Failures transition to DEAD and invoke
// the hook; they are never returned.
func (w *Wrapper) Start(
	ctx context.Context, text string, atts []Attachment,
) {
	if len(w.cfg.Argv) == 0 {
		w.fail("agent command not configured")
		return
	}

	args := append([]string{}, w.cfg.Argv[1:]...)
	args = append(args,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	)
	if w.cfg.Resume {
		args = append(args, "--resume", w.cfg.SessionID)
	} else {
		args = append(args, "--session-id", w.cfg.SessionID)
	}
	if w.permMode != "" {
		args = append(args, "--permission-mode", w.permMode)
	}
	if w.model != "" {
		args = append(args, "--model", w.model)
	}

	cmdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(cmdCtx, w.cfg.Argv[0], args...)
	cmd.Dir = w.cfg.Cwd
	cmd.Stderr = os.Stderr
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		w.fail(fmt.Sprintf("stdin pipe: %v", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		w.fail(fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	if err := cmd.Start(); err != nil {
		cancel()
		w.fail(fmt.Sprintf("starting agent: %v", err))
		return
	}

	waitCh := make(chan struct{})
	go func() {
		cmd.Wait()
		close(waitCh)
	}()

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.cancel = cancel
	w.waitCh = waitCh
	w.mu.Unlock()

	if err := w.writeMessage(text, atts); err != nil {
		w.fail(fmt.Sprintf("sending initial turn: %v", err))
		return
	}
	w.transition(StateAssistantTurn)

	go w.readLoop(stdout)
}

// Send hands one user message to the subprocess. Legal in
// USER_TURN and ASSISTANT_TURN; in USER_TURN it also transitions
// to ASSISTANT_TURN.
func (w *Wrapper) Send(text string, atts []Attachment) {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()
	if state != StateUserTurn && state != StateAssistantTurn {
		return
	}

	if err := w.writeMessage(text, atts); err != nil {
		w.fail(fmt.Sprintf("sending message: %v", err))
		return
	}
	if state == StateUserTurn {
		w.transition(StateAssistantTurn)
	}
}

// SetPermissionMode pushes a permission-mode change to the
// subprocess and updates the local snapshot. Legal in any
// non-terminal state.
func (w *Wrapper) SetPermissionMode(mode string) {
	w.mu.Lock()
	if w.state == StateDead {
		w.mu.Unlock()
		return
	}
	w.permMode = mode
	w.mu.Unlock()

	err := w.writeJSON(controlCommand{
		Type:      "control_request",
		RequestID: uuid.NewString(),
		Request: controlCommandBody{
			Subtype: "set_permission_mode",
			Mode:    mode,
		},
	})
	if err != nil {
		log.Printf("proc %s: set permission mode: %v",
			w.cfg.SessionID, err)
	}
}

// SetModel pushes a model change. Ignored outside USER_TURN.
func (w *Wrapper) SetModel(model string) {
	w.mu.Lock()
	if w.state != StateUserTurn {
		w.mu.Unlock()
		return
	}
	w.model = model
	w.mu.Unlock()

	err := w.writeJSON(controlCommand{
		Type:      "control_request",
		RequestID: uuid.NewString(),
		Request: controlCommandBody{
			Subtype: "set_model",
			Model:   model,
		},
	})
	if err != nil {
		log.Printf("proc %s: set model: %v", w.cfg.SessionID, err)
	}
}

// ResolvePending completes the pending permission request.
// Returns false when no request is pending (including an already
// resolved one).
func (w *Wrapper) ResolvePending(res *PermissionResult) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pendingCh == nil {
		return false
	}
	w.pendingCh <- res
	w.pendingCh = nil
	return true
}

// Kill tears the subprocess down: cancels the pending slot, kills
// the process tree descendants-first with a bounded graceful
// wait, and transitions to DEAD. No-op if already dead.
func (w *Wrapper) Kill(reason string) {
	w.killOnce.Do(func() {
		w.mu.Lock()
		if w.state == StateDead {
			w.mu.Unlock()
			return
		}
		w.killReason = reason
		if w.pendingCh != nil {
			close(w.pendingCh)
			w.pendingCh = nil
		}
		w.pending = nil
		cmd, cancel, waitCh := w.cmd, w.cancel, w.waitCh
		w.mu.Unlock()

		// The tree kill runs off the calling goroutine so a
		// caller inside a cancellation scope cannot disturb it.
		done := make(chan struct{})
		go func() {
			defer close(done)
			if cmd != nil && cmd.Process != nil {
				terminateTree(cmd.Process.Pid)
				select {
				case <-waitCh:
				case <-time.After(killGrace):
					killTree(cmd.Process.Pid)
				}
			}
			if cancel != nil {
				cancel()
			}
		}()
		<-done

		w.transition(StateDead)
	})
}

// fail records an error and transitions to DEAD.
func (w *Wrapper) fail(msg string) {
	w.mu.Lock()
	if w.state == StateDead {
		w.mu.Unlock()
		return
	}
	w.errMsg = msg
	if w.pendingCh != nil {
		close(w.pendingCh)
		w.pendingCh = nil
	}
	w.pending = nil
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.transition(StateDead)
}

// transition moves to a new state and invokes the hook with the
// post-transition snapshot. The hook runs outside the lock.
func (w *Wrapper) transition(state string) {
	w.mu.Lock()
	if w.state == StateDead {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	w.prevState = w.state
	w.state = state
	w.stateEnteredAt = now
	w.lastActivity = now
	snap := w.snapshotLocked()
	w.mu.Unlock()

	if w.cfg.Hook != nil {
		w.cfg.Hook(snap)
	}
}

// notify invokes the hook without a state change (pending slot
// filled or cleared).
func (w *Wrapper) notify() {
	snap := w.Snapshot()
	if w.cfg.Hook != nil {
		w.cfg.Hook(snap)
	}
}

// Touch refreshes last-activity in the active states.
func (w *Wrapper) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateUserTurn || w.state == StateAssistantTurn {
		w.lastActivity = time.Now()
	}
}

func (w *Wrapper) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scanBufSize), scanBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("proc %s: bad stream line: %v",
				w.cfg.SessionID, err)
			continue
		}

		w.mu.Lock()
		w.lastActivity = time.Now()
		dead := w.state == StateDead
		w.mu.Unlock()
		if dead {
			return
		}

		switch ev.Type {
		case "result":
			if ev.IsError {
				msg := ev.Result
				if msg == "" {
					msg = "agent reported an error result"
				}
				w.fail(msg)
				return
			}
			w.transition(StateUserTurn)

		case "control_request":
			w.handleControlRequest(ev)

		default:
			w.mu.Lock()
			inAssistant := w.state == StateAssistantTurn
			w.mu.Unlock()
			if !inAssistant {
				w.transition(StateAssistantTurn)
			}
		}
	}

	// Stream end mid-turn is a subprocess failure even when an
	// earlier turn completed normally.
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()
	if state == StateStarting || state == StateAssistantTurn {
		w.fail("agent stream closed unexpectedly")
	}
}

func (w *Wrapper) writeMessage(text string, atts []Attachment) error {
	return w.writeJSON(stdinMessage{
		Type:      "user",
		SessionID: w.cfg.SessionID,
		Message: stdinMessageBody{
			Role:    "user",
			Content: buildContent(text, atts),
		},
	})
}

// writeJSON serializes one NDJSON frame to the subprocess's
// stdin. Writes are serialized by stdinMu.
func (w *Wrapper) writeJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	w.stdinMu.Lock()
	defer w.stdinMu.Unlock()

	w.mu.Lock()
	stdin := w.stdin
	w.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("subprocess not running")
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}
