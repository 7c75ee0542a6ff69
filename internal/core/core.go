// Package core holds the process-wide runtime state shared by the
// supervisor, indexer, and hub: pending titles waiting for a
// quiescent transcript, pending permission-mode and model
// selections for sessions without a live subprocess, and the
// startup-scan progress snapshot.
package core

import "sync"

// Runtime is built once at startup and passed to every subsystem.
type Runtime struct {
	Titles   *PendingTitles
	Modes    *PendingValues
	Models   *PendingValues
	Progress *StartupProgress
}

func NewRuntime() *Runtime {
	return &Runtime{
		Titles:   NewPendingTitles(),
		Modes:    NewPendingValues(),
		Models:   NewPendingValues(),
		Progress: NewStartupProgress(),
	}
}

// PendingTitles maps session id to a user-supplied title that must
// not be appended to the transcript while the subprocess is
// mid-turn. The post-turn flush path takes and clears entries.
type PendingTitles struct {
	mu     sync.Mutex
	titles map[string]string
}

func NewPendingTitles() *PendingTitles {
	return &PendingTitles{titles: make(map[string]string)}
}

// Put records a title for later flushing, replacing any previous
// pending title for the session.
func (p *PendingTitles) Put(sessionID, title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.titles[sessionID] = title
}

// Take removes and returns the pending title for a session.
func (p *PendingTitles) Take(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	title, ok := p.titles[sessionID]
	if ok {
		delete(p.titles, sessionID)
	}
	return title, ok
}

// PendingValues is a session-keyed string store for settings
// (permission mode, model) chosen before a subprocess exists; the
// wrapper consumes the value when it starts.
type PendingValues struct {
	mu     sync.Mutex
	values map[string]string
}

func NewPendingValues() *PendingValues {
	return &PendingValues{values: make(map[string]string)}
}

func (p *PendingValues) Put(sessionID, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[sessionID] = value
}

func (p *PendingValues) Take(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[sessionID]
	if ok {
		delete(p.values, sessionID)
	}
	return v, ok
}

// StartupProgress tracks the initial full scan so newly connected
// clients can render a progress bar. Done stays true after the
// scan finishes for the remainder of the run.
type StartupProgress struct {
	mu      sync.Mutex
	total   int
	scanned int
	done    bool
}

func NewStartupProgress() *StartupProgress {
	return &StartupProgress{}
}

// Begin resets the counters for a scan over total sessions.
func (p *StartupProgress) Begin(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
	p.scanned = 0
	p.done = total == 0
}

// Step records one scanned session.
func (p *StartupProgress) Step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanned++
	if p.scanned >= p.total {
		p.done = true
	}
}

// Snapshot returns the current counters.
func (p *StartupProgress) Snapshot() (total, scanned int, done bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, p.scanned, p.done
}
