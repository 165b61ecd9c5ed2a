// Package session is the admission-control and lifecycle authority for CLI
// sessions. It owns the live registry, the waiting queue, the watchdog, and
// the per-task transition arbiter.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"taskdeck/internal/cli"
	"taskdeck/internal/model"
	"taskdeck/internal/term"
)

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// task's current status.
	ErrInvalidState = errors.New("operation not valid in current task state")
	// ErrSpawnFailed wraps terminal or filesystem failures during spawn.
	ErrSpawnFailed = errors.New("session spawn failed")
	// ErrSpawnTimeout is raised when the terminal does not come up in time.
	ErrSpawnTimeout = errors.New("session spawn timed out")
	// ErrAdapterUnavailable is returned when the CLI binary or terminal
	// emulator for a task is not installed.
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	// ErrClosed is returned after the manager has shut down.
	ErrClosed = errors.New("session manager is shut down")
)

// StartResult distinguishes immediate admission from queueing.
type StartResult int

const (
	// Started means a session was spawned and the task is in_progress.
	Started StartResult = iota
	// Queued means all slots were busy; the task stays pending in the FIFO
	// waiting queue.
	Queued
)

func (r StartResult) String() string {
	if r == Queued {
		return "queued"
	}
	return "started"
}

// Session is one live supervised execution of one task. The manager is the
// sole owner of the adapter handles; everything mutable is behind mu.
type Session struct {
	TaskID     string
	Epoch      uint64
	Adapter    cli.Adapter
	Terminal   term.Terminal
	Handle     *term.Handle
	StartedAt  time.Time
	PromptFile string

	mu           sync.Mutex
	status       model.Status
	phase        model.RunPhase
	lastActivity time.Time
	contextPct   float64
	pctKnown     bool
	lastTail     string
	nudged       bool
	pinged       bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newSession(taskID string, epoch uint64, adapter cli.Adapter, terminal term.Terminal,
	handle *term.Handle, promptFile string, status model.Status, now time.Time) *Session {
	return &Session{
		TaskID:       taskID,
		Epoch:        epoch,
		Adapter:      adapter,
		Terminal:     terminal,
		Handle:       handle,
		StartedAt:    now,
		PromptFile:   promptFile,
		status:       status,
		phase:        model.PhaseRunning,
		lastActivity: now,
		stopCh:       make(chan struct{}),
	}
}

func (s *Session) Phase() model.RunPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p model.RunPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) Status() model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st model.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// requestStop flips the session to stopping and wakes its monitor. Safe to
// call more than once.
func (s *Session) requestStop() {
	s.stopOnce.Do(func() {
		s.setPhase(model.PhaseStopping)
		close(s.stopCh)
	})
}

// Touch records observed activity.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// observeTail stores the latest capture and reports whether it changed.
func (s *Session) observeTail(tail string, now time.Time) bool {
	tail = strings.TrimRight(tail, " \n")
	s.mu.Lock()
	defer s.mu.Unlock()
	if tail == s.lastTail {
		return false
	}
	s.lastTail = tail
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	return true
}

// onceNudge claims the single idle nudge this session gets. Reports whether
// this caller won it.
func (s *Session) onceNudge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nudged {
		return false
	}
	s.nudged = true
	return true
}

// oncePing claims the single pre-timeout status ping.
func (s *Session) oncePing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinged {
		return false
	}
	s.pinged = true
	return true
}

func (s *Session) setContext(pct float64) {
	s.mu.Lock()
	s.contextPct = pct
	s.pctKnown = true
	s.mu.Unlock()
}

func (s *Session) Context() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextPct, s.pctKnown
}

// Info copies the externally visible view of the session.
func (s *Session) Info() model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := model.SessionInfo{
		TaskID:       s.TaskID,
		Status:       s.status,
		Phase:        s.phase,
		CLIType:      s.Adapter.Type(),
		Terminal:     s.Terminal.Type(),
		StartedAt:    s.StartedAt,
		Epoch:        int(s.Epoch),
		LastActivity: s.lastActivity,
	}
	if s.Handle != nil {
		info.PID = s.Handle.PID
	}
	if s.pctKnown {
		info.ContextPercent = s.contextPct
	}
	return info
}
