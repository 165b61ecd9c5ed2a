package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"taskdeck/internal/broadcast"
	"taskdeck/internal/model"
	"taskdeck/internal/progress"
	"taskdeck/internal/prompt"
	"taskdeck/internal/term"
)

// Watchdog is the single supervisory loop. Each sweep computes a liveness
// verdict and an idle-lockup verdict per session; verdicts are coalesced so
// one sweep applies at most one transition per session. A defective sweep
// logs and retries on the next tick.
type Watchdog struct {
	m    *Manager
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewWatchdog(m *Manager) *Watchdog {
	return &Watchdog{m: m, done: make(chan struct{})}
}

// Run starts the supervisory loop. The interval is re-read from settings on
// every tick.
func (w *Watchdog) Run() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Watchdog) loop() {
	defer w.wg.Done()
	for {
		interval := w.m.Settings().WatchdogInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-w.done:
			return
		case <-time.After(interval):
		}
		w.Sweep(context.Background())
	}
}

func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

// Sweep inspects every live session once. Exported so tests and the daemon
// can force a sweep without waiting out the interval.
func (w *Watchdog) Sweep(ctx context.Context) {
	m := w.m
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.session))
	for _, s := range m.session {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log(LogLevelError, "watchdog: task %s sweep panicked: %v", sess.TaskID, r)
				}
			}()
			w.inspect(ctx, sess)
		}()
	}
}

// inspect applies at most one verdict to one session.
func (w *Watchdog) inspect(ctx context.Context, sess *Session) {
	m := w.m
	if sess.Phase() != model.PhaseRunning {
		return
	}
	settings := m.Settings()

	// Verdict 1: liveness.
	if dead, cause := w.probeDead(ctx, sess, settings); dead {
		m.log(LogLevelWarn, "watchdog: task %s dead: %s", sess.TaskID, cause)
		m.publish(broadcast.EventWatchdogAlert, sess.TaskID, map[string]interface{}{"reason": cause})
		w.failIfCurrent(ctx, sess, fmt.Sprintf("process died: %s", cause))
		return
	}

	// Context exhaustion backs up the monitor for callback-only sessions.
	if m.tracker.ShouldRestart(sess.TaskID, sess.Epoch) {
		m.restartIfCurrent(sess.TaskID, sess.Epoch, "context exhausted")
		return
	}

	// Verdict 2: idle-lockup. Only meaningful once the session has had a
	// chance to get going.
	if m.now().Sub(sess.StartedAt) < settings.MinimumRun {
		return
	}
	if w.idleAtPrompt(ctx, sess) {
		w.resolveIdle(ctx, sess)
	}
}

// probeDead resolves the three-valued liveness answer to a boolean. Unknown
// falls back to the recorded PID, then to the heartbeat timeout.
func (w *Watchdog) probeDead(ctx context.Context, sess *Session, settings model.Settings) (bool, string) {
	switch sess.Terminal.IsAlive(ctx, sess.Handle) {
	case term.LivenessAlive:
		return false, ""
	case term.LivenessDead:
		// A window closed by the user lands here too; operator intent is
		// not distinguishable from a crash, so both fail the task.
		return true, "terminal window closed"
	}

	if sess.Handle != nil && sess.Handle.PID > 0 {
		if term.ProcessAlive(sess.Handle.PID) {
			return false, ""
		}
		return true, fmt.Sprintf("pid %d gone", sess.Handle.PID)
	}
	silence := w.m.now().Sub(sess.LastActivity())
	if silence >= settings.HeartbeatTimeout {
		return true, fmt.Sprintf("no activity for %s", silence.Round(time.Second))
	}
	if silence >= settings.HeartbeatTimeout/2 && sess.oncePing() {
		// Halfway to the timeout, give the CLI one chance to report in
		// through the callback before silence fails it.
		if w.sendPrompt(ctx, sess, prompt.KindStatusCheck) {
			w.m.log(LogLevelInfo, "watchdog: task %s silent for %s, sent status check",
				sess.TaskID, silence.Round(time.Second))
		}
	}
	return false, ""
}

// sendPrompt renders a template and types it into the session's window.
// Returns false when the terminal cannot receive text or rendering fails.
func (w *Watchdog) sendPrompt(ctx context.Context, sess *Session, kind prompt.Kind) bool {
	m := w.m
	task, err := m.store.GetTask(ctx, sess.TaskID)
	if err != nil {
		return false
	}
	settings := m.Settings()
	vars := prompt.VarsForTask(task, sess.Adapter.Type(), task.EffectiveReview(settings.ReviewEnabled), m.callbackBase)
	text, err := m.prompts.Render(kind, vars)
	if err != nil {
		m.log(LogLevelWarn, "watchdog: task %s: render %s: %v", sess.TaskID, kind, err)
		return false
	}
	if err := sess.Terminal.SendText(ctx, sess.Handle, text, true); err != nil {
		m.log(LogLevelDebug, "watchdog: task %s: send %s: %v", sess.TaskID, kind, err)
		return false
	}
	return true
}

// idleAtPrompt reports whether the CLI is sitting at its input prompt.
func (w *Watchdog) idleAtPrompt(ctx context.Context, sess *Session) bool {
	tail, err := sess.Terminal.Capture(ctx, sess.Handle, captureTailLines)
	if err != nil {
		return false
	}
	return sess.Adapter.IdleSignature(tail)
}

// resolveIdle disambiguates "CLI waiting at its prompt" through the task
// document: all required checkboxes done means the work finished and the CLI
// is merely waiting; anything else is a lockup.
func (w *Watchdog) resolveIdle(ctx context.Context, sess *Session) {
	m := w.m
	task, err := m.store.GetTask(ctx, sess.TaskID)
	if err != nil {
		m.log(LogLevelWarn, "watchdog: task %s: %v", sess.TaskID, err)
		return
	}

	rep, err := m.checker.Check(filepath.Join(task.ProjectDir, task.DocPath))
	if err != nil && !errors.Is(err, progress.ErrDocMissing) {
		m.log(LogLevelWarn, "watchdog: task %s: progress check: %v", sess.TaskID, err)
		return
	}

	if err == nil && rep.Total > 0 && !rep.HasRemaining() {
		m.log(LogLevelInfo, "watchdog: task %s idle with document complete (%s)", sess.TaskID, rep)
		w.completeIfCurrent(ctx, sess)
		return
	}

	// First detection: type the continue prompt into the window and give the
	// CLI one interval to pick the work back up. Only a second idle sweep,
	// or a terminal that cannot receive text, fails the task.
	if sess.onceNudge() && w.sendPrompt(ctx, sess, prompt.KindContinue) {
		m.log(LogLevelInfo, "watchdog: task %s idle with work remaining, sent continue nudge", sess.TaskID)
		m.publish(broadcast.EventWatchdogAlert, sess.TaskID, map[string]interface{}{"reason": "idle_nudged"})
		return
	}

	cause := "idle lockup: CLI waiting for input with work remaining"
	if err == nil {
		cause = fmt.Sprintf("idle lockup: %s", rep)
	}
	m.log(LogLevelWarn, "watchdog: task %s %s", sess.TaskID, cause)
	m.publish(broadcast.EventWatchdogAlert, sess.TaskID, map[string]interface{}{"reason": "idle_lockup"})
	w.failIfCurrent(ctx, sess, cause)
}

// failIfCurrent applies a failure verdict unless the session already moved.
func (w *Watchdog) failIfCurrent(ctx context.Context, sess *Session, cause string) {
	m := w.m
	m.transitions.Lock(sess.TaskID)
	defer m.transitions.Unlock(sess.TaskID)

	if !w.stillCurrent(sess) {
		return
	}
	m.failLocked(ctx, sess, sess.TaskID, cause)
}

// completeIfCurrent applies a completion verdict unless the session already
// moved. Review routing is the same as for a completion callback.
func (w *Watchdog) completeIfCurrent(ctx context.Context, sess *Session) {
	m := w.m
	m.transitions.Lock(sess.TaskID)
	defer m.transitions.Unlock(sess.TaskID)

	if !w.stillCurrent(sess) {
		return
	}
	task, err := m.store.GetTask(ctx, sess.TaskID)
	if err != nil || !model.Live(task.Status) {
		return
	}
	if err := m.completeLocked(ctx, task, sess, "watchdog"); err != nil {
		m.log(LogLevelWarn, "watchdog: task %s completion: %v", sess.TaskID, err)
	}
}

func (w *Watchdog) stillCurrent(sess *Session) bool {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	return w.m.session[sess.TaskID] == sess
}
