package session

import (
	"context"
	"errors"
	"time"

	"taskdeck/internal/broadcast"
	"taskdeck/internal/model"
	"taskdeck/internal/term"
)

// monitor is the per-session worker: it owns the session's output stream,
// feeds the context tracker, and advises restarts. It never mutates task
// state directly; terminal conditions go through the manager's arbiter.
func (m *Manager) monitor(sess *Session) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	captureBroken := false
	for {
		select {
		case <-sess.stopCh:
			return
		case <-ticker.C:
		}
		if captureBroken {
			continue
		}
		captureBroken = !m.pollSession(sess)
	}
}

// pollSession reads one output sample. Returns false when this terminal
// cannot capture at all, which disables further polling; liveness and the
// callback path still cover the session.
func (m *Manager) pollSession(sess *Session) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.pollInterval)
	defer cancel()

	tail, err := sess.Terminal.Capture(ctx, sess.Handle, captureTailLines)
	if errors.Is(err, term.ErrCaptureUnsupported) {
		m.log(LogLevelDebug, "task %s: capture unsupported on %s, relying on callbacks",
			sess.TaskID, sess.Terminal.Name())
		return false
	}
	if err != nil {
		m.log(LogLevelDebug, "task %s: capture: %v", sess.TaskID, err)
		return true
	}

	if sess.observeTail(tail, m.now()) {
		m.log(LogLevelDebug, "task %s: output activity", sess.TaskID)
	}

	if pct, ok := sess.Adapter.ParseContextRemaining(tail); ok {
		if accepted, applied := m.tracker.Observe(sess.TaskID, sess.Epoch, pct); applied {
			sess.setContext(accepted)
			m.publish(broadcast.EventContextUpdate, sess.TaskID, map[string]interface{}{
				"percent": accepted,
			})
		}
	}

	if sess.Phase() == model.PhaseRunning && m.tracker.ShouldRestart(sess.TaskID, sess.Epoch) {
		// restartIfCurrent re-checks the epoch under the arbiter, so
		// concurrent advisories collapse into a single restart.
		epoch := sess.Epoch
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.restartIfCurrent(sess.TaskID, epoch, "context exhausted")
		}()
	}
	return true
}

// restartIfCurrent runs a context restart only if the session epoch has not
// moved since the advisory fired. The epoch check happens under the task's
// transition arbiter, so an advisory that lost the race to a concurrent
// restart or stop sees the replacement session's epoch and drops out.
func (m *Manager) restartIfCurrent(taskID string, epoch uint64, reason string) {
	m.transitions.Lock(taskID)
	defer m.transitions.Unlock(taskID)

	m.mu.Lock()
	sess := m.session[taskID]
	m.mu.Unlock()
	if sess == nil || sess.Epoch != epoch {
		return
	}
	if err := m.restartLocked(context.Background(), taskID, sess, reason); err != nil {
		m.log(LogLevelWarn, "task %s: context restart failed: %v", taskID, err)
	}
}
