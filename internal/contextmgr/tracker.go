// Package contextmgr estimates how much model context each session has left
// and advises when a restart is due. It never acts on its own; the session
// manager owns the restart.
package contextmgr

import (
	"strconv"
	"sync"
	"time"
)

// Sample is one accepted context observation.
type Sample struct {
	Percent float64
	At      time.Time
}

const trendWindow = 10

// sessionState is the per-epoch record. A restart replaces it wholesale, so
// the monotone-decreasing rule never compares across epochs.
type sessionState struct {
	startedAt   time.Time
	lastPercent float64
	observed    bool
	trend       []Sample
}

// Tracker maintains context estimates keyed by (task id, session epoch).
type Tracker struct {
	mu           sync.Mutex
	sessions     map[string]*sessionState
	thresholdPct float64
	minimumRun   time.Duration
	// maxUnobservedRun caps how long a session may run when the adapter
	// never yields a percentage. Zero disables the fallback.
	maxUnobservedRun time.Duration
	now              func() time.Time
}

func sessionKey(taskID string, epoch uint64) string {
	return taskID + "#" + strconv.FormatUint(epoch, 10)
}

func New(thresholdPct float64, minimumRun, maxUnobservedRun time.Duration) *Tracker {
	return &Tracker{
		sessions:         make(map[string]*sessionState),
		thresholdPct:     thresholdPct,
		minimumRun:       minimumRun,
		maxUnobservedRun: maxUnobservedRun,
		now:              time.Now,
	}
}

// Register starts tracking a session epoch from startedAt.
func (t *Tracker) Register(taskID string, epoch uint64, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionKey(taskID, epoch)] = &sessionState{startedAt: startedAt}
}

// Forget drops all state for a session epoch.
func (t *Tracker) Forget(taskID string, epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionKey(taskID, epoch))
}

// Observe feeds a parsed context percentage. Within one epoch the estimate
// only moves down; a reading above the current estimate is stale screen
// content and is discarded. Returns the accepted estimate and whether the
// observation was applied.
func (t *Tracker) Observe(taskID string, epoch uint64, percent float64) (float64, bool) {
	if percent < 0 || percent > 100 {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionKey(taskID, epoch)]
	if !ok {
		return 0, false
	}
	if s.observed && percent > s.lastPercent {
		return s.lastPercent, false
	}
	s.lastPercent = percent
	s.observed = true
	s.trend = append(s.trend, Sample{Percent: percent, At: t.now()})
	if len(s.trend) > trendWindow {
		s.trend = s.trend[len(s.trend)-trendWindow:]
	}
	return percent, true
}

// Percent returns the current estimate for a session epoch.
func (t *Tracker) Percent(taskID string, epoch uint64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionKey(taskID, epoch)]
	if !ok || !s.observed {
		return 0, false
	}
	return s.lastPercent, true
}

// ShouldRestart reports whether the session is due for a context restart:
// the estimate is at or below the threshold and the session has run long
// enough that a spurious low reading at startup cannot trigger flapping.
// Sessions with no estimate at all fall back to wall-clock age.
func (t *Tracker) ShouldRestart(taskID string, epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionKey(taskID, epoch)]
	if !ok {
		return false
	}
	age := t.now().Sub(s.startedAt)
	if age < t.minimumRun {
		return false
	}
	if !s.observed {
		return t.maxUnobservedRun > 0 && age >= t.maxUnobservedRun
	}
	return s.lastPercent <= t.thresholdPct
}

// Trend returns the recent accepted samples for a session epoch, newest
// last.
func (t *Tracker) Trend(taskID string, epoch uint64) []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionKey(taskID, epoch)]
	if !ok {
		return nil
	}
	out := make([]Sample, len(s.trend))
	copy(out, s.trend)
	return out
}
