package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"taskdeck/internal/broadcast"
	"taskdeck/internal/cli"
	"taskdeck/internal/contextmgr"
	"taskdeck/internal/lock"
	"taskdeck/internal/model"
	"taskdeck/internal/notify"
	"taskdeck/internal/progress"
	"taskdeck/internal/prompt"
	"taskdeck/internal/store"
	"taskdeck/internal/term"
)

// LogLevel controls log verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel converts a config string to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// CLIFactory resolves a CLI adapter. Overridable for testing without the
// real binaries.
type CLIFactory func(kind model.CLIType) (cli.Adapter, error)

// TermFactory resolves a terminal adapter. Overridable for testing without a
// terminal emulator.
type TermFactory func(pref model.TerminalType) (term.Terminal, error)

// StatusReport is the advisory payload a spawned CLI POSTs back, competing
// with output parsing for the same transition.
type StatusReport struct {
	Status         model.Status `json:"status"`
	ContextPercent *float64     `json:"context_percent,omitempty"`
	Message        string       `json:"message,omitempty"`
}

// Options wires the manager's collaborators.
type Options struct {
	Store           store.Store
	Broadcaster     *broadcast.Broadcaster
	Tracker         *contextmgr.Tracker
	Checker         *progress.Checker
	Notifier        *notify.Notifier
	Prompts         *prompt.Renderer
	Logger          *log.Logger
	LogLevel        LogLevel
	Settings        model.Settings
	ScratchDir      string
	CallbackBaseURL string
}

// Manager owns the authoritative live-session registry, the active count,
// and the FIFO waiting queue. All task status transitions are serialized per
// task id through the transition arbiter.
type Manager struct {
	store    store.Store
	bus      *broadcast.Broadcaster
	tracker  *contextmgr.Tracker
	checker  *progress.Checker
	notifier *notify.Notifier
	prompts  *prompt.Renderer
	logger   *log.Logger
	logLevel LogLevel

	scratchDir   string
	callbackBase string

	settings atomic.Pointer[model.Settings]

	// transitions is the per-task arbiter: callback delivery, output
	// parsing, watchdog verdicts, and operator commands all contend here,
	// and the first legal transition wins.
	transitions *lock.KeyedMutex

	mu      sync.Mutex
	closed  bool
	active  int
	waiting []string
	session map[string]*Session
	epochs  map[string]uint64
	paused  map[string]bool

	cliFactory   CLIFactory
	termFactory  TermFactory
	pollInterval time.Duration
	stopGrace    time.Duration
	now          func() time.Time

	wg sync.WaitGroup
}

const (
	defaultPollInterval = 2 * time.Second
	defaultStopGrace    = 5 * time.Second
	captureTailLines    = 40
)

func NewManager(opts Options) *Manager {
	m := &Manager{
		store:        opts.Store,
		bus:          opts.Broadcaster,
		tracker:      opts.Tracker,
		checker:      opts.Checker,
		notifier:     opts.Notifier,
		prompts:      opts.Prompts,
		logger:       opts.Logger,
		logLevel:     opts.LogLevel,
		scratchDir:   opts.ScratchDir,
		callbackBase: opts.CallbackBaseURL,
		transitions:  lock.NewKeyedMutex(),
		session:      make(map[string]*Session),
		epochs:       make(map[string]uint64),
		paused:       make(map[string]bool),
		pollInterval: defaultPollInterval,
		stopGrace:    defaultStopGrace,
		now:          time.Now,
	}
	settings := opts.Settings
	m.settings.Store(&settings)
	m.cliFactory = func(kind model.CLIType) (cli.Adapter, error) {
		return cli.New(kind, opts.Prompts)
	}
	m.termFactory = term.Detect
	return m
}

// SetCLIFactory overrides CLI adapter resolution for testing.
func (m *Manager) SetCLIFactory(f CLIFactory) { m.cliFactory = f }

// SetTermFactory overrides terminal adapter resolution for testing.
func (m *Manager) SetTermFactory(f TermFactory) { m.termFactory = f }

// Settings returns the current immutable settings snapshot.
func (m *Manager) Settings() model.Settings { return *m.settings.Load() }

// UpdateSettings atomically publishes a new settings snapshot. In-flight
// operations keep the snapshot they started with.
func (m *Manager) UpdateSettings(s model.Settings) {
	m.settings.Store(&s)
	m.log(LogLevelInfo, "settings updated: max_concurrent=%d review=%t default_cli=%s",
		s.MaxConcurrent, s.ReviewEnabled, s.DefaultCLI)
	m.advanceQueue()
}

// Start admits a pending task: spawn if a slot is free, queue otherwise. A
// paused task resumes the same way, with the resume prompt instead of the
// initial one.
func (m *Manager) Start(ctx context.Context, taskID string) (StartResult, error) {
	return m.start(ctx, taskID, false)
}

func (m *Manager) start(ctx context.Context, taskID string, fromQueue bool) (StartResult, error) {
	m.transitions.Lock(taskID)
	defer m.transitions.Unlock(taskID)

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}

	resuming := false
	switch {
	case task.Status == model.StatusPending:
	case model.Live(task.Status) && m.isPaused(taskID):
		resuming = true
	default:
		return 0, fmt.Errorf("%w: task %s is %s", ErrInvalidState, taskID, task.Status)
	}

	settings := m.Settings()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if _, exists := m.session[taskID]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: task %s already has a session", ErrInvalidState, taskID)
	}
	if m.active >= settings.MaxConcurrent {
		m.enqueueLocked(taskID, fromQueue)
		active := m.active
		m.mu.Unlock()
		m.log(LogLevelInfo, "task %s queued (active=%d max=%d)", taskID, active, settings.MaxConcurrent)
		return Queued, nil
	}
	// Reserve the slot up front; every failure path below releases it.
	m.active++
	epoch := m.epochs[taskID] + 1
	m.epochs[taskID] = epoch
	m.mu.Unlock()

	adapter, err := m.cliFactory(task.EffectiveCLI(settings.DefaultCLI))
	if err == nil && !adapter.IsAvailable() {
		err = fmt.Errorf("%w: %s not installed", ErrAdapterUnavailable, adapter.Name())
	}
	if err != nil {
		m.releaseSlot()
		return 0, err
	}

	kind := prompt.KindInitial
	if resuming {
		kind = prompt.KindResume
	}
	vars := prompt.VarsForTask(task, adapter.Type(), task.EffectiveReview(settings.ReviewEnabled), m.callbackBase)
	text, err := m.prompts.Render(kind, vars)
	if err != nil {
		m.releaseSlot()
		return 0, err
	}

	sess, err := m.spawn(ctx, task, epoch, adapter, text, settings)
	if err != nil {
		m.releaseSlot()
		return 0, err
	}

	status := task.Status
	if !resuming {
		status = model.StatusInProgress
	}
	sess.setStatus(status)

	m.mu.Lock()
	m.session[taskID] = sess
	delete(m.paused, taskID)
	m.mu.Unlock()

	if !resuming {
		if err := m.store.UpdateStatus(ctx, taskID, model.StatusInProgress, ""); err != nil {
			m.log(LogLevelError, "task %s: persist in_progress failed: %v", taskID, err)
		}
	}
	if sess.Handle.PID > 0 {
		if err := m.store.UpdatePID(ctx, taskID, sess.Handle.PID); err != nil {
			m.log(LogLevelWarn, "task %s: persist pid failed: %v", taskID, err)
		}
	}
	m.tracker.Register(taskID, epoch, sess.StartedAt)

	m.wg.Add(1)
	go m.monitor(sess)

	m.log(LogLevelInfo, "task %s started: cli=%s terminal=%s epoch=%d pid=%d",
		taskID, adapter.Type(), sess.Terminal.Type(), epoch, sess.Handle.PID)
	m.publish(broadcast.EventSessionStarted, taskID, nil)
	m.publishStatus(taskID, status)
	return Started, nil
}

// Stop is the operator stop: a running task returns to pending, a reviewing
// task keeps its completed work. Stopping a task with no session dequeues it
// and succeeds.
func (m *Manager) Stop(ctx context.Context, taskID string) error {
	m.transitions.Lock(taskID)
	defer m.transitions.Unlock(taskID)

	m.dequeue(taskID)

	m.mu.Lock()
	sess := m.session[taskID]
	m.mu.Unlock()
	if sess == nil {
		return nil
	}

	target := model.StatusPending
	if sess.Status() == model.StatusInReviewing {
		// The primary work is done; an operator stop during review keeps it.
		target = model.StatusCompleted
	}
	m.finishLocked(ctx, sess, target, "")
	return nil
}

// Pause frees the task's slot without changing its status. The task resumes
// through Start, which replays it with the resume prompt.
func (m *Manager) Pause(ctx context.Context, taskID string) error {
	m.transitions.Lock(taskID)
	defer m.transitions.Unlock(taskID)

	m.mu.Lock()
	sess := m.session[taskID]
	m.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("%w: task %s has no session", ErrInvalidState, taskID)
	}

	sess.setPhase(model.PhasePaused)
	m.teardown(sess)
	m.mu.Lock()
	delete(m.session, taskID)
	m.active--
	m.paused[taskID] = true
	m.mu.Unlock()

	m.log(LogLevelInfo, "task %s paused, slot freed", taskID)
	m.publish(broadcast.EventSessionStopped, taskID, map[string]interface{}{"reason": "paused"})
	m.publishStatus(taskID, sess.Status())
	m.advanceQueue()
	return nil
}

// StopAll stops every live session. Stops are independent; all failures are
// collected. The waiting queue is drained first so freed slots do not admit
// new sessions mid-shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.waiting = nil
	ids := make([]string, 0, len(m.session))
	for id := range m.session {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Stop(ctx, id); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Restart tears the task's session down and spawns a replacement with the
// resume prompt, keeping the slot. Driven by the context manager and the
// operator; admission control is bypassed.
func (m *Manager) Restart(ctx context.Context, taskID, reason string) error {
	m.transitions.Lock(taskID)
	defer m.transitions.Unlock(taskID)

	m.mu.Lock()
	sess := m.session[taskID]
	m.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("%w: task %s has no session", ErrInvalidState, taskID)
	}
	return m.restartLocked(ctx, taskID, sess, reason)
}

// restartLocked does the restart body. Caller holds the task's transition
// arbiter and has already resolved sess as current under it.
func (m *Manager) restartLocked(ctx context.Context, taskID string, sess *Session, reason string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	settings := m.Settings()
	vars := prompt.VarsForTask(task, sess.Adapter.Type(), task.EffectiveReview(settings.ReviewEnabled), m.callbackBase)
	text, err := sess.Adapter.ResumePrompt(task, vars)
	if err != nil {
		return err
	}

	m.log(LogLevelInfo, "task %s restarting (reason: %s)", taskID, reason)
	if err := m.replaceSession(ctx, task, sess, sess.Adapter, text, sess.Status(), settings); err != nil {
		return err
	}
	m.publish(broadcast.EventSessionRestarted, taskID, map[string]interface{}{"reason": reason})
	return nil
}

// NotifyStatus is the CLI callback entry point. It feeds context
// observations and heartbeats, and arbitrates reported completion and
// failure against the transitions already applied by output parsing or the
// watchdog. Stale reports for terminal tasks are dropped silently.
func (m *Manager) NotifyStatus(ctx context.Context, taskID string, rep StatusReport) error {
	m.transitions.Lock(taskID)
	defer m.transitions.Unlock(taskID)

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sess := m.session[taskID]
	m.mu.Unlock()

	if sess != nil {
		sess.Touch(m.now())
		if rep.ContextPercent != nil {
			if pct, ok := m.tracker.Observe(taskID, sess.Epoch, *rep.ContextPercent); ok {
				sess.setContext(pct)
				m.publish(broadcast.EventContextUpdate, taskID, map[string]interface{}{"percent": pct})
			}
		}
	}

	switch rep.Status {
	case model.StatusInProgress:
		// Heartbeat only.
		return nil
	case model.StatusCompleted:
		if task.Status.IsTerminal() || task.Status == model.StatusCompleted {
			return nil
		}
		if !model.Live(task.Status) {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidState, taskID, task.Status)
		}
		return m.completeLocked(ctx, task, sess, "callback")
	case model.StatusFailed:
		if task.Status.IsTerminal() {
			return nil
		}
		if !model.Live(task.Status) {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidState, taskID, task.Status)
		}
		m.failLocked(ctx, sess, taskID, rep.Message)
		return nil
	default:
		return fmt.Errorf("%w: unknown reported status %q", ErrInvalidState, rep.Status)
	}
}

// Snapshot builds the point-in-time session pool view for subscribers.
func (m *Manager) Snapshot() model.Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.session))
	for _, s := range m.session {
		sessions = append(sessions, s)
	}
	active := m.active
	m.mu.Unlock()

	snap := model.Snapshot{
		Sessions:      make([]model.SessionInfo, 0, len(sessions)),
		Count:         active,
		MaxConcurrent: m.Settings().MaxConcurrent,
		PublishedAt:   m.now().UTC(),
	}
	for _, s := range sessions {
		snap.Sessions = append(snap.Sessions, s.Info())
	}
	return snap
}

// QueueLength reports how many tasks are waiting for a slot.
func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// ActiveCount reports the number of sessions holding slots.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Shutdown stops all monitors and refuses further work. Terminal windows
// are left running: their tasks stay in_progress in the store and startup
// recovery deals with them on the next run.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.waiting = nil
	sessions := make([]*Session, 0, len(m.session))
	for _, s := range m.session {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.requestStop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverStartup resolves tasks persisted as live by a previous process. A
// terminal spawned by a dead daemon cannot be re-attached; if the recorded
// PID is still running the task is left alone for the operator, otherwise it
// is failed with a recovery cause.
func (m *Manager) RecoverStartup(ctx context.Context) error {
	tasks, err := m.store.ListTasksByStatus(ctx, model.StatusInProgress, model.StatusInReviewing)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.LastPID > 0 && term.ProcessAlive(t.LastPID) {
			m.log(LogLevelWarn, "task %s: pid %d from a previous run is still alive, failing task but leaving the process",
				t.ID, t.LastPID)
		}
		cause := "recovery failed: daemon restarted while session was live"
		if err := m.store.UpdateStatus(ctx, t.ID, model.StatusFailed, cause); err != nil {
			m.log(LogLevelError, "task %s: recovery update failed: %v", t.ID, err)
			continue
		}
		m.log(LogLevelInfo, "task %s: recovered as failed after restart", t.ID)
		m.publishStatus(t.ID, model.StatusFailed)
	}
	return nil
}

// ---- internal machinery ----

type spawnOut struct {
	handle *term.Handle
	err    error
}

// spawn renders nothing; it takes the already-rendered prompt text, writes
// the scratch file, and opens the terminal window within the spawn timeout.
// All or nothing: on error no file, handle, or registry entry survives.
func (m *Manager) spawn(ctx context.Context, task model.Task, epoch uint64,
	adapter cli.Adapter, promptText string, settings model.Settings) (*Session, error) {

	terminal, err := m.termFactory(settings.Terminal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}

	promptFile := filepath.Join(m.scratchDir, fmt.Sprintf("%s_%d.md", task.ID, epoch))
	if err := os.WriteFile(promptFile, []byte(promptText), 0o644); err != nil {
		return nil, fmt.Errorf("%w: write prompt file: %v", ErrSpawnFailed, err)
	}

	argv := adapter.LaunchCommand(task.ProjectDir, promptFile, settings.DangerousApproval)

	spawnCtx, cancel := context.WithTimeout(ctx, settings.SpawnTimeout)
	defer cancel()
	ch := make(chan spawnOut, 1)
	go func() {
		h, err := terminal.Spawn(spawnCtx, task.ProjectDir, argv)
		ch <- spawnOut{handle: h, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			os.Remove(promptFile)
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, out.err)
		}
		return newSession(task.ID, epoch, adapter, terminal, out.handle, promptFile,
			model.StatusInProgress, m.now()), nil
	case <-time.After(settings.SpawnTimeout):
		// A late success must not leak a window.
		go func() {
			if out := <-ch; out.handle != nil {
				terminal.Close(context.Background(), out.handle)
			}
		}()
		os.Remove(promptFile)
		return nil, fmt.Errorf("%w after %s", ErrSpawnTimeout, settings.SpawnTimeout)
	}
}

// replaceSession swaps the running session for a fresh one without slot
// movement. On spawn failure the slot is released and the task fails.
func (m *Manager) replaceSession(ctx context.Context, task model.Task, old *Session,
	adapter cli.Adapter, promptText string, status model.Status, settings model.Settings) error {

	m.teardown(old)
	m.tracker.Forget(task.ID, old.Epoch)

	m.mu.Lock()
	epoch := m.epochs[task.ID] + 1
	m.epochs[task.ID] = epoch
	m.mu.Unlock()

	sess, err := m.spawn(ctx, task, epoch, adapter, promptText, settings)
	if err != nil {
		m.mu.Lock()
		delete(m.session, task.ID)
		m.active--
		m.mu.Unlock()
		cause := fmt.Sprintf("restart spawn failed: %v", err)
		if uerr := m.store.UpdateStatus(ctx, task.ID, model.StatusFailed, cause); uerr != nil {
			m.log(LogLevelError, "task %s: persist failed status: %v", task.ID, uerr)
		}
		m.log(LogLevelError, "task %s: %s", task.ID, cause)
		m.publishStatus(task.ID, model.StatusFailed)
		m.notifyAsync(task, model.StatusFailed, cause)
		m.advanceQueue()
		return err
	}
	sess.setStatus(status)

	m.mu.Lock()
	m.session[task.ID] = sess
	m.mu.Unlock()

	if sess.Handle.PID > 0 {
		if err := m.store.UpdatePID(ctx, task.ID, sess.Handle.PID); err != nil {
			m.log(LogLevelWarn, "task %s: persist pid failed: %v", task.ID, err)
		}
	}
	m.tracker.Register(task.ID, epoch, sess.StartedAt)
	m.wg.Add(1)
	go m.monitor(sess)
	return nil
}

// completeLocked handles a completion signal for a live task. Caller holds
// the transition arbiter. in_progress either enters review with a different
// CLI or finishes; in_reviewing finishes.
func (m *Manager) completeLocked(ctx context.Context, task model.Task, sess *Session, via string) error {
	settings := m.Settings()

	if task.Status == model.StatusInProgress && task.EffectiveReview(settings.ReviewEnabled) && sess != nil {
		reviewKind := settings.ReviewCLIFor(sess.Adapter.Type())
		reviewer, err := m.cliFactory(reviewKind)
		if err == nil && !reviewer.IsAvailable() {
			err = fmt.Errorf("%w: %s not installed", ErrAdapterUnavailable, reviewer.Name())
		}
		if err != nil {
			// Review is best-effort on top of finished work; without a
			// reviewer the task still completed.
			m.log(LogLevelWarn, "task %s: review skipped: %v", task.ID, err)
			m.finishLocked(ctx, sess, model.StatusCompleted, "")
			return nil
		}

		vars := prompt.VarsForTask(task, reviewKind, true, m.callbackBase)
		text, err := m.prompts.Render(prompt.KindReview, vars)
		if err != nil {
			m.log(LogLevelWarn, "task %s: review prompt failed, completing without review: %v", task.ID, err)
			m.finishLocked(ctx, sess, model.StatusCompleted, "")
			return nil
		}

		if err := m.store.UpdateStatus(ctx, task.ID, model.StatusInReviewing, ""); err != nil {
			return err
		}
		m.log(LogLevelInfo, "task %s completed via %s, entering review with %s", task.ID, via, reviewKind)
		if err := m.replaceSession(ctx, task, sess, reviewer, text, model.StatusInReviewing, settings); err != nil {
			return err
		}
		m.publishStatus(task.ID, model.StatusInReviewing)
		return nil
	}

	m.log(LogLevelInfo, "task %s completed via %s", task.ID, via)
	if sess != nil {
		m.finishLocked(ctx, sess, model.StatusCompleted, "")
		return nil
	}
	if err := m.store.UpdateStatus(ctx, task.ID, model.StatusCompleted, ""); err != nil {
		return err
	}
	m.publishStatus(task.ID, model.StatusCompleted)
	m.notifyAsync(task, model.StatusCompleted, "")
	return nil
}

// failLocked routes a live task to failed. Caller holds the arbiter.
func (m *Manager) failLocked(ctx context.Context, sess *Session, taskID, cause string) {
	if sess != nil {
		m.finishLocked(ctx, sess, model.StatusFailed, cause)
		return
	}
	if err := m.store.UpdateStatus(ctx, taskID, model.StatusFailed, cause); err != nil {
		m.log(LogLevelError, "task %s: persist failed status: %v", taskID, err)
		return
	}
	m.publishStatus(taskID, model.StatusFailed)
	if task, err := m.store.GetTask(ctx, taskID); err == nil {
		m.notifyAsync(task, model.StatusFailed, cause)
	}
}

// finishLocked tears a session down, persists the target status, publishes,
// notifies, and advances the queue. Caller holds the arbiter.
func (m *Manager) finishLocked(ctx context.Context, sess *Session, target model.Status, cause string) {
	m.teardown(sess)
	m.tracker.Forget(sess.TaskID, sess.Epoch)

	m.mu.Lock()
	delete(m.session, sess.TaskID)
	m.active--
	m.mu.Unlock()

	if err := m.store.UpdateStatus(ctx, sess.TaskID, target, cause); err != nil {
		m.log(LogLevelError, "task %s: persist %s failed: %v", sess.TaskID, target, err)
	}

	m.log(LogLevelInfo, "task %s session ended: status=%s cause=%q", sess.TaskID, target, cause)
	m.publish(broadcast.EventSessionStopped, sess.TaskID, map[string]interface{}{"status": string(target)})
	m.publishStatus(sess.TaskID, target)

	if target == model.StatusCompleted || target == model.StatusFailed {
		if task, err := m.store.GetTask(ctx, sess.TaskID); err == nil {
			m.notifyAsync(task, target, cause)
		}
	}
	m.advanceQueue()
}

// teardown stops the monitor and closes the window within the grace period.
// The scratch prompt file goes with it.
func (m *Manager) teardown(sess *Session) {
	sess.requestStop()
	ctx, cancel := context.WithTimeout(context.Background(), m.stopGrace)
	defer cancel()
	if err := sess.Terminal.Close(ctx, sess.Handle); err != nil {
		m.log(LogLevelWarn, "task %s: terminal close: %v", sess.TaskID, err)
	}
	if sess.PromptFile != "" {
		os.Remove(sess.PromptFile)
	}
}

func (m *Manager) releaseSlot() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	m.advanceQueue()
}

func (m *Manager) enqueueLocked(taskID string, front bool) {
	for _, id := range m.waiting {
		if id == taskID {
			return
		}
	}
	if front {
		m.waiting = append([]string{taskID}, m.waiting...)
		return
	}
	m.waiting = append(m.waiting, taskID)
}

func (m *Manager) dequeue(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range m.waiting {
		if id == taskID {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return
		}
	}
}

// advanceQueue admits the oldest waiting task when a slot is free. The
// admission runs off-thread; if the slot is gone by then, the task is put
// back at the front of the queue.
func (m *Manager) advanceQueue() {
	m.mu.Lock()
	if m.closed || len(m.waiting) == 0 || m.active >= m.Settings().MaxConcurrent {
		m.mu.Unlock()
		return
	}
	taskID := m.waiting[0]
	m.waiting = m.waiting[1:]
	m.mu.Unlock()

	m.log(LogLevelInfo, "admitting queued task %s", taskID)
	m.publish(broadcast.EventQueueAdvanced, taskID, nil)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.start(context.Background(), taskID, true); err != nil {
			m.log(LogLevelWarn, "queued task %s failed to start: %v", taskID, err)
		}
	}()
}

func (m *Manager) isPaused(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[taskID]
}

func (m *Manager) notifyAsync(task model.Task, status model.Status, cause string) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyAsync(context.Background(), task, status, cause)
}

func (m *Manager) publishStatus(taskID string, status model.Status) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(broadcast.EventStatusChanged, taskID, map[string]interface{}{
		"status":   string(status),
		"snapshot": m.Snapshot(),
	})
}

func (m *Manager) publish(typ broadcast.EventType, taskID string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(typ, taskID, data)
}

func (m *Manager) log(level LogLevel, format string, args ...any) {
	if m.logger == nil || level < m.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	m.logger.Printf("%s %s session: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
