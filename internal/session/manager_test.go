package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdeck/internal/broadcast"
	"taskdeck/internal/cli"
	"taskdeck/internal/contextmgr"
	"taskdeck/internal/model"
	"taskdeck/internal/progress"
	"taskdeck/internal/prompt"
	"taskdeck/internal/store"
	"taskdeck/internal/term"
)

// ---- in-memory store ----

type memStore struct {
	mu       sync.Mutex
	tasks    map[string]model.Task
	settings map[string]string
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]model.Task), settings: make(map[string]string)}
}

func (s *memStore) CreateTask(ctx context.Context, t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *memStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (s *memStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *memStore) ListTasksByStatus(ctx context.Context, statuses ...model.Status) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.tasks {
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id string, status model.Status, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	t.LastError = lastErr
	t.UpdatedAt = time.Now()
	if status == model.StatusCompleted && t.CompletedAt == nil {
		now := time.Now()
		t.CompletedAt = &now
	}
	s.tasks[id] = t
	return nil
}

func (s *memStore) UpdatePID(ctx context.Context, id string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.LastPID = pid
	s.tasks[id] = t
	return nil
}

func (s *memStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *memStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *memStore) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *memStore) AllSettings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) status(t *testing.T, id string) model.Status {
	t.Helper()
	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

// ---- fake CLI adapter ----

type fakeAdapter struct {
	kind      model.CLIType
	available bool
	idleTails []string
	parse     func(string) (float64, bool)
}

func (a *fakeAdapter) Type() model.CLIType { return a.kind }
func (a *fakeAdapter) Name() string        { return "fake-" + string(a.kind) }
func (a *fakeAdapter) IsAvailable() bool   { return a.available }

func (a *fakeAdapter) LaunchCommand(dir, promptFile string, dangerous bool) []string {
	return []string{string(a.kind), promptFile}
}

func (a *fakeAdapter) ParseContextRemaining(chunk string) (float64, bool) {
	if a.parse == nil {
		return 0, false
	}
	return a.parse(chunk)
}

func (a *fakeAdapter) IdleSignature(tail string) bool {
	for _, sig := range a.idleTails {
		if strings.Contains(tail, sig) {
			return true
		}
	}
	return false
}

func (a *fakeAdapter) ResumePrompt(t model.Task, vars prompt.Vars) (string, error) {
	return "resume " + t.ID, nil
}

// parseCtxMarker reads "ctx:NN" markers from fake terminal output.
func parseCtxMarker(chunk string) (float64, bool) {
	i := strings.LastIndex(chunk, "ctx:")
	if i < 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(chunk[i+4:]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ---- fake terminal ----

type spawnRec struct {
	dir    string
	argv   []string
	handle *term.Handle
}

type fakeTerminal struct {
	mu          sync.Mutex
	spawns      []spawnRec
	closes      []string
	spawnErr    error
	spawnDelay  time.Duration
	liveness    term.Liveness
	captureText string
	captureErr  error
	spawnPID    int
	nextWindow  int
	sent        []string
	sendErr     error
}

func (f *fakeTerminal) Type() model.TerminalType { return model.TerminalKitty }
func (f *fakeTerminal) Name() string             { return "fake terminal" }
func (f *fakeTerminal) IsAvailable() bool        { return true }

func (f *fakeTerminal) Spawn(ctx context.Context, dir string, argv []string) (*term.Handle, error) {
	if f.spawnDelay > 0 {
		select {
		case <-time.After(f.spawnDelay):
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.nextWindow++
	h := &term.Handle{
		Terminal: model.TerminalKitty,
		WindowID: fmt.Sprintf("w%d", f.nextWindow),
		PID:      f.spawnPID,
	}
	f.spawns = append(f.spawns, spawnRec{dir: dir, argv: argv, handle: h})
	return h, nil
}

func (f *fakeTerminal) IsAlive(ctx context.Context, h *term.Handle) term.Liveness {
	if h == nil {
		panic("nil handle")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveness
}

func (f *fakeTerminal) Close(ctx context.Context, h *term.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, h.WindowID)
	return nil
}

func (f *fakeTerminal) SendText(ctx context.Context, h *term.Handle, text string, submit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTerminal) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTerminal) Capture(ctx context.Context, h *term.Handle, lastN int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captureText, f.captureErr
}

func (f *fakeTerminal) setCapture(text string) {
	f.mu.Lock()
	f.captureText = text
	f.mu.Unlock()
}

func (f *fakeTerminal) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func (f *fakeTerminal) lastSpawn() spawnRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns[len(f.spawns)-1]
}

// ---- fixture ----

type fixture struct {
	t    *testing.T
	m    *Manager
	st   *memStore
	term *fakeTerminal
	bus  *broadcast.Broadcaster
}

func newFixture(t *testing.T, settings model.Settings) *fixture {
	t.Helper()
	renderer, err := prompt.NewRenderer()
	require.NoError(t, err)

	st := newMemStore()
	bus := broadcast.New(64)
	t.Cleanup(bus.Close)

	m := NewManager(Options{
		Store:           st,
		Broadcaster:     bus,
		Tracker:         contextmgr.New(settings.ContextThreshold, settings.MinimumRun, 0),
		Checker:         progress.NewChecker(),
		Prompts:         renderer,
		Settings:        settings,
		ScratchDir:      t.TempDir(),
		CallbackBaseURL: "http://127.0.0.1:8086",
	})
	// Keep the monitor ticker out of the way; tests drive polls directly.
	m.pollInterval = time.Hour
	m.stopGrace = 100 * time.Millisecond

	ft := &fakeTerminal{liveness: term.LivenessAlive}
	m.SetTermFactory(func(pref model.TerminalType) (term.Terminal, error) { return ft, nil })
	m.SetCLIFactory(func(kind model.CLIType) (cli.Adapter, error) {
		return &fakeAdapter{kind: kind, available: true, parse: parseCtxMarker, idleTails: []string{"IDLE"}}, nil
	})

	return &fixture{t: t, m: m, st: st, term: ft, bus: bus}
}

func quickSettings() model.Settings {
	s := model.DefaultSettings()
	s.SpawnTimeout = 500 * time.Millisecond
	s.MinimumRun = 0
	return s
}

func (f *fixture) addTask(id string, status model.Status) model.Task {
	task := model.Task{
		ID:         id,
		ProjectDir: f.t.TempDir(),
		DocPath:    "PLAN.md",
		Status:     status,
		CreatedAt:  time.Now(),
	}
	require.NoError(f.t, f.st.CreateTask(context.Background(), task))
	return task
}

func (f *fixture) session(id string) *Session {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.m.session[id]
}

// ---- tests ----

func TestStartHappyPath(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)

	ch, cancel := f.bus.Subscribe()
	defer cancel()

	res, err := f.m.Start(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, Started, res)
	assert.Equal(t, model.StatusInProgress, f.st.status(t, "t1"))
	assert.Equal(t, 1, f.m.ActiveCount())
	require.NotNil(t, f.session("t1"))
	assert.Equal(t, uint64(1), f.session("t1").Epoch)

	// The scratch prompt file referenced in argv carries the rendered
	// initial prompt.
	rec := f.term.lastSpawn()
	data, err := os.ReadFile(rec.argv[1])
	require.NoError(t, err)
	assert.Contains(t, string(data), "@PLAN.md")
	assert.Contains(t, string(data), "/api/tasks/t1/notify-status")

	ev := <-ch
	assert.Equal(t, broadcast.EventSessionStarted, ev.Type)
}

func TestStartRejectsNonPending(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusCompleted)

	_, err := f.m.Start(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrInvalidState)

	f.addTask("t2", model.StatusInProgress)
	_, err = f.m.Start(context.Background(), "t2")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStartUnknownTask(t *testing.T) {
	f := newFixture(t, quickSettings())
	_, err := f.m.Start(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartAdapterUnavailable(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	f.m.SetCLIFactory(func(kind model.CLIType) (cli.Adapter, error) {
		return &fakeAdapter{kind: kind, available: false}, nil
	})

	_, err := f.m.Start(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.Equal(t, model.StatusPending, f.st.status(t, "t1"))
	assert.Equal(t, 0, f.m.ActiveCount())
}

func TestStartRollbackOnSpawnFailure(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	f.term.spawnErr = fmt.Errorf("display not found")

	_, err := f.m.Start(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.Equal(t, model.StatusPending, f.st.status(t, "t1"))
	assert.Equal(t, 0, f.m.ActiveCount())
	assert.Nil(t, f.session("t1"))
}

func TestStartSpawnTimeout(t *testing.T) {
	settings := quickSettings()
	settings.SpawnTimeout = 50 * time.Millisecond
	f := newFixture(t, settings)
	f.addTask("t1", model.StatusPending)
	f.term.spawnDelay = 300 * time.Millisecond

	_, err := f.m.Start(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrSpawnTimeout)
	assert.Equal(t, model.StatusPending, f.st.status(t, "t1"))
	assert.Equal(t, 0, f.m.ActiveCount())

	// The late window must be closed, not leaked.
	assert.Eventually(t, func() bool {
		f.term.mu.Lock()
		defer f.term.mu.Unlock()
		return len(f.term.closes) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdmissionQueueFIFO(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 2
	f := newFixture(t, settings)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		f.addTask(id, model.StatusPending)
	}

	ctx := context.Background()
	res, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Started, res)
	res, err = f.m.Start(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, Started, res)

	res, err = f.m.Start(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, Queued, res)
	res, err = f.m.Start(ctx, "t4")
	require.NoError(t, err)
	assert.Equal(t, Queued, res)

	assert.Equal(t, 2, f.m.ActiveCount())
	assert.Equal(t, 2, f.m.QueueLength())
	assert.Equal(t, model.StatusPending, f.st.status(t, "t3"))

	// Freeing one slot admits the oldest queued task without a new call.
	require.NoError(t, f.m.Stop(ctx, "t1"))
	assert.Eventually(t, func() bool {
		return f.session("t3") != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, f.session("t4"))
	assert.Equal(t, 2, f.m.ActiveCount())
	assert.Equal(t, 1, f.m.QueueLength())
}

func TestStartThenStopLaw(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.m.Stop(ctx, "t1"))

	assert.Equal(t, model.StatusPending, f.st.status(t, "t1"))
	assert.Equal(t, 0, f.m.ActiveCount())
	assert.Nil(t, f.session("t1"))
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	assert.NoError(t, f.m.Stop(context.Background(), "t1"))
}

func TestStopDequeuesWaitingTask(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 1
	f := newFixture(t, settings)
	f.addTask("t1", model.StatusPending)
	f.addTask("t2", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	res, err := f.m.Start(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, Queued, res)

	require.NoError(t, f.m.Stop(ctx, "t2"))
	assert.Equal(t, 0, f.m.QueueLength())

	// Freeing t1's slot must not resurrect t2.
	require.NoError(t, f.m.Stop(ctx, "t1"))
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, f.session("t2"))
}

func TestCallbackCompletedNoReview(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, f.m.NotifyStatus(ctx, "t1", StatusReport{Status: model.StatusCompleted}))
	assert.Equal(t, model.StatusCompleted, f.st.status(t, "t1"))
	assert.Equal(t, 0, f.m.ActiveCount())
	assert.Nil(t, f.session("t1"))

	task, err := f.st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.NotNil(t, task.CompletedAt)
}

func TestCallbackCrossReview(t *testing.T) {
	settings := quickSettings()
	settings.ReviewEnabled = true
	settings.DefaultCLI = model.CLIClaudeCode
	settings.ReviewCLI = model.CLICodex
	f := newFixture(t, settings)
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	first := f.session("t1")
	require.Equal(t, model.CLIClaudeCode, first.Adapter.Type())

	require.NoError(t, f.m.NotifyStatus(ctx, "t1", StatusReport{Status: model.StatusCompleted}))

	assert.Equal(t, model.StatusInReviewing, f.st.status(t, "t1"))
	reviewer := f.session("t1")
	require.NotNil(t, reviewer)
	assert.Equal(t, model.CLICodex, reviewer.Adapter.Type())
	assert.Greater(t, reviewer.Epoch, first.Epoch)
	assert.Equal(t, 1, f.m.ActiveCount())

	// Review completion finishes the task.
	require.NoError(t, f.m.NotifyStatus(ctx, "t1", StatusReport{Status: model.StatusCompleted}))
	assert.Equal(t, model.StatusCompleted, f.st.status(t, "t1"))
	assert.Equal(t, 0, f.m.ActiveCount())
}

func TestStopDuringReviewYieldsCompleted(t *testing.T) {
	settings := quickSettings()
	settings.ReviewEnabled = true
	f := newFixture(t, settings)
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.m.NotifyStatus(ctx, "t1", StatusReport{Status: model.StatusCompleted}))
	require.Equal(t, model.StatusInReviewing, f.st.status(t, "t1"))

	require.NoError(t, f.m.Stop(ctx, "t1"))
	assert.Equal(t, model.StatusCompleted, f.st.status(t, "t1"))
}

func TestCallbackCannotRegressCompleted(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.m.NotifyStatus(ctx, "t1", StatusReport{Status: model.StatusCompleted}))

	// Late in_progress and duplicate completed reports are dropped quietly.
	assert.NoError(t, f.m.NotifyStatus(ctx, "t1", StatusReport{Status: model.StatusInProgress}))
	assert.NoError(t, f.m.NotifyStatus(ctx, "t1", StatusReport{Status: model.StatusCompleted}))
	assert.Equal(t, model.StatusCompleted, f.st.status(t, "t1"))
}

func TestCallbackFailed(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.m.NotifyStatus(ctx, "t1", StatusReport{
		Status:  model.StatusFailed,
		Message: "build broken beyond repair",
	}))

	task, err := f.st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, task.Status)
	assert.Equal(t, "build broken beyond repair", task.LastError)
	assert.Equal(t, 0, f.m.ActiveCount())
}

func TestCallbackContextObservation(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)

	pct := 55.0
	require.NoError(t, f.m.NotifyStatus(ctx, "t1", StatusReport{
		Status:         model.StatusInProgress,
		ContextPercent: &pct,
	}))
	got, ok := f.session("t1").Context()
	require.True(t, ok)
	assert.Equal(t, 55.0, got)
}

func TestContextRestartExactlyOnce(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 1
	settings.ContextThreshold = 15
	f := newFixture(t, settings)
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	sess := f.session("t1")
	require.Equal(t, uint64(1), sess.Epoch)

	for _, pct := range []string{"ctx:45", "ctx:20", "ctx:10"} {
		f.term.setCapture(pct)
		f.m.pollSession(sess)
	}

	assert.Eventually(t, func() bool {
		s := f.session("t1")
		return s != nil && s.Epoch == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.m.ActiveCount())
	assert.Equal(t, model.StatusInProgress, f.st.status(t, "t1"))
	assert.Equal(t, 2, f.term.spawnCount())

	// The replacement session got the resume prompt, not the initial one.
	data, err := os.ReadFile(f.term.lastSpawn().argv[1])
	require.NoError(t, err)
	assert.Equal(t, "resume t1", string(data))
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.m.Pause(ctx, "t1"))

	assert.Equal(t, model.StatusInProgress, f.st.status(t, "t1"))
	assert.Equal(t, 0, f.m.ActiveCount())
	assert.Nil(t, f.session("t1"))

	res, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Started, res)
	assert.Equal(t, 1, f.m.ActiveCount())
	assert.Equal(t, uint64(2), f.session("t1").Epoch)

	data, err := os.ReadFile(f.term.lastSpawn().argv[1])
	require.NoError(t, err)
	assert.Contains(t, string(data), "first unchecked item")
}

func TestPauseWithoutSession(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	assert.ErrorIs(t, f.m.Pause(context.Background(), "t1"), ErrInvalidState)
}

func TestStopAll(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 3
	f := newFixture(t, settings)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		f.addTask(id, model.StatusPending)
		_, err := f.m.Start(ctx, id)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.m.ActiveCount())

	require.NoError(t, f.m.StopAll(ctx))
	assert.Equal(t, 0, f.m.ActiveCount())
	for _, id := range []string{"t1", "t2", "t3"} {
		assert.Equal(t, model.StatusPending, f.st.status(t, id))
	}

	// Idempotent.
	assert.NoError(t, f.m.StopAll(ctx))
}

func TestStopAllDrainsQueue(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 1
	f := newFixture(t, settings)
	ctx := context.Background()
	f.addTask("t1", model.StatusPending)
	f.addTask("t2", model.StatusPending)

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	res, err := f.m.Start(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, Queued, res)

	require.NoError(t, f.m.StopAll(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.m.ActiveCount())
	assert.Nil(t, f.session("t2"))
}

func TestRestartWithoutSession(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	assert.ErrorIs(t, f.m.Restart(context.Background(), "t1", "manual"), ErrInvalidState)
}

func TestOperatorRestartKeepsSlot(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 1
	f := newFixture(t, settings)
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.m.Restart(ctx, "t1", "manual"))

	assert.Equal(t, 1, f.m.ActiveCount())
	assert.Equal(t, uint64(2), f.session("t1").Epoch)
	assert.Equal(t, model.StatusInProgress, f.st.status(t, "t1"))
}

func TestStaleContextAdvisoryIgnored(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 1
	f := newFixture(t, settings)
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.m.Restart(ctx, "t1", "manual"))
	require.Equal(t, uint64(2), f.session("t1").Epoch)
	spawns := f.term.spawnCount()

	// A context advisory for the torn-down first session arrives late.
	f.m.restartIfCurrent("t1", 1, "context exhausted")

	assert.Equal(t, uint64(2), f.session("t1").Epoch)
	assert.Equal(t, spawns, f.term.spawnCount())
}

func TestStaleContextAdvisoryLosesArbiterRace(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 1
	f := newFixture(t, settings)
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	old := f.session("t1")
	require.Equal(t, uint64(1), old.Epoch)
	spawns := f.term.spawnCount()

	// Hold the arbiter so the advisory blocks on it, replace the session
	// while it waits, then release. The advisory must see the new epoch
	// and drop out instead of restarting the replacement.
	f.m.transitions.Lock("t1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.m.restartIfCurrent("t1", 1, "context exhausted")
	}()
	time.Sleep(20 * time.Millisecond)

	repl := newSession("t1", 2, old.Adapter, old.Terminal, old.Handle, old.PromptFile,
		model.StatusInProgress, time.Now())
	f.m.mu.Lock()
	f.m.session["t1"] = repl
	f.m.epochs["t1"] = 2
	f.m.mu.Unlock()
	f.m.transitions.Unlock("t1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("advisory did not return")
	}
	assert.Equal(t, uint64(2), f.session("t1").Epoch)
	assert.Equal(t, spawns, f.term.spawnCount())
}

func TestSnapshot(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 3
	f := newFixture(t, settings)
	ctx := context.Background()
	f.addTask("t1", model.StatusPending)
	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)

	snap := f.m.Snapshot()
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, 3, snap.MaxConcurrent)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "t1", snap.Sessions[0].TaskID)
	assert.Equal(t, model.StatusInProgress, snap.Sessions[0].Status)
	assert.Equal(t, model.PhaseRunning, snap.Sessions[0].Phase)
	assert.False(t, snap.PublishedAt.IsZero())
}

func TestRecoverStartup(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusInProgress)
	f.addTask("t2", model.StatusInReviewing)
	f.addTask("t3", model.StatusPending)

	require.NoError(t, f.m.RecoverStartup(context.Background()))
	assert.Equal(t, model.StatusFailed, f.st.status(t, "t1"))
	assert.Equal(t, model.StatusFailed, f.st.status(t, "t2"))
	assert.Equal(t, model.StatusPending, f.st.status(t, "t3"))

	task, err := f.st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Contains(t, task.LastError, "recovery failed")
}

func TestShutdownRefusesNewWork(t *testing.T) {
	f := newFixture(t, quickSettings())
	f.addTask("t1", model.StatusPending)
	ctx := context.Background()

	require.NoError(t, f.m.Shutdown(ctx))
	_, err := f.m.Start(ctx, "t1")
	assert.ErrorIs(t, err, ErrClosed)

	// Second shutdown is a no-op.
	assert.NoError(t, f.m.Shutdown(ctx))
}

func TestUpdateSettingsAdmitsWaitingTasks(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 1
	f := newFixture(t, settings)
	ctx := context.Background()
	f.addTask("t1", model.StatusPending)
	f.addTask("t2", model.StatusPending)

	_, err := f.m.Start(ctx, "t1")
	require.NoError(t, err)
	res, err := f.m.Start(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, Queued, res)

	wider := settings
	wider.MaxConcurrent = 2
	f.m.UpdateSettings(wider)

	assert.Eventually(t, func() bool {
		return f.session("t2") != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.m.ActiveCount())
}

func TestConcurrentStartFlood(t *testing.T) {
	settings := quickSettings()
	settings.MaxConcurrent = 3
	f := newFixture(t, settings)
	ctx := context.Background()

	const total = 8
	for i := 0; i < total; i++ {
		f.addTask(fmt.Sprintf("t%d", i), model.StatusPending)
	}

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.m.Start(ctx, id)
			assert.NoError(t, err)
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()

	assert.Equal(t, 3, f.m.ActiveCount())
	assert.Equal(t, total-3, f.m.QueueLength())
	assert.LessOrEqual(t, f.m.ActiveCount(), settings.MaxConcurrent)
}

// makeDoc writes a task document into the task's project dir.
func makeDoc(t *testing.T, f *fixture, taskID, content string) {
	t.Helper()
	task, err := f.st.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(task.ProjectDir, task.DocPath), []byte(content), 0o644))
}
