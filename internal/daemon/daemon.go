// Package daemon assembles the taskdeck runtime: persistence, the session
// manager, the watchdog, and the HTTP and unix-socket control surfaces.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskdeck/internal/broadcast"
	"taskdeck/internal/config"
	"taskdeck/internal/contextmgr"
	"taskdeck/internal/httpapi"
	"taskdeck/internal/ipc"
	"taskdeck/internal/lock"
	"taskdeck/internal/model"
	"taskdeck/internal/notify"
	"taskdeck/internal/progress"
	"taskdeck/internal/prompt"
	"taskdeck/internal/session"
	"taskdeck/internal/store"
)

const (
	dbFileName   = "taskdeck.db"
	lockFileName = "daemon.lock"
	scratchDir   = "scratch"
)

// BaseDir resolves the taskdeck state directory. TASKDECK_HOME overrides the
// default ~/.taskdeck.
func BaseDir() (string, error) {
	if dir := os.Getenv("TASKDECK_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".taskdeck"), nil
}

// SocketPath returns the control socket path inside the state directory.
func SocketPath(baseDir string) string {
	return filepath.Join(baseDir, ipc.DefaultSocketName)
}

type Options struct {
	BaseDir    string // state directory; empty means BaseDir()
	ConfigPath string // empty means <base>/config.yaml
	Logger     *log.Logger
}

// Daemon owns every long-lived component and tears them down in reverse
// order of construction.
type Daemon struct {
	baseDir string
	cfg     model.Config
	logger  *log.Logger

	flock    *lock.FileLock
	st       store.Store
	bus      *broadcast.Broadcaster
	checker  *progress.Checker
	watcher  *progress.Watcher
	manager  *session.Manager
	watchdog *session.Watchdog
	ipcSrv   *ipc.Server
	httpSrv  *http.Server
	httpLn   net.Listener

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New builds the daemon. It acquires the single-instance lock, opens the
// database, and recovers tasks orphaned by a previous daemon, but does not
// start serving; call Run for that.
func New(ctx context.Context, opts Options) (*Daemon, error) {
	baseDir := opts.BaseDir
	if baseDir == "" {
		var err error
		baseDir, err = BaseDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(baseDir, config.DefaultFileName)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}

	flock := lock.NewFileLock(filepath.Join(baseDir, lockFileName))
	if err := flock.TryLock(); err != nil {
		return nil, err
	}

	d := &Daemon{
		baseDir:    baseDir,
		cfg:        cfg,
		logger:     logger,
		flock:      flock,
		shutdownCh: make(chan struct{}),
	}
	if err := d.build(ctx); err != nil {
		d.teardown(context.Background())
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(ctx context.Context) error {
	st, err := store.NewSQLiteStore(filepath.Join(d.baseDir, dbFileName))
	if err != nil {
		return err
	}
	d.st = st

	settings, err := store.LoadSettings(ctx, st, model.SettingsFromConfig(d.cfg))
	if err != nil {
		return err
	}

	prompts, err := prompt.NewRenderer()
	if err != nil {
		return err
	}

	scratch := d.cfg.Sessions.ScratchDir
	if scratch == "" {
		scratch = filepath.Join(d.baseDir, scratchDir)
	}
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	d.bus = broadcast.New(broadcast.DefaultQueueSize)
	d.checker = progress.NewChecker()
	d.watcher, err = progress.NewWatcher(d.checker)
	if err != nil {
		return fmt.Errorf("start document watcher: %w", err)
	}

	tracker := contextmgr.New(settings.ContextThreshold, settings.MinimumRun, 0)

	d.manager = session.NewManager(session.Options{
		Store:           st,
		Broadcaster:     d.bus,
		Tracker:         tracker,
		Checker:         d.checker,
		Notifier:        notify.New(d.logger),
		Prompts:         prompts,
		Logger:          d.logger,
		LogLevel:        session.ParseLogLevel(d.cfg.Logging.Level),
		Settings:        settings,
		ScratchDir:      scratch,
		CallbackBaseURL: d.cfg.Server.CallbackBaseURL,
	})
	if err := d.manager.RecoverStartup(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	d.watchdog = session.NewWatchdog(d.manager)

	d.ipcSrv = ipc.NewServer(SocketPath(d.baseDir), d.logger)
	d.registerIPC()

	api := httpapi.NewServer(d.manager, st, d.bus, d.checker, d.logger)
	d.httpSrv = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Run serves until ctx is cancelled or a shutdown command arrives, then
// stops everything within the configured shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.ListenAddr)
	if err != nil {
		d.teardown(context.Background())
		return fmt.Errorf("listen on %s: %w", d.cfg.Server.ListenAddr, err)
	}
	d.httpLn = ln

	if err := d.ipcSrv.Start(); err != nil {
		d.teardown(context.Background())
		return err
	}
	d.watchdog.Run()
	go d.trackDocuments()

	httpErr := make(chan error, 1)
	go func() {
		if err := d.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	d.logf("daemon ready: http %s, socket %s", ln.Addr(), SocketPath(d.baseDir))

	select {
	case <-ctx.Done():
		d.logf("shutdown signal received")
	case <-d.shutdownCh:
		d.logf("shutdown requested over control socket")
	case err := <-httpErr:
		d.teardown(context.Background())
		return fmt.Errorf("http server: %w", err)
	}

	timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d.teardown(stopCtx)
	return nil
}

// Shutdown asks a running daemon to stop. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// teardown stops components in reverse construction order. Sessions are left
// running in their terminal windows; the next daemon start recovers their
// tasks.
func (d *Daemon) teardown(ctx context.Context) {
	if d.httpSrv != nil {
		_ = d.httpSrv.Shutdown(ctx)
	}
	if d.ipcSrv != nil {
		_ = d.ipcSrv.Stop()
	}
	if d.watchdog != nil {
		d.watchdog.Stop()
	}
	if d.manager != nil {
		if err := d.manager.Shutdown(ctx); err != nil {
			d.logf("manager shutdown: %v", err)
		}
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.st != nil {
		_ = d.st.Close()
	}
	if d.flock != nil {
		_ = d.flock.Unlock()
	}
}

// trackDocuments keeps the fsnotify watch set aligned with live sessions so
// edits to a task document invalidate the progress cache immediately.
func (d *Daemon) trackDocuments() {
	events, cancel := d.bus.Subscribe()
	defer cancel()
	for ev := range events {
		switch ev.Type {
		case broadcast.EventSessionStarted, broadcast.EventSessionRestarted:
			if path, ok := d.docPath(ev.TaskID); ok {
				if err := d.watcher.Watch(path, nil); err != nil {
					d.logf("watch %s: %v", path, err)
				}
			}
		case broadcast.EventSessionStopped:
			if path, ok := d.docPath(ev.TaskID); ok {
				d.watcher.Unwatch(path)
			}
		}
	}
}

func (d *Daemon) docPath(taskID string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := d.st.GetTask(ctx, taskID)
	if err != nil {
		return "", false
	}
	return filepath.Join(task.ProjectDir, task.DocPath), true
}

func (d *Daemon) registerIPC() {
	d.ipcSrv.Handle("status", func(*ipc.Request) *ipc.Response {
		snap := d.manager.Snapshot()
		return ipc.SuccessResponse(map[string]any{
			"snapshot":    snap,
			"queued":      d.manager.QueueLength(),
			"listen_addr": d.cfg.Server.ListenAddr,
		})
	})

	d.ipcSrv.Handle("list-tasks", func(req *ipc.Request) *ipc.Response {
		var params struct {
			Status string `json:"status,omitempty"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var (
			tasks []model.Task
			err   error
		)
		if params.Status != "" {
			tasks, err = d.st.ListTasksByStatus(ctx, model.Status(params.Status))
		} else {
			tasks, err = d.st.ListTasks(ctx)
		}
		if err != nil {
			return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
		}
		return ipc.SuccessResponse(map[string]any{"tasks": tasks})
	})

	d.ipcSrv.Handle("stop-all", func(*ipc.Request) *ipc.Response {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := d.manager.StopAll(ctx); err != nil {
			return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
		}
		return ipc.SuccessResponse(nil)
	})

	d.ipcSrv.Handle("shutdown", func(*ipc.Request) *ipc.Response {
		// Respond before tearing down so the client sees the ack.
		go func() {
			time.Sleep(100 * time.Millisecond)
			d.Shutdown()
		}()
		return ipc.SuccessResponse(map[string]string{"message": "shutting down"})
	})
}

func (d *Daemon) logf(format string, args ...interface{}) {
	d.logger.Printf("%s INFO daemon: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
