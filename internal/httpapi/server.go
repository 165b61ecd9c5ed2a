// Package httpapi is the HTTP control surface: task CRUD, session
// operations, the CLI status callback, and the SSE event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskdeck/internal/broadcast"
	"taskdeck/internal/model"
	"taskdeck/internal/progress"
	"taskdeck/internal/session"
	"taskdeck/internal/store"
)

// Server mounts the API on a standard mux.
type Server struct {
	manager *session.Manager
	store   store.Store
	bus     *broadcast.Broadcaster
	checker *progress.Checker
	logger  *log.Logger
}

func NewServer(manager *session.Manager, st store.Store, bus *broadcast.Broadcaster,
	checker *progress.Checker, logger *log.Logger) *Server {
	return &Server{manager: manager, store: st, bus: bus, checker: checker, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("GET /api/tasks/{id}/progress", s.handleTaskProgress)

	mux.HandleFunc("POST /api/tasks/stop-all", s.handleStopAll)
	mux.HandleFunc("POST /api/tasks/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/tasks/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/tasks/{id}/restart", s.handleRestart)
	mux.HandleFunc("POST /api/tasks/{id}/notify-status", s.handleNotifyStatus)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createTaskRequest is the task declaration payload.
type createTaskRequest struct {
	ProjectDir  string `json:"project_dir"`
	DocPath     string `json:"doc_path"`
	CLIType     string `json:"cli_type,omitempty"`
	Review      string `json:"review,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	task, err := buildTask(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logf("task %s created for %s", task.ID, task.ProjectDir)
	writeJSON(w, http.StatusCreated, task)
}

func buildTask(req createTaskRequest) (model.Task, error) {
	if req.ProjectDir == "" || req.DocPath == "" {
		return model.Task{}, errors.New("project_dir and doc_path are required")
	}
	if !filepath.IsAbs(req.ProjectDir) {
		return model.Task{}, errors.New("project_dir must be absolute")
	}
	if fi, err := os.Stat(req.ProjectDir); err != nil || !fi.IsDir() {
		return model.Task{}, fmt.Errorf("project_dir is not a directory: %s", req.ProjectDir)
	}
	if req.CLIType != "" && !model.ValidCLIType(model.CLIType(req.CLIType)) {
		return model.Task{}, fmt.Errorf("unknown cli_type %q", req.CLIType)
	}
	review := model.ReviewInherit
	switch strings.ToLower(req.Review) {
	case "", "inherit":
	case "on", "true":
		review = model.ReviewOn
	case "off", "false":
		review = model.ReviewOff
	default:
		return model.Task{}, fmt.Errorf("unknown review mode %q", req.Review)
	}
	now := time.Now().UTC()
	return model.Task{
		ID:          model.NewTaskID(),
		ProjectDir:  req.ProjectDir,
		DocPath:     req.DocPath,
		Status:      model.StatusPending,
		CLIType:     model.CLIType(req.CLIType),
		Review:      review,
		CallbackURL: req.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []model.Task
		err   error
	)
	if q := r.URL.Query().Get("status"); q != "" {
		tasks, err = s.store.ListTasksByStatus(r.Context(), model.Status(q))
	} else {
		tasks, err = s.store.ListTasks(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if model.Live(task.Status) {
		writeError(w, http.StatusConflict, fmt.Errorf("task %s has a live session, stop it first", id))
		return
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	rep, err := s.checker.Check(filepath.Join(task.ProjectDir, task.DocPath))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":   task.ID,
		"total":     rep.Total,
		"completed": rep.Completed,
		"remaining": rep.Remaining,
		"optional":  rep.Optional,
		"summary":   rep.String(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.manager.Start(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	code := http.StatusOK
	if res == session.Queued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]string{"task_id": id, "result": res.String()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Stop(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "result": "stopped"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Pause(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "result": "paused"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Restart(r.Context(), id, "operator"); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "result": "restarted"})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "stopped"})
}

func (s *Server) handleNotifyStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var rep session.StatusReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := s.manager.NotifyStatus(r.Context(), id, rep); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "result": "accepted"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":        snap.Sessions,
		"active":          snap.Count,
		"max_concurrent":  snap.MaxConcurrent,
		"available_slots": snap.MaxConcurrent - snap.Count,
		"queued":          s.manager.QueueLength(),
	})
}

// handleEvents streams broadcast events as server-sent events. The
// subscriber queue is bounded; a stalled client loses its oldest events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	ch, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Prime the stream with the current snapshot so late subscribers do not
	// wait for the next transition.
	s.writeEvent(w, broadcast.Event{
		Type:      "snapshot",
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"snapshot": s.manager.Snapshot()},
	})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			s.writeEvent(w, ev)
			flusher.Flush()
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, ev broadcast.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logf("event marshal: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var rows map[string]string
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	for key := range rows {
		if !knownSettingKey(key) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown setting %q", key))
			return
		}
	}
	for key, value := range rows {
		if err := s.store.PutSetting(r.Context(), key, value); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	updated := store.ApplyOverrides(s.manager.Settings(), rows)
	s.manager.UpdateSettings(updated)
	s.logf("settings updated: %d keys", len(rows))
	writeJSON(w, http.StatusOK, updated)
}

func knownSettingKey(key string) bool {
	switch key {
	case store.KeyDefaultCLI, store.KeyReviewCLI, store.KeyReviewEnabled,
		store.KeyTerminal, store.KeyMaxConcurrent, store.KeyWatchdogInterval,
		store.KeyHeartbeatTimeout, store.KeyContextThreshold:
		return true
	}
	return false
}

// statusFor maps core error kinds onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, progress.ErrDocMissing):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, session.ErrAdapterUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSpawnFailed), errors.Is(err, session.ErrSpawnTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf("[http] "+format, args...)
	}
}
