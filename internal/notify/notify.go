// Package notify delivers terminal-state callbacks to the URL a task was
// registered with.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"taskdeck/internal/model"
)

// Payload is the JSON body POSTed to a task's callback URL.
type Payload struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	ProjectDir   string `json:"project_directory"`
	DocPath      string `json:"markdown_document_path"`
	CompletedAt  string `json:"completed_at"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Notifier POSTs task outcome notifications with retry. Delivery is
// best-effort: the task transition has already happened by the time a
// notification goes out, and a dead callback endpoint must not hold the
// daemon up.
type Notifier struct {
	client     *http.Client
	maxRetries int
	logger     *log.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
)

func New(logger *log.Logger) *Notifier {
	return &Notifier{
		client:     &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		logger:     logger,
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Notify sends one notification for task reaching status. Returns true when
// an attempt was accepted by the endpoint. Tasks without a callback URL are
// skipped.
func (n *Notifier) Notify(ctx context.Context, task model.Task, status model.Status, errMsg string) bool {
	if task.CallbackURL == "" {
		return false
	}

	payload := Payload{
		TaskID:       task.ID,
		Status:       string(status),
		ProjectDir:   task.ProjectDir,
		DocPath:      task.DocPath,
		CompletedAt:  n.now().Format(time.RFC3339),
		ErrorMessage: errMsg,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logf("task %s: notification marshal failed: %v", task.ID, err)
		return false
	}

	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		err := n.post(ctx, task.CallbackURL, body)
		if err == nil {
			n.logf("task %s: notification delivered (status=%s)", task.ID, status)
			return true
		}
		n.logf("task %s: notification attempt %d/%d failed: %v",
			task.ID, attempt, n.maxRetries, err)

		if attempt < n.maxRetries {
			// Exponential backoff: 2s, 4s, ...
			if err := n.sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
				return false
			}
		}
	}
	n.logf("task %s: notification abandoned after %d attempts", task.ID, n.maxRetries)
	return false
}

// NotifyAsync fires Notify on its own goroutine.
func (n *Notifier) NotifyAsync(ctx context.Context, task model.Task, status model.Status, errMsg string) {
	go n.Notify(ctx, task, status, errMsg)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	}
}

func (n *Notifier) logf(format string, args ...interface{}) {
	if n.logger != nil {
		n.logger.Printf("[notify] "+format, args...)
	}
}
