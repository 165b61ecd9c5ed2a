// Package store persists tasks and settings in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"

	"taskdeck/internal/model"
)

// ErrNotFound is returned when a task id has no row.
var ErrNotFound = errors.New("task not found")

// TaskStore is the durable task record interface the core consumes.
type TaskStore interface {
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...model.Status) ([]model.Task, error)
	UpdateStatus(ctx context.Context, id string, status model.Status, lastErr string) error
	UpdatePID(ctx context.Context, id string, pid int) error
	DeleteTask(ctx context.Context, id string) error
}

// SettingsStore holds the runtime-mutable settings overrides.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) (map[string]string, error)
}

// Store is the combined persistence surface backed by one database handle.
type Store interface {
	TaskStore
	SettingsStore
	Close() error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
