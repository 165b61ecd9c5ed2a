package model

import "time"

// RunPhase is the in-memory run state of a live session.
type RunPhase string

const (
	PhaseRunning  RunPhase = "running"
	PhasePaused   RunPhase = "paused"
	PhaseStopping RunPhase = "stopping"
)

// SessionInfo is the externally visible view of one live session, as carried
// in broadcast snapshots and list-sessions responses. The session manager's
// internal record owns the adapter handles; this struct is a copy.
type SessionInfo struct {
	TaskID         string    `json:"task_id"`
	Status         Status    `json:"status"`
	Phase          RunPhase  `json:"phase"`
	CLIType        CLIType   `json:"cli_type"`
	Terminal       TerminalType `json:"terminal"`
	PID            int       `json:"pid,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	Epoch          int       `json:"epoch"`
	ContextPercent float64   `json:"context_usage,omitempty"` // percent remaining, 0 when unknown
	LastActivity   time.Time `json:"last_activity"`
}

// Snapshot is an immutable point-in-time view of the session pool, distributed
// by the broadcaster.
type Snapshot struct {
	Sessions      []SessionInfo `json:"sessions"`
	Count         int           `json:"count"`
	MaxConcurrent int           `json:"max_concurrent"`
	PublishedAt   time.Time     `json:"published_at"`
}
