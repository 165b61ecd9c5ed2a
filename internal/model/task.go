package model

import "time"

// Task is the persisted unit of work: a project directory plus a Markdown
// document whose unchecked checkboxes drive the CLI session.
type Task struct {
	ID          string     `json:"id"`
	ProjectDir  string     `json:"project_dir"`
	DocPath     string     `json:"doc_path"` // relative to ProjectDir
	Status      Status     `json:"status"`
	CLIType     CLIType    `json:"cli_type,omitempty"` // empty means use the default setting
	Review      ReviewMode `json:"review"`
	CallbackURL string     `json:"callback_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastPID     int        `json:"last_pid,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LogPath     string     `json:"log_path,omitempty"`
}

// EffectiveReview resolves the tri-state review override against the global flag.
func (t Task) EffectiveReview(globalEnabled bool) bool {
	switch t.Review {
	case ReviewOn:
		return true
	case ReviewOff:
		return false
	default:
		return globalEnabled
	}
}

// EffectiveCLI resolves the per-task CLI override against the default.
func (t Task) EffectiveCLI(def CLIType) CLIType {
	if t.CLIType != "" {
		return t.CLIType
	}
	return def
}
