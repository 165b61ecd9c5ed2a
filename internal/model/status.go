// Package model defines the data structures for taskdeck's tasks, sessions,
// settings, and configuration.
package model

import "fmt"

type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusInReviewing Status = "in_reviewing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// CLIType identifies a supported CLI assistant.
type CLIType string

const (
	CLIClaudeCode CLIType = "claude_code"
	CLICodex      CLIType = "codex"
	CLIGemini     CLIType = "gemini"
)

// TerminalType identifies a supported terminal emulator.
type TerminalType string

const (
	TerminalAuto    TerminalType = "auto"
	TerminalKitty   TerminalType = "kitty"
	TerminalITerm   TerminalType = "iterm"
	TerminalWindows TerminalType = "windows_terminal"
)

// ReviewMode is the per-task review override: inherit the global flag,
// force review on, or force it off.
type ReviewMode string

const (
	ReviewInherit ReviewMode = "inherit"
	ReviewOn      ReviewMode = "on"
	ReviewOff     ReviewMode = "off"
)

var terminalStatuses = map[Status]bool{
	StatusFailed: true,
}

// Task status transitions.
// in_progress → pending covers operator stop; in_reviewing → completed covers
// both review completion and operator stop during review (primary work done).
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusFailed:     true, // startup recovery of orphaned rows
	},
	StatusInProgress: {
		StatusPending:     true, // operator stop
		StatusInReviewing: true,
		StatusCompleted:   true,
		StatusFailed:      true,
	},
	StatusInReviewing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
}

// IsTerminal reports whether no further transition is legal from s.
// completed allows none but is not "terminal" in the failed sense: the
// operator may re-create the task, never resume it.
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// Live reports whether a task in status s must have exactly one session.
func Live(s Status) bool {
	return s == StatusInProgress || s == StatusInReviewing
}

// ValidateTaskTransition checks a task status transition against the legal graph.
func ValidateTaskTransition(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

// ValidCLIType reports whether s names a supported CLI.
func ValidCLIType(s CLIType) bool {
	switch s {
	case CLIClaudeCode, CLICodex, CLIGemini:
		return true
	}
	return false
}

// ValidTerminalType reports whether s names a supported terminal preference.
func ValidTerminalType(s TerminalType) bool {
	switch s {
	case TerminalAuto, TerminalKitty, TerminalITerm, TerminalWindows:
		return true
	}
	return false
}
