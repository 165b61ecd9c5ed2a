// Package cli holds the per-CLI capability adapters. The session manager
// never branches on concrete CLI kind; adding a CLI means adding a file here.
package cli

import (
	"fmt"
	"os/exec"

	"taskdeck/internal/model"
	"taskdeck/internal/prompt"
)

// ErrUnavailable is returned when a CLI binary cannot be found on PATH.
var ErrUnavailable = fmt.Errorf("cli not installed")

// Adapter is the capability record for one CLI assistant.
type Adapter interface {
	Type() model.CLIType
	Name() string

	// IsAvailable reports whether the CLI binary is installed.
	IsAvailable() bool

	// LaunchCommand builds the argv that starts the CLI inside dir with the
	// instructions at promptFile. dangerous opts into the CLI's auto-approve
	// flag.
	LaunchCommand(dir, promptFile string, dangerous bool) []string

	// ParseContextRemaining inspects an output chunk for the CLI's context
	// indicator. ok=false means no marker was present; callers must treat
	// that as "no new information", never as zero.
	ParseContextRemaining(chunk string) (percent float64, ok bool)

	// IdleSignature reports whether the output tail matches the CLI's idle
	// prompt.
	IdleSignature(tail string) bool

	// ResumePrompt is the text injected when a session restarts mid-task.
	ResumePrompt(t model.Task, vars prompt.Vars) (string, error)
}

// New returns the adapter for the given CLI kind.
func New(kind model.CLIType, prompts *prompt.Renderer) (Adapter, error) {
	switch kind {
	case model.CLIClaudeCode:
		return &claudeAdapter{prompts: prompts}, nil
	case model.CLICodex:
		return &codexAdapter{prompts: prompts}, nil
	case model.CLIGemini:
		return &geminiAdapter{prompts: prompts}, nil
	default:
		return nil, fmt.Errorf("unknown cli type %q", kind)
	}
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

func binaryOnPath(name string) bool {
	_, err := lookPath(name)
	return err == nil
}

// bootstrapPrompt is the short initial instruction passed on the command line.
// The full prompt lives in a scratch file so argv stays small and quoting-safe.
func bootstrapPrompt(promptFile string) string {
	return fmt.Sprintf("Read the file %s and follow the instructions in it exactly.", promptFile)
}
