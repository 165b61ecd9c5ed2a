// Package term holds the per-emulator terminal adapters. Each adapter can
// spawn a window running a command line, probe whether it is still alive,
// and close it best-effort.
package term

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"taskdeck/internal/model"
)

// Liveness is the three-valued answer to "is this window still running?".
// Unknown is the only honest answer for emulators without introspection.
type Liveness int

const (
	LivenessUnknown Liveness = iota
	LivenessAlive
	LivenessDead
)

func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessDead:
		return "dead"
	default:
		return "unknown"
	}
}

var (
	// ErrNotInstalled is returned when the emulator binary is missing.
	ErrNotInstalled = errors.New("terminal emulator not installed")
	// ErrSpawn wraps any failure to open a window.
	ErrSpawn = errors.New("terminal spawn failed")
	// ErrCaptureUnsupported is returned by emulators that cannot read back
	// window content.
	ErrCaptureUnsupported = errors.New("output capture not supported by this terminal")
	// ErrSendUnsupported is returned by emulators that cannot inject text.
	ErrSendUnsupported = errors.New("text injection not supported by this terminal")
)

// Handle carries whatever identifiers the emulator exposes for one spawned
// window. Fields are zero when the emulator hides them.
type Handle struct {
	Terminal   model.TerminalType
	WindowID   string
	PID        int
	SocketPath string
}

// Terminal is the capability record for one emulator family.
type Terminal interface {
	Type() model.TerminalType
	Name() string
	IsAvailable() bool

	// Spawn opens a new window in dir running argv.
	Spawn(ctx context.Context, dir string, argv []string) (*Handle, error)

	// IsAlive probes the window/process behind h.
	IsAlive(ctx context.Context, h *Handle) Liveness

	// Close shuts the window best-effort. Idempotent.
	Close(ctx context.Context, h *Handle) error

	// SendText types text into the window, optionally submitting with Enter.
	SendText(ctx context.Context, h *Handle, text string, submit bool) error

	// Capture returns the last lastN lines of window content, or
	// ErrCaptureUnsupported.
	Capture(ctx context.Context, h *Handle, lastN int) (string, error)
}

// ExecFunc runs an external command and returns combined output. Injected in
// tests so adapters can be exercised without the emulator.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// New returns the adapter for an explicit terminal kind.
func New(kind model.TerminalType) (Terminal, error) {
	switch kind {
	case model.TerminalKitty:
		return NewKitty(), nil
	case model.TerminalITerm:
		return NewITerm(), nil
	case model.TerminalWindows:
		return NewWindowsTerminal(), nil
	default:
		return nil, fmt.Errorf("unknown terminal type %q", kind)
	}
}

// Detect resolves the operator preference, falling back to the platform
// default for "auto". An unavailable emulator yields ErrNotInstalled; the
// session manager surfaces that as adapter-unavailable without touching the
// task.
func Detect(pref model.TerminalType) (Terminal, error) {
	if pref != "" && pref != model.TerminalAuto {
		t, err := New(pref)
		if err != nil {
			return nil, err
		}
		if !t.IsAvailable() {
			return nil, fmt.Errorf("%s: %w", t.Name(), ErrNotInstalled)
		}
		return t, nil
	}

	var candidates []Terminal
	switch runtime.GOOS {
	case "darwin":
		candidates = []Terminal{NewKitty(), NewITerm()}
	case "windows":
		candidates = []Terminal{NewWindowsTerminal()}
	default:
		candidates = []Terminal{NewKitty()}
	}
	for _, t := range candidates {
		if t.IsAvailable() {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no usable terminal emulator found: %w", ErrNotInstalled)
}
