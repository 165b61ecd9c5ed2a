package term

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"taskdeck/internal/model"
)

// windowsTerminal launches tabs through wt.exe. Windows Terminal has no
// remote-control surface, so everything beyond spawning degrades: liveness
// comes from the child PID when we have one, capture and text injection are
// unsupported.
type windowsTerminal struct {
	run ExecFunc
}

func NewWindowsTerminal() Terminal {
	return &windowsTerminal{run: defaultExec}
}

func (w *windowsTerminal) Type() model.TerminalType { return model.TerminalWindows }
func (w *windowsTerminal) Name() string             { return "Windows Terminal" }

func (w *windowsTerminal) IsAvailable() bool {
	_, err := exec.LookPath("wt.exe")
	if err != nil {
		_, err = exec.LookPath("wt")
	}
	return err == nil
}

func (w *windowsTerminal) Spawn(ctx context.Context, dir string, argv []string) (*Handle, error) {
	args := append([]string{"-w", "new", "new-tab", "-d", dir, "--"}, argv...)
	cmd := exec.CommandContext(ctx, "wt", args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: wt: %v", ErrSpawn, err)
	}
	pid := cmd.Process.Pid
	// wt forwards to the running terminal instance and exits; do not hold
	// the process handle.
	go func() { _ = cmd.Wait() }()
	return &Handle{Terminal: model.TerminalWindows, PID: pid}, nil
}

func (w *windowsTerminal) IsAlive(ctx context.Context, h *Handle) Liveness {
	if h.PID <= 0 {
		return LivenessUnknown
	}
	if ProcessAlive(h.PID) {
		return LivenessAlive
	}
	// The launcher PID dying says nothing about the tab it handed off.
	return LivenessUnknown
}

func (w *windowsTerminal) Close(ctx context.Context, h *Handle) error {
	if h.PID <= 0 {
		return nil
	}
	p, err := os.FindProcess(h.PID)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && ProcessAlive(h.PID) {
		return fmt.Errorf("windows terminal close: %w", err)
	}
	return nil
}

func (w *windowsTerminal) SendText(ctx context.Context, h *Handle, text string, submit bool) error {
	return ErrSendUnsupported
}

func (w *windowsTerminal) Capture(ctx context.Context, h *Handle, lastN int) (string, error) {
	return "", ErrCaptureUnsupported
}

// ProcessAlive probes a PID with signal 0. Shared with startup recovery.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
