package term

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"taskdeck/internal/model"
)

// kittyTerminal drives kitty through its remote-control socket. One socket
// per window keeps windows addressable after the daemon restarts.
type kittyTerminal struct {
	run       ExecFunc
	socketDir string
}

func NewKitty() Terminal {
	return &kittyTerminal{run: defaultExec, socketDir: os.TempDir()}
}

func (k *kittyTerminal) Type() model.TerminalType { return model.TerminalKitty }
func (k *kittyTerminal) Name() string             { return "kitty" }

func (k *kittyTerminal) IsAvailable() bool {
	_, err := exec.LookPath("kitty")
	return err == nil
}

func (k *kittyTerminal) Spawn(ctx context.Context, dir string, argv []string) (*Handle, error) {
	var sock string
	for i := 0; ; i++ {
		sock = filepath.Join(k.socketDir, fmt.Sprintf("taskdeck-kitty-%d-%d.sock", os.Getpid(), i))
		if _, err := os.Stat(sock); os.IsNotExist(err) {
			break
		}
	}

	args := []string{
		"--detach",
		"--listen-on", "unix:" + sock,
		"-o", "allow_remote_control=socket-only",
		"--directory", dir,
	}
	args = append(args, argv...)
	if _, err := k.run(ctx, "kitty", args...); err != nil {
		return nil, fmt.Errorf("%w: kitty: %v", ErrSpawn, err)
	}
	return &Handle{Terminal: model.TerminalKitty, SocketPath: sock}, nil
}

func (k *kittyTerminal) IsAlive(ctx context.Context, h *Handle) Liveness {
	if h.SocketPath == "" {
		return LivenessUnknown
	}
	// kitty removes its listen socket when the window closes.
	if _, err := os.Stat(h.SocketPath); os.IsNotExist(err) {
		return LivenessDead
	}
	if _, err := k.remote(ctx, h, "ls"); err != nil {
		return LivenessDead
	}
	return LivenessAlive
}

func (k *kittyTerminal) Close(ctx context.Context, h *Handle) error {
	if k.IsAlive(ctx, h) == LivenessDead {
		return nil
	}
	if _, err := k.remote(ctx, h, "close-window"); err != nil {
		// A vanished socket between the probe and the close is still a
		// successful close.
		if _, statErr := os.Stat(h.SocketPath); os.IsNotExist(statErr) {
			return nil
		}
		return fmt.Errorf("kitty close-window: %w", err)
	}
	return nil
}

func (k *kittyTerminal) SendText(ctx context.Context, h *Handle, text string, submit bool) error {
	if _, err := k.remote(ctx, h, "send-text", "--", text); err != nil {
		return fmt.Errorf("kitty send-text: %w", err)
	}
	if submit {
		if _, err := k.remote(ctx, h, "send-key", "enter"); err != nil {
			return fmt.Errorf("kitty send-key: %w", err)
		}
	}
	return nil
}

func (k *kittyTerminal) Capture(ctx context.Context, h *Handle, lastN int) (string, error) {
	out, err := k.remote(ctx, h, "get-text", "--extent", "screen")
	if err != nil {
		return "", fmt.Errorf("kitty get-text: %w", err)
	}
	return tailLines(string(out), lastN), nil
}

func (k *kittyTerminal) remote(ctx context.Context, h *Handle, cmd string, extra ...string) ([]byte, error) {
	args := append([]string{"@", "--to", "unix:" + h.SocketPath, cmd}, extra...)
	return k.run(ctx, "kitten", args...)
}

func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if n <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
