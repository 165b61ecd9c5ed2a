package term

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"taskdeck/internal/model"
)

// itermTerminal drives iTerm2 through osascript. AppleScript exposes window
// ids and keystroke injection but no pane content, so Capture is
// unsupported and liveness is window-level only.
type itermTerminal struct {
	run ExecFunc
}

func NewITerm() Terminal {
	return &itermTerminal{run: defaultExec}
}

func (it *itermTerminal) Type() model.TerminalType { return model.TerminalITerm }
func (it *itermTerminal) Name() string             { return "iTerm2" }

func (it *itermTerminal) IsAvailable() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := exec.LookPath("osascript")
	return err == nil
}

func (it *itermTerminal) Spawn(ctx context.Context, dir string, argv []string) (*Handle, error) {
	command := "cd " + appleQuote(dir) + " && " + shellJoin(argv)
	script := fmt.Sprintf(`tell application "iTerm2"
	set newWindow to (create window with default profile command "/bin/sh -c %s")
	return id of newWindow
end tell`, appleQuote(command))

	out, err := it.run(ctx, "osascript", "-e", script)
	if err != nil {
		return nil, fmt.Errorf("%w: iterm: %v", ErrSpawn, err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return nil, fmt.Errorf("%w: iterm returned no window id", ErrSpawn)
	}
	return &Handle{Terminal: model.TerminalITerm, WindowID: id}, nil
}

func (it *itermTerminal) IsAlive(ctx context.Context, h *Handle) Liveness {
	if h.WindowID == "" {
		return LivenessUnknown
	}
	script := fmt.Sprintf(`tell application "iTerm2"
	repeat with w in windows
		if (id of w as string) is equal to "%s" then return "yes"
	end repeat
	return "no"
end tell`, h.WindowID)
	out, err := it.run(ctx, "osascript", "-e", script)
	if err != nil {
		return LivenessUnknown
	}
	if strings.TrimSpace(string(out)) == "yes" {
		return LivenessAlive
	}
	return LivenessDead
}

func (it *itermTerminal) Close(ctx context.Context, h *Handle) error {
	if it.IsAlive(ctx, h) == LivenessDead {
		return nil
	}
	script := fmt.Sprintf(`tell application "iTerm2"
	repeat with w in windows
		if (id of w as string) is equal to "%s" then close w
	end repeat
end tell`, h.WindowID)
	if _, err := it.run(ctx, "osascript", "-e", script); err != nil {
		return fmt.Errorf("iterm close: %w", err)
	}
	return nil
}

func (it *itermTerminal) SendText(ctx context.Context, h *Handle, text string, submit bool) error {
	script := fmt.Sprintf(`tell application "iTerm2"
	repeat with w in windows
		if (id of w as string) is equal to "%s" then
			tell current session of w to write text %s newline %s
		end if
	end repeat
end tell`, h.WindowID, appleQuote(text), appleBool(submit))
	if _, err := it.run(ctx, "osascript", "-e", script); err != nil {
		return fmt.Errorf("iterm write text: %w", err)
	}
	return nil
}

func (it *itermTerminal) Capture(ctx context.Context, h *Handle, lastN int) (string, error) {
	return "", ErrCaptureUnsupported
}

func appleQuote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func appleBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func shellJoin(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		if strings.ContainsAny(a, " \t'\"$&|;<>()*?#~") {
			parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
		} else {
			parts = append(parts, a)
		}
	}
	return strings.Join(parts, " ")
}
