package cli

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdeck/internal/model"
	"taskdeck/internal/prompt"
)

func newTestAdapter(t *testing.T, kind model.CLIType) Adapter {
	t.Helper()
	r, err := prompt.NewRenderer()
	require.NoError(t, err)
	a, err := New(kind, r)
	require.NoError(t, err)
	return a
}

func TestNewUnknownCLI(t *testing.T) {
	r, err := prompt.NewRenderer()
	require.NoError(t, err)
	_, err = New(model.CLIType("clippy"), r)
	assert.Error(t, err)
}

func TestLaunchCommand(t *testing.T) {
	tests := []struct {
		name      string
		kind      model.CLIType
		dangerous bool
		wantFirst string
		wantFlag  string
	}{
		{"claude dangerous", model.CLIClaudeCode, true, "claude", "--dangerously-skip-permissions"},
		{"claude safe", model.CLIClaudeCode, false, "claude", ""},
		{"codex dangerous", model.CLICodex, true, "codex", "--dangerously-bypass-approvals-and-sandbox"},
		{"gemini dangerous", model.CLIGemini, true, "gemini", "--yolo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, tt.kind)
			argv := a.LaunchCommand("/proj", "/tmp/prompt.md", tt.dangerous)
			require.NotEmpty(t, argv)
			assert.Equal(t, tt.wantFirst, argv[0])

			flags := argv[1:]
			if tt.wantFlag != "" {
				assert.Contains(t, flags, tt.wantFlag)
			} else {
				assert.NotContains(t, flags, "--dangerously-skip-permissions")
			}
			// The prompt file must be referenced somewhere in the argv.
			assert.Contains(t, strings.Join(argv, " "), "/tmp/prompt.md")
		})
	}
}

func TestParseContextRemaining(t *testing.T) {
	tests := []struct {
		name  string
		kind  model.CLIType
		chunk string
		want  float64
		ok    bool
	}{
		{"claude statusline", model.CLIClaudeCode, "sonnet · 34% (until auto-compact)", 34, true},
		{"claude context command", model.CLIClaudeCode, "Context left until auto-compact: 12%", 12, true},
		{"claude no marker", model.CLIClaudeCode, "Compiling project...", 0, false},
		{"claude newest wins", model.CLIClaudeCode,
			"Context left until auto-compact: 40%\n...\nContext left until auto-compact: 22%", 22, true},
		{"codex footer", model.CLICodex, "  97% context left", 97, true},
		{"codex fractional", model.CLICodex, "8.5% context left", 8.5, true},
		{"codex no marker", model.CLICodex, "Running tests", 0, false},
		{"gemini footer", model.CLIGemini, "gemini-2.5-pro (61% context left)", 61, true},
		{"gemini bare percent is not a marker", model.CLIGemini, "progress 61%", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, tt.kind)
			got, ok := a.ParseContextRemaining(tt.chunk)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseContextRejectsOutOfRange(t *testing.T) {
	a := newTestAdapter(t, model.CLICodex)
	_, ok := a.ParseContextRemaining("250% context left")
	assert.False(t, ok)
}

func TestIdleSignature(t *testing.T) {
	tests := []struct {
		name string
		kind model.CLIType
		tail string
		want bool
	}{
		{"claude idle footer", model.CLIClaudeCode, "? for shortcuts", true},
		{"claude busy", model.CLIClaudeCode, "✻ Thinking…", false},
		{"codex idle caret", model.CLICodex, "▌", true},
		{"codex busy", model.CLICodex, "Working on it", false},
		{"gemini idle", model.CLIGemini, "Type your message", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, tt.kind)
			assert.Equal(t, tt.want, a.IdleSignature(tt.tail))
		})
	}
}

func TestResumePrompt(t *testing.T) {
	a := newTestAdapter(t, model.CLIClaudeCode)
	task := model.Task{ID: "t_1", ProjectDir: "/p", DocPath: "PLAN.md"}
	vars := prompt.VarsForTask(task, a.Type(), false, "http://127.0.0.1:8086")

	out, err := a.ResumePrompt(task, vars)
	require.NoError(t, err)
	assert.Contains(t, out, "first unchecked item")
	assert.Contains(t, out, "@PLAN.md")
}

func TestIsAvailableUsesPath(t *testing.T) {
	orig := lookPath
	defer func() { lookPath = orig }()

	lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	assert.True(t, newTestAdapter(t, model.CLIClaudeCode).IsAvailable())

	lookPath = func(name string) (string, error) { return "", errors.New("not found") }
	assert.False(t, newTestAdapter(t, model.CLIGemini).IsAvailable())
}
