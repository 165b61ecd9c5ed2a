package cli

import (
	"regexp"
	"strings"

	"taskdeck/internal/model"
	"taskdeck/internal/prompt"
)

// codexAdapter drives the OpenAI Codex CLI.
type codexAdapter struct {
	prompts *prompt.Renderer
}

// Codex prints "NN% context left" in its footer.
var codexContextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%\s+context\s+left`),
}

func (a *codexAdapter) Type() model.CLIType { return model.CLICodex }
func (a *codexAdapter) Name() string        { return "Codex" }

func (a *codexAdapter) IsAvailable() bool {
	return binaryOnPath("codex")
}

func (a *codexAdapter) LaunchCommand(dir, promptFile string, dangerous bool) []string {
	args := []string{"codex"}
	if dangerous {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	args = append(args, bootstrapPrompt(promptFile))
	return args
}

func (a *codexAdapter) ParseContextRemaining(chunk string) (float64, bool) {
	return lastPercentMatch(codexContextPatterns, chunk)
}

func (a *codexAdapter) IdleSignature(tail string) bool {
	return strings.Contains(tail, "▌") ||
		strings.Contains(tail, "Ctrl+T transcript")
}

func (a *codexAdapter) ResumePrompt(t model.Task, vars prompt.Vars) (string, error) {
	return a.prompts.Render(prompt.KindResume, vars)
}
