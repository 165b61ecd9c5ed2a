package cli

import (
	"regexp"
	"strings"

	"taskdeck/internal/model"
	"taskdeck/internal/prompt"
)

// geminiAdapter drives the Google Gemini CLI.
type geminiAdapter struct {
	prompts *prompt.Renderer
}

// Gemini prints "(NN% context left)" next to the model name.
var geminiContextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\((\d+(?:\.\d+)?)\s*%\s+context\s+left\)`),
}

func (a *geminiAdapter) Type() model.CLIType { return model.CLIGemini }
func (a *geminiAdapter) Name() string        { return "Gemini" }

func (a *geminiAdapter) IsAvailable() bool {
	return binaryOnPath("gemini")
}

func (a *geminiAdapter) LaunchCommand(dir, promptFile string, dangerous bool) []string {
	args := []string{"gemini"}
	if dangerous {
		args = append(args, "--yolo")
	}
	args = append(args, "-i", bootstrapPrompt(promptFile))
	return args
}

func (a *geminiAdapter) ParseContextRemaining(chunk string) (float64, bool) {
	return lastPercentMatch(geminiContextPatterns, chunk)
}

func (a *geminiAdapter) IdleSignature(tail string) bool {
	return strings.Contains(tail, "Type your message") ||
		strings.Contains(tail, "❯")
}

func (a *geminiAdapter) ResumePrompt(t model.Task, vars prompt.Vars) (string, error) {
	return a.prompts.Render(prompt.KindResume, vars)
}
