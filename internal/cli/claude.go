package cli

import (
	"regexp"
	"strconv"
	"strings"

	"taskdeck/internal/model"
	"taskdeck/internal/prompt"
)

// claudeAdapter drives the Claude Code CLI.
type claudeAdapter struct {
	prompts *prompt.Renderer
}

// Claude Code prints the remaining-context estimate in two places: the
// statusline ("34% (until auto-compact)") and the /context summary
// ("Context left until auto-compact: 34%").
var claudeContextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context left until auto-compact:\s*(\d+(?:\.\d+)?)\s*%`),
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%\s*\(until auto-compact\)`),
}

func (a *claudeAdapter) Type() model.CLIType { return model.CLIClaudeCode }
func (a *claudeAdapter) Name() string        { return "Claude Code" }

func (a *claudeAdapter) IsAvailable() bool {
	return binaryOnPath("claude")
}

func (a *claudeAdapter) LaunchCommand(dir, promptFile string, dangerous bool) []string {
	args := []string{"claude"}
	if dangerous {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, bootstrapPrompt(promptFile))
	return args
}

func (a *claudeAdapter) ParseContextRemaining(chunk string) (float64, bool) {
	return lastPercentMatch(claudeContextPatterns, chunk)
}

func (a *claudeAdapter) IdleSignature(tail string) bool {
	// The Ink input box footer is only rendered while claude waits for input.
	return strings.Contains(tail, "? for shortcuts") ||
		strings.Contains(tail, "❯")
}

func (a *claudeAdapter) ResumePrompt(t model.Task, vars prompt.Vars) (string, error) {
	return a.prompts.Render(prompt.KindResume, vars)
}

// lastPercentMatch returns the last marker occurrence in chunk; terminal
// captures repeat old frames, so the newest value is at the bottom.
func lastPercentMatch(patterns []*regexp.Regexp, chunk string) (float64, bool) {
	best := -1
	value := 0.0
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatchIndex(chunk, -1) {
			if m[0] > best {
				v, err := strconv.ParseFloat(chunk[m[2]:m[3]], 64)
				if err != nil || v < 0 || v > 100 {
					continue
				}
				best = m[0]
				value = v
			}
		}
	}
	return value, best >= 0
}
