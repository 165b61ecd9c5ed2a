// Package prompt renders the embedded prompt templates with task variables.
package prompt

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"text/template"

	"taskdeck/internal/model"
	"taskdeck/templates"
)

// Kind names a prompt template.
type Kind string

const (
	KindInitial     Kind = "initial_task"
	KindResume      Kind = "resume_task"
	KindContinue    Kind = "continue_task"
	KindReview      Kind = "review"
	KindStatusCheck Kind = "status_check"
)

// Vars are the variables injected into every template.
type Vars struct {
	ProjectName   string
	ProjectDir    string
	DocPath       string
	FullDocPath   string
	TaskID        string
	CLIType       string
	ReviewEnabled bool
	CallbackURL   string
	NotifyURL     string
}

// VarsForTask builds the standard variable set for a task. callbackBase is
// the URL the spawned CLI POSTs status updates to, e.g. http://127.0.0.1:8086.
func VarsForTask(t model.Task, cli model.CLIType, reviewEnabled bool, callbackBase string) Vars {
	base := strings.TrimRight(callbackBase, "/")
	return Vars{
		ProjectName:   filepath.Base(t.ProjectDir),
		ProjectDir:    t.ProjectDir,
		DocPath:       t.DocPath,
		FullDocPath:   filepath.Join(t.ProjectDir, t.DocPath),
		TaskID:        t.ID,
		CLIType:       string(cli),
		ReviewEnabled: reviewEnabled,
		CallbackURL:   base,
		NotifyURL:     fmt.Sprintf("%s/api/tasks/%s/notify-status", base, t.ID),
	}
}

// Renderer parses the embedded templates once and renders them on demand.
type Renderer struct {
	templates *template.Template
}

// NewRenderer loads the embedded template set.
func NewRenderer() (*Renderer, error) {
	return NewRendererFromFS(templates.FS)
}

// NewRendererFromFS loads templates from an arbitrary fs, for tests and for
// operator-provided template directories.
func NewRendererFromFS(fsys fs.FS) (*Renderer, error) {
	t, err := template.ParseFS(fsys, "*.md")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &Renderer{templates: t}, nil
}

// Render produces the prompt text for the given kind.
func (r *Renderer) Render(kind Kind, vars Vars) (string, error) {
	var sb strings.Builder
	name := string(kind) + ".md"
	if err := r.templates.ExecuteTemplate(&sb, name, vars); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return sb.String(), nil
}
