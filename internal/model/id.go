package model

import (
	"strings"

	"github.com/google/uuid"
)

// NewTaskID returns a new opaque task identifier.
// Format: t_<12 hex chars>, short enough for log lines and window titles.
func NewTaskID() string {
	return "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
