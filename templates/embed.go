// Package templates embeds the default prompt templates.
package templates

import "embed"

//go:embed *.md
var FS embed.FS
