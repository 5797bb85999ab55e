// Package prompt builds the deterministic instruction string sent to the
// text-generation provider. Build is pure: same text in, same prompt out.
package prompt

import (
	_ "embed"
	"strings"
)

//go:embed templates/analysis_v1.txt
var analysisV1 string

// CueToken anchors where generation should begin.
const CueToken = "JSON:"

// Version identifies the active prompt template.
const Version = "v1"

// Build maps validated job-description text to the full model instruction.
// Callers are expected to pass validated, non-empty text; an empty argument
// is a programmer error, not a runtime condition.
func Build(text string) string {
	var b strings.Builder
	b.Grow(len(analysisV1) + len(text) + 16)
	b.WriteString(analysisV1)
	b.WriteString("\n")
	b.WriteString(text)
	b.WriteString("\n\n")
	b.WriteString(CueToken)
	return b.String()
}
