// Package sanitize strips markup from user and OCR supplied text before it is stored.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer removes every HTML element and attribute, keeping the text.
// It is safe for concurrent use.
type Sanitizer struct {
	policy *bluemonday.Policy
}

func New() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Text returns s without markup. Entities escaped by the policy are decoded
// again so that "R&D" stays "R&D".
func (s *Sanitizer) Text(in string) string {
	if in == "" {
		return ""
	}
	return html.UnescapeString(s.policy.Sanitize(in))
}

// Line is Text followed by whitespace trimming, used for single-line fields.
func (s *Sanitizer) Line(in string) string {
	return strings.TrimSpace(s.Text(in))
}

func (s *Sanitizer) Lines(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = s.Line(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
