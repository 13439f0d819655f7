package inference

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy  = bluemonday.StrictPolicy()
	breakTagRe    = regexp.MustCompile(`(?i)<br\s*/?>`)
	paragraphRe   = regexp.MustCompile(`(?i)</p>\s*<p[^>]*>`)
	trailingWSRe  = regexp.MustCompile(`[ \t]+\n`)
	excessBreakRe = regexp.MustCompile(`\n{3,}`)
)

// Sanitize turns text that may carry incidental markup into plain text:
// line break and paragraph tags become newlines, other tags are removed and
// entities are decoded.
func Sanitize(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = breakTagRe.ReplaceAllString(s, "\n")
	s = paragraphRe.ReplaceAllString(s, "\n\n")
	s = strictPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = trailingWSRe.ReplaceAllString(s, "\n")
	s = excessBreakRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// SplitReply separates regular segments from reasoning segments, joins each
// group with a single space and sanitizes the result.
func SplitReply(parts []ReplyPart) (regular string, reasoning string) {
	var r, t []string
	for _, p := range parts {
		if p.IsThought() {
			t = append(t, p.Text)
		} else {
			r = append(r, p.Text)
		}
	}
	return Sanitize(strings.Join(r, " ")), Sanitize(strings.Join(t, " "))
}
