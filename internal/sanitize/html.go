// Package sanitize turns provider HTML into plain text for analysis.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// StrictPolicy removes all HTML tags and attributes.
var StrictPolicy = bluemonday.StrictPolicy()

// Text strips all HTML tags, decodes entities and collapses whitespace.
// Provider snippets ("<b>Tusker</b> tramples&nbsp;crops") come out as the
// words a reader would see.
func Text(input string) string {
	if input == "" {
		return ""
	}
	// Block-level tags separate words once removed.
	replacer := strings.NewReplacer("<br>", " ", "<br/>", " ", "<br />", " ", "</p>", " ", "</li>", " ", "</div>", " ")
	stripped := StrictPolicy.Sanitize(replacer.Replace(input))
	// bluemonday re-escapes text, so entities are decoded after sanitizing.
	return strings.Join(strings.Fields(html.UnescapeString(stripped)), " ")
}

// Truncated reports whether s looks like a provider summary cut short,
// such as NewsAPI's "... [+1234 chars]" tail or a trailing ellipsis.
func Truncated(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	if i := strings.LastIndex(s, "[+"); i >= 0 && strings.HasSuffix(s, "chars]") {
		return true
	}
	return strings.HasSuffix(s, "…") || strings.HasSuffix(s, "...")
}

// TrimTruncationMarker removes a trailing "[+N chars]" marker.
func TrimTruncationMarker(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "[+"); i >= 0 && strings.HasSuffix(s, "chars]") {
		return strings.TrimSpace(s[:i])
	}
	return s
}
