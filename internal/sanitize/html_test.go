package sanitize

import (
	"testing"
)

func TestText_RemovesAllHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "script tag",
			input:    `Hello <script>alert('xss')</script> World`,
			expected: `Hello World`,
		},
		{
			name:     "inline event handler",
			input:    `<div onclick="alert('xss')">Tusker raid</div>`,
			expected: `Tusker raid`,
		},
		{
			name:     "style tag",
			input:    `<style>body{color:red}</style>Text`,
			expected: `Text`,
		},
		{
			name:     "formatting tags",
			input:    `<b>Wild elephant</b> <i>tramples</i> crops in <a href="https://example.com">Wayanad</a>`,
			expected: `Wild elephant tramples crops in Wayanad`,
		},
		{
			name:     "entities decoded",
			input:    `Farmers&#39; crops &amp; fences damaged&nbsp;overnight`,
			expected: "Farmers' crops & fences damaged overnight",
		},
		{
			name:     "paragraphs separate words",
			input:    `<p>First line.</p><p>Second line.</p>`,
			expected: `First line. Second line.`,
		},
		{
			name:     "plain text unchanged",
			input:    `Just plain text`,
			expected: `Just plain text`,
		},
		{
			name:     "empty",
			input:    ``,
			expected: ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(tt.input); got != tt.expected {
				t.Errorf("Text(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTruncated(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"A herd strayed into the village … [+2381 chars]", true},
		{"A herd strayed into the village...", true},
		{"A herd strayed into the village.", false},
		{"", true},
	}
	for _, tt := range tests {
		if got := Truncated(tt.input); got != tt.want {
			t.Errorf("Truncated(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTrimTruncationMarker(t *testing.T) {
	got := TrimTruncationMarker("Gaur gored a farmer near Kodagu [+1200 chars]")
	if got != "Gaur gored a farmer near Kodagu" {
		t.Errorf("TrimTruncationMarker = %q", got)
	}
	if got := TrimTruncationMarker("no marker"); got != "no marker" {
		t.Errorf("TrimTruncationMarker = %q", got)
	}
}
