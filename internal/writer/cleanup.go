package writer

import (
	"regexp"
	"strings"
)

// Source cleanup strips well-known encyclopedia chrome (citation markers,
// trailing navigation sections, interwiki links) from normalized text. It
// only fires when at least two independent signals agree the content carries
// that chrome, so ordinary prose passes through untouched. Idempotent.

var (
	citationRe  = regexp.MustCompile(`\[\d{1,3}\]`)
	interwikiRe = regexp.MustCompile(`(?m)^\[\[[a-z]{2,3}:[^\]]+\]\]\s*$`)
	editLinkRe  = regexp.MustCompile(`\[edit\]`)
)

// chromeSections end the useful body when they appear as headings.
var chromeSections = []string{
	"see also",
	"references",
	"external links",
	"further reading",
	"notes",
	"bibliography",
}

// cleanupSource returns the cleaned text and whether anything was stripped.
func cleanupSource(content string) (string, bool) {
	if countSignals(content) < 2 {
		return content, false
	}

	out := citationRe.ReplaceAllString(content, "")
	out = editLinkRe.ReplaceAllString(out, "")
	out = interwikiRe.ReplaceAllString(out, "")
	out = truncateAtChrome(out)
	out = collapseBlankRuns(out)
	return out, out != content
}

// countSignals tallies independent hints that this is scraped reference
// material rather than authored prose.
func countSignals(content string) int {
	signals := 0
	if len(citationRe.FindAllString(content, 3)) >= 3 {
		signals++
	}
	if interwikiRe.MatchString(content) {
		signals++
	}
	if editLinkRe.MatchString(content) {
		signals++
	}
	lower := strings.ToLower(content)
	for _, sec := range chromeSections {
		if strings.Contains(lower, "\n## "+sec) || strings.Contains(lower, "\n# "+sec) {
			signals++
			break
		}
	}
	return signals
}

// truncateAtChrome drops everything from the first trailing navigation
// heading onward, preserving body content above it.
func truncateAtChrome(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if !isHeading(line) {
			continue
		}
		title := strings.ToLower(strings.TrimSpace(strings.TrimLeft(line, "# ")))
		for _, sec := range chromeSections {
			if title == sec {
				// Only cut when the heading sits in the trailing half; a
				// "Notes" section mid-document is likely real content.
				if i > len(lines)/2 {
					return strings.Join(lines[:i], "\n")
				}
			}
		}
	}
	return content
}

func collapseBlankRuns(content string) string {
	lines := strings.Split(content, "\n")
	var out []string
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blank = 0
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
