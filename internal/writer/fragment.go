package writer

import (
	"strings"
)

// charsPerToken approximates the tokenizer the downstream models use; a
// 4000-token budget admits roughly 16000 characters.
const charsPerToken = 4

// fragmentContent splits oversized Markdown into pieces that each fit the
// token budget. Heading boundaries are preferred; paragraph boundaries are
// the fallback; a paragraph bigger than the whole budget is split hard.
// Content within budget comes back as a single nil slice (no fragmentation).
func fragmentContent(content string, tokenBudget int) []string {
	budget := tokenBudget * charsPerToken
	if budget <= 0 || len(content) <= budget {
		return nil
	}

	sections := splitSections(content)
	var fragments []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			fragments = append(fragments, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, section := range sections {
		if len(section) > budget {
			// One section alone blows the budget: split on paragraphs.
			for _, para := range splitOversized(section, budget) {
				if current.Len() > 0 && current.Len()+len(para)+2 > budget {
					flush()
				}
				if current.Len() > 0 {
					current.WriteString("\n\n")
				}
				current.WriteString(para)
			}
			continue
		}
		if current.Len() > 0 && current.Len()+len(section)+2 > budget {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(section)
	}
	flush()

	if len(fragments) <= 1 {
		return nil
	}
	return fragments
}

// splitSections cuts Markdown at heading lines, keeping each heading with
// the body that follows it.
func splitSections(content string) []string {
	lines := strings.Split(content, "\n")
	var sections []string
	var current []string
	for _, line := range lines {
		if isHeading(line) && len(current) > 0 {
			sections = append(sections, strings.TrimSpace(strings.Join(current, "\n")))
			current = current[:0]
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		sections = append(sections, strings.TrimSpace(strings.Join(current, "\n")))
	}

	// Drop empty sections produced by leading headings.
	out := sections[:0]
	for _, s := range sections {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return false
	}
	i := 0
	for i < len(trimmed) && trimmed[i] == '#' {
		i++
	}
	return i <= 6 && i < len(trimmed) && trimmed[i] == ' '
}

// splitOversized cuts a section at paragraph breaks, hard-splitting any
// single paragraph that still exceeds the budget.
func splitOversized(section string, budget int) []string {
	paras := strings.Split(section, "\n\n")
	var out []string
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		for len(p) > budget {
			cut := budget
			// Back up to a space so words survive the hard split.
			if idx := strings.LastIndexByte(p[:cut], ' '); idx > budget/2 {
				cut = idx
			}
			out = append(out, strings.TrimSpace(p[:cut]))
			p = strings.TrimSpace(p[cut:])
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
