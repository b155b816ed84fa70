// Package htmlmd converts HTML to Markdown for content normalization.
// Script and style subtrees are dropped and whitespace collapses to what the
// Markdown needs.
package htmlmd

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Convert renders the HTML document as Markdown text.
func Convert(src []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(src)))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var b strings.Builder
	render(&b, doc, renderState{})
	return tidy(b.String()), nil
}

type renderState struct {
	listDepth int
	ordered   bool
	item      *int // shared across siblings of one ordered list
	pre       bool
}

func render(b *strings.Builder, n *html.Node, st renderState) {
	switch n.Type {
	case html.TextNode:
		if st.pre {
			b.WriteString(n.Data)
			return
		}
		b.WriteString(collapseSpace(n.Data))
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "head", "noscript", "iframe":
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n\n")
			b.WriteString(strings.Repeat("#", int(n.Data[1]-'0')))
			b.WriteString(" ")
			renderChildren(b, n, st)
			b.WriteString("\n\n")
			return
		case "p", "div", "section", "article":
			b.WriteString("\n\n")
			renderChildren(b, n, st)
			b.WriteString("\n\n")
			return
		case "br":
			b.WriteString("\n")
			return
		case "hr":
			b.WriteString("\n\n---\n\n")
			return
		case "strong", "b":
			b.WriteString("**")
			renderChildren(b, n, st)
			b.WriteString("**")
			return
		case "em", "i":
			b.WriteString("*")
			renderChildren(b, n, st)
			b.WriteString("*")
			return
		case "code":
			if !st.pre {
				b.WriteString("`")
				renderChildren(b, n, st)
				b.WriteString("`")
				return
			}
			renderChildren(b, n, st)
			return
		case "pre":
			b.WriteString("\n\n```\n")
			st.pre = true
			renderChildren(b, n, st)
			b.WriteString("\n```\n\n")
			return
		case "a":
			href := attr(n, "href")
			b.WriteString("[")
			renderChildren(b, n, st)
			b.WriteString("]")
			if href != "" {
				b.WriteString("(" + href + ")")
			}
			return
		case "img":
			if alt := attr(n, "alt"); alt != "" {
				b.WriteString(alt)
			}
			return
		case "ul":
			st.listDepth++
			st.ordered = false
			b.WriteString("\n")
			renderChildren(b, n, st)
			b.WriteString("\n")
			return
		case "ol":
			st.listDepth++
			st.ordered = true
			st.item = new(int)
			b.WriteString("\n")
			renderChildren(b, n, st)
			b.WriteString("\n")
			return
		case "li":
			b.WriteString("\n")
			b.WriteString(strings.Repeat("  ", max(st.listDepth-1, 0)))
			if st.ordered && st.item != nil {
				*st.item++
				fmt.Fprintf(b, "%d. ", *st.item)
			} else {
				b.WriteString("- ")
			}
			renderChildren(b, n, st)
			return
		case "blockquote":
			b.WriteString("\n\n> ")
			renderChildren(b, n, st)
			b.WriteString("\n\n")
			return
		}
	}
	renderChildren(b, n, st)
}

func renderChildren(b *strings.Builder, n *html.Node, st renderState) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		render(b, c, st)
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func collapseSpace(s string) string {
	fields := strings.Fields(s)
	out := strings.Join(fields, " ")
	// Preserve a single boundary space so words across inline tags stay apart.
	if len(s) > 0 && (s[0] == ' ' || s[0] == '\n' || s[0] == '\t') && out != "" {
		out = " " + out
	}
	if len(s) > 0 && out != "" {
		last := s[len(s)-1]
		if last == ' ' || last == '\n' || last == '\t' {
			out += " "
		}
	}
	return out
}

// tidy collapses blank-line runs left behind by block handling.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := 0
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			blank++
			if blank > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blank = 0
		out = append(out, strings.TrimLeft(trimmed, " "))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
