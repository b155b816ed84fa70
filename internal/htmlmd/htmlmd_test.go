package htmlmd

import (
	"strings"
	"testing"
)

func TestConvertBasics(t *testing.T) {
	src := `<html><head><title>t</title><style>p{color:red}</style></head>
<body><h1>Title</h1><p>Hello <b>world</b> and <i>friends</i>.</p>
<script>alert(1)</script>
<ul><li>one</li><li>two</li></ul>
<p>See <a href="https://example.com">the site</a>.</p></body></html>`

	got, err := Convert([]byte(src))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	for _, want := range []string{
		"# Title",
		"Hello **world** and *friends*.",
		"- one",
		"- two",
		"[the site](https://example.com)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "alert(1)") {
		t.Error("script content leaked into markdown")
	}
	if strings.Contains(got, "color:red") {
		t.Error("style content leaked into markdown")
	}
}

func TestConvertCollapsesWhitespace(t *testing.T) {
	got, err := Convert([]byte("<p>a\n\n\n   b</p><p></p><p>c</p>"))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("blank-line run survived:\n%q", got)
	}
	if !strings.Contains(got, "a b") {
		t.Errorf("inline whitespace not collapsed: %q", got)
	}
}

func TestConvertOrderedListAndCode(t *testing.T) {
	got, err := Convert([]byte(`<ol><li>first</li><li>second</li></ol><pre><code>x := 1</code></pre>`))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	for _, want := range []string{"1. first", "2. second", "```", "x := 1"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}
