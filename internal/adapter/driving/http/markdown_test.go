package httphandler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderMarkdown_EmptyInput(t *testing.T) {
	assert.Equal(t, "", RenderMarkdown(""))
}

func TestRenderMarkdown(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "plain text", input: "Dashboard for repository health", want: []string{"Dashboard for repository health"}},
		{name: "bold", input: "**fast** builds", want: []string{"<strong>fast</strong>"}},
		{name: "inline code", input: "run `make test`", want: []string{"<code>make test</code>"}},
		{name: "strikethrough", input: "~~deprecated~~", want: []string{"<del>deprecated</del>"}},
		{name: "external link", input: "[docs](https://example.com)", want: []string{`href="https://example.com"`, `target="_blank"`, "docs</a>"}},
		{name: "relative link", input: "[readme](/README.md)", want: []string{`href="/README.md"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderMarkdown(tt.input)
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
		})
	}
}

func TestRenderMarkdown_SanitizesScript(t *testing.T) {
	result := RenderMarkdown(`A tracker <script>alert("xss")</script>`)
	assert.NotContains(t, result, "<script>")
	assert.Contains(t, result, "A tracker")
}

func TestRenderMarkdown_StripsEventHandlers(t *testing.T) {
	result := RenderMarkdown(`<img src="logo.png" onerror="alert(1)">`)
	assert.NotContains(t, result, "onerror")
}
