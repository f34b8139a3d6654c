package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderHTML(t *testing.T) {
	ir := Parse("Hello **world**", false)
	assert.Equal(t, "Hello <b>world</b>", Render(ir, FlavorHTML))

	ir = Parse("run `ls` *now*", false)
	assert.Equal(t, "run <code>ls</code> <i>now</i>", Render(ir, FlavorHTML))

	ir = Parse("~~gone~~", false)
	assert.Equal(t, "<s>gone</s>", Render(ir, FlavorHTML))
}

func TestRenderHTMLEscapesText(t *testing.T) {
	ir := IR{Text: "a < b & c > d"}
	assert.Equal(t, "a &lt; b &amp; c &gt; d", Render(ir, FlavorHTML))
}

func TestRenderHTMLLink(t *testing.T) {
	ir := Parse("[docs](https://x.dev?a=1&b=2)", false)
	assert.Equal(t, `<a href="https://x.dev?a=1&amp;b=2">docs</a>`, Render(ir, FlavorHTML))
}

func TestRenderHTMLPre(t *testing.T) {
	ir := Parse("```go\nx := 1\n```", false)
	assert.Equal(t, `<pre><code class="language-go">x := 1</code></pre>`, Render(ir, FlavorHTML))

	ir = Parse("```\nplain\n```", false)
	assert.Equal(t, "<pre>plain</pre>", Render(ir, FlavorHTML))
}

func TestRenderMarkup(t *testing.T) {
	ir := Parse("Hello **world**", false)
	assert.Equal(t, "Hello *world*", Render(ir, FlavorMarkup))

	ir = Parse("*em* and `code`", false)
	assert.Equal(t, "_em_ and `code`", Render(ir, FlavorMarkup))

	ir = Parse("~~gone~~", false)
	assert.Equal(t, "~gone~", Render(ir, FlavorMarkup))
}

func TestRenderMarkupPreKeepsLanguage(t *testing.T) {
	ir := Parse("```py\nprint(1)\n```", false)
	assert.Equal(t, "```py\nprint(1)\n```", Render(ir, FlavorMarkup))
}

func TestRenderMarkupLink(t *testing.T) {
	ir := Parse("[docs](https://x.dev)", false)
	assert.Equal(t, "docs (https://x.dev)", Render(ir, FlavorMarkup))

	// Label equal to the target renders once.
	ir = Parse("see https://example.com now", false)
	assert.Equal(t, "see https://example.com now", Render(ir, FlavorMarkup))
}

func TestRenderPlainStripsStyling(t *testing.T) {
	ir := Parse("# Title\n\n**bold** and `code`", false)
	assert.Equal(t, "Title\n\nbold and code", RenderPlain(ir))
}

func TestRenderPlainKeepsLinkTargets(t *testing.T) {
	ir := Parse("[docs](https://x.dev)", false)
	assert.Equal(t, "docs (https://x.dev)", RenderPlain(ir))

	ir = Parse("https://example.com", false)
	assert.Equal(t, "https://example.com", RenderPlain(ir))
}

func TestRenderUnknownFlavorFallsBackToPlain(t *testing.T) {
	ir := Parse("**bold**", false)
	assert.Equal(t, "bold", Render(ir, "weird"))
}

func TestRenderNestedSpans(t *testing.T) {
	ir := IR{
		Text: "bold italic",
		Spans: []Span{
			{Kind: SpanItalic, Start: 5, End: 11},
			{Kind: SpanBold, Start: 0, End: 11},
		},
	}
	assert.Equal(t, "<b>bold <i>italic</i></b>", Render(ir, FlavorHTML))
}

func TestRenderSharedBoundaryOrdering(t *testing.T) {
	// Both spans end at 11: the inner one must close first.
	ir := IR{
		Text: "bold italic",
		Spans: []Span{
			{Kind: SpanBold, Start: 0, End: 11},
			{Kind: SpanItalic, Start: 5, End: 11},
		},
	}
	assert.Equal(t, "<b>bold <i>italic</i></b>", Render(ir, FlavorHTML))
}

func TestRenderSurrogateOffsets(t *testing.T) {
	ir := IR{
		Text:  "\U0001F600 hi",
		Spans: []Span{{Kind: SpanBold, Start: 3, End: 5}},
	}
	assert.Equal(t, "\U0001F600 <b>hi</b>", Render(ir, FlavorHTML))
}
