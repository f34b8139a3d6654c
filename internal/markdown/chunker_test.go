package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkTexts(chunks []IR) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func TestSplitIRUnderLimit(t *testing.T) {
	ir := Parse("short **message**", false)
	chunks := SplitIR(ir, ChunkOptions{Limit: 100})
	require.Len(t, chunks, 1)
	assert.Equal(t, ir, chunks[0], "under the limit the IR passes through, spans included")

	chunks = SplitIR(ir, ChunkOptions{})
	require.Len(t, chunks, 1)
	assert.Equal(t, ir, chunks[0])
}

func TestSplitIRPrefersParagraphBreak(t *testing.T) {
	ir := Parse("first paragraph here\n\nsecond paragraph there", false)
	chunks := SplitIR(ir, ChunkOptions{Limit: 30})
	assert.Equal(t, []string{"first paragraph here", "second paragraph there"}, chunkTexts(chunks))
}

func TestSplitIRFallsBackToNewline(t *testing.T) {
	ir := IR{Text: "line one stays\nline two goes over the limit"}
	chunks := SplitIR(ir, ChunkOptions{Limit: 25})
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "line one stays", chunks[0].Text)
}

func TestSplitIRSentenceBreak(t *testing.T) {
	ir := IR{Text: "One sentence here. Another sentence that runs long."}
	chunks := SplitIR(ir, ChunkOptions{Limit: 30})
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "One sentence here.", chunks[0].Text)
}

func TestSplitIRWhitespaceBreak(t *testing.T) {
	text := "wordone wordtwo wordthree wordfour"
	chunks := SplitIR(IR{Text: text}, ChunkOptions{Limit: 20})
	for _, c := range chunks {
		assert.LessOrEqual(t, UTF16Len(c.Text), 20)
	}
	var words []string
	for _, c := range chunks {
		words = append(words, strings.Fields(c.Text)...)
	}
	assert.Equal(t, strings.Fields(text), words, "no words lost")
}

func TestSplitIRHardCutWhenNoBreak(t *testing.T) {
	text := strings.Repeat("x", 50)
	chunks := SplitIR(IR{Text: text}, ChunkOptions{Limit: 20})
	assert.GreaterOrEqual(t, len(chunks), 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, UTF16Len(c.Text), 20)
	}
	assert.Equal(t, text, strings.Join(chunkTexts(chunks), ""))
}

func TestSplitIRLengthModeIgnoresBreaks(t *testing.T) {
	chunks := SplitIR(IR{Text: "aaaa bbbb\ncccc dddd"}, ChunkOptions{Limit: 12, Mode: "length"})
	assert.Greater(t, len(chunks), 1)
}

func TestSplitIRRebasesSpans(t *testing.T) {
	ir := IR{
		Text:  "aaaa bbbb cccc",
		Spans: []Span{{Kind: SpanBold, Start: 5, End: 9}},
	}
	chunks := SplitIR(ir, ChunkOptions{Limit: 10})
	require.Len(t, chunks, 2)

	assert.Equal(t, "aaaa bbbb", chunks[0].Text)
	assert.Equal(t, []Span{{Kind: SpanBold, Start: 5, End: 9}}, chunks[0].Spans)
	assert.Equal(t, "cccc", chunks[1].Text)
	assert.Empty(t, chunks[1].Spans, "span outside the chunk drops out")
}

func TestSplitIRClipsStraddlingSpan(t *testing.T) {
	ir := IR{
		Text:  "abcdefghij",
		Spans: []Span{{Kind: SpanBold, Start: 3, End: 8}},
	}
	chunks := SplitIR(ir, ChunkOptions{Limit: 5, Mode: "length"})
	require.Len(t, chunks, 2)

	assert.Equal(t, "abcde", chunks[0].Text)
	assert.Equal(t, []Span{{Kind: SpanBold, Start: 3, End: 5}}, chunks[0].Spans)
	assert.Equal(t, "fghij", chunks[1].Text)
	assert.Equal(t, []Span{{Kind: SpanBold, Start: 0, End: 3}}, chunks[1].Spans)
}

func TestSplitIRStylesBalancedWhenRendered(t *testing.T) {
	ir := Parse("**"+strings.TrimSpace(strings.Repeat("bold word ", 12))+"**", false)
	chunks := SplitIR(ir, ChunkOptions{Limit: 40})
	require.Greater(t, len(chunks), 1)

	for _, c := range chunks {
		html := Render(c, FlavorHTML)
		assert.Equal(t, strings.Count(html, "<b>"), strings.Count(html, "</b>"),
			"tags balanced in %q", html)
		assert.True(t, strings.HasPrefix(html, "<b>"), "style reopens at chunk start: %q", html)
		assert.True(t, strings.HasSuffix(html, "</b>"), "style closes at chunk end: %q", html)
	}
}

func TestSplitIRReopensFence(t *testing.T) {
	ir := Parse("```go\nline one of code\nline two of code\nline three of code\n```", false)
	chunks := SplitIR(ir, ChunkOptions{Limit: 20})
	require.GreaterOrEqual(t, len(chunks), 2)

	for _, c := range chunks {
		rendered := Render(c, FlavorMarkup)
		assert.True(t, strings.HasPrefix(rendered, "```go\n"),
			"continuation reopens with the language: %q", rendered)
		assert.True(t, strings.HasSuffix(rendered, "\n```"),
			"cut inside the block closes the fence: %q", rendered)
	}
}

func TestSplitIRRespectsUTF16Budget(t *testing.T) {
	// Each emoji counts as two units, so 10 emoji exceed a limit of 15.
	text := strings.Repeat("\U0001F600", 10)
	chunks := SplitIR(IR{Text: text}, ChunkOptions{Limit: 15})
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, UTF16Len(c.Text), 15)
	}
	assert.Equal(t, text, strings.Join(chunkTexts(chunks), ""))
}

func TestSpansWithin(t *testing.T) {
	spans := []Span{
		{Kind: SpanBold, Start: 0, End: 4},
		{Kind: SpanItalic, Start: 2, End: 8},
		{Kind: SpanCode, Start: 10, End: 12},
	}
	got := spansWithin(spans, 3, 10)
	assert.Equal(t, []Span{
		{Kind: SpanBold, Start: 0, End: 1},
		{Kind: SpanItalic, Start: 0, End: 5},
	}, got)

	assert.Empty(t, spansWithin(spans, 12, 20))
}

func TestNaturalBreak(t *testing.T) {
	assert.Equal(t, 6, naturalBreak("parA\n\nmore"), "paragraph boundary wins")
	assert.Equal(t, 5, naturalBreak("line\nmore"), "then single newline")
	assert.Equal(t, 8, naturalBreak("One up. Two down"), "then sentence end")
	assert.Equal(t, 8, naturalBreak("justtwo words"), "then whitespace")
	assert.Equal(t, 0, naturalBreak("nobreaks"))
}

func TestTakeUTF16(t *testing.T) {
	assert.Equal(t, "abc", takeUTF16("abcdef", 3))
	assert.Equal(t, "abcdef", takeUTF16("abcdef", 10))
	// Never splits a surrogate pair.
	assert.Equal(t, "a", takeUTF16("a\U0001F600b", 2))
	assert.Equal(t, "a\U0001F600", takeUTF16("a\U0001F600b", 3))
}
