// Package markdown converts agent output into channel-ready text. Markdown
// is parsed once into a format IR (plain text plus UTF-16 style ranges);
// per-channel renderers, the chunker, and the stream coalescer all work
// from that IR so every transport sees consistent formatting.
package markdown

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// SpanKind is a style applied to a range of IR text.
type SpanKind string

const (
	SpanBold   SpanKind = "bold"
	SpanItalic SpanKind = "italic"
	SpanCode   SpanKind = "code"
	SpanStrike SpanKind = "strike"
	SpanLink   SpanKind = "link"
	SpanPre    SpanKind = "pre" // fenced code block
)

// Span is one style range. Offsets are UTF-16 code units into IR.Text,
// matching what chat transports count.
type Span struct {
	Kind     SpanKind `json:"kind"`
	Start    int      `json:"start"`
	End      int      `json:"end"`
	URL      string   `json:"url,omitempty"`      // link spans
	Language string   `json:"language,omitempty"` // pre spans
}

// IR is the format intermediate representation: the rendered plain text and
// the style ranges over it.
type IR struct {
	Text  string `json:"text"`
	Spans []Span `json:"spans,omitempty"`
}

// UTF16Len counts UTF-16 code units in s.
func UTF16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// Parse converts markdown source into IR. parseTables renders pipe tables
// as monospace blocks; off, they pass through as literal text lines.
func Parse(src string, parseTables bool) IR {
	exts := []goldmark.Option{
		goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
	}
	if parseTables {
		exts = append(exts, goldmark.WithExtensions(extension.Table))
	}
	md := goldmark.New(exts...)

	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	b := &irBuilder{src: source}
	b.blocks(doc)
	return IR{Text: strings.TrimRight(b.sb.String(), "\n"), Spans: b.clampSpans()}
}

type irBuilder struct {
	src   []byte
	sb    strings.Builder
	off   int // UTF-16 offset of sb's end
	spans []Span
}

func (b *irBuilder) write(s string) {
	b.sb.WriteString(s)
	b.off += UTF16Len(s)
}

func (b *irBuilder) span(kind SpanKind, start int, url, lang string) {
	if b.off <= start {
		return
	}
	b.spans = append(b.spans, Span{Kind: kind, Start: start, End: b.off, URL: url, Language: lang})
}

// clampSpans drops spans stranded past the trailing-newline trim.
func (b *irBuilder) clampSpans() []Span {
	limit := UTF16Len(strings.TrimRight(b.sb.String(), "\n"))
	out := b.spans[:0]
	for _, s := range b.spans {
		if s.Start >= limit {
			continue
		}
		if s.End > limit {
			s.End = limit
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// blocks renders block-level children separated by blank lines.
func (b *irBuilder) blocks(parent ast.Node) {
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		b.block(child)
	}
}

func (b *irBuilder) block(n ast.Node) {
	switch v := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		b.inlines(n)
		b.write("\n\n")
	case *ast.Heading:
		start := b.off
		b.inlines(n)
		b.span(SpanBold, start, "", "")
		b.write("\n\n")
	case *ast.FencedCodeBlock:
		lang := string(v.Language(b.src))
		start := b.off
		b.writeLines(v)
		b.trimTrailingNewlines()
		b.span(SpanPre, start, "", lang)
		b.write("\n\n")
	case *ast.CodeBlock:
		start := b.off
		b.writeLines(v)
		b.trimTrailingNewlines()
		b.span(SpanPre, start, "", "")
		b.write("\n\n")
	case *ast.Blockquote:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			b.write("> ")
			b.inlines(c)
			b.write("\n")
		}
		b.write("\n")
	case *ast.List:
		b.list(v, 0)
		b.write("\n")
	case *ast.ThematicBreak:
		b.write("---\n\n")
	case *east.Table:
		start := b.off
		b.table(v)
		b.span(SpanPre, start, "", "")
		b.write("\n\n")
	default:
		b.inlines(n)
		b.write("\n\n")
	}
}

func (b *irBuilder) list(l *ast.List, depth int) {
	indent := strings.Repeat("  ", depth)
	idx := l.Start
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if l.IsOrdered() {
			marker = fmt.Sprintf("%d. ", idx)
			idx++
		}
		b.write(indent + marker)
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if sub, ok := c.(*ast.List); ok {
				b.write("\n")
				b.list(sub, depth+1)
			} else {
				b.inlines(c)
			}
		}
		b.write("\n")
	}
}

func (b *irBuilder) table(t *east.Table) {
	for row := t.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			sub := &irBuilder{src: b.src}
			sub.inlines(cell)
			cells = append(cells, strings.TrimSpace(sub.sb.String()))
		}
		b.write(strings.Join(cells, " | "))
		b.write("\n")
	}
	b.trimTrailingNewlines()
}

func (b *irBuilder) writeLines(n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.write(string(seg.Value(b.src)))
	}
}

// trimTrailingNewlines pulls the builder back to the last non-newline so a
// span does not cover trailing block whitespace.
func (b *irBuilder) trimTrailingNewlines() {
	s := b.sb.String()
	trimmed := strings.TrimRight(s, "\n")
	if len(trimmed) == len(s) {
		return
	}
	b.sb.Reset()
	b.sb.WriteString(trimmed)
	b.off -= UTF16Len(s) - UTF16Len(trimmed)
}

func (b *irBuilder) inlines(parent ast.Node) {
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		b.inline(child)
	}
}

func (b *irBuilder) inline(n ast.Node) {
	switch v := n.(type) {
	case *ast.Text:
		b.write(string(v.Segment.Value(b.src)))
		if v.SoftLineBreak() || v.HardLineBreak() {
			b.write("\n")
		}
	case *ast.String:
		b.write(string(v.Value))
	case *ast.Emphasis:
		start := b.off
		b.inlines(n)
		if v.Level >= 2 {
			b.span(SpanBold, start, "", "")
		} else {
			b.span(SpanItalic, start, "", "")
		}
	case *ast.CodeSpan:
		start := b.off
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				b.write(string(t.Segment.Value(b.src)))
			}
		}
		b.span(SpanCode, start, "", "")
	case *ast.Link:
		start := b.off
		b.inlines(n)
		b.span(SpanLink, start, string(v.Destination), "")
	case *ast.AutoLink:
		start := b.off
		url := string(v.URL(b.src))
		b.write(url)
		b.span(SpanLink, start, url, "")
	case *ast.Image:
		// Images degrade to their alt text plus URL.
		start := b.off
		b.inlines(n)
		b.span(SpanLink, start, string(v.Destination), "")
	case *east.Strikethrough:
		start := b.off
		b.inlines(n)
		b.span(SpanStrike, start, "", "")
	case *ast.RawHTML:
		// Inline HTML passes through as literal text.
		for i := 0; i < v.Segments.Len(); i++ {
			seg := v.Segments.At(i)
			b.write(string(seg.Value(b.src)))
		}
	default:
		b.inlines(n)
	}
}
