package markdown

import (
	"sort"
	"strings"
)

// Render flavors accepted in channel config.
const (
	FlavorHTML   = "html"
	FlavorMarkup = "markup"
	FlavorPlain  = "plain"
)

// Render produces channel-ready text from IR in the given flavor.
// Unknown flavors fall back to plain.
func Render(ir IR, flavor string) string {
	switch flavor {
	case FlavorHTML:
		return renderTagged(ir, htmlTags, escapeHTML)
	case FlavorMarkup:
		return renderTagged(ir, markupTags, nil)
	default:
		return RenderPlain(ir)
	}
}

// RenderPlain strips styling; links whose label differs from the target
// keep the URL in parentheses.
func RenderPlain(ir IR) string {
	return renderTagged(ir, plainTags, nil)
}

// tagFunc returns the opening and closing markers for a span. label is the
// span's covered text, so link renderers can elide redundant URLs.
type tagFunc func(s Span, label string) (open, close string)

func htmlTags(s Span, _ string) (string, string) {
	switch s.Kind {
	case SpanBold:
		return "<b>", "</b>"
	case SpanItalic:
		return "<i>", "</i>"
	case SpanStrike:
		return "<s>", "</s>"
	case SpanCode:
		return "<code>", "</code>"
	case SpanPre:
		if s.Language != "" {
			return `<pre><code class="language-` + escapeAttr(s.Language) + `">`, "</code></pre>"
		}
		return "<pre>", "</pre>"
	case SpanLink:
		return `<a href="` + escapeAttr(s.URL) + `">`, "</a>"
	}
	return "", ""
}

func markupTags(s Span, label string) (string, string) {
	switch s.Kind {
	case SpanBold:
		return "*", "*"
	case SpanItalic:
		return "_", "_"
	case SpanStrike:
		return "~", "~"
	case SpanCode:
		return "`", "`"
	case SpanPre:
		return "```" + s.Language + "\n", "\n```"
	case SpanLink:
		if label == s.URL || s.URL == "" {
			return "", ""
		}
		return "", " (" + s.URL + ")"
	}
	return "", ""
}

func plainTags(s Span, label string) (string, string) {
	if s.Kind == SpanLink && label != s.URL && s.URL != "" {
		return "", " (" + s.URL + ")"
	}
	return "", ""
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func escapeAttr(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

type tagEvent struct {
	pos  int // UTF-16 offset
	open bool
	span int
}

// renderTagged walks the IR text once, inserting span markers at their
// UTF-16 boundaries. Spans from the parser are properly nested, so closes
// run innermost-first and opens outermost-first at a shared boundary.
func renderTagged(ir IR, tags tagFunc, escape func(string) string) string {
	if len(ir.Spans) == 0 {
		if escape != nil {
			return escape(ir.Text)
		}
		return ir.Text
	}

	byteAt := u16ByteIndex(ir.Text)
	labelOf := func(s Span) string {
		return ir.Text[byteAt(s.Start):byteAt(s.End)]
	}

	events := make([]tagEvent, 0, len(ir.Spans)*2)
	for i, s := range ir.Spans {
		events = append(events,
			tagEvent{pos: s.Start, open: true, span: i},
			tagEvent{pos: s.End, open: false, span: i},
		)
	}
	sort.SliceStable(events, func(a, b int) bool {
		ea, eb := events[a], events[b]
		if ea.pos != eb.pos {
			return ea.pos < eb.pos
		}
		if ea.open != eb.open {
			return !ea.open // closes before opens
		}
		if ea.open {
			// Wider span opens first.
			return ir.Spans[ea.span].End > ir.Spans[eb.span].End
		}
		// Inner span closes first.
		return ir.Spans[ea.span].Start > ir.Spans[eb.span].Start
	})

	var out strings.Builder
	cur := 0
	emit := func(upto int) {
		if upto <= cur {
			return
		}
		seg := ir.Text[byteAt(cur):byteAt(upto)]
		if escape != nil {
			seg = escape(seg)
		}
		out.WriteString(seg)
		cur = upto
	}

	for _, ev := range events {
		emit(ev.pos)
		s := ir.Spans[ev.span]
		openTag, closeTag := tags(s, labelOf(s))
		if ev.open {
			out.WriteString(openTag)
		} else {
			out.WriteString(closeTag)
		}
	}
	emit(UTF16Len(ir.Text))
	return out.String()
}

// u16ByteIndex returns a lookup from UTF-16 offset to byte offset.
func u16ByteIndex(s string) func(int) int {
	idx := make([]int, 0, len(s)+1)
	for b, r := range s {
		idx = append(idx, b)
		if r > 0xFFFF {
			idx = append(idx, b) // surrogate pair: both units map to the rune start
		}
	}
	idx = append(idx, len(s))
	return func(u16 int) int {
		if u16 < 0 {
			return 0
		}
		if u16 >= len(idx) {
			return len(s)
		}
		return idx[u16]
	}
}
