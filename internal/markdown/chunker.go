package markdown

import (
	"strings"
	"unicode/utf8"
)

// ChunkOptions controls outbound message splitting.
type ChunkOptions struct {
	Limit int    // max UTF-16 units per chunk (0 = no splitting)
	Mode  string // "newline" (default, prefer natural breaks) or "length"
}

// SplitIR cuts a parsed message into chunks no longer than the limit,
// before any rendering happens. Natural-break mode prefers, in order:
// paragraph boundary, newline, sentence end, whitespace, then a hard cut.
// Spans are clipped to each chunk and rebased to its start, so no style
// ever straddles a chunk boundary; the renderer reopens bold, links and
// code fences (with their language) inside every chunk it touches.
func SplitIR(ir IR, opts ChunkOptions) []IR {
	if opts.Limit <= 0 || UTF16Len(ir.Text) <= opts.Limit {
		return []IR{ir}
	}

	var out []IR
	remaining := ir.Text
	offset := 0 // UTF-16 position of remaining[0] in ir.Text

	for remaining != "" {
		head := takeUTF16(remaining, opts.Limit)
		if head == "" {
			// Limit smaller than one rune: cut one anyway to make progress.
			_, w := utf8.DecodeRuneInString(remaining)
			head = remaining[:w]
		}

		cut := len(head)
		if len(head) < len(remaining) && opts.Mode != "length" {
			if c := naturalBreak(head); c > 0 {
				cut = c
			}
		}

		chunk := strings.TrimRight(remaining[:cut], " \n")
		rest := strings.TrimLeft(remaining[cut:], "\n")

		if chunk != "" {
			start := offset
			end := start + UTF16Len(chunk)
			out = append(out, IR{Text: chunk, Spans: spansWithin(ir.Spans, start, end)})
		}
		offset += UTF16Len(remaining) - UTF16Len(rest)
		remaining = rest
	}

	if len(out) == 0 {
		out = []IR{{Text: ""}}
	}
	return out
}

// spansWithin clips spans to the window [start, end) and rebases them to
// chunk-local offsets. Spans entirely outside the window drop out.
func spansWithin(spans []Span, start, end int) []Span {
	var out []Span
	for _, s := range spans {
		if s.End <= start || s.Start >= end {
			continue
		}
		if s.Start < start {
			s.Start = start
		}
		if s.End > end {
			s.End = end
		}
		s.Start -= start
		s.End -= start
		out = append(out, s)
	}
	return out
}

// naturalBreak finds the best cut position in head, or 0 when none beats a
// hard cut. Positions are byte offsets just past the separator.
func naturalBreak(head string) int {
	if i := strings.LastIndex(head, "\n\n"); i > 0 {
		return i + 2
	}
	if i := strings.LastIndex(head, "\n"); i > 0 {
		return i + 1
	}
	best := 0
	for _, sep := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(head, sep); i >= 0 && i+len(sep) > best {
			best = i + len(sep)
		}
	}
	if best > 0 {
		return best
	}
	if i := strings.LastIndex(head, " "); i > 0 {
		return i + 1
	}
	return 0
}

// takeUTF16 returns the longest prefix of s spanning at most n UTF-16
// units, cut at a rune boundary.
func takeUTF16(s string, n int) string {
	units := 0
	for b, r := range s {
		w := 1
		if r > 0xFFFF {
			w = 2
		}
		if units+w > n {
			return s[:b]
		}
		units += w
	}
	return s
}
