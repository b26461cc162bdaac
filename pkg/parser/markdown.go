package parser

import "strings"

// Inline marker and fence tracking for the optimistic preview path.
//
// The preview must render validly even when the buffer ends mid-construct,
// so unterminated bold/italic/inline-code markers and open fenced code
// blocks get their closing tokens synthesized. Markers close in
// last-opened-first-closed order. A marker sitting at the very end of the
// buffer, with no text after it yet, is withheld from the preview instead of
// closed as an empty span.

const fenceMarker = "```"

// openMarker records a still-open marker and where it sits in the buffer.
type openMarker struct {
	token string
	start int
	end   int
}

// autoClose appends the closing tokens for any markers left open at the end
// of text. Ordinary constructs (headings, lists, links, tables, blockquotes)
// need no synthesis and pass through untouched.
func autoClose(text string) string {
	if text == "" {
		return ""
	}

	var stack []openMarker
	lineStart := true
	i := 0

	inFence := func() bool {
		return len(stack) > 0 && stack[len(stack)-1].token == fenceMarker
	}
	inInlineCode := func() bool {
		return len(stack) > 0 && stack[len(stack)-1].token == "`"
	}

	for i < len(text) {
		c := text[i]
		atLineStart := lineStart
		lineStart = false

		// Fence open/close only counts at the start of a line.
		if atLineStart && strings.HasPrefix(text[i:], fenceMarker) {
			if inFence() {
				stack = stack[:len(stack)-1]
			} else {
				stack = append(stack, openMarker{token: fenceMarker, start: i, end: i + len(fenceMarker)})
			}
			i += len(fenceMarker)
			continue
		}

		if c == '\n' {
			lineStart = true
			i++
			continue
		}

		// Inside a fenced block nothing is markup until the closing fence.
		if inFence() {
			i++
			continue
		}

		if c == '`' {
			if inInlineCode() {
				stack = stack[:len(stack)-1]
			} else {
				stack = append(stack, openMarker{token: "`", start: i, end: i + 1})
			}
			i++
			continue
		}

		// Inside inline code, emphasis markers are literal.
		if inInlineCode() {
			i++
			continue
		}

		if strings.HasPrefix(text[i:], "**") {
			stack = toggleEmphasis(stack, "**", text, i, i+2)
			i += 2
			continue
		}
		if c == '*' {
			stack = toggleEmphasis(stack, "*", text, i, i+1)
			i++
			continue
		}

		i++
	}

	// A trailing marker with no text after it is withheld, not closed.
	for len(stack) > 0 && stack[len(stack)-1].end == len(text) {
		text = text[:stack[len(stack)-1].start]
		stack = stack[:len(stack)-1]
	}

	if len(stack) == 0 {
		return text
	}

	var b strings.Builder
	b.WriteString(text)
	for j := len(stack) - 1; j >= 0; j-- {
		if stack[j].token == fenceMarker {
			b.WriteString("\n" + fenceMarker)
		} else {
			b.WriteString(stack[j].token)
		}
	}
	return b.String()
}

// toggleEmphasis opens or closes an emphasis marker at text[start:end].
//
// A marker closes the matching open marker when flanked by a non-space on
// the left. It opens when flanked by a non-space on the right, or when the
// buffer ends at the marker; autoClose withholds that trailing case from the
// preview until the flanking text arrives. Anything else (a list bullet,
// "2 * 3") is literal.
func toggleEmphasis(stack []openMarker, marker, text string, start, end int) []openMarker {
	closes := len(stack) > 0 && stack[len(stack)-1].token == marker &&
		start > 0 && !isSpaceByte(text[start-1])
	if closes {
		return stack[:len(stack)-1]
	}
	opens := end >= len(text) || !isSpaceByte(text[end])
	if opens {
		return append(stack, openMarker{token: marker, start: start, end: end})
	}
	return stack
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
