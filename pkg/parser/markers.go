package parser

import (
	"encoding/json"
	"strings"

	"github.com/workflowkit/chatstream/pkg/models"
)

// markerTags is the fixed vocabulary of structured marker tag pairs embedded
// in streamed prose. Each span looks like <tag>{...json...}</tag>.
var markerTags = []struct {
	tag  string
	kind models.StructuredKind
}{
	{"sources", models.KindSources},
	{"suggestions", models.KindSuggestions},
	{"file", models.KindFile},
	{"status_event", models.KindStatusEvent},
	{"artifact", models.KindArtifact},
}

// tagMatch locates the earliest opening tag in a buffer.
type tagMatch struct {
	start int // index of '<'
	end   int // index just past '>'
	tag   string
	kind  models.StructuredKind
}

// findOpenTag returns the earliest opening marker tag in s, or nil.
func findOpenTag(s string) *tagMatch {
	var found *tagMatch
	for _, mt := range markerTags {
		token := "<" + mt.tag + ">"
		idx := strings.Index(s, token)
		if idx < 0 {
			continue
		}
		if found == nil || idx < found.start {
			found = &tagMatch{start: idx, end: idx + len(token), tag: mt.tag, kind: mt.kind}
		}
	}
	return found
}

// parseBuffer re-parses the open buffer into content parts.
//
// Live mode (final=false) is the preview path: trailing prose is auto-closed,
// an opening tag with no closing tag yet is withheld along with everything
// after it, and a trailing fragment that could still grow into a marker tag
// is withheld to avoid flashing raw tag text.
//
// Final mode (final=true) is the flush path: the stream is over, so a span
// that never received its closing tag is emitted as literal text instead of
// being dropped.
//
// In both modes a complete span whose payload is not valid JSON falls back
// to literal text; a malformed marker is a recoverable protocol error,
// never a failure.
func parseBuffer(buf string, final bool) []models.Part {
	if buf == "" {
		return nil
	}

	var parts []models.Part
	var prose strings.Builder

	flushProse := func() {
		text := autoClose(prose.String())
		if text != "" {
			parts = append(parts, models.TextPart{Text: text})
		}
		prose.Reset()
	}
	// Structured parts split the prose; text between two spans must not be
	// auto-closed against markers opened before the first span.
	flushProsePlain := func() {
		if prose.Len() > 0 {
			parts = append(parts, models.TextPart{Text: prose.String()})
			prose.Reset()
		}
	}

	rest := buf
	for {
		open := findOpenTag(rest)
		if open == nil {
			if !final {
				rest = trimIncompleteTag(rest)
			}
			prose.WriteString(rest)
			break
		}

		prose.WriteString(rest[:open.start])

		closeToken := "</" + open.tag + ">"
		closeOff := strings.Index(rest[open.end:], closeToken)
		if closeOff < 0 {
			if final {
				// Stream ended with the span still open: literal text wins
				// over withholding so no content is discarded.
				prose.WriteString(rest[open.start:])
			}
			break
		}

		payload := strings.TrimSpace(rest[open.end : open.end+closeOff])
		spanEnd := open.end + closeOff + len(closeToken)

		if json.Valid([]byte(payload)) {
			flushProsePlain()
			parts = append(parts, models.StructuredPart{
				Kind:    open.kind,
				Payload: json.RawMessage(payload),
			})
		} else {
			// Both delimiters present but the payload does not parse:
			// emit the whole span, tags included, as literal text.
			prose.WriteString(rest[open.start:spanEnd])
		}
		rest = rest[spanEnd:]
	}

	flushProse()
	return parts
}

// trimIncompleteTag drops a trailing fragment that is a strict prefix of a
// marker tag token (opening or closing), e.g. a buffer ending in "<sour".
// Ordinary '<' characters in prose are kept: the fragment is only withheld
// when every byte matches the tag token so far.
func trimIncompleteTag(s string) string {
	lt := strings.LastIndexByte(s, '<')
	if lt < 0 {
		return s
	}
	frag := s[lt:]
	for _, mt := range markerTags {
		open := "<" + mt.tag + ">"
		closing := "</" + mt.tag + ">"
		if len(frag) < len(open) && strings.HasPrefix(open, frag) {
			return s[:lt]
		}
		if len(frag) < len(closing) && strings.HasPrefix(closing, frag) {
			return s[:lt]
		}
	}
	return s
}
