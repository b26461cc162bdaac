// Package parser converts a raw event sequence into an ordered sequence of
// typed content parts.
//
// Prose is handled optimistically: deltas are shown immediately, and a live
// preview auto-closes unterminated markdown markers so partial output still
// renders validly. Structured markers embedded in the prose are handled
// pessimistically: a tagged span is withheld until both delimiters have been
// observed, then parsed into a structured part.
//
// A ContentParser is bound to exactly one in-flight assistant message and
// must be invoked serially; there is no shared state across parsers.
package parser

import (
	"github.com/workflowkit/chatstream/pkg/events"
	"github.com/workflowkit/chatstream/pkg/models"
)

// Status is the parser lifecycle state.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
)

// ContentParser accumulates raw events for one assistant message.
// Not safe for concurrent use: callers must deliver events for a given
// message from a single goroutine (the multiplexer's read loop does).
type ContentParser struct {
	status    Status
	finalized []models.Part
	buffer    string
	events    []events.Envelope
}

// New creates a parser in the Streaming state.
func New() *ContentParser {
	return &ContentParser{status: StatusStreaming}
}

// Status returns the current lifecycle state.
func (p *ContentParser) Status() Status {
	return p.status
}

// AddEvent consumes one raw event.
//
//   - Malformed events (no recognizable type) are dropped entirely: no part,
//     no retention.
//   - Delta events append their text to the open buffer. An empty delta is
//     retained in the event log but produces no part.
//   - Any other event flushes the open buffer into a finalized Text part,
//     then appends a finalized Structured part built from the event payload.
//
// Events received after Complete are ignored.
func (p *ContentParser) AddEvent(e events.Envelope) {
	if p.status == StatusCompleted {
		return
	}
	if e.IsMalformed() {
		return
	}

	p.events = append(p.events, e)

	if e.IsDelta() {
		p.buffer += e.DeltaText()
		return
	}

	p.flushBuffer()
	p.finalized = append(p.finalized, models.StructuredPart{
		Kind:    structuredKindFor(e.Type),
		Payload: append([]byte(nil), e.Data...),
	})
}

// Parts returns the finalized parts followed by a fresh re-parse of the open
// buffer. The buffer re-parse is a live preview: trailing prose is auto-closed
// and structured marker spans missing their closing tag are withheld.
// The returned slice is a copy; callers may retain it.
func (p *ContentParser) Parts() []models.Part {
	parts := models.CloneParts(p.finalized)
	return append(parts, parseBuffer(p.buffer, false)...)
}

// Complete flushes the remaining buffer and transitions to Completed.
// Unlike the live preview, a marker span still missing its closing tag is
// emitted as literal text: once the stream is over, withheld content would
// otherwise be lost. Complete is idempotent.
func (p *ContentParser) Complete() {
	if p.status == StatusCompleted {
		return
	}
	p.finalized = append(p.finalized, parseBuffer(p.buffer, true)...)
	p.buffer = ""
	p.status = StatusCompleted
}

// Clear resets to a fresh Streaming state with empty buffer, parts, and
// event log.
func (p *ContentParser) Clear() {
	p.status = StatusStreaming
	p.finalized = nil
	p.buffer = ""
	p.events = nil
}

// Events returns a defensive copy of the retained raw events. Payload bytes
// are copied too so callers cannot corrupt the log through the returned
// slice.
func (p *ContentParser) Events() []events.Envelope {
	out := make([]events.Envelope, len(p.events))
	for i, e := range p.events {
		e.Data = append(e.Data[:0:0], e.Data...)
		out[i] = e
	}
	return out
}

// flushBuffer finalizes the open buffer into a single Text part ahead of a
// structured part so interleaving order is preserved. Empty buffers flush
// to nothing.
func (p *ContentParser) flushBuffer() {
	if p.buffer == "" {
		return
	}
	p.finalized = append(p.finalized, models.TextPart{Text: p.buffer})
	p.buffer = ""
}

// structuredKindFor maps a qualified structured event name to a part kind.
// Unrecognized structured events surface as status events so nothing is
// silently dropped.
func structuredKindFor(eventType string) models.StructuredKind {
	switch unqualifiedName(eventType) {
	case "SourceNodesEvent", "SourcesEvent":
		return models.KindSources
	case "SuggestedQuestionsEvent":
		return models.KindSuggestions
	case "FileEvent":
		return models.KindFile
	case "ArtifactEvent":
		return models.KindArtifact
	default:
		return models.KindStatusEvent
	}
}

// unqualifiedName returns the event name after the last dot.
func unqualifiedName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}
