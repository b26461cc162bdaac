// Package models holds the plain data structures shared across the core:
// content parts, messages, and their JSON wire shapes.
package models

import (
	"encoding/json"
	"fmt"
)

// StructuredKind identifies the payload flavor of a structured content part.
type StructuredKind string

const (
	KindSources     StructuredKind = "sources"
	KindSuggestions StructuredKind = "suggestions"
	KindFile        StructuredKind = "file"
	KindStatusEvent StructuredKind = "status_event"
	KindArtifact    StructuredKind = "artifact"
)

// Part is one element of an assistant message. Order is significant and
// matches emission order. Concrete types: TextPart, StructuredPart.
type Part interface {
	part()
}

// TextPart is a run of prose.
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) part() {}

// StructuredPart is a non-prose payload: citations, suggested questions,
// an attached file, a status event, or a generated artifact.
type StructuredPart struct {
	Kind    StructuredKind  `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (StructuredPart) part() {}

// partEnvelope is the JSON shape of a Part: {"type": ..., ...fields}.
type partEnvelope struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the part with a type discriminator so API clients can
// switch on "type" without inspecting field presence.
func (p TextPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(partEnvelope{Type: "text", Text: p.Text})
}

func (p StructuredPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(partEnvelope{Type: string(p.Kind), Payload: p.Payload})
}

// MarshalPart encodes a single part.
func MarshalPart(p Part) ([]byte, error) {
	switch p.(type) {
	case TextPart, StructuredPart:
		return json.Marshal(p)
	default:
		return nil, fmt.Errorf("unknown part type %T", p)
	}
}

// UnmarshalPart decodes one discriminated part. "text" yields a TextPart;
// every other discriminator is a structured kind.
func UnmarshalPart(data []byte) (Part, error) {
	var env partEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("part missing type discriminator")
	}
	if env.Type == "text" {
		return TextPart{Text: env.Text}, nil
	}
	return StructuredPart{Kind: StructuredKind(env.Type), Payload: env.Payload}, nil
}

// MarshalParts encodes an ordered part sequence as a JSON array.
func MarshalParts(parts []Part) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(parts))
	for _, p := range parts {
		b, err := MarshalPart(p)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

// ClonePart returns a copy of p that shares no mutable state with the
// original. Structured payloads are byte-copied so callers can hold parts
// across parser resets.
func ClonePart(p Part) Part {
	switch v := p.(type) {
	case StructuredPart:
		payload := make(json.RawMessage, len(v.Payload))
		copy(payload, v.Payload)
		return StructuredPart{Kind: v.Kind, Payload: payload}
	default:
		return p
	}
}

// CloneParts deep-copies a part slice.
func CloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = ClonePart(p)
	}
	return out
}
