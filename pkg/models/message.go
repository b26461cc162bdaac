package models

import (
	"encoding/json"
	"strings"
)

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single conversation message. Assistant messages accumulate
// parts while their stream is live; user messages usually hold one TextPart.
type Message struct {
	ID    string      `json:"id"`
	Role  MessageRole `json:"role"`
	Parts []Part      `json:"parts"`
}

// UnmarshalJSON decodes the discriminated part array into concrete types.
func (m *Message) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID    string            `json:"id"`
		Role  MessageRole       `json:"role"`
		Parts []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.ID = aux.ID
	m.Role = aux.Role
	m.Parts = nil
	for _, raw := range aux.Parts {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}

// TextContent concatenates the message's text parts, joined with single
// spaces. Structured parts contribute nothing. This is the outbound shape:
// one user message becomes one human-response event carrying this string.
func (m Message) TextContent() string {
	var texts []string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok && t.Text != "" {
			texts = append(texts, t.Text)
		}
	}
	return strings.Join(texts, " ")
}

// Clone returns a deep copy safe to hand to other goroutines.
func (m Message) Clone() Message {
	return Message{ID: m.ID, Role: m.Role, Parts: CloneParts(m.Parts)}
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// NewUserMessage builds a single-text-part user message.
func NewUserMessage(id, text string) Message {
	return Message{ID: id, Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}
