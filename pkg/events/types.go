// Package events defines the wire contract shared by the stream
// multiplexer, the content parser, and the session orchestrator.
//
// The wire format is newline-delimited JSON envelopes:
//
//	{"type": "<qualified event name>", "data": {...}}
//
// Event names are qualified the way the workflow server qualifies them
// (package path + class, e.g. "workflows.events.AgentStream"). Consumers
// match on the unqualified suffix so servers that qualify names differently
// still interoperate.
//
// Two event kinds get special treatment:
//
//   - Delta events ("AgentStream") carry an incremental text fragment in
//     data.delta. They are appended to the open message buffer.
//   - The terminal event ("StopEvent") ends the read loop even if the
//     underlying connection stays open.
//
// Everything else is a structured event whose payload is passed through
// opaquely.
package events

import "encoding/json"

// Qualified event names used by the workflow server.
const (
	// TypeAgentStream carries an incremental text delta in data.delta.
	TypeAgentStream = "workflows.events.AgentStream"

	// TypeStopEvent terminates the event stream for a run.
	TypeStopEvent = "workflows.events.StopEvent"

	// TypeHumanResponse is the outbound event carrying a user message.
	TypeHumanResponse = "workflows.events.HumanResponseEvent"
)

// Envelope is the unit read off the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// deltaPayload is the data shape of an AgentStream event.
type deltaPayload struct {
	Delta string `json:"delta"`
}

// HumanResponsePayload is the data shape of an outbound HumanResponseEvent.
type HumanResponsePayload struct {
	Response string `json:"response"`
}

// unqualified returns the event name after the last dot.
// "workflows.events.StopEvent" → "StopEvent". Names without dots are
// returned unchanged.
func unqualified(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}

// IsMalformed reports whether the envelope has no recognizable type.
// Malformed envelopes are dropped entirely: no content part, no retention.
func (e Envelope) IsMalformed() bool {
	return e.Type == ""
}

// IsDelta reports whether the envelope is an incremental text delta.
func (e Envelope) IsDelta() bool {
	return unqualified(e.Type) == "AgentStream"
}

// IsTerminal reports whether the envelope ends the read loop.
func (e Envelope) IsTerminal() bool {
	return unqualified(e.Type) == "StopEvent"
}

// DeltaText extracts the text fragment from a delta envelope.
// Returns "" for non-delta envelopes and for deltas whose payload
// cannot be decoded.
func (e Envelope) DeltaText() string {
	if !e.IsDelta() || len(e.Data) == 0 {
		return ""
	}
	var p deltaPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return ""
	}
	return p.Delta
}

// NewHumanResponse builds the outbound envelope for a user message.
func NewHumanResponse(text string) (Envelope, error) {
	data, err := json.Marshal(HumanResponsePayload{Response: text})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeHumanResponse, Data: data}, nil
}
