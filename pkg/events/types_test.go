package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeKinds(t *testing.T) {
	tests := []struct {
		name         string
		envelope     Envelope
		wantDelta    bool
		wantTerminal bool
		wantBad      bool
	}{
		{
			name:      "qualified delta",
			envelope:  Envelope{Type: TypeAgentStream, Data: json.RawMessage(`{"delta":"hi"}`)},
			wantDelta: true,
		},
		{
			name:      "differently qualified delta",
			envelope:  Envelope{Type: "llama_index.core.workflow.AgentStream"},
			wantDelta: true,
		},
		{
			name:         "stop event",
			envelope:     Envelope{Type: TypeStopEvent},
			wantTerminal: true,
		},
		{
			name:         "unqualified stop event",
			envelope:     Envelope{Type: "StopEvent"},
			wantTerminal: true,
		},
		{
			name:     "no type",
			envelope: Envelope{Data: json.RawMessage(`{"delta":"x"}`)},
			wantBad:  true,
		},
		{
			name:     "structured event",
			envelope: Envelope{Type: "workflows.events.ProgressEvent", Data: json.RawMessage(`{"step":"start"}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantDelta, tt.envelope.IsDelta())
			assert.Equal(t, tt.wantTerminal, tt.envelope.IsTerminal())
			assert.Equal(t, tt.wantBad, tt.envelope.IsMalformed())
		})
	}
}

func TestDeltaText(t *testing.T) {
	e := Envelope{Type: TypeAgentStream, Data: json.RawMessage(`{"delta":"Hello "}`)}
	assert.Equal(t, "Hello ", e.DeltaText())

	// Non-delta envelopes never yield text.
	e = Envelope{Type: TypeStopEvent, Data: json.RawMessage(`{"delta":"x"}`)}
	assert.Equal(t, "", e.DeltaText())

	// Undecodable payloads degrade to empty rather than failing.
	e = Envelope{Type: TypeAgentStream, Data: json.RawMessage(`not-json`)}
	assert.Equal(t, "", e.DeltaText())
}

func TestNewHumanResponse(t *testing.T) {
	e, err := NewHumanResponse("restart the pod")
	require.NoError(t, err)
	assert.Equal(t, TypeHumanResponse, e.Type)

	var p HumanResponsePayload
	require.NoError(t, json.Unmarshal(e.Data, &p))
	assert.Equal(t, "restart the pod", p.Response)
}
