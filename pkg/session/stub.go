package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/workflowkit/chatstream/pkg/events"
)

// ScriptedOpener is a StreamOpener that plays back pre-scripted runs, used
// by the demo binary and by tests that need deterministic streams without a
// live workflow server. Scripts are delivered through the real wire codec:
// each run is encoded to newline-delimited JSON and decoded back on read.
type ScriptedOpener struct {
	mu       sync.Mutex
	runs     map[string][]ScriptedRun
	outbound map[string][]events.Envelope
	opened   map[string]int
}

// ScriptedRun is one playback: its events in order, then either a clean end
// or Err.
type ScriptedRun struct {
	Events []events.Envelope
	Err    error
}

// NewScriptedOpener creates an opener with no scripts. Opening a key with no
// queued run yields an immediate clean end.
func NewScriptedOpener() *ScriptedOpener {
	return &ScriptedOpener{
		runs:     make(map[string][]ScriptedRun),
		outbound: make(map[string][]events.Envelope),
		opened:   make(map[string]int),
	}
}

// AddRun queues a run for the key. Successive opens of the same key consume
// runs in order.
func (o *ScriptedOpener) AddRun(key string, run ScriptedRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[key] = append(o.runs[key], run)
}

// Open pops the next scripted run for the key.
func (o *ScriptedOpener) Open(_ context.Context, key string, outbound events.Envelope) (EventSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.opened[key]++
	o.outbound[key] = append(o.outbound[key], outbound)

	var run ScriptedRun
	if queued := o.runs[key]; len(queued) > 0 {
		run = queued[0]
		o.runs[key] = queued[1:]
	}
	return sourceForRun(run)
}

// sourceForRun encodes the run to the wire format and hands back a decoding
// source, so scripted playback exercises the same codec as a live stream.
func sourceForRun(run ScriptedRun) (EventSource, error) {
	var buf bytes.Buffer
	for _, e := range run.Events {
		line, err := events.EncodeLine(e)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
	}
	return &scriptedSource{
		EventSource: NewReaderSource(io.NopCloser(&buf)),
		err:         run.Err,
	}, nil
}

// OpenCount reports how many times the key has been opened.
func (o *ScriptedOpener) OpenCount(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[key]
}

// Outbound returns the outbound envelopes recorded for the key.
func (o *ScriptedOpener) Outbound(key string) []events.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]events.Envelope, len(o.outbound[key]))
	copy(out, o.outbound[key])
	return out
}

// scriptedSource substitutes the run's error for the clean end of stream.
type scriptedSource struct {
	EventSource
	err error
}

func (s *scriptedSource) Next() (events.Envelope, error) {
	e, err := s.EventSource.Next()
	if err == io.EOF && s.err != nil {
		return events.Envelope{}, s.err
	}
	return e, err
}

// Delta builds an incremental text event, Structured an opaque payload
// event, and Stop the terminal event. Script helpers for demos and tests.
func Delta(text string) events.Envelope {
	data, _ := json.Marshal(map[string]string{"delta": text})
	return events.Envelope{Type: events.TypeAgentStream, Data: data}
}

func Structured(name string, payload string) events.Envelope {
	return events.Envelope{Type: name, Data: json.RawMessage(payload)}
}

func Stop() events.Envelope {
	return events.Envelope{Type: events.TypeStopEvent}
}

// NewDemoOpener replays the same canned reply for every open. The demo
// binary uses it in place of a live workflow-server transport.
func NewDemoOpener() StreamOpener {
	return demoOpener{}
}

type demoOpener struct{}

func (demoOpener) Open(_ context.Context, _ string, _ events.Envelope) (EventSource, error) {
	return sourceForRun(ScriptedRun{Events: []events.Envelope{
		Delta("Hello! This is a **scripted** reply from the demo stream source."),
		Structured("workflows.events.SuggestedQuestionsEvent", `{"questions":["What can you do?","How does streaming work?"]}`),
		Stop(),
	}})
}
