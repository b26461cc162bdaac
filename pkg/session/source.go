package session

import (
	"context"
	"io"

	"github.com/workflowkit/chatstream/pkg/events"
)

// EventSource yields decoded events for one run. Next returns io.EOF when
// the underlying stream ends cleanly.
type EventSource interface {
	Next() (events.Envelope, error)
	Close() error
}

// StreamOpener is the transport boundary. The orchestrator hands it the
// entity's stream key and the outbound event that triggers the run, and
// consumes whatever event iterator comes back. Tasks open with a zero
// outbound envelope.
type StreamOpener interface {
	Open(ctx context.Context, key string, outbound events.Envelope) (EventSource, error)
}

// NewReaderSource adapts a newline-delimited JSON byte stream into an
// EventSource.
func NewReaderSource(rc io.ReadCloser) EventSource {
	return &readerSource{dec: events.NewDecoder(rc), closer: rc}
}

type readerSource struct {
	dec    *events.Decoder
	closer io.Closer
}

func (r *readerSource) Next() (events.Envelope, error) {
	return r.dec.Next()
}

func (r *readerSource) Close() error {
	return r.closer.Close()
}
