package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes bounds a single wire line. Structured payloads (artifacts,
// file attachments) can be large; 1 MiB is far above anything the workflow
// server emits while still bounding memory per line.
const maxLineBytes = 1 << 20

// DecodeLine decodes one newline-delimited wire line into an Envelope.
func DecodeLine(line []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode event line: %w", err)
	}
	return e, nil
}

// EncodeLine encodes an envelope as a single wire line, newline included.
func EncodeLine(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return append(data, '\n'), nil
}

// Decoder reads envelopes off a newline-delimited stream.
// It is the thin adapter between an externally supplied byte stream
// (HTTP response body, RPC reader) and the event-level read loop.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: s}
}

// Next returns the next envelope. Blank lines are skipped. Returns io.EOF
// when the stream ends cleanly.
func (d *Decoder) Next() (Envelope, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return DecodeLine(line)
	}
	if err := d.scanner.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}
