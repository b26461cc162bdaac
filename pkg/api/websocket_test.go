package api

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowkit/chatstream/pkg/events"
	"github.com/workflowkit/chatstream/pkg/models"
	"github.com/workflowkit/chatstream/pkg/session"
)

// pacedOpener feeds stream events through a channel so the test controls
// when the stream produces and when it ends.
type pacedOpener struct {
	evCh chan events.Envelope
}

func (o *pacedOpener) Open(ctx context.Context, _ string, _ events.Envelope) (session.EventSource, error) {
	return &pacedSource{ctx: ctx, evCh: o.evCh}, nil
}

type pacedSource struct {
	ctx  context.Context
	evCh chan events.Envelope
}

func (s *pacedSource) Next() (events.Envelope, error) {
	select {
	case e, ok := <-s.evCh:
		if !ok {
			return events.Envelope{}, io.EOF
		}
		return e, nil
	case <-s.ctx.Done():
		return events.Envelope{}, s.ctx.Err()
	}
}

func (s *pacedSource) Close() error { return nil }

func TestObserveSessionWebsocket(t *testing.T) {
	opener := &pacedOpener{evCh: make(chan events.Envelope, 8)}
	s := newTestServer(t, opener)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	s.orch.CreateSession(session.CreateSessionOptions{ID: "s1"})
	require.NoError(t, s.orch.SendMessage("s1", models.NewUserMessage("", "Hello")))
	require.Eventually(t, func() bool { return s.orch.IsStreaming("s1") }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/s1/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first sessionFrame
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, session.StatusStreaming, first.Session.Status)

	opener.evCh <- session.Delta("Hi there!")
	opener.evCh <- session.Stop()

	// Frames keep arriving until the final one carries the finished turn.
	var last sessionFrame
	for {
		var frame sessionFrame
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		last = frame
		if frame.Type == "final" {
			break
		}
		assert.Equal(t, "update", frame.Type)
	}

	assert.Equal(t, session.StatusReady, last.Session.Status)
	require.Len(t, last.Session.Messages, 2)
	assert.Equal(t, []models.Part{models.TextPart{Text: "Hi there!"}}, last.Session.Messages[1].Parts)
}

func TestObserveUnknownSession(t *testing.T) {
	s := newTestServer(t, session.NewScriptedOpener())
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/missing/ws"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	assert.Equal(t, 404, resp.StatusCode)
}
