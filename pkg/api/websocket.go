package api

import (
	"context"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/workflowkit/chatstream/pkg/events"
	"github.com/workflowkit/chatstream/pkg/session"
	"github.com/workflowkit/chatstream/pkg/stream"
)

// sessionFrame is the message pushed to WebSocket observers. The first frame
// is always a full snapshot; later frames are refreshed snapshots sent when
// the live stream produced new content.
type sessionFrame struct {
	Type    string          `json:"type"`
	Session session.Session `json:"session"`
}

// observeSession handles GET /api/sessions/:id/ws. Clients get a snapshot
// first and then attach to the live stream, so content missed before the
// attach is covered by the snapshot rather than replayed event by event.
func (s *Server) observeSession(c *gin.Context) {
	id := c.Param("id")
	snap, err := s.orch.GetSession(id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: s.cfg.Websocket.AllowedOrigins}
	if len(opts.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("websocket accept failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.watchSession(c.Request.Context(), conn, id, snap)
}

// watchSession pushes snapshot frames until the stream ends or the client
// goes away. Data callbacks only mark the session dirty; snapshots are
// assembled and written here so the stream's read loop never blocks on a
// slow client.
func (s *Server) watchSession(ctx context.Context, conn *websocket.Conn, id string, snap session.Session) {
	if err := s.writeFrame(ctx, conn, sessionFrame{Type: "snapshot", Session: snap}); err != nil {
		return
	}

	dirty := make(chan struct{}, 1)
	sub, attached, err := s.orch.Observe(id, &stream.Subscriber{
		OnData: func(events.Envelope) {
			select {
			case dirty <- struct{}{}:
			default:
			}
		},
	})
	if err != nil || !attached {
		// No live stream: the snapshot already is the final state.
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			if cur, err := s.orch.GetSession(id); err == nil {
				_ = s.writeFrame(ctx, conn, sessionFrame{Type: "final", Session: cur})
			}
			return
		case <-dirty:
			cur, err := s.orch.GetSession(id)
			if err != nil {
				return
			}
			if err := s.writeFrame(ctx, conn, sessionFrame{Type: "update", Session: cur}); err != nil {
				s.logger.Debug("websocket write failed, dropping observer", "session_id", id, "error", err)
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame sessionFrame) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.Websocket.WriteTimeout.Std())
	defer cancel()
	return wsjson.Write(wctx, conn, frame)
}
