package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/workflowkit/chatstream/pkg/models"
	"github.com/workflowkit/chatstream/pkg/session"
)

type createSessionRequest struct {
	ID       string           `json:"id"`
	Messages []models.Message `json:"messages"`
}

type sendMessageRequest struct {
	// Message carries a full message; Text is a convenience for plain-prose
	// sends and is used when Message is absent.
	Message *models.Message `json:"message"`
	Text    string          `json:"text"`
}

type setMessagesRequest struct {
	Messages []models.Message `json:"messages"`
}

type regenerateRequest struct {
	FromMessageID string `json:"from_message_id"`
}

// createSession handles POST /api/sessions. An empty body creates a fresh
// session with a generated id.
func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess := s.orch.CreateSession(session.CreateSessionOptions{
		ID:       req.ID,
		Messages: req.Messages,
	})
	c.JSON(http.StatusCreated, sess)
}

// getSession handles GET /api/sessions/:id.
func (s *Server) getSession(c *gin.Context) {
	sess, err := s.orch.GetSession(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// sendMessage handles POST /api/sessions/:id/messages. The stream runs in
// the background; the accepted snapshot carries the submitted status.
func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg := models.NewUserMessage("", req.Text)
	if req.Message != nil {
		msg = *req.Message
	}

	id := c.Param("id")
	if err := s.orch.SendMessage(id, msg); err != nil {
		s.writeError(c, err)
		return
	}
	sess, err := s.orch.GetSession(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess)
}

// setMessages handles PUT /api/sessions/:id/messages.
func (s *Server) setMessages(c *gin.Context) {
	var req setMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.SetMessages(c.Param("id"), req.Messages); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// stopSession handles POST /api/sessions/:id/stop.
func (s *Server) stopSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Stop(id); err != nil {
		s.writeError(c, err)
		return
	}
	sess, err := s.orch.GetSession(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// regenerateSession handles POST /api/sessions/:id/regenerate.
func (s *Server) regenerateSession(c *gin.Context) {
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	if err := s.orch.Regenerate(id, req.FromMessageID); err != nil {
		s.writeError(c, err)
		return
	}
	sess, err := s.orch.GetSession(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess)
}
