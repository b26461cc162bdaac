package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/workflowkit/chatstream/pkg/session"
)

type createTaskRequest struct {
	ID string `json:"id"`
}

// createTask handles POST /api/tasks.
func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task := s.orch.CreateTask(session.CreateTaskOptions{ID: req.ID})
	c.JSON(http.StatusCreated, task)
}

// startTask handles POST /api/tasks/:id/start.
func (s *Server) startTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.StartTask(id); err != nil {
		s.writeError(c, err)
		return
	}
	task, err := s.orch.GetTask(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// getTask handles GET /api/tasks/:id.
func (s *Server) getTask(c *gin.Context) {
	task, err := s.orch.GetTask(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
