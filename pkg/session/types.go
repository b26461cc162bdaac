package session

import (
	"encoding/json"

	"github.com/workflowkit/chatstream/pkg/models"
	"github.com/workflowkit/chatstream/pkg/stream"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
)

// TaskStatus is the lifecycle state of a fire-and-forget task.
// Complete and failed are terminal.
type TaskStatus string

const (
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// Session is the caller-visible snapshot of a conversation.
type Session struct {
	ID       string           `json:"id"`
	Status   Status           `json:"status"`
	Messages []models.Message `json:"messages"`
	Error    string           `json:"error,omitempty"`
}

// Task is the caller-visible snapshot of a streamed task.
type Task struct {
	ID     string        `json:"id"`
	Status TaskStatus    `json:"status"`
	Parts  []models.Part `json:"parts"`
	Error  string        `json:"error,omitempty"`
}

// UnmarshalJSON decodes the discriminated part array into concrete types.
func (t *Task) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID     string            `json:"id"`
		Status TaskStatus        `json:"status"`
		Parts  []json.RawMessage `json:"parts"`
		Error  string            `json:"error"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.ID = aux.ID
	t.Status = aux.Status
	t.Error = aux.Error
	t.Parts = nil
	for _, raw := range aux.Parts {
		p, err := models.UnmarshalPart(raw)
		if err != nil {
			return err
		}
		t.Parts = append(t.Parts, p)
	}
	return nil
}

// CreateSessionOptions controls session registration. A zero value allocates
// a fresh id and an empty history.
type CreateSessionOptions struct {
	ID       string
	Messages []models.Message
}

// CreateTaskOptions controls task registration.
type CreateTaskOptions struct {
	ID string
}

// Stream keys derive from the entity id plus its owner scope so session and
// task streams never collide.
func sessionKey(id string) stream.Key { return stream.Key("session:" + id) }
func taskKey(id string) stream.Key    { return stream.Key("task:" + id) }
