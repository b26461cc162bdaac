package session

import "errors"

// Sentinel errors surfaced synchronously to callers. Operations that return
// one of these leave the store unchanged.
var (
	// ErrSessionNotFound indicates the session id is not registered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTaskNotFound indicates the task id is not registered.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoMessageToRegenerate indicates no qualifying user message exists.
	ErrNoMessageToRegenerate = errors.New("no message to regenerate")

	// ErrEmptyMessage indicates the outbound message has no text content.
	ErrEmptyMessage = errors.New("message has no text content")
)
