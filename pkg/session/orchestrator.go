// Package session owns the conversation and task state machines and wires
// the stream multiplexer, the content parser, and the reconnect policy
// together. One orchestrator instance owns its registries; there are no
// process-wide globals.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workflowkit/chatstream/pkg/events"
	"github.com/workflowkit/chatstream/pkg/models"
	"github.com/workflowkit/chatstream/pkg/parser"
	"github.com/workflowkit/chatstream/pkg/reconnect"
	"github.com/workflowkit/chatstream/pkg/stream"
)

// Config tunes the orchestrator.
type Config struct {
	// BackoffBase and BackoffMax bound reconnect delays.
	// Zero values default to 500ms and 30s.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OnSessionStatus, when set, observes every session status transition.
	// It runs with internal locks held and must not call back into the
	// orchestrator.
	OnSessionStatus func(sessionID string, status Status)
}

type sessionState struct {
	// turn serializes turn changes for the session: send, regenerate, stop,
	// and reconnect. The drain-then-resubscribe sequence must not interleave
	// across goroutines or a new turn joins the old turn's execution.
	turn sync.Mutex

	session       Session
	parser        *parser.ContentParser
	sub           *stream.Subscription
	outbound      events.Envelope
	placeholderID string
}

type taskState struct {
	task   Task
	parser *parser.ContentParser
	sub    *stream.Subscription
}

// Orchestrator composes the multiplexer, parser, and reconnect policy behind
// the session and task operations. Safe for concurrent use.
type Orchestrator struct {
	logger          *slog.Logger
	mux             *stream.Multiplexer
	opener          StreamOpener
	policy          *reconnect.Policy
	onSessionStatus func(string, Status)

	mu       sync.Mutex
	sessions map[string]*sessionState
	tasks    map[string]*taskState
}

// NewOrchestrator wires an orchestrator. The scheduler drives reconnect
// timing; tests pass a fake to advance virtual time.
func NewOrchestrator(cfg Config, opener StreamOpener, mux *stream.Multiplexer, scheduler reconnect.Scheduler, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := cfg.BackoffMax
	if max <= 0 {
		max = 30 * time.Second
	}

	o := &Orchestrator{
		logger:          logger,
		mux:             mux,
		opener:          opener,
		onSessionStatus: cfg.OnSessionStatus,
		sessions:        make(map[string]*sessionState),
		tasks:           make(map[string]*taskState),
	}
	o.policy = reconnect.NewPolicy(scheduler, base, max, o.entityRunning, o.reconnectEntity, logger)
	return o
}

// CreateSession registers a session. A caller-supplied id is reused: when it
// is already registered the existing session is returned unchanged. Sessions
// with seeded history register as ready, empty ones as idle.
func (o *Orchestrator) CreateSession(opts CreateSessionOptions) Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if s, ok := o.sessions[id]; ok {
		return o.snapshotLocked(s)
	}

	status := StatusIdle
	if len(opts.Messages) > 0 {
		status = StatusReady
	}
	s := &sessionState{
		session: Session{
			ID:       id,
			Status:   status,
			Messages: models.CloneMessages(opts.Messages),
		},
		parser: parser.New(),
	}
	o.sessions[id] = s
	o.logger.Info("session created", "session_id", id, "status", status)
	return o.snapshotLocked(s)
}

// CreateTask registers a fire-and-forget task with status running. Its
// stream is not opened until StartTask.
func (o *Orchestrator) CreateTask(opts CreateTaskOptions) Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if t, ok := o.tasks[id]; ok {
		return o.taskSnapshotLocked(t)
	}

	t := &taskState{
		task:   Task{ID: id, Status: TaskRunning},
		parser: parser.New(),
	}
	o.tasks[id] = t
	o.logger.Info("task created", "task_id", id)
	return o.taskSnapshotLocked(t)
}

// SendMessage appends the user message and an empty assistant placeholder,
// binds a fresh parser to the placeholder, and opens the session's stream.
// The message's concatenated text becomes one outbound human-response event.
func (o *Orchestrator) SendMessage(sessionID string, msg models.Message) error {
	text := msg.TextContent()

	o.mu.Lock()
	s := o.sessions[sessionID]
	if s == nil {
		o.mu.Unlock()
		return fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	if text == "" {
		o.mu.Unlock()
		return ErrEmptyMessage
	}
	o.mu.Unlock()

	outbound, err := events.NewHumanResponse(text)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}

	s.turn.Lock()
	defer s.turn.Unlock()

	o.mu.Lock()
	old := s.sub
	s.sub = nil
	o.mu.Unlock()

	// A still-running turn is superseded by the new send, pending retry
	// timers included.
	o.drainStream(sessionKey(sessionID), old)
	o.policy.OnStreamFinish(string(sessionKey(sessionID)))

	o.mu.Lock()
	defer o.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Role = models.RoleUser
	s.session.Messages = append(s.session.Messages, msg.Clone())
	o.beginTurnLocked(s, outbound)
	return nil
}

// Stop ends the session's live stream. Parts already accumulated stay in
// the assistant message and the session lands in ready.
func (o *Orchestrator) Stop(sessionID string) error {
	o.mu.Lock()
	s := o.sessions[sessionID]
	if s == nil {
		o.mu.Unlock()
		return fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	o.mu.Unlock()

	s.turn.Lock()
	defer s.turn.Unlock()

	o.mu.Lock()
	old := s.sub
	s.sub = nil
	s.parser.Complete()
	o.writePlaceholderLocked(s)
	o.setStatusLocked(s, StatusReady)
	o.mu.Unlock()

	o.drainStream(sessionKey(sessionID), old)
	o.policy.OnStreamFinish(string(sessionKey(sessionID)))
	o.logger.Info("session stopped", "session_id", sessionID)
	return nil
}

// Regenerate truncates history through the qualifying user message (the one
// named by fromMessageID, or the most recent user message) and re-runs the
// send flow for it.
func (o *Orchestrator) Regenerate(sessionID, fromMessageID string) error {
	o.mu.Lock()
	s := o.sessions[sessionID]
	if s == nil {
		o.mu.Unlock()
		return fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	o.mu.Unlock()

	s.turn.Lock()
	defer s.turn.Unlock()

	o.mu.Lock()
	idx := -1
	for i := len(s.session.Messages) - 1; i >= 0; i-- {
		m := s.session.Messages[i]
		if m.Role != models.RoleUser {
			continue
		}
		if fromMessageID == "" || m.ID == fromMessageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return ErrNoMessageToRegenerate
	}
	userMsg := s.session.Messages[idx]
	outbound, err := events.NewHumanResponse(userMsg.TextContent())
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("encode outbound message: %w", err)
	}
	old := s.sub
	s.sub = nil
	o.mu.Unlock()

	o.drainStream(sessionKey(sessionID), old)
	o.policy.OnStreamFinish(string(sessionKey(sessionID)))

	o.mu.Lock()
	defer o.mu.Unlock()
	s.session.Messages = s.session.Messages[:idx+1]
	o.beginTurnLocked(s, outbound)
	return nil
}

// SetMessages replaces the session's history.
func (o *Orchestrator) SetMessages(sessionID string, msgs []models.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessions[sessionID]
	if s == nil {
		return fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	s.session.Messages = models.CloneMessages(msgs)
	return nil
}

// GetSession returns a deep-copied snapshot. While a stream is live the
// assistant placeholder carries the parser's current preview parts.
func (o *Orchestrator) GetSession(sessionID string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessions[sessionID]
	if s == nil {
		return Session{}, fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	return o.snapshotLocked(s), nil
}

// StartTask opens the task's stream. Starting an already-started task is a
// no-op.
func (o *Orchestrator) StartTask(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.tasks[taskID]
	if t == nil {
		return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	if t.sub != nil || t.task.Status != TaskRunning {
		return nil
	}
	t.sub = o.subscribeTaskLocked(t)
	return nil
}

// GetTask returns a deep-copied snapshot with the live part preview while
// the task is running.
func (o *Orchestrator) GetTask(taskID string) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.tasks[taskID]
	if t == nil {
		return Task{}, fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	return o.taskSnapshotLocked(t), nil
}

// Observe attaches the subscriber to the session's live stream. It returns
// false when no stream is active; callers snapshot the session first and
// treat a missed attach as an already-finished turn.
func (o *Orchestrator) Observe(sessionID string, sub *stream.Subscriber) (*stream.Subscription, bool, error) {
	o.mu.Lock()
	s := o.sessions[sessionID]
	o.mu.Unlock()
	if s == nil {
		return nil, false, fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	attached, ok := o.mux.Attach(sessionKey(sessionID), sub)
	return attached, ok, nil
}

// IsStreaming reports whether the session has a live stream.
func (o *Orchestrator) IsStreaming(sessionID string) bool {
	return o.mux.IsActive(sessionKey(sessionID))
}

// Close cancels every live stream and pending reconnect timer.
func (o *Orchestrator) Close() {
	o.mux.Close()
	o.policy.Close()
}

// beginTurnLocked appends the assistant placeholder, binds a fresh parser to
// it, and opens the stream.
func (o *Orchestrator) beginTurnLocked(s *sessionState, outbound events.Envelope) {
	placeholder := models.Message{ID: uuid.NewString(), Role: models.RoleAssistant}
	s.session.Messages = append(s.session.Messages, placeholder)
	s.placeholderID = placeholder.ID
	s.parser = parser.New()
	s.outbound = outbound
	o.setStatusLocked(s, StatusSubmitted)
	s.sub = o.subscribeSessionLocked(s)
	o.logger.Debug("turn started", "session_id", s.session.ID, "message_id", placeholder.ID)
}

// subscribeSessionLocked attaches the session's callbacks to its stream.
// The parser instance captured here acts as a turn generation token: a
// callback arriving after the turn was superseded finds a different parser
// and drops out.
func (o *Orchestrator) subscribeSessionLocked(s *sessionState) *stream.Subscription {
	sid := s.session.ID
	key := sessionKey(sid)
	p := s.parser

	sub := &stream.Subscriber{
		OnStart: func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if cur := o.sessions[sid]; cur != nil && cur.parser == p {
				o.setStatusLocked(cur, StatusStreaming)
			}
		},
		OnData: func(e events.Envelope) {
			o.mu.Lock()
			defer o.mu.Unlock()
			if cur := o.sessions[sid]; cur != nil && cur.parser == p {
				p.AddEvent(e)
			}
		},
		OnError: func(err error) {
			o.handleSessionError(sid, p, err)
		},
		OnFinish: func() {
			o.finishSession(sid, p)
		},
	}
	return o.mux.Subscribe(context.Background(), key, sub, o.executor(string(key), s.outbound))
}

// subscribeTaskLocked mirrors the session flow for a task stream.
func (o *Orchestrator) subscribeTaskLocked(t *taskState) *stream.Subscription {
	tid := t.task.ID
	key := taskKey(tid)
	p := t.parser

	sub := &stream.Subscriber{
		OnData: func(e events.Envelope) {
			o.mu.Lock()
			defer o.mu.Unlock()
			if cur := o.tasks[tid]; cur != nil && cur.parser == p {
				p.AddEvent(e)
			}
		},
		OnError: func(err error) {
			o.handleTaskError(tid, p, err)
		},
		OnFinish: func() {
			o.finishTask(tid, p)
		},
	}
	return o.mux.Subscribe(context.Background(), key, sub, o.executor(string(key), events.Envelope{}))
}

// executor builds the read loop for one run. The loop checks ctx every
// iteration and stops cleanly on the terminal event or end of stream.
func (o *Orchestrator) executor(key string, outbound events.Envelope) stream.Executor {
	return func(ctx context.Context, emit func(events.Envelope)) error {
		src, err := o.opener.Open(ctx, key, outbound)
		if err != nil {
			return fmt.Errorf("open stream %s: %w", key, err)
		}
		defer src.Close()

		// The backoff sequence resets only once the transport is actually
		// up; a failed open keeps the attempt counter growing.
		o.policy.OnStreamStart(key)

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := src.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if e.IsTerminal() {
				return nil
			}
			emit(e)
		}
	}
}

// finishSession finalizes the turn: parser completed, parts copied into the
// placeholder, session ready.
func (o *Orchestrator) finishSession(sid string, p *parser.ContentParser) {
	o.mu.Lock()
	s := o.sessions[sid]
	if s == nil || s.parser != p {
		o.mu.Unlock()
		return
	}
	p.Complete()
	o.writePlaceholderLocked(s)
	o.setStatusLocked(s, StatusReady)
	o.mu.Unlock()

	o.policy.OnStreamFinish(string(sessionKey(sid)))
}

// handleSessionError consults the reconnect policy. A scheduled retry parks
// the session in submitted; an unrecoverable failure finalizes the partial
// parts and marks the session errored. Ignorable failures that were not
// retried end the turn cleanly.
func (o *Orchestrator) handleSessionError(sid string, p *parser.ContentParser, err error) {
	o.mu.Lock()
	s := o.sessions[sid]
	stale := s == nil || s.parser != p || p.Status() == parser.StatusCompleted
	o.mu.Unlock()
	if stale {
		return
	}

	scheduled := o.policy.OnStreamError(string(sessionKey(sid)), err)

	o.mu.Lock()
	defer o.mu.Unlock()
	s = o.sessions[sid]
	if s == nil || s.parser != p || p.Status() == parser.StatusCompleted {
		return
	}
	if scheduled {
		o.setStatusLocked(s, StatusSubmitted)
		return
	}

	p.Complete()
	o.writePlaceholderLocked(s)
	if reconnect.IsIgnorable(err) {
		o.setStatusLocked(s, StatusReady)
		return
	}
	s.session.Error = err.Error()
	o.setStatusLocked(s, StatusError)
	o.logger.Warn("session stream failed", "session_id", sid, "error", err)
}

// finishTask flips the task to complete and freezes its parts.
func (o *Orchestrator) finishTask(tid string, p *parser.ContentParser) {
	o.mu.Lock()
	t := o.tasks[tid]
	if t == nil || t.parser != p || t.task.Status != TaskRunning {
		o.mu.Unlock()
		return
	}
	p.Complete()
	t.task.Parts = p.Parts()
	t.task.Status = TaskComplete
	o.mu.Unlock()

	o.policy.OnStreamFinish(string(taskKey(tid)))
	o.logger.Info("task complete", "task_id", tid)
}

func (o *Orchestrator) handleTaskError(tid string, p *parser.ContentParser, err error) {
	o.mu.Lock()
	t := o.tasks[tid]
	stale := t == nil || t.parser != p || t.task.Status != TaskRunning
	o.mu.Unlock()
	if stale {
		return
	}

	scheduled := o.policy.OnStreamError(string(taskKey(tid)), err)

	o.mu.Lock()
	defer o.mu.Unlock()
	t = o.tasks[tid]
	if t == nil || t.parser != p || t.task.Status != TaskRunning {
		return
	}
	if scheduled {
		return
	}

	p.Complete()
	t.task.Parts = p.Parts()
	if reconnect.IsIgnorable(err) {
		t.task.Status = TaskComplete
		return
	}
	t.task.Error = err.Error()
	t.task.Status = TaskFailed
	o.logger.Warn("task stream failed", "task_id", tid, "error", err)
}

// entityRunning is the reconnect policy's probe. Sessions count as running
// while a turn is pending or live; tasks while running.
func (o *Orchestrator) entityRunning(key string) bool {
	scope, id := splitKey(key)
	o.mu.Lock()
	defer o.mu.Unlock()
	switch scope {
	case "session":
		s := o.sessions[id]
		return s != nil && (s.session.Status == StatusSubmitted || s.session.Status == StatusStreaming)
	case "task":
		t := o.tasks[id]
		return t != nil && t.task.Status == TaskRunning
	}
	return false
}

// reconnectEntity re-opens the entity's stream when a retry timer fires.
// The turn's parser is kept: content accumulated before the failure is
// never discarded.
func (o *Orchestrator) reconnectEntity(key string) {
	scope, id := splitKey(key)
	switch scope {
	case "session":
		o.mu.Lock()
		s := o.sessions[id]
		o.mu.Unlock()
		if s == nil {
			return
		}

		// Taking the turn mutex keeps the retry from racing a send or a
		// regenerate that is between its drain and its resubscribe.
		s.turn.Lock()
		defer s.turn.Unlock()

		o.mu.Lock()
		defer o.mu.Unlock()
		if s.session.Status != StatusSubmitted || o.mux.IsActive(sessionKey(id)) {
			return
		}
		o.logger.Info("reconnecting session stream", "session_id", id)
		s.sub = o.subscribeSessionLocked(s)
	case "task":
		o.mu.Lock()
		defer o.mu.Unlock()
		t := o.tasks[id]
		if t == nil || t.task.Status != TaskRunning || o.mux.IsActive(taskKey(id)) {
			return
		}
		o.logger.Info("reconnecting task stream", "task_id", id)
		t.sub = o.subscribeTaskLocked(t)
	}
}

// drainStream detaches old, force-cancels the key's execution, and waits for
// teardown so the next subscribe starts a fresh execution instead of joining
// the dying one.
func (o *Orchestrator) drainStream(key stream.Key, old *stream.Subscription) {
	if old == nil {
		return
	}
	old.Unsubscribe()
	o.mux.CloseStream(key)
	<-old.Done()
}

// writePlaceholderLocked copies the parser's parts into the turn's assistant
// placeholder message.
func (o *Orchestrator) writePlaceholderLocked(s *sessionState) {
	if s.placeholderID == "" {
		return
	}
	parts := s.parser.Parts()
	for i := range s.session.Messages {
		if s.session.Messages[i].ID == s.placeholderID {
			s.session.Messages[i].Parts = parts
			return
		}
	}
}

func (o *Orchestrator) setStatusLocked(s *sessionState, status Status) {
	if s.session.Status == status {
		return
	}
	s.session.Status = status
	if o.onSessionStatus != nil {
		o.onSessionStatus(s.session.ID, status)
	}
}

// snapshotLocked deep-copies the session. A live turn's placeholder carries
// the parser's current preview.
func (o *Orchestrator) snapshotLocked(s *sessionState) Session {
	out := Session{
		ID:       s.session.ID,
		Status:   s.session.Status,
		Error:    s.session.Error,
		Messages: models.CloneMessages(s.session.Messages),
	}
	if s.placeholderID != "" && s.parser.Status() == parser.StatusStreaming {
		for i := range out.Messages {
			if out.Messages[i].ID == s.placeholderID {
				out.Messages[i].Parts = s.parser.Parts()
				break
			}
		}
	}
	return out
}

func (o *Orchestrator) taskSnapshotLocked(t *taskState) Task {
	out := Task{
		ID:     t.task.ID,
		Status: t.task.Status,
		Error:  t.task.Error,
		Parts:  models.CloneParts(t.task.Parts),
	}
	if t.task.Status == TaskRunning && t.parser.Status() == parser.StatusStreaming {
		out.Parts = t.parser.Parts()
	}
	return out
}

func splitKey(key string) (scope, id string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}
