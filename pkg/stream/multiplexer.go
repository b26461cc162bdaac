// Package stream multiplexes one logical stream execution across any number
// of subscribers. A stream is identified by an opaque key; the first
// subscribe for a key starts the executor, later subscribes for the same key
// attach to the running execution instead of starting a second one. Events
// fan out to every subscriber attached at delivery time; there is no replay
// buffer for late joiners.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/workflowkit/chatstream/pkg/events"
)

// Key identifies one logical stream. Many subscribers may share one key.
type Key string

// Executor reads the underlying transport for one stream and emits each
// decoded event. It is invoked exactly once per active key, on a dedicated
// goroutine, and must check ctx every iteration of its read loop: a tripped
// context is a clean stop, not a failure.
type Executor func(ctx context.Context, emit func(events.Envelope)) error

// Subscriber is a bundle of optional callbacks. Callbacks run on the
// executor's goroutine and block further reads, so they must be short and
// non-blocking.
type Subscriber struct {
	OnStart  func()
	OnData   func(events.Envelope)
	OnError  func(err error)
	OnFinish func()
}

// Subscription is one subscriber's attachment to a stream.
type Subscription struct {
	mux    *Multiplexer
	handle *streamHandle
	sub    *Subscriber
}

// streamHandle aggregates the in-flight execution for one key: its
// subscriber set, its cancellation token, and its terminal outcome.
type streamHandle struct {
	key         Key
	cancel      context.CancelFunc
	subscribers map[*Subscriber]bool
	done        chan struct{}
	err         error
	forceClosed bool
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithCancelWhenEmpty cancels a stream's execution once its last subscriber
// detaches. The default lets the execution finish naturally.
func WithCancelWhenEmpty() Option {
	return func(m *Multiplexer) { m.cancelWhenEmpty = true }
}

// Multiplexer owns the key-to-handle registry. Safe for concurrent use.
type Multiplexer struct {
	logger          *slog.Logger
	cancelWhenEmpty bool

	mu      sync.Mutex
	handles map[Key]*streamHandle
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer(logger *slog.Logger, opts ...Option) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multiplexer{
		logger:  logger,
		handles: make(map[Key]*streamHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe attaches sub to the stream for key. When no execution is active
// for the key, executor is started on a new goroutine; otherwise executor is
// ignored and sub joins the running execution, seeing only events emitted
// after it attached.
func (m *Multiplexer) Subscribe(ctx context.Context, key Key, sub *Subscriber, executor Executor) *Subscription {
	m.mu.Lock()
	h := m.handles[key]
	created := false
	if h == nil {
		execCtx, cancel := context.WithCancel(ctx)
		h = &streamHandle{
			key:         key,
			cancel:      cancel,
			subscribers: make(map[*Subscriber]bool),
			done:        make(chan struct{}),
		}
		m.handles[key] = h
		created = true
		go m.run(execCtx, h, executor)
	}
	h.subscribers[sub] = true
	m.mu.Unlock()

	if created {
		m.logger.Debug("stream started", "stream_key", string(key))
	}
	return &Subscription{mux: m, handle: h, sub: sub}
}

// Attach joins an execution already running for key without starting one.
// It returns false when no execution is active.
func (m *Multiplexer) Attach(key Key, sub *Subscriber) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handles[key]
	if h == nil {
		return nil, false
	}
	h.subscribers[sub] = true
	return &Subscription{mux: m, handle: h, sub: sub}, true
}

// Unsubscribe detaches the subscriber. When the subscriber set empties the
// execution is cancelled only under WithCancelWhenEmpty; otherwise it runs
// to its natural end. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	m := s.mux
	m.mu.Lock()
	delete(s.handle.subscribers, s.sub)
	empty := len(s.handle.subscribers) == 0
	live := m.handles[s.handle.key] == s.handle
	m.mu.Unlock()

	if empty && live && m.cancelWhenEmpty {
		s.handle.cancel()
	}
}

// Done is closed when the shared execution reaches its terminal state.
func (s *Subscription) Done() <-chan struct{} {
	return s.handle.done
}

// Err returns the execution's terminal error. It is nil before Done is
// closed, on natural completion, and on cancellation.
func (s *Subscription) Err() error {
	select {
	case <-s.handle.done:
		return s.handle.err
	default:
		return nil
	}
}

// CloseStream force-cancels the execution for key. Subscribers are notified
// through OnFinish: a deliberate close is a cancellation, not an error.
func (m *Multiplexer) CloseStream(key Key) {
	m.mu.Lock()
	h := m.handles[key]
	if h != nil {
		h.forceClosed = true
	}
	m.mu.Unlock()

	if h != nil {
		h.cancel()
	}
}

// IsActive reports whether an execution is currently running for key.
func (m *Multiplexer) IsActive(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[key] != nil
}

// Close force-cancels every active stream.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.handles))
	for key := range m.handles {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.CloseStream(key)
	}
}

// run drives one handle: start notification, the executor itself, then
// terminal delivery and registry teardown.
func (m *Multiplexer) run(ctx context.Context, h *streamHandle, executor Executor) {
	defer h.cancel()

	for _, sub := range m.snapshot(h) {
		if sub.OnStart != nil {
			sub.OnStart()
		}
	}

	err := executor(ctx, func(e events.Envelope) {
		for _, sub := range m.snapshot(h) {
			if sub.OnData != nil {
				sub.OnData(e)
			}
		}
	})

	// Remove the handle and capture the final subscriber set atomically so
	// a concurrent Subscribe either lands in this delivery or starts fresh.
	m.mu.Lock()
	if m.handles[h.key] == h {
		delete(m.handles, h.key)
	}
	cancelled := h.forceClosed || ctx.Err() != nil
	final := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		final = append(final, sub)
	}
	if err != nil && !cancelled {
		h.err = err
	}
	m.mu.Unlock()

	if h.err != nil {
		m.logger.Warn("stream failed", "stream_key", string(h.key), "error", h.err)
		for _, sub := range final {
			if sub.OnError != nil {
				sub.OnError(h.err)
			}
		}
	} else {
		m.logger.Debug("stream finished", "stream_key", string(h.key), "cancelled", cancelled)
		for _, sub := range final {
			if sub.OnFinish != nil {
				sub.OnFinish()
			}
		}
	}
	close(h.done)
}

// snapshot copies the handle's current subscriber set so callbacks run
// outside the lock.
func (m *Multiplexer) snapshot(h *streamHandle) []*Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	return subs
}
