// Package reconnect schedules exponential-backoff retries for streams tied
// to long-running entities. Failures classified as ignorable (cancellation,
// transient resets) never trigger bookkeeping, and an entity holds at most
// one pending retry timer: a newer failure supersedes the older timer
// instead of stacking a second one.
package reconnect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"
)

// EntityProbe reports whether the entity is still running. Reconnects are
// only scheduled for running entities; terminal entities drop errors
// silently.
type EntityProbe func(entityID string) bool

// ReconnectFunc re-establishes the entity's stream when a retry timer fires.
type ReconnectFunc func(entityID string)

type retryState struct {
	attempt int
	pending TimerHandle
}

// Policy decides if and when to retry a failed stream for a given entity id.
// Safe for concurrent use.
type Policy struct {
	scheduler Scheduler
	base      time.Duration
	max       time.Duration
	running   EntityProbe
	reconnect ReconnectFunc
	logger    *slog.Logger

	mu    sync.Mutex
	state map[string]*retryState
}

// NewPolicy creates a reconnect policy. base and max bound the backoff
// delays; running and reconnect are consulted when a stream error arrives
// and when a retry timer fires.
func NewPolicy(scheduler Scheduler, base, max time.Duration, running EntityProbe, reconnect ReconnectFunc, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		scheduler: scheduler,
		base:      base,
		max:       max,
		running:   running,
		reconnect: reconnect,
		logger:    logger,
		state:     make(map[string]*retryState),
	}
}

// ComputeDelay returns min(base * 2^(attempt-1), max). Attempts below 1 are
// floored to 1.
func ComputeDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// IsIgnorable reports whether err is a cancellation or a transient network
// reset. Ignorable errors never trigger retry bookkeeping.
func IsIgnorable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// Wrapped transport errors often survive only as text.
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection")
}

// OnStreamError reacts to a stream failure for the entity. It returns true
// when a retry was scheduled. Ignorable errors return false without touching
// state; errors for entities that are no longer running clear any pending
// retry and return false.
func (p *Policy) OnStreamError(entityID string, err error) bool {
	if IsIgnorable(err) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running(entityID) {
		p.clearLocked(entityID)
		return false
	}

	st := p.state[entityID]
	if st == nil {
		st = &retryState{}
		p.state[entityID] = st
	}
	st.attempt++
	if st.pending != nil {
		st.pending.Cancel()
	}

	delay := ComputeDelay(st.attempt, p.base, p.max)
	p.logger.Info("scheduling stream reconnect",
		"entity_id", entityID,
		"attempt", st.attempt,
		"delay", delay,
		"error", err)

	st.pending = p.scheduler.Schedule(delay, func() {
		p.fire(entityID)
	})
	return true
}

// OnStreamStart resets the entity's attempt counter and cancels any pending
// retry. A fresh stream starts the backoff sequence over.
func (p *Policy) OnStreamStart(entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state[entityID]
	if st == nil {
		return
	}
	if st.pending != nil {
		st.pending.Cancel()
		st.pending = nil
	}
	st.attempt = 0
}

// OnStreamFinish clears all retry state for the entity. No further retries
// occur until a new error arrives for a running entity.
func (p *Policy) OnStreamFinish(entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked(entityID)
}

// Close cancels every pending retry timer and drops all state.
func (p *Policy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.state {
		p.clearLocked(id)
	}
}

func (p *Policy) clearLocked(entityID string) {
	st := p.state[entityID]
	if st == nil {
		return
	}
	if st.pending != nil {
		st.pending.Cancel()
	}
	delete(p.state, entityID)
}

// fire runs when a retry timer elapses. The entity may have finished while
// the timer was pending, so its status is re-checked before reconnecting.
func (p *Policy) fire(entityID string) {
	p.mu.Lock()
	st := p.state[entityID]
	if st != nil {
		st.pending = nil
	}
	p.mu.Unlock()

	if !p.running(entityID) {
		p.logger.Debug("skipping reconnect for finished entity", "entity_id", entityID)
		return
	}
	p.reconnect(entityID)
}
