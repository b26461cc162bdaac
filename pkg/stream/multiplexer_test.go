package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowkit/chatstream/pkg/events"
)

func textEvent(s string) events.Envelope {
	return events.Envelope{Type: events.TypeAgentStream, Data: []byte(`{"delta":"` + s + `"}`)}
}

// collector is a subscriber that records everything it sees.
type collector struct {
	mu       sync.Mutex
	started  int
	data     []events.Envelope
	errs     []error
	finished int
}

func (c *collector) subscriber() *Subscriber {
	return &Subscriber{
		OnStart: func() {
			c.mu.Lock()
			c.started++
			c.mu.Unlock()
		},
		OnData: func(e events.Envelope) {
			c.mu.Lock()
			c.data = append(c.data, e)
			c.mu.Unlock()
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		},
		OnFinish: func() {
			c.mu.Lock()
			c.finished++
			c.mu.Unlock()
		},
	}
}

func (c *collector) dataCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate")
	}
}

func TestConcurrentSubscribersSingleExecution(t *testing.T) {
	const n = 8
	m := NewMultiplexer(nil)

	var invocations atomic.Int32
	release := make(chan struct{})
	executor := func(ctx context.Context, emit func(events.Envelope)) error {
		invocations.Add(1)
		<-release
		emit(textEvent("shared"))
		return nil
	}

	collectors := make([]*collector, n)
	subs := make([]*Subscription, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		collectors[i] = &collector{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i] = m.Subscribe(context.Background(), "session:s1", collectors[i].subscriber(), executor)
		}(i)
	}
	wg.Wait()
	close(release)
	waitDone(t, subs[0])

	assert.Equal(t, int32(1), invocations.Load())
	for i, c := range collectors {
		assert.Equal(t, 1, c.dataCount(), "subscriber %d", i)
		assert.Equal(t, 1, c.finished, "subscriber %d", i)
		assert.Empty(t, c.errs, "subscriber %d", i)
	}
}

func TestFanOutOrderAndTeardown(t *testing.T) {
	m := NewMultiplexer(nil)
	c := &collector{}

	executor := func(ctx context.Context, emit func(events.Envelope)) error {
		emit(textEvent("a"))
		emit(textEvent("b"))
		emit(textEvent("c"))
		return nil
	}

	sub := m.Subscribe(context.Background(), "session:s1", c.subscriber(), executor)
	waitDone(t, sub)

	assert.Equal(t, 1, c.started)
	require.Len(t, c.data, 3)
	assert.Equal(t, `{"delta":"a"}`, string(c.data[0].Data))
	assert.Equal(t, `{"delta":"c"}`, string(c.data[2].Data))
	assert.Equal(t, 1, c.finished)
	assert.NoError(t, sub.Err())
	assert.False(t, m.IsActive("session:s1"))
}

func TestLateSubscriberSeesOnlySubsequentEvents(t *testing.T) {
	m := NewMultiplexer(nil)
	first := &collector{}
	late := &collector{}

	firstDelivered := make(chan struct{})
	lateAttached := make(chan struct{})
	executor := func(ctx context.Context, emit func(events.Envelope)) error {
		emit(textEvent("early"))
		close(firstDelivered)
		<-lateAttached
		emit(textEvent("later"))
		return nil
	}

	sub1 := m.Subscribe(context.Background(), "session:s1", first.subscriber(), executor)
	<-firstDelivered
	m.Subscribe(context.Background(), "session:s1", late.subscriber(), executor)
	close(lateAttached)
	waitDone(t, sub1)

	assert.Equal(t, 2, first.dataCount())
	require.Equal(t, 1, late.dataCount())
	assert.Equal(t, `{"delta":"later"}`, string(late.data[0].Data))
	assert.Equal(t, 1, late.finished)
}

func TestExecutorErrorDelivered(t *testing.T) {
	m := NewMultiplexer(nil)
	c := &collector{}
	streamErr := errors.New("upstream returned 502")

	sub := m.Subscribe(context.Background(), "session:s1", c.subscriber(),
		func(ctx context.Context, emit func(events.Envelope)) error {
			return streamErr
		})
	waitDone(t, sub)

	require.Len(t, c.errs, 1)
	assert.Equal(t, streamErr, c.errs[0])
	assert.Zero(t, c.finished)
	assert.Equal(t, streamErr, sub.Err())
	assert.False(t, m.IsActive("session:s1"))
}

func TestCloseStreamIsCancellationNotError(t *testing.T) {
	m := NewMultiplexer(nil)
	c := &collector{}

	running := make(chan struct{})
	executor := func(ctx context.Context, emit func(events.Envelope)) error {
		close(running)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
				emit(textEvent("tick"))
			}
		}
	}

	sub := m.Subscribe(context.Background(), "session:s1", c.subscriber(), executor)
	<-running
	m.CloseStream("session:s1")
	waitDone(t, sub)

	assert.Empty(t, c.errs)
	assert.Equal(t, 1, c.finished)
	assert.NoError(t, sub.Err())
	assert.False(t, m.IsActive("session:s1"))
}

func TestUnsubscribeDefaultLetsStreamFinish(t *testing.T) {
	m := NewMultiplexer(nil)
	c := &collector{}

	detached := make(chan struct{})
	var sawCancel atomic.Bool
	executor := func(ctx context.Context, emit func(events.Envelope)) error {
		<-detached
		sawCancel.Store(ctx.Err() != nil)
		emit(textEvent("after detach"))
		return nil
	}

	sub := m.Subscribe(context.Background(), "session:s1", c.subscriber(), executor)
	sub.Unsubscribe()
	close(detached)
	waitDone(t, sub)

	assert.False(t, sawCancel.Load())
	// The detached subscriber receives nothing further, terminal included.
	assert.Zero(t, c.dataCount())
	assert.Zero(t, c.finished)
}

func TestUnsubscribeWithCancelWhenEmpty(t *testing.T) {
	m := NewMultiplexer(nil, WithCancelWhenEmpty())
	c := &collector{}

	cancelled := make(chan struct{})
	executor := func(ctx context.Context, emit func(events.Envelope)) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}

	sub := m.Subscribe(context.Background(), "session:s1", c.subscriber(), executor)
	sub.Unsubscribe()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("executor was not cancelled")
	}
	waitDone(t, sub)
	assert.NoError(t, sub.Err())
}

func TestSubscribeAfterTeardownStartsFresh(t *testing.T) {
	m := NewMultiplexer(nil)
	var invocations atomic.Int32
	executor := func(ctx context.Context, emit func(events.Envelope)) error {
		invocations.Add(1)
		return nil
	}

	sub := m.Subscribe(context.Background(), "session:s1", &Subscriber{}, executor)
	waitDone(t, sub)
	sub = m.Subscribe(context.Background(), "session:s1", &Subscriber{}, executor)
	waitDone(t, sub)

	assert.Equal(t, int32(2), invocations.Load())
}

func TestNilCallbacksAreOptional(t *testing.T) {
	m := NewMultiplexer(nil)
	sub := m.Subscribe(context.Background(), "session:s1", &Subscriber{},
		func(ctx context.Context, emit func(events.Envelope)) error {
			emit(textEvent("x"))
			return nil
		})
	waitDone(t, sub)
	assert.NoError(t, sub.Err())
}
