package liveness

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDefaultTimeoutIsThreeIntervals(t *testing.T) {
	m := New(func(context.Context) error { return nil }, func(time.Duration, error) {},
		WithInterval(2*time.Second))
	assert.Equal(t, 6*time.Second, m.Timeout())
	assert.Equal(t, 2*time.Second, m.Interval())
}

func TestDegradedThenStalled(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var degraded, stalled int32

	m := New(
		func(context.Context) error { return nil },
		func(time.Duration, error) { atomic.AddInt32(&stalled, 1) },
		WithInterval(time.Second),
		WithClock(clock.Now),
		WithDegradedFunc(func(time.Duration) { atomic.AddInt32(&degraded, 1) }),
	)

	clock.Advance(500 * time.Millisecond)
	assert.False(t, m.Check())
	assert.Equal(t, int32(0), atomic.LoadInt32(&degraded))

	clock.Advance(time.Second)
	assert.False(t, m.Check())
	assert.False(t, m.Check())
	assert.Equal(t, int32(1), atomic.LoadInt32(&degraded), "degraded fires once per silent stretch")

	clock.Advance(2 * time.Second)
	assert.True(t, m.Check())
	assert.True(t, m.Check())
	assert.Equal(t, int32(1), atomic.LoadInt32(&stalled), "stall fires exactly once")
	assert.True(t, m.Stalled())
}

func TestTouchResetsSilence(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var degraded int32
	m := New(
		func(context.Context) error { return nil },
		func(time.Duration, error) { t.Error("unexpected stall") },
		WithInterval(time.Second),
		WithClock(clock.Now),
		WithDegradedFunc(func(time.Duration) { atomic.AddInt32(&degraded, 1) }),
	)

	for i := 0; i < 10; i++ {
		clock.Advance(1500 * time.Millisecond)
		assert.False(t, m.Check())
		m.Touch()
	}
	assert.Equal(t, int32(10), atomic.LoadInt32(&degraded))
}

func TestFailedPingStalls(t *testing.T) {
	var cause error
	m := New(
		func(context.Context) error { return io.ErrClosedPipe },
		func(_ time.Duration, err error) { cause = err },
	)

	assert.True(t, m.Beat(context.Background()))
	assert.ErrorIs(t, cause, io.ErrClosedPipe)
	assert.True(t, m.Stalled())
}

func TestLoopPingsAndStalls(t *testing.T) {
	var pings int32
	stalled := make(chan struct{})

	m := New(
		func(context.Context) error { atomic.AddInt32(&pings, 1); return nil },
		func(time.Duration, error) { close(stalled) },
		WithInterval(10*time.Millisecond),
		WithTimeout(35*time.Millisecond),
	)
	m.Start(context.Background())

	select {
	case <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never stalled")
	}
	<-m.Done()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&pings), int32(2))
}

func TestStopEndsLoop(t *testing.T) {
	m := New(func(context.Context) error { return nil }, func(time.Duration, error) {},
		WithInterval(5*time.Millisecond))
	m.Start(context.Background())
	m.Stop()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
}
