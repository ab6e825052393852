package delay

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitfeed/feed"
)

// fakeClock is a manually advanced clock source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func msgAt(topic string, seq uint64, at time.Time) feed.RawMessage {
	return feed.RawMessage{Topic: topic, Seq: seq, ArrivalTime: at, Payload: []byte(`{}`)}
}

func TestReleaseOrderNonDecreasing(t *testing.T) {
	base := time.Date(2024, 5, 26, 13, 0, 0, 0, time.UTC)
	clk := newFakeClock(base)

	var released []feed.RawMessage
	b := NewBuffer(clk, 10*time.Second, func(m feed.RawMessage) {
		released = append(released, m)
	}, slog.Default(), nil)

	// Enqueue out of arrival order.
	b.Enqueue(msgAt("A", 3, base.Add(2*time.Second)))
	b.Enqueue(msgAt("A", 1, base))
	b.Enqueue(msgAt("B", 2, base.Add(time.Second)))

	clk.Advance(time.Hour)
	b.DrainDue()

	require.Len(t, released, 3)
	assert.Equal(t, uint64(1), released[0].Seq)
	assert.Equal(t, uint64(2), released[1].Seq)
	assert.Equal(t, uint64(3), released[2].Seq)
}

func TestEqualReleaseTimesBreakTiesBySequence(t *testing.T) {
	base := time.Date(2024, 5, 26, 13, 0, 0, 0, time.UTC)
	clk := newFakeClock(base)

	var released []uint64
	b := NewBuffer(clk, 0, func(m feed.RawMessage) {
		released = append(released, m.Seq)
	}, slog.Default(), nil)

	// Same arrival time, interleaved enqueue order.
	b.Enqueue(msgAt("TimingData", 2, base))
	b.Enqueue(msgAt("TimingData", 1, base))
	b.Enqueue(msgAt("TimingData", 3, base))

	clk.Advance(time.Millisecond)
	b.DrainDue()

	assert.Equal(t, []uint64{1, 2, 3}, released)
}

func TestDelayChangeNotRetroactive(t *testing.T) {
	base := time.Date(2024, 5, 26, 13, 0, 0, 0, time.UTC)
	clk := newFakeClock(base)

	var released []uint64
	b := NewBuffer(clk, 10*time.Second, func(m feed.RawMessage) {
		released = append(released, m.Seq)
	}, slog.Default(), nil)

	b.Enqueue(msgAt("A", 1, base))
	b.SetDelay(60 * time.Second)
	b.Enqueue(msgAt("A", 2, base))

	// First message still releases at +10s despite the delay increase.
	clk.Advance(10 * time.Second)
	b.DrainDue()
	assert.Equal(t, []uint64{1}, released)

	clk.Advance(49 * time.Second)
	b.DrainDue()
	assert.Equal(t, []uint64{1}, released)

	clk.Advance(time.Second)
	b.DrainDue()
	assert.Equal(t, []uint64{1, 2}, released)
}

func TestDelayedSessionStatusScenario(t *testing.T) {
	// SessionStatus pre at t=0 and live at t=60 with a 10s delay must be
	// observed at t=10 and t=70.
	base := time.Date(2024, 5, 26, 13, 0, 0, 0, time.UTC)
	clk := newFakeClock(base)

	var observed []string
	b := NewBuffer(clk, 10*time.Second, func(m feed.RawMessage) {
		observed = append(observed, string(m.Payload))
	}, slog.Default(), nil)

	b.Enqueue(feed.RawMessage{Topic: feed.TopicSessionStatus, Seq: 1, ArrivalTime: base, Payload: []byte(`"pre"`)})
	b.Enqueue(feed.RawMessage{Topic: feed.TopicSessionStatus, Seq: 2, ArrivalTime: base.Add(60 * time.Second), Payload: []byte(`"live"`)})

	clk.Advance(9 * time.Second)
	b.DrainDue()
	assert.Empty(t, observed, "nothing visible before t=10")

	clk.Advance(time.Second) // t=10
	b.DrainDue()
	assert.Equal(t, []string{`"pre"`}, observed)

	clk.Advance(59 * time.Second) // t=69
	b.DrainDue()
	assert.Equal(t, []string{`"pre"`}, observed)

	clk.Advance(time.Second) // t=70
	b.DrainDue()
	assert.Equal(t, []string{`"pre"`, `"live"`}, observed)
}

func TestFlushDiscardsPending(t *testing.T) {
	base := time.Now()
	clk := newFakeClock(base)

	var released int
	b := NewBuffer(clk, time.Minute, func(feed.RawMessage) { released++ }, slog.Default(), nil)

	b.Enqueue(msgAt("A", 1, base))
	b.Enqueue(msgAt("A", 2, base))
	require.Equal(t, 2, b.Pending())

	b.Flush()
	assert.Zero(t, b.Pending())

	clk.Advance(time.Hour)
	b.DrainDue()
	assert.Zero(t, released)
}

func TestSetDelayClampsNegative(t *testing.T) {
	b := NewBuffer(newFakeClock(time.Now()), 5*time.Second, func(feed.RawMessage) {}, slog.Default(), nil)
	b.SetDelay(-time.Second)
	assert.Equal(t, time.Duration(0), b.Delay())
}

func TestBufferLifecycle(t *testing.T) {
	base := time.Now()
	clk := newFakeClock(base)

	var mu sync.Mutex
	var released int
	b := NewBuffer(clk, 0, func(feed.RawMessage) {
		mu.Lock()
		released++
		mu.Unlock()
	}, slog.Default(), nil)

	require.NoError(t, b.Start(context.Background()))
	require.Error(t, b.Start(context.Background()), "double start is rejected")
	assert.True(t, b.Healthy())

	b.Enqueue(msgAt("A", 1, base.Add(-time.Second)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return released == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop(time.Second))
}
