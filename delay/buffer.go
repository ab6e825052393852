// Package delay implements the time-ordered holding buffer that releases
// ingested messages after the configured delivery delay, and the calibration
// protocol that aligns that delay with a broadcast.
package delay

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/pitfeed/clock"
	"github.com/c360/pitfeed/errors"
	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/metric"
)

// drainInterval bounds how late a release can be past its release time.
const drainInterval = 10 * time.Millisecond

// scheduled is a RawMessage with its computed release time.
type scheduled struct {
	msg       feed.RawMessage
	releaseAt time.Time
}

// scheduledHeap orders by releaseAt, ties broken by sequence so per-topic
// arrival order survives equal release times.
type scheduledHeap []scheduled

func (h scheduledHeap) Len() int { return len(h) }

func (h scheduledHeap) Less(i, j int) bool {
	if h[i].releaseAt.Equal(h[j].releaseAt) {
		return h[i].msg.Seq < h[j].msg.Seq
	}
	return h[i].releaseAt.Before(h[j].releaseAt)
}

func (h scheduledHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *scheduledHeap) Push(x any) { *h = append(*h, x.(scheduled)) }

func (h *scheduledHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// DispatchFunc receives released messages in release order.
type DispatchFunc func(feed.RawMessage)

// Buffer holds ingested messages until now >= arrival + delay. The delay in
// effect at enqueue time determines the release time; later delay changes
// are not retroactive, which keeps release order monotonic.
type Buffer struct {
	logger   *slog.Logger
	clock    clock.Source
	dispatch DispatchFunc
	metrics  *metric.Core

	mu      sync.Mutex
	heap    scheduledHeap
	delay   time.Duration
	flushed int64

	started    atomic.Bool
	shutdownCh chan struct{}
	doneCh     chan struct{}
	stopOnce   sync.Once
}

// NewBuffer creates a delay buffer. metrics may be nil.
func NewBuffer(src clock.Source, initialDelay time.Duration, dispatch DispatchFunc,
	logger *slog.Logger, metrics *metric.Core) *Buffer {
	if initialDelay < 0 {
		initialDelay = 0
	}
	b := &Buffer{
		logger:     logger,
		clock:      src,
		dispatch:   dispatch,
		metrics:    metrics,
		delay:      initialDelay,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if metrics != nil {
		metrics.DelaySeconds.Set(initialDelay.Seconds())
	}
	return b
}

// Name implements component.Component.
func (b *Buffer) Name() string { return "delay-buffer" }

// Start launches the drain loop.
func (b *Buffer) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Buffer", "Start", "start drain")
	}
	go b.drainLoop(ctx)
	return nil
}

// Stop shuts down the drain loop. Pending messages are discarded.
func (b *Buffer) Stop(timeout time.Duration) error {
	if !b.started.Load() {
		return nil
	}
	b.stopOnce.Do(func() { close(b.shutdownCh) })

	select {
	case <-b.doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Buffer", "Stop", "drain shutdown")
	}
	b.Flush()
	return nil
}

// Healthy implements component.Component.
func (b *Buffer) Healthy() bool {
	return b.started.Load()
}

// Enqueue schedules a message for release. The current delay is snapshotted
// here; changing it later does not move messages already scheduled.
func (b *Buffer) Enqueue(msg feed.RawMessage) {
	b.mu.Lock()
	releaseAt := msg.ArrivalTime.Add(b.delay)
	heap.Push(&b.heap, scheduled{msg: msg, releaseAt: releaseAt})
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.MessagesIngested.WithLabelValues(msg.Topic).Inc()
	}
}

// SetDelay replaces the delay applied to future enqueues. Negative values
// clamp to zero.
func (b *Buffer) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.DelaySeconds.Set(d.Seconds())
	}
	b.logger.Info("delivery delay updated", "delay_seconds", d.Seconds())
}

// Delay returns the delay currently applied to new enqueues.
func (b *Buffer) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// Pending returns the number of messages waiting for release.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.heap)
}

// Flush discards all pending messages. Used during teardown so a rebuilt
// pipeline never sees messages scheduled under the old clock.
func (b *Buffer) Flush() {
	b.mu.Lock()
	n := len(b.heap)
	b.heap = nil
	b.flushed += int64(n)
	b.mu.Unlock()

	if n > 0 {
		if b.metrics != nil {
			b.metrics.MessagesDropped.WithLabelValues("teardown").Add(float64(n))
		}
		b.logger.Debug("flushed pending messages", "count", n)
	}
}

// DrainDue releases every message due at the current clock reading. The
// drain loop calls this on a short interval; tests call it directly for
// deterministic control.
func (b *Buffer) DrainDue() int {
	now := b.clock.Now()
	released := 0
	for {
		b.mu.Lock()
		if len(b.heap) == 0 || b.heap[0].releaseAt.After(now) {
			b.mu.Unlock()
			return released
		}
		item := heap.Pop(&b.heap).(scheduled)
		b.mu.Unlock()

		// Dispatch outside the lock; dispatch is single-threaded per
		// session because only the drain loop calls it.
		b.dispatch(item.msg)
		released++
		if b.metrics != nil {
			b.metrics.MessagesReleased.WithLabelValues(item.msg.Topic).Inc()
		}
	}
}

func (b *Buffer) drainLoop(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdownCh:
			return
		case <-ticker.C:
			b.DrainDue()
		}
	}
}
