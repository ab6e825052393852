// Package transport produces the stream of raw feed messages, either from the
// live SignalR endpoint or from a recorded archive. Both adapters emit into a
// channel consumed by the delay buffer; everything downstream is
// transport-agnostic.
package transport

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/c360/pitfeed/feed"
)

// messageChannelSize bounds the adapter output channel.
const messageChannelSize = 1024

// Adapter is a source of raw feed messages with component lifecycle.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Healthy() bool

	// Messages is the adapter output. Closed after Stop returns.
	Messages() <-chan feed.RawMessage

	// LastActivity is the arrival time of the most recent message.
	LastActivity() time.Time
}

// sequencer hands out monotonically increasing sequence numbers for one
// adapter instance.
type sequencer struct {
	n atomic.Uint64
}

func (s *sequencer) next() uint64 {
	return s.n.Add(1)
}

// activityClock tracks the last message arrival time.
type activityClock struct {
	v atomic.Value // time.Time
}

func (a *activityClock) mark(t time.Time) {
	a.v.Store(t)
}

func (a *activityClock) last() time.Time {
	if v := a.v.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}
