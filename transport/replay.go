package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/pitfeed/clock"
	"github.com/c360/pitfeed/errors"
	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/metric"
)

// replayPollInterval is how often the replay adapter checks the virtual
// clock for due frames.
const replayPollInterval = 50 * time.Millisecond

// Replay plays a recorded frame list against a virtual clock. Frames are
// emitted when the clock cursor passes their offset; pause freezes emission
// and seek repositions it.
type Replay struct {
	frames []feed.Frame
	clock  *clock.Replay
	base   time.Time
	logger *slog.Logger
	// metrics may be nil in tests.
	metrics *metric.Core

	messages chan feed.RawMessage
	seq      sequencer
	activity activityClock

	// next is the index of the first unemitted frame. Written by the play
	// loop, read by Progress from status callers.
	next     atomic.Int64
	lastPos  time.Duration
	finished atomic.Bool

	started     atomic.Bool
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

var _ Adapter = (*Replay)(nil)

// NewReplay creates a replay adapter over frames ordered by offset. base is
// the archive time at offset zero and must match the virtual clock's base.
func NewReplay(frames []feed.Frame, vclock *clock.Replay, base time.Time,
	logger *slog.Logger, metrics *metric.Core) (*Replay, error) {
	if len(frames) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty frame list"), "replay_transport", "NewReplay", "validate frames")
	}
	return &Replay{
		frames:   frames,
		clock:    vclock,
		base:     base,
		logger:   logger.With("component", "replay_transport"),
		metrics:  metrics,
		messages: make(chan feed.RawMessage, messageChannelSize),
		shutdown: make(chan struct{}),
	}, nil
}

// Name implements Adapter.
func (r *Replay) Name() string { return "replay-transport" }

// Messages implements Adapter.
func (r *Replay) Messages() <-chan feed.RawMessage { return r.messages }

// LastActivity implements Adapter.
func (r *Replay) LastActivity() time.Time { return r.activity.last() }

// Healthy implements Adapter. A finished replay stays healthy; running out
// of frames is the expected end state.
func (r *Replay) Healthy() bool { return r.started.Load() }

// Finished reports whether every frame has been emitted.
func (r *Replay) Finished() bool { return r.finished.Load() }

// Progress returns playback progress in [0,1] by frame count.
func (r *Replay) Progress() float64 {
	return float64(r.next.Load()) / float64(len(r.frames))
}

// Start implements Adapter.
func (r *Replay) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.started.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "replay_transport", "Start", "check state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.metrics != nil {
		r.metrics.ConnectionStatus.WithLabelValues("replay").Set(1)
	}

	r.wg.Add(1)
	go r.playLoop(runCtx)
	return nil
}

// Stop implements Adapter.
func (r *Replay) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.started.Load() {
		return nil
	}

	close(r.shutdown)
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"replay_transport", "Stop", "wait for goroutines")
	}

	if r.metrics != nil {
		r.metrics.ConnectionStatus.WithLabelValues("replay").Set(0)
	}
	close(r.messages)
	r.started.Store(false)
	return nil
}

// playLoop polls the virtual clock and emits due frames.
func (r *Replay) playLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(replayPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.EmitDue()
		}
	}
}

// EmitDue emits every frame whose offset the clock cursor has passed.
// Exported for deterministic tests; the play loop calls it on a short
// ticker.
func (r *Replay) EmitDue() int {
	pos := r.clock.Position()

	// A backward seek invalidates accumulated state. Rewind and replay the
	// prefix in a burst after a boundary marker, so downstream state is
	// rebuilt consistent with the new cursor.
	if pos < r.lastPos {
		r.logger.Info("seek backward, rebuilding state", "position", pos)
		r.next.Store(0)
		r.emit(feed.RawMessage{Reset: true, ArrivalTime: r.base.Add(pos), Seq: r.seq.next()})
	}
	r.lastPos = pos

	emitted := 0
	next := int(r.next.Load())
	for next < len(r.frames) && r.frames[next].Offset <= pos {
		frame := r.frames[next]
		next++
		r.next.Store(int64(next))
		r.emit(feed.RawMessage{
			Topic:       frame.Topic,
			Payload:     frame.Payload,
			ArrivalTime: r.base.Add(frame.Offset),
			Seq:         r.seq.next(),
		})
		emitted++
	}

	if r.metrics != nil {
		r.metrics.ReplayProgress.Set(r.Progress())
	}
	if next == len(r.frames) && !r.finished.Load() {
		r.finished.Store(true)
		r.logger.Info("replay finished", "frames", len(r.frames))
	}
	return emitted
}

// emit pushes one message, dropping on overflow.
func (r *Replay) emit(msg feed.RawMessage) {
	select {
	case r.messages <- msg:
		r.activity.mark(msg.ArrivalTime)
		if r.metrics != nil && msg.Topic != "" {
			r.metrics.MessagesIngested.WithLabelValues(msg.Topic).Inc()
		}
	default:
		if r.metrics != nil {
			r.metrics.MessagesDropped.WithLabelValues("overflow").Inc()
		}
	}
}
