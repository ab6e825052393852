// Package clock supplies "now" to the delay buffer and transports, either as
// true wall-clock (live mode) or as a virtual clock driven by archive
// timestamps and a play/pause/seek cursor (replay mode).
package clock

import (
	"sync"
	"time"
)

// Source supplies the current time for one pipeline instance. Live and
// replay sources must never be mixed within a pipeline; the orchestrator
// tears everything down when switching modes.
type Source interface {
	Now() time.Time
}

// Live returns system time.
type Live struct{}

// Now implements Source.
func (Live) Now() time.Time { return time.Now() }

// Replay is a virtual clock over an archive base time. The cursor advances
// at real-time rate while playing, is frozen while paused, and can be moved
// directly with Seek.
type Replay struct {
	mu       sync.Mutex
	base     time.Time // archive time at cursor zero
	cursor   time.Duration
	playing  bool
	playedAt time.Time // wall time when playback last resumed
}

// NewReplay creates a paused replay clock positioned at base.
func NewReplay(base time.Time) *Replay {
	return &Replay{base: base}
}

// Now implements Source.
func (r *Replay) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base.Add(r.position())
}

// position must be called with mu held.
func (r *Replay) position() time.Duration {
	if r.playing {
		return r.cursor + time.Since(r.playedAt)
	}
	return r.cursor
}

// Play resumes cursor advancement. No-op if already playing.
func (r *Replay) Play() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playing {
		return
	}
	r.playing = true
	r.playedAt = time.Now()
}

// Pause freezes the cursor. No-op if already paused.
func (r *Replay) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.playing {
		return
	}
	r.cursor += time.Since(r.playedAt)
	r.playing = false
}

// Seek moves the cursor to the given offset from base. Negative offsets
// clamp to zero. Play/pause state is preserved.
func (r *Replay) Seek(offset time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	r.cursor = offset
	if r.playing {
		r.playedAt = time.Now()
	}
}

// Position returns the current cursor offset from base.
func (r *Replay) Position() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position()
}

// Playing reports whether the cursor is advancing.
func (r *Replay) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}
