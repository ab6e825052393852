package delay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/pitfeed/clock"
	"github.com/c360/pitfeed/errors"
	"github.com/c360/pitfeed/session"
)

// Reference identifies the broadcast moment a calibration measures against.
type Reference string

const (
	// RefSessionLive starts timing when the session phase reaches live.
	RefSessionLive Reference = "session-live"
	// RefFormationStart starts timing at the detected formation start.
	RefFormationStart Reference = "formation-start"
	// RefLapSync starts timing at the next lap-count increment. Race and
	// sprint sessions only.
	RefLapSync Reference = "lap-sync"
)

func validReference(r Reference) bool {
	switch r {
	case RefSessionLive, RefFormationStart, RefLapSync:
		return true
	}
	return false
}

// CalState is the calibration protocol state.
type CalState int

const (
	// Idle means no calibration is in progress.
	Idle CalState = iota
	// Waiting means a reference is armed and not yet observed.
	Waiting
	// Running means the reference was observed and timing is underway.
	Running
)

// String returns the lowercase state name.
func (s CalState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

const (
	armTimeout     = 120 * time.Second
	lapSyncTimeout = 300 * time.Second
	maxDelay       = 300 * time.Second
)

// Status is a snapshot of the calibration state for diagnostics.
type Status struct {
	State       CalState
	Reference   Reference
	StartedAt   time.Time
	RecordedLap int
}

// Calibrator owns the calibration protocol. It observes released normalizer
// state (session phase, lap count, formation marker) and writes the measured
// delay into the buffer on commit. It is the single writer of the delay.
type Calibrator struct {
	logger *slog.Logger
	clock  clock.Source
	buffer *Buffer

	// replayMode blocks arming: replay timestamps make a broadcast
	// measurement meaningless.
	replayMode bool

	mu          sync.Mutex
	state       CalState
	ref         Reference
	startedAt   time.Time
	recordedLap int
	lastLap     int
	generation  int
	timer       *time.Timer
}

// NewCalibrator creates an idle calibrator writing into buffer.
func NewCalibrator(src clock.Source, buffer *Buffer, replayMode bool, logger *slog.Logger) *Calibrator {
	return &Calibrator{
		logger:     logger,
		clock:      src,
		buffer:     buffer,
		replayMode: replayMode,
	}
}

// Status returns the current calibration state.
func (c *Calibrator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:       c.state,
		Reference:   c.ref,
		StartedAt:   c.startedAt,
		RecordedLap: c.recordedLap,
	}
}

// Arm activates calibration against the given reference. Rejected while a
// calibration is active, in replay mode, and for lap-sync outside race or
// sprint sessions.
func (c *Calibrator) Arm(ref Reference, snap session.Snapshot) error {
	if !validReference(ref) {
		return errors.WrapInvalid(fmt.Errorf("unknown reference %q", ref),
			"Calibrator", "Arm", "validate reference")
	}
	if c.replayMode {
		return errors.WrapInvalid(errors.ErrCalibrationInReplay, "Calibrator", "Arm", "check mode")
	}
	if ref == RefLapSync && !snap.IsRaceOrSprint() {
		return errors.WrapInvalid(errors.ErrReferenceRejected, "Calibrator", "Arm",
			"lap-sync requires a race or sprint session")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return errors.WrapInvalid(errors.ErrCalibrationActive, "Calibrator", "Arm", "check state")
	}

	c.state = Waiting
	c.ref = ref
	c.recordedLap = 0
	c.generation++
	c.armTimerLocked(ref)

	c.logger.Info("calibration armed", "reference", string(ref))
	return nil
}

// Cancel aborts an active calibration without touching the delay.
func (c *Calibrator) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Idle {
		return errors.WrapInvalid(errors.ErrCalibrationIdle, "Calibrator", "Cancel", "check state")
	}
	c.resetLocked("cancelled")
	return nil
}

// Commit finishes a running calibration: the elapsed time since the
// reference was observed becomes the new delay, clamped to [0, 300]s.
func (c *Calibrator) Commit() error {
	c.mu.Lock()

	if c.state != Running {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrCalibrationIdle, "Calibrator", "Commit", "check state")
	}

	elapsed := c.clock.Now().Sub(c.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > maxDelay {
		elapsed = maxDelay
	}
	ref := c.ref
	c.resetLocked("committed")
	c.mu.Unlock()

	c.buffer.SetDelay(elapsed)
	c.logger.Info("calibration committed",
		"reference", string(ref), "delay_seconds", elapsed.Seconds())
	return nil
}

// ObservePhase feeds released session phase changes into the protocol. A
// session-live reference starts timing on live; a finished session cancels
// any calibration in flight.
func (c *Calibrator) ObservePhase(p session.Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case p == session.Finished && c.state != Idle:
		c.resetLocked("session finished")
	case p == session.Live && c.state == Waiting && c.ref == RefSessionLive:
		c.startRunningLocked()
	}
}

// ObserveLap feeds released lap-count values. A lap-sync reference starts
// timing on the first increment after arming; the observed lap is locked
// until re-arm.
func (c *Calibrator) ObserveLap(currentLap int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	increment := currentLap > c.lastLap
	c.lastLap = currentLap

	if increment && c.state == Waiting && c.ref == RefLapSync {
		c.recordedLap = currentLap
		c.startRunningLocked()
	}
}

// ObserveFormation feeds the one-shot formation start marker.
func (c *Calibrator) ObserveFormation() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Waiting && c.ref == RefFormationStart {
		c.startRunningLocked()
	}
}

// Reset forces the calibrator back to idle. Part of pipeline teardown.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		c.resetLocked("teardown")
	}
	c.lastLap = 0
}

// startRunningLocked must be called with mu held.
func (c *Calibrator) startRunningLocked() {
	c.state = Running
	c.startedAt = c.clock.Now()
	c.logger.Info("calibration reference observed",
		"reference", string(c.ref), "recorded_lap", c.recordedLap)
}

// resetLocked must be called with mu held.
func (c *Calibrator) resetLocked(reason string) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	c.state = Idle
	c.ref = ""
	c.startedAt = time.Time{}
	c.logger.Debug("calibration reset", "reason", reason)
}

// armTimerLocked must be called with mu held.
func (c *Calibrator) armTimerLocked(ref Reference) {
	timeout := armTimeout
	if ref == RefLapSync {
		timeout = lapSyncTimeout
	}
	gen := c.generation
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation != gen || c.state == Idle {
			return
		}
		c.resetLocked("timeout")
		c.logger.Warn("calibration timed out", "reference", string(ref))
	})
}
