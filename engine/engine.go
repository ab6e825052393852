// Package engine orchestrates the ingestion pipeline. It builds and tears
// down the mode-specific component stack (transport, delay buffer, session
// machine, normalizers) and exposes the runtime control surface: delay and
// calibration, replay selection and playback, diagnostics.
package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/pitfeed/archive"
	"github.com/c360/pitfeed/clock"
	"github.com/c360/pitfeed/component"
	"github.com/c360/pitfeed/config"
	"github.com/c360/pitfeed/delay"
	"github.com/c360/pitfeed/errors"
	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/metric"
	"github.com/c360/pitfeed/normalize"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
	"github.com/c360/pitfeed/transport"
)

// teardownTimeout bounds how long a mode switch waits for the old pipeline.
const teardownTimeout = 5 * time.Second

// Mode is the pipeline mode. Exactly one pipeline exists at a time; switching
// modes tears everything down and rebuilds from scratch.
type Mode int

const (
	// ModeIdle means no pipeline is running.
	ModeIdle Mode = iota
	// ModeLive means the live feed pipeline is running.
	ModeLive
	// ModeReplay means a recorded session is being played back.
	ModeReplay
)

// String returns the lowercase mode name.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeLive:
		return "live"
	case ModeReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// ReplayState tracks the replay selection lifecycle, independent of the
// pipeline mode.
type ReplayState int

const (
	// ReplayIdle means no recording is selected.
	ReplayIdle ReplayState = iota
	// ReplaySelected means a session is selected but not loaded.
	ReplaySelected
	// ReplayLoading means the recording is downloading.
	ReplayLoading
	// ReplayReady means the recording is cached and playable.
	ReplayReady
	// ReplayPlaying means playback is running.
	ReplayPlaying
	// ReplayPaused means playback is paused.
	ReplayPaused
)

// String returns the lowercase state name.
func (s ReplayState) String() string {
	switch s {
	case ReplayIdle:
		return "idle"
	case ReplaySelected:
		return "selected"
	case ReplayLoading:
		return "loading"
	case ReplayReady:
		return "ready"
	case ReplayPlaying:
		return "playing"
	case ReplayPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// pipeline is the per-mode component stack. Rebuilt wholesale on every mode
// switch so no state leaks between clocks.
type pipeline struct {
	group      *component.Group
	adapter    transport.Adapter
	buffer     *delay.Buffer
	calibrator *delay.Calibrator
	machine    *session.Machine
	dispatcher *normalize.Dispatcher
	cancel     context.CancelFunc
	pumpDone   chan struct{}
}

// Engine owns the pipeline lifecycle and the control surface.
type Engine struct {
	cfg     *config.Config
	out     sink.Sink
	logger  *slog.Logger
	metrics *metric.Core

	index      *archive.Index
	downloader *archive.Downloader
	probe      *archive.Probe

	started atomic.Bool
	runCtx  context.Context

	mu   sync.Mutex
	mode Mode
	pipe *pipeline

	// delay survives pipeline rebuilds.
	delay time.Duration

	replayState  ReplayState
	selected     *archive.SessionRef
	recording    *archive.Recording
	vclock       *clock.Replay
	replayT      *transport.Replay
	loadProgress float64
}

// NewEngine creates an idle engine. metrics may be nil.
func NewEngine(cfg *config.Config, out sink.Sink, logger *slog.Logger, metrics *metric.Core) *Engine {
	return &Engine{
		cfg:        cfg,
		out:        out,
		logger:     logger.With("component", "engine"),
		metrics:    metrics,
		index:      archive.NewIndex("", logger),
		downloader: archive.NewDownloader("", logger),
		probe:      archive.NewProbe("", logger),
		delay:      time.Duration(cfg.InitialDelaySeconds) * time.Second,
	}
}

// Start brings the engine up. Replay mode loads and plays the configured
// archive; otherwise the live pipeline is built when live data is enabled,
// and the engine waits idle when it is not.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "check state")
	}
	e.runCtx = ctx

	if e.cfg.ReplayMode {
		return e.startConfiguredReplay(ctx)
	}
	if !e.cfg.EnableLiveData {
		e.logger.Info("live data disabled, starting idle")
		return nil
	}
	return e.GoLive()
}

// startConfiguredReplay boots directly into replay of the configured archive.
// Load failure falls through LoadReplay's live fallback.
func (e *Engine) startConfiguredReplay(ctx context.Context) error {
	if err := e.SelectReplay(archive.SessionRef{Path: e.cfg.ReplayArchivePath}); err != nil {
		return err
	}
	if err := e.LoadReplay(ctx); err != nil {
		return err
	}
	return e.Play()
}

// Stop tears down whatever pipeline is running.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked(timeout)
	e.replayState = ReplayIdle
	e.selected = nil
	e.recording = nil
	return nil
}

// Mode returns the current pipeline mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// GoLive switches to the live pipeline, tearing down any current one.
func (e *Engine) GoLive() error {
	if !e.started.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Engine", "GoLive", "check state")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.teardownLocked(teardownTimeout)

	src := clock.Live{}
	adapter := transport.NewLive(transport.LiveConfig{BaseURL: e.cfg.FeedBaseURL},
		src, e.logger, e.metrics)
	if err := e.buildLocked(src, adapter, false); err != nil {
		return err
	}
	e.mode = ModeLive
	e.logger.Info("live pipeline started")
	return nil
}

// SetDelay replaces the delivery delay. Applies to the running buffer and to
// every future pipeline. Negative values clamp to zero.
func (e *Engine) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.mu.Lock()
	e.delay = d
	var buffer *delay.Buffer
	if e.pipe != nil {
		buffer = e.pipe.buffer
	}
	e.mu.Unlock()

	if buffer != nil {
		buffer.SetDelay(d)
	} else if e.metrics != nil {
		e.metrics.DelaySeconds.Set(d.Seconds())
	}
}

// Delay returns the configured delivery delay.
func (e *Engine) Delay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delay
}

// ArmCalibration arms the calibration protocol against a reference.
func (e *Engine) ArmCalibration(ref delay.Reference) error {
	c, m, err := e.calibration("ArmCalibration")
	if err != nil {
		return err
	}
	return c.Arm(ref, m.Snapshot())
}

// CancelCalibration aborts an active calibration without changing the delay.
func (e *Engine) CancelCalibration() error {
	c, _, err := e.calibration("CancelCalibration")
	if err != nil {
		return err
	}
	return c.Cancel()
}

// CommitCalibration finishes a running calibration; the measured elapsed time
// becomes the new delay.
func (e *Engine) CommitCalibration() error {
	c, _, err := e.calibration("CommitCalibration")
	if err != nil {
		return err
	}
	if err := c.Commit(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.pipe != nil {
		e.delay = e.pipe.buffer.Delay()
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) calibration(method string) (*delay.Calibrator, *session.Machine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipe == nil {
		return nil, nil, errors.WrapInvalid(errors.ErrNotStarted, "Engine", method, "no active pipeline")
	}
	return e.pipe.calibrator, e.pipe.machine, nil
}

// ListSessions returns the downloadable sessions of a season.
func (e *Engine) ListSessions(ctx context.Context, year int) ([]archive.SessionRef, error) {
	return e.index.Sessions(ctx, year)
}

// SelectReplay marks a session for replay. The running pipeline is not
// disturbed; loading and playback are separate steps.
func (e *Engine) SelectReplay(ref archive.SessionRef) error {
	if ref.Path == "" {
		return errors.WrapInvalid(errors.ErrNoArchiveSelected, "Engine", "SelectReplay", "empty session path")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selected = &ref
	e.recording = nil
	e.replayState = ReplaySelected
	e.logger.Info("replay session selected", "path", ref.Path, "session", ref.SessionName)
	return nil
}

// LoadReplay fetches the selected recording, serving from cache when present.
// On failure the engine falls back to the live pipeline when live data is
// enabled, and the selection stays in place for a retry.
func (e *Engine) LoadReplay(ctx context.Context) error {
	e.mu.Lock()
	if e.selected == nil {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNoArchiveSelected, "Engine", "LoadReplay", "check selection")
	}
	if e.replayState == ReplayLoading {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "LoadReplay", "load in progress")
	}
	ref := *e.selected
	e.replayState = ReplayLoading
	e.loadProgress = 0
	e.mu.Unlock()

	dir := filepath.Join(e.cfg.CacheDir, cacheKey(ref.Path))
	rec, err := archive.LoadCached(dir)
	if err == nil {
		e.logger.Info("replay served from cache", "path", ref.Path)
	} else {
		rec, err = e.downloader.Download(ctx, ref, dir, e.reportLoadProgress)
	}
	if err != nil {
		e.mu.Lock()
		e.replayState = ReplaySelected
		e.mu.Unlock()

		e.logger.Error("replay load failed, falling back to live",
			"path", ref.Path, "error", err)
		if e.cfg.EnableLiveData && e.Mode() != ModeLive {
			if liveErr := e.GoLive(); liveErr != nil {
				e.logger.Error("live fallback failed", "error", liveErr)
			}
		}
		return err
	}

	e.mu.Lock()
	e.recording = rec
	e.replayState = ReplayReady
	e.loadProgress = 1
	e.mu.Unlock()
	e.logger.Info("replay ready",
		"path", ref.Path, "frames", len(rec.Frames), "duration", rec.Duration)
	return nil
}

// Play starts or resumes replay playback. The first call after a load tears
// down the live pipeline and builds the replay one, paused at offset zero,
// before releasing the clock.
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode == ModeReplay {
		e.vclock.Play()
		e.replayState = ReplayPlaying
		return nil
	}
	if e.recording == nil {
		return errors.WrapInvalid(errors.ErrNoArchiveSelected, "Engine", "Play", "no recording loaded")
	}
	if err := e.startReplayLocked(); err != nil {
		return err
	}
	e.vclock.Play()
	e.replayState = ReplayPlaying
	e.logger.Info("replay playback started")
	return nil
}

// Pause freezes replay playback.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModeReplay {
		return errors.WrapInvalid(errors.ErrNotStarted, "Engine", "Pause", "no replay running")
	}
	e.vclock.Pause()
	e.replayState = ReplayPaused
	return nil
}

// Seek moves the replay cursor. Offsets clamp to the recording bounds.
// Backward seeks rebuild downstream state through the transport's reset and
// burst replay.
func (e *Engine) Seek(offset time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModeReplay {
		return errors.WrapInvalid(errors.ErrNotStarted, "Engine", "Seek", "no replay running")
	}
	if offset > e.recording.Duration {
		offset = e.recording.Duration
	}
	e.vclock.Seek(offset)
	return nil
}

// StopReplay tears down the replay pipeline. The recording stays cached and
// selected, ready for another Play.
func (e *Engine) StopReplay() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModeReplay {
		return errors.WrapInvalid(errors.ErrNotStarted, "Engine", "StopReplay", "no replay running")
	}
	e.teardownLocked(teardownTimeout)
	e.replayState = ReplayReady
	e.logger.Info("replay stopped")
	return nil
}

// startReplayLocked must be called with mu held.
func (e *Engine) startReplayLocked() error {
	rec := e.recording
	vclock := clock.NewReplay(rec.Base)
	rt, err := transport.NewReplay(rec.Frames, vclock, rec.Base, e.logger, e.metrics)
	if err != nil {
		return err
	}

	e.teardownLocked(teardownTimeout)
	if err := e.buildLocked(vclock, rt, true); err != nil {
		return err
	}
	e.vclock = vclock
	e.replayT = rt
	e.mode = ModeReplay
	return nil
}

// buildLocked assembles and starts a pipeline. Must be called with mu held
// and no pipeline running.
func (e *Engine) buildLocked(src clock.Source, adapter transport.Adapter, replayMode bool) error {
	pipeCtx, cancel := context.WithCancel(e.runCtx)

	machine := session.NewMachine(e.logger)
	set := normalize.NewSet(e.logger)

	// The buffer dispatches into the dispatcher created below; the closure
	// is safe because nothing flows before Start.
	var dispatcher *normalize.Dispatcher
	buffer := delay.NewBuffer(src, e.delay,
		func(msg feed.RawMessage) { dispatcher.Dispatch(msg) }, e.logger, e.metrics)
	calibrator := delay.NewCalibrator(src, buffer, replayMode, e.logger)

	observers := normalize.Observers{
		Phase:     calibrator.ObservePhase,
		Lap:       calibrator.ObserveLap,
		Formation: calibrator.ObserveFormation,
	}
	if !replayMode {
		var probeOnce sync.Once
		observers.Info = func(snap session.Snapshot) {
			if !snap.IsRaceOrSprint() || snap.Path == "" || snap.ScheduledStart.IsZero() {
				return
			}
			probeOnce.Do(func() {
				go e.runProbe(pipeCtx, snap, dispatcher)
			})
		}
	}
	dispatcher = normalize.NewDispatcher(machine, set, e.out, observers, e.logger, e.metrics)

	group := component.NewGroup(e.logger)
	group.Add(buffer)
	group.Add(adapter)
	if err := group.Start(pipeCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Engine", "build", "start pipeline")
	}

	pumpDone := make(chan struct{})
	go pump(pipeCtx, adapter.Messages(), buffer, pumpDone)

	e.pipe = &pipeline{
		group:      group,
		adapter:    adapter,
		buffer:     buffer,
		calibrator: calibrator,
		machine:    machine,
		dispatcher: dispatcher,
		cancel:     cancel,
		pumpDone:   pumpDone,
	}
	return nil
}

// teardownLocked must be called with mu held. Idempotent.
func (e *Engine) teardownLocked(timeout time.Duration) {
	if e.pipe == nil {
		return
	}
	p := e.pipe

	p.cancel()
	if err := p.group.Stop(timeout); err != nil {
		e.logger.Warn("pipeline stop reported errors", "error", err)
	}
	select {
	case <-p.pumpDone:
	case <-time.After(timeout):
		e.logger.Warn("pump did not drain in time")
	}

	p.calibrator.Reset()
	p.buffer.Flush()

	e.pipe = nil
	e.vclock = nil
	e.replayT = nil
	e.mode = ModeIdle
	e.logger.Info("pipeline torn down")
}

// pump moves messages from the transport into the delay buffer until the
// pipeline context ends or the transport closes its channel.
func pump(ctx context.Context, in <-chan feed.RawMessage, buffer *delay.Buffer, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			buffer.Enqueue(msg)
		}
	}
}

// runProbe executes the formation start probe once and feeds the result into
// the pipeline's dispatcher.
func (e *Engine) runProbe(ctx context.Context, snap session.Snapshot, dispatcher *normalize.Dispatcher) {
	e.logger.Info("scheduling formation probe",
		"path", snap.Path, "scheduled_start", snap.ScheduledStart)
	result := e.probe.Run(ctx, snap.Path, snap.ScheduledStart)
	if ctx.Err() != nil {
		return
	}
	dispatcher.NotifyFormation(normalize.FormationProbeResult{
		Found:          result.Found,
		FormationStart: result.FormationStart,
		DeltaSeconds:   result.DeltaSeconds,
		Err:            result.Err,
	})
}

func (e *Engine) reportLoadProgress(f float64) {
	e.mu.Lock()
	e.loadProgress = f
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ReplayProgress.Set(f)
	}
}

// cacheKey flattens a session path into a directory name.
func cacheKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
}
