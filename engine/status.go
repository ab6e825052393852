package engine

import "time"

// CalibrationStatus is the diagnostics view of the calibration protocol.
type CalibrationStatus struct {
	State       string `json:"state"`
	Reference   string `json:"reference,omitempty"`
	RecordedLap int    `json:"recorded_lap,omitempty"`
}

// ReplayStatus is the diagnostics view of the replay lifecycle.
type ReplayStatus struct {
	State           string  `json:"state"`
	Session         string  `json:"session,omitempty"`
	Progress        float64 `json:"progress"`
	PositionSeconds float64 `json:"position_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	Finished        bool    `json:"finished"`
}

// Status is one diagnostics snapshot of the whole engine.
type Status struct {
	Mode               string            `json:"mode"`
	Healthy            bool              `json:"healthy"`
	Connected          bool              `json:"connected"`
	ActivityAgeSeconds float64           `json:"activity_age_seconds"`
	DelaySeconds       float64           `json:"delay_seconds"`
	Calibration        CalibrationStatus `json:"calibration"`
	Replay             ReplayStatus      `json:"replay"`
}

// Status returns a point-in-time diagnostics snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		Mode:         e.mode.String(),
		Healthy:      e.pipe == nil || e.pipe.group.Healthy(),
		DelaySeconds: e.delay.Seconds(),
		Calibration:  CalibrationStatus{State: "idle"},
		Replay: ReplayStatus{
			State:    e.replayState.String(),
			Progress: e.loadProgress,
		},
	}

	if e.pipe != nil {
		s.Connected = e.pipe.adapter.Healthy()
		if last := e.pipe.adapter.LastActivity(); !last.IsZero() {
			s.ActivityAgeSeconds = time.Since(last).Seconds()
		}
		cal := e.pipe.calibrator.Status()
		s.Calibration = CalibrationStatus{
			State:       cal.State.String(),
			Reference:   string(cal.Reference),
			RecordedLap: cal.RecordedLap,
		}
	}

	if e.selected != nil {
		s.Replay.Session = e.selected.SessionName
	}
	if e.recording != nil {
		s.Replay.DurationSeconds = e.recording.Duration.Seconds()
	}
	if e.mode == ModeReplay {
		s.Replay.Progress = e.replayT.Progress()
		s.Replay.PositionSeconds = e.vclock.Position().Seconds()
		s.Replay.Finished = e.replayT.Finished()
	}
	return s
}
