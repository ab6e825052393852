package normalize

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// Formation tracker statuses.
const (
	FormationIdle          = "idle"
	FormationPending       = "pending"
	FormationReady         = "ready"
	FormationLive          = "live"
	FormationUnavailable   = "unavailable"
	FormationNotApplicable = "not_applicable"
)

// FormationProbeResult carries the outcome of the car-data probe that looks
// for the formation start marker near the scheduled session start.
type FormationProbeResult struct {
	Found          bool
	FormationStart time.Time
	DeltaSeconds   float64
	Err            string
}

// FormationState is the exposed one-shot formation marker. Detection is
// best-effort with roughly one second of precision; Source says where the
// marker came from.
type FormationState struct {
	Status         string    `json:"status"`
	Detected       bool      `json:"detected"`
	ScheduledStart time.Time `json:"scheduled_start,omitempty"`
	FormationStart time.Time `json:"formation_start,omitempty"`
	DeltaSeconds   float64   `json:"delta_seconds,omitempty"`
	Source         string    `json:"source,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Formation is the one-shot formation start detector. It flips detected
// false to true at most once per race or sprint session.
type Formation struct {
	logger *slog.Logger
	state  FormationState
}

// NewFormation creates an idle formation normalizer.
func NewFormation(logger *slog.Logger) *Formation {
	return &Formation{logger: logger, state: FormationState{Status: FormationIdle}}
}

// Topics implements Normalizer.
func (f *Formation) Topics() []string {
	return []string{feed.TopicSessionInfo, feed.TopicSessionStatus}
}

// Apply implements Normalizer.
func (f *Formation) Apply(msg feed.RawMessage, snap session.Snapshot) []sink.Update {
	switch msg.Topic {
	case feed.TopicSessionInfo:
		return f.applyInfo(snap)
	case feed.TopicSessionStatus:
		return f.applyStatus(msg.Payload)
	}
	return nil
}

func (f *Formation) applyInfo(snap session.Snapshot) []sink.Update {
	if !snap.IsRaceOrSprint() {
		if f.state.Status == FormationNotApplicable {
			return nil
		}
		f.state = FormationState{Status: FormationNotApplicable}
		return f.update()
	}

	if f.state.Detected {
		return nil
	}

	changed := false
	if !snap.ScheduledStart.IsZero() && !snap.ScheduledStart.Equal(f.state.ScheduledStart) {
		f.state.ScheduledStart = snap.ScheduledStart
		changed = true
	}
	if f.state.Status == FormationIdle || f.state.Status == FormationNotApplicable {
		f.state.Status = FormationPending
		changed = true
	}
	if !changed {
		return nil
	}
	return f.update()
}

func (f *Formation) applyStatus(payload json.RawMessage) []sink.Update {
	var p struct {
		Status  string `json:"Status"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	status := p.Status
	if status == "" {
		status = p.Message
	}
	switch status {
	case "Started", "Green", "GreenFlag":
	default:
		return nil
	}

	if f.state.Status != FormationReady {
		return nil
	}
	f.state.Status = FormationLive
	return f.update()
}

// ApplyProbe consumes a probe result. A found marker is one-shot: later
// results cannot move it.
func (f *Formation) ApplyProbe(result FormationProbeResult) []sink.Update {
	if f.state.Status == FormationNotApplicable || f.state.Detected {
		return nil
	}

	if !result.Found {
		f.state.Status = FormationUnavailable
		f.state.Error = result.Err
		f.logger.Debug("formation probe failed", "error", result.Err)
		return f.update()
	}

	f.state.Status = FormationReady
	f.state.Detected = true
	f.state.FormationStart = result.FormationStart
	f.state.DeltaSeconds = result.DeltaSeconds
	f.state.Source = "cardata"
	f.state.Error = ""
	f.logger.Info("formation start detected",
		"formation_start", result.FormationStart, "delta_seconds", result.DeltaSeconds)
	return f.update()
}

// Detected reports whether the one-shot marker has fired.
func (f *Formation) Detected() bool {
	return f.state.Detected
}

// Reset implements Normalizer.
func (f *Formation) Reset() {
	f.state = FormationState{Status: FormationIdle}
}

// State returns the exposed formation state.
func (f *Formation) State() FormationState {
	return f.state
}

func (f *Formation) update() []sink.Update {
	return []sink.Update{sink.State("formation_start", f.state)}
}
