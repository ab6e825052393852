package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// Source quality values for the session clock.
const (
	ClockSourceFeed        = "feed"
	ClockSourceEstimated   = "estimated"
	ClockSourceUnavailable = "unavailable"
)

// Scheduled segment durations used when the feed supplies no clock.
var (
	qualiSegments       = []time.Duration{18 * time.Minute, 15 * time.Minute, 12 * time.Minute}
	sprintQualiSegments = []time.Duration{12 * time.Minute, 10 * time.Minute, 8 * time.Minute}
	practiceDuration    = 60 * time.Minute
)

// SessionClockState is the exposed clock and lap state. SourceQuality tells
// consumers whether Remaining is authoritative (feed) or derived.
type SessionClockState struct {
	CurrentLap       int       `json:"current_lap,omitempty"`
	TotalLaps        int       `json:"total_laps,omitempty"`
	RemainingSeconds *float64  `json:"remaining_seconds,omitempty"`
	AnchorUtc        time.Time `json:"anchor_utc,omitempty"`
	Extrapolating    bool      `json:"extrapolating"`
	SourceQuality    string    `json:"source_quality"`
}

// SessionClock normalizes LapCount and ExtrapolatedClock, with a
// lower-confidence fallback from session metadata when the feed carries no
// clock. It watches SessionStatus to count qualifying segments, so the
// fallback shrinks across Q1/Q2/Q3.
type SessionClock struct {
	state           SessionClockState
	anchorRemaining time.Duration
	haveFeedClock   bool
	segment         int
	lastPhase       session.Phase
}

// NewSessionClock creates a clock normalizer with unavailable quality.
func NewSessionClock() *SessionClock {
	return &SessionClock{state: SessionClockState{SourceQuality: ClockSourceUnavailable}}
}

// Topics implements Normalizer.
func (c *SessionClock) Topics() []string {
	return []string{feed.TopicLapCount, feed.TopicExtrapolatedClock, feed.TopicSessionStatus}
}

// Apply implements Normalizer.
func (c *SessionClock) Apply(msg feed.RawMessage, snap session.Snapshot) []sink.Update {
	var changed bool
	switch msg.Topic {
	case feed.TopicLapCount:
		changed = c.applyLapCount(msg.Payload)
	case feed.TopicExtrapolatedClock:
		changed = c.applyClock(msg.Payload)
	case feed.TopicSessionStatus:
		changed = c.applyPhase(snap)
	}
	if !changed {
		return nil
	}

	if !c.haveFeedClock {
		c.estimate(snap)
	}
	return []sink.Update{sink.State("session_clock", c.state)}
}

func (c *SessionClock) applyLapCount(payload json.RawMessage) bool {
	var p struct {
		CurrentLap any `json:"CurrentLap"`
		LapCount   any `json:"LapCount"`
		TotalLaps  any `json:"TotalLaps"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}

	changed := false
	lap, ok := toInt(p.CurrentLap)
	if !ok {
		lap, ok = toInt(p.LapCount)
	}
	// Laps never go backwards within a session.
	if ok && lap > c.state.CurrentLap {
		c.state.CurrentLap = lap
		changed = true
	}
	if total, ok := toInt(p.TotalLaps); ok && total > 0 && total != c.state.TotalLaps {
		c.state.TotalLaps = total
		changed = true
	}
	return changed
}

func (c *SessionClock) applyClock(payload json.RawMessage) bool {
	var p struct {
		Utc           string `json:"Utc"`
		Remaining     string `json:"Remaining"`
		Extrapolating *bool  `json:"Extrapolating"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}

	remaining, err := feed.ParseClock(p.Remaining)
	if err != nil {
		return false
	}
	anchor, err := feed.ParseUTC(p.Utc)
	if err != nil {
		anchor = time.Time{}
	}

	c.anchorRemaining = remaining
	c.state.AnchorUtc = anchor
	if p.Extrapolating != nil {
		c.state.Extrapolating = *p.Extrapolating
	}
	secs := remaining.Seconds()
	c.state.RemainingSeconds = &secs
	c.state.SourceQuality = ClockSourceFeed
	c.haveFeedClock = true
	return true
}

// applyPhase counts qualifying segment boundaries: leaving a break for a
// running track starts the next segment. Reports a change only when the
// estimate is the active clock source.
func (c *SessionClock) applyPhase(snap session.Snapshot) bool {
	prev := c.lastPhase
	c.lastPhase = snap.Phase
	if prev != session.Break || snap.Phase != session.Live {
		return false
	}
	c.segment++
	return !c.haveFeedClock
}

// estimate fills Remaining from scheduled durations when the feed has not
// supplied a clock. Race sessions have no scheduled wall duration; quality
// stays unavailable there.
func (c *SessionClock) estimate(snap session.Snapshot) {
	joined := strings.ToLower(snap.SessionType + " " + snap.SessionName)
	var d time.Duration
	switch {
	case strings.Contains(joined, "sprint") && strings.Contains(joined, "qualifying"):
		d = segmentDuration(sprintQualiSegments, c.segment)
	case strings.Contains(joined, "qualifying"):
		d = segmentDuration(qualiSegments, c.segment)
	case strings.Contains(joined, "practice"):
		d = practiceDuration
	default:
		c.state.SourceQuality = ClockSourceUnavailable
		c.state.RemainingSeconds = nil
		return
	}
	secs := d.Seconds()
	c.state.RemainingSeconds = &secs
	c.state.SourceQuality = ClockSourceEstimated
}

// segmentDuration clamps past the end of the ladder.
func segmentDuration(ladder []time.Duration, segment int) time.Duration {
	if segment >= len(ladder) {
		segment = len(ladder) - 1
	}
	return ladder[segment]
}

// RemainingAt extrapolates the remaining time at `now` from the last anchor.
// The second return is false when no feed clock has been seen.
func (c *SessionClock) RemainingAt(now time.Time) (time.Duration, bool) {
	if !c.haveFeedClock {
		return 0, false
	}
	if !c.state.Extrapolating || c.state.AnchorUtc.IsZero() {
		return c.anchorRemaining, true
	}
	rem := c.anchorRemaining - now.Sub(c.state.AnchorUtc)
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// CurrentLap returns the last observed lap number.
func (c *SessionClock) CurrentLap() int {
	return c.state.CurrentLap
}

// Reset implements Normalizer.
func (c *SessionClock) Reset() {
	c.state = SessionClockState{SourceQuality: ClockSourceUnavailable}
	c.anchorRemaining = 0
	c.haveFeedClock = false
	c.segment = 0
	c.lastPhase = session.Pre
}

// State returns the exposed clock state.
func (c *SessionClock) State() SessionClockState {
	return c.state
}
