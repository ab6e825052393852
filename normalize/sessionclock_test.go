package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
)

func TestSessionClockLapCountMonotonic(t *testing.T) {
	n := NewSessionClock()
	snap := session.Snapshot{SessionType: "Race"}

	n.Apply(rawMsg(feed.TopicLapCount, `{"CurrentLap":12,"TotalLaps":57}`), snap)
	assert.Equal(t, 12, n.State().CurrentLap)
	assert.Equal(t, 57, n.State().TotalLaps)

	// A stale lower lap never wins.
	updates := n.Apply(rawMsg(feed.TopicLapCount, `{"CurrentLap":11}`), snap)
	assert.Nil(t, updates)
	assert.Equal(t, 12, n.State().CurrentLap)
}

func TestSessionClockFeedClock(t *testing.T) {
	n := NewSessionClock()
	snap := session.Snapshot{SessionType: "Race"}

	updates := n.Apply(rawMsg(feed.TopicExtrapolatedClock,
		`{"Utc":"2024-05-26T13:10:00Z","Remaining":"1:25:30","Extrapolating":true}`), snap)
	require.NotEmpty(t, updates)

	state := n.State()
	assert.Equal(t, ClockSourceFeed, state.SourceQuality)
	require.NotNil(t, state.RemainingSeconds)
	assert.InDelta(t, (85*time.Minute + 30*time.Second).Seconds(), *state.RemainingSeconds, 1e-9)
	assert.True(t, state.Extrapolating)
}

func TestSessionClockRemainingAt(t *testing.T) {
	n := NewSessionClock()
	snap := session.Snapshot{}

	_, ok := n.RemainingAt(time.Now())
	assert.False(t, ok, "no clock seen yet")

	n.Apply(rawMsg(feed.TopicExtrapolatedClock,
		`{"Utc":"2024-05-26T13:10:00Z","Remaining":"1:00:00","Extrapolating":true}`), snap)

	rem, ok := n.RemainingAt(mustUTC(t, "2024-05-26T13:40:00Z"))
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, rem)

	// Extrapolation floors at zero.
	rem, ok = n.RemainingAt(mustUTC(t, "2024-05-26T15:00:00Z"))
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), rem)
}

func TestSessionClockFrozenWhenNotExtrapolating(t *testing.T) {
	n := NewSessionClock()
	n.Apply(rawMsg(feed.TopicExtrapolatedClock,
		`{"Utc":"2024-05-26T13:10:00Z","Remaining":"0:45:00","Extrapolating":false}`), session.Snapshot{})

	rem, ok := n.RemainingAt(mustUTC(t, "2024-05-26T14:00:00Z"))
	require.True(t, ok)
	assert.Equal(t, 45*time.Minute, rem, "clock is stopped during suspensions")
}

func TestSessionClockEstimatedFallback(t *testing.T) {
	tests := []struct {
		name     string
		snap     session.Snapshot
		quality  string
		expected float64
	}{
		{"qualifying", session.Snapshot{SessionType: "Qualifying", SessionName: "Qualifying"},
			ClockSourceEstimated, (18 * time.Minute).Seconds()},
		{"sprint qualifying", session.Snapshot{SessionType: "Qualifying", SessionName: "Sprint Qualifying"},
			ClockSourceEstimated, (12 * time.Minute).Seconds()},
		{"practice", session.Snapshot{SessionType: "Practice", SessionName: "Practice 1"},
			ClockSourceEstimated, (60 * time.Minute).Seconds()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewSessionClock()
			n.Apply(rawMsg(feed.TopicLapCount, `{"CurrentLap":1}`), tt.snap)
			state := n.State()
			assert.Equal(t, tt.quality, state.SourceQuality)
			require.NotNil(t, state.RemainingSeconds)
			assert.InDelta(t, tt.expected, *state.RemainingSeconds, 1e-9)
		})
	}
}

func TestSessionClockQualifyingSegmentLadder(t *testing.T) {
	n := NewSessionClock()
	live := session.Snapshot{SessionType: "Qualifying", SessionName: "Qualifying", Phase: session.Live}
	brk := live
	brk.Phase = session.Break

	n.Apply(rawMsg(feed.TopicSessionStatus, `{"Status":"Started"}`), live)
	n.Apply(rawMsg(feed.TopicLapCount, `{"CurrentLap":1}`), live)
	require.NotNil(t, n.State().RemainingSeconds)
	assert.InDelta(t, (18 * time.Minute).Seconds(), *n.State().RemainingSeconds, 1e-9)

	// Break then green starts Q2; the estimate shrinks and republishes.
	n.Apply(rawMsg(feed.TopicSessionStatus, `{"Status":"Inactive"}`), brk)
	updates := n.Apply(rawMsg(feed.TopicSessionStatus, `{"Status":"Started"}`), live)
	require.NotEmpty(t, updates)
	assert.InDelta(t, (15 * time.Minute).Seconds(), *n.State().RemainingSeconds, 1e-9)

	n.Apply(rawMsg(feed.TopicSessionStatus, `{"Status":"Inactive"}`), brk)
	n.Apply(rawMsg(feed.TopicSessionStatus, `{"Status":"Started"}`), live)
	assert.InDelta(t, (12 * time.Minute).Seconds(), *n.State().RemainingSeconds, 1e-9)

	// Past the ladder the final segment duration holds.
	n.Apply(rawMsg(feed.TopicSessionStatus, `{"Status":"Inactive"}`), brk)
	n.Apply(rawMsg(feed.TopicSessionStatus, `{"Status":"Started"}`), live)
	assert.InDelta(t, (12 * time.Minute).Seconds(), *n.State().RemainingSeconds, 1e-9)
}

func TestSessionClockSegmentIgnoredWithFeedClock(t *testing.T) {
	n := NewSessionClock()
	live := session.Snapshot{SessionType: "Qualifying", SessionName: "Qualifying", Phase: session.Live}
	brk := live
	brk.Phase = session.Break

	n.Apply(rawMsg(feed.TopicExtrapolatedClock,
		`{"Utc":"2024-05-26T14:00:00Z","Remaining":"0:15:00","Extrapolating":true}`), live)

	n.Apply(rawMsg(feed.TopicSessionStatus, `{"Status":"Inactive"}`), brk)
	updates := n.Apply(rawMsg(feed.TopicSessionStatus, `{"Status":"Started"}`), live)
	assert.Empty(t, updates, "feed clock stays authoritative across segments")
	assert.Equal(t, ClockSourceFeed, n.State().SourceQuality)
}

func TestSessionClockRaceWithoutFeedClockUnavailable(t *testing.T) {
	n := NewSessionClock()
	n.Apply(rawMsg(feed.TopicLapCount, `{"CurrentLap":1}`),
		session.Snapshot{SessionType: "Race", SessionName: "Race"})

	state := n.State()
	assert.Equal(t, ClockSourceUnavailable, state.SourceQuality)
	assert.Nil(t, state.RemainingSeconds)
}

func TestSessionClockReset(t *testing.T) {
	n := NewSessionClock()
	n.Apply(rawMsg(feed.TopicExtrapolatedClock,
		`{"Utc":"2024-05-26T13:10:00Z","Remaining":"1:00:00"}`), session.Snapshot{})

	n.Reset()
	assert.Equal(t, NewSessionClock().State(), n.State())
	_, ok := n.RemainingAt(time.Now())
	assert.False(t, ok)
}
