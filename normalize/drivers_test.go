package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
)

func TestDriversRoster(t *testing.T) {
	n := NewDrivers()
	updates := n.Apply(rawMsg(feed.TopicDriverList, `{
		"1":{"RacingNumber":"1","Tla":"VER","FullName":"Max Verstappen","TeamName":"Red Bull Racing"},
		"_kf":true
	}`), session.Snapshot{})
	require.NotEmpty(t, updates)

	snap := n.Snapshot()
	require.Contains(t, snap, "1")
	assert.Equal(t, "VER", snap["1"].Tla)
	assert.Equal(t, "Max Verstappen", snap["1"].FullName)
	assert.Equal(t, DriverOnTrack, snap["1"].Status)
	assert.NotContains(t, snap, "_kf")
}

func TestDriversTimingPositionAndLaps(t *testing.T) {
	n := NewDrivers()
	snap := session.Snapshot{}

	n.Apply(rawMsg(feed.TopicTimingData, `{"Lines":{"1":{
		"Position":"3","NumberOfLaps":10,"LastLapTime":{"Value":"1:31.204"}
	}}}`), snap)

	drv := n.Snapshot()["1"]
	assert.Equal(t, 3, drv.Position)
	assert.Equal(t, 10, drv.CompletedLaps)
	assert.Equal(t, "1:31.204", drv.LastLapTime)
	assert.Equal(t, "1:31.204", drv.LapTimes[10])

	// Lap count never regresses within a session.
	n.Apply(rawMsg(feed.TopicTimingData, `{"Lines":{"1":{"NumberOfLaps":8}}}`), snap)
	assert.Equal(t, 10, n.Snapshot()["1"].CompletedLaps)
}

func TestDriversPitStatusTransitions(t *testing.T) {
	n := NewDrivers()
	snap := session.Snapshot{}

	n.Apply(rawMsg(feed.TopicTimingData, `{"Lines":{"44":{"InPit":true}}}`), snap)
	assert.Equal(t, DriverPitIn, n.Snapshot()["44"].Status)

	// InPit clearing without PitOut still means the car left the box.
	n.Apply(rawMsg(feed.TopicTimingData, `{"Lines":{"44":{"InPit":false}}}`), snap)
	assert.Equal(t, DriverPitOut, n.Snapshot()["44"].Status)

	n.Apply(rawMsg(feed.TopicTimingData, `{"Lines":{"44":{"PitOut":false}}}`), snap)
	assert.Equal(t, DriverOnTrack, n.Snapshot()["44"].Status)
}

func TestDriversRetiredAndStopped(t *testing.T) {
	n := NewDrivers()
	snap := session.Snapshot{}

	n.Apply(rawMsg(feed.TopicTimingData, `{"Lines":{"23":{"Retired":true}}}`), snap)
	assert.Equal(t, DriverOut, n.Snapshot()["23"].Status)

	n.Apply(rawMsg(feed.TopicTimingData, `{"Lines":{"2":{"Stopped":true}}}`), snap)
	assert.Equal(t, DriverOut, n.Snapshot()["2"].Status)
}

func TestDriversDeltaKeepsStatus(t *testing.T) {
	n := NewDrivers()
	snap := session.Snapshot{}

	n.Apply(rawMsg(feed.TopicTimingData, `{"Lines":{"63":{"InPit":true}}}`), snap)
	// Delta without pit flags must not change the status.
	n.Apply(rawMsg(feed.TopicTimingData, `{"Lines":{"63":{"Position":"7"}}}`), snap)
	assert.Equal(t, DriverPitIn, n.Snapshot()["63"].Status)
}

func TestDriversMalformedIgnored(t *testing.T) {
	n := NewDrivers()
	assert.Nil(t, n.Apply(rawMsg(feed.TopicTimingData, `{broken`), session.Snapshot{}))
	assert.Nil(t, n.Apply(rawMsg(feed.TopicTimingData, `{"Lines":{}}`), session.Snapshot{}))
	assert.Empty(t, n.Snapshot())
}

func TestDriversReset(t *testing.T) {
	n := NewDrivers()
	n.Apply(rawMsg(feed.TopicDriverList, `{"1":{"RacingNumber":"1","Tla":"VER"}}`), session.Snapshot{})

	n.Reset()
	assert.Empty(t, n.Snapshot())
}
