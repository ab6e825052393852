package normalize

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
)

func TestWeatherLastValueWins(t *testing.T) {
	n := NewWeather()
	snap := session.Snapshot{}

	updates := n.Apply(rawMsg(feed.TopicWeatherData,
		`{"AirTemp":"24.5","TrackTemp":"41.2","Rainfall":"0"}`), snap)
	require.NotEmpty(t, updates)

	state := n.State()
	require.NotNil(t, state.AirTemp)
	assert.InDelta(t, 24.5, *state.AirTemp, 1e-9)
	assert.Nil(t, state.WindSpeed, "fields never carried stay nil")

	// Partial update refreshes only what it carries.
	n.Apply(rawMsg(feed.TopicWeatherData, `{"AirTemp":"25.1"}`), snap)
	assert.InDelta(t, 25.1, *n.State().AirTemp, 1e-9)
	assert.InDelta(t, 41.2, *n.State().TrackTemp, 1e-9)
}

func TestWeatherMalformedIgnored(t *testing.T) {
	n := NewWeather()
	assert.Nil(t, n.Apply(rawMsg(feed.TopicWeatherData, `{broken`), session.Snapshot{}))
	assert.Nil(t, n.Apply(rawMsg(feed.TopicWeatherData, `{"AirTemp":"warm"}`), session.Snapshot{}))
}

func TestChampionshipMerge(t *testing.T) {
	n := NewChampionship()
	snap := session.Snapshot{}

	n.Apply(rawMsg(feed.TopicChampionshipPrediction, `{
		"Drivers":{"1":{"CurrentPosition":1,"PredictedPosition":1,"CurrentPoints":161,"PredictedPoints":186}},
		"Teams":{"red_bull":{"CurrentPosition":1,"PredictedPosition":1}}
	}`), snap)

	// Delta updates only the predicted points.
	n.Apply(rawMsg(feed.TopicChampionshipPrediction,
		`{"Drivers":{"1":{"PredictedPoints":187}}}`), snap)

	state := n.Snapshot()
	assert.Equal(t, 1, state.Drivers["1"].CurrentPosition)
	assert.InDelta(t, 187, state.Drivers["1"].PredictedPoints, 1e-9)
	assert.InDelta(t, 161, state.Drivers["1"].CurrentPoints, 1e-9)
	assert.Equal(t, 1, state.Teams["red_bull"].PredictedPosition)
}

func TestTopThreeFullThenDelta(t *testing.T) {
	n := NewTopThree()
	snap := session.Snapshot{}

	assert.Nil(t, n.Snapshot(), "nil until the topic is seen")

	n.Apply(rawMsg(feed.TopicTopThree, `{"Lines":[
		{"RacingNumber":"1","FullName":"Max Verstappen","Team":"Red Bull Racing","DiffToLeader":""},
		{"RacingNumber":"4","FullName":"Lando Norris","Team":"McLaren","DiffToLeader":"+2.1"},
		{"RacingNumber":"16","FullName":"Charles Leclerc","Team":"Ferrari","DiffToLeader":"+5.8"}
	]}`), snap)

	lines := n.Snapshot()
	require.Len(t, lines, 3)
	assert.Equal(t, "1", lines[0].RacingNumber)
	assert.Equal(t, 1, lines[0].Position)

	// Indexed delta swaps P2.
	n.Apply(rawMsg(feed.TopicTopThree,
		`{"Lines":{"1":{"RacingNumber":"16","FullName":"Charles Leclerc","Team":"Ferrari"}}}`), snap)
	assert.Equal(t, "16", n.Snapshot()[1].RacingNumber)
	assert.Equal(t, "1", n.Snapshot()[0].RacingNumber, "other slots untouched")
}

func TestRadioCapturesAbsoluteURLs(t *testing.T) {
	n := NewRadio()
	snap := session.Snapshot{Path: "2024/2024-05-26_Monaco_Grand_Prix/2024-05-26_Race/"}

	updates := n.Apply(rawMsg(feed.TopicTeamRadio, `{"Captures":[
		{"Utc":"2024-05-26T13:20:00Z","RacingNumber":"16","Path":"TeamRadio/CHARLES_01.mp3"}
	]}`), snap)
	require.NotEmpty(t, updates)

	caps := n.Snapshot()
	require.Len(t, caps, 1)
	assert.Equal(t,
		"https://livetiming.formula1.com/static/2024/2024-05-26_Monaco_Grand_Prix/2024-05-26_Race/TeamRadio/CHARLES_01.mp3",
		caps[0].URL)
}

func TestRadioDedupAndNumericDictForm(t *testing.T) {
	n := NewRadio()
	snap := session.Snapshot{Path: "2024/race/"}

	n.Apply(rawMsg(feed.TopicTeamRadio, `{"Captures":[
		{"Utc":"t1","RacingNumber":"1","Path":"TeamRadio/A.mp3"}
	]}`), snap)
	// Same capture arriving as an indexed dict delta is a duplicate.
	second := n.Apply(rawMsg(feed.TopicTeamRadio, `{"Captures":{
		"0":{"Utc":"t1","RacingNumber":"1","Path":"TeamRadio/A.mp3"}
	}}`), snap)

	assert.Nil(t, second)
	assert.Len(t, n.Snapshot(), 1)
}

func TestRadioHistoryBounded(t *testing.T) {
	n := NewRadio()
	snap := session.Snapshot{Path: "2024/race/"}

	for i := 0; i < radioHistoryLimit+5; i++ {
		payload := fmt.Sprintf(
			`{"Captures":[{"Utc":"t%d","RacingNumber":"1","Path":"TeamRadio/C%d.mp3"}]}`, i, i)
		n.Apply(rawMsg(feed.TopicTeamRadio, payload), snap)
	}
	assert.Len(t, n.Snapshot(), radioHistoryLimit)
}
