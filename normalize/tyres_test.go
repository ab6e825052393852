package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
)

func TestTyresFullList(t *testing.T) {
	n := NewTyres()
	updates := n.Apply(rawMsg(feed.TopicTyreStintSeries, `{"Stints":{"1":[
		{"Compound":"MEDIUM","New":"true","StartLaps":0,"TotalLaps":14},
		{"Compound":"HARD","New":"true","StartLaps":0,"TotalLaps":3}
	]}}`), session.Snapshot{})
	require.NotEmpty(t, updates)

	state := n.Snapshot()["1"]
	assert.Equal(t, 2, state.StintCount)
	assert.Equal(t, "HARD", state.Current.Compound)
	assert.True(t, state.Current.New)
	assert.Equal(t, 3, state.Current.TotalLaps)
}

func TestTyresIndexedDeltaMerge(t *testing.T) {
	n := NewTyres()
	snap := session.Snapshot{}

	n.Apply(rawMsg(feed.TopicTyreStintSeries, `{"Stints":{"1":[
		{"Compound":"SOFT","New":"false","TotalLaps":5}
	]}}`), snap)

	// Delta bumps only the lap count on the current stint.
	n.Apply(rawMsg(feed.TopicTyreStintSeries,
		`{"Stints":{"1":{"0":{"TotalLaps":6}}}}`), snap)

	state := n.Snapshot()["1"]
	assert.Equal(t, "SOFT", state.Current.Compound, "compound survives the partial delta")
	assert.Equal(t, 6, state.Current.TotalLaps)
	assert.Equal(t, 1, state.StintCount)
}

func TestTyresNewStintViaDelta(t *testing.T) {
	n := NewTyres()
	snap := session.Snapshot{}

	n.Apply(rawMsg(feed.TopicTyreStintSeries,
		`{"Stints":{"16":{"0":{"Compound":"MEDIUM","TotalLaps":20}}}}`), snap)
	n.Apply(rawMsg(feed.TopicTyreStintSeries,
		`{"Stints":{"16":{"1":{"Compound":"HARD","New":"true","TotalLaps":0}}}}`), snap)

	state := n.Snapshot()["16"]
	assert.Equal(t, 2, state.StintCount)
	assert.Equal(t, "HARD", state.Current.Compound)
}

func TestTyresMalformedIgnored(t *testing.T) {
	n := NewTyres()
	assert.Nil(t, n.Apply(rawMsg(feed.TopicTyreStintSeries, `{broken`), session.Snapshot{}))
	assert.Nil(t, n.Apply(rawMsg(feed.TopicTyreStintSeries, `{"Stints":{}}`), session.Snapshot{}))
}

func TestTyresReset(t *testing.T) {
	n := NewTyres()
	n.Apply(rawMsg(feed.TopicTyreStintSeries,
		`{"Stints":{"1":[{"Compound":"SOFT"}]}}`), session.Snapshot{})

	n.Reset()
	assert.Empty(t, n.Snapshot())
}
