package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
)

func rcPayload(messages string) string {
	return `{"Messages":` + messages + `}`
}

func TestRaceControlDedup(t *testing.T) {
	n := NewRaceControl()
	snap := session.Snapshot{Phase: session.Live}
	msg := `[{"Utc":"2024-05-26T13:05:00Z","Category":"Flag","Flag":"YELLOW","Message":"YELLOW IN SECTOR 2"}]`

	first := n.Apply(rawMsg(feed.TopicRaceControlMessages, rcPayload(msg)), snap)
	require.NotEmpty(t, first)

	// Identical retransmission two seconds later: no new entry, no event.
	second := n.Apply(rawMsg(feed.TopicRaceControlMessages, rcPayload(msg)), snap)
	assert.Empty(t, second)
	assert.Len(t, n.History(), 1)
}

func TestRaceControlDictDeltaForm(t *testing.T) {
	n := NewRaceControl()
	snap := session.Snapshot{}

	updates := n.Apply(rawMsg(feed.TopicRaceControlMessages,
		rcPayload(`{"4":{"Utc":"2024-05-26T13:06:00Z","Category":"Other","Message":"TRACK CLEAR"}}`)), snap)
	require.NotEmpty(t, updates)
	assert.Len(t, n.History(), 1)
	assert.Equal(t, "TRACK CLEAR", n.History()[0].Message)
}

func TestRaceControlEmitsEventPerNewMessage(t *testing.T) {
	n := NewRaceControl()
	snap := session.Snapshot{}

	updates := n.Apply(rawMsg(feed.TopicRaceControlMessages, rcPayload(
		`[{"Utc":"t1","Category":"Flag","Message":"GREEN LIGHT"},
		  {"Utc":"t2","Category":"Flag","Message":"CHEQUERED FLAG"}]`)), snap)

	var events, states int
	for _, u := range updates {
		if u.Event != "" {
			events++
			assert.Equal(t, "racecontrol", u.Event)
		} else {
			states++
			assert.Equal(t, "race_control", u.Concept)
		}
	}
	assert.Equal(t, 2, events)
	assert.Equal(t, 1, states)
}

func TestRaceControlHistoryEvictsOldest(t *testing.T) {
	n := NewRaceControl()
	snap := session.Snapshot{}

	for i := 0; i < rcHistoryCapacity+10; i++ {
		payload := rcPayload(fmt.Sprintf(
			`[{"Utc":"t%d","Category":"Other","Message":"MSG %d"}]`, i, i))
		n.Apply(rawMsg(feed.TopicRaceControlMessages, payload), snap)
	}

	history := n.History()
	require.Len(t, history, rcHistoryCapacity)
	assert.Equal(t, "MSG 10", history[0].Message, "oldest entries evicted first")
	assert.Equal(t, fmt.Sprintf("MSG %d", rcHistoryCapacity+9), history[len(history)-1].Message)
}

func TestRaceControlTruncatesLongMessages(t *testing.T) {
	n := NewRaceControl()
	long := strings.Repeat("X", 400)
	payload := rcPayload(`[{"Utc":"t1","Category":"Other","Message":"` + long + `"}]`)

	n.Apply(rawMsg(feed.TopicRaceControlMessages, payload), session.Snapshot{})
	require.Len(t, n.History(), 1)
	assert.Len(t, n.History()[0].Message, rcMaxTextLength)
}

func TestRaceControlLatestPointer(t *testing.T) {
	n := NewRaceControl()
	snap := session.Snapshot{}

	n.Apply(rawMsg(feed.TopicRaceControlMessages, rcPayload(
		`[{"Utc":"t1","Category":"Other","Message":"FIRST"}]`)), snap)
	n.Apply(rawMsg(feed.TopicRaceControlMessages, rcPayload(
		`[{"Utc":"t2","Category":"Other","Message":"SECOND"}]`)), snap)

	state := n.Snapshot()
	require.NotNil(t, state.Latest)
	assert.Equal(t, "SECOND", state.Latest.Message)
}

func TestRaceControlResetRoundTrip(t *testing.T) {
	n := NewRaceControl()
	n.Apply(rawMsg(feed.TopicRaceControlMessages, rcPayload(
		`[{"Utc":"t1","Category":"Other","Message":"ANYTHING"}]`)), session.Snapshot{})

	n.Reset()
	fresh := NewRaceControl()
	assert.Equal(t, fresh.Snapshot(), n.Snapshot())

	// Dedup window is cleared too: the same message is new again.
	updates := n.Apply(rawMsg(feed.TopicRaceControlMessages, rcPayload(
		`[{"Utc":"t1","Category":"Other","Message":"ANYTHING"}]`)), session.Snapshot{})
	assert.NotEmpty(t, updates)
}

func TestRaceControlIgnoresMalformed(t *testing.T) {
	n := NewRaceControl()
	assert.Nil(t, n.Apply(rawMsg(feed.TopicRaceControlMessages, `{broken`), session.Snapshot{}))
	assert.Nil(t, n.Apply(rawMsg(feed.TopicRaceControlMessages, `{"Messages":[{"Utc":"t"}]}`), session.Snapshot{}))
	assert.Empty(t, n.History())
}

func TestRaceControlSeenWindowBounded(t *testing.T) {
	n := NewRaceControl()
	for i := 0; i < rcSeenWindow+100; i++ {
		b, _ := json.Marshal(map[string]any{"Messages": []map[string]string{{
			"Utc": fmt.Sprintf("t%d", i), "Category": "Other", "Message": "M",
		}}})
		n.Apply(feed.RawMessage{Topic: feed.TopicRaceControlMessages, Payload: b}, session.Snapshot{})
	}
	assert.LessOrEqual(t, len(n.seen), rcSeenWindow)
}
