package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

const (
	rcHistoryCapacity = 64
	rcSeenWindow      = 1024
	rcMaxTextLength   = 255
)

// RCMessage is one race control message as exposed downstream.
type RCMessage struct {
	EventID      string `json:"event_id"`
	Utc          string `json:"utc"`
	Lap          int    `json:"lap,omitempty"`
	Category     string `json:"category"`
	Flag         string `json:"flag,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Sector       int    `json:"sector,omitempty"`
	RacingNumber string `json:"racing_number,omitempty"`
	Message      string `json:"message"`
}

// rcWire is the wire shape of one entry in a RaceControlMessages payload.
type rcWire struct {
	Utc          string `json:"Utc"`
	Lap          int    `json:"Lap"`
	Category     string `json:"Category"`
	Flag         string `json:"Flag"`
	Scope        string `json:"Scope"`
	Sector       int    `json:"Sector"`
	RacingNumber string `json:"RacingNumber"`
	Message      string `json:"Message"`
}

// RaceControl normalizes RaceControlMessages: deduplicates retransmissions
// by composite id, keeps a fixed-size rolling history, and emits one
// discrete event per genuinely new message.
type RaceControl struct {
	history  []RCMessage
	seen     map[string]struct{}
	seenFifo []string
}

// NewRaceControl creates an empty race control normalizer.
func NewRaceControl() *RaceControl {
	return &RaceControl{seen: make(map[string]struct{})}
}

// Topics implements Normalizer.
func (r *RaceControl) Topics() []string {
	return []string{feed.TopicRaceControlMessages}
}

// Apply implements Normalizer.
func (r *RaceControl) Apply(msg feed.RawMessage, _ session.Snapshot) []sink.Update {
	var payload struct {
		Messages json.RawMessage `json:"Messages"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || len(payload.Messages) == 0 {
		return nil
	}

	var updates []sink.Update
	changed := false
	for _, raw := range entryList(payload.Messages) {
		var w rcWire
		if err := json.Unmarshal(raw, &w); err != nil || w.Message == "" {
			continue
		}
		m := RCMessage{
			EventID:      eventID(w),
			Utc:          w.Utc,
			Lap:          w.Lap,
			Category:     w.Category,
			Flag:         w.Flag,
			Scope:        w.Scope,
			Sector:       w.Sector,
			RacingNumber: w.RacingNumber,
			Message:      truncate(w.Message, rcMaxTextLength),
		}
		if r.isDuplicate(m.EventID) {
			continue
		}
		r.remember(m.EventID)
		r.append(m)
		changed = true

		updates = append(updates, sink.Event("racecontrol", map[string]any{
			"message":     m,
			"received_at": msg.ArrivalTime,
		}))
	}

	if changed {
		updates = append(updates, sink.State("race_control", r.Snapshot()))
	}
	return updates
}

// Reset implements Normalizer.
func (r *RaceControl) Reset() {
	r.history = nil
	r.seen = make(map[string]struct{})
	r.seenFifo = nil
}

// RaceControlState is the exposed state snapshot.
type RaceControlState struct {
	Latest  *RCMessage  `json:"latest,omitempty"`
	History []RCMessage `json:"history"`
}

// Snapshot returns the rolling history plus the latest message.
func (r *RaceControl) Snapshot() RaceControlState {
	state := RaceControlState{History: append([]RCMessage(nil), r.history...)}
	if n := len(r.history); n > 0 {
		latest := r.history[n-1]
		state.Latest = &latest
	}
	return state
}

// History returns the rolling history, oldest first.
func (r *RaceControl) History() []RCMessage {
	return append([]RCMessage(nil), r.history...)
}

// eventID is the composite dedup key. Retransmitted messages carry the same
// utc, category and text.
func eventID(w rcWire) string {
	return fmt.Sprintf("%s|%s|%s", w.Utc, w.Category, w.Message)
}

func (r *RaceControl) isDuplicate(id string) bool {
	_, ok := r.seen[id]
	return ok
}

func (r *RaceControl) remember(id string) {
	r.seen[id] = struct{}{}
	r.seenFifo = append(r.seenFifo, id)
	if len(r.seenFifo) > rcSeenWindow {
		evict := r.seenFifo[0]
		r.seenFifo = r.seenFifo[1:]
		delete(r.seen, evict)
	}
}

func (r *RaceControl) append(m RCMessage) {
	r.history = append(r.history, m)
	if len(r.history) > rcHistoryCapacity {
		r.history = r.history[len(r.history)-rcHistoryCapacity:]
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
