package normalize

import (
	"encoding/json"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// PodiumLine is one of the three leading positions.
type PodiumLine struct {
	Position     int    `json:"position"`
	RacingNumber string `json:"racing_number,omitempty"`
	FullName     string `json:"full_name,omitempty"`
	Team         string `json:"team,omitempty"`
	LapTime      string `json:"lap_time,omitempty"`
	Gap          string `json:"gap,omitempty"`
}

// TopThree normalizes the TopThree topic: a three-slot replace-in-place
// podium snapshot, fed by full lists and indexed deltas.
type TopThree struct {
	lines [3]PodiumLine
	seen  bool
}

// NewTopThree creates an empty podium normalizer.
func NewTopThree() *TopThree {
	return &TopThree{}
}

// Topics implements Normalizer.
func (t *TopThree) Topics() []string {
	return []string{feed.TopicTopThree}
}

// podiumWire is one TopThree line on the wire.
type podiumWire struct {
	Position      any    `json:"Position"`
	RacingNumber  string `json:"RacingNumber"`
	FullName      string `json:"FullName"`
	BroadcastName string `json:"BroadcastName"`
	Team          string `json:"Team"`
	LapTime       string `json:"LapTime"`
	DiffToLeader  string `json:"DiffToLeader"`
}

// Apply implements Normalizer.
func (t *TopThree) Apply(msg feed.RawMessage, _ session.Snapshot) []sink.Update {
	var payload struct {
		Lines json.RawMessage `json:"Lines"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || len(payload.Lines) == 0 {
		return nil
	}

	changed := false

	var asList []json.RawMessage
	if err := json.Unmarshal(payload.Lines, &asList); err == nil {
		for i, raw := range asList {
			if i >= len(t.lines) {
				break
			}
			if t.mergeLine(i, raw) {
				changed = true
			}
		}
	} else {
		for k, raw := range entryMap(payload.Lines) {
			idx, ok := toInt(k)
			if !ok || idx < 0 || idx >= len(t.lines) {
				continue
			}
			if t.mergeLine(idx, raw) {
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}
	t.seen = true
	return []sink.Update{sink.State("top_three", t.Snapshot())}
}

func (t *TopThree) mergeLine(idx int, raw json.RawMessage) bool {
	var w podiumWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return false
	}
	line := &t.lines[idx]
	line.Position = idx + 1
	if p, ok := toInt(w.Position); ok && p > 0 {
		line.Position = p
	}
	if w.RacingNumber != "" {
		line.RacingNumber = w.RacingNumber
	}
	if name := pick(w.FullName, w.BroadcastName); name != "" {
		line.FullName = name
	}
	if w.Team != "" {
		line.Team = w.Team
	}
	if w.LapTime != "" {
		line.LapTime = w.LapTime
	}
	if w.DiffToLeader != "" {
		line.Gap = w.DiffToLeader
	}
	return true
}

// Reset implements Normalizer.
func (t *TopThree) Reset() {
	t.lines = [3]PodiumLine{}
	t.seen = false
}

// Snapshot returns the podium lines, position 1 first.
func (t *TopThree) Snapshot() []PodiumLine {
	if !t.seen {
		return nil
	}
	return append([]PodiumLine(nil), t.lines[:]...)
}
