package normalize

import (
	"encoding/json"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// Stint is one tyre stint.
type Stint struct {
	Compound  string `json:"compound,omitempty"`
	New       bool   `json:"new"`
	StartLaps int    `json:"start_laps,omitempty"`
	TotalLaps int    `json:"total_laps,omitempty"`
}

// TyreState is the per-car tyre view: the current stint plus the stint
// count.
type TyreState struct {
	Current    Stint `json:"current"`
	StintCount int   `json:"stint_count"`
}

// Tyres normalizes TyreStintSeries into replace-in-place per-car state.
type Tyres struct {
	byCar map[string]TyreState
	// stints keeps the last seen stint list per car so partial deltas
	// merge correctly.
	stints map[string]map[int]Stint
}

// NewTyres creates an empty tyre normalizer.
func NewTyres() *Tyres {
	return &Tyres{
		byCar:  make(map[string]TyreState),
		stints: make(map[string]map[int]Stint),
	}
}

// Topics implements Normalizer.
func (t *Tyres) Topics() []string {
	return []string{feed.TopicTyreStintSeries}
}

// stintWire is one stint entry on the wire.
type stintWire struct {
	Compound  string `json:"Compound"`
	New       any    `json:"New"`
	StartLaps any    `json:"StartLaps"`
	TotalLaps any    `json:"TotalLaps"`
}

// Apply implements Normalizer.
func (t *Tyres) Apply(msg feed.RawMessage, _ session.Snapshot) []sink.Update {
	var payload struct {
		Stints map[string]json.RawMessage `json:"Stints"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || len(payload.Stints) == 0 {
		return nil
	}

	changed := false
	for rn, raw := range payload.Stints {
		if t.applyCar(rn, raw) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return []sink.Update{sink.State("tyres", t.Snapshot())}
}

// applyCar merges a car's stint list or indexed delta.
func (t *Tyres) applyCar(rn string, raw json.RawMessage) bool {
	byIdx := t.stints[rn]
	if byIdx == nil {
		byIdx = make(map[int]Stint)
		t.stints[rn] = byIdx
	}

	changed := false

	var asList []json.RawMessage
	if err := json.Unmarshal(raw, &asList); err == nil {
		for i, entry := range asList {
			if t.mergeStint(byIdx, i, entry) {
				changed = true
			}
		}
	} else {
		for k, entry := range entryMap(raw) {
			idx, ok := toInt(k)
			if !ok {
				continue
			}
			if t.mergeStint(byIdx, idx, entry) {
				changed = true
			}
		}
	}

	if !changed {
		return false
	}

	// Current stint is the highest index.
	maxIdx := -1
	for idx := range byIdx {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	if maxIdx < 0 {
		return false
	}
	t.byCar[rn] = TyreState{Current: byIdx[maxIdx], StintCount: len(byIdx)}
	return true
}

func (t *Tyres) mergeStint(byIdx map[int]Stint, idx int, raw json.RawMessage) bool {
	var w stintWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return false
	}
	stint := byIdx[idx]
	if w.Compound != "" {
		stint.Compound = w.Compound
	}
	if b, ok := toBool(w.New); ok {
		stint.New = b
	}
	if n, ok := toInt(w.StartLaps); ok {
		stint.StartLaps = n
	}
	if n, ok := toInt(w.TotalLaps); ok {
		stint.TotalLaps = n
	}
	byIdx[idx] = stint
	return true
}

// Reset implements Normalizer.
func (t *Tyres) Reset() {
	t.byCar = make(map[string]TyreState)
	t.stints = make(map[string]map[int]Stint)
}

// Snapshot returns the per-car tyre state.
func (t *Tyres) Snapshot() map[string]TyreState {
	out := make(map[string]TyreState, len(t.byCar))
	for rn, st := range t.byCar {
		out[rn] = st
	}
	return out
}

// toBool coerces feed booleans that arrive as bools or strings.
func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch x {
		case "true", "True", "TRUE":
			return true, true
		case "false", "False", "FALSE":
			return false, true
		}
	}
	return false, false
}
