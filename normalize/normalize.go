// Package normalize turns raw, noisy, partial feed messages into durable
// per-concept state with bounded memory. One normalizer per concept; all of
// them consume released, phase-gated messages and expose exactly one state
// object each.
package normalize

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// Normalizer consumes released messages for its topics and maintains one
// externally visible state object. Reset is called on session re-entry to
// pre; state after Reset must equal a freshly constructed normalizer.
type Normalizer interface {
	Topics() []string
	Apply(msg feed.RawMessage, snap session.Snapshot) []sink.Update
	Reset()
}

// Set holds every normalizer plus direct references to the ones other
// components observe (lap count for calibration, formation marker).
type Set struct {
	TrackStatus    *TrackStatus
	RaceControl    *RaceControl
	Investigations *Investigations
	PitStops       *PitStops
	Drivers        *Drivers
	Tyres          *Tyres
	Weather        *Weather
	Championship   *Championship
	TopThree       *TopThree
	Radio          *Radio
	Formation      *Formation
	SessionClock   *SessionClock
}

// NewSet constructs all normalizers.
func NewSet(logger *slog.Logger) *Set {
	return &Set{
		TrackStatus:    NewTrackStatus(),
		RaceControl:    NewRaceControl(),
		Investigations: NewInvestigations(logger),
		PitStops:       NewPitStops(),
		Drivers:        NewDrivers(),
		Tyres:          NewTyres(),
		Weather:        NewWeather(),
		Championship:   NewChampionship(),
		TopThree:       NewTopThree(),
		Radio:          NewRadio(),
		Formation:      NewFormation(logger),
		SessionClock:   NewSessionClock(),
	}
}

// All returns every normalizer in dispatch order.
func (s *Set) All() []Normalizer {
	return []Normalizer{
		s.TrackStatus,
		s.RaceControl,
		s.Investigations,
		s.PitStops,
		s.Drivers,
		s.Tyres,
		s.Weather,
		s.Championship,
		s.TopThree,
		s.Radio,
		s.Formation,
		s.SessionClock,
	}
}

// Reset resets every normalizer.
func (s *Set) Reset() {
	for _, n := range s.All() {
		n.Reset()
	}
}

// Wire helpers shared by normalizers. The feed sends collections either as
// arrays (full snapshots) or as objects keyed by numeric index (deltas).

// entryList decodes raw into an ordered slice of objects, accepting both
// wire shapes. Numeric keys are ordered numerically.
func entryList(raw json.RawMessage) []json.RawMessage {
	var asList []json.RawMessage
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil
	}
	keys := make([]string, 0, len(asMap))
	for k := range asMap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aerr := strconv.Atoi(keys[i])
		b, berr := strconv.Atoi(keys[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, asMap[k])
	}
	return out
}

// entryMap decodes raw into a map keyed by string, returning nil for
// anything that is not an object.
func entryMap(raw json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// toInt coerces feed numbers that arrive as JSON numbers or strings.
func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(x)
		if err != nil {
			return 0, false
		}
		return n, true
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// toFloat coerces feed numbers that arrive as JSON numbers or strings.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
