package normalize

import (
	"encoding/json"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// pitHistoryLimit bounds the per-car stop list.
const pitHistoryLimit = 50

// PitStop is one completed pit stop. Optional fields stay nil when the feed
// did not carry them; nothing is inferred.
type PitStop struct {
	Lap            int      `json:"lap,omitempty"`
	Timestamp      string   `json:"timestamp,omitempty"`
	StationaryTime *float64 `json:"stationary_time,omitempty"`
	LaneTime       *float64 `json:"lane_time,omitempty"`
	Delta          *float64 `json:"delta,omitempty"`
}

// PitStops normalizes PitStopSeries into append-only per-car records.
type PitStops struct {
	byCar map[string][]PitStop
}

// NewPitStops creates an empty pit stop normalizer.
func NewPitStops() *PitStops {
	return &PitStops{byCar: make(map[string][]PitStop)}
}

// Topics implements Normalizer.
func (p *PitStops) Topics() []string {
	return []string{feed.TopicPitStopSeries}
}

// pitWire is one entry under PitTimes on the wire.
type pitWire struct {
	Timestamp string `json:"Timestamp"`
	PitStop   struct {
		RacingNumber string `json:"RacingNumber"`
		Lap          any    `json:"Lap"`
		PitStopTime  any    `json:"PitStopTime"`
		PitLaneTime  any    `json:"PitLaneTime"`
	} `json:"PitStop"`
}

// Apply implements Normalizer.
func (p *PitStops) Apply(msg feed.RawMessage, _ session.Snapshot) []sink.Update {
	var payload struct {
		PitTimes map[string]json.RawMessage `json:"PitTimes"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || len(payload.PitTimes) == 0 {
		return nil
	}

	changed := false
	for rn, raw := range payload.PitTimes {
		for _, entry := range entryList(raw) {
			var w pitWire
			if err := json.Unmarshal(entry, &w); err != nil {
				continue
			}
			car := w.PitStop.RacingNumber
			if car == "" {
				car = rn
			}
			stop := PitStop{Timestamp: w.Timestamp}
			if lap, ok := toInt(w.PitStop.Lap); ok {
				stop.Lap = lap
			}
			if v, ok := toFloat(w.PitStop.PitStopTime); ok {
				stop.StationaryTime = &v
			}
			if v, ok := toFloat(w.PitStop.PitLaneTime); ok {
				stop.LaneTime = &v
			}
			if p.append(car, stop) {
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}
	return []sink.Update{sink.State("pit_stops", p.Snapshot())}
}

// append adds a stop unless it repeats the car's last recorded one.
func (p *PitStops) append(car string, stop PitStop) bool {
	list := p.byCar[car]
	if n := len(list); n > 0 {
		last := list[n-1]
		if last.Lap == stop.Lap && last.Timestamp == stop.Timestamp {
			return false
		}
		// Delta against the previous stationary time, only when both are
		// present.
		if stop.StationaryTime != nil && last.StationaryTime != nil {
			d := *stop.StationaryTime - *last.StationaryTime
			stop.Delta = &d
		}
	}
	list = append(list, stop)
	if len(list) > pitHistoryLimit {
		list = list[len(list)-pitHistoryLimit:]
	}
	p.byCar[car] = list
	return true
}

// Reset implements Normalizer.
func (p *PitStops) Reset() {
	p.byCar = make(map[string][]PitStop)
}

// Snapshot returns the per-car stop lists.
func (p *PitStops) Snapshot() map[string][]PitStop {
	out := make(map[string][]PitStop, len(p.byCar))
	for car, stops := range p.byCar {
		out[car] = append([]PitStop(nil), stops...)
	}
	return out
}
