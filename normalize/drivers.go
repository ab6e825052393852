package normalize

import (
	"encoding/json"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// Driver status values.
const (
	DriverOnTrack = "on_track"
	DriverPitIn   = "pit_in"
	DriverPitOut  = "pit_out"
	DriverOut     = "out"
)

// Driver is the per-car roster entry plus live position state. Lap counts
// are monotonic within a session.
type Driver struct {
	RacingNumber  string         `json:"racing_number"`
	Tla           string         `json:"tla,omitempty"`
	FullName      string         `json:"full_name,omitempty"`
	TeamName      string         `json:"team_name,omitempty"`
	Position      int            `json:"position,omitempty"`
	CompletedLaps int            `json:"completed_laps"`
	LapTimes      map[int]string `json:"lap_times,omitempty"`
	Status        string         `json:"status"`
	LastLapTime   string         `json:"last_lap_time,omitempty"`
}

// Drivers merges DriverList roster data with TimingData position updates
// into replace-in-place per-car records.
type Drivers struct {
	byCar map[string]*Driver
}

// NewDrivers creates an empty driver normalizer.
func NewDrivers() *Drivers {
	return &Drivers{byCar: make(map[string]*Driver)}
}

// Topics implements Normalizer.
func (d *Drivers) Topics() []string {
	return []string{feed.TopicDriverList, feed.TopicTimingData}
}

// Apply implements Normalizer.
func (d *Drivers) Apply(msg feed.RawMessage, _ session.Snapshot) []sink.Update {
	var changed bool
	switch msg.Topic {
	case feed.TopicDriverList:
		changed = d.applyRoster(msg.Payload)
	case feed.TopicTimingData:
		changed = d.applyTiming(msg.Payload)
	}
	if !changed {
		return nil
	}
	return []sink.Update{sink.State("drivers", d.Snapshot())}
}

// rosterWire is one DriverList entry.
type rosterWire struct {
	RacingNumber  string `json:"RacingNumber"`
	Tla           string `json:"Tla"`
	FullName      string `json:"FullName"`
	BroadcastName string `json:"BroadcastName"`
	TeamName      string `json:"TeamName"`
}

func (d *Drivers) applyRoster(payload json.RawMessage) bool {
	entries := entryMap(payload)
	changed := false
	for rn, raw := range entries {
		if rn == "_kf" {
			continue
		}
		var w rosterWire
		if err := json.Unmarshal(raw, &w); err != nil {
			continue
		}
		car := w.RacingNumber
		if car == "" {
			car = rn
		}
		drv := d.car(car)
		if w.Tla != "" {
			drv.Tla = w.Tla
		}
		if name := pick(w.FullName, w.BroadcastName); name != "" {
			drv.FullName = name
		}
		if w.TeamName != "" {
			drv.TeamName = w.TeamName
		}
		changed = true
	}
	return changed
}

// timingWire is one TimingData line.
type timingWire struct {
	Position     any   `json:"Position"`
	NumberOfLaps any   `json:"NumberOfLaps"`
	InPit        *bool `json:"InPit"`
	PitOut       *bool `json:"PitOut"`
	Retired      *bool `json:"Retired"`
	Stopped      *bool `json:"Stopped"`
	LastLapTime  *struct {
		Value string `json:"Value"`
	} `json:"LastLapTime"`
}

func (d *Drivers) applyTiming(payload json.RawMessage) bool {
	var wrapper struct {
		Lines map[string]json.RawMessage `json:"Lines"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil || len(wrapper.Lines) == 0 {
		return false
	}

	changed := false
	for rn, raw := range wrapper.Lines {
		var w timingWire
		if err := json.Unmarshal(raw, &w); err != nil {
			continue
		}
		drv := d.car(rn)
		if pos, ok := toInt(w.Position); ok && pos > 0 {
			drv.Position = pos
		}
		if laps, ok := toInt(w.NumberOfLaps); ok && laps > drv.CompletedLaps {
			drv.CompletedLaps = laps
			if w.LastLapTime != nil && w.LastLapTime.Value != "" {
				if drv.LapTimes == nil {
					drv.LapTimes = make(map[int]string)
				}
				drv.LapTimes[laps] = w.LastLapTime.Value
			}
		}
		if w.LastLapTime != nil && w.LastLapTime.Value != "" {
			drv.LastLapTime = w.LastLapTime.Value
		}
		if status := timingStatus(w, drv.Status); status != "" {
			drv.Status = status
		}
		changed = true
	}
	return changed
}

// timingStatus derives the driver status from the pit and retirement flags.
// Flags arrive as deltas, so absent fields keep the previous status.
func timingStatus(w timingWire, current string) string {
	switch {
	case w.Retired != nil && *w.Retired, w.Stopped != nil && *w.Stopped:
		return DriverOut
	case w.InPit != nil && *w.InPit:
		return DriverPitIn
	case w.PitOut != nil && *w.PitOut:
		return DriverPitOut
	case w.InPit != nil && !*w.InPit && current == DriverPitIn:
		return DriverPitOut
	case w.PitOut != nil && !*w.PitOut && current == DriverPitOut:
		return DriverOnTrack
	}
	return ""
}

func (d *Drivers) car(rn string) *Driver {
	drv, ok := d.byCar[rn]
	if !ok {
		drv = &Driver{RacingNumber: rn, Status: DriverOnTrack}
		d.byCar[rn] = drv
	}
	return drv
}

// Reset implements Normalizer.
func (d *Drivers) Reset() {
	d.byCar = make(map[string]*Driver)
}

// Snapshot returns the per-car records.
func (d *Drivers) Snapshot() map[string]Driver {
	out := make(map[string]Driver, len(d.byCar))
	for rn, drv := range d.byCar {
		entry := *drv
		if drv.LapTimes != nil {
			entry.LapTimes = make(map[int]string, len(drv.LapTimes))
			for k, v := range drv.LapTimes {
				entry.LapTimes[k] = v
			}
		}
		out[rn] = entry
	}
	return out
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
