package normalize

import (
	"encoding/json"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// Prediction is one championship prediction entry, keyed by racing number
// for drivers and by team key for constructors.
type Prediction struct {
	CurrentPosition   int     `json:"current_position,omitempty"`
	PredictedPosition int     `json:"predicted_position,omitempty"`
	CurrentPoints     float64 `json:"current_points,omitempty"`
	PredictedPoints   float64 `json:"predicted_points,omitempty"`
}

// ChampionshipState holds the live title predictions.
type ChampionshipState struct {
	Drivers map[string]Prediction `json:"drivers"`
	Teams   map[string]Prediction `json:"teams"`
}

// Championship normalizes ChampionshipPrediction with replace-in-place
// per-key merging.
type Championship struct {
	state ChampionshipState
}

// NewChampionship creates an empty championship normalizer.
func NewChampionship() *Championship {
	return &Championship{state: ChampionshipState{
		Drivers: make(map[string]Prediction),
		Teams:   make(map[string]Prediction),
	}}
}

// Topics implements Normalizer.
func (c *Championship) Topics() []string {
	return []string{feed.TopicChampionshipPrediction}
}

// predictionWire is one prediction entry on the wire.
type predictionWire struct {
	CurrentPosition   any `json:"CurrentPosition"`
	PredictedPosition any `json:"PredictedPosition"`
	CurrentPoints     any `json:"CurrentPoints"`
	PredictedPoints   any `json:"PredictedPoints"`
}

// Apply implements Normalizer.
func (c *Championship) Apply(msg feed.RawMessage, _ session.Snapshot) []sink.Update {
	var payload struct {
		Drivers map[string]json.RawMessage `json:"Drivers"`
		Teams   map[string]json.RawMessage `json:"Teams"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil
	}

	changed := mergePredictions(c.state.Drivers, payload.Drivers)
	if mergePredictions(c.state.Teams, payload.Teams) {
		changed = true
	}
	if !changed {
		return nil
	}
	return []sink.Update{sink.State("championship_prediction", c.Snapshot())}
}

func mergePredictions(dst map[string]Prediction, src map[string]json.RawMessage) bool {
	changed := false
	for key, raw := range src {
		var w predictionWire
		if err := json.Unmarshal(raw, &w); err != nil {
			continue
		}
		p := dst[key]
		if n, ok := toInt(w.CurrentPosition); ok {
			p.CurrentPosition = n
		}
		if n, ok := toInt(w.PredictedPosition); ok {
			p.PredictedPosition = n
		}
		if f, ok := toFloat(w.CurrentPoints); ok {
			p.CurrentPoints = f
		}
		if f, ok := toFloat(w.PredictedPoints); ok {
			p.PredictedPoints = f
		}
		dst[key] = p
		changed = true
	}
	return changed
}

// Reset implements Normalizer.
func (c *Championship) Reset() {
	c.state = ChampionshipState{
		Drivers: make(map[string]Prediction),
		Teams:   make(map[string]Prediction),
	}
}

// Snapshot returns a copy of the prediction state.
func (c *Championship) Snapshot() ChampionshipState {
	out := ChampionshipState{
		Drivers: make(map[string]Prediction, len(c.state.Drivers)),
		Teams:   make(map[string]Prediction, len(c.state.Teams)),
	}
	for k, v := range c.state.Drivers {
		out.Drivers[k] = v
	}
	for k, v := range c.state.Teams {
		out.Teams[k] = v
	}
	return out
}
