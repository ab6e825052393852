package normalize

import (
	"encoding/json"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// WeatherState is the last-value-wins weather field set.
type WeatherState struct {
	AirTemp       *float64 `json:"air_temp,omitempty"`
	TrackTemp     *float64 `json:"track_temp,omitempty"`
	Humidity      *float64 `json:"humidity,omitempty"`
	Pressure      *float64 `json:"pressure,omitempty"`
	Rainfall      *float64 `json:"rainfall,omitempty"`
	WindDirection *float64 `json:"wind_direction,omitempty"`
	WindSpeed     *float64 `json:"wind_speed,omitempty"`
}

// Weather normalizes WeatherData. Fields the feed did not carry stay nil.
type Weather struct {
	state WeatherState
}

// NewWeather creates an empty weather normalizer.
func NewWeather() *Weather {
	return &Weather{}
}

// Topics implements Normalizer.
func (w *Weather) Topics() []string {
	return []string{feed.TopicWeatherData}
}

// Apply implements Normalizer.
func (w *Weather) Apply(msg feed.RawMessage, _ session.Snapshot) []sink.Update {
	var payload struct {
		AirTemp       any `json:"AirTemp"`
		TrackTemp     any `json:"TrackTemp"`
		Humidity      any `json:"Humidity"`
		Pressure      any `json:"Pressure"`
		Rainfall      any `json:"Rainfall"`
		WindDirection any `json:"WindDirection"`
		WindSpeed     any `json:"WindSpeed"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil
	}

	changed := false
	set := func(dst **float64, v any) {
		if f, ok := toFloat(v); ok {
			*dst = &f
			changed = true
		}
	}
	set(&w.state.AirTemp, payload.AirTemp)
	set(&w.state.TrackTemp, payload.TrackTemp)
	set(&w.state.Humidity, payload.Humidity)
	set(&w.state.Pressure, payload.Pressure)
	set(&w.state.Rainfall, payload.Rainfall)
	set(&w.state.WindDirection, payload.WindDirection)
	set(&w.state.WindSpeed, payload.WindSpeed)

	if !changed {
		return nil
	}
	return []sink.Update{sink.State("weather", w.state)}
}

// Reset implements Normalizer.
func (w *Weather) Reset() {
	w.state = WeatherState{}
}

// State returns the current weather.
func (w *Weather) State() WeatherState {
	return w.state
}
