package normalize

import (
	"encoding/json"
	"strings"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// Canonical track status values.
const (
	StatusClear  = "CLEAR"
	StatusYellow = "YELLOW"
	StatusVSC    = "VSC"
	StatusSC     = "SC"
	StatusRed    = "RED"
)

// statusAliases maps raw textual status values onto canonical ones.
var statusAliases = map[string]string{
	"allclear":    StatusClear,
	"clear":       StatusClear,
	"green":       StatusClear,
	"yellow":      StatusYellow,
	"yellowflag":  StatusYellow,
	"sc":          StatusSC,
	"scdeployed":  StatusSC,
	"safetycar":   StatusSC,
	"vsc":         StatusVSC,
	"vscdeployed": StatusVSC,
	"red":         StatusRed,
	"redflag":     StatusRed,
}

// statusCodes maps the numeric wire codes onto canonical values.
var statusCodes = map[string]string{
	"1": StatusClear,
	"2": StatusYellow,
	"4": StatusSC,
	"5": StatusRed,
	"6": StatusVSC,
	"7": StatusVSC,
	"8": StatusClear,
}

// CanonicalTrackStatus maps a raw status value (textual or numeric) onto the
// canonical enum, or "" when unrecognized.
func CanonicalTrackStatus(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if v, ok := statusCodes[raw]; ok {
		return v
	}
	key := strings.ToLower(strings.ReplaceAll(raw, " ", ""))
	if v, ok := statusAliases[key]; ok {
		return v
	}
	return ""
}

// TrackStatusState is the exposed state: last value wins, session scoped.
type TrackStatusState struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	SafetyCar bool   `json:"safety_car"`
	Reason    string `json:"safety_car_reason,omitempty"`
}

// TrackStatus normalizes the TrackStatus topic.
type TrackStatus struct {
	state TrackStatusState
}

// NewTrackStatus creates a track status normalizer with no status yet.
func NewTrackStatus() *TrackStatus {
	return &TrackStatus{}
}

// Topics implements Normalizer.
func (t *TrackStatus) Topics() []string {
	return []string{feed.TopicTrackStatus}
}

// Apply implements Normalizer.
func (t *TrackStatus) Apply(msg feed.RawMessage, _ session.Snapshot) []sink.Update {
	var payload struct {
		Status  any    `json:"Status"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil
	}

	raw := ""
	switch v := payload.Status.(type) {
	case string:
		raw = v
	case float64:
		raw = jsonNumberString(v)
	}

	canonical := CanonicalTrackStatus(raw)
	if canonical == "" {
		return nil
	}

	t.state = TrackStatusState{
		Status:    canonical,
		Message:   payload.Message,
		SafetyCar: canonical == StatusSC || canonical == StatusVSC,
	}
	if t.state.SafetyCar {
		t.state.Reason = canonical
	}

	return []sink.Update{sink.State("track_status", t.state)}
}

// Reset implements Normalizer.
func (t *TrackStatus) Reset() {
	t.state = TrackStatusState{}
}

// State returns the current track status.
func (t *TrackStatus) State() TrackStatusState {
	return t.state
}

func jsonNumberString(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
