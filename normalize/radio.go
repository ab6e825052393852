package normalize

import (
	"encoding/json"
	"strings"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// radioHistoryLimit bounds the rolling capture list.
const radioHistoryLimit = 50

// staticBaseURL is the upstream static content root for audio paths.
const staticBaseURL = "https://livetiming.formula1.com/static/"

// RadioCapture is one team radio clip.
type RadioCapture struct {
	Utc          string `json:"utc"`
	RacingNumber string `json:"racing_number"`
	URL          string `json:"url"`
}

// Radio normalizes TeamRadio captures into a bounded rolling list with
// absolute audio URLs.
type Radio struct {
	captures []RadioCapture
	seen     map[string]struct{}
}

// NewRadio creates an empty team radio normalizer.
func NewRadio() *Radio {
	return &Radio{seen: make(map[string]struct{})}
}

// Topics implements Normalizer.
func (r *Radio) Topics() []string {
	return []string{feed.TopicTeamRadio}
}

// captureWire is one capture entry on the wire.
type captureWire struct {
	Utc          string `json:"Utc"`
	RacingNumber string `json:"RacingNumber"`
	Path         string `json:"Path"`
}

// Apply implements Normalizer.
func (r *Radio) Apply(msg feed.RawMessage, snap session.Snapshot) []sink.Update {
	var payload struct {
		Captures json.RawMessage `json:"Captures"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || len(payload.Captures) == 0 {
		return nil
	}

	changed := false
	for _, raw := range entryList(payload.Captures) {
		var w captureWire
		if err := json.Unmarshal(raw, &w); err != nil || w.Path == "" {
			continue
		}
		key := w.Utc + "|" + w.Path
		if _, dup := r.seen[key]; dup {
			continue
		}
		r.seen[key] = struct{}{}

		r.captures = append(r.captures, RadioCapture{
			Utc:          w.Utc,
			RacingNumber: w.RacingNumber,
			URL:          captureURL(snap.Path, w.Path),
		})
		if len(r.captures) > radioHistoryLimit {
			r.captures = r.captures[len(r.captures)-radioHistoryLimit:]
		}
		changed = true
	}

	if !changed {
		return nil
	}
	return []sink.Update{sink.State("team_radio", r.Snapshot())}
}

// Reset implements Normalizer.
func (r *Radio) Reset() {
	r.captures = nil
	r.seen = make(map[string]struct{})
}

// Snapshot returns the rolling capture list, oldest first.
func (r *Radio) Snapshot() []RadioCapture {
	return append([]RadioCapture(nil), r.captures...)
}

// captureURL builds the absolute audio URL from the session path and the
// capture path.
func captureURL(sessionPath, capturePath string) string {
	if strings.HasPrefix(capturePath, "http") {
		return capturePath
	}
	base := staticBaseURL + strings.Trim(sessionPath, "/")
	return base + "/" + strings.TrimPrefix(capturePath, "/")
}
