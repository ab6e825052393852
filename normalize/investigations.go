package normalize

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// InvestigationState is the lifecycle state of a stewards' incident.
type InvestigationState string

const (
	// InvNoted means the incident was noted by the stewards.
	InvNoted InvestigationState = "NOTED"
	// InvUnderInvestigation means the stewards are investigating.
	InvUnderInvestigation InvestigationState = "UNDER_INVESTIGATION"
	// InvNoFurtherAction means the stewards decided not to act. Entries
	// auto-expire after five minutes of session time.
	InvNoFurtherAction InvestigationState = "NO_FURTHER_ACTION"
	// InvPenalized means a penalty was issued; the entry persists until a
	// penalty-served message removes it.
	InvPenalized InvestigationState = "PENALIZED"
)

// nfaRetention is how long NoFurtherAction entries stay visible.
const nfaRetention = 5 * time.Minute

// Investigation is one tracked incident.
type Investigation struct {
	IncidentID   string             `json:"incident_id"`
	Utc          string             `json:"utc"`
	Lap          int                `json:"lap,omitempty"`
	Drivers      []string           `json:"drivers"`
	Location     string             `json:"location,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	State        InvestigationState `json:"state"`
	NFADecidedAt time.Time          `json:"nfa_decided_at,omitempty"`
}

var (
	driverPattern   = regexp.MustCompile(`CAR (\d+) \(([A-Z]{3})\)`)
	locationPattern = regexp.MustCompile(`(TURN \d+|PIT LANE|PIT EXIT|PIT ENTRY|START/FINISH STRAIGHT)`)
	penaltyPattern  = regexp.MustCompile(`\d+ SECOND (TIME )?PENALTY`)
)

// Investigations tracks the stewards' incident lifecycle from race control
// message texts.
type Investigations struct {
	logger    *slog.Logger
	incidents map[string]*Investigation
	order     []string
	latestUtc time.Time
}

// NewInvestigations creates an empty investigations normalizer.
func NewInvestigations(logger *slog.Logger) *Investigations {
	return &Investigations{
		logger:    logger,
		incidents: make(map[string]*Investigation),
	}
}

// Topics implements Normalizer.
func (n *Investigations) Topics() []string {
	return []string{feed.TopicRaceControlMessages}
}

// Apply implements Normalizer.
func (n *Investigations) Apply(msg feed.RawMessage, _ session.Snapshot) []sink.Update {
	var payload struct {
		Messages json.RawMessage `json:"Messages"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || len(payload.Messages) == 0 {
		return nil
	}

	changed := false
	for _, raw := range entryList(payload.Messages) {
		var w rcWire
		if err := json.Unmarshal(raw, &w); err != nil || w.Message == "" {
			continue
		}
		if at, err := feed.ParseUTC(w.Utc); err == nil && at.After(n.latestUtc) {
			n.latestUtc = at
		}
		if n.ingest(w) {
			changed = true
		}
	}

	// An NFA entry crossing the retention boundary counts as a change even
	// when no tracked incident moved, so the published snapshot drops it.
	if n.sweepExpired(n.latestUtc) {
		changed = true
	}

	if !changed {
		return nil
	}
	return []sink.Update{sink.State("investigations", n.Active(n.latestUtc))}
}

// Reset implements Normalizer.
func (n *Investigations) Reset() {
	n.incidents = make(map[string]*Investigation)
	n.order = nil
	n.latestUtc = time.Time{}
}

// ingest applies one race control message. Returns true when the tracked set
// changed.
func (n *Investigations) ingest(w rcWire) bool {
	text := strings.ToUpper(w.Message)

	drivers := parseDrivers(text)

	if strings.Contains(text, "PENALTY SERVED") {
		return n.clearServedPenalty(drivers)
	}

	var state InvestigationState
	switch {
	case penaltyPattern.MatchString(text):
		state = InvPenalized
	case strings.Contains(text, "NO FURTHER ACTION") ||
		strings.Contains(text, "NO FURTHER INVESTIGATION"):
		state = InvNoFurtherAction
	case strings.Contains(text, "UNDER INVESTIGATION"):
		state = InvUnderInvestigation
	case strings.Contains(text, "NOTED"):
		state = InvNoted
	default:
		return false
	}

	if len(drivers) == 0 {
		return false
	}

	location := locationPattern.FindString(text)
	reason := parseReason(w.Message)
	id := incidentID(drivers, location, reason)

	inv, exists := n.incidents[id]
	if !exists {
		// Penalty decisions often name a single driver from a
		// multi-driver incident; match by partial driver overlap.
		if state == InvPenalized || state == InvNoFurtherAction {
			if match := n.findByDrivers(drivers); match != nil {
				inv = match
				exists = true
			}
		}
	}

	if !exists {
		inv = &Investigation{
			IncidentID: id,
			Utc:        w.Utc,
			Lap:        w.Lap,
			Drivers:    drivers,
			Location:   location,
			Reason:     reason,
			State:      state,
		}
		n.incidents[id] = inv
		n.order = append(n.order, id)
	} else if !validInvestigationTransition(inv.State, state) {
		return false
	} else {
		inv.State = state
	}

	if state == InvNoFurtherAction {
		if at, err := feed.ParseUTC(w.Utc); err == nil {
			inv.NFADecidedAt = at
		} else {
			inv.NFADecidedAt = n.latestUtc
		}
	}
	return true
}

// validInvestigationTransition enforces the forward-only lifecycle.
func validInvestigationTransition(from, to InvestigationState) bool {
	switch from {
	case InvNoted:
		return to == InvUnderInvestigation || to == InvNoFurtherAction || to == InvPenalized
	case InvUnderInvestigation:
		return to == InvNoFurtherAction || to == InvPenalized
	}
	return false
}

// clearServedPenalty removes the penalized entry naming any of the given
// drivers.
func (n *Investigations) clearServedPenalty(drivers []string) bool {
	for id, inv := range n.incidents {
		if inv.State != InvPenalized {
			continue
		}
		if driversOverlap(inv.Drivers, drivers) {
			n.remove(id)
			return true
		}
	}
	return false
}

// findByDrivers returns an open incident sharing at least one driver.
func (n *Investigations) findByDrivers(drivers []string) *Investigation {
	for _, id := range n.order {
		inv := n.incidents[id]
		if inv == nil {
			continue
		}
		if (inv.State == InvNoted || inv.State == InvUnderInvestigation) &&
			driversOverlap(inv.Drivers, drivers) {
			return inv
		}
	}
	return nil
}

// sweepExpired removes NoFurtherAction entries past the retention window.
// Returns true when any entry was dropped.
func (n *Investigations) sweepExpired(at time.Time) bool {
	removed := false
	for _, id := range append([]string(nil), n.order...) {
		inv := n.incidents[id]
		if inv == nil {
			continue
		}
		if inv.State == InvNoFurtherAction && !inv.NFADecidedAt.IsZero() &&
			at.Sub(inv.NFADecidedAt) > nfaRetention {
			n.remove(id)
			removed = true
		}
	}
	return removed
}

func (n *Investigations) remove(id string) {
	delete(n.incidents, id)
	for i, o := range n.order {
		if o == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Active returns the exposed list at session time `at`: everything except
// NoFurtherAction entries older than the retention window.
func (n *Investigations) Active(at time.Time) []Investigation {
	out := make([]Investigation, 0, len(n.order))
	for _, id := range n.order {
		inv := n.incidents[id]
		if inv == nil {
			continue
		}
		if inv.State == InvNoFurtherAction && !inv.NFADecidedAt.IsZero() &&
			at.Sub(inv.NFADecidedAt) > nfaRetention {
			continue
		}
		out = append(out, *inv)
	}
	return out
}

func parseDrivers(text string) []string {
	matches := driverPattern.FindAllStringSubmatch(text, -1)
	drivers := make([]string, 0, len(matches))
	seen := make(map[string]struct{})
	for _, m := range matches {
		d := m[1] + " (" + m[2] + ")"
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		drivers = append(drivers, d)
	}
	return drivers
}

// parseReason extracts the free-text reason after the final " - " separator.
func parseReason(message string) string {
	idx := strings.LastIndex(message, " - ")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(message[idx+3:])
}

// incidentID is stable across rewordings: sorted drivers, location, reason.
func incidentID(drivers []string, location, reason string) string {
	sorted := append([]string(nil), drivers...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",") + "|" + location + "|" + reason
}

func driversOverlap(a, b []string) bool {
	for _, x := range a {
		numX := driverNumber(x)
		for _, y := range b {
			if numX != "" && numX == driverNumber(y) {
				return true
			}
		}
	}
	return false
}

func driverNumber(d string) string {
	if i := strings.IndexByte(d, ' '); i > 0 {
		return d[:i]
	}
	return d
}
