// Package session tracks the lifecycle phase of a timed session from
// released status messages and gates what the topic normalizers may treat as
// authoritative.
package session

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/pitfeed/feed"
)

// Phase is the lifecycle stage of a single timed session.
type Phase int

const (
	// Pre is the state before the session start marker, and the reset
	// target when the next session begins.
	Pre Phase = iota
	// Live means the session is running.
	Live
	// Suspended means the session is red-flagged or otherwise halted.
	Suspended
	// Break is a scheduled segment break, e.g. between qualifying parts.
	Break
	// Finished means the session clock/flag has ended the running.
	Finished
	// Finalised means results are confirmed.
	Finalised
	// Ended means the feed has closed the session.
	Ended
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case Pre:
		return "pre"
	case Live:
		return "live"
	case Suspended:
		return "suspended"
	case Break:
		return "break"
	case Finished:
		return "finished"
	case Finalised:
		return "finalised"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// transitions is the allowed phase graph. Status values implying any other
// edge are ignored.
var transitions = map[Phase][]Phase{
	Pre:       {Live},
	Live:      {Suspended, Break, Finished},
	Suspended: {Live},
	Break:     {Live},
	Finished:  {Finalised},
	Finalised: {Ended, Pre},
	Ended:     {Pre},
}

// Snapshot is an immutable view of the machine state, passed to normalizers
// with every dispatched message.
type Snapshot struct {
	Phase          Phase
	SessionID      string
	SessionType    string
	SessionName    string
	MeetingName    string
	CircuitName    string
	Path           string
	ScheduledStart time.Time
	StartedAt      time.Time
	EndedAt        time.Time
}

// IsRaceOrSprint reports whether the session is a race or a sprint (and not
// sprint qualifying). Lap-based calibration and formation detection only
// apply to these.
func (s Snapshot) IsRaceOrSprint() bool {
	joined := strings.ToLower(s.SessionType + " " + s.SessionName)
	if strings.Contains(joined, "sprint") && !strings.Contains(joined, "qualifying") {
		return true
	}
	return strings.Contains(joined, "race")
}

// InProgress reports whether updates should be treated as live rather than
// frozen last-known values.
func (s Snapshot) InProgress() bool {
	return s.Phase == Live || s.Phase == Suspended
}

// Machine is the session lifecycle state machine. All methods are safe for
// concurrent use, though dispatch is single-threaded in practice.
type Machine struct {
	mu      sync.Mutex
	snap    Snapshot
	logger  *slog.Logger
	onReset []func()
}

// NewMachine creates a machine in the Pre phase.
func NewMachine(logger *slog.Logger) *Machine {
	return &Machine{
		snap:   Snapshot{Phase: Pre},
		logger: logger,
	}
}

// OnReset registers a callback invoked whenever the machine re-enters Pre
// for a new session. Used to reset per-session normalizer state.
func (m *Machine) OnReset(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReset = append(m.onReset, fn)
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Phase
}

// statusPayload is the wire shape of a SessionStatus message.
type statusPayload struct {
	Status  string `json:"Status"`
	Message string `json:"Message"`
	Started any    `json:"Started"`
}

// ApplyStatus consumes a released SessionStatus payload. Returns true when
// the phase changed. Unknown or out-of-graph status values are ignored.
func (m *Machine) ApplyStatus(payload json.RawMessage, at time.Time) bool {
	var sp statusPayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		m.logger.Debug("ignoring unparseable session status", "error", err)
		return false
	}

	target, ok := phaseForStatus(sp)
	if !ok {
		return false
	}
	return m.transition(target, at)
}

// phaseForStatus maps raw status values onto target phases.
func phaseForStatus(sp statusPayload) (Phase, bool) {
	status := strings.TrimSpace(sp.Status)
	if status == "" {
		status = strings.TrimSpace(sp.Message)
	}

	switch status {
	case "Started", "Resumed", "Green", "GreenFlag":
		return Live, true
	case "Aborted":
		return Suspended, true
	case "Inactive":
		return Break, true
	case "Finished":
		return Finished, true
	case "Finalised":
		return Finalised, true
	case "Ends":
		return Ended, true
	}

	// Some payloads carry only Started:"true".
	if s, ok := sp.Started.(string); ok && strings.EqualFold(s, "true") {
		return Live, true
	}
	if b, ok := sp.Started.(bool); ok && b {
		return Live, true
	}

	return Pre, false
}

func (m *Machine) transition(target Phase, at time.Time) bool {
	m.mu.Lock()

	if !allowed(m.snap.Phase, target) {
		m.logger.Debug("ignoring out-of-graph session transition",
			"from", m.snap.Phase.String(), "to", target.String())
		m.mu.Unlock()
		return false
	}

	from := m.snap.Phase
	m.snap.Phase = target
	switch target {
	case Live:
		if from == Pre {
			m.snap.StartedAt = at
		}
	case Ended:
		m.snap.EndedAt = at
	}
	resets := m.resetCallbacks(from, target)
	logger := m.logger
	m.mu.Unlock()

	logger.Info("session phase changed", "from", from.String(), "to", target.String())
	for _, fn := range resets {
		fn()
	}
	return true
}

// resetCallbacks must be called with mu held.
func (m *Machine) resetCallbacks(from, to Phase) []func() {
	if to != Pre || from == Pre {
		return nil
	}
	m.snap = Snapshot{
		Phase:       Pre,
		SessionID:   m.snap.SessionID,
		SessionType: m.snap.SessionType,
		SessionName: m.snap.SessionName,
		MeetingName: m.snap.MeetingName,
		CircuitName: m.snap.CircuitName,
		Path:        m.snap.Path,
	}
	return append([]func(){}, m.onReset...)
}

// infoPayload is the wire shape of a SessionInfo message.
type infoPayload struct {
	Key       any    `json:"Key"`
	Type      string `json:"Type"`
	Name      string `json:"Name"`
	Path      string `json:"Path"`
	StartDate string `json:"StartDate"`
	GmtOffset string `json:"GmtOffset"`
	Meeting   struct {
		Name    string `json:"Name"`
		Circuit struct {
			ShortName string `json:"ShortName"`
		} `json:"Circuit"`
	} `json:"Meeting"`
}

// ApplyInfo consumes a released SessionInfo payload. A changed session id
// re-enters Pre and fires the reset callbacks.
func (m *Machine) ApplyInfo(payload json.RawMessage) {
	var ip infoPayload
	if err := json.Unmarshal(payload, &ip); err != nil {
		m.logger.Debug("ignoring unparseable session info", "error", err)
		return
	}

	id := strings.TrimSpace(ip.Path)
	if id == "" {
		if ip.Key != nil {
			id = strings.TrimSpace(jsonScalar(ip.Key))
		}
	}

	m.mu.Lock()
	newSession := id != "" && id != m.snap.SessionID
	var resets []func()
	if newSession {
		from := m.snap.Phase
		m.snap = Snapshot{Phase: Pre}
		if from != Pre {
			resets = append([]func(){}, m.onReset...)
		}
		m.snap.SessionID = id
	}
	if ip.Type != "" {
		m.snap.SessionType = ip.Type
	}
	if ip.Name != "" {
		m.snap.SessionName = ip.Name
	}
	if ip.Meeting.Name != "" {
		m.snap.MeetingName = ip.Meeting.Name
	}
	if ip.Meeting.Circuit.ShortName != "" {
		m.snap.CircuitName = ip.Meeting.Circuit.ShortName
	}
	if p := strings.TrimSpace(ip.Path); p != "" {
		m.snap.Path = p
	}
	if start := scheduledStart(ip.StartDate, ip.GmtOffset); !start.IsZero() {
		m.snap.ScheduledStart = start
	}
	logger := m.logger
	m.mu.Unlock()

	if newSession {
		logger.Info("session changed", "session_id", id)
		for _, fn := range resets {
			fn()
		}
	}
}

// Reset forces the machine back to an empty Pre state without firing reset
// callbacks. Used during orchestrator teardown, where normalizers are
// discarded wholesale.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = Snapshot{Phase: Pre}
}

// scheduledStart converts a local StartDate plus GmtOffset into UTC.
func scheduledStart(startDate, gmtOffset string) time.Time {
	startDate = strings.TrimSpace(startDate)
	if startDate == "" {
		return time.Time{}
	}
	if strings.HasSuffix(startDate, "Z") {
		t, err := feed.ParseUTC(startDate)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	t, err := feed.ParseUTC(startDate)
	if err != nil {
		return time.Time{}
	}
	return t.Add(-feed.ParseGmtOffset(gmtOffset))
}

func allowed(from, to Phase) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func jsonScalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		return ""
	}
}
