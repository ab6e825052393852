package normalize

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/metric"
	"github.com/c360/pitfeed/session"
	"github.com/c360/pitfeed/sink"
)

// SessionState is the session snapshot exposed to consumers: the lifecycle
// phase plus the identity metadata from SessionInfo.
type SessionState struct {
	Phase       string    `json:"phase"`
	SessionID   string    `json:"session_id,omitempty"`
	SessionType string    `json:"session_type,omitempty"`
	SessionName string    `json:"session_name,omitempty"`
	MeetingName string    `json:"meeting_name,omitempty"`
	CircuitName string    `json:"circuit_name,omitempty"`
	InProgress  bool      `json:"in_progress"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

func sessionState(snap session.Snapshot) SessionState {
	return SessionState{
		Phase:       snap.Phase.String(),
		SessionID:   snap.SessionID,
		SessionType: snap.SessionType,
		SessionName: snap.SessionName,
		MeetingName: snap.MeetingName,
		CircuitName: snap.CircuitName,
		InProgress:  snap.InProgress(),
		StartedAt:   snap.StartedAt,
	}
}

// Observers are side-channel hooks fed from released state. The calibrator
// uses them to detect its reference moments.
type Observers struct {
	Phase     func(session.Phase)
	Lap       func(currentLap int)
	Formation func()
	// Info fires after every SessionInfo message with the refreshed
	// snapshot. The orchestrator uses it to schedule the formation probe.
	Info func(session.Snapshot)
}

// Dispatcher routes released messages to the session machine and the topic
// normalizers, then publishes the resulting updates. The mutex serializes the
// drain loop with the probe goroutine feeding NotifyFormation.
type Dispatcher struct {
	mu        sync.Mutex
	machine   *session.Machine
	set       *Set
	sink      sink.Sink
	observers Observers
	byTopic   map[string][]Normalizer
	logger    *slog.Logger
	metrics   *metric.Core
}

// NewDispatcher wires the machine, normalizer set and sink together.
// Normalizer reset on session re-entry to pre is registered here. metrics
// may be nil.
func NewDispatcher(machine *session.Machine, set *Set, out sink.Sink,
	observers Observers, logger *slog.Logger, metrics *metric.Core) *Dispatcher {
	d := &Dispatcher{
		machine:   machine,
		set:       set,
		sink:      out,
		observers: observers,
		byTopic:   make(map[string][]Normalizer),
		logger:    logger,
		metrics:   metrics,
	}
	for _, n := range set.All() {
		for _, t := range n.Topics() {
			d.byTopic[t] = append(d.byTopic[t], n)
		}
	}
	machine.OnReset(set.Reset)
	return d
}

// Dispatch processes one released message. Malformed payloads never
// propagate errors: normalizers drop what they cannot parse and the drop is
// counted.
func (d *Dispatcher) Dispatch(msg feed.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if msg.Reset {
		// Reconnect gap exceeded the staleness threshold: rebuild topic
		// state from the snapshot that follows resubscription.
		d.logger.Info("stale reconnect, resetting topic state")
		d.set.Reset()
		return
	}

	// Session machine first, so normalizers see the updated phase.
	switch msg.Topic {
	case feed.TopicSessionStatus:
		if d.machine.ApplyStatus(msg.Payload, msg.ArrivalTime) {
			snap := d.machine.Snapshot()
			d.publish(sink.State("session", sessionState(snap)))
			if d.observers.Phase != nil {
				d.observers.Phase(snap.Phase)
			}
		}
	case feed.TopicSessionInfo:
		d.machine.ApplyInfo(msg.Payload)
		d.publish(sink.State("session", sessionState(d.machine.Snapshot())))
	case feed.TopicHeartbeat:
		return
	}

	normalizers, ok := d.byTopic[msg.Topic]
	if !ok {
		if msg.Topic != feed.TopicSessionStatus && msg.Topic != feed.TopicSessionInfo {
			d.drop("unknown_topic")
		}
		return
	}

	snap := d.machine.Snapshot()
	for _, n := range normalizers {
		updates := n.Apply(msg, snap)
		for _, u := range updates {
			d.publish(u)
		}
	}

	d.notifyObservers(msg.Topic)
}

func (d *Dispatcher) notifyObservers(topic string) {
	switch topic {
	case feed.TopicLapCount:
		if d.observers.Lap != nil {
			if lap := d.set.SessionClock.CurrentLap(); lap > 0 {
				d.observers.Lap(lap)
			}
		}
	case feed.TopicSessionStatus, feed.TopicSessionInfo:
		if topic == feed.TopicSessionInfo && d.observers.Info != nil {
			d.observers.Info(d.machine.Snapshot())
		}
		if d.observers.Formation != nil && d.set.Formation.Detected() {
			d.observers.Formation()
		}
	}
}

// NotifyFormation forwards an externally detected formation marker (the
// archive probe) into the formation normalizer and the observers.
func (d *Dispatcher) NotifyFormation(result FormationProbeResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	updates := d.set.Formation.ApplyProbe(result)
	for _, u := range updates {
		d.publish(u)
	}
	if d.observers.Formation != nil && d.set.Formation.Detected() {
		d.observers.Formation()
	}
}

func (d *Dispatcher) publish(u sink.Update) {
	var err error
	if u.Event != "" {
		err = d.sink.PublishEvent(u.Event, u.Payload)
	} else {
		err = d.sink.PublishState(u.Concept, u.Payload)
	}
	if err != nil {
		d.logger.Warn("sink publish failed", "concept", u.Concept, "event", u.Event, "error", err)
	}
}

func (d *Dispatcher) drop(reason string) {
	if d.metrics != nil {
		d.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	}
}
