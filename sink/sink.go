// Package sink fans normalized state snapshots and discrete events out to
// downstream consumers. Pure fan-out, no logic.
package sink

import (
	"sync"

	"github.com/c360/pitfeed/pkg/buffer"
)

// Update is one publication produced by a normalizer: either a refreshed
// state snapshot for a concept, or a discrete event.
type Update struct {
	Concept string // state concept, empty for events
	Event   string // event name, empty for state snapshots
	Payload any
}

// State builds a state snapshot update.
func State(concept string, payload any) Update {
	return Update{Concept: concept, Payload: payload}
}

// Event builds a discrete event update.
func Event(name string, payload any) Update {
	return Update{Event: name, Payload: payload}
}

// Sink receives updates in dispatch order.
type Sink interface {
	PublishState(concept string, payload any) error
	PublishEvent(name string, payload any) error
}

// memoryEventCapacity bounds event retention; the oldest events fall off.
const memoryEventCapacity = 4096

// Memory is an in-process sink that records everything it receives. Used in
// tests and as the sink of last resort when NATS is not configured.
type Memory struct {
	mu     sync.Mutex
	states map[string]any
	events *buffer.Ring[Update]
}

// NewMemory creates an empty in-process sink.
func NewMemory() *Memory {
	return &Memory{
		states: make(map[string]any),
		events: buffer.NewRing[Update](memoryEventCapacity),
	}
}

// PublishState implements Sink.
func (m *Memory) PublishState(concept string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[concept] = payload
	return nil
}

// PublishEvent implements Sink.
func (m *Memory) PublishEvent(name string, payload any) error {
	return m.events.Write(Event(name, payload))
}

// State returns the latest snapshot for a concept.
func (m *Memory) State(concept string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.states[concept]
	return v, ok
}

// Events returns the recorded events, oldest first.
func (m *Memory) Events() []Update {
	return m.events.Snapshot()
}
