// Package component defines the lifecycle contract shared by the pipeline
// components (transports, delay buffer, downloader, sink) and a small group
// runner that starts them in order and stops them in reverse.
package component

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/pitfeed/errors"
)

// State represents the lifecycle state of a component.
type State int

const (
	// StateCreated means the component has been constructed but not started.
	StateCreated State = iota
	// StateStarted means Start succeeded and the component is running.
	StateStarted
	// StateStopped means Stop completed.
	StateStopped
	// StateFailed means Start or Stop returned an error.
	StateFailed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Component is the lifecycle contract for long-running pipeline parts.
// Start launches background work bound to ctx; Stop waits up to timeout for
// a clean shutdown.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Healthy() bool
}

// Group starts components in registration order and stops them in reverse.
type Group struct {
	components []Component
	states     []State
	logger     *slog.Logger
}

// NewGroup creates an empty component group.
func NewGroup(logger *slog.Logger) *Group {
	return &Group{logger: logger}
}

// Add appends a component. Not safe to call after Start.
func (g *Group) Add(c Component) {
	g.components = append(g.components, c)
	g.states = append(g.states, StateCreated)
}

// Start starts all components in order. On failure, components already
// started are stopped in reverse and the first error is returned.
func (g *Group) Start(ctx context.Context) error {
	for i, c := range g.components {
		g.logger.Debug("starting component", "component", c.Name())
		if err := c.Start(ctx); err != nil {
			g.states[i] = StateFailed
			g.logger.Error("component failed to start", "component", c.Name(), "error", err)
			g.stopFrom(i-1, 5*time.Second)
			return errors.Wrap(err, "Group", "Start", "start "+c.Name())
		}
		g.states[i] = StateStarted
	}
	return nil
}

// Stop stops all components in reverse order, giving each up to timeout.
// All components are attempted even if some fail; the first error is
// returned.
func (g *Group) Stop(timeout time.Duration) error {
	return g.stopFrom(len(g.components)-1, timeout)
}

func (g *Group) stopFrom(idx int, timeout time.Duration) error {
	var firstErr error
	for i := idx; i >= 0; i-- {
		if g.states[i] != StateStarted {
			continue
		}
		c := g.components[i]
		g.logger.Debug("stopping component", "component", c.Name())
		if err := c.Stop(timeout); err != nil {
			g.states[i] = StateFailed
			g.logger.Error("component failed to stop", "component", c.Name(), "error", err)
			if firstErr == nil {
				firstErr = errors.Wrap(err, "Group", "Stop", "stop "+c.Name())
			}
			continue
		}
		g.states[i] = StateStopped
	}
	return firstErr
}

// Healthy reports whether every started component reports healthy.
func (g *Group) Healthy() bool {
	for i, c := range g.components {
		if g.states[i] == StateStarted && !c.Healthy() {
			return false
		}
	}
	return true
}
