package component

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	name     string
	startErr error
	stopErr  error
	healthy  bool

	started []string
	stopped []string
	log     *[]string
}

func newFake(name string, log *[]string) *fakeComponent {
	return &fakeComponent{name: name, healthy: true, log: log}
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(context.Context) error {
	*f.log = append(*f.log, "start:"+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(time.Duration) error {
	*f.log = append(*f.log, "stop:"+f.name)
	return f.stopErr
}

func (f *fakeComponent) Healthy() bool { return f.healthy }

func TestGroupStartsInOrderStopsInReverse(t *testing.T) {
	var log []string
	g := NewGroup(slog.Default())
	g.Add(newFake("a", &log))
	g.Add(newFake("b", &log))
	g.Add(newFake("c", &log))

	require.NoError(t, g.Start(context.Background()))
	require.NoError(t, g.Stop(time.Second))

	assert.Equal(t, []string{
		"start:a", "start:b", "start:c",
		"stop:c", "stop:b", "stop:a",
	}, log)
}

func TestGroupStartFailureRollsBack(t *testing.T) {
	var log []string
	g := NewGroup(slog.Default())
	g.Add(newFake("a", &log))
	bad := newFake("b", &log)
	bad.startErr = errors.New("nope")
	g.Add(bad)
	g.Add(newFake("c", &log))

	err := g.Start(context.Background())
	require.Error(t, err)

	// c never started; a is rolled back.
	assert.Equal(t, []string{"start:a", "start:b", "stop:a"}, log)
}

func TestGroupStopContinuesOnError(t *testing.T) {
	var log []string
	g := NewGroup(slog.Default())
	g.Add(newFake("a", &log))
	bad := newFake("b", &log)
	bad.stopErr = errors.New("stuck")
	g.Add(bad)

	require.NoError(t, g.Start(context.Background()))
	err := g.Stop(time.Second)
	require.Error(t, err)

	assert.Contains(t, log, "stop:a")
}

func TestGroupHealthy(t *testing.T) {
	var log []string
	g := NewGroup(slog.Default())
	a := newFake("a", &log)
	g.Add(a)

	require.NoError(t, g.Start(context.Background()))
	assert.True(t, g.Healthy())

	a.healthy = false
	assert.False(t, g.Healthy())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "failed", StateFailed.String())
}
