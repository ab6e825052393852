package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitfeed/archive"
	"github.com/c360/pitfeed/config"
	"github.com/c360/pitfeed/delay"
	"github.com/c360/pitfeed/sink"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *sink.Memory) {
	t.Helper()
	cfg := config.Default()
	cfg.EnableLiveData = false
	cfg.CacheDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	mem := sink.NewMemory()
	return NewEngine(cfg, mem, slog.Default(), nil), mem
}

// archiveServer serves a minimal two-stream session recording.
func archiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/2024/monza/race/SessionStatus.jsonStream":
			fmt.Fprint(w, "00:00:05.000{\"Utc\":\"2024-09-01T13:00:05Z\",\"Status\":\"Started\"}\n")
		case "/2024/monza/race/TrackStatus.jsonStream":
			fmt.Fprint(w, "00:00:02.000{\"Status\":\"1\",\"Message\":\"AllClear\"}\n00:00:20.000{\"Status\":\"2\",\"Message\":\"Yellow\"}\n")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStartIdle(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(time.Second)

	assert.Equal(t, ModeIdle, e.Mode())

	s := e.Status()
	assert.Equal(t, "idle", s.Mode)
	assert.True(t, s.Healthy)
	assert.False(t, s.Connected)
	assert.Equal(t, "idle", s.Calibration.State)
	assert.Equal(t, "idle", s.Replay.State)
}

func TestStartTwiceRejected(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(time.Second)

	assert.Error(t, e.Start(context.Background()))
}

func TestSetDelay(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.Config) { c.InitialDelaySeconds = 30 })
	assert.Equal(t, 30*time.Second, e.Delay())

	e.SetDelay(45 * time.Second)
	assert.Equal(t, 45*time.Second, e.Delay())

	e.SetDelay(-time.Second)
	assert.Equal(t, time.Duration(0), e.Delay())
}

func TestCalibrationWithoutPipeline(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(time.Second)

	assert.Error(t, e.ArmCalibration(delay.RefSessionLive))
	assert.Error(t, e.CancelCalibration())
	assert.Error(t, e.CommitCalibration())
}

func TestSelectReplayValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	assert.Error(t, e.SelectReplay(archive.SessionRef{}))

	require.NoError(t, e.SelectReplay(archive.SessionRef{
		SessionName: "Race", Path: "2024/monza/race/",
	}))
	s := e.Status()
	assert.Equal(t, "selected", s.Replay.State)
	assert.Equal(t, "Race", s.Replay.Session)
}

func TestLoadReplayWithoutSelection(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(time.Second)

	assert.Error(t, e.LoadReplay(context.Background()))
}

func TestReplayLifecycle(t *testing.T) {
	server := archiveServer(t)
	e, _ := newTestEngine(t, nil)
	e.downloader = archive.NewDownloader(server.URL+"/", slog.Default())

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(time.Second)

	require.NoError(t, e.SelectReplay(archive.SessionRef{
		SessionName: "Race", Path: "2024/monza/race/",
	}))
	require.NoError(t, e.LoadReplay(context.Background()))
	assert.Equal(t, "ready", e.Status().Replay.State)
	assert.Equal(t, 20.0, e.Status().Replay.DurationSeconds)

	require.NoError(t, e.Play())
	assert.Equal(t, ModeReplay, e.Mode())
	assert.Equal(t, "playing", e.Status().Replay.State)

	require.NoError(t, e.Pause())
	assert.Equal(t, "paused", e.Status().Replay.State)

	require.NoError(t, e.Seek(10*time.Second))
	require.NoError(t, e.Seek(time.Hour), "seek clamps to the recording end")

	require.NoError(t, e.StopReplay())
	assert.Equal(t, ModeIdle, e.Mode())
	assert.Equal(t, "ready", e.Status().Replay.State)

	// Recording is retained for another run.
	require.NoError(t, e.Play())
	assert.Equal(t, ModeReplay, e.Mode())
}

func TestStartInConfiguredReplay(t *testing.T) {
	server := archiveServer(t)
	e, _ := newTestEngine(t, func(c *config.Config) {
		c.ReplayMode = true
		c.ReplayArchivePath = "2024/monza/race/"
	})
	e.downloader = archive.NewDownloader(server.URL+"/", slog.Default())

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(time.Second)

	assert.Equal(t, ModeReplay, e.Mode())
	assert.Equal(t, "playing", e.Status().Replay.State)
}

func TestReplayControlsRequireReplayMode(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(time.Second)

	assert.Error(t, e.Pause())
	assert.Error(t, e.Seek(time.Second))
	assert.Error(t, e.StopReplay())
	assert.Error(t, e.Play(), "play requires a loaded recording")
}

func TestLoadReplayFailureFallsBackToLive(t *testing.T) {
	badArchive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer badArchive.Close()
	feedStub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer feedStub.Close()

	e, _ := newTestEngine(t, func(c *config.Config) {
		c.EnableLiveData = true
		c.FeedBaseURL = feedStub.URL
	})
	e.downloader = archive.NewDownloader(badArchive.URL+"/", slog.Default())

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(time.Second)
	require.Equal(t, ModeLive, e.Mode())

	require.NoError(t, e.SelectReplay(archive.SessionRef{Path: "2024/monza/race/"}))
	assert.Error(t, e.LoadReplay(context.Background()))

	assert.Equal(t, ModeLive, e.Mode(), "engine stays live after a failed load")
	assert.Equal(t, "selected", e.Status().Replay.State)
}

func TestModeStrings(t *testing.T) {
	assert.Equal(t, "idle", ModeIdle.String())
	assert.Equal(t, "live", ModeLive.String())
	assert.Equal(t, "replay", ModeReplay.String())
	assert.Equal(t, "unknown", Mode(9).String())
}

func TestReplayStateStrings(t *testing.T) {
	states := map[ReplayState]string{
		ReplayIdle:     "idle",
		ReplaySelected: "selected",
		ReplayLoading:  "loading",
		ReplayReady:    "ready",
		ReplayPlaying:  "playing",
		ReplayPaused:   "paused",
	}
	for state, want := range states {
		assert.Equal(t, want, state.String())
	}
	assert.Equal(t, "unknown", ReplayState(99).String())
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "2024_monza_race", cacheKey("/2024/monza/race/"))
	assert.Equal(t, "2024_monza_race", cacheKey("2024/monza/race"))
}
