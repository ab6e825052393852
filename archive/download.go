package archive

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/c360/pitfeed/errors"
	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/pkg/retry"
)

// ProgressFunc receives download progress in [0,1].
type ProgressFunc func(fraction float64)

// Downloader fetches the per-stream recordings of one session and writes the
// local replay cache.
type Downloader struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewDownloader creates a session downloader. baseURL defaults to the
// upstream static endpoint.
func NewDownloader(baseURL string, logger *slog.Logger) *Downloader {
	if baseURL == "" {
		baseURL = StaticBaseURL
	}
	return &Downloader{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger.With("component", "archive_downloader"),
	}
}

// cachedFrame is one frames.jsonl line.
type cachedFrame struct {
	T int64           `json:"t"`
	S string          `json:"s"`
	P json.RawMessage `json:"p"`
}

// Download fetches every stream of the session, builds the sorted frame log
// and writes the cache under dir. Missing streams are tolerated; a session
// with no frames at all is an error. progress may be nil.
func (d *Downloader) Download(ctx context.Context, ref SessionRef, dir string,
	progress ProgressFunc) (*Recording, error) {
	report := func(f float64) {
		if progress != nil {
			progress(f)
		}
	}

	var frames []cachedFrame
	streams := downloadStreams()
	for i, stream := range streams {
		lines, err := d.fetchStream(ctx, ref.Path, stream)
		if err != nil {
			if errors.IsTransient(err) {
				return nil, err
			}
			// Missing stream: not every session carries every topic.
			d.logger.Debug("stream unavailable", "stream", stream, "error", err)
		}
		frames = append(frames, lines...)
		report(float64(i+1) / float64(len(streams)) * 0.9)
	}

	if len(frames) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no frames in any stream", errors.ErrArchiveCorrupted),
			"archive_downloader", "Download", "collect frames")
	}

	sort.SliceStable(frames, func(i, j int) bool { return frames[i].T < frames[j].T })

	rec := buildRecording(frames)

	if err := writeCache(dir, ref, frames, rec); err != nil {
		return nil, err
	}
	report(0.95)

	report(1.0)
	d.logger.Info("session cached",
		"path", ref.Path, "frames", len(frames), "duration", rec.Duration)
	return rec, nil
}

// downloadStreams is the stream file list, one per subscribed topic.
func downloadStreams() []string {
	streams := make([]string, 0, len(feed.Topics))
	for _, topic := range feed.Topics {
		if topic == feed.TopicHeartbeat {
			continue
		}
		streams = append(streams, topic+".jsonStream")
	}
	return streams
}

// fetchStream downloads and parses one .jsonStream file. Each line is an
// HH:MM:SS.mmm offset prefix followed by a JSON payload.
func (d *Downloader) fetchStream(ctx context.Context, sessionPath, stream string) ([]cachedFrame, error) {
	streamURL := d.baseURL + sessionPath + stream
	topic := strings.TrimSuffix(stream, ".jsonStream")

	var body []byte
	err := retry.Do(ctx, retry.Downloads(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
		if err != nil {
			return retry.NonRetryable(err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			return retry.NonRetryable(fmt.Errorf("%w: %s", errors.ErrArchiveUnavailable, stream))
		default:
			return fmt.Errorf("%w: status %d for %s", errors.ErrDownloadFailed, resp.StatusCode, stream)
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, 256<<20))
		return err
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrArchiveUnavailable) {
			return nil, errors.WrapInvalid(err, "archive_downloader", "fetchStream", "stream missing")
		}
		return nil, errors.WrapTransient(err, "archive_downloader", "fetchStream", "download stream")
	}

	var frames []cachedFrame
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		frame, ok := parseStreamLine(line, topic)
		if !ok {
			continue
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// parseStreamLine splits the fixed-width offset prefix from the JSON
// payload. Malformed lines are skipped.
func parseStreamLine(line, topic string) (cachedFrame, bool) {
	idx := strings.IndexAny(line, "{[\"")
	if idx <= 0 {
		return cachedFrame{}, false
	}
	offset, err := feed.ParseClock(strings.TrimSpace(line[:idx]))
	if err != nil {
		return cachedFrame{}, false
	}
	payload := json.RawMessage(line[idx:])
	if !json.Valid(payload) {
		return cachedFrame{}, false
	}
	return cachedFrame{T: offset.Milliseconds(), S: topic, P: payload}, true
}

// buildRecording derives the replay metadata from the sorted frame log: the
// absolute base time from the first timestamped payload and the offset of
// the first SessionStatus Started record.
func buildRecording(frames []cachedFrame) *Recording {
	rec := &Recording{
		Frames:       make([]feed.Frame, len(frames)),
		SessionStart: -1,
	}
	for i, f := range frames {
		rec.Frames[i] = feed.Frame{
			Offset:  time.Duration(f.T) * time.Millisecond,
			Topic:   f.S,
			Payload: f.P,
		}
	}
	if n := len(frames); n > 0 {
		rec.Duration = time.Duration(frames[n-1].T) * time.Millisecond
	}

	for _, f := range frames {
		if rec.Base.IsZero() {
			var p struct {
				Utc string `json:"Utc"`
			}
			if err := json.Unmarshal(f.P, &p); err == nil && p.Utc != "" {
				if utc, err := feed.ParseUTC(p.Utc); err == nil {
					rec.Base = utc.Add(-time.Duration(f.T) * time.Millisecond)
				}
			}
		}
		if rec.SessionStart < 0 && f.S == feed.TopicSessionStatus {
			var p struct {
				Status string `json:"Status"`
			}
			if err := json.Unmarshal(f.P, &p); err == nil && p.Status == "Started" {
				rec.SessionStart = time.Duration(f.T) * time.Millisecond
			}
		}
		if !rec.Base.IsZero() && rec.SessionStart >= 0 {
			break
		}
	}
	return rec
}

// writeCache persists frames.jsonl and index.json under dir.
func writeCache(dir string, ref SessionRef, frames []cachedFrame, rec *Recording) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapFatal(err, "archive_downloader", "writeCache", "create cache dir")
	}

	framesPath := filepath.Join(dir, "frames.jsonl")
	f, err := os.Create(framesPath)
	if err != nil {
		return errors.WrapFatal(err, "archive_downloader", "writeCache", "create frames file")
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, frame := range frames {
		if err := enc.Encode(frame); err != nil {
			f.Close()
			return errors.WrapFatal(err, "archive_downloader", "writeCache", "encode frame")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.WrapFatal(err, "archive_downloader", "writeCache", "flush frames file")
	}
	if err := f.Close(); err != nil {
		return errors.WrapFatal(err, "archive_downloader", "writeCache", "close frames file")
	}

	index := cacheIndex{
		TotalFrames:        len(frames),
		DurationMs:         rec.Duration.Milliseconds(),
		SessionStartedAtMs: rec.SessionStart.Milliseconds(),
		BaseUtcMs:          rec.Base.UnixMilli(),
		CacheVersion:       cacheVersion,
		Path:               ref.Path,
	}
	if rec.Base.IsZero() {
		index.BaseUtcMs = 0
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "archive_downloader", "writeCache", "marshal index")
	}
	if err := os.WriteFile(filepath.Join(dir, "index.json"), data, 0o644); err != nil {
		return errors.WrapFatal(err, "archive_downloader", "writeCache", "write index")
	}
	return nil
}

// LoadCached reads a previously written cache directory. An index with a
// stale cache version is rejected so the caller re-downloads.
func LoadCached(dir string) (*Recording, error) {
	indexData, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrNoArchiveSelected, err),
			"archive", "LoadCached", "read index")
	}

	var index cacheIndex
	if err := json.Unmarshal(indexData, &index); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrArchiveCorrupted, err),
			"archive", "LoadCached", "parse index")
	}
	if index.CacheVersion != cacheVersion {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: cache version %d", errors.ErrArchiveCorrupted, index.CacheVersion),
			"archive", "LoadCached", "check cache version")
	}

	f, err := os.Open(filepath.Join(dir, "frames.jsonl"))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrArchiveCorrupted, err),
			"archive", "LoadCached", "open frames file")
	}
	defer f.Close()

	rec := &Recording{
		Duration:     time.Duration(index.DurationMs) * time.Millisecond,
		SessionStart: time.Duration(index.SessionStartedAtMs) * time.Millisecond,
	}
	if index.BaseUtcMs > 0 {
		rec.Base = time.UnixMilli(index.BaseUtcMs).UTC()
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for scanner.Scan() {
		var frame cachedFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %w", errors.ErrArchiveCorrupted, err),
				"archive", "LoadCached", "parse frame")
		}
		rec.Frames = append(rec.Frames, feed.Frame{
			Offset:  time.Duration(frame.T) * time.Millisecond,
			Topic:   frame.S,
			Payload: frame.P,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrArchiveCorrupted, err),
			"archive", "LoadCached", "scan frames")
	}
	if len(rec.Frames) != index.TotalFrames {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: frame count %d, index says %d",
				errors.ErrArchiveCorrupted, len(rec.Frames), index.TotalFrames),
			"archive", "LoadCached", "verify frame count")
	}
	return rec, nil
}
