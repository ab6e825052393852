package archive

import (
	"bufio"
	"bytes"
	"compress/flate"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360/pitfeed/feed"
)

// Car-data probe parameters. The probe starts one pre-window before the
// scheduled start and scans for the telemetry sample closest to it.
const (
	probePreWindow    = 60 * time.Second
	probeSearchWindow = 90 * time.Second
	probeMaxAttempts  = 3
	probeRetryDelay   = 20 * time.Second
	probeTimeout      = 20 * time.Second
)

// ProbeResult is the outcome of one formation start search.
type ProbeResult struct {
	Found          bool
	FormationStart time.Time
	// DeltaSeconds is the absolute distance from the scheduled start.
	DeltaSeconds float64
	Err          string
}

// Probe locates the formation start marker in the CarData telemetry stream.
type Probe struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewProbe creates a formation start probe. baseURL defaults to the upstream
// static endpoint.
func NewProbe(baseURL string, logger *slog.Logger) *Probe {
	if baseURL == "" {
		baseURL = StaticBaseURL
	}
	return &Probe{
		baseURL: baseURL,
		client:  &http.Client{Timeout: probeTimeout},
		logger:  logger.With("component", "formation_probe"),
	}
}

// Run waits until one pre-window before the scheduled start, then attempts
// the search up to the attempt limit. It returns the first hit, or the last
// failure when every attempt misses.
func (p *Probe) Run(ctx context.Context, sessionPath string, scheduledStart time.Time) ProbeResult {
	if wait := time.Until(scheduledStart.Add(-probePreWindow)); wait > 0 {
		select {
		case <-ctx.Done():
			return ProbeResult{Err: "cancelled"}
		case <-time.After(wait):
		}
	}

	var last ProbeResult
	for attempt := 1; attempt <= probeMaxAttempts; attempt++ {
		last = p.Search(ctx, sessionPath, scheduledStart)
		if last.Found {
			return last
		}
		p.logger.Debug("probe attempt missed",
			"attempt", attempt, "error", last.Err)
		if attempt == probeMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ProbeResult{Err: "cancelled"}
		case <-time.After(probeRetryDelay):
		}
	}
	return last
}

// Search scans the CarData stream once for the sample closest to target.
// The scan stops as soon as a sample passes target plus the search window.
func (p *Probe) Search(ctx context.Context, sessionPath string, target time.Time) ProbeResult {
	streamURL := p.baseURL + strings.Trim(sessionPath, "/") + "/CarData.z.jsonStream"

	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		return ProbeResult{Err: "error"}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return ProbeResult{Err: "timeout"}
		}
		return ProbeResult{Err: "error"}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ProbeResult{Err: "not_found"}
	}
	if resp.StatusCode != http.StatusOK {
		return ProbeResult{Err: "error"}
	}

	var (
		best      time.Time
		bestDelta float64 = -1
		maxSeen   time.Time
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
scan:
	for scanner.Scan() {
		for _, utc := range parseCarDataLine(scanner.Text()) {
			if utc.After(maxSeen) {
				maxSeen = utc
			}
			delta := utc.Sub(target).Abs().Seconds()
			if bestDelta < 0 || delta < bestDelta {
				bestDelta = delta
				best = utc
			}
			if utc.After(target.Add(probeSearchWindow)) {
				break scan
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if reqCtx.Err() != nil {
			return ProbeResult{Err: "timeout"}
		}
		return ProbeResult{Err: "error"}
	}

	switch {
	case maxSeen.IsZero():
		return ProbeResult{Err: "empty"}
	case maxSeen.Before(target.Add(-time.Second)):
		// The stream has not reached the scheduled start yet; retry later.
		return ProbeResult{Err: "not_reached"}
	case bestDelta < 0:
		return ProbeResult{Err: "no_match"}
	case bestDelta > probeSearchWindow.Seconds():
		return ProbeResult{Err: "out_of_window"}
	}

	p.logger.Info("formation start located",
		"formation_start", best, "delta_seconds", bestDelta)
	return ProbeResult{Found: true, FormationStart: best, DeltaSeconds: bestDelta}
}

// parseCarDataLine decodes one CarData.z.jsonStream line: an offset prefix,
// then a quoted base64 raw-deflate blob holding {"Entries":[{"Utc":...}]}.
func parseCarDataLine(line string) []time.Time {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "URL:") {
		return nil
	}
	start := strings.IndexByte(line, '"')
	if start < 0 {
		return nil
	}
	rest := line[start+1:]
	end := strings.IndexByte(rest, '"')
	if end <= 0 {
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(rest[:end])
	if err != nil {
		return nil
	}
	payload, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil
	}

	var data struct {
		Entries []struct {
			Utc string `json:"Utc"`
		} `json:"Entries"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil
	}

	utcs := make([]time.Time, 0, len(data.Entries))
	for _, entry := range data.Entries {
		if utc, err := feed.ParseUTC(entry.Utc); err == nil {
			utcs = append(utcs, utc)
		}
	}
	return utcs
}
