package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360/pitfeed/errors"
)

// Index fetches the season index and lists downloadable sessions.
type Index struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewIndex creates a season index reader. baseURL defaults to the upstream
// static endpoint.
func NewIndex(baseURL string, logger *slog.Logger) *Index {
	if baseURL == "" {
		baseURL = StaticBaseURL
	}
	return &Index{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "archive_index"),
	}
}

// seasonIndex is the upstream year index document.
type seasonIndex struct {
	Year     int `json:"Year"`
	Meetings []struct {
		Name     string `json:"Name"`
		Sessions []struct {
			Name      string `json:"Name"`
			Type      string `json:"Type"`
			StartDate string `json:"StartDate"`
			Path      string `json:"Path"`
		} `json:"Sessions"`
	} `json:"Meetings"`
}

// Sessions lists every session of a season that has a recording path.
// Sessions still in the future have no path yet and are skipped.
func (i *Index) Sessions(ctx context.Context, year int) ([]SessionRef, error) {
	indexURL := fmt.Sprintf("%s%d/Index.json", i.baseURL, year)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "archive_index", "Sessions", "build request")
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "archive_index", "Sessions", "fetch index")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: status %d", errors.ErrArchiveUnavailable, resp.StatusCode),
			"archive_index", "Sessions", "check status")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "archive_index", "Sessions", "read body")
	}

	var season seasonIndex
	if err := json.Unmarshal(body, &season); err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrArchiveCorrupted, err),
			"archive_index", "Sessions", "parse index")
	}

	var refs []SessionRef
	for _, meeting := range season.Meetings {
		for _, s := range meeting.Sessions {
			if s.Path == "" {
				continue
			}
			path := s.Path
			if !strings.HasSuffix(path, "/") {
				path += "/"
			}
			refs = append(refs, SessionRef{
				MeetingName: meeting.Name,
				SessionName: s.Name,
				SessionType: s.Type,
				StartDate:   s.StartDate,
				Path:        path,
			})
		}
	}

	i.logger.Info("season index loaded", "year", year, "sessions", len(refs))
	return refs, nil
}
