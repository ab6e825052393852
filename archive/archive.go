// Package archive lists, downloads and caches session recordings from the
// upstream static endpoint, and runs the car-data probe that locates the
// formation start near a scheduled session start.
package archive

import (
	"time"

	"github.com/c360/pitfeed/feed"
)

// StaticBaseURL is the upstream static content root.
const StaticBaseURL = "https://livetiming.formula1.com/static/"

// cacheVersion is bumped whenever the cache layout changes; older caches
// are re-downloaded.
const cacheVersion = 2

// SessionRef identifies one downloadable session recording.
type SessionRef struct {
	MeetingName string `json:"meeting_name"`
	SessionName string `json:"session_name"`
	SessionType string `json:"session_type"`
	StartDate   string `json:"start_date,omitempty"`
	// Path is the static-endpoint directory, relative to the base URL,
	// with a trailing slash.
	Path string `json:"path"`
}

// Recording is a fully cached session ready for replay.
type Recording struct {
	Frames   []feed.Frame
	Duration time.Duration
	// Base is the absolute archive time at offset zero. Zero when no frame
	// carried a usable timestamp.
	Base time.Time
	// SessionStart is the offset of the first SessionStatus Started record,
	// negative when none was found.
	SessionStart time.Duration
}

// cacheIndex is the persisted index.json alongside frames.jsonl.
type cacheIndex struct {
	TotalFrames        int    `json:"total_frames"`
	DurationMs         int64  `json:"duration_ms"`
	SessionStartedAtMs int64  `json:"session_started_at_ms"`
	BaseUtcMs          int64  `json:"base_utc_ms"`
	CacheVersion       int    `json:"cache_version"`
	Path               string `json:"path"`
}
