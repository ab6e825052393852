package feed

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseUTC parses a feed timestamp. The feed emits ISO-8601 with a trailing
// Z and up to seven fractional digits; some payloads omit the zone, which is
// treated as UTC.
func ParseUTC(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// ParseClock parses a session clock value like "1:23:45", "23:45" or
// "00:00:21.405" into a duration.
func ParseClock(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty clock value")
	}

	var frac time.Duration
	if i := strings.IndexByte(value, '.'); i >= 0 {
		fracStr := value[i+1:]
		value = value[:i]
		// Pad or trim to milliseconds.
		for len(fracStr) < 3 {
			fracStr += "0"
		}
		ms, err := strconv.Atoi(fracStr[:3])
		if err != nil {
			return 0, fmt.Errorf("bad fraction in clock value: %w", err)
		}
		frac = time.Duration(ms) * time.Millisecond
	}

	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("unrecognized clock value %q", value)
	}

	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("unrecognized clock value %q", value)
		}
		nums[i] = n
	}

	var d time.Duration
	if len(nums) == 3 {
		d = time.Duration(nums[0])*time.Hour +
			time.Duration(nums[1])*time.Minute +
			time.Duration(nums[2])*time.Second
	} else {
		d = time.Duration(nums[0])*time.Minute + time.Duration(nums[1])*time.Second
	}
	return d + frac, nil
}

// ParseGmtOffset parses offsets like "+02:00:00", "-03:00" or "02:00:00"
// (no sign means positive). A malformed offset yields zero.
func ParseGmtOffset(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	sign := time.Duration(1)
	if strings.HasPrefix(value, "-") {
		sign = -1
	}
	value = strings.TrimLeft(value, "+-")

	parts := strings.Split(value, ":")
	var total time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, p := range parts {
		if i >= len(units) {
			break
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		total += time.Duration(n) * units[i]
	}
	return sign * total
}
