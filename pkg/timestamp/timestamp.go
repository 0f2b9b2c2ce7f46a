// Package timestamp provides standardized Unix timestamp handling.
//
// All wire-protocol timestamps (broadcast commands, worker results,
// heartbeats, pressure telemetry) are int64 milliseconds since the Unix
// epoch, UTC. A value of 0 means "not set".
package timestamp

import (
	"strconv"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns the zero time if ms is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ToTime is an alias for FromUnixMs for better readability.
func ToTime(ms int64) time.Time {
	return FromUnixMs(ms)
}

// Format converts Unix milliseconds to an RFC3339 string for display.
// Returns the empty string if ms is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Parse converts various timestamp representations to Unix milliseconds.
// Supports:
//   - int64 / float64 (assumed milliseconds if > 1e12, otherwise seconds;
//     JSON numbers decode as float64)
//   - string in RFC3339 or numeric form
//   - time.Time
//
// Returns 0 for anything it cannot interpret.
func Parse(v any) int64 {
	switch val := v.(type) {
	case int64:
		return normalize(val)
	case int:
		return normalize(int64(val))
	case float64:
		return normalize(int64(val))
	case time.Time:
		return ToUnixMs(val)
	case string:
		if val == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.UnixMilli()
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return normalize(n)
		}
		return 0
	default:
		return 0
	}
}

// normalize interprets a bare integer as seconds or milliseconds based on
// magnitude. Anything above 1e12 is already milliseconds.
func normalize(n int64) int64 {
	if n == 0 {
		return 0
	}
	if n > 1e12 || n < -1e12 {
		return n
	}
	return n * 1000
}
