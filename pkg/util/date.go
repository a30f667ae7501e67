package util

import (
	"strconv"
	"time"
)

// ParseTime tries RFC3339, RFC3339Nano, and unix seconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0), true
	}
	return time.Time{}, false
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// ParseRangeMs resolves a from/to pair (RFC3339 or unix seconds, also bare
// millisecond epochs via ParseEpochMs) into millisecond bounds.
func ParseRangeMs(from, to string) (int64, int64, error) {
	start, err := parseBoundMs(from)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseBoundMs(to)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseBoundMs(s string) (int64, error) {
	if t, ok := ParseTime(s); ok {
		return t.UnixMilli(), nil
	}
	return ParseEpochMs(s)
}

// AlignRangeMs truncates both bounds of a millisecond range to interval
// boundaries so cached and recomputed reads cover identical windows.
func AlignRangeMs(startMs, endMs, intervalMs int64) (int64, int64) {
	return BucketStart(startMs, intervalMs), BucketStart(endMs, intervalMs)
}
