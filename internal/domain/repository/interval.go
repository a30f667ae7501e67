package repository

// Interval represents a candle bucket width.
type Interval string

const (
	IV1s Interval = "1s"
	IV1m Interval = "1m"
	IV5m Interval = "5m"
	IV1h Interval = "1h"
)

// IsValidInterval returns true if iv is a supported bucket width.
func IsValidInterval(iv Interval) bool {
	switch iv {
	case IV1s, IV1m, IV5m, IV1h:
		return true
	default:
		return false
	}
}

// DefaultInterval returns the default bucket width.
func DefaultInterval() Interval { return IV1m }

// NormalizeInterval converts a raw string to a valid interval (or default).
func NormalizeInterval(s string) Interval {
	if s == "" {
		return DefaultInterval()
	}
	iv := Interval(s)
	if IsValidInterval(iv) {
		return iv
	}
	return DefaultInterval()
}

// Seconds returns the bucket width in seconds.
func (iv Interval) Seconds() int64 {
	switch iv {
	case IV1s:
		return 1
	case IV5m:
		return 300
	case IV1h:
		return 3600
	default:
		return 60
	}
}

// Millis returns the bucket width in milliseconds.
func (iv Interval) Millis() int64 { return iv.Seconds() * 1000 }
