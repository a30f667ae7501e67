package util

import (
	"fmt"
	"math"
	"strconv"

	"TickMill/internal/domain/models"
)

// BucketStart aligns a millisecond timestamp down to its bucket boundary.
// The live collector and the batch resampler both use this, so both produce
// identical boundaries for the same interval.
func BucketStart(tsMs, intervalMs int64) int64 {
	if intervalMs <= 0 {
		return tsMs
	}
	return (tsMs / intervalMs) * intervalMs
}

// ToEpochMs coerces a numeric timestamp of unknown unit to milliseconds.
// Non-integer values are fractional seconds; integers >= 1e12 are already
// milliseconds; other integers are whole seconds.
func ToEpochMs(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite value", models.ErrInvalidTimestamp)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: negative value", models.ErrInvalidTimestamp)
	}
	if v != math.Trunc(v) {
		return int64(math.Floor(v * 1000)), nil
	}
	if v >= 1e12 {
		return int64(v), nil
	}
	return int64(v) * 1000, nil
}

// ParseEpochMs parses a numeric string and coerces it to milliseconds.
func ParseEpochMs(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", models.ErrInvalidTimestamp)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidTimestamp, s)
	}
	return ToEpochMs(v)
}

// EncodingReport summarizes the timestamp encodings observed in a collection.
// Upstream producers have historically mixed seconds and milliseconds; the
// pipeline surfaces that instead of silently misreading units.
type EncodingReport struct {
	Millis            int
	IntegerSeconds    int
	FractionalSeconds int
	Invalid           int
	Mixed             bool
	Hint              string
}

// ScanEncodings classifies every timestamp in vals and flags mixed units.
func ScanEncodings(vals []float64) EncodingReport {
	var r EncodingReport
	for _, v := range vals {
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0) || v < 0:
			r.Invalid++
		case v != math.Trunc(v):
			r.FractionalSeconds++
		case v >= 1e12:
			r.Millis++
		default:
			r.IntegerSeconds++
		}
	}
	kinds := 0
	for _, n := range [3]int{r.Millis, r.IntegerSeconds, r.FractionalSeconds} {
		if n > 0 {
			kinds++
		}
	}
	r.Mixed = kinds > 1
	if r.Mixed {
		r.Hint = "mixed timestamp units detected; normalize producers to millisecond epochs or route values through ToEpochMs before storage"
	}
	return r
}
