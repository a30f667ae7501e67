package models

// LegacyBar is a row from the pre-resampling bars table. Timestamps in that
// table were written with inconsistent units (seconds vs milliseconds), so
// RawTimestamp is normalized before bucketing. Rows whose OHLC fields are all
// integer-valued inside the sentinel range are placeholders, not prices, and
// are filtered before bucketing.
type LegacyBar struct {
	Symbol       string
	RawTimestamp float64
	Open         float64
	High         float64
	Low          float64
	Close        float64
}

// Sentinel bounds for placeholder detection in legacy rows.
const (
	LegacySentinelMin = -1000
	LegacySentinelMax = 1000
)

// IsPlaceholder reports whether the row looks like a non-price placeholder:
// all four OHLC fields integer-valued and within the sentinel range.
func (b *LegacyBar) IsPlaceholder() bool {
	for _, v := range [4]float64{b.Open, b.High, b.Low, b.Close} {
		if v != float64(int64(v)) {
			return false
		}
		if v < LegacySentinelMin || v > LegacySentinelMax {
			return false
		}
	}
	return true
}
