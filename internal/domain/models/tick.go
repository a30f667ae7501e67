package models

// TickSource identifies which channel produced an observation.
type TickSource string

const (
	SourcePush      TickSource = "push"
	SourcePoll      TickSource = "poll"
	SourceImport    TickSource = "import"
	SourceWebsocket TickSource = "websocket"
	SourceHistory   TickSource = "history"
	SourceResampled TickSource = "resampled"
)

// Tick is one observed price sample. Identity for dedup is
// (Symbol, TimestampMs, Source); ticks are written once and never mutated.
type Tick struct {
	Symbol      string     `json:"symbol"`
	TimestampMs int64      `json:"ts_ms"`
	Price       float64    `json:"price"`
	Source      TickSource `json:"source"`
}

// Validate checks the fields every stored tick must carry.
func (t *Tick) Validate() error {
	if t == nil || t.Symbol == "" || t.TimestampMs < 0 {
		return ErrValidation
	}
	return nil
}

// CandleBucket is an OHLCV aggregate over one fixed-width window.
// (Symbol, IntervalSeconds, BucketStartMs, Source) is the compound key;
// writes with a colliding key are upserts.
type CandleBucket struct {
	Symbol          string     `json:"symbol"`
	IntervalSeconds int64      `json:"interval_s"`
	BucketStartMs   int64      `json:"bucket_ms"`
	Open            float64    `json:"open"`
	High            float64    `json:"high"`
	Low             float64    `json:"low"`
	Close           float64    `json:"close"`
	Volume          uint64     `json:"volume"` // tick count, a liquidity proxy
	Source          TickSource `json:"source"`
}

// ApplyPrice folds one observation into the bucket.
func (c *CandleBucket) ApplyPrice(price float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume++
}

// NewCandleBucket opens a bucket seeded with its first observation.
func NewCandleBucket(symbol string, intervalSeconds, bucketStartMs int64, price float64, src TickSource) *CandleBucket {
	return &CandleBucket{
		Symbol:          symbol,
		IntervalSeconds: intervalSeconds,
		BucketStartMs:   bucketStartMs,
		Open:            price,
		High:            price,
		Low:             price,
		Close:           price,
		Volume:          1,
		Source:          src,
	}
}
