package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	accepted          *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	flushed           prometheus.Counter
	retentionDeleted  prometheus.Counter
	candlesFinalized  *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	lastPrice         *prometheus.GaugeVec
	latency           *prometheus.HistogramVec
	bufferSize        prometheus.Gauge
	pollFallbackMode  prometheus.Gauge
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		accepted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickmill_ticks_accepted_total",
				Help: "Ticks accepted past the sampling gate",
			},
			[]string{"symbol"},
		),
		dropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickmill_ticks_dropped_total",
				Help: "Ticks dropped before buffering",
			},
			[]string{"reason"},
		),
		flushed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tickmill_ticks_flushed_total",
				Help: "Ticks written to the durable store",
			},
		),
		retentionDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tickmill_retention_deleted_total",
				Help: "Tick rows removed by the retention sweep",
			},
		),
		candlesFinalized: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickmill_candles_finalized_total",
				Help: "Candles closed by bucket rollover",
			},
			[]string{"symbol"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickmill_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tickmill_last_price",
				Help: "Last observed price for a symbol",
			},
			[]string{"symbol"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickmill_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		bufferSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tickmill_buffer_pending_ticks",
				Help: "Ticks currently pending flush",
			},
		),
		pollFallbackMode: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tickmill_poll_fallback_mode",
				Help: "1 when the collector polls as primary source, 0 when idle",
			},
		),
	}
}

func (r *Recorder) IncAccepted(symbol string) {
	r.accepted.WithLabelValues(symbol).Inc()
}

func (r *Recorder) IncDropped(reason string) {
	r.dropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) IncFlushed(n int) {
	r.flushed.Add(float64(n))
}

func (r *Recorder) IncRetentionDeleted(n int) {
	r.retentionDeleted.Add(float64(n))
}

func (r *Recorder) IncCandlesFinalized(symbol string) {
	r.candlesFinalized.WithLabelValues(symbol).Inc()
}

func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) SetBufferSize(n int) {
	r.bufferSize.Set(float64(n))
}

func (r *Recorder) SetPollMode(fallback bool) {
	if fallback {
		r.pollFallbackMode.Set(1)
	} else {
		r.pollFallbackMode.Set(0)
	}
}
