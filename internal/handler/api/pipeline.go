package api

import (
	"context"
	"net/http"
	"time"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
	"TickMill/internal/service/metrics"
	"TickMill/internal/service/ratelimit"
	"TickMill/internal/usecase"
	xcache "TickMill/pkg/cache"
	xhttp "TickMill/pkg/http"
	xlogger "TickMill/pkg/logger"
	"TickMill/pkg/util"

	"github.com/labstack/echo/v4"
)

// PipelineHandler exposes the ops API over the ingestion pipeline: candle
// reads, pipeline stats, and manual flush/retention/resample triggers.
type PipelineHandler struct {
	logger    *xlogger.Logger
	candles   *usecase.CandlesUseCase
	buffer    *usecase.TickBuffer
	collector *usecase.DualSourceCollector
	ticks     domrepo.TickStore
	candleSt  domrepo.CandleStore
	cache     xcache.Service
	cacheTTL  time.Duration
	rl        *ratelimit.Limiter
}

func NewPipelineHandler(
	logger *xlogger.Logger,
	candles *usecase.CandlesUseCase,
	buffer *usecase.TickBuffer,
	collector *usecase.DualSourceCollector,
	ticks domrepo.TickStore,
	candleSt domrepo.CandleStore,
) *PipelineHandler {
	metrics.Register()
	return &PipelineHandler{
		logger:    logger,
		candles:   candles,
		buffer:    buffer,
		collector: collector,
		ticks:     ticks,
		candleSt:  candleSt,
		cacheTTL:  30 * time.Second,
		rl:        ratelimit.New(),
	}
}

// SetCache injects the layered response cache for candle reads.
func (h *PipelineHandler) SetCache(c xcache.Service, ttl time.Duration) {
	h.cache = c
	if ttl > 0 {
		h.cacheTTL = ttl
	}
}

func (h *PipelineHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api")
	g.GET("/candles", h.Candles)
	g.GET("/stats", h.Stats)
	g.POST("/flush", h.Flush)
	g.POST("/retention", h.Retention)
	g.POST("/resample", h.Resample)
}

func (h *PipelineHandler) Candles(c echo.Context) error {
	start := time.Now()
	endpoint := "candles"
	defer func() { metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	req := &models.CandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	startMs, endMs, err := util.ParseRangeMs(req.From, req.To)
	if err != nil {
		return xhttp.BadRequestResponse(c, xhttp.BadRequestError(err.Error()))
	}

	iv := domrepo.NormalizeInterval(req.Interval)

	ctx := c.Request().Context()
	cacheKey := candlesCacheKey(req.Symbol, string(iv), startMs, endMs, req.Limit)

	if h.cache != nil && !req.Force {
		var cached usecase.GetCandlesResult
		if err := h.cache.Get(ctx, cacheKey, &cached); err == nil {
			h.logger.Debug("candles cache_hit", xlogger.String("key", cacheKey))
			return xhttp.SuccessResponse(c, &cached)
		}
	}

	res, err := h.candles.GetCandles(ctx, usecase.GetCandlesParams{
		Symbol:   req.Symbol,
		Interval: iv,
		StartMs:  startMs,
		EndMs:    endMs,
		Force:    req.Force,
		Limit:    req.Limit,
	})
	if err != nil {
		metrics.APIErrors.WithLabelValues(endpoint).Inc()
		h.logger.Error("candles usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, cacheKey, res, h.cacheTTL); err != nil {
			h.logger.Warn("candles cache_set_error", xlogger.Error(err))
		}
	}
	return xhttp.SuccessResponse(c, res)
}

func candlesCacheKey(symbol, iv string, startMs, endMs int64, limit int) string {
	return xcache.GenerateKeyWithParams("candles", symbol, iv, startMs, endMs, limit)
}

// statsResponse aggregates the pipeline's observable state.
type statsResponse struct {
	Buffer    usecase.BufferStats    `json:"buffer"`
	Collector usecase.CollectorStats `json:"collector"`
	TickRows  int64                  `json:"tick_rows"`
	Candles   int64                  `json:"candle_rows"`
}

func (h *PipelineHandler) Stats(c echo.Context) error {
	start := time.Now()
	endpoint := "stats"
	defer func() { metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	ctx := c.Request().Context()
	res := &statsResponse{
		Buffer:    h.buffer.Stats(),
		Collector: h.collector.Stats(),
	}

	if n, err := h.ticks.CountTicks(ctx); err == nil {
		res.TickRows = n
	} else {
		metrics.APIErrors.WithLabelValues(endpoint).Inc()
		h.logger.Warn("stats tick count error", xlogger.Error(err))
	}
	if n, err := h.candleSt.CountCandles(ctx); err == nil {
		res.Candles = n
	} else {
		h.logger.Warn("stats candle count error", xlogger.Error(err))
	}

	return xhttp.SuccessResponse(c, res)
}

func (h *PipelineHandler) Flush(c echo.Context) error {
	if !h.rl.Allow(c.RealIP()+":flush", 5, 1) {
		return xhttp.DataResponse(c, http.StatusTooManyRequests, "rate limited")
	}
	n := h.buffer.Flush(c.Request().Context())
	return xhttp.SuccessResponse(c, map[string]int{"flushed": n})
}

func (h *PipelineHandler) Retention(c echo.Context) error {
	if !h.rl.Allow(c.RealIP()+":retention", 2, 0.5) {
		return xhttp.DataResponse(c, http.StatusTooManyRequests, "rate limited")
	}
	res := h.buffer.RunRetention(c.Request().Context())
	return xhttp.SuccessResponse(c, res)
}

func (h *PipelineHandler) Resample(c echo.Context) error {
	start := time.Now()
	endpoint := "resample"
	defer func() { metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	if !h.rl.Allow(c.RealIP()+":resample", 3, 1) {
		return xhttp.DataResponse(c, http.StatusTooManyRequests, "rate limited")
	}

	req := &models.ResampleRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	startMs, endMs, err := util.ParseRangeMs(req.From, req.To)
	if err != nil {
		return xhttp.BadRequestResponse(c, xhttp.BadRequestError(err.Error()))
	}
	iv := domrepo.NormalizeInterval(req.Interval)

	res, err := h.candles.GetCandles(c.Request().Context(), usecase.GetCandlesParams{
		Symbol:   req.Symbol,
		Interval: iv,
		StartMs:  startMs,
		EndMs:    endMs,
		Force:    req.Force,
	})
	if err != nil {
		metrics.APIErrors.WithLabelValues(endpoint).Inc()
		h.logger.Error("resample usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}

	// Drop any stale cached reads for the symbol after a forced rebuild.
	if h.cache != nil && req.Force {
		if err := h.cache.DeleteByPattern(c.Request().Context(), xcache.BuildPattern("candles:"+req.Symbol+":")); err != nil {
			h.logger.Warn("resample cache invalidate error", xlogger.Error(err))
		}
	}

	return xhttp.SuccessResponse(c, map[string]interface{}{
		"symbol":   res.Symbol,
		"interval": res.Interval,
		"buckets":  res.Count,
	})
}

func (h *PipelineHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status":         "ok",
		"push_connected": h.collector.Stats().PushConnected,
		"poll_mode":      string(h.collector.Mode()),
	}
	if err := h.ticks.Health(ctx); err != nil {
		status["status"] = "degraded"
		status["store"] = err.Error()
	}
	return xhttp.SuccessResponse(c, status)
}
