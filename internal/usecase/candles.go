package usecase

import (
	"context"
	"fmt"

	"TickMill/internal/domain/models"
	domrepo "TickMill/internal/domain/repository"
)

// CandlesUseCase provides business logic for retrieving candles.
type CandlesUseCase struct {
	resampler *Resampler
}

func NewCandlesUseCase(resampler *Resampler) *CandlesUseCase {
	return &CandlesUseCase{resampler: resampler}
}

type GetCandlesParams struct {
	Symbol   string
	Interval domrepo.Interval
	StartMs  int64
	EndMs    int64
	Force    bool
	Limit    int
}

type GetCandlesResult struct {
	Symbol   string                 `json:"symbol"`
	Interval string                 `json:"interval"`
	StartMs  int64                  `json:"start_ms"`
	EndMs    int64                  `json:"end_ms"`
	Count    int                    `json:"count"`
	Candles  []*models.CandleBucket `json:"candles"`
}

func (uc *CandlesUseCase) GetCandles(ctx context.Context, p GetCandlesParams) (*GetCandlesResult, error) {
	if p.Symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	if p.StartMs > p.EndMs {
		return nil, fmt.Errorf("start must be <= end")
	}
	if p.Limit <= 0 {
		p.Limit = 10000
	}
	if p.Limit > 50000 {
		p.Limit = 50000
	}

	candles, err := uc.resampler.Candles(ctx, p.Symbol, p.Interval, p.StartMs, p.EndMs, p.Force)
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	if len(candles) > p.Limit {
		candles = candles[:p.Limit]
	}

	return &GetCandlesResult{
		Symbol:   p.Symbol,
		Interval: string(p.Interval),
		StartMs:  p.StartMs,
		EndMs:    p.EndMs,
		Count:    len(candles),
		Candles:  candles,
	}, nil
}
