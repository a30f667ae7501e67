package pollsource

import (
	"context"
	"fmt"
	"time"

	"TickMill/internal/domain/models"
	drepo "TickMill/internal/domain/repository"
	pkghttp "TickMill/pkg/http"
	"TickMill/pkg/util"
)

// Client implements QuoteSource over the REST quote endpoint. The collector
// drives it on the poll schedule; one call fetches one symbol.
type Client struct {
	baseURL string
	apiKey  string
	http    *pkghttp.Client
	now     func() time.Time
}

// New creates a REST QuoteSource.
func New(baseURL, apiKey string, timeout time.Duration) drepo.QuoteSource {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    pkghttp.NewClient(pkghttp.WithTimeout(timeout)),
		now:     time.Now,
	}
}

// quoteResponse mirrors the upstream quote schema: c is the current price,
// t the quote time in epoch seconds.
type quoteResponse struct {
	Current float64 `json:"c"`
	Time    float64 `json:"t"`
}

// Quote fetches the latest quote for symbol as a poll-sourced tick.
func (c *Client) Quote(ctx context.Context, symbol string) (*models.Tick, error) {
	var q quoteResponse
	err := c.http.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method: pkghttp.MethodGet,
		URL:    c.baseURL + "/quote",
		QueryParams: map[string][]string{
			"symbol": {symbol},
			"token":  {c.apiKey},
		},
	}, &q)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", symbol, err)
	}

	if q.Current == 0 && q.Time == 0 {
		return nil, fmt.Errorf("quote %s: empty response", symbol)
	}

	tsMs, err := util.ToEpochMs(q.Time)
	if err != nil || tsMs <= 0 {
		// Some quotes omit the time field; stamp locally rather than drop.
		tsMs = c.now().UnixMilli()
	}

	return &models.Tick{
		Symbol:      symbol,
		TimestampMs: tsMs,
		Price:       q.Current,
		Source:      models.SourcePoll,
	}, nil
}
