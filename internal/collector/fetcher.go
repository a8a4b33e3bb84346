package collector

import (
	"context"
	"errors"

	"KRScreener/internal/model"
)

var (
	// ErrSourceUnavailable marks transient upstream failures; callers retry with backoff.
	ErrSourceUnavailable = errors.New("data source unavailable")
	// ErrInvalidTicker marks tickers the source does not know; callers skip them.
	ErrInvalidTicker = errors.New("invalid ticker")
)

// Fetcher defines the interface for fetching market data.
type Fetcher interface {
	Tickers(ctx context.Context, market string) ([]model.Ticker, error)
	FetchPrices(ctx context.Context, ticker string, r model.DateRange) ([]model.PricePoint, error)
	FetchFundamentals(ctx context.Context, ticker string, r model.DateRange) ([]model.FundamentalPoint, error)
	Name() string
}
