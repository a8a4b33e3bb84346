package collector

import (
	"context"
	"math"
	"sync"

	"github.com/guregu/null/v6"

	"KRScreener/internal/model"
)

// MockFetcher returns controllable fixed data for development and testing.
// Tickers without explicit Prices get a synthetic series around BasePrice.
type MockFetcher struct {
	Listing      map[string][]model.Ticker
	Prices       map[string][]model.PricePoint
	Fundamentals map[string][]model.FundamentalPoint
	BasePrice    float64

	// Errors maps a ticker to the error returned for it; FailTimes limits
	// how many calls fail before the data is served.
	Errors    map[string]error
	FailTimes map[string]int

	mu    sync.Mutex
	calls map[string]int
}

func (m *MockFetcher) Name() string { return "mock" }

// Calls returns how many fetch calls hit ticker.
func (m *MockFetcher) Calls(ticker string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[ticker]
}

func (m *MockFetcher) Tickers(_ context.Context, market string) ([]model.Ticker, error) {
	return m.Listing[market], nil
}

func (m *MockFetcher) FetchPrices(ctx context.Context, ticker string, r model.DateRange) ([]model.PricePoint, error) {
	if err := m.hit(ctx, ticker); err != nil {
		return nil, err
	}
	src, ok := m.Prices[ticker]
	if !ok {
		return generateMockBars(ticker, m.BasePrice, r), nil
	}
	var out []model.PricePoint
	for _, p := range src {
		if r.Contains(p.Date) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockFetcher) FetchFundamentals(ctx context.Context, ticker string, r model.DateRange) ([]model.FundamentalPoint, error) {
	if err := m.hit(ctx, ticker); err != nil {
		return nil, err
	}
	var out []model.FundamentalPoint
	for _, p := range m.Fundamentals[ticker] {
		if r.Contains(p.Date) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockFetcher) hit(ctx context.Context, ticker string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[ticker]++

	err, ok := m.Errors[ticker]
	if !ok {
		return nil
	}
	if limit, limited := m.FailTimes[ticker]; limited && m.calls[ticker] > limit {
		return nil
	}
	return err
}

func generateMockBars(ticker string, basePrice float64, r model.DateRange) []model.PricePoint {
	if basePrice <= 0 {
		basePrice = 10000
	}
	days := r.Weekdays()
	bars := make([]model.PricePoint, len(days))
	for i, d := range days {
		p := basePrice * (1 + 0.05*math.Sin(float64(i)/10))
		bars[i] = model.PricePoint{
			Ticker:    ticker,
			Date:      d,
			Open:      p * 0.999,
			High:      p * 1.005,
			Low:       p * 0.995,
			Close:     p,
			Volume:    1000000,
			Value:     null.FloatFrom(p * 1000000),
			MarketCap: null.FloatFrom(p * 1e8),
			Shares:    null.FloatFrom(1e8),
		}
	}
	return bars
}

// NewDemoFetcher returns a MockFetcher listing a handful of large caps with
// synthetic prices, for running the service without a bridge.
func NewDemoFetcher() *MockFetcher {
	return &MockFetcher{
		Listing: map[string][]model.Ticker{
			model.MarketKOSPI: {
				{Code: "005930", Name: "삼성전자", Market: model.MarketKOSPI, Active: true},
				{Code: "000660", Name: "SK하이닉스", Market: model.MarketKOSPI, Active: true},
				{Code: "005380", Name: "현대차", Market: model.MarketKOSPI, Active: true},
			},
			model.MarketKOSDAQ: {
				{Code: "247540", Name: "에코프로비엠", Market: model.MarketKOSDAQ, Active: true},
				{Code: "086520", Name: "에코프로", Market: model.MarketKOSDAQ, Active: true},
			},
		},
		BasePrice: 50000,
	}
}
