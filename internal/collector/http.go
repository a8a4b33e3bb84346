package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"golang.org/x/time/rate"

	"KRScreener/internal/common"
	"KRScreener/internal/model"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second

	krxDateLayout = "20060102"
)

// HTTPFetcher implements Fetcher against a KRX market-data bridge that
// serves the exchange's daily OHLCV, market-cap and fundamental tables as JSON.
type HTTPFetcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *common.Logger
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(f *HTTPFetcher) { f.apiKey = key }
}

// WithProxy routes requests through proxyURL. Invalid URLs are ignored.
func WithProxy(proxyURL string) HTTPOption {
	return func(f *HTTPFetcher) {
		if proxyURL == "" {
			return
		}
		if u, err := url.Parse(proxyURL); err == nil {
			f.client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
		}
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(requestsPerSecond int) HTTPOption {
	return func(f *HTTPFetcher) {
		if requestsPerSecond > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		if timeout > 0 {
			f.client.Timeout = timeout
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *common.Logger) HTTPOption {
	return func(f *HTTPFetcher) { f.logger = logger }
}

// NewHTTPFetcher creates a fetcher for the bridge at baseURL.
func NewHTTPFetcher(baseURL string, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFetcher) Name() string { return "krx-bridge" }

type tickerDTO struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
	Market string `json:"market"`
}

type priceDTO struct {
	Date   string     `json:"date"`
	Open   float64    `json:"open"`
	High   float64    `json:"high"`
	Low    float64    `json:"low"`
	Close  float64    `json:"close"`
	Volume float64    `json:"volume"`
	Value  null.Float `json:"value"`
	MCap   null.Float `json:"mcap"`
	Shares null.Float `json:"shares"`
}

type fundamentalDTO struct {
	Date string     `json:"date"`
	PER  null.Float `json:"per"`
	PBR  null.Float `json:"pbr"`
	EPS  null.Float `json:"eps"`
	BPS  null.Float `json:"bps"`
	DIV  null.Float `json:"div"`
	DPS  null.Float `json:"dps"`
}

// Tickers lists the listed tickers of market.
func (f *HTTPFetcher) Tickers(ctx context.Context, market string) ([]model.Ticker, error) {
	q := url.Values{"market": {market}}
	var dtos []tickerDTO
	if err := f.get(ctx, "/tickers", q, &dtos); err != nil {
		return nil, fmt.Errorf("fetch %s tickers: %w", market, err)
	}
	out := make([]model.Ticker, 0, len(dtos))
	for _, d := range dtos {
		if d.Ticker == "" {
			continue
		}
		m := d.Market
		if m == "" {
			m = market
		}
		out = append(out, model.Ticker{Code: d.Ticker, Name: d.Name, Market: m, Active: true})
	}
	return out, nil
}

// FetchPrices returns the daily bars of ticker inside r in date order.
func (f *HTTPFetcher) FetchPrices(ctx context.Context, ticker string, r model.DateRange) ([]model.PricePoint, error) {
	var dtos []priceDTO
	if err := f.get(ctx, "/prices", rangeQuery(ticker, r), &dtos); err != nil {
		return nil, fmt.Errorf("fetch prices %s %s: %w", ticker, r, err)
	}
	out := make([]model.PricePoint, 0, len(dtos))
	for _, d := range dtos {
		day, err := parseWireDate(d.Date)
		if err != nil {
			return nil, fmt.Errorf("prices %s: %w", ticker, err)
		}
		// The exchange reports halted days as zero-close rows.
		if d.Close <= 0 || !r.Contains(day) {
			continue
		}
		out = append(out, model.PricePoint{
			Ticker: ticker, Date: day,
			Open: d.Open, High: d.High, Low: d.Low, Close: d.Close, Volume: d.Volume,
			Value: d.Value, MarketCap: d.MCap, Shares: d.Shares,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// FetchFundamentals returns the fundamental anchors of ticker inside r in date order.
func (f *HTTPFetcher) FetchFundamentals(ctx context.Context, ticker string, r model.DateRange) ([]model.FundamentalPoint, error) {
	var dtos []fundamentalDTO
	if err := f.get(ctx, "/fundamentals", rangeQuery(ticker, r), &dtos); err != nil {
		return nil, fmt.Errorf("fetch fundamentals %s %s: %w", ticker, r, err)
	}
	out := make([]model.FundamentalPoint, 0, len(dtos))
	for _, d := range dtos {
		day, err := parseWireDate(d.Date)
		if err != nil {
			return nil, fmt.Errorf("fundamentals %s: %w", ticker, err)
		}
		if !r.Contains(day) {
			continue
		}
		out = append(out, model.FundamentalPoint{
			Ticker: ticker, Date: day,
			PER: d.PER, PBR: d.PBR, EPS: d.EPS, BPS: d.BPS, DIV: d.DIV, DPS: d.DPS,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (f *HTTPFetcher) get(ctx context.Context, path string, q url.Values, dest any) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := f.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	f.logger.Debug().Str("path", path).Str("query", q.Encode()).Msg("bridge request")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrInvalidTicker
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d, body: %s", ErrSourceUnavailable, resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func rangeQuery(ticker string, r model.DateRange) url.Values {
	return url.Values{
		"ticker": {ticker},
		"from":   {r.From.Format(krxDateLayout)},
		"to":     {r.To.Format(krxDateLayout)},
	}
}

// parseWireDate accepts both YYYY-MM-DD and the exchange's YYYYMMDD.
func parseWireDate(s string) (time.Time, error) {
	if len(s) == len(krxDateLayout) {
		t, err := time.ParseInLocation(krxDateLayout, s, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, nil
	}
	return model.ParseDate(s)
}
