package reserve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/time/rate"

	"KRScreener/internal/common"
)

const (
	DefaultBaseURL      = "https://navercomp.wisereport.co.kr/v2/company/cF1001.aspx"
	DefaultCrawlTimeout = 8 * time.Second
	DefaultRetries      = 3
	DefaultRetryBackoff = 500 * time.Millisecond
	DefaultCrawlRate    = 4 // requests per second

	maxPageBytes = 4 << 20
)

var (
	// ErrBlocked is returned when the site answers with an anti-automation page.
	ErrBlocked = errors.New("blocked response")

	blockedMarkers = []string{"비정상적인 접근", "접근이 제한", "Access Denied", "자동화된 요청"}
)

// PageSource returns the financial summary page of a ticker.
type PageSource interface {
	FetchPage(ctx context.Context, ticker string) (string, error)
}

// Crawler fetches company summary pages over HTTP.
type Crawler struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	retries int
	backoff time.Duration
	logger  *common.Logger
}

// CrawlerOption configures a Crawler.
type CrawlerOption func(*Crawler)

// WithBaseURL overrides the page endpoint.
func WithBaseURL(u string) CrawlerOption {
	return func(c *Crawler) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithRetries sets the attempts per page and the first backoff delay.
func WithRetries(attempts int, backoff time.Duration) CrawlerOption {
	return func(c *Crawler) {
		if attempts > 0 {
			c.retries = attempts
		}
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// WithCrawlTimeout sets the per-request timeout.
func WithCrawlTimeout(d time.Duration) CrawlerOption {
	return func(c *Crawler) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithCrawlRate caps requests per second.
func WithCrawlRate(perSecond int) CrawlerOption {
	return func(c *Crawler) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		}
	}
}

// WithCrawlProxy routes requests through proxyURL. Invalid URLs are ignored.
func WithCrawlProxy(proxyURL string) CrawlerOption {
	return func(c *Crawler) {
		if proxyURL == "" {
			return
		}
		if u, err := url.Parse(proxyURL); err == nil {
			c.client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
		}
	}
}

// WithCrawlLogger sets the logger.
func WithCrawlLogger(logger *common.Logger) CrawlerOption {
	return func(c *Crawler) { c.logger = logger }
}

// NewCrawler creates a crawler with defaults overridden by opts.
func NewCrawler(opts ...CrawlerOption) *Crawler {
	c := &Crawler{
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: DefaultCrawlTimeout},
		limiter: rate.NewLimiter(rate.Limit(DefaultCrawlRate), DefaultCrawlRate),
		retries: DefaultRetries,
		backoff: DefaultRetryBackoff,
		logger:  common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage downloads and decodes the page of ticker. Network failures and
// blocked responses are retried with exponential backoff.
func (c *Crawler) FetchPage(ctx context.Context, ticker string) (string, error) {
	var lastErr error
	for i := 0; i < c.retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff * time.Duration(1<<(i-1))):
			}
		}

		page, err := c.fetchOnce(ctx, ticker)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		c.logger.Debug().Str("ticker", ticker).Int("attempt", i+1).Err(err).Msg("reserve page fetch failed")
	}
	return "", fmt.Errorf("fetch reserve page %s: %w", ticker, lastErr)
}

func (c *Crawler) fetchOnce(ctx context.Context, ticker string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	q := url.Values{"cmp_cd": {ticker}, "fin_typ": {"0"}, "freq_typ": {"Y"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Referer", "https://finance.naver.com/item/main.naver?code="+ticker)
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	page := decodePage(raw, resp.Header.Get("Content-Type"))
	if isBlocked(page) {
		return "", ErrBlocked
	}
	return page, nil
}

// decodePage tries the declared charset, then UTF-8, then EUC-KR (CP949).
func decodePage(raw []byte, contentType string) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := strings.ToLower(params["charset"]); cs != "" && cs != "utf-8" && cs != "utf8" {
			if enc, err := htmlindex.Get(cs); err == nil {
				if out, err := enc.NewDecoder().Bytes(raw); err == nil {
					return string(out)
				}
			}
		}
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	if out, err := korean.EUCKR.NewDecoder().Bytes(raw); err == nil {
		return string(out)
	}
	return string(bytes.ToValidUTF8(raw, nil))
}

func isBlocked(page string) bool {
	for _, m := range blockedMarkers {
		if strings.Contains(page, m) {
			return true
		}
	}
	return false
}
