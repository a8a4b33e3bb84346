package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"KRScreener/internal/common"
	"KRScreener/internal/model"
	"KRScreener/internal/store"
)

// SnapshotBuilder recomputes and stores the snapshot of one as-of date.
type SnapshotBuilder interface {
	Rebuild(ctx context.Context, asOf time.Time) (int, error)
}

// Options tunes a collection run.
type Options struct {
	Markets          []string
	LookbackBars     int           // price bars needed per ticker; fetched over twice as many calendar days
	FundamentalYears int           // fundamental history kept for growth anchors
	Attempts         int           // fetch attempts per range on ErrSourceUnavailable
	RetryBackoff     time.Duration // first backoff; doubles per attempt
}

// DefaultOptions mirrors the collection defaults of the config package.
func DefaultOptions() Options {
	return Options{
		Markets:          []string{model.MarketKOSPI, model.MarketKOSDAQ},
		LookbackBars:     400,
		FundamentalYears: 6,
		Attempts:         3,
		RetryBackoff:     500 * time.Millisecond,
	}
}

// Collector fills the raw data cache from a Fetcher and optionally rebuilds
// the snapshot afterwards. Only ranges the cache reports missing are fetched.
type Collector struct {
	fetcher Fetcher
	store   *store.Store
	builder SnapshotBuilder
	opts    Options
	logger  *common.Logger
}

// NewCollector creates a new Collector. builder may be nil to skip the snapshot stage.
func NewCollector(fetcher Fetcher, st *store.Store, builder SnapshotBuilder, opts Options, logger *common.Logger) *Collector {
	def := DefaultOptions()
	if len(opts.Markets) == 0 {
		opts.Markets = def.Markets
	}
	if opts.LookbackBars <= 0 {
		opts.LookbackBars = def.LookbackBars
	}
	if opts.FundamentalYears <= 0 {
		opts.FundamentalYears = def.FundamentalYears
	}
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	return &Collector{fetcher: fetcher, store: st, builder: builder, opts: opts, logger: logger}
}

// Run collects tickers, prices and fundamentals up to asOf, then rebuilds the
// snapshot of the latest trading day not after asOf. Per-ticker failures are
// reported in the result; cancellation stops between tickers and returns the
// partial result with the context error.
func (c *Collector) Run(ctx context.Context, asOf time.Time) (*model.BatchResult, error) {
	start := time.Now()
	asOf = model.Day(asOf)
	res := &model.BatchResult{RunID: uuid.NewString(), AsOf: asOf}
	defer func() { res.Elapsed = time.Since(start) }()

	c.logger.Info().Str("run_id", res.RunID).Str("asof", model.FormatDate(asOf)).
		Str("source", c.fetcher.Name()).Msg("collection started")

	if err := ctx.Err(); err != nil {
		return c.finish(res, fmt.Errorf("collection: %w", err))
	}
	tickers, err := c.collectTickers(ctx, res)
	if err != nil {
		return c.finish(res, err)
	}
	res.Tickers = len(tickers)

	priceRange := model.NewDateRange(asOf.AddDate(0, 0, -2*c.opts.LookbackBars), asOf)
	res.PriceRows, err = c.collectKind(ctx, res, model.KindPrices, tickers, priceRange)
	if err != nil {
		return c.finish(res, err)
	}

	fundRange := model.NewDateRange(asOf.AddDate(-c.opts.FundamentalYears, 0, 0), asOf)
	res.FundamentalRows, err = c.collectKind(ctx, res, model.KindFundamentals, tickers, fundRange)
	if err != nil {
		return c.finish(res, err)
	}

	if c.builder != nil {
		if err := c.rebuild(ctx, res); err != nil {
			return c.finish(res, err)
		}
	}
	return c.finish(res, nil)
}

func (c *Collector) finish(res *model.BatchResult, err error) (*model.BatchResult, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.Cancelled = true
	}
	ev := c.logger.Info()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Str("run_id", res.RunID).
		Int("tickers", res.Tickers).
		Int("price_rows", res.PriceRows).
		Int("fundamental_rows", res.FundamentalRows).
		Int("snapshot_rows", res.SnapshotRows).
		Int("skipped", len(res.SkippedTickers)).
		Int("failed", len(res.FailedTickers)).
		Bool("cancelled", res.Cancelled).
		Msg("collection finished")
	return res, err
}

func (c *Collector) collectTickers(ctx context.Context, res *model.BatchResult) ([]string, error) {
	c.startStage(ctx, res.RunID, model.StageTickers)

	var listing []model.Ticker
	var fetchErr error
	for _, market := range c.opts.Markets {
		var got []model.Ticker
		err := c.withRetry(ctx, "tickers "+market, func() error {
			var err error
			got, err = c.fetcher.Tickers(ctx, market)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				c.finishStage(ctx, res.RunID, model.StageTickers, model.JobCancelled, err.Error(), 0)
				return nil, fmt.Errorf("fetch tickers: %w", ctx.Err())
			}
			c.logger.Warn().Err(err).Str("market", market).Msg("ticker listing failed")
			fetchErr = err
			continue
		}
		listing = append(listing, got...)
	}

	if len(listing) > 0 {
		if _, err := c.store.UpsertTickers(ctx, listing); err != nil {
			c.finishStage(ctx, res.RunID, model.StageTickers, model.JobFailed, err.Error(), 0)
			return nil, fmt.Errorf("store tickers: %w", err)
		}
	}

	// A failed listing falls back to the cached ticker master.
	master, err := c.store.ListTickers(ctx, true)
	if err != nil {
		c.finishStage(ctx, res.RunID, model.StageTickers, model.JobFailed, err.Error(), 0)
		return nil, fmt.Errorf("list tickers: %w", err)
	}
	if len(master) == 0 {
		if fetchErr == nil {
			fetchErr = errors.New("no tickers listed")
		}
		c.finishStage(ctx, res.RunID, model.StageTickers, model.JobFailed, fetchErr.Error(), 0)
		return nil, fmt.Errorf("fetch tickers: %w", fetchErr)
	}

	status := model.JobSucceeded
	msg := ""
	if fetchErr != nil {
		status, msg = model.JobPartial, fetchErr.Error()
	}
	c.finishStage(ctx, res.RunID, model.StageTickers, status, msg, len(listing))

	codes := make([]string, len(master))
	for i, t := range master {
		codes[i] = t.Code
	}
	return codes, nil
}

// collectKind fetches every missing range of kind for tickers inside r.
func (c *Collector) collectKind(ctx context.Context, res *model.BatchResult, kind model.DataKind, tickers []string, r model.DateRange) (int, error) {
	stage := model.StagePrices
	if kind == model.KindFundamentals {
		stage = model.StageFundamentals
	}
	c.startStage(ctx, res.RunID, stage)

	missing, err := c.store.MissingRanges(ctx, kind, tickers, r)
	if err != nil {
		c.finishStage(ctx, res.RunID, stage, model.JobFailed, err.Error(), 0)
		return 0, fmt.Errorf("missing %s ranges: %w", kind, err)
	}
	// Days after the newest published date stay uncovered, so a run before
	// the source publishes a day does not record that day as collected.
	published, err := c.store.LatestDate(ctx, kind)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.finishStage(ctx, res.RunID, stage, model.JobFailed, err.Error(), 0)
		return 0, fmt.Errorf("latest %s date: %w", kind, err)
	}

	byTicker := make(map[string][]model.DateRange)
	var order []string
	for _, m := range missing {
		if _, seen := byTicker[m.Ticker]; !seen {
			order = append(order, m.Ticker)
		}
		byTicker[m.Ticker] = append(byTicker[m.Ticker], m.Range)
	}

	c.logger.Info().Str("stage", stage).Int("tickers", len(order)).Int("ranges", len(missing)).
		Str("range", r.String()).Msg("fetching missing ranges")

	rows, failed := 0, 0
	for i, ticker := range order {
		if err := ctx.Err(); err != nil {
			c.finishStage(ctx, res.RunID, stage, model.JobCancelled, "cancelled", rows)
			return rows, fmt.Errorf("%s collection: %w", kind, err)
		}
		n, err := c.collectTicker(ctx, kind, ticker, byTicker[ticker], &published)
		rows += n
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidTicker):
			c.logger.Warn().Str("ticker", ticker).Str("stage", stage).Msg("ticker unknown to source, skipped")
			res.SkippedTickers = appendUnique(res.SkippedTickers, ticker)
		case ctx.Err() != nil:
			c.finishStage(ctx, res.RunID, stage, model.JobCancelled, "cancelled", rows)
			return rows, fmt.Errorf("%s collection: %w", kind, ctx.Err())
		default:
			c.logger.Warn().Err(err).Str("ticker", ticker).Str("stage", stage).Msg("ticker collection failed")
			res.FailedTickers = appendUnique(res.FailedTickers, ticker)
			failed++
		}
		if (i+1)%100 == 0 {
			c.logger.Info().Str("stage", stage).Int("done", i+1).Int("total", len(order)).Msg("collection progress")
		}
	}

	status, msg := model.JobSucceeded, ""
	if failed > 0 {
		status, msg = model.JobPartial, fmt.Sprintf("%d tickers failed", failed)
	}
	c.finishStage(ctx, res.RunID, stage, status, msg, rows)
	return rows, nil
}

// collectTicker fetches ranges for ticker. published is the newest date the
// source is known to have data for; it is advanced by what the fetches return
// and bounds the coverage recorded for each range.
func (c *Collector) collectTicker(ctx context.Context, kind model.DataKind, ticker string, ranges []model.DateRange, published *time.Time) (int, error) {
	rows := 0
	for _, r := range ranges {
		switch kind {
		case model.KindPrices:
			var points []model.PricePoint
			err := c.withRetry(ctx, "prices "+ticker, func() error {
				var err error
				points, err = c.fetcher.FetchPrices(ctx, ticker, r)
				return err
			})
			if err != nil {
				return rows, err
			}
			for _, p := range points {
				advance(published, p.Date)
			}
			if err := c.store.StorePrices(ctx, ticker, publishedPart(r, *published), points); err != nil {
				return rows, err
			}
			rows += len(points)
		case model.KindFundamentals:
			var points []model.FundamentalPoint
			err := c.withRetry(ctx, "fundamentals "+ticker, func() error {
				var err error
				points, err = c.fetcher.FetchFundamentals(ctx, ticker, r)
				return err
			})
			if err != nil {
				return rows, err
			}
			for _, p := range points {
				advance(published, p.Date)
			}
			if err := c.store.StoreFundamentals(ctx, ticker, publishedPart(r, *published), points); err != nil {
				return rows, err
			}
			rows += len(points)
		}
	}
	return rows, nil
}

func (c *Collector) rebuild(ctx context.Context, res *model.BatchResult) error {
	c.startStage(ctx, res.RunID, model.StageSnapshot)

	snapDate := res.AsOf
	latest, err := c.store.LatestPriceDate(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.finishStage(ctx, res.RunID, model.StageSnapshot, model.JobFailed, "no price data", 0)
		return fmt.Errorf("rebuild snapshot: %w", err)
	case err != nil:
		c.finishStage(ctx, res.RunID, model.StageSnapshot, model.JobFailed, err.Error(), 0)
		return fmt.Errorf("rebuild snapshot: %w", err)
	case latest.Before(snapDate):
		snapDate = latest
	}

	n, err := c.builder.Rebuild(ctx, snapDate)
	if err != nil {
		status := model.JobFailed
		if ctx.Err() != nil {
			status = model.JobCancelled
		}
		c.finishStage(ctx, res.RunID, model.StageSnapshot, status, err.Error(), 0)
		return fmt.Errorf("rebuild snapshot %s: %w", model.FormatDate(snapDate), err)
	}
	res.SnapshotRows = n
	c.finishStage(ctx, res.RunID, model.StageSnapshot, model.JobSucceeded, model.FormatDate(snapDate), n)
	return nil
}

// withRetry retries fn with exponential backoff while it fails with ErrSourceUnavailable.
func (c *Collector) withRetry(ctx context.Context, what string, fn func() error) error {
	var lastErr error
	for i := 0; i < c.opts.Attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrSourceUnavailable) {
			return err
		}
		lastErr = err
		if i == c.opts.Attempts-1 {
			break
		}
		backoff := c.opts.RetryBackoff * time.Duration(1<<uint(i))
		c.logger.Warn().Err(err).Str("what", what).Int("attempt", i+1).Dur("backoff", backoff).Msg("fetch failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", c.opts.Attempts, lastErr)
}

// Job log writes must land even after cancellation.
func (c *Collector) startStage(ctx context.Context, runID, stage string) {
	if err := c.store.StartStage(context.WithoutCancel(ctx), runID, stage); err != nil {
		c.logger.Error().Err(err).Str("stage", stage).Msg("job log start failed")
	}
}

func (c *Collector) finishStage(ctx context.Context, runID, stage, status, msg string, rows int) {
	if err := c.store.FinishStage(context.WithoutCancel(ctx), runID, stage, status, msg, rows); err != nil {
		c.logger.Error().Err(err).Str("stage", stage).Msg("job log finish failed")
	}
}

func advance(published *time.Time, d time.Time) {
	if d = model.Day(d); d.After(*published) {
		*published = d
	}
}

// publishedPart clips r to the days on or before published. The result is
// empty when nothing in r has been published yet.
func publishedPart(r model.DateRange, published time.Time) model.DateRange {
	if published.Before(r.To) {
		r.To = published
	}
	return r
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
