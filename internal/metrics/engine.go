// Package metrics derives per-ticker snapshot rows from the raw data cache.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"KRScreener/internal/common"
	"KRScreener/internal/model"
	"KRScreener/internal/store"
)

// DefaultLookbackBars covers the longest window (252 returns need 253 closes)
// with room for Wilder smoothing to settle.
const DefaultLookbackBars = 400

// ErrNoBars is returned when no ticker has a bar on the requested as-of date.
var ErrNoBars = errors.New("no price bars on as-of date")

// Engine computes snapshots from cached data only. It never fetches.
type Engine struct {
	store   *store.Store
	workers int
	logger  *common.Logger
}

// NewEngine creates an Engine. workers <= 0 uses GOMAXPROCS.
func NewEngine(st *store.Store, workers int, logger *common.Logger) *Engine {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{store: st, workers: workers, logger: logger}
}

// Compute returns the snapshot rows of asOf sorted by ticker. Only data dated
// on or before asOf is read, so the same cache yields the same rows.
func (e *Engine) Compute(ctx context.Context, asOf time.Time, lookbackBars int) ([]model.SnapshotRow, error) {
	asOf = model.Day(asOf)
	if lookbackBars <= 0 {
		lookbackBars = DefaultLookbackBars
	}
	start := time.Now()

	window, err := e.store.ReadPriceWindow(ctx, asOf, lookbackBars)
	if err != nil {
		return nil, fmt.Errorf("read price window: %w", err)
	}
	fundRange := model.NewDateRange(asOf.AddDate(-fundamentalsYears, 0, 0), asOf)
	fundList, err := e.store.ReadFundamentals(ctx, nil, fundRange)
	if err != nil {
		return nil, fmt.Errorf("read fundamentals: %w", err)
	}
	funds := make(map[string][]model.FundamentalPoint)
	for _, f := range fundList {
		funds[f.Ticker] = append(funds[f.Ticker], f)
	}
	master, err := e.store.ListTickers(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("read tickers: %w", err)
	}
	info := make(map[string]model.Ticker, len(master))
	for _, t := range master {
		info[t.Code] = t
	}

	codes := make([]string, 0, len(window))
	for code := range window {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	results := make([]*model.SnapshotRow, len(codes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, code := range codes {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, ok := info[code]
			if !ok {
				t = model.Ticker{Code: code}
			}
			if row, ok := ComputeRow(asOf, t, window[code], funds[code]); ok {
				results[i] = &row
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute snapshot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("compute snapshot: %w", err)
	}

	rows := make([]model.SnapshotRow, 0, len(codes))
	for _, r := range results {
		if r != nil {
			rows = append(rows, *r)
		}
	}

	e.logger.Info().Str("asof", model.FormatDate(asOf)).
		Int("tickers", len(codes)).Int("rows", len(rows)).
		Dur("elapsed", time.Since(start)).Msg("snapshot computed")
	return rows, nil
}
