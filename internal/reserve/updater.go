package reserve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"KRScreener/internal/common"
	"KRScreener/internal/model"
	"KRScreener/internal/store"
)

const (
	DefaultWorkers = 8

	progressEvery    = 50
	maxIssueExamples = 5
	previewChars     = 120
)

// Result counts the outcome of one crawl.
type Result struct {
	Ratios       map[string]float64
	Total        int
	FetchFailed  int
	NoData       int
	ParseErrors  int
	ParseSamples []string
}

// Updater crawls reserve ratios and stores them on the latest fundamental row.
type Updater struct {
	source     PageSource
	store      *store.Store
	workers    int
	samplePath string
	logger     *common.Logger
	now        func() time.Time
}

// NewUpdater creates an updater. samplePath, when set, receives the first
// page that could not be parsed.
func NewUpdater(source PageSource, st *store.Store, workers int, samplePath string, logger *common.Logger) *Updater {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Updater{
		source:     source,
		store:      st,
		workers:    workers,
		samplePath: samplePath,
		logger:     logger.Component("reserve"),
		now:        time.Now,
	}
}

// UpdateReserveRatios crawls tickers (every active ticker when empty) and
// writes the parsed ratios. It returns the number of fundamental rows updated.
func (u *Updater) UpdateReserveRatios(ctx context.Context, tickers []string) (int, error) {
	if len(tickers) == 0 {
		master, err := u.store.ListTickers(ctx, true)
		if err != nil {
			return 0, fmt.Errorf("list tickers: %w", err)
		}
		for _, t := range master {
			tickers = append(tickers, t.Code)
		}
	}

	runID := uuid.NewString()
	jobCtx := context.WithoutCancel(ctx)
	if err := u.store.StartStage(jobCtx, runID, model.StageReserveRatio); err != nil {
		u.logger.Warn().Err(err).Msg("failed to record job start")
	}

	res, err := u.Crawl(ctx, tickers)
	if err != nil {
		u.finish(jobCtx, runID, model.JobCancelled, err.Error(), 0)
		return 0, err
	}

	n, err := u.store.UpdateReserveRatios(ctx, model.Day(u.now()), res.Ratios)
	if err != nil {
		u.finish(jobCtx, runID, model.JobFailed, err.Error(), 0)
		return 0, fmt.Errorf("store reserve ratios: %w", err)
	}

	status := model.JobSucceeded
	if res.FetchFailed+res.ParseErrors > 0 {
		status = model.JobPartial
	}
	msg := fmt.Sprintf("parsed=%d fetch_fail=%d no_data=%d parse_error=%d", len(res.Ratios), res.FetchFailed, res.NoData, res.ParseErrors)
	u.finish(jobCtx, runID, status, msg, n)
	return n, nil
}

// Crawl fetches and parses every ticker with a bounded worker pool.
// Per-ticker failures are counted, not returned.
func (u *Updater) Crawl(ctx context.Context, tickers []string) (*Result, error) {
	res := &Result{Ratios: make(map[string]float64), Total: len(tickers)}
	u.logger.Info().Int("tickers", len(tickers)).Msg("starting reserve-ratio crawl")

	var (
		mu          sync.Mutex
		done        int
		sampleSaved bool
		started     = time.Now()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.workers)
	for _, ticker := range tickers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ratio, status, page := u.collectOne(gctx, ticker)
			if ctxErr := gctx.Err(); ctxErr != nil && status == StatusFetchFail {
				return ctxErr
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			switch status {
			case StatusSuccess:
				res.Ratios[ticker] = ratio
			case StatusFetchFail:
				res.FetchFailed++
			case StatusNoData:
				res.NoData++
			case StatusParseError, StatusMarkerMissing:
				res.ParseErrors++
				if len(res.ParseSamples) < maxIssueExamples {
					res.ParseSamples = append(res.ParseSamples, ticker)
					u.logger.Warn().Str("ticker", ticker).Str("status", string(status)).
						Str("preview", preview(page)).Msg("reserve-ratio parse issue")
				}
				if !sampleSaved && u.samplePath != "" {
					sampleSaved = true
					u.saveSample(ticker, page)
				}
			}
			if done%progressEvery == 0 || done == res.Total {
				u.logProgress(res, done, started)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	u.logger.Info().Int("total", res.Total).Int("success", len(res.Ratios)).
		Int("fetch_fail", res.FetchFailed).Int("no_data", res.NoData).
		Int("parse_error", res.ParseErrors).Msg("reserve-ratio crawl completed")
	return res, nil
}

func (u *Updater) collectOne(ctx context.Context, ticker string) (float64, Status, string) {
	page, err := u.source.FetchPage(ctx, ticker)
	if err != nil {
		u.logger.Warn().Str("ticker", ticker).Err(err).Msg("reserve page unavailable")
		return 0, StatusFetchFail, ""
	}
	if page == "" {
		return 0, StatusFetchFail, ""
	}
	v, status := Extract(page)
	return v, status, page
}

func (u *Updater) logProgress(res *Result, done int, started time.Time) {
	elapsed := time.Since(started)
	var eta time.Duration
	if done > 0 {
		eta = elapsed / time.Duration(done) * time.Duration(res.Total-done)
	}
	u.logger.Info().Int("done", done).Int("total", res.Total).
		Int("success", len(res.Ratios)).Int("fetch_fail", res.FetchFailed).
		Int("no_data", res.NoData).Int("parse_error", res.ParseErrors).
		Dur("elapsed", elapsed).Dur("eta", eta).Msg("reserve-ratio crawl progress")
}

func (u *Updater) saveSample(ticker, page string) {
	if err := os.MkdirAll(filepath.Dir(u.samplePath), 0o755); err != nil {
		u.logger.Warn().Err(err).Msg("failed to create sample dir")
		return
	}
	body := fmt.Sprintf("<!-- ticker=%s -->\n%s", ticker, page)
	if err := os.WriteFile(u.samplePath, []byte(body), 0o644); err != nil {
		u.logger.Warn().Err(err).Msg("failed to save parse-miss sample")
		return
	}
	u.logger.Warn().Str("path", u.samplePath).Msg("saved parse-miss html sample")
}

func (u *Updater) finish(ctx context.Context, runID, status, msg string, rows int) {
	if err := u.store.FinishStage(ctx, runID, model.StageReserveRatio, status, msg, rows); err != nil {
		u.logger.Warn().Err(err).Msg("failed to record job finish")
	}
}

func preview(page string) string {
	compact := whitespace.ReplaceAllString(page, " ")
	if r := []rune(compact); len(r) > previewChars {
		return string(r[:previewChars])
	}
	return compact
}
