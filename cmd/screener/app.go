package main

import (
	"fmt"
	"os"
	"path/filepath"

	"KRScreener/internal/asof"
	"KRScreener/internal/collector"
	"KRScreener/internal/common"
	"KRScreener/internal/config"
	"KRScreener/internal/metrics"
	"KRScreener/internal/reserve"
	"KRScreener/internal/store"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *common.Logger
	store     *store.Store
	rebuilder *metrics.Rebuilder
	resolver  *asof.Resolver
	collector *collector.Collector
	updater   *reserve.Updater
}

func newApp(cfg *config.Config, logger *common.Logger) (*app, error) {
	if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(cfg.Database.SQLitePath, logger.Component("store"))
	if err != nil {
		return nil, err
	}

	engine := metrics.NewEngine(st, cfg.Snapshot.Workers, logger.Component("metrics"))
	rebuilder := metrics.NewRebuilder(engine, st, cfg.Snapshot.LookbackBars, logger.Component("metrics"))

	var builder asof.Builder
	if cfg.Snapshot.AutoRecompute {
		builder = rebuilder
	}
	resolver := asof.NewResolver(st, builder, logger.Component("asof"))

	fetcher := newFetcher(cfg, logger)
	logger.Info().Str("source", fetcher.Name()).Msg("data source ready")
	col := collector.NewCollector(fetcher, st, rebuilder, collector.Options{
		Markets:          cfg.Collection.Markets,
		LookbackBars:     cfg.Collection.LookbackBars,
		FundamentalYears: cfg.Collection.FundamentalYears,
		Attempts:         cfg.Collection.Attempts,
		RetryBackoff:     cfg.Collection.RetryBackoff,
	}, logger.Component("collector"))

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		rebuilder: rebuilder,
		resolver:  resolver,
		collector: col,
	}
	if cfg.ReserveRatio.Enabled {
		crawler := reserve.NewCrawler(
			reserve.WithBaseURL(cfg.ReserveRatio.BaseURL),
			reserve.WithRetries(cfg.ReserveRatio.Retries, cfg.ReserveRatio.RetryBackoff),
			reserve.WithCrawlTimeout(cfg.ReserveRatio.Timeout),
			reserve.WithCrawlRate(cfg.ReserveRatio.RateLimit),
			reserve.WithCrawlProxy(cfg.Proxy),
			reserve.WithCrawlLogger(logger.Component("crawler")),
		)
		a.updater = reserve.NewUpdater(crawler, st, cfg.ReserveRatio.Workers, cfg.ReserveRatio.SamplePath, logger)
	}
	return a, nil
}

func newFetcher(cfg *config.Config, logger *common.Logger) collector.Fetcher {
	if cfg.DataSource.Kind == "mock" {
		return collector.NewDemoFetcher()
	}
	return collector.NewHTTPFetcher(cfg.DataSource.BaseURL,
		collector.WithAPIKey(cfg.DataSource.APIKey),
		collector.WithProxy(cfg.Proxy),
		collector.WithRateLimit(cfg.DataSource.RateLimit),
		collector.WithTimeout(cfg.DataSource.Timeout),
		collector.WithHTTPLogger(logger.Component("fetcher")),
	)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close store")
	}
}
