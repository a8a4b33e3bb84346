// Package asof picks the snapshot date the screener evaluates against.
package asof

import (
	"context"
	"errors"
	"fmt"
	"time"

	"KRScreener/internal/common"
	"KRScreener/internal/model"
	"KRScreener/internal/store"
)

// ErrNoPriceData is returned when the cache holds no price bar at all.
var ErrNoPriceData = errors.New("no price data in cache")

// Status describes how a resolution was reached.
type Status string

const (
	StatusLatestTradingDayOK Status = "LATEST_TRADING_DAY_OK"
	StatusFallbackToSnapshot Status = "FALLBACK_TO_LATEST_SNAPSHOT"
	StatusAutoRecomputeFired Status = "AUTO_RECOMPUTE_TRIGGERED"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Date             time.Time `json:"asof_date"`
	Status           Status    `json:"status"`
	RecomputeAdvised bool      `json:"recompute_advised"`
	LatestTradingDay time.Time `json:"latest_trading_day"`
	// Rows is the row count written by an automatic recompute.
	Rows int `json:"rows,omitempty"`
}

// Builder recomputes the snapshot of one date from the cache.
type Builder interface {
	Rebuild(ctx context.Context, asOf time.Time) (int, error)
}

// Resolver maps the cache state to an effective as-of date.
type Resolver struct {
	store   *store.Store
	builder Builder
	logger  *common.Logger
}

// NewResolver creates a Resolver. builder may be nil, in which case an empty
// snapshot store is reported as an error instead of recomputed.
func NewResolver(st *store.Store, builder Builder, logger *common.Logger) *Resolver {
	return &Resolver{store: st, builder: builder, logger: logger}
}

// Resolve returns the latest trading day when its snapshot exists, otherwise
// the newest stored snapshot with RecomputeAdvised set. With no snapshot at
// all it recomputes the latest trading day once; that single attempt's
// failure is returned alongside the resolution.
func (r *Resolver) Resolve(ctx context.Context) (Resolution, error) {
	latest, err := r.store.LatestPriceDate(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return Resolution{}, ErrNoPriceData
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("latest trading day: %w", err)
	}

	has, err := r.store.HasSnapshot(ctx, latest)
	if err != nil {
		return Resolution{}, fmt.Errorf("check snapshot: %w", err)
	}
	if has {
		return Resolution{Date: latest, Status: StatusLatestTradingDayOK, LatestTradingDay: latest}, nil
	}

	snap, err := r.store.LatestSnapshotDate(ctx)
	switch {
	case err == nil:
		r.logger.Info().Str("latest_trading_day", model.FormatDate(latest)).
			Str("snapshot", model.FormatDate(snap)).Msg("falling back to latest snapshot")
		return Resolution{
			Date:             snap,
			Status:           StatusFallbackToSnapshot,
			RecomputeAdvised: true,
			LatestTradingDay: latest,
		}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Resolution{}, fmt.Errorf("latest snapshot: %w", err)
	}

	res := Resolution{Date: latest, Status: StatusAutoRecomputeFired, LatestTradingDay: latest}
	if r.builder == nil {
		return res, errors.New("no snapshot stored and no builder configured")
	}
	r.logger.Info().Str("asof", model.FormatDate(latest)).Msg("no snapshot stored, recomputing")
	n, err := r.builder.Rebuild(ctx, latest)
	if err != nil {
		return res, fmt.Errorf("auto recompute %s: %w", model.FormatDate(latest), err)
	}
	res.Rows = n
	return res, nil
}
