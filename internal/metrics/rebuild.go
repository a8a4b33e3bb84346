package metrics

import (
	"context"
	"fmt"
	"time"

	"KRScreener/internal/common"
	"KRScreener/internal/model"
	"KRScreener/internal/store"
)

// Rebuilder recomputes a stored snapshot from the cache without network access.
type Rebuilder struct {
	engine       *Engine
	store        *store.Store
	lookbackBars int
	logger       *common.Logger
}

// NewRebuilder creates a Rebuilder.
func NewRebuilder(engine *Engine, st *store.Store, lookbackBars int, logger *common.Logger) *Rebuilder {
	return &Rebuilder{engine: engine, store: st, lookbackBars: lookbackBars, logger: logger}
}

// Rebuild computes the snapshot of asOf and atomically replaces the stored one.
// A failed or cancelled rebuild leaves the previous snapshot in place.
func (r *Rebuilder) Rebuild(ctx context.Context, asOf time.Time) (int, error) {
	rows, err := r.engine.Compute(ctx, asOf, r.lookbackBars)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%s: %w", model.FormatDate(asOf), ErrNoBars)
	}
	n, err := r.store.ReplaceSnapshot(ctx, asOf, rows)
	if err != nil {
		return 0, fmt.Errorf("store snapshot: %w", err)
	}
	r.logger.Info().Str("asof", model.FormatDate(asOf)).Int("rows", n).Msg("snapshot rebuilt")
	return n, nil
}
