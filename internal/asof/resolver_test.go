package asof

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KRScreener/internal/common"
	"KRScreener/internal/model"
	"KRScreener/internal/store"
)

type countingBuilder struct {
	calls int
	err   error
	st    *store.Store
}

func (b *countingBuilder) Rebuild(ctx context.Context, asOf time.Time) (int, error) {
	b.calls++
	if b.err != nil {
		return 0, b.err
	}
	row := model.SnapshotRow{AsOf: asOf, Ticker: "005930", Close: 1, CalcVersion: model.CalcVersion}
	return b.st.ReplaceSnapshot(ctx, asOf, []model.SnapshotRow{row})
}

func date(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func setup(t *testing.T, priceDays []string, snapshotDays []string) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "asof.db"), common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for _, d := range priceDays {
		_, err := st.UpsertPrices(ctx, []model.PricePoint{{Ticker: "005930", Date: date(d), Close: 70000}})
		require.NoError(t, err)
	}
	for _, d := range snapshotDays {
		row := model.SnapshotRow{AsOf: date(d), Ticker: "005930", Close: 70000, CalcVersion: model.CalcVersion}
		_, err := st.ReplaceSnapshot(ctx, date(d), []model.SnapshotRow{row})
		require.NoError(t, err)
	}
	return st
}

func TestResolveLatestTradingDay(t *testing.T) {
	st := setup(t, []string{"2024-03-14", "2024-03-15"}, []string{"2024-03-15"})
	b := &countingBuilder{st: st}

	res, err := NewResolver(st, b, common.NewSilentLogger()).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusLatestTradingDayOK, res.Status)
	assert.Equal(t, date("2024-03-15"), res.Date)
	assert.False(t, res.RecomputeAdvised)
	assert.Zero(t, b.calls)
}

func TestResolveFallsBackToLatestSnapshot(t *testing.T) {
	st := setup(t, []string{"2024-03-08", "2024-03-11", "2024-03-15"}, []string{"2024-03-08", "2024-03-10"})
	b := &countingBuilder{st: st}

	res, err := NewResolver(st, b, common.NewSilentLogger()).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFallbackToSnapshot, res.Status)
	assert.Equal(t, date("2024-03-10"), res.Date)
	assert.Equal(t, date("2024-03-15"), res.LatestTradingDay)
	assert.True(t, res.RecomputeAdvised)
	assert.Zero(t, b.calls)
}

func TestResolveAutoRecomputesOnce(t *testing.T) {
	st := setup(t, []string{"2024-03-15"}, nil)
	b := &countingBuilder{st: st}
	r := NewResolver(st, b, common.NewSilentLogger())

	res, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAutoRecomputeFired, res.Status)
	assert.Equal(t, date("2024-03-15"), res.Date)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, 1, b.calls)

	// The recomputed snapshot now satisfies the latest trading day.
	res, err = r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusLatestTradingDayOK, res.Status)
	assert.Equal(t, 1, b.calls)
}

func TestResolveAutoRecomputeFailureIsNotRetried(t *testing.T) {
	st := setup(t, []string{"2024-03-15"}, nil)
	boom := errors.New("boom")
	b := &countingBuilder{st: st, err: boom}

	res, err := NewResolver(st, b, common.NewSilentLogger()).Resolve(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StatusAutoRecomputeFired, res.Status)
	assert.Equal(t, 1, b.calls)
}

func TestResolveWithoutPriceData(t *testing.T) {
	st := setup(t, nil, nil)
	_, err := NewResolver(st, nil, common.NewSilentLogger()).Resolve(context.Background())
	assert.ErrorIs(t, err, ErrNoPriceData)
}
