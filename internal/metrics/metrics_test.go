package metrics

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KRScreener/internal/common"
	"KRScreener/internal/model"
	"KRScreener/internal/store"
)

var asOf = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

// makeBars returns n weekday bars ending on end, oldest first.
func makeBars(ticker string, end time.Time, n int, price func(i int) float64) []model.PricePoint {
	days := make([]time.Time, 0, n)
	for d := end; len(days) < n; d = d.AddDate(0, 0, -1) {
		if model.IsWeekday(d) {
			days = append(days, d)
		}
	}
	out := make([]model.PricePoint, n)
	for i := range out {
		d := days[n-1-i]
		p := price(i)
		out[i] = model.PricePoint{
			Ticker: ticker, Date: d,
			Open: p, High: p, Low: p, Close: p, Volume: 100,
			Value:     null.FloatFrom(p * 100),
			MarketCap: null.FloatFrom(p * 1e4),
		}
	}
	return out
}

func eps(ticker string, date time.Time, v float64) model.FundamentalPoint {
	return model.FundamentalPoint{Ticker: ticker, Date: date, EPS: null.FloatFrom(v)}
}

func linear(i int) float64 { return 100 + float64(i) }

func TestComputeRowRequiresBarOnAsOf(t *testing.T) {
	bars := makeBars("A", asOf.AddDate(0, 0, -1), 30, linear)
	_, ok := ComputeRow(asOf, model.Ticker{Code: "A"}, bars, nil)
	assert.False(t, ok)
}

func TestComputeRowShortHistoryIsNull(t *testing.T) {
	bars := makeBars("A", asOf, 10, linear)
	row, ok := ComputeRow(asOf, model.Ticker{Code: "A", Name: "Alpha", Market: model.MarketKOSDAQ}, bars, nil)
	require.True(t, ok)

	assert.Equal(t, "Alpha", row.Name)
	assert.Equal(t, 109.0, row.Close)
	assert.InDelta(t, 107.0, row.SMA5.Float64, 1e-9)
	assert.True(t, row.Ret1w.Valid)
	assert.InDelta(t, 109.0/104.0-1, row.Ret1w.Float64, 1e-12)

	for name, v := range map[string]null.Float{
		"sma20": row.SMA20, "dist_sma20": row.DistSMA20, "sma200": row.SMA200,
		"avg_value_20d": row.AvgValue20d, "turnover_20d": row.Turnover20d,
		"high_52w": row.High52w, "pos_52w": row.Pos52w, "vol_20d": row.Vol20d,
		"vol_1y": row.Vol1y, "rsi_14": row.RSI14, "ret_1m": row.Ret1m, "ret_1y": row.Ret1y,
		"eps": row.EPS, "eps_positive": row.EPSPositive, "eps_cagr_5y": row.EPSCAGR5y,
	} {
		assert.False(t, v.Valid, "%s should be null", name)
	}
	assert.Equal(t, model.CalcVersion, row.CalcVersion)
}

func TestComputeRowFullHistory(t *testing.T) {
	bars := makeBars("A", asOf, 300, linear)
	row, ok := ComputeRow(asOf, model.Ticker{Code: "A"}, bars, nil)
	require.True(t, ok)

	assert.Equal(t, 399.0, row.Close)
	assert.InDelta(t, 389.5, row.SMA20.Float64, 1e-9)
	assert.InDelta(t, 399.0/389.5-1, row.DistSMA20.Float64, 1e-12)
	assert.InDelta(t, 299.5, row.SMA200.Float64, 1e-9)
	assert.Equal(t, 399.0, row.High52w.Float64)
	assert.Equal(t, 148.0, row.Low52w.Float64)
	assert.InDelta(t, 1.0, row.Pos52w.Float64, 1e-12)
	assert.InDelta(t, 1.0, row.Near52wHighRatio.Float64, 1e-12)
	assert.InDelta(t, 399.0/147.0-1, row.Ret1y.Float64, 1e-12)
	assert.InDelta(t, 38950.0, row.AvgValue20d.Float64, 1e-9)
	assert.InDelta(t, 38950.0/3990000.0, row.Turnover20d.Float64, 1e-12)
	assert.Equal(t, 100.0, row.RSI14.Float64)
	assert.True(t, row.Vol20d.Valid)
	assert.True(t, row.Vol1y.Valid)
	assert.Less(t, row.Vol20d.Float64, 0.01)
}

func TestComputeRowFlatRangeHasNoPosition(t *testing.T) {
	bars := makeBars("A", asOf, 260, func(int) float64 { return 50 })
	row, ok := ComputeRow(asOf, model.Ticker{Code: "A"}, bars, nil)
	require.True(t, ok)
	assert.True(t, row.High52w.Valid)
	assert.False(t, row.Pos52w.Valid)
	assert.InDelta(t, 0.0, row.Vol20d.Float64, 1e-12)
}

func TestComputeRowFundamentalsPerField(t *testing.T) {
	bars := makeBars("A", asOf, 5, linear)
	funds := []model.FundamentalPoint{
		{Ticker: "A", Date: asOf.AddDate(0, -3, 0), PBR: null.FloatFrom(0.7), BPS: null.FloatFrom(10000), DIV: null.FloatFrom(3.1)},
		{Ticker: "A", Date: asOf.AddDate(0, -1, 0), PBR: null.FloatFrom(0.8), EPS: null.FloatFrom(1500)},
		{Ticker: "A", Date: asOf.AddDate(0, 0, 3), PBR: null.FloatFrom(9.9)},
	}
	row, ok := ComputeRow(asOf, model.Ticker{Code: "A"}, bars, funds)
	require.True(t, ok)

	assert.Equal(t, null.FloatFrom(0.8), row.PBR)
	assert.Equal(t, null.FloatFrom(3.1), row.DIV)
	assert.Equal(t, null.FloatFrom(1500), row.EPS)
	assert.InDelta(t, 0.15, row.ROEProxy.Float64, 1e-12)
	assert.Equal(t, null.FloatFrom(1), row.EPSPositive)
	assert.False(t, row.PER.Valid)
}

func TestEPSCAGR(t *testing.T) {
	bars := makeBars("A", asOf, 5, linear)
	funds := []model.FundamentalPoint{eps("A", asOf.AddDate(-5, 0, 0), 1000), eps("A", asOf, 2000)}
	row, ok := ComputeRow(asOf, model.Ticker{Code: "A"}, bars, funds)
	require.True(t, ok)
	assert.InDelta(t, 0.1487, row.EPSCAGR5y.Float64, 1e-4)

	funds[0].EPS = null.FloatFrom(-1000)
	row, _ = ComputeRow(asOf, model.Ticker{Code: "A"}, bars, funds)
	assert.False(t, row.EPSCAGR5y.Valid)
	assert.Equal(t, null.FloatFrom(1), row.EPSPositive)

	// anchor too far before the 5y target
	funds = []model.FundamentalPoint{eps("A", asOf.AddDate(-7, 0, 0), 1000), eps("A", asOf, 2000)}
	row, _ = ComputeRow(asOf, model.Ticker{Code: "A"}, bars, funds)
	assert.False(t, row.EPSCAGR5y.Valid)
}

func TestEPSYoY(t *testing.T) {
	bars := makeBars("A", asOf, 5, linear)
	funds := []model.FundamentalPoint{
		eps("A", time.Date(2023, 2, 15, 0, 0, 0, 0, time.UTC), 400),
		eps("A", time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), 450),
		eps("A", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 500),
	}
	// prior anchor is the latest point not after 2023-03-01
	row, _ := ComputeRow(asOf, model.Ticker{Code: "A"}, bars, funds)
	assert.InDelta(t, 0.25, row.EPSYoYQ.Float64, 1e-12)

	funds[0].EPS = null.FloatFrom(0)
	row, _ = ComputeRow(asOf, model.Ticker{Code: "A"}, bars, funds)
	assert.False(t, row.EPSYoYQ.Valid)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "metrics.db"), common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertTickers(ctx, []model.Ticker{
		{Code: "000660", Name: "SK하이닉스", Market: model.MarketKOSPI, Active: true},
		{Code: "005930", Name: "삼성전자", Market: model.MarketKOSPI, Active: true},
	})
	require.NoError(t, err)
	_, err = s.UpsertPrices(ctx, makeBars("005930", asOf, 300, linear))
	require.NoError(t, err)
	_, err = s.UpsertPrices(ctx, makeBars("000660", asOf, 300, func(i int) float64 { return 200 + 10*math.Sin(float64(i)) }))
	require.NoError(t, err)
	// traded until the day before: no row on asOf
	_, err = s.UpsertPrices(ctx, makeBars("035720", asOf.AddDate(0, 0, -1), 50, linear))
	require.NoError(t, err)
	_, err = s.UpsertFundamentals(ctx, []model.FundamentalPoint{
		eps("005930", asOf.AddDate(-5, 0, 0), 1000), eps("005930", asOf.AddDate(0, -1, 0), 2000),
	})
	require.NoError(t, err)
}

func TestComputeIsDeterministicAndSorted(t *testing.T) {
	s := openStore(t)
	seed(t, s)
	e := NewEngine(s, 4, common.NewSilentLogger())

	first, err := e.Compute(context.Background(), asOf, DefaultLookbackBars)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "000660", first[0].Ticker)
	assert.Equal(t, "삼성전자", first[1].Name)

	second, err := e.Compute(context.Background(), asOf, DefaultLookbackBars)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestComputeIgnoresLaterData(t *testing.T) {
	s := openStore(t)
	seed(t, s)
	e := NewEngine(s, 2, common.NewSilentLogger())
	ctx := context.Background()

	before, err := e.Compute(ctx, asOf, DefaultLookbackBars)
	require.NoError(t, err)

	later := makeBars("005930", asOf.AddDate(0, 0, 10), 5, func(int) float64 { return 1e6 })
	_, err = s.UpsertPrices(ctx, later)
	require.NoError(t, err)
	_, err = s.UpsertFundamentals(ctx, []model.FundamentalPoint{eps("005930", asOf.AddDate(0, 0, 1), -5)})
	require.NoError(t, err)

	after, err := e.Compute(ctx, asOf, DefaultLookbackBars)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestComputeCancelled(t *testing.T) {
	s := openStore(t)
	seed(t, s)
	e := NewEngine(s, 1, common.NewSilentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Compute(ctx, asOf, DefaultLookbackBars)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRebuildReplacesSnapshot(t *testing.T) {
	s := openStore(t)
	seed(t, s)
	ctx := context.Background()
	r := NewRebuilder(NewEngine(s, 2, common.NewSilentLogger()), s, DefaultLookbackBars, common.NewSilentLogger())

	n, err := r.Rebuild(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	first, err := s.LoadSnapshot(ctx, asOf)
	require.NoError(t, err)

	_, err = r.Rebuild(ctx, asOf)
	require.NoError(t, err)
	second, err := s.LoadSnapshot(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.InDelta(t, 0.1487, second[1].EPSCAGR5y.Float64, 1e-4)

	// a weekend has no bars; the stored snapshot stays
	_, err = r.Rebuild(ctx, asOf.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, ErrNoBars)
	has, err := s.HasSnapshot(ctx, asOf)
	require.NoError(t, err)
	assert.True(t, has)
}
