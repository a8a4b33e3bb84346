package collector

import (
	"context"
	"fmt"
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

type fakeBuilder struct {
	dates []time.Time
	rows  int
}

func (b *fakeBuilder) Rebuild(_ context.Context, asOf time.Time) (int, error) {
	b.dates = append(b.dates, asOf)
	return b.rows, nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "collect.db"), common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOptions() Options {
	return Options{
		Markets:          []string{model.MarketKOSPI},
		LookbackBars:     10,
		FundamentalYears: 1,
		Attempts:         3,
		RetryBackoff:     time.Millisecond,
	}
}

func listing(codes ...string) map[string][]model.Ticker {
	var ts []model.Ticker
	for _, c := range codes {
		ts = append(ts, model.Ticker{Code: c, Name: "name " + c, Market: model.MarketKOSPI, Active: true})
	}
	return map[string][]model.Ticker{model.MarketKOSPI: ts}
}

var friday = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func TestRunFetchesOnlyMissingRanges(t *testing.T) {
	st := openStore(t)
	mock := &MockFetcher{
		Listing:   listing("005930", "000660"),
		BasePrice: 70000,
		Fundamentals: map[string][]model.FundamentalPoint{
			"005930": {{Ticker: "005930", Date: friday, EPS: null.FloatFrom(5000)}},
			"000660": {{Ticker: "000660", Date: friday, EPS: null.FloatFrom(9000)}},
		},
	}
	builder := &fakeBuilder{rows: 2}
	c := NewCollector(mock, st, builder, testOptions(), common.NewSilentLogger())

	res, err := c.Run(context.Background(), friday)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tickers)
	assert.Greater(t, res.PriceRows, 0)
	assert.Equal(t, 2, res.SnapshotRows)
	assert.Equal(t, []time.Time{friday}, builder.dates)
	assert.NotEmpty(t, res.RunID)
	calls := mock.Calls("005930")
	assert.Equal(t, 2, calls) // one price range, one fundamental range

	res, err = c.Run(context.Background(), friday)
	require.NoError(t, err)
	assert.Zero(t, res.PriceRows)
	assert.Equal(t, calls, mock.Calls("005930"))

	jobs, err := st.RecentJobs(context.Background(), 20)
	require.NoError(t, err)
	assert.Len(t, jobs, 8)
}

func TestRunSkipsInvalidAndRetriesUnavailable(t *testing.T) {
	st := openStore(t)
	mock := &MockFetcher{
		Listing: listing("005930", "111111", "222222"),
		Errors: map[string]error{
			"111111": ErrInvalidTicker,
			"222222": fmt.Errorf("%w: timeout", ErrSourceUnavailable),
		},
		FailTimes: map[string]int{"222222": 2},
	}
	c := NewCollector(mock, st, nil, testOptions(), common.NewSilentLogger())

	res, err := c.Run(context.Background(), friday)
	require.NoError(t, err)
	assert.Equal(t, []string{"111111"}, res.SkippedTickers)
	assert.Empty(t, res.FailedTickers)
	// two failures then success on the price range, then one fundamental call
	assert.Equal(t, 4, mock.Calls("222222"))
}

func TestRunReportsExhaustedRetries(t *testing.T) {
	st := openStore(t)
	mock := &MockFetcher{
		Listing: listing("005930", "222222"),
		Errors:  map[string]error{"222222": ErrSourceUnavailable},
	}
	c := NewCollector(mock, st, nil, testOptions(), common.NewSilentLogger())

	res, err := c.Run(context.Background(), friday)
	require.NoError(t, err)
	assert.Equal(t, []string{"222222"}, res.FailedTickers)

	// Failed ranges stay missing for the next run.
	missing, err := st.MissingRanges(context.Background(), model.KindPrices, []string{"222222"},
		model.NewDateRange(friday.AddDate(0, 0, -20), friday))
	require.NoError(t, err)
	assert.NotEmpty(t, missing)
}

func TestRunStopsOnCancel(t *testing.T) {
	st := openStore(t)
	mock := &MockFetcher{Listing: listing("005930")}
	c := NewCollector(mock, st, nil, testOptions(), common.NewSilentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Run(ctx, friday)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Cancelled)
	assert.Zero(t, res.PriceRows)
}

func TestRunUsesCachedMasterWhenListingFails(t *testing.T) {
	st := openStore(t)
	_, err := st.UpsertTickers(context.Background(), []model.Ticker{{Code: "005930", Name: "삼성전자", Market: model.MarketKOSPI, Active: true}})
	require.NoError(t, err)

	c := NewCollector(&MockFetcher{}, st, nil, testOptions(), common.NewSilentLogger())
	res, err := c.Run(context.Background(), friday)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tickers)
}

func TestRunSnapshotsLatestTradingDay(t *testing.T) {
	st := openStore(t)
	builder := &fakeBuilder{}
	c := NewCollector(&MockFetcher{Listing: listing("005930")}, st, builder, testOptions(), common.NewSilentLogger())

	saturday := friday.AddDate(0, 0, 1)
	_, err := c.Run(context.Background(), saturday)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{friday}, builder.dates)
}

func closeBar(ticker string, d time.Time, close float64) model.PricePoint {
	return model.PricePoint{Ticker: ticker, Date: d, Open: close, High: close, Low: close, Close: close, Volume: 1000}
}

func TestRunLeavesUnpublishedDaysMissing(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	// The source has published Monday to Thursday only.
	var week []model.PricePoint
	for i := 4; i >= 1; i-- {
		week = append(week, closeBar("005930", friday.AddDate(0, 0, -i), 70000))
	}
	mock := &MockFetcher{
		Listing: listing("005930"),
		Prices:  map[string][]model.PricePoint{"005930": week},
	}
	c := NewCollector(mock, st, nil, testOptions(), common.NewSilentLogger())

	_, err := c.Run(ctx, friday)
	require.NoError(t, err)
	latest, err := st.LatestPriceDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, friday.AddDate(0, 0, -1), latest)

	missing, err := st.MissingRanges(ctx, model.KindPrices, []string{"005930"}, model.NewDateRange(friday.AddDate(0, 0, -4), friday))
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, model.NewDateRange(friday, friday), missing[0].Range)

	// Friday's bar appears later and the next run picks it up.
	mock.Prices["005930"] = append(week, closeBar("005930", friday, 71000))
	res, err := c.Run(ctx, friday)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PriceRows)
	latest, err = st.LatestPriceDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, friday, latest)
}

func TestRunCoversHaltedTickerUpToPublishedDate(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	// 000660 is processed first and stops trading on Wednesday; 005930 has
	// the full week, so Thursday and Friday count as published.
	halted := []model.PricePoint{closeBar("000660", friday.AddDate(0, 0, -2), 100)}
	full := []model.PricePoint{closeBar("005930", friday, 200)}
	mock := &MockFetcher{
		Listing: listing("000660", "005930"),
		Prices:  map[string][]model.PricePoint{"000660": halted, "005930": full},
		Fundamentals: map[string][]model.FundamentalPoint{
			"005930": {{Ticker: "005930", Date: friday, EPS: null.FloatFrom(5000)}},
		},
	}
	c := NewCollector(mock, st, nil, testOptions(), common.NewSilentLogger())

	_, err := c.Run(ctx, friday)
	require.NoError(t, err)
	_, err = c.Run(ctx, friday)
	require.NoError(t, err)
	calls := mock.Calls("000660")

	_, err = c.Run(ctx, friday)
	require.NoError(t, err)
	assert.Equal(t, calls, mock.Calls("000660"), "halted ticker fetched again after the week was published")
}
