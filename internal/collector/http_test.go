package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KRScreener/internal/model"
)

func newBridge(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tickers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "KOSPI", r.URL.Query().Get("market"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`[{"ticker":"005930","name":"삼성전자"},{"ticker":""}]`))
	})
	mux.HandleFunc("/prices", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("ticker") {
		case "999999":
			http.NotFound(w, r)
		case "500500":
			w.WriteHeader(http.StatusBadGateway)
		default:
			assert.Equal(t, "20240311", r.URL.Query().Get("from"))
			assert.Equal(t, "20240315", r.URL.Query().Get("to"))
			w.Write([]byte(`[
				{"date":"20240313","open":1,"high":2,"low":1,"close":2,"volume":10,"value":20,"mcap":null},
				{"date":"2024-03-12","open":1,"high":1,"low":1,"close":1,"volume":10},
				{"date":"20240314","open":0,"high":0,"low":0,"close":0,"volume":0}
			]`))
		}
	})
	mux.HandleFunc("/fundamentals", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"date":"20240229","per":10.5,"pbr":0.8,"eps":500,"bps":null}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFetcherTickers(t *testing.T) {
	srv := newBridge(t)
	f := NewHTTPFetcher(srv.URL+"/", WithAPIKey("secret"), WithRateLimit(100))

	got, err := f.Tickers(context.Background(), model.MarketKOSPI)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.Ticker{Code: "005930", Name: "삼성전자", Market: model.MarketKOSPI, Active: true}, got[0])
}

func TestHTTPFetcherPrices(t *testing.T) {
	srv := newBridge(t)
	f := NewHTTPFetcher(srv.URL, WithRateLimit(100), WithTimeout(5*time.Second))
	r := model.NewDateRange(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))

	got, err := f.FetchPrices(context.Background(), "005930", r)
	require.NoError(t, err)
	require.Len(t, got, 2, "zero-close rows are dropped")
	assert.Equal(t, "2024-03-12", model.FormatDate(got[0].Date))
	assert.Equal(t, 2.0, got[1].Close)
	assert.True(t, got[1].Value.Valid)
	assert.False(t, got[1].MarketCap.Valid)

	_, err = f.FetchPrices(context.Background(), "999999", r)
	assert.ErrorIs(t, err, ErrInvalidTicker)

	_, err = f.FetchPrices(context.Background(), "500500", r)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestHTTPFetcherFundamentals(t *testing.T) {
	srv := newBridge(t)
	f := NewHTTPFetcher(srv.URL, WithRateLimit(100))
	r := model.NewDateRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))

	got, err := f.FetchFundamentals(context.Background(), "005930", r)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 500.0, got[0].EPS.Float64, 1e-9)
	assert.False(t, got[0].BPS.Valid)
	assert.False(t, got[0].ReserveRatio.Valid)
}

func TestHTTPFetcherUnreachable(t *testing.T) {
	srv := newBridge(t)
	url := srv.URL
	srv.Close()

	f := NewHTTPFetcher(url, WithRateLimit(100))
	_, err := f.Tickers(context.Background(), model.MarketKOSPI)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}
