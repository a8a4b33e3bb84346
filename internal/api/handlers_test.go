package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KRScreener/internal/asof"
	"KRScreener/internal/common"
	"KRScreener/internal/metrics"
	"KRScreener/internal/model"
	"KRScreener/internal/store"
)

var (
	day     = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	prevDay = time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
)

type stubRebuilder struct {
	err   error
	dates []time.Time
}

func (r *stubRebuilder) Rebuild(_ context.Context, asOf time.Time) (int, error) {
	r.dates = append(r.dates, asOf)
	if r.err != nil {
		return 0, r.err
	}
	return 2, nil
}

func snapshotRow(d time.Time, ticker, market string, pbr, value float64) model.SnapshotRow {
	return model.SnapshotRow{
		AsOf: d, Ticker: ticker, Name: "n" + ticker, Market: market, Close: 1000,
		PBR: null.FloatFrom(pbr), EPSPositive: null.FloatFrom(1), AvgValue20d: null.FloatFrom(value),
	}
}

func newTestServer(t *testing.T, seed bool) (http.Handler, *stubRebuilder) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if seed {
		_, err = st.UpsertPrices(ctx, []model.PricePoint{{Ticker: "000001", Date: day, Close: 1000}})
		require.NoError(t, err)
		_, err = st.ReplaceSnapshot(ctx, day, []model.SnapshotRow{
			snapshotRow(day, "000001", model.MarketKOSPI, 0.5, 1e9),
			snapshotRow(day, "000002", model.MarketKOSDAQ, 0.7, 2e9),
			snapshotRow(day, "000003", model.MarketKOSPI, 2.5, 3e9),
		})
		require.NoError(t, err)
		_, err = st.ReplaceSnapshot(ctx, prevDay, []model.SnapshotRow{
			snapshotRow(prevDay, "000001", model.MarketKOSPI, 0.5, 1e9),
		})
		require.NoError(t, err)
	}

	rb := &stubRebuilder{}
	logger := common.NewSilentLogger()
	h := NewHandlers(st, asof.NewResolver(st, rb, logger), rb, logger)
	return NewServer(":0", h, logger).Handler(), rb
}

func do(t *testing.T, h http.Handler, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, target, bytes.NewReader(raw))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func rowTickers(t *testing.T, resp map[string]any) []string {
	t.Helper()
	rows, ok := resp["rows"].([]any)
	require.True(t, ok, "rows missing: %v", resp)
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.(map[string]any)["ticker"].(string))
	}
	return out
}

func TestHealthAndRegistry(t *testing.T) {
	h, _ := newTestServer(t, false)

	w, body := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, body = do(t, h, http.MethodGet, "/api/v1/fields", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["groups"])

	w, body = do(t, h, http.MethodGet, "/api/v1/presets", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	presets := body["presets"].([]any)
	assert.Len(t, presets, 5)
	assert.Contains(t, presets[0].(map[string]any)["query"], "pbr=range%3A%3A0.8")
}

func TestAsOf(t *testing.T) {
	h, _ := newTestServer(t, false)
	w, _ := do(t, h, http.MethodGet, "/api/v1/asof", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	h, _ = newTestServer(t, true)
	w, body := do(t, h, http.MethodGet, "/api/v1/asof", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(asof.StatusLatestTradingDayOK), body["status"])
}

func TestGetScreen(t *testing.T) {
	h, _ := newTestServer(t, true)

	w, body := do(t, h, http.MethodGet, "/api/v1/screen?pbr=range::1&sort=avg_value_20d&order=desc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-03-15", body["asof_date"])
	assert.Equal(t, []string{"000002", "000001"}, rowTickers(t, body))
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, "pbr=range%3A%3A1", body["query"])

	_, body = do(t, h, http.MethodGet, "/api/v1/screen?market=bucket:kospi&limit=1", nil)
	assert.Equal(t, []string{"000001"}, rowTickers(t, body))
	assert.Equal(t, float64(2), body["total"])

	_, body = do(t, h, http.MethodGet, "/api/v1/screen?preset=deep_value&market=bucket:kosdaq", nil)
	assert.Equal(t, []string{"000002"}, rowTickers(t, body))

	_, body = do(t, h, http.MethodGet, "/api/v1/screen?date=2024-03-14", nil)
	assert.Equal(t, "2024-03-14", body["asof_date"])
	assert.Equal(t, []string{"000001"}, rowTickers(t, body))
}

func TestGetScreenMalformedFallsBackToAllAny(t *testing.T) {
	h, _ := newTestServer(t, true)

	w, body := do(t, h, http.MethodGet, "/api/v1/screen?pbr=range:x:1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, rowTickers(t, body), 3)
	assert.Contains(t, body["warning"], "malformed query")
}

func TestGetScreenMalformedKeepsPreset(t *testing.T) {
	h, _ := newTestServer(t, true)

	w, body := do(t, h, http.MethodGet, "/api/v1/screen?preset=deep_value&pbr=range:x:1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"000001", "000002"}, rowTickers(t, body))
	assert.Contains(t, body["warning"], "malformed query")
	assert.Contains(t, body["warning"], "preset applied alone")
	assert.Contains(t, body["query"], "pbr=range%3A%3A0.8")
}

func TestGetScreenErrors(t *testing.T) {
	h, _ := newTestServer(t, true)

	cases := map[string]int{
		"/api/v1/screen?date=2024-01-02": http.StatusNotFound,
		"/api/v1/screen?date=15-03-2024": http.StatusBadRequest,
		"/api/v1/screen?preset=nope":     http.StatusBadRequest,
		"/api/v1/screen?sort=market":     http.StatusBadRequest,
		"/api/v1/screen?limit=ten":       http.StatusBadRequest,
		"/api/v1/snapshots?limit=0":      http.StatusBadRequest,
		"/api/v1/screen?div=bucket:3to5": http.StatusOK,
	}
	for target, want := range cases {
		w, _ := do(t, h, http.MethodGet, target, nil)
		assert.Equal(t, want, w.Code, target)
	}
}

func TestPostScreen(t *testing.T) {
	h, _ := newTestServer(t, true)

	w, body := do(t, h, http.MethodPost, "/api/v1/screen", map[string]any{
		"selection": map[string]any{
			"pbr": map[string]any{"mode": "direct_input", "min": nil, "max": 1.0},
		},
		"sort":      "pbr",
		"ascending": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"000001", "000002"}, rowTickers(t, body))

	w, _ = do(t, h, http.MethodPost, "/api/v1/screen", map[string]any{
		"selection": map[string]any{"pbr": map[string]any{"mode": "bucket_select", "bucket": "huge"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshotsAndRecompute(t *testing.T) {
	h, rb := newTestServer(t, true)

	_, body := do(t, h, http.MethodGet, "/api/v1/snapshots", nil)
	assert.Equal(t, []any{"2024-03-15", "2024-03-14"}, body["dates"])

	w, body := do(t, h, http.MethodPost, "/api/v1/snapshots/2024-03-15/recompute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["rows"])
	assert.Equal(t, []time.Time{day}, rb.dates)

	rb.err = metrics.ErrNoBars
	w, _ = do(t, h, http.MethodPost, "/api/v1/snapshots/2024-03-16/recompute", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = do(t, h, http.MethodPost, "/api/v1/snapshots/bad/recompute", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, h, http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "jobs")
}
