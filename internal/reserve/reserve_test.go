package reserve

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/korean"

	"KRScreener/internal/common"
	"KRScreener/internal/model"
	"KRScreener/internal/store"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		name   string
		page   string
		want   float64
		status Status
	}{
		{
			name: "loose cells near marker",
			page: "<html><body>\n<th>유보율</th>\n<td>1,234.56</td>\n<td>1,111.11</td>\n</body></html>",
			want: 1234.56, status: StatusSuccess,
		},
		{
			name:   "no marker",
			page:   "<html><body><td>123.45</td></body></html>",
			status: StatusMarkerMissing,
		},
		{
			name:   "blank row",
			page:   "<table><tr><th>유보율</th><td>-</td><td></td></tr></table>",
			status: StatusNoData,
		},
		{
			name:   "unparseable row",
			page:   "<table><tr><th>유보율</th><td>N/A</td><td>abc</td></tr></table>",
			status: StatusParseError,
		},
		{
			name: "first positive wins",
			page: "<table><tr><th> 유보율 </th><td>-50.5</td><td><span>2,000</span></td></tr></table>",
			want: 2000, status: StatusSuccess,
		},
		{
			name: "implausible values skipped",
			page: "<table><tr><th>자본유보율</th><td>200,000</td><td>950.1</td></tr></table>",
			want: 950.1, status: StatusSuccess,
		},
		{
			name: "only negative",
			page: "<table><tr><th>유보율</th><td>-12.5</td></tr></table>",
			want: -12.5, status: StatusSuccess,
		},
		{
			name: "marker in prose",
			page: "<p>자본유보율: 3,210.5%</p>",
			want: 3210.5, status: StatusSuccess,
		},
		{
			name:   "marker without numbers",
			page:   "<p>유보율 정보 없음</p>",
			status: StatusParseError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, status := Extract(tc.page)
			assert.Equal(t, tc.status, status)
			if tc.status == StatusSuccess {
				assert.InDelta(t, tc.want, got, 1e-9)
			}
		})
	}
}

func TestDecodePage(t *testing.T) {
	page := "<th>유보율</th><td>1,000</td>"
	encoded, err := korean.EUCKR.NewEncoder().String(page)
	require.NoError(t, err)

	assert.Equal(t, page, decodePage([]byte(encoded), "text/html; charset=euc-kr"))
	assert.Equal(t, page, decodePage([]byte(encoded), ""), "invalid utf-8 falls back to euc-kr")
	assert.Equal(t, page, decodePage([]byte(page), "text/html; charset=utf-8"))
}

func newTestCrawler(url string) *Crawler {
	return NewCrawler(WithBaseURL(url), WithRetries(3, 0), WithCrawlRate(1000), WithCrawlTimeout(2*time.Second))
}

func TestCrawlerRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "005930", r.URL.Query().Get("cmp_cd"))
		assert.Equal(t, "Y", r.URL.Query().Get("freq_typ"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<table><tr><th>유보율</th><td>42</td></tr></table>"))
	}))
	defer srv.Close()

	page, err := newTestCrawler(srv.URL).FetchPage(context.Background(), "005930")
	require.NoError(t, err)
	assert.Contains(t, page, "유보율")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCrawlerDetectsBlockedPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("<html>Access Denied</html>"))
	}))
	defer srv.Close()

	_, err := newTestCrawler(srv.URL).FetchPage(context.Background(), "005930")
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCrawlerDecodesEUCKR(t *testing.T) {
	body, err := korean.EUCKR.NewEncoder().String("<table><tr><th>자본유보율</th><td>1,500.0</td></tr></table>")
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=EUC-KR")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	page, err := newTestCrawler(srv.URL).FetchPage(context.Background(), "000660")
	require.NoError(t, err)
	v, status := Extract(page)
	assert.Equal(t, StatusSuccess, status)
	assert.InDelta(t, 1500.0, v, 1e-9)
}

type fakeSource struct {
	pages map[string]string
}

func (f fakeSource) FetchPage(ctx context.Context, ticker string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	page, ok := f.pages[ticker]
	if !ok {
		return "", errors.New("connection reset")
	}
	return page, nil
}

func ratioPage(v string) string {
	return "<table><tr><th>유보율</th><td>" + v + "</td></tr></table>"
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpdaterWritesLatestFundamentalRow(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	older := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	latest := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := st.UpsertFundamentals(ctx, []model.FundamentalPoint{
		{Ticker: "000001", Date: older, PER: null.FloatFrom(10)},
		{Ticker: "000001", Date: latest, PER: null.FloatFrom(11)},
	})
	require.NoError(t, err)

	src := fakeSource{pages: map[string]string{
		"000001": ratioPage("1,234.56"),
		"000003": ratioPage("-"),
		"000004": "<html>nothing here</html>",
		"000005": ratioPage("900"),
	}}
	sample := filepath.Join(t.TempDir(), "samples", "miss.html")
	u := NewUpdater(src, st, 2, sample, common.NewSilentLogger())
	u.now = func() time.Time { return time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC) }

	res, err := u.Crawl(ctx, []string{"000001", "000002", "000003", "000004", "000005"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"000001": 1234.56, "000005": 900}, res.Ratios)
	assert.Equal(t, 1, res.FetchFailed)
	assert.Equal(t, 1, res.NoData)
	assert.Equal(t, 1, res.ParseErrors)

	saved, err := os.ReadFile(sample)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(saved), "<!-- ticker=000004 -->"))

	n, err := u.UpdateReserveRatios(ctx, []string{"000001", "000002", "000005"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "000005 has no fundamental row to update")

	points, err := st.ReadFundamentals(ctx, []string{"000001"}, model.NewDateRange(older, latest))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.False(t, points[0].ReserveRatio.Valid)
	assert.Equal(t, null.FloatFrom(1234.56), points[1].ReserveRatio)

	jobs, err := st.RecentJobs(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	assert.Equal(t, model.StageReserveRatio, jobs[0].Stage)
	assert.Equal(t, model.JobPartial, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].RowCount)
}

func TestUpdaterDefaultsToActiveTickers(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.UpsertTickers(ctx, []model.Ticker{
		{Code: "000001", Name: "A", Market: model.MarketKOSPI, Active: true},
		{Code: "000002", Name: "B", Market: model.MarketKOSPI, Active: false},
	})
	require.NoError(t, err)
	_, err = st.UpsertFundamentals(ctx, []model.FundamentalPoint{
		{Ticker: "000001", Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{Ticker: "000002", Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	src := fakeSource{pages: map[string]string{"000001": ratioPage("10"), "000002": ratioPage("20")}}
	u := NewUpdater(src, st, 0, "", common.NewSilentLogger())
	u.now = func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) }

	n, err := u.UpdateReserveRatios(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdaterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := openStore(t)

	u := NewUpdater(fakeSource{pages: map[string]string{"000001": ratioPage("10")}}, st, 1, "", common.NewSilentLogger())
	_, err := u.UpdateReserveRatios(ctx, []string{"000001"})
	assert.ErrorIs(t, err, context.Canceled)
}
