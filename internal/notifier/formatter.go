package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/guregu/null/v6"

	"KRScreener/internal/asof"
	"KRScreener/internal/model"
)

const maxListedTickers = 10

// FormatBatchResult formats a collection run summary.
func FormatBatchResult(res *model.BatchResult) string {
	var b strings.Builder

	icon := "✅"
	switch {
	case res.Cancelled:
		icon = "⏹"
	case len(res.FailedTickers) > 0:
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s <b>Collection</b> | %s\n\n", icon, model.FormatDate(res.AsOf))
	fmt.Fprintf(&b, "Tickers: %d\n", res.Tickers)
	fmt.Fprintf(&b, "Price rows: %d\n", res.PriceRows)
	fmt.Fprintf(&b, "Fundamental rows: %d\n", res.FundamentalRows)
	fmt.Fprintf(&b, "Snapshot rows: %d\n", res.SnapshotRows)
	if len(res.SkippedTickers) > 0 {
		fmt.Fprintf(&b, "Skipped: %d %s\n", len(res.SkippedTickers), listTickers(res.SkippedTickers))
	}
	if len(res.FailedTickers) > 0 {
		fmt.Fprintf(&b, "Failed: %d %s\n", len(res.FailedTickers), listTickers(res.FailedTickers))
	}
	if res.Cancelled {
		b.WriteString("Run was cancelled before completion\n")
	}
	fmt.Fprintf(&b, "Elapsed: %s\n", res.Elapsed.Round(time.Second))
	return b.String()
}

// FormatResolution formats the effective as-of date.
func FormatResolution(r asof.Resolution) string {
	var b strings.Builder
	b.WriteString("📅 <b>As-of</b>\n\n")
	fmt.Fprintf(&b, "Snapshot: %s\n", model.FormatDate(r.Date))
	fmt.Fprintf(&b, "Latest trading day: %s\n", model.FormatDate(r.LatestTradingDay))
	fmt.Fprintf(&b, "Status: %s\n", r.Status)
	if r.Status == asof.StatusAutoRecomputeFired {
		fmt.Fprintf(&b, "Recomputed rows: %d\n", r.Rows)
	}
	if r.RecomputeAdvised {
		b.WriteString("\n⚠️ Snapshot is behind the cache, send /recompute\n")
	}
	return b.String()
}

// FormatScreen lists the first rows of a screen result.
func FormatScreen(title string, asOfDate string, rows []model.SnapshotRow, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔎 <b>%s</b> | %s\n", html.EscapeString(title), asOfDate)
	fmt.Fprintf(&b, "Matches: %d\n\n", len(rows))
	if len(rows) == 0 {
		b.WriteString("No tickers matched\n")
		return b.String()
	}
	for i, r := range rows {
		if i == limit {
			fmt.Fprintf(&b, "… and %d more\n", len(rows)-limit)
			break
		}
		fmt.Fprintf(&b, "%d. %s %s  %.0f  PBR %s  1m %s\n",
			i+1, r.Ticker, html.EscapeString(r.Name), r.Close, num(r.PBR, "%.2f"), pct(r.Ret1m))
	}
	return b.String()
}

// FormatJobs formats recent job log entries.
func FormatJobs(jobs []model.JobLog) string {
	var b strings.Builder
	b.WriteString("🗂 <b>Recent jobs</b>\n\n")
	if len(jobs) == 0 {
		b.WriteString("No jobs recorded\n")
		return b.String()
	}
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s %-13s %-9s rows=%d", j.StartedAt.Format("01-02 15:04"), j.Stage, j.Status, j.RowCount)
		if j.Message != "" {
			fmt.Fprintf(&b, " (%s)", html.EscapeString(j.Message))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// HelpText lists the chat commands.
func HelpText() string {
	return "Commands:\n" +
		"• /status  effective as-of date\n" +
		"• /jobs  recent job log\n" +
		"• /screen &lt;preset&gt;  run a preset screen\n" +
		"• /collect  run collection now\n" +
		"• /recompute  rebuild the latest snapshot\n" +
		"• /reserve  refresh reserve ratios"
}

func listTickers(tickers []string) string {
	if len(tickers) <= maxListedTickers {
		return "(" + strings.Join(tickers, ", ") + ")"
	}
	return "(" + strings.Join(tickers[:maxListedTickers], ", ") + ", …)"
}

func num(v null.Float, format string) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprintf(format, v.Float64)
}

func pct(v null.Float) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprintf("%+.1f%%", v.Float64*100)
}
