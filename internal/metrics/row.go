package metrics

import (
	"math"
	"time"

	"github.com/guregu/null/v6"

	"KRScreener/internal/calculator"
	"KRScreener/internal/model"
)

// Growth anchor tolerances.
const (
	cagrYears         = 5
	cagrAnchorMaxLag  = 366 * 24 * time.Hour
	yoyAnchorMaxLag   = 100 * 24 * time.Hour
	fundamentalsYears = 6
)

// ComputeRow derives the snapshot row of one ticker. bars must be ascending and
// dated on or before asOf; funds ascending. It reports false when the ticker
// has no bar on asOf and therefore no row.
func ComputeRow(asOf time.Time, t model.Ticker, bars []model.PricePoint, funds []model.FundamentalPoint) (model.SnapshotRow, bool) {
	asOf = model.Day(asOf)
	if len(bars) == 0 || !bars[len(bars)-1].Date.Equal(asOf) {
		return model.SnapshotRow{}, false
	}
	last := bars[len(bars)-1]

	row := model.SnapshotRow{
		AsOf:        asOf,
		Ticker:      t.Code,
		Name:        t.Name,
		Market:      t.Market,
		Close:       last.Close,
		MarketCap:   finite(last.MarketCap),
		CalcVersion: model.CalcVersion,
	}

	closes := make([]float64, len(bars))
	values := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		values[i] = math.NaN()
		if b.Value.Valid {
			values[i] = b.Value.Float64
		}
	}

	priceMetrics(&row, closes, values)
	fundamentalMetrics(&row, asOf, funds)
	return row, true
}

func priceMetrics(row *model.SnapshotRow, closes, values []float64) {
	price := row.Close

	to(&row.SMA5)(calculator.SMA(closes, 5))
	to(&row.SMA20)(calculator.SMA(closes, 20))
	to(&row.SMA60)(calculator.SMA(closes, 60))
	to(&row.SMA120)(calculator.SMA(closes, 120))
	to(&row.SMA200)(calculator.SMA(closes, 200))
	distance(&row.DistSMA20, price, row.SMA20)
	distance(&row.DistSMA60, price, row.SMA60)
	distance(&row.DistSMA200, price, row.SMA200)

	to(&row.AvgValue20d)(calculator.MeanSkipNaN(values, 20))
	if row.AvgValue20d.Valid && row.MarketCap.Valid && row.MarketCap.Float64 > 0 {
		setValue(&row.Turnover20d, row.AvgValue20d.Float64/row.MarketCap.Float64)
	}

	if high, low, err := calculator.RangeHighLow(closes, calculator.TradingDaysPerYear); err == nil {
		setValue(&row.High52w, high)
		setValue(&row.Low52w, low)
		to(&row.Pos52w)(calculator.RangePosition(price, high, low))
		to(&row.Near52wHighRatio)(calculator.HighRatio(price, high))
	}

	rets := calculator.DailyReturns(closes)
	to(&row.Vol20d)(calculator.Volatility(rets, 20, 1))
	to(&row.Vol1y)(calculator.Volatility(rets, calculator.TradingDaysPerYear, math.Sqrt(calculator.TradingDaysPerYear)))
	to(&row.RSI14)(calculator.RSI(closes, 14))

	to(&row.Ret1w)(calculator.Return(closes, 5))
	to(&row.Ret1m)(calculator.Return(closes, 21))
	to(&row.Ret3m)(calculator.Return(closes, 63))
	to(&row.Ret6m)(calculator.Return(closes, 126))
	to(&row.Ret1y)(calculator.Return(closes, calculator.TradingDaysPerYear))
}

func fundamentalMetrics(row *model.SnapshotRow, asOf time.Time, funds []model.FundamentalPoint) {
	var eps []model.FundamentalPoint
	for _, f := range funds {
		if f.Date.After(asOf) {
			break
		}
		// each field carries its own latest observation
		latest(&row.PER, f.PER)
		latest(&row.PBR, f.PBR)
		latest(&row.EPS, f.EPS)
		latest(&row.BPS, f.BPS)
		latest(&row.DIV, f.DIV)
		latest(&row.DPS, f.DPS)
		latest(&row.ReserveRatio, f.ReserveRatio)
		if f.EPS.Valid {
			eps = append(eps, f)
		}
	}

	if row.EPS.Valid {
		positive := 0.0
		if row.EPS.Float64 > 0 {
			positive = 1
		}
		row.EPSPositive = null.FloatFrom(positive)
		if row.BPS.Valid && row.BPS.Float64 > 0 {
			setValue(&row.ROEProxy, row.EPS.Float64/row.BPS.Float64)
		}
	}

	if len(eps) == 0 {
		return
	}
	anchor := eps[len(eps)-1]

	if earlier, ok := anchorBefore(eps, asOf.AddDate(-cagrYears, 0, 0), cagrAnchorMaxLag); ok && earlier.Date.Before(anchor.Date) {
		to(&row.EPSCAGR5y)(calculator.CAGR(earlier.EPS.Float64, anchor.EPS.Float64, cagrYears))
	}
	if prior, ok := anchorBefore(eps, anchor.Date.AddDate(-1, 0, 0), yoyAnchorMaxLag); ok {
		to(&row.EPSYoYQ)(calculator.Growth(prior.EPS.Float64, anchor.EPS.Float64))
	}
}

// anchorBefore returns the latest point dated on or before target and no
// more than maxLag before it.
func anchorBefore(points []model.FundamentalPoint, target time.Time, maxLag time.Duration) (model.FundamentalPoint, bool) {
	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]
		if p.Date.After(target) {
			continue
		}
		if target.Sub(p.Date) > maxLag {
			return model.FundamentalPoint{}, false
		}
		return p, true
	}
	return model.FundamentalPoint{}, false
}

func distance(dst *null.Float, price float64, sma null.Float) {
	if sma.Valid {
		to(dst)(calculator.Distance(price, sma.Float64))
	}
}

func latest(dst *null.Float, v null.Float) {
	if v.Valid && isFinite(v.Float64) {
		*dst = v
	}
}

// to returns a setter that stores v into dst unless err is set.
func to(dst *null.Float) func(v float64, err error) {
	return func(v float64, err error) {
		if err == nil {
			setValue(dst, v)
		}
	}
}

func setValue(dst *null.Float, v float64) {
	if isFinite(v) {
		*dst = null.FloatFrom(v)
	}
}

func finite(v null.Float) null.Float {
	if v.Valid && !isFinite(v.Float64) {
		return null.Float{}
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
