// Package screener evaluates filter selections against snapshot rows and
// converts selections to and from their flat query form.
package screener

import (
	"math"

	"github.com/guregu/null/v6"

	"KRScreener/internal/model"
)

// Kind is the comparison domain of a field.
type Kind string

const (
	KindNumeric  Kind = "numeric"
	KindCategory Kind = "category"
)

// Bucket is a fixed, named range of a numeric field ([Min, Max), null = open)
// or a label of a category field.
type Bucket struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Min   null.Float `json:"min"`
	Max   null.Float `json:"max"`
	Value string     `json:"value,omitempty"`
}

// Contains reports whether v falls in [Min, Max).
func (b Bucket) Contains(v float64) bool {
	if b.Min.Valid && v < b.Min.Float64 {
		return false
	}
	if b.Max.Valid && v >= b.Max.Float64 {
		return false
	}
	return true
}

// Field describes one filterable snapshot column.
type Field struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Group        string   `json:"group"`
	Unit         string   `json:"unit,omitempty"`
	Kind         Kind     `json:"kind"`
	MinInclusive bool     `json:"min_inclusive"`
	MaxInclusive bool     `json:"max_inclusive"`
	Buckets      []Bucket `json:"buckets,omitempty"`

	number   func(r *model.SnapshotRow) null.Float
	category func(r *model.SnapshotRow) string
}

// Bucket returns the bucket with id.
func (f *Field) Bucket(id string) (Bucket, bool) {
	for _, b := range f.Buckets {
		if b.ID == id {
			return b, true
		}
	}
	return Bucket{}, false
}

// Value extracts the numeric value of the field from r.
func (f *Field) Value(r *model.SnapshotRow) null.Float {
	if f.number == nil {
		return null.Float{}
	}
	return f.number(r)
}

// FieldGroup lists fields in display order.
type FieldGroup struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

var (
	fields     = make(map[string]*Field)
	fieldOrder []string
	groupOrder = []string{"Identity", "Valuation", "Size & Liquidity", "Trend", "Momentum", "Risk", "Growth"}
)

func init() {
	registerIdentity()
	registerValuation()
	registerLiquidity()
	registerTrend()
	registerMomentum()
	registerRisk()
	registerGrowth()
}

// Lookup returns the field registered under id.
func Lookup(id string) (*Field, bool) {
	f, ok := fields[id]
	return f, ok
}

// FieldIDs returns every field id in registration order.
func FieldIDs() []string {
	return append([]string(nil), fieldOrder...)
}

// Groups returns the registry grouped for display.
func Groups() []FieldGroup {
	byGroup := make(map[string][]Field)
	for _, id := range fieldOrder {
		f := fields[id]
		byGroup[f.Group] = append(byGroup[f.Group], *f)
	}
	out := make([]FieldGroup, 0, len(groupOrder))
	for _, g := range groupOrder {
		if fs, ok := byGroup[g]; ok {
			out = append(out, FieldGroup{Name: g, Fields: fs})
		}
	}
	return out
}

func register(f Field) {
	if f.Kind == "" {
		f.Kind = KindNumeric
	}
	fields[f.ID] = &f
	fieldOrder = append(fieldOrder, f.ID)
}

func numeric(id, label, group, unit string, get func(r *model.SnapshotRow) null.Float, buckets ...Bucket) {
	register(Field{
		ID: id, Label: label, Group: group, Unit: unit,
		MinInclusive: true, MaxInclusive: true,
		Buckets: buckets, number: get,
	})
}

// span builds a numeric bucket; infinite bounds are open.
func span(id, label string, lo, hi float64) Bucket {
	b := Bucket{ID: id, Label: label}
	if !math.IsInf(lo, 0) {
		b.Min = null.FloatFrom(lo)
	}
	if !math.IsInf(hi, 0) {
		b.Max = null.FloatFrom(hi)
	}
	return b
}

var (
	below = math.Inf(-1)
	above = math.Inf(1)
)

func registerIdentity() {
	register(Field{
		ID: "market", Label: "Market", Group: "Identity", Kind: KindCategory,
		Buckets: []Bucket{
			{ID: "kospi", Label: "KOSPI", Value: model.MarketKOSPI},
			{ID: "kosdaq", Label: "KOSDAQ", Value: model.MarketKOSDAQ},
		},
		category: func(r *model.SnapshotRow) string { return r.Market },
	})
}

func registerValuation() {
	g := "Valuation"
	// Non-positive PER/PBR come from losses or capital impairment, so range
	// minimums are exclusive.
	register(Field{
		ID: "per", Label: "PER", Group: g, Unit: "x", MaxInclusive: true,
		Buckets: []Bucket{
			span("lt5", "< 5", below, 5),
			span("5to10", "5 ~ 10", 5, 10),
			span("10to15", "10 ~ 15", 10, 15),
			span("15to25", "15 ~ 25", 15, 25),
			span("gte25", "≥ 25", 25, above),
		},
		number: func(r *model.SnapshotRow) null.Float { return r.PER },
	})
	register(Field{
		ID: "pbr", Label: "PBR", Group: g, Unit: "x", MaxInclusive: true,
		Buckets: []Bucket{
			span("lt0_5", "< 0.5", below, 0.5),
			span("0_5to1", "0.5 ~ 1", 0.5, 1),
			span("1to2", "1 ~ 2", 1, 2),
			span("gte2", "≥ 2", 2, above),
		},
		number: func(r *model.SnapshotRow) null.Float { return r.PBR },
	})
	numeric("div", "Dividend yield", g, "%", func(r *model.SnapshotRow) null.Float { return r.DIV },
		span("lt1", "< 1%", below, 1),
		span("1to3", "1 ~ 3%", 1, 3),
		span("3to5", "3 ~ 5%", 3, 5),
		span("gte5", "≥ 5%", 5, above),
	)
	numeric("dps", "DPS", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.DPS })
	numeric("eps", "EPS", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.EPS })
	numeric("bps", "BPS", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.BPS })
	numeric("roe_proxy", "ROE (EPS/BPS)", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.ROEProxy },
		span("neg", "< 0", below, 0),
		span("0to10", "0 ~ 10%", 0, 0.10),
		span("10to20", "10 ~ 20%", 0.10, 0.20),
		span("gte20", "≥ 20%", 0.20, above),
	)
	numeric("eps_positive", "EPS positive", g, "", func(r *model.SnapshotRow) null.Float { return r.EPSPositive },
		span("no", "No", below, 0.5),
		span("yes", "Yes", 0.5, above),
	)
	numeric("reserve_ratio", "Reserve ratio", g, "%", func(r *model.SnapshotRow) null.Float { return r.ReserveRatio },
		span("lt500", "< 500%", below, 500),
		span("500to1000", "500 ~ 1000%", 500, 1000),
		span("gte1000", "≥ 1000%", 1000, above),
	)
}

func registerLiquidity() {
	g := "Size & Liquidity"
	numeric("close", "Close", g, "KRW", func(r *model.SnapshotRow) null.Float { return null.FloatFrom(r.Close) })
	numeric("mcap", "Market cap", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.MarketCap },
		span("small", "< 300B", below, 3e11),
		span("mid", "300B ~ 2T", 3e11, 2e12),
		span("large", "2T ~ 10T", 2e12, 1e13),
		span("mega", "≥ 10T", 1e13, above),
	)
	numeric("avg_value_20d", "Avg traded value (20d)", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.AvgValue20d },
		span("lt100m", "< 100M", below, 1e8),
		span("100m_1b", "100M ~ 1B", 1e8, 1e9),
		span("1b_10b", "1B ~ 10B", 1e9, 1e10),
		span("gte10b", "≥ 10B", 1e10, above),
	)
	numeric("turnover_20d", "Turnover (20d)", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.Turnover20d })
}

func registerTrend() {
	g := "Trend"
	numeric("sma5", "SMA 5", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.SMA5 })
	numeric("sma20", "SMA 20", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.SMA20 })
	numeric("sma60", "SMA 60", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.SMA60 })
	numeric("sma120", "SMA 120", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.SMA120 })
	numeric("sma200", "SMA 200", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.SMA200 })
	distBuckets := []Bucket{
		span("below", "Below", below, 0),
		span("0to10", "0 ~ 10% above", 0, 0.10),
		span("gte10", "≥ 10% above", 0.10, above),
	}
	numeric("dist_sma20", "Distance to SMA 20", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.DistSMA20 }, distBuckets...)
	numeric("dist_sma60", "Distance to SMA 60", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.DistSMA60 }, distBuckets...)
	numeric("dist_sma200", "Distance to SMA 200", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.DistSMA200 }, distBuckets...)
	numeric("high_52w", "52w high", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.High52w })
	numeric("low_52w", "52w low", g, "KRW", func(r *model.SnapshotRow) null.Float { return r.Low52w })
	numeric("pos_52w", "52w position", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.Pos52w },
		span("bottom", "Bottom quarter", below, 0.25),
		span("lower", "Lower half", 0.25, 0.5),
		span("upper", "Upper half", 0.5, 0.75),
		span("top", "Top quarter", 0.75, above),
	)
	numeric("near_52w_high_ratio", "Close / 52w high", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.Near52wHighRatio },
		span("lt80", "< 80%", below, 0.8),
		span("80to90", "80 ~ 90%", 0.8, 0.9),
		span("gte90", "≥ 90%", 0.9, above),
	)
}

func registerMomentum() {
	g := "Momentum"
	retBuckets := []Bucket{
		span("down10", "< -10%", below, -0.10),
		span("down", "-10 ~ 0%", -0.10, 0),
		span("up", "0 ~ 10%", 0, 0.10),
		span("up10", "≥ 10%", 0.10, above),
	}
	numeric("ret_1w", "Return 1w", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.Ret1w }, retBuckets...)
	numeric("ret_1m", "Return 1m", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.Ret1m }, retBuckets...)
	numeric("ret_3m", "Return 3m", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.Ret3m }, retBuckets...)
	numeric("ret_6m", "Return 6m", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.Ret6m }, retBuckets...)
	numeric("ret_1y", "Return 1y", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.Ret1y }, retBuckets...)
	numeric("rsi_14", "RSI 14", g, "", func(r *model.SnapshotRow) null.Float { return r.RSI14 },
		span("oversold", "Oversold (< 30)", below, 30),
		span("neutral", "Neutral", 30, 70),
		span("overbought", "Overbought (≥ 70)", 70, above),
	)
}

func registerRisk() {
	g := "Risk"
	numeric("vol_20d", "Volatility 20d (daily)", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.Vol20d },
		span("low", "< 1.5%", below, 0.015),
		span("mid", "1.5 ~ 3%", 0.015, 0.03),
		span("high", "≥ 3%", 0.03, above),
	)
	numeric("vol_1y", "Volatility 1y (annualized)", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.Vol1y },
		span("low", "< 25%", below, 0.25),
		span("mid", "25 ~ 50%", 0.25, 0.5),
		span("high", "≥ 50%", 0.5, above),
	)
}

func registerGrowth() {
	g := "Growth"
	growthBuckets := []Bucket{
		span("neg", "< 0", below, 0),
		span("0to15", "0 ~ 15%", 0, 0.15),
		span("15to30", "15 ~ 30%", 0.15, 0.30),
		span("gte30", "≥ 30%", 0.30, above),
	}
	numeric("eps_cagr_5y", "EPS CAGR 5y", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.EPSCAGR5y }, growthBuckets...)
	numeric("eps_yoy_q", "EPS YoY", g, "ratio", func(r *model.SnapshotRow) null.Float { return r.EPSYoYQ }, growthBuckets...)
}
