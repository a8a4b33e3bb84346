package model

import (
	"time"

	"github.com/guregu/null/v6"
)

// CalcVersion tags rows with the metric definitions that produced them.
const CalcVersion = "v2.0"

// SnapshotRow holds every derived metric of one ticker for one as-of date.
// A metric that could not be computed is null, never zero.
type SnapshotRow struct {
	AsOf   time.Time `json:"asof_date"`
	Ticker string    `json:"ticker"`
	Name   string    `json:"name"`
	Market string    `json:"market"`

	Close       float64    `json:"close"`
	MarketCap   null.Float `json:"mcap"`
	AvgValue20d null.Float `json:"avg_value_20d"`
	Turnover20d null.Float `json:"turnover_20d"`

	PER          null.Float `json:"per"`
	PBR          null.Float `json:"pbr"`
	DIV          null.Float `json:"div"`
	DPS          null.Float `json:"dps"`
	EPS          null.Float `json:"eps"`
	BPS          null.Float `json:"bps"`
	ReserveRatio null.Float `json:"reserve_ratio"`
	ROEProxy     null.Float `json:"roe_proxy"`
	EPSPositive  null.Float `json:"eps_positive"`

	SMA5       null.Float `json:"sma5"`
	SMA20      null.Float `json:"sma20"`
	SMA60      null.Float `json:"sma60"`
	SMA120     null.Float `json:"sma120"`
	SMA200     null.Float `json:"sma200"`
	DistSMA20  null.Float `json:"dist_sma20"`
	DistSMA60  null.Float `json:"dist_sma60"`
	DistSMA200 null.Float `json:"dist_sma200"`

	High52w          null.Float `json:"high_52w"`
	Low52w           null.Float `json:"low_52w"`
	Pos52w           null.Float `json:"pos_52w"`
	Near52wHighRatio null.Float `json:"near_52w_high_ratio"`

	Vol20d null.Float `json:"vol_20d"`
	Vol1y  null.Float `json:"vol_1y"`
	RSI14  null.Float `json:"rsi_14"`

	Ret1w null.Float `json:"ret_1w"`
	Ret1m null.Float `json:"ret_1m"`
	Ret3m null.Float `json:"ret_3m"`
	Ret6m null.Float `json:"ret_6m"`
	Ret1y null.Float `json:"ret_1y"`

	EPSCAGR5y null.Float `json:"eps_cagr_5y"`
	EPSYoYQ   null.Float `json:"eps_yoy_q"`

	CalcVersion string `json:"calc_version"`
}
