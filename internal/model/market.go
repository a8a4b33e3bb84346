package model

import (
	"fmt"
	"time"

	"github.com/guregu/null/v6"
)

// DateLayout is the persisted and wire format of every calendar date.
const DateLayout = "2006-01-02"

// Markets covered by collection.
const (
	MarketKOSPI  = "KOSPI"
	MarketKOSDAQ = "KOSDAQ"
)

// Ticker is a ticker master entry.
type Ticker struct {
	Code   string `json:"ticker"`
	Name   string `json:"name"`
	Market string `json:"market"`
	Active bool   `json:"active"`
}

// PricePoint is one daily OHLCV bar plus the market-cap observation of the same day.
type PricePoint struct {
	Ticker    string     `json:"ticker"`
	Date      time.Time  `json:"date"`
	Open      float64    `json:"open"`
	High      float64    `json:"high"`
	Low       float64    `json:"low"`
	Close     float64    `json:"close"`
	Volume    float64    `json:"volume"`
	Value     null.Float `json:"value"`      // traded value (KRW)
	MarketCap null.Float `json:"market_cap"` // KRW
	Shares    null.Float `json:"shares"`
}

// FundamentalPoint is a sparse fundamental observation (month/quarter-end anchors).
// ReserveRatio is written by the reserve-ratio updater only.
type FundamentalPoint struct {
	Ticker       string     `json:"ticker"`
	Date         time.Time  `json:"date"`
	PER          null.Float `json:"per"`
	PBR          null.Float `json:"pbr"`
	EPS          null.Float `json:"eps"`
	BPS          null.Float `json:"bps"`
	DIV          null.Float `json:"div"`
	DPS          null.Float `json:"dps"`
	ReserveRatio null.Float `json:"reserve_ratio"`
}

// DataKind selects which raw table a cache operation addresses.
type DataKind string

const (
	KindPrices       DataKind = "prices"
	KindFundamentals DataKind = "fundamentals"
)

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// NewDateRange normalizes both ends to UTC midnight.
func NewDateRange(from, to time.Time) DateRange {
	return DateRange{From: Day(from), To: Day(to)}
}

// Contains reports whether d falls inside the range.
func (r DateRange) Contains(d time.Time) bool {
	d = Day(d)
	return !d.Before(r.From) && !d.After(r.To)
}

// Empty reports whether the range holds no days.
func (r DateRange) Empty() bool {
	return r.To.Before(r.From)
}

// Weekdays lists the Monday-Friday days of the range in order.
func (r DateRange) Weekdays() []time.Time {
	var days []time.Time
	for d := r.From; !d.After(r.To); d = d.AddDate(0, 0, 1) {
		if IsWeekday(d) {
			days = append(days, d)
		}
	}
	return days
}

func (r DateRange) String() string {
	return fmt.Sprintf("%s~%s", FormatDate(r.From), FormatDate(r.To))
}

// MissingRange is a contiguous run of uncollected days for one ticker.
type MissingRange struct {
	Ticker string
	Range  DateRange
}

// Day truncates t to its calendar day in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsWeekday reports whether d is Monday through Friday.
func IsWeekday(d time.Time) bool {
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders d as YYYY-MM-DD.
func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}
