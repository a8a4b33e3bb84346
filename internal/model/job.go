package model

import "time"

// Job stages recorded in the job log.
const (
	StageTickers      = "tickers"
	StagePrices       = "prices"
	StageFundamentals = "fundamentals"
	StageSnapshot     = "snapshot"
	StageReserveRatio = "reserve_ratio"
)

// Job statuses.
const (
	JobRunning   = "RUNNING"
	JobSucceeded = "SUCCEEDED"
	JobPartial   = "PARTIAL"
	JobFailed    = "FAILED"
	JobCancelled = "CANCELLED"
)

// JobLog is one stage of a collection run.
type JobLog struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Message   string    `json:"message"`
	RowCount  int       `json:"row_count"`
}

// BatchResult summarizes one collection run.
type BatchResult struct {
	RunID           string        `json:"run_id"`
	AsOf            time.Time     `json:"asof_date"`
	Tickers         int           `json:"tickers"`
	PriceRows       int           `json:"price_rows"`
	FundamentalRows int           `json:"fundamental_rows"`
	SnapshotRows    int           `json:"snapshot_rows"`
	SkippedTickers  []string      `json:"skipped_tickers,omitempty"`
	FailedTickers   []string      `json:"failed_tickers,omitempty"`
	Cancelled       bool          `json:"cancelled"`
	Elapsed         time.Duration `json:"elapsed"`
}
