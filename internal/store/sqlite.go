// Package store persists raw market observations and computed snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"KRScreener/internal/common"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store is the handle to the screener database. Writes are serialized
// through mu; every batch commits in one transaction.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *common.Logger
	now    func() time.Time
}

// Open opens (or creates) the SQLite database and runs migrations.
func Open(dbPath string, logger *common.Logger) (*Store, error) {
	// busy_timeout lets readers and the single writer wait instead of failing;
	// immediate transactions take the write lock up front.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets API readers see the last committed snapshot while a rebuild writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("sqlite store opened")
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tickers (
			ticker      TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			market      TEXT NOT NULL,
			active_flag INTEGER NOT NULL DEFAULT 1,
			updated_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS prices_daily (
			date      TEXT NOT NULL,
			ticker    TEXT NOT NULL,
			open      REAL,
			high      REAL,
			low       REAL,
			close     REAL NOT NULL,
			volume    REAL,
			value     REAL,
			mcap      REAL,
			shares    REAL,
			source_ts TEXT NOT NULL,
			PRIMARY KEY (date, ticker)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prices_ticker_date ON prices_daily(ticker, date)`,

		`CREATE TABLE IF NOT EXISTS fundamental_daily (
			date               TEXT NOT NULL,
			ticker             TEXT NOT NULL,
			per                REAL,
			pbr                REAL,
			eps                REAL,
			bps                REAL,
			div                REAL,
			dps                REAL,
			reserve_ratio      REAL,
			reserve_updated_at TEXT,
			source_ts          TEXT NOT NULL,
			PRIMARY KEY (date, ticker)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fund_ticker_date ON fundamental_daily(ticker, date)`,

		`CREATE TABLE IF NOT EXISTS fetch_coverage (
			kind       TEXT NOT NULL,
			ticker     TEXT NOT NULL,
			from_date  TEXT NOT NULL,
			to_date    TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			PRIMARY KEY (kind, ticker, from_date, to_date)
		)`,

		`CREATE TABLE IF NOT EXISTS snapshot_metrics (
			asof_date           TEXT NOT NULL,
			ticker              TEXT NOT NULL,
			name                TEXT,
			market              TEXT,
			close               REAL NOT NULL,
			mcap                REAL,
			avg_value_20d       REAL,
			turnover_20d        REAL,
			per                 REAL,
			pbr                 REAL,
			div                 REAL,
			dps                 REAL,
			eps                 REAL,
			bps                 REAL,
			reserve_ratio       REAL,
			roe_proxy           REAL,
			eps_positive        REAL,
			sma5                REAL,
			sma20               REAL,
			sma60               REAL,
			sma120              REAL,
			sma200              REAL,
			dist_sma20          REAL,
			dist_sma60          REAL,
			dist_sma200         REAL,
			high_52w            REAL,
			low_52w             REAL,
			pos_52w             REAL,
			near_52w_high_ratio REAL,
			vol_20d             REAL,
			vol_1y              REAL,
			rsi_14              REAL,
			ret_1w              REAL,
			ret_1m              REAL,
			ret_3m              REAL,
			ret_6m              REAL,
			ret_1y              REAL,
			eps_cagr_5y         REAL,
			eps_yoy_q           REAL,
			calc_version        TEXT NOT NULL,
			created_at          TEXT NOT NULL,
			PRIMARY KEY (asof_date, ticker)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_asof ON snapshot_metrics(asof_date)`,

		`CREATE TABLE IF NOT EXISTS job_log (
			run_id     TEXT NOT NULL,
			stage      TEXT NOT NULL,
			status     TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at   TEXT,
			message    TEXT,
			row_count  INTEGER,
			PRIMARY KEY (run_id, stage)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.logger.Info().Msg("closing sqlite store")
	return s.db.Close()
}

// withTx runs fn inside one write transaction under the writer lock.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}
