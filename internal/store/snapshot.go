package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"KRScreener/internal/model"
)

// metricColumns lines up with metricFields.
var metricColumns = []string{
	"mcap", "avg_value_20d", "turnover_20d",
	"per", "pbr", "div", "dps", "eps", "bps",
	"reserve_ratio", "roe_proxy", "eps_positive",
	"sma5", "sma20", "sma60", "sma120", "sma200",
	"dist_sma20", "dist_sma60", "dist_sma200",
	"high_52w", "low_52w", "pos_52w", "near_52w_high_ratio",
	"vol_20d", "vol_1y", "rsi_14",
	"ret_1w", "ret_1m", "ret_3m", "ret_6m", "ret_1y",
	"eps_cagr_5y", "eps_yoy_q",
}

func metricFields(r *model.SnapshotRow) []any {
	return []any{
		&r.MarketCap, &r.AvgValue20d, &r.Turnover20d,
		&r.PER, &r.PBR, &r.DIV, &r.DPS, &r.EPS, &r.BPS,
		&r.ReserveRatio, &r.ROEProxy, &r.EPSPositive,
		&r.SMA5, &r.SMA20, &r.SMA60, &r.SMA120, &r.SMA200,
		&r.DistSMA20, &r.DistSMA60, &r.DistSMA200,
		&r.High52w, &r.Low52w, &r.Pos52w, &r.Near52wHighRatio,
		&r.Vol20d, &r.Vol1y, &r.RSI14,
		&r.Ret1w, &r.Ret1m, &r.Ret3m, &r.Ret6m, &r.Ret1y,
		&r.EPSCAGR5y, &r.EPSYoYQ,
	}
}

var snapshotSelect = `SELECT asof_date, ticker, name, market, close, ` +
	strings.Join(metricColumns, ", ") + `, calc_version FROM snapshot_metrics`

// ReplaceSnapshot swaps the full snapshot of asOf for rows in one transaction.
// Readers see either the previous rows or the new ones, never a mix; on any
// failure the previous rows remain.
func (s *Store) ReplaceSnapshot(ctx context.Context, asOf time.Time, rows []model.SnapshotRow) (int, error) {
	day := model.FormatDate(asOf)
	cols := append([]string{"asof_date", "ticker", "name", "market", "close"}, metricColumns...)
	cols = append(cols, "calc_version", "created_at")
	insert := `INSERT INTO snapshot_metrics (` + strings.Join(cols, ", ") +
		`) VALUES (` + placeholders(len(cols)) + `)`

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_metrics WHERE asof_date = ?`, day); err != nil {
			return fmt.Errorf("clear snapshot %s: %w", day, err)
		}
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("prepare snapshot insert: %w", err)
		}
		defer stmt.Close()

		ts := s.timestamp()
		for i := range rows {
			r := &rows[i]
			if err := ctx.Err(); err != nil {
				return err
			}
			args := []any{day, r.Ticker, r.Name, r.Market, r.Close}
			args = append(args, metricFields(r)...)
			args = append(args, r.CalcVersion, ts)
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert snapshot row %s: %w", r.Ticker, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("asof", day).Int("rows", len(rows)).Msg("snapshot replaced")
	return len(rows), nil
}

// LoadSnapshot returns every row of asOf ordered by ticker.
func (s *Store) LoadSnapshot(ctx context.Context, asOf time.Time) ([]model.SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, snapshotSelect+` WHERE asof_date = ? ORDER BY ticker`, model.FormatDate(asOf))
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var out []model.SnapshotRow
	for rows.Next() {
		var r model.SnapshotRow
		var day string
		var name, market sql.NullString
		dest := []any{&day, &r.Ticker, &name, &market, &r.Close}
		dest = append(dest, metricFields(&r)...)
		dest = append(dest, &r.CalcVersion)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if r.AsOf, err = model.ParseDate(day); err != nil {
			return nil, err
		}
		r.Name, r.Market = name.String, market.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSnapshotDate returns the newest as-of date with a stored snapshot.
func (s *Store) LatestSnapshotDate(ctx context.Context) (time.Time, error) {
	return s.maxDate(ctx, `SELECT MAX(asof_date) FROM snapshot_metrics`)
}

// LatestSnapshotOnOrBefore returns the newest snapshot date not after d.
func (s *Store) LatestSnapshotOnOrBefore(ctx context.Context, d time.Time) (time.Time, error) {
	return s.maxDate(ctx, `SELECT MAX(asof_date) FROM snapshot_metrics WHERE asof_date <= ?`, model.FormatDate(d))
}

// HasSnapshot reports whether any row exists for asOf.
func (s *Store) HasSnapshot(ctx context.Context, asOf time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM snapshot_metrics WHERE asof_date = ? LIMIT 1`,
		model.FormatDate(asOf)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query snapshot presence: %w", err)
	}
	return true, nil
}

// SnapshotDates lists stored as-of dates, newest first.
func (s *Store) SnapshotDates(ctx context.Context, limit int) ([]time.Time, error) {
	q := `SELECT DISTINCT asof_date FROM snapshot_metrics ORDER BY asof_date DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshot dates: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("scan snapshot date: %w", err)
		}
		d, err := model.ParseDate(day)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
