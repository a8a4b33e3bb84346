package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"KRScreener/internal/model"
)

func (s *Store) markCoveredTx(ctx context.Context, tx *sql.Tx, kind model.DataKind, ticker string, r model.DateRange) error {
	if r.Empty() {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO fetch_coverage (kind, ticker, from_date, to_date, fetched_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(kind, ticker, from_date, to_date) DO UPDATE SET fetched_at = excluded.fetched_at`,
		string(kind), ticker, model.FormatDate(r.From), model.FormatDate(r.To), s.timestamp())
	if err != nil {
		return fmt.Errorf("mark coverage %s %s %s: %w", kind, ticker, r, err)
	}
	return nil
}

// uncoverTx removes r from the coverage of ticker. Records overlapping r are
// cut back to the days outside it.
func (s *Store) uncoverTx(ctx context.Context, tx *sql.Tx, kind model.DataKind, ticker string, r model.DateRange) error {
	from, to := model.FormatDate(r.From), model.FormatDate(r.To)
	rows, err := tx.QueryContext(ctx, `SELECT from_date, to_date FROM fetch_coverage
		WHERE kind = ? AND ticker = ? AND to_date >= ? AND from_date <= ?`,
		string(kind), ticker, from, to)
	if err != nil {
		return fmt.Errorf("query coverage %s: %w", ticker, err)
	}
	var overlapping []model.DateRange
	for rows.Next() {
		var f, t string
		if err := rows.Scan(&f, &t); err != nil {
			rows.Close()
			return fmt.Errorf("scan coverage: %w", err)
		}
		fd, err := model.ParseDate(f)
		if err != nil {
			rows.Close()
			return err
		}
		td, err := model.ParseDate(t)
		if err != nil {
			rows.Close()
			return err
		}
		overlapping = append(overlapping, model.DateRange{From: fd, To: td})
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fetch_coverage WHERE kind = ? AND ticker = ? AND to_date >= ? AND from_date <= ?`,
		string(kind), ticker, from, to); err != nil {
		return fmt.Errorf("invalidate coverage %s: %w", ticker, err)
	}
	for _, c := range overlapping {
		before := model.DateRange{From: c.From, To: r.From.AddDate(0, 0, -1)}
		after := model.DateRange{From: r.To.AddDate(0, 0, 1), To: c.To}
		if err := s.markCoveredTx(ctx, tx, kind, ticker, before); err != nil {
			return err
		}
		if err := s.markCoveredTx(ctx, tx, kind, ticker, after); err != nil {
			return err
		}
	}
	return nil
}

// MissingRanges reports, per ticker, the contiguous runs of weekdays inside r
// that have neither a stored row of kind nor a coverage record. Storing data
// for any part of r can only shrink the result.
func (s *Store) MissingRanges(ctx context.Context, kind model.DataKind, tickers []string, r model.DateRange) ([]model.MissingRange, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	if r.Empty() {
		return nil, nil
	}
	days := r.Weekdays()
	if len(days) == 0 {
		return nil, nil
	}

	var out []model.MissingRange
	for _, ticker := range tickers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		present, err := s.presentDays(ctx, table, ticker, r)
		if err != nil {
			return nil, err
		}
		covered, err := s.coverage(ctx, kind, ticker, r)
		if err != nil {
			return nil, err
		}

		var run *model.DateRange
		for _, d := range days {
			key := model.FormatDate(d)
			if present[key] || covers(covered, d) {
				if run != nil {
					out = append(out, model.MissingRange{Ticker: ticker, Range: *run})
					run = nil
				}
				continue
			}
			if run == nil {
				run = &model.DateRange{From: d, To: d}
			} else {
				run.To = d
			}
		}
		if run != nil {
			out = append(out, model.MissingRange{Ticker: ticker, Range: *run})
		}
	}
	return out, nil
}

func (s *Store) presentDays(ctx context.Context, table, ticker string, r model.DateRange) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date FROM `+table+` WHERE ticker = ? AND date BETWEEN ? AND ?`,
		ticker, model.FormatDate(r.From), model.FormatDate(r.To))
	if err != nil {
		return nil, fmt.Errorf("query %s days: %w", table, err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan day: %w", err)
		}
		present[d] = true
	}
	return present, rows.Err()
}

func (s *Store) coverage(ctx context.Context, kind model.DataKind, ticker string, r model.DateRange) ([]model.DateRange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_date, to_date FROM fetch_coverage
		WHERE kind = ? AND ticker = ? AND to_date >= ? AND from_date <= ?`,
		string(kind), ticker, model.FormatDate(r.From), model.FormatDate(r.To))
	if err != nil {
		return nil, fmt.Errorf("query coverage: %w", err)
	}
	defer rows.Close()

	var out []model.DateRange
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan coverage: %w", err)
		}
		f, err := model.ParseDate(from)
		if err != nil {
			return nil, err
		}
		t, err := model.ParseDate(to)
		if err != nil {
			return nil, err
		}
		out = append(out, model.DateRange{From: f, To: t})
	}
	return out, rows.Err()
}

func covers(ranges []model.DateRange, d time.Time) bool {
	for _, r := range ranges {
		if r.Contains(d) {
			return true
		}
	}
	return false
}
