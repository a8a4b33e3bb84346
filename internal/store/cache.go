package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"KRScreener/internal/model"
)

var kindTables = map[model.DataKind]string{
	model.KindPrices:       "prices_daily",
	model.KindFundamentals: "fundamental_daily",
}

func tableFor(kind model.DataKind) (string, error) {
	t, ok := kindTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown data kind %q", kind)
	}
	return t, nil
}

// UpsertTickers stores the ticker master. Existing entries are updated in place.
func (s *Store) UpsertTickers(ctx context.Context, tickers []model.Ticker) (int, error) {
	if len(tickers) == 0 {
		return 0, nil
	}
	ts := s.timestamp()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO tickers (ticker, name, market, active_flag, updated_at)
			VALUES (?,?,?,?,?)
			ON CONFLICT(ticker) DO UPDATE SET
				name = excluded.name,
				market = excluded.market,
				active_flag = excluded.active_flag,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("prepare ticker upsert: %w", err)
		}
		defer stmt.Close()
		for _, t := range tickers {
			if _, err := stmt.ExecContext(ctx, t.Code, t.Name, t.Market, boolInt(t.Active), ts); err != nil {
				return fmt.Errorf("upsert ticker %s: %w", t.Code, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(tickers), nil
}

// ListTickers returns the ticker master ordered by code.
func (s *Store) ListTickers(ctx context.Context, activeOnly bool) ([]model.Ticker, error) {
	q := `SELECT ticker, name, market, active_flag FROM tickers`
	if activeOnly {
		q += ` WHERE active_flag = 1`
	}
	q += ` ORDER BY ticker`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query tickers: %w", err)
	}
	defer rows.Close()

	var out []model.Ticker
	for rows.Next() {
		var t model.Ticker
		var active int
		if err := rows.Scan(&t.Code, &t.Name, &t.Market, &active); err != nil {
			return nil, fmt.Errorf("scan ticker: %w", err)
		}
		t.Active = active == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertPrices writes price points keyed by (date, ticker). Re-inserting the
// same point leaves the table unchanged.
func (s *Store) UpsertPrices(ctx context.Context, points []model.PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsertPricesTx(ctx, tx, points)
	})
	if err != nil {
		return 0, err
	}
	return len(points), nil
}

func (s *Store) upsertPricesTx(ctx context.Context, tx *sql.Tx, points []model.PricePoint) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO prices_daily
		(date, ticker, open, high, low, close, volume, value, mcap, shares, source_ts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(date, ticker) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			value = excluded.value,
			mcap = excluded.mcap,
			shares = excluded.shares,
			source_ts = excluded.source_ts`)
	if err != nil {
		return fmt.Errorf("prepare price upsert: %w", err)
	}
	defer stmt.Close()

	ts := s.timestamp()
	for _, p := range points {
		_, err := stmt.ExecContext(ctx, model.FormatDate(p.Date), p.Ticker,
			p.Open, p.High, p.Low, p.Close, p.Volume,
			p.Value, p.MarketCap, p.Shares, ts)
		if err != nil {
			return fmt.Errorf("upsert price %s %s: %w", p.Ticker, model.FormatDate(p.Date), err)
		}
	}
	return nil
}

// UpsertFundamentals writes fundamental points keyed by (date, ticker).
// A stored reserve ratio survives re-upserts that carry none.
func (s *Store) UpsertFundamentals(ctx context.Context, points []model.FundamentalPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsertFundamentalsTx(ctx, tx, points)
	})
	if err != nil {
		return 0, err
	}
	return len(points), nil
}

func (s *Store) upsertFundamentalsTx(ctx context.Context, tx *sql.Tx, points []model.FundamentalPoint) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO fundamental_daily
		(date, ticker, per, pbr, eps, bps, div, dps, reserve_ratio, source_ts)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(date, ticker) DO UPDATE SET
			per = excluded.per,
			pbr = excluded.pbr,
			eps = excluded.eps,
			bps = excluded.bps,
			div = excluded.div,
			dps = excluded.dps,
			reserve_ratio = COALESCE(excluded.reserve_ratio, fundamental_daily.reserve_ratio),
			source_ts = excluded.source_ts`)
	if err != nil {
		return fmt.Errorf("prepare fundamental upsert: %w", err)
	}
	defer stmt.Close()

	ts := s.timestamp()
	for _, p := range points {
		_, err := stmt.ExecContext(ctx, model.FormatDate(p.Date), p.Ticker,
			p.PER, p.PBR, p.EPS, p.BPS, p.DIV, p.DPS, p.ReserveRatio, ts)
		if err != nil {
			return fmt.Errorf("upsert fundamental %s %s: %w", p.Ticker, model.FormatDate(p.Date), err)
		}
	}
	return nil
}

// StorePrices upserts points fetched for ticker over r and marks r as
// covered, so days the source had no bar for are not requested again.
// Callers pass only the part of the fetched range the source has published.
func (s *Store) StorePrices(ctx context.Context, ticker string, r model.DateRange, points []model.PricePoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.upsertPricesTx(ctx, tx, points); err != nil {
			return err
		}
		return s.markCoveredTx(ctx, tx, model.KindPrices, ticker, r)
	})
}

// StoreFundamentals is StorePrices for fundamental observations.
func (s *Store) StoreFundamentals(ctx context.Context, ticker string, r model.DateRange, points []model.FundamentalPoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.upsertFundamentalsTx(ctx, tx, points); err != nil {
			return err
		}
		return s.markCoveredTx(ctx, tx, model.KindFundamentals, ticker, r)
	})
}

// Invalidate deletes stored rows of kind for tickers inside r and removes r
// from their coverage, forcing a refetch. Coverage outside r is kept.
func (s *Store) Invalidate(ctx context.Context, kind model.DataKind, tickers []string, r model.DateRange) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	from, to := model.FormatDate(r.From), model.FormatDate(r.To)

	var deleted int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tickers {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE ticker = ? AND date BETWEEN ? AND ?`, t, from, to)
			if err != nil {
				return fmt.Errorf("invalidate %s %s: %w", table, t, err)
			}
			n, _ := res.RowsAffected()
			deleted += n

			if err := s.uncoverTx(ctx, tx, kind, t, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

// ReadPrices returns the stored bars of tickers inside r ordered by ticker then date.
// An empty tickers slice reads every ticker.
func (s *Store) ReadPrices(ctx context.Context, tickers []string, r model.DateRange) ([]model.PricePoint, error) {
	q, args := rangeQuery(`SELECT ticker, date, open, high, low, close, volume, value, mcap, shares
		FROM prices_daily`, tickers, r)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	var out []model.PricePoint
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReadFundamentals returns stored fundamentals of tickers inside r ordered by ticker then date.
func (s *Store) ReadFundamentals(ctx context.Context, tickers []string, r model.DateRange) ([]model.FundamentalPoint, error) {
	q, args := rangeQuery(`SELECT ticker, date, per, pbr, eps, bps, div, dps, reserve_ratio
		FROM fundamental_daily`, tickers, r)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query fundamentals: %w", err)
	}
	defer rows.Close()

	var out []model.FundamentalPoint
	for rows.Next() {
		var p model.FundamentalPoint
		var date string
		if err := rows.Scan(&p.Ticker, &date, &p.PER, &p.PBR, &p.EPS, &p.BPS, &p.DIV, &p.DPS, &p.ReserveRatio); err != nil {
			return nil, fmt.Errorf("scan fundamental: %w", err)
		}
		if p.Date, err = model.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReadPriceWindow returns, per ticker, the last bars bars dated on or before
// asOf in ascending date order. Nothing after asOf is ever read.
func (s *Store) ReadPriceWindow(ctx context.Context, asOf time.Time, bars int) (map[string][]model.PricePoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ticker, date, open, high, low, close, volume, value, mcap, shares
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY ticker ORDER BY date DESC) AS rn
			FROM prices_daily
			WHERE date <= ?
		)
		WHERE rn <= ?
		ORDER BY ticker, date`, model.FormatDate(asOf), bars)
	if err != nil {
		return nil, fmt.Errorf("query price window: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.PricePoint)
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out[p.Ticker] = append(out[p.Ticker], p)
	}
	return out, rows.Err()
}

// LatestDate returns the newest date with any stored row of kind.
func (s *Store) LatestDate(ctx context.Context, kind model.DataKind) (time.Time, error) {
	table, err := tableFor(kind)
	if err != nil {
		return time.Time{}, err
	}
	return s.maxDate(ctx, `SELECT MAX(date) FROM `+table)
}

// LatestPriceDate returns the newest date with any stored bar.
func (s *Store) LatestPriceDate(ctx context.Context) (time.Time, error) {
	return s.maxDate(ctx, `SELECT MAX(date) FROM prices_daily`)
}

// UpdateReserveRatios writes ratios onto each ticker's latest fundamental row
// dated on or before asOf. Tickers without such a row are skipped.
func (s *Store) UpdateReserveRatios(ctx context.Context, asOf time.Time, ratios map[string]float64) (int, error) {
	if len(ratios) == 0 {
		return 0, nil
	}
	day := model.FormatDate(asOf)
	ts := s.timestamp()

	var updated int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE fundamental_daily
			SET reserve_ratio = ?, reserve_updated_at = ?
			WHERE ticker = ? AND date = (
				SELECT MAX(date) FROM fundamental_daily WHERE ticker = ? AND date <= ?
			)`)
		if err != nil {
			return fmt.Errorf("prepare reserve update: %w", err)
		}
		defer stmt.Close()
		for ticker, ratio := range ratios {
			res, err := stmt.ExecContext(ctx, ratio, ts, ticker, ticker, day)
			if err != nil {
				return fmt.Errorf("update reserve ratio %s: %w", ticker, err)
			}
			n, _ := res.RowsAffected()
			updated += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(updated), nil
}

func (s *Store) maxDate(ctx context.Context, q string, args ...any) (time.Time, error) {
	var v sql.NullString
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("query max date: %w", err)
	}
	if !v.Valid {
		return time.Time{}, ErrNotFound
	}
	return model.ParseDate(v.String)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrice(rows rowScanner) (model.PricePoint, error) {
	var p model.PricePoint
	var date string
	var open, high, low, volume sql.NullFloat64
	if err := rows.Scan(&p.Ticker, &date, &open, &high, &low, &p.Close, &volume,
		&p.Value, &p.MarketCap, &p.Shares); err != nil {
		return p, fmt.Errorf("scan price: %w", err)
	}
	p.Open, p.High, p.Low, p.Volume = open.Float64, high.Float64, low.Float64, volume.Float64
	d, err := model.ParseDate(date)
	if err != nil {
		return p, err
	}
	p.Date = d
	return p, nil
}

func rangeQuery(base string, tickers []string, r model.DateRange) (string, []any) {
	q := base + ` WHERE date BETWEEN ? AND ?`
	args := []any{model.FormatDate(r.From), model.FormatDate(r.To)}
	if len(tickers) > 0 {
		q += ` AND ticker IN (` + placeholders(len(tickers)) + `)`
		for _, t := range tickers {
			args = append(args, t)
		}
	}
	return q + ` ORDER BY ticker, date`, args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
