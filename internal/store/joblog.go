package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"KRScreener/internal/model"
)

// StartStage records a RUNNING entry for one stage of a run.
func (s *Store) StartStage(ctx context.Context, runID, stage string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO job_log (run_id, stage, status, started_at)
			VALUES (?,?,?,?)
			ON CONFLICT(run_id, stage) DO UPDATE SET
				status = excluded.status,
				started_at = excluded.started_at,
				ended_at = NULL,
				message = NULL,
				row_count = NULL`,
			runID, stage, model.JobRunning, s.timestamp())
		if err != nil {
			return fmt.Errorf("start stage %s/%s: %w", runID, stage, err)
		}
		return nil
	})
}

// FinishStage closes a stage with its final status.
func (s *Store) FinishStage(ctx context.Context, runID, stage, status, message string, rowCount int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE job_log
			SET status = ?, ended_at = ?, message = ?, row_count = ?
			WHERE run_id = ? AND stage = ?`,
			status, s.timestamp(), message, rowCount, runID, stage)
		if err != nil {
			return fmt.Errorf("finish stage %s/%s: %w", runID, stage, err)
		}
		return nil
	})
}

// RecentJobs returns the newest job log entries first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]model.JobLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, stage, status, started_at, ended_at, message, row_count
		FROM job_log ORDER BY started_at DESC, stage LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job log: %w", err)
	}
	defer rows.Close()

	var out []model.JobLog
	for rows.Next() {
		var j model.JobLog
		var started string
		var ended, msg sql.NullString
		var count sql.NullInt64
		if err := rows.Scan(&j.RunID, &j.Stage, &j.Status, &started, &ended, &msg, &count); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		j.StartedAt, _ = time.Parse(time.RFC3339, started)
		if ended.Valid {
			j.EndedAt, _ = time.Parse(time.RFC3339, ended.String)
		}
		j.Message = msg.String
		j.RowCount = int(count.Int64)
		out = append(out, j)
	}
	return out, rows.Err()
}
