package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"taskgen/internal/domain"
)

type RunLogFilters struct {
	Limit int
	// Before is a run id; only older runs are returned.
	Before string
}

// ListRunLogs returns run logs newest first. An unknown Before cursor is
// ErrNotFound.
func (r Repo) ListRunLogs(ctx context.Context, f RunLogFilters) ([]domain.RunLog, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	query := `SELECT id,started_at,finished_at,run_trigger,overall_status,per_rule_json,error FROM run_logs`
	var args []any
	if f.Before != "" {
		var exists bool
		if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM run_logs WHERE id=?)`, f.Before).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("run log %s: %w", f.Before, ErrNotFound)
		}
		query += ` WHERE seq < (SELECT seq FROM run_logs WHERE id=?)`
		args = append(args, f.Before)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunLog
	for rows.Next() {
		var l domain.RunLog
		var perRule string
		var runErr sql.NullString
		if err := rows.Scan(&l.ID, &l.StartedAt, &l.FinishedAt, &l.Trigger, &l.OverallStatus, &perRule, &runErr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(perRule), &l.PerRule); err != nil {
			return nil, fmt.Errorf("run log %s: decode per-rule outcomes: %w", l.ID, err)
		}
		if runErr.Valid {
			l.Error = runErr.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CountRunLogs(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM run_logs`).Scan(&n)
	return n, err
}
