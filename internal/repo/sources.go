package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskgen/internal/domain"
)

// ScheduledCollaborations returns every collaboration in status that has a
// planned release date, with whether a published work exists for each. The
// date is returned as stored; callers parse and compare it.
func (r Repo) ScheduledCollaborations(ctx context.Context, status string) ([]domain.Collaboration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT c.id, c.project_id, c.talent_id, COALESCE(t.name,''), c.status, c.planned_release_date,
	EXISTS (SELECT 1 FROM works w WHERE w.collaboration_id=c.id AND w.published_at IS NOT NULL AND w.published_at != '')
FROM collaborations c
LEFT JOIN talents t ON t.id=c.talent_id
WHERE c.status=? AND c.planned_release_date IS NOT NULL AND c.planned_release_date != ''
ORDER BY c.project_id, c.id`, status)
	if err != nil {
		return nil, fmt.Errorf("query scheduled collaborations: %w", err)
	}
	defer rows.Close()
	var res []domain.Collaboration
	for rows.Next() {
		var c domain.Collaboration
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.TalentID, &c.TalentName, &c.Status, &c.PlannedReleaseDate, &c.Published); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountStalePerformance counts talents whose performance data was last
// updated before the given date, or never.
func (r Repo) CountStalePerformance(ctx context.Context, before string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM talents
WHERE performance_updated_on IS NULL OR performance_updated_on = '' OR performance_updated_on < ?`, before).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale performance: %w", err)
	}
	return n, nil
}

// CountStalePrices counts talents whose price was last updated before the
// given date, or never.
func (r Repo) CountStalePrices(ctx context.Context, before string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM talents
WHERE price_updated_on IS NULL OR price_updated_on = '' OR price_updated_on < ?`, before).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale prices: %w", err)
	}
	return n, nil
}

// ProjectNames resolves project ids to names; unknown ids are absent from the result.
func (r Repo) ProjectNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name FROM projects WHERE id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query project names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

// The Put* writers stand in for the domain CRUD services when importing fixtures.

func (r Repo) PutProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, p.ID, p.Name)
	return err
}

func (r Repo) PutTalent(ctx context.Context, tx *sql.Tx, t domain.Talent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO talents(id,name,performance_updated_on,price_updated_on) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, performance_updated_on=excluded.performance_updated_on, price_updated_on=excluded.price_updated_on`,
		t.ID, t.Name, nullableStringPtr(t.PerformanceUpdatedOn), nullableStringPtr(t.PriceUpdatedOn))
	return err
}

func (r Repo) PutCollaboration(ctx context.Context, tx *sql.Tx, c domain.Collaboration) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO collaborations(id,project_id,talent_id,status,planned_release_date) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET project_id=excluded.project_id, talent_id=excluded.talent_id, status=excluded.status, planned_release_date=excluded.planned_release_date`,
		c.ID, c.ProjectID, c.TalentID, c.Status, nullable(c.PlannedReleaseDate))
	return err
}

func (r Repo) PutWork(ctx context.Context, tx *sql.Tx, w domain.Work) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO works(id,collaboration_id,url,published_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET collaboration_id=excluded.collaboration_id, url=excluded.url, published_at=excluded.published_at`,
		w.ID, w.CollaborationID, nullable(w.URL), nullableStringPtr(w.PublishedAt))
	return err
}
