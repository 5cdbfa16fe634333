package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskgen/internal/domain"
)

const taskColumns = `id,type,scope,natural_key,status,project_id,collaboration_id,talent_id,title,description,count,due_date,last_transition,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var projectID, collaborationID, talentID, description, dueDate, completedAt sql.NullString
	var count sql.NullInt64
	err := row.Scan(&t.ID, &t.Type, &t.Scope, &t.NaturalKey, &t.Status, &projectID, &collaborationID, &talentID,
		&t.Title, &description, &count, &dueDate, &t.LastTransition, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return t, err
	}
	t.ProjectID = stringPtr(projectID)
	t.CollaborationID = stringPtr(collaborationID)
	t.TalentID = stringPtr(talentID)
	t.DueDate = stringPtr(dueDate)
	t.CompletedAt = stringPtr(completedAt)
	if description.Valid {
		t.Description = description.String
	}
	if count.Valid {
		n := int(count.Int64)
		t.Count = &n
	}
	return t, nil
}

// The existing row's values are visible as tasks.* inside DO UPDATE, so the
// transition is decided against the status held before this statement.
const upsertPendingSQL = `INSERT INTO tasks(` + taskColumns + `)
VALUES (?,?,?,?,'pending',?,?,?,?,?,?,?,'created',?,?,NULL)
ON CONFLICT(natural_key) DO UPDATE SET
	status='pending',
	project_id=excluded.project_id,
	collaboration_id=excluded.collaboration_id,
	talent_id=excluded.talent_id,
	title=excluded.title,
	description=excluded.description,
	count=excluded.count,
	due_date=excluded.due_date,
	last_transition=CASE WHEN tasks.status='completed' THEN 'reopened' ELSE 'refreshed' END,
	updated_at=excluded.updated_at,
	completed_at=NULL
RETURNING last_transition`

// UpsertPending creates, refreshes or reopens the task for draft.NaturalKey in
// a single statement and reports which of the three happened.
func (r Repo) UpsertPending(ctx context.Context, draft domain.TaskDraft, now time.Time) (domain.Transition, error) {
	if draft.NaturalKey == "" {
		return "", fmt.Errorf("natural key is required")
	}
	ts := stamp(now)
	var tr domain.Transition
	err := r.DB.QueryRowContext(ctx, upsertPendingSQL,
		uuid.NewString(), string(draft.Type), string(draft.Scope), draft.NaturalKey,
		nullable(draft.ProjectID), nullable(draft.CollaborationID), nullable(draft.TalentID),
		draft.Title, nullable(draft.Description), nullableIntPtr(draft.Count), nullable(draft.DueDate),
		ts, ts).Scan(&tr)
	if err != nil {
		return "", fmt.Errorf("upsert task %s: %w", draft.NaturalKey, err)
	}
	return tr, nil
}

// CompleteByKey moves a pending task to completed. It reports false when the
// key is unknown or already completed.
func (r Repo) CompleteByKey(ctx context.Context, naturalKey string, now time.Time) (bool, error) {
	ts := stamp(now)
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='completed', last_transition='completed', completed_at=?, updated_at=?
WHERE natural_key=? AND status='pending'`, ts, ts, naturalKey)
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", naturalKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteBySignal completes every pending task of taskType for the project,
// or only the collaboration's task when collaborationID is set.
func (r Repo) CompleteBySignal(ctx context.Context, taskType domain.TaskType, projectID, collaborationID string, now time.Time) (int, error) {
	ts := stamp(now)
	query := `UPDATE tasks SET status='completed', last_transition='completed', completed_at=?, updated_at=?
WHERE type=? AND project_id=? AND status='pending'`
	args := []any{ts, ts, string(taskType), projectID}
	if collaborationID != "" {
		query += ` AND collaboration_id=?`
		args = append(args, collaborationID)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("complete %s tasks for project %s: %w", taskType, projectID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PendingKeys lists the natural keys of pending tasks of one type.
func (r Repo) PendingKeys(ctx context.Context, taskType domain.TaskType) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT natural_key FROM tasks WHERE type=? AND status='pending' ORDER BY natural_key`, string(taskType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r Repo) GetTaskByKey(ctx context.Context, naturalKey string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE natural_key=?`, naturalKey))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

type TaskFilters struct {
	Type      domain.TaskType
	Status    domain.Status
	ProjectID string
	Exclude   []domain.TaskType
	Limit     int
}

// ListTasks returns matching tasks, newest first.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if len(f.Exclude) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.Exclude)), ",")
		clauses = append(clauses, "type NOT IN ("+marks+")")
		for _, t := range f.Exclude {
			args = append(args, string(t))
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPending returns pending tasks except the excluded types, newest first.
func (r Repo) ListPending(ctx context.Context, exclude []domain.TaskType) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilters{Status: domain.StatusPending, Exclude: exclude})
}
