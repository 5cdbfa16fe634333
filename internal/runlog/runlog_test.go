package runlog_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskgen/internal/db"
	"taskgen/internal/domain"
	"taskgen/internal/migrate"
	"taskgen/internal/repo"
	"taskgen/internal/runlog"
)

var t0 = time.Date(2026, 10, 12, 6, 0, 0, 0, time.UTC)

func TestStatus(t *testing.T) {
	ok := domain.RuleOutcome{RuleType: domain.TaskPendingPublish}
	bad := domain.RuleOutcome{RuleType: domain.TaskMonthlyPrice, Error: "boom"}
	cases := []struct {
		name string
		in   []domain.RuleOutcome
		want domain.RunStatus
	}{
		{"all ok", []domain.RuleOutcome{ok, ok}, domain.RunSuccess},
		{"one failed", []domain.RuleOutcome{ok, bad}, domain.RunPartial},
		{"all failed", []domain.RuleOutcome{bad, bad}, domain.RunFailed},
		{"no rules", nil, domain.RunSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, runlog.Status(tc.in))
		})
	}
}

func TestRecorderFinishAndAbort(t *testing.T) {
	rec := runlog.Begin(domain.TriggerManual, t0)
	assert.NotEmpty(t, rec.ID())
	rec.Record(domain.RuleOutcome{RuleType: domain.TaskPendingPublish, Created: 2})
	rec.Record(domain.RuleOutcome{RuleType: domain.TaskWeeklyPerformance, Error: "source unavailable"})
	l := rec.Finish(t0.Add(3 * time.Second))
	assert.Equal(t, rec.ID(), l.ID)
	assert.Equal(t, "2026-10-12T06:00:00Z", l.StartedAt)
	assert.Equal(t, "2026-10-12T06:00:03Z", l.FinishedAt)
	assert.Equal(t, domain.RunPartial, l.OverallStatus)
	require.Len(t, l.PerRule, 2)
	assert.Equal(t, domain.TaskPendingPublish, l.PerRule[0].RuleType)

	aborted := runlog.Begin(domain.TriggerCron, t0).Abort(errors.New("database unavailable"), t0)
	assert.Equal(t, domain.RunFailed, aborted.OverallStatus)
	assert.Equal(t, "database unavailable", aborted.Error)
	assert.NotNil(t, aborted.PerRule)
}

func TestWriterAppendAndList(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "taskgen.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	w := runlog.Writer{DB: conn}
	r := repo.Repo{DB: conn}

	var ids []string
	for i := 0; i < 5; i++ {
		rec := runlog.Begin(domain.TriggerCron, t0)
		rec.Record(domain.RuleOutcome{RuleType: domain.TaskPendingPublish, Refreshed: i})
		l := rec.Finish(t0)
		require.NoError(t, w.Append(ctx, l))
		ids = append(ids, l.ID)
	}
	aborted := runlog.Begin(domain.TriggerCron, t0).Abort(nil, t0)
	require.NoError(t, w.Append(ctx, aborted))
	assert.Error(t, w.Append(ctx, aborted), "duplicate ids are rejected")

	n, err := r.CountRunLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	page, err := r.ListRunLogs(ctx, repo.RunLogFilters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Empty(t, page[0].PerRule, "the aborted run is newest")
	assert.Equal(t, domain.RunFailed, page[0].OverallStatus)
	assert.Equal(t, ids[4], page[1].ID)
	assert.Equal(t, 4, page[1].PerRule[0].Refreshed)

	page, err = r.ListRunLogs(ctx, repo.RunLogFilters{Limit: 10, Before: ids[2]})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[0], page[1].ID)

	_, err = r.ListRunLogs(ctx, repo.RunLogFilters{Limit: 10, Before: "no-such-run"})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	assert.Error(t, w.Append(ctx, domain.RunLog{ID: "x", Trigger: domain.TriggerCron}), "unfinished logs are rejected")
}
