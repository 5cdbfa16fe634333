package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskgen/internal/config"
	"taskgen/internal/db"
	"taskgen/internal/domain"
	"taskgen/internal/engine"
	"taskgen/internal/repo"
)

var (
	monday    = time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)
	tuesday   = monday.AddDate(0, 0, 1)
	novSecond = time.Date(2026, 11, 2, 8, 0, 0, 0, time.UTC)
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pool := db.NewPool(db.Config{Path: filepath.Join(t.TempDir(), "taskgen.db")})
	t.Cleanup(func() { pool.Close() })
	ctx := context.Background()
	conn, err := pool.Conn(ctx)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	eng, err := engine.New(config.Default(), pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	env := &testEnv{Repo: repo.Repo{DB: conn}, Ctx: ctx, now: monday}
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) seed(t *testing.T, f repo.Fixtures) {
	t.Helper()
	if err := env.Repo.ApplyFixtures(env.Ctx, f); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (env *testEnv) scan(t *testing.T, at time.Time) domain.RunLog {
	t.Helper()
	env.now = at
	l, err := env.Engine.Run(env.Ctx, domain.TriggerManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return l
}

func (env *testEnv) task(t *testing.T, key string) domain.Task {
	t.Helper()
	task, err := env.Repo.GetTaskByKey(env.Ctx, key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return task
}

func outcome(l domain.RunLog, tt domain.TaskType) domain.RuleOutcome {
	for _, o := range l.PerRule {
		if o.RuleType == tt {
			return o
		}
	}
	return domain.RuleOutcome{}
}

func strp(s string) *string { return &s }

// baseline: one overdue collaboration, one talent with stale performance data
// and a price recorded this month.
func baseline() repo.Fixtures {
	return repo.Fixtures{
		Projects: []domain.Project{{ID: "p1", Name: "Autumn launch"}},
		Talents: []domain.Talent{
			{ID: "t1", Name: "Ana", PerformanceUpdatedOn: strp("2026-09-01"), PriceUpdatedOn: strp("2026-10-01")},
		},
		Collaborations: []domain.Collaboration{
			{ID: "c1", ProjectID: "p1", TalentID: "t1", Status: "scheduled", PlannedReleaseDate: "2026-10-12"},
		},
	}
}

const (
	publishKey = "pending_publish:p1:c1"
	weeklyKey  = "weekly_performance_update"
	monthlyKey = "monthly_price_update"
)

func TestRescanIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, baseline())

	first := env.scan(t, monday)
	if first.OverallStatus != domain.RunSuccess {
		t.Fatalf("expected success, got %s (%+v)", first.OverallStatus, first.PerRule)
	}
	if o := outcome(first, domain.TaskPendingPublish); o.Created != 1 {
		t.Fatalf("expected publish task created, got %+v", o)
	}
	if o := outcome(first, domain.TaskWeeklyPerformance); o.Created != 1 {
		t.Fatalf("expected weekly task created, got %+v", o)
	}
	if o := outcome(first, domain.TaskMonthlyPrice); o.Created != 0 {
		t.Fatalf("monthly rule should not fire on the 12th: %+v", o)
	}

	second := env.scan(t, monday.Add(time.Hour))
	for _, o := range second.PerRule {
		if o.Created != 0 || o.Reopened != 0 || o.Completed != 0 {
			t.Fatalf("rescan changed state: %+v", o)
		}
	}
	if o := outcome(second, domain.TaskPendingPublish); o.Refreshed != 1 {
		t.Fatalf("expected refresh, got %+v", o)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks after rescan, got %d", len(tasks))
	}
	weekly := env.task(t, weeklyKey)
	if weekly.Count == nil || *weekly.Count != 1 {
		t.Fatalf("expected structured count 1, got %v", weekly.Count)
	}
	if weekly.ProjectID != nil {
		t.Fatalf("system task carries a project: %v", *weekly.ProjectID)
	}
}

func TestDateBoundary(t *testing.T) {
	env := newTestEnv(t)
	f := baseline()
	f.Collaborations[0].PlannedReleaseDate = "2026-10-13"
	env.seed(t, f)

	env.scan(t, monday)
	if _, err := env.Repo.GetTaskByKey(env.Ctx, publishKey); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("release tomorrow must not produce a task, got %v", err)
	}
	// 23:59 UTC on Monday is still Monday in the configured UTC zone.
	env.scan(t, time.Date(2026, 10, 12, 23, 59, 0, 0, time.UTC))
	if _, err := env.Repo.GetTaskByKey(env.Ctx, publishKey); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("late monday must not produce a task, got %v", err)
	}
	env.scan(t, tuesday)
	task := env.task(t, publishKey)
	if task.Status != domain.StatusPending || task.DueDate == nil || *task.DueDate != "2026-10-13" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestSystemRuleCadence(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, baseline())

	env.scan(t, tuesday)
	if _, err := env.Repo.GetTaskByKey(env.Ctx, weeklyKey); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("weekly task created off-cadence: %v", err)
	}

	env.scan(t, monday)
	if env.task(t, weeklyKey).Status != domain.StatusPending {
		t.Fatal("weekly task should be pending on monday")
	}

	held := env.scan(t, tuesday)
	if o := outcome(held, domain.TaskWeeklyPerformance); o.Completed != 0 || o.Created != 0 {
		t.Fatalf("pending weekly task should persist off-cadence: %+v", o)
	}
	if env.task(t, weeklyKey).Status != domain.StatusPending {
		t.Fatal("weekly task retired while still stale")
	}

	f := baseline()
	f.Talents[0].PerformanceUpdatedOn = strp("2026-10-13")
	env.seed(t, f)
	resolved := env.scan(t, tuesday)
	if o := outcome(resolved, domain.TaskWeeklyPerformance); o.Completed != 1 {
		t.Fatalf("expected weekly task retired, got %+v", o)
	}

	f.Talents[0].PerformanceUpdatedOn = strp("2026-10-01")
	env.seed(t, f)
	nov := env.scan(t, novSecond)
	if o := outcome(nov, domain.TaskMonthlyPrice); o.Created != 1 {
		t.Fatalf("monthly task expected on day 2, got %+v", o)
	}
	if o := outcome(nov, domain.TaskWeeklyPerformance); o.Reopened != 1 {
		t.Fatalf("weekly task should reopen on a monday, got %+v", o)
	}
	if c := env.task(t, monthlyKey).Count; c == nil || *c != 1 {
		t.Fatalf("expected monthly count 1, got %v", c)
	}
}

func TestPublishingRetiresAndReopens(t *testing.T) {
	env := newTestEnv(t)
	f := baseline()
	env.seed(t, f)
	env.scan(t, monday)

	f.Works = []domain.Work{{ID: "w1", CollaborationID: "c1", PublishedAt: strp("2026-10-12T10:00:00Z")}}
	env.seed(t, f)
	l := env.scan(t, monday.Add(2*time.Hour))
	if o := outcome(l, domain.TaskPendingPublish); o.Completed != 1 {
		t.Fatalf("expected completion, got %+v", o)
	}
	done := env.task(t, publishKey)
	if done.Status != domain.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected task %+v", done)
	}

	f.Works[0].PublishedAt = nil
	env.seed(t, f)
	l = env.scan(t, monday.Add(3*time.Hour))
	if o := outcome(l, domain.TaskPendingPublish); o.Reopened != 1 {
		t.Fatalf("expected reopen, got %+v", o)
	}
	if again := env.task(t, publishKey); again.ID != done.ID || again.LastTransition != domain.TransitionReopened {
		t.Fatalf("reopen must keep identity: %+v", again)
	}
}

func TestRuleFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	f := baseline()
	f.Collaborations = append(f.Collaborations, domain.Collaboration{
		ID: "c-bad", ProjectID: "p1", TalentID: "t1", Status: "scheduled", PlannedReleaseDate: "2026-1-5",
	})
	env.seed(t, f)

	l := env.scan(t, monday)
	if l.OverallStatus != domain.RunPartial {
		t.Fatalf("expected partial, got %s", l.OverallStatus)
	}
	if o := outcome(l, domain.TaskPendingPublish); o.Error == "" {
		t.Fatalf("expected publish rule error, got %+v", o)
	}
	if o := outcome(l, domain.TaskWeeklyPerformance); o.Error != "" || o.Created != 1 {
		t.Fatalf("weekly rule should be unaffected: %+v", o)
	}
	logs, err := env.Engine.RecentLogs(env.Ctx, 10, "")
	if err != nil || len(logs) != 1 || logs[0].OverallStatus != domain.RunPartial {
		t.Fatalf("partial run must be logged: %v %+v", err, logs)
	}
}

func TestPlannedDateForms(t *testing.T) {
	env := newTestEnv(t)
	f := baseline()
	f.Collaborations = append(f.Collaborations, domain.Collaboration{
		ID: "c-ts", ProjectID: "p1", TalentID: "t1", Status: "scheduled", PlannedReleaseDate: "2026-10-12T09:00:00Z",
	})
	env.seed(t, f)

	l := env.scan(t, monday)
	if o := outcome(l, domain.TaskPendingPublish); o.Error != "" || o.Created != 2 {
		t.Fatalf("timestamp due today should materialize: %+v", o)
	}
	if got := env.task(t, "pending_publish:p1:c-ts"); got.DueDate == nil || *got.DueDate != "2026-10-12" {
		t.Fatalf("due date should be the calendar day: %+v", got)
	}

	// A malformed date that sorts after today must still fault the rule.
	env.seed(t, repo.Fixtures{Collaborations: []domain.Collaboration{{
		ID: "c-bad", ProjectID: "p1", TalentID: "t1", Status: "scheduled", PlannedReleaseDate: "2026-13-40",
	}}})
	l = env.scan(t, tuesday)
	if l.OverallStatus != domain.RunPartial {
		t.Fatalf("expected partial, got %s", l.OverallStatus)
	}
	o := outcome(l, domain.TaskPendingPublish)
	if o.Error == "" || o.Completed != 0 {
		t.Fatalf("expected a publish fault without retirements, got %+v", o)
	}
	if got := env.task(t, publishKey); got.Status != domain.StatusPending {
		t.Fatalf("faulted rule must not retire tasks: %+v", got)
	}
}

func TestAllRulesFailing(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, baseline())
	if _, err := env.Repo.DB.ExecContext(env.Ctx, `DROP TABLE talents`); err != nil {
		t.Fatal(err)
	}
	l := env.scan(t, monday)
	if l.OverallStatus != domain.RunFailed {
		t.Fatalf("expected failed, got %s", l.OverallStatus)
	}
	for _, o := range l.PerRule {
		if o.Error == "" {
			t.Fatalf("expected every rule to fail: %+v", o)
		}
	}
	logs, err := env.Engine.RecentLogs(env.Ctx, 10, "")
	if err != nil || len(logs) != 1 {
		t.Fatalf("failed run must be logged: %v %d", err, len(logs))
	}
}

type brokenPool struct{}

func (brokenPool) Conn(context.Context) (*sql.DB, error) {
	return nil, errors.New("disk unavailable")
}

func TestCatastrophicFailure(t *testing.T) {
	eng := engine.Engine{Pool: brokenPool{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	l, err := eng.Run(context.Background(), domain.TriggerCron)
	if err == nil {
		t.Fatal("expected error")
	}
	if l.OverallStatus != domain.RunFailed || l.Error == "" || l.ID == "" || l.FinishedAt == "" {
		t.Fatalf("expected failed summary, got %+v", l)
	}
	if _, err := eng.Run(context.Background(), "hourly"); err == nil {
		t.Fatal("expected unknown trigger error")
	}
}

func TestRunLogCompleteness(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, baseline())
	env.Engine.Concurrency = 3
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, env.scan(t, monday.Add(time.Duration(i)*time.Minute)).ID)
	}
	logs, err := env.Engine.RecentLogs(env.Ctx, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].ID != ids[2] || logs[1].ID != ids[1] {
		t.Fatalf("expected newest first, got %+v", logs)
	}
	older, err := env.Engine.RecentLogs(env.Ctx, 2, logs[1].ID)
	if err != nil || len(older) != 1 || older[0].ID != ids[0] {
		t.Fatalf("cursor page wrong: %v %+v", err, older)
	}
	want := domain.TaskTypes()
	for _, l := range append(logs, older...) {
		if len(l.PerRule) != len(want) {
			t.Fatalf("expected %d rule outcomes, got %d", len(want), len(l.PerRule))
		}
		for i, o := range l.PerRule {
			if o.RuleType != want[i] {
				t.Fatalf("outcome %d is %s, want %s", i, o.RuleType, want[i])
			}
		}
		if l.Trigger != domain.TriggerManual || l.StartedAt == "" || l.FinishedAt == "" {
			t.Fatalf("incomplete log %+v", l)
		}
	}
}

func TestConcurrentRuns(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, baseline())
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Engine.Run(env.Ctx, domain.TriggerCron); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent run: %v", err)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	n, err := env.Repo.CountRunLogs(env.Ctx)
	if err != nil || n != 8 {
		t.Fatalf("expected 8 run logs, got %d (%v)", n, err)
	}
}

func TestPendingByProject(t *testing.T) {
	env := newTestEnv(t)
	f := baseline()
	f.Collaborations = append(f.Collaborations,
		domain.Collaboration{ID: "c2", ProjectID: "p1", TalentID: "t1", Status: "scheduled", PlannedReleaseDate: "2026-10-10"},
		domain.Collaboration{ID: "c3", ProjectID: "p-gone", TalentID: "t1", Status: "scheduled", PlannedReleaseDate: "2026-10-10"},
	)
	env.seed(t, f)
	env.scan(t, monday)

	grouped, err := env.Engine.PendingByProject(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(grouped) != 1 {
		t.Fatalf("orphans and system tasks must be dropped, got %+v", grouped)
	}
	p1 := grouped["p1"]
	if p1.ProjectName != "Autumn launch" || len(p1.Tasks) != 2 {
		t.Fatalf("unexpected group %+v", p1)
	}
	for _, task := range p1.Tasks {
		if task.Type != domain.TaskPendingPublish || task.DueDate == nil {
			t.Fatalf("unexpected summary %+v", task)
		}
	}

	excluded, err := env.Engine.PendingByProject(env.Ctx, []domain.TaskType{domain.TaskPendingPublish})
	if err != nil {
		t.Fatal(err)
	}
	if len(excluded) != 0 {
		t.Fatalf("excluded types leaked: %+v", excluded)
	}
}

func TestCompleteSignal(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, baseline())
	env.scan(t, monday)

	_, err := env.Engine.CompleteSignal(env.Ctx, engine.Signal{Type: "publish", ProjectID: "p1"})
	if !errors.Is(err, engine.ErrInvalidSignal) || !errors.Is(err, domain.ErrUnknownTaskType) {
		t.Fatalf("expected invalid signal, got %v", err)
	}
	_, err = env.Engine.CompleteSignal(env.Ctx, engine.Signal{Type: "pending_publish"})
	if !errors.Is(err, engine.ErrInvalidSignal) {
		t.Fatalf("expected missing project error, got %v", err)
	}

	sig := engine.Signal{Type: "pending_publish", ProjectID: "p1", CollaborationID: "c1"}
	n, err := env.Engine.CompleteSignal(env.Ctx, sig)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 completion, got %d (%v)", n, err)
	}
	n, err = env.Engine.CompleteSignal(env.Ctx, sig)
	if err != nil || n != 0 {
		t.Fatalf("repeat signal must be a no-op, got %d (%v)", n, err)
	}
	if task := env.task(t, publishKey); task.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
}

type countingRunner struct {
	mu       sync.Mutex
	triggers []domain.Trigger
	ran      chan struct{}
}

func (r *countingRunner) Run(_ context.Context, trigger domain.Trigger) (domain.RunLog, error) {
	r.mu.Lock()
	r.triggers = append(r.triggers, trigger)
	r.mu.Unlock()
	r.ran <- struct{}{}
	return domain.RunLog{}, nil
}

func TestSchedulerTicks(t *testing.T) {
	runner := &countingRunner{ran: make(chan struct{}, 16)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Scheduler{Runner: runner, Interval: 10 * time.Millisecond, RunOnStart: true}.Start(ctx)
		close(done)
	}()
	for i := 0; i < 3; i++ {
		select {
		case <-runner.ran:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not run")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, tr := range runner.triggers {
		if tr != domain.TriggerCron {
			t.Fatalf("scheduler used trigger %s", tr)
		}
	}
}
