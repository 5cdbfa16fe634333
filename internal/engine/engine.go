package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"taskgen/internal/config"
	"taskgen/internal/domain"
	"taskgen/internal/repo"
	"taskgen/internal/rules"
	"taskgen/internal/runlog"
)

// ErrInvalidSignal marks a completion signal that cannot be applied.
var ErrInvalidSignal = errors.New("invalid completion signal")

// Connector hands out a live database handle. *db.Pool satisfies it.
type Connector interface {
	Conn(ctx context.Context) (*sql.DB, error)
}

type Engine struct {
	Pool        Connector
	Rules       []rules.Rule
	Location    *time.Location
	Concurrency int
	Timeout     time.Duration
	Names       *NameCache
	Logger      *slog.Logger
	Now         func() time.Time
}

func New(cfg *config.Config, pool Connector, logger *slog.Logger) (Engine, error) {
	names, err := NewNameCache(cfg.Cache.ProjectNames, cfg.Cache.ProjectNameTTL)
	if err != nil {
		return Engine{}, fmt.Errorf("project name cache: %w", err)
	}
	return Engine{
		Pool: pool,
		Rules: rules.Catalog(rules.Cadence{
			Weekday:       cfg.Rules.Weekday(),
			PriceDay:      cfg.Rules.PriceDay,
			StaleDays:     cfg.Rules.PerformanceStaleDays,
			PublishStatus: cfg.Rules.PublishStatus,
		}),
		Location:    cfg.Location(),
		Concurrency: cfg.Scan.Concurrency,
		Timeout:     cfg.Scan.Timeout,
		Names:       names,
		Logger:      logger,
		Now:         time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) catalog() []rules.Rule {
	if e.Rules != nil {
		return e.Rules
	}
	return rules.Catalog(rules.DefaultCadence())
}

func (e Engine) repo(ctx context.Context) (repo.Repo, error) {
	if e.Pool == nil {
		return repo.Repo{}, errors.New("database pool not configured")
	}
	conn, err := e.Pool.Conn(ctx)
	if err != nil {
		return repo.Repo{}, fmt.Errorf("open database: %w", err)
	}
	return repo.Repo{DB: conn}, nil
}

// Run performs one scan over the whole catalog and persists exactly one run
// log. Rule faults are recorded in the log and never returned; the error is
// non-nil only when the database is unreachable or the log cannot be written,
// in which case the returned log is still the failed summary.
func (e Engine) Run(ctx context.Context, trigger domain.Trigger) (domain.RunLog, error) {
	if !trigger.Valid() {
		return domain.RunLog{}, fmt.Errorf("unknown trigger %q", trigger)
	}
	log := e.logger().With("trigger", string(trigger))
	started := e.now()
	rec := runlog.Begin(trigger, started)
	log = log.With("run_id", rec.ID())
	log.Info("scan started")

	r, err := e.repo(ctx)
	if err != nil {
		summary := rec.Abort(err, e.now())
		log.Error("scan aborted", "error", err)
		return summary, err
	}

	scanCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	catalog := e.catalog()
	s := scanner{store: r, src: r, today: rules.Today(started, e.Location), now: started}
	outcomes := make([]domain.RuleOutcome, len(catalog))
	var g errgroup.Group
	limit := e.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, rule := range catalog {
		g.Go(func() error {
			out, err := s.scan(scanCtx, rule)
			if err != nil {
				out.Error = err.Error()
				log.Warn("rule failed", "rule", string(rule.Type), "error", err)
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	for _, o := range outcomes {
		rec.Record(o)
	}
	summary := rec.Finish(e.now())

	// The scan deadline must not prevent the summary from being written.
	if err := (runlog.Writer{DB: r.DB}).Append(context.WithoutCancel(ctx), summary); err != nil {
		log.Error("persist run log", "error", err)
		return summary, err
	}
	log.Info("scan finished", "status", string(summary.OverallStatus), "duration", e.now().Sub(started))
	return summary, nil
}

// RecentLogs returns run logs newest first, starting after the run id before.
func (e Engine) RecentLogs(ctx context.Context, limit int, before string) ([]domain.RunLog, error) {
	r, err := e.repo(ctx)
	if err != nil {
		return nil, err
	}
	return r.ListRunLogs(ctx, repo.RunLogFilters{Limit: limit, Before: before})
}

// Signal is a collaborator's report that a domain action finished.
type Signal struct {
	Type            string
	ProjectID       string
	CollaborationID string
}

// CompleteSignal completes the pending tasks the signal refers to. Matching
// nothing is a successful no-op.
func (e Engine) CompleteSignal(ctx context.Context, sig Signal) (int, error) {
	t, err := domain.ParseTaskType(sig.Type)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if sig.ProjectID == "" {
		return 0, fmt.Errorf("%w: related_project_id is required", ErrInvalidSignal)
	}
	r, err := e.repo(ctx)
	if err != nil {
		return 0, err
	}
	n, err := r.CompleteBySignal(ctx, t, sig.ProjectID, sig.CollaborationID, e.now())
	if err != nil {
		return 0, err
	}
	e.logger().Info("completion signal", "type", string(t), "project_id", sig.ProjectID, "completed", n)
	return n, nil
}

// PendingByProject groups pending tasks by project, skipping the excluded types.
func (e Engine) PendingByProject(ctx context.Context, exclude []domain.TaskType) (map[string]ProjectTasks, error) {
	r, err := e.repo(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := r.ListPending(ctx, exclude)
	if err != nil {
		return nil, err
	}
	names, err := e.Names.Resolve(ctx, r, projectIDs(tasks))
	if err != nil {
		return nil, fmt.Errorf("resolve project names: %w", err)
	}
	return group(tasks, names), nil
}

// ListTasks exposes the store's filtered listing.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	r, err := e.repo(ctx)
	if err != nil {
		return nil, err
	}
	return r.ListTasks(ctx, f)
}

// Close releases the name cache. The pool is owned by the caller.
func (e Engine) Close() {
	e.Names.Close()
}
