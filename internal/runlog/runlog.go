// Package runlog builds and persists the one summary record written per scan.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskgen/internal/domain"
)

// Recorder accumulates rule outcomes for a single run. It is not safe for
// concurrent use; the orchestrator records outcomes in catalog order.
type Recorder struct {
	log domain.RunLog
}

func Begin(trigger domain.Trigger, at time.Time) *Recorder {
	return &Recorder{log: domain.RunLog{
		ID:        uuid.NewString(),
		StartedAt: stamp(at),
		Trigger:   trigger,
		PerRule:   []domain.RuleOutcome{},
	}}
}

func (r *Recorder) ID() string { return r.log.ID }

func (r *Recorder) Record(o domain.RuleOutcome) {
	r.log.PerRule = append(r.log.PerRule, o)
}

// Finish closes the run and derives the overall status from the recorded
// outcomes: success when no rule failed, failed when every rule failed,
// partial otherwise.
func (r *Recorder) Finish(at time.Time) domain.RunLog {
	r.log.FinishedAt = stamp(at)
	r.log.OverallStatus = Status(r.log.PerRule)
	return r.snapshot()
}

// Abort closes the run as failed with a top-level error.
func (r *Recorder) Abort(err error, at time.Time) domain.RunLog {
	r.log.FinishedAt = stamp(at)
	r.log.OverallStatus = domain.RunFailed
	if err != nil {
		r.log.Error = err.Error()
	}
	return r.snapshot()
}

func (r *Recorder) snapshot() domain.RunLog {
	l := r.log
	l.PerRule = append([]domain.RuleOutcome(nil), r.log.PerRule...)
	return l
}

func Status(outcomes []domain.RuleOutcome) domain.RunStatus {
	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}
	switch {
	case failed == 0:
		return domain.RunSuccess
	case failed == len(outcomes):
		return domain.RunFailed
	default:
		return domain.RunPartial
	}
}

// Writer appends finished run logs. Rows are never updated.
type Writer struct {
	DB *sql.DB
}

func (w Writer) Append(ctx context.Context, l domain.RunLog) error {
	if l.FinishedAt == "" {
		return fmt.Errorf("run log %s: not finished", l.ID)
	}
	perRule := l.PerRule
	if perRule == nil {
		perRule = []domain.RuleOutcome{}
	}
	data, err := json.Marshal(perRule)
	if err != nil {
		return fmt.Errorf("marshal rule outcomes: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO run_logs(id,started_at,finished_at,run_trigger,overall_status,per_rule_json,error) VALUES (?,?,?,?,?,?,?)`,
		l.ID, l.StartedAt, l.FinishedAt, string(l.Trigger), string(l.OverallStatus), string(data), nullable(l.Error))
	if err != nil {
		return fmt.Errorf("append run log %s: %w", l.ID, err)
	}
	return nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
