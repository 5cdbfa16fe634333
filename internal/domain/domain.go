package domain

import (
	"errors"
	"fmt"
)

var ErrUnknownTaskType = errors.New("unknown task type")

// TaskType identifies the rule that materialized a task.
type TaskType string

const (
	TaskPendingPublish    TaskType = "pending_publish"
	TaskWeeklyPerformance TaskType = "weekly_performance_update"
	TaskMonthlyPrice      TaskType = "monthly_price_update"
)

var taskTypes = []TaskType{TaskPendingPublish, TaskWeeklyPerformance, TaskMonthlyPrice}

// TaskTypes lists every known task type in catalog order.
func TaskTypes() []TaskType {
	out := make([]TaskType, len(taskTypes))
	copy(out, taskTypes)
	return out
}

func (t TaskType) Valid() bool {
	for _, known := range taskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTaskType rejects strings outside the closed set of task types.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
	}
	return t, nil
}

type Scope string

const (
	ScopeProject Scope = "project"
	ScopeSystem  Scope = "system"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Transition records what the last write did to a task.
type Transition string

const (
	TransitionCreated   Transition = "created"
	TransitionRefreshed Transition = "refreshed"
	TransitionReopened  Transition = "reopened"
	TransitionCompleted Transition = "completed"
)

type Trigger string

const (
	TriggerCron   Trigger = "cron"
	TriggerManual Trigger = "manual"
)

func (t Trigger) Valid() bool { return t == TriggerCron || t == TriggerManual }

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

type Task struct {
	ID              string     `json:"id"`
	Type            TaskType   `json:"type" enum:"pending_publish,weekly_performance_update,monthly_price_update"`
	Scope           Scope      `json:"scope" enum:"project,system"`
	NaturalKey      string     `json:"natural_key"`
	Status          Status     `json:"status" enum:"pending,completed"`
	ProjectID       *string    `json:"related_project_id,omitempty"`
	CollaborationID *string    `json:"related_collaboration_id,omitempty"`
	TalentID        *string    `json:"related_talent_id,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Count           *int       `json:"count,omitempty"`
	DueDate         *string    `json:"due_date,omitempty" format:"date"`
	LastTransition  Transition `json:"last_transition"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
	CompletedAt     *string    `json:"completed_at,omitempty" format:"date-time"`
}

// Content is the rendered, mutable part of a task.
type Content struct {
	Title       string
	Description string
	DueDate     string
	Count       *int
}

// TaskDraft is what a rule asks the store to hold pending.
type TaskDraft struct {
	Type            TaskType
	Scope           Scope
	NaturalKey      string
	ProjectID       string
	CollaborationID string
	TalentID        string
	Content
}

type RuleOutcome struct {
	RuleType  TaskType `json:"rule_type"`
	Created   int      `json:"created"`
	Refreshed int      `json:"refreshed"`
	Reopened  int      `json:"reopened"`
	Completed int      `json:"completed"`
	Error     string   `json:"error,omitempty"`
}

// Tally counts one store transition against the outcome.
func (o *RuleOutcome) Tally(t Transition) {
	switch t {
	case TransitionCreated:
		o.Created++
	case TransitionRefreshed:
		o.Refreshed++
	case TransitionReopened:
		o.Reopened++
	case TransitionCompleted:
		o.Completed++
	}
}

type RunLog struct {
	ID            string        `json:"id"`
	StartedAt     string        `json:"started_at" format:"date-time"`
	FinishedAt    string        `json:"finished_at" format:"date-time"`
	Trigger       Trigger       `json:"trigger" enum:"cron,manual"`
	PerRule       []RuleOutcome `json:"per_rule"`
	OverallStatus RunStatus     `json:"overall_status" enum:"success,partial,failed"`
	Error         string        `json:"error,omitempty"`
}

// Source records owned by the domain CRUD services.

type Project struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type Talent struct {
	ID                   string  `json:"id" yaml:"id"`
	Name                 string  `json:"name" yaml:"name"`
	PerformanceUpdatedOn *string `json:"performance_updated_on,omitempty" yaml:"performance_updated_on,omitempty"`
	PriceUpdatedOn       *string `json:"price_updated_on,omitempty" yaml:"price_updated_on,omitempty"`
}

type Collaboration struct {
	ID                 string `json:"id" yaml:"id"`
	ProjectID          string `json:"project_id" yaml:"project_id"`
	TalentID           string `json:"talent_id" yaml:"talent_id"`
	TalentName         string `json:"talent_name,omitempty" yaml:"-"`
	Status             string `json:"status" yaml:"status"`
	PlannedReleaseDate string `json:"planned_release_date" yaml:"planned_release_date"`
	Published          bool   `json:"published" yaml:"-"`
}

type Work struct {
	ID              string  `json:"id" yaml:"id"`
	CollaborationID string  `json:"collaboration_id" yaml:"collaboration_id"`
	URL             string  `json:"url,omitempty" yaml:"url,omitempty"`
	PublishedAt     *string `json:"published_at,omitempty" yaml:"published_at,omitempty"`
}
