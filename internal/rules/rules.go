// Package rules is the static catalog of task-generation rules. Each rule
// knows how to load its candidates, key them, decide whether a task should be
// pending, and render the task's content. The scanner only ever sees Rule
// values and never branches on a task type.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"taskgen/internal/domain"
)

// Candidate is one unit a rule evaluates. Project rules produce one per
// collaboration; system rules produce exactly one carrying a global count.
type Candidate struct {
	ProjectID       string
	CollaborationID string
	TalentID        string
	Label           string
	Date            civil.Date
	Count           int
	Published       bool
}

// Source is the read side of the domain collaborators a rule needs.
type Source interface {
	ScheduledCollaborations(ctx context.Context, status string) ([]domain.Collaboration, error)
	CountStalePerformance(ctx context.Context, before string) (int, error)
	CountStalePrices(ctx context.Context, before string) (int, error)
}

// Cadence holds the configurable knobs of the catalog.
type Cadence struct {
	Weekday       time.Weekday
	PriceDay      int
	StaleDays     int
	PublishStatus string
}

func DefaultCadence() Cadence {
	return Cadence{Weekday: time.Monday, PriceDay: 2, StaleDays: 7, PublishStatus: "scheduled"}
}

type Rule struct {
	Type  domain.TaskType
	Scope domain.Scope
	// Load returns the minimal candidate set for today.
	Load func(ctx context.Context, src Source, today civil.Date) ([]Candidate, error)
	Key  func(c Candidate) string
	// Predicate reports whether the candidate's task must be pending today.
	Predicate func(c Candidate, today civil.Date) bool
	// Hold keeps an already pending task open when Predicate is false.
	Hold   func(c Candidate) bool
	Render func(c Candidate) domain.Content
}

// Draft builds the store write for a candidate.
func (r Rule) Draft(c Candidate) domain.TaskDraft {
	return domain.TaskDraft{
		Type:            r.Type,
		Scope:           r.Scope,
		NaturalKey:      r.Key(c),
		ProjectID:       c.ProjectID,
		CollaborationID: c.CollaborationID,
		TalentID:        c.TalentID,
		Content:         r.Render(c),
	}
}

// Catalog returns the rules in evaluation order.
func Catalog(cad Cadence) []Rule {
	if cad.PublishStatus == "" {
		cad.PublishStatus = "scheduled"
	}
	return []Rule{
		pendingPublish(cad),
		weeklyPerformance(cad),
		monthlyPrice(cad),
	}
}

func Find(catalog []Rule, t domain.TaskType) (Rule, bool) {
	for _, r := range catalog {
		if r.Type == t {
			return r, true
		}
	}
	return Rule{}, false
}

// ProjectKey is the natural key of a project-scoped task.
func ProjectKey(t domain.TaskType, projectID, collaborationID string) string {
	return string(t) + ":" + projectID + ":" + collaborationID
}

func pendingPublish(cad Cadence) Rule {
	t := domain.TaskPendingPublish
	return Rule{
		Type:  t,
		Scope: domain.ScopeProject,
		Load: func(ctx context.Context, src Source, today civil.Date) ([]Candidate, error) {
			collabs, err := src.ScheduledCollaborations(ctx, cad.PublishStatus)
			if err != nil {
				return nil, err
			}
			out := make([]Candidate, 0, len(collabs))
			for _, c := range collabs {
				planned, err := ParseDay(c.PlannedReleaseDate)
				if err != nil {
					return nil, fmt.Errorf("collaboration %s: invalid planned_release_date %q: %w", c.ID, c.PlannedReleaseDate, err)
				}
				label := c.TalentName
				if label == "" {
					label = c.ID
				}
				out = append(out, Candidate{
					ProjectID:       c.ProjectID,
					CollaborationID: c.ID,
					TalentID:        c.TalentID,
					Label:           label,
					Date:            planned,
					Published:       c.Published,
				})
			}
			return out, nil
		},
		Key: func(c Candidate) string { return ProjectKey(t, c.ProjectID, c.CollaborationID) },
		Predicate: func(c Candidate, today civil.Date) bool {
			return !c.Published && !c.Date.After(today)
		},
		Hold: func(Candidate) bool { return false },
		Render: func(c Candidate) domain.Content {
			return domain.Content{
				Title:       "Publish content for " + c.Label,
				Description: fmt.Sprintf("Release was planned for %s and no published work is recorded yet.", c.Date),
				DueDate:     c.Date.String(),
			}
		},
	}
}

func weeklyPerformance(cad Cadence) Rule {
	t := domain.TaskWeeklyPerformance
	return Rule{
		Type:  t,
		Scope: domain.ScopeSystem,
		Load: func(ctx context.Context, src Source, today civil.Date) ([]Candidate, error) {
			n, err := src.CountStalePerformance(ctx, today.AddDays(-cad.StaleDays).String())
			if err != nil {
				return nil, err
			}
			return []Candidate{{Count: n}}, nil
		},
		Key: func(Candidate) string { return string(t) },
		Predicate: func(c Candidate, today civil.Date) bool {
			return weekday(today) == cad.Weekday && c.Count > 0
		},
		Hold: func(c Candidate) bool { return c.Count > 0 },
		Render: func(c Candidate) domain.Content {
			n := c.Count
			return domain.Content{
				Title:       "Update talent performance data",
				Description: fmt.Sprintf("%d talent(s) have performance data older than %d days.", n, cad.StaleDays),
				Count:       &n,
			}
		},
	}
}

func monthlyPrice(cad Cadence) Rule {
	t := domain.TaskMonthlyPrice
	return Rule{
		Type:  t,
		Scope: domain.ScopeSystem,
		Load: func(ctx context.Context, src Source, today civil.Date) ([]Candidate, error) {
			n, err := src.CountStalePrices(ctx, firstOfMonth(today).String())
			if err != nil {
				return nil, err
			}
			return []Candidate{{Count: n}}, nil
		},
		Key: func(Candidate) string { return string(t) },
		Predicate: func(c Candidate, today civil.Date) bool {
			return today.Day == cad.PriceDay && c.Count > 0
		},
		Hold: func(c Candidate) bool { return c.Count > 0 },
		Render: func(c Candidate) domain.Content {
			n := c.Count
			return domain.Content{
				Title:       "Update monthly talent prices",
				Description: fmt.Sprintf("%d talent(s) have no price update this month.", n),
				Count:       &n,
			}
		},
	}
}

// Today is the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) civil.Date {
	if loc == nil {
		loc = time.UTC
	}
	return civil.DateOf(now.In(loc))
}

// ParseDay reads a calendar date stored either as YYYY-MM-DD or as an
// RFC 3339 timestamp, in which case the date is taken as written.
func ParseDay(s string) (civil.Date, error) {
	if d, err := civil.ParseDate(s); err == nil {
		return d, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return civil.Date{}, errors.New("want YYYY-MM-DD or an RFC 3339 timestamp")
	}
	return civil.DateOf(ts), nil
}

func weekday(d civil.Date) time.Weekday {
	return d.In(time.UTC).Weekday()
}

func firstOfMonth(d civil.Date) civil.Date {
	return civil.Date{Year: d.Year, Month: d.Month, Day: 1}
}
