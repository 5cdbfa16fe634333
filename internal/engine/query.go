package engine

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"taskgen/internal/domain"
)

// TaskSummary is the collaborator-facing view of a pending task.
type TaskSummary struct {
	ID          string          `json:"id"`
	Type        domain.TaskType `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	DueDate     *string         `json:"dueDate,omitempty"`
	Count       *int            `json:"count,omitempty"`
}

type ProjectTasks struct {
	ProjectName string        `json:"projectName"`
	Tasks       []TaskSummary `json:"tasks"`
}

// NameResolver looks up project names; unknown ids are absent from the result.
type NameResolver interface {
	ProjectNames(ctx context.Context, ids []string) (map[string]string, error)
}

// NameCache memoizes project names in front of the project collaborator.
// A nil *NameCache resolves every lookup through.
type NameCache struct {
	c   *ristretto.Cache[string, string]
	ttl time.Duration
}

// NewNameCache returns nil when size is zero, which disables caching.
func NewNameCache(size int64, ttl time.Duration) (*NameCache, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &NameCache{c: c, ttl: ttl}, nil
}

func (n *NameCache) Resolve(ctx context.Context, src NameResolver, ids []string) (map[string]string, error) {
	if n == nil {
		return src.ProjectNames(ctx, ids)
	}
	names := make(map[string]string, len(ids))
	var missing []string
	for _, id := range ids {
		if name, ok := n.c.Get(id); ok {
			names[id] = name
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return names, nil
	}
	found, err := src.ProjectNames(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, name := range found {
		names[id] = name
		n.c.SetWithTTL(id, name, 1, n.ttl)
	}
	n.c.Wait()
	return names, nil
}

func (n *NameCache) Close() {
	if n != nil {
		n.c.Close()
	}
}

// group buckets tasks by project. Tasks without a project, or whose project
// name cannot be resolved, are dropped.
func group(tasks []domain.Task, names map[string]string) map[string]ProjectTasks {
	out := map[string]ProjectTasks{}
	for _, t := range tasks {
		if t.ProjectID == nil || *t.ProjectID == "" {
			continue
		}
		pid := *t.ProjectID
		name, ok := names[pid]
		if !ok {
			continue
		}
		pt := out[pid]
		pt.ProjectName = name
		pt.Tasks = append(pt.Tasks, TaskSummary{
			ID:          t.ID,
			Type:        t.Type,
			Title:       t.Title,
			Description: t.Description,
			DueDate:     t.DueDate,
			Count:       t.Count,
		})
		out[pid] = pt
	}
	return out
}

func projectIDs(tasks []domain.Task) []string {
	seen := map[string]bool{}
	var ids []string
	for _, t := range tasks {
		if t.ProjectID == nil || *t.ProjectID == "" || seen[*t.ProjectID] {
			continue
		}
		seen[*t.ProjectID] = true
		ids = append(ids, *t.ProjectID)
	}
	return ids
}
