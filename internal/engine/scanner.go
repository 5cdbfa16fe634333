package engine

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"taskgen/internal/domain"
	"taskgen/internal/rules"
)

// Store is the write side of the task store the scanner drives.
type Store interface {
	UpsertPending(ctx context.Context, draft domain.TaskDraft, now time.Time) (domain.Transition, error)
	CompleteByKey(ctx context.Context, naturalKey string, now time.Time) (bool, error)
	PendingKeys(ctx context.Context, taskType domain.TaskType) ([]string, error)
}

// scanner evaluates one rule against one calendar day.
type scanner struct {
	store Store
	src   rules.Source
	today civil.Date
	now   time.Time
}

// scan materializes every candidate whose predicate holds and completes the
// rule's pending tasks that are neither upserted nor held. A load failure
// aborts the rule before anything is retired.
func (s scanner) scan(ctx context.Context, r rules.Rule) (domain.RuleOutcome, error) {
	out := domain.RuleOutcome{RuleType: r.Type}
	cands, err := r.Load(ctx, s.src, s.today)
	if err != nil {
		return out, fmt.Errorf("load candidates: %w", err)
	}
	keep := make(map[string]bool, len(cands))
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		key := r.Key(c)
		if !r.Predicate(c, s.today) {
			if r.Hold(c) {
				keep[key] = true
			}
			continue
		}
		tr, err := s.store.UpsertPending(ctx, r.Draft(c), s.now)
		if err != nil {
			return out, err
		}
		out.Tally(tr)
		keep[key] = true
	}

	pending, err := s.store.PendingKeys(ctx, r.Type)
	if err != nil {
		return out, fmt.Errorf("list pending: %w", err)
	}
	for _, key := range pending {
		if keep[key] {
			continue
		}
		done, err := s.store.CompleteByKey(ctx, key, s.now)
		if err != nil {
			return out, err
		}
		if done {
			out.Tally(domain.TransitionCompleted)
		}
	}
	return out, nil
}
