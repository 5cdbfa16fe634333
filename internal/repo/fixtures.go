package repo

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"taskgen/internal/domain"
)

// Fixtures is a YAML snapshot of source records, used to seed a local database.
type Fixtures struct {
	Projects       []domain.Project       `yaml:"projects"`
	Talents        []domain.Talent        `yaml:"talents"`
	Collaborations []domain.Collaboration `yaml:"collaborations"`
	Works          []domain.Work          `yaml:"works"`
}

func ParseFixtures(data []byte) (Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid fixtures yaml: %w", err)
	}
	for _, c := range f.Collaborations {
		if c.ID == "" || c.ProjectID == "" {
			return f, fmt.Errorf("collaboration requires id and project_id")
		}
	}
	return f, nil
}

func FixturesFromFile(path string) (Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixtures{}, err
	}
	return ParseFixtures(data)
}

// ApplyFixtures upserts all records in one transaction.
func (r Repo) ApplyFixtures(ctx context.Context, f Fixtures) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range f.Projects {
		if err := r.PutProject(ctx, tx, p); err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
	}
	for _, t := range f.Talents {
		if err := r.PutTalent(ctx, tx, t); err != nil {
			return fmt.Errorf("talent %s: %w", t.ID, err)
		}
	}
	for _, c := range f.Collaborations {
		if err := r.PutCollaboration(ctx, tx, c); err != nil {
			return fmt.Errorf("collaboration %s: %w", c.ID, err)
		}
	}
	for _, w := range f.Works {
		if err := r.PutWork(ctx, tx, w); err != nil {
			return fmt.Errorf("work %s: %w", w.ID, err)
		}
	}
	return tx.Commit()
}
