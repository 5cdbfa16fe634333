package repo

import (
	"database/sql"
	"errors"
	"time"
)

// Repo wraps the SQLite handle for tasks, run logs and the source collections.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
