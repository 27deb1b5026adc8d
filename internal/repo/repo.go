package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"deliverline/internal/events"
	"deliverline/internal/store"
)

// Repo is the SQLite store.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var _ store.Store = Repo{}

// ErrNotFound is store.ErrNotFound, kept here for callers that only import repo.
var ErrNotFound = store.ErrNotFound

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

// inTx runs fn and appends changes in one transaction.
func (r Repo) inTx(ctx context.Context, changes []events.Change, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	for _, c := range changes {
		if _, err := r.Events.Append(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// timeLayout keeps a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
