package repo_test

import (
	"context"
	"testing"
	"time"

	"deliverline/internal/db"
	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/migrate"
	"deliverline/internal/repo"
	"deliverline/internal/store"
	"deliverline/internal/store/storetest"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Events: events.Writer{Now: func() time.Time {
		return time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	}}}
}

func TestRepo(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openRepo(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := openRepo(t)
	if err := migrate.Migrate(r.DB); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var version int
	if err := r.DB.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version %d", version)
	}
}

func TestFailedWriteDropsEvents(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	u := domain.User{ID: "u-1", Email: "a@example.com", Role: domain.RoleRegularUser}
	if err := r.PutUser(ctx, u); err != nil {
		t.Fatalf("put: %v", err)
	}
	dup := domain.User{ID: "u-2", Email: "A@example.com", Role: domain.RoleRegularUser}
	change := events.Change{Type: events.UserRegistered, EntityKind: "user", EntityID: "u-2"}
	if err := r.PutUser(ctx, dup, change); err == nil {
		t.Fatalf("expected conflict")
	}
	if id, _ := r.LatestEventID(ctx); id != 0 {
		t.Fatalf("event written for failed write: %d", id)
	}
}
