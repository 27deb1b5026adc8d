package main

import (
	"context"
	"testing"
	"time"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/store"
)

func TestParseDeadline(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2025-04-01", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"2025-04-01T17:30:00Z", time.Date(2025, 4, 1, 17, 30, 0, 0, time.UTC)},
		{"7d", now.AddDate(0, 0, 7)},
		{"-1d", now.AddDate(0, 0, -1)},
		{"36h", now.Add(36 * time.Hour)},
	}
	for _, tc := range cases {
		got, err := parseDeadline(tc.in, now)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%q: got %v want %v", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "soon", "xd", "01/04/2025"} {
		if _, err := parseDeadline(bad, now); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestResolveActor(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.Seed{Users: []domain.User{{ID: "u-1", Email: "dev@example.com", Active: true}}}, events.Writer{})

	if id, err := resolveActor(ctx, s, "u-1"); err != nil || id != "u-1" {
		t.Fatalf("by id: %q %v", id, err)
	}
	if id, err := resolveActor(ctx, s, " Dev@Example.com "); err != nil || id != "u-1" {
		t.Fatalf("by email: %q %v", id, err)
	}
	if _, err := resolveActor(ctx, s, "ghost@example.com"); err == nil {
		t.Fatal("unknown email accepted")
	}
	if _, err := resolveActor(ctx, s, ""); err == nil {
		t.Fatal("empty actor accepted")
	}
}

func TestDeliverableListFlags(t *testing.T) {
	cmd := deliverableListCmd()
	if err := cmd.ParseFlags([]string{"-q", "brief", "--priority", "urgent", "--sort", "status"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	for name, want := range map[string]string{"query": "brief", "priority": "urgent", "sort": "status"} {
		if got, _ := cmd.Flags().GetString(name); got != want {
			t.Fatalf("--%s = %q, want %q", name, got, want)
		}
	}
	fresh := deliverableListCmd()
	if got, _ := fresh.Flags().GetString("sort"); got != "deadline" {
		t.Fatalf("default sort %q", got)
	}
}
