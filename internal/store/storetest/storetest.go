// Package storetest holds the behaviour every store.Store implementation must show.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/store"
)

var base = time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

// Run exercises s, which must start empty.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("DeliverableRoundTrip", func(t *testing.T) { deliverableRoundTrip(t, open(t)) })
	t.Run("ListFilters", func(t *testing.T) { listFilters(t, open(t)) })
	t.Run("SearchAndSort", func(t *testing.T) { searchAndSort(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { deleteDeliverable(t, open(t)) })
	t.Run("Users", func(t *testing.T) { users(t, open(t)) })
	t.Run("CreateUser", func(t *testing.T) { createUser(t, open(t)) })
	t.Run("APIKeys", func(t *testing.T) { apiKeys(t, open(t)) })
	t.Run("Events", func(t *testing.T) { eventLog(t, open(t)) })
}

func sample(id string, dept domain.Department, deadline time.Time) domain.Deliverable {
	url := "scans/" + id + ".jpg"
	return domain.Deliverable{
		ID:          id,
		Name:        "Deliverable " + id,
		Description: "Description of " + id,
		Department:  dept,
		CreatedAt:   base,
		Deadline:    deadline,
		Status:      domain.StatusToDo,
		Priority:    domain.PriorityHigh,
		CreatedBy:   "u-1",
		ScanURL:     &url,
		DaysOverdue: 2,
		Tags:        []string{"alpha", "beta"},
	}
}

func deliverableRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := sample("d-1", domain.DepartmentMarketing, base.Add(72*time.Hour+123*time.Millisecond))
	if err := s.PutDeliverable(ctx, d); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetDeliverable(ctx, "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Deadline.Equal(d.Deadline) || !got.CreatedAt.Equal(d.CreatedAt) {
		t.Fatalf("timestamps changed: %s %s", got.Deadline, got.CreatedAt)
	}
	got.Deadline, got.CreatedAt = d.Deadline, d.CreatedAt
	if !reflect.DeepEqual(got, d) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, d)
	}
	got.Tags[0] = "mutated"
	again, _ := s.GetDeliverable(ctx, "d-1")
	if again.Tags[0] != "alpha" {
		t.Fatalf("store shares tags with callers")
	}

	plain := sample("d-2", domain.DepartmentSales, base)
	plain.ScanURL = nil
	plain.Tags = nil
	if err := s.PutDeliverable(ctx, plain); err != nil {
		t.Fatalf("put plain: %v", err)
	}
	got, err = s.GetDeliverable(ctx, "d-2")
	if err != nil {
		t.Fatalf("get plain: %v", err)
	}
	if got.ScanURL != nil || got.Tags == nil || len(got.Tags) != 0 {
		t.Fatalf("plain deliverable round trip: %+v", got)
	}
	listed, err := s.ListDeliverables(ctx, store.Filter{Departments: []domain.Department{domain.DepartmentSales}})
	if err != nil || len(listed) != 1 || listed[0].Tags == nil {
		t.Fatalf("plain deliverable listed: %+v %v", listed, err)
	}

	updated := d.MarkDone()
	if err := s.PutDeliverable(ctx, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetDeliverable(ctx, "d-1")
	if got.Status != domain.StatusDone || got.DaysOverdue != 0 {
		t.Fatalf("update not stored: %+v", got)
	}
	if _, err := s.GetDeliverable(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing deliverable: %v", err)
	}
}

func listFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := sample("a", domain.DepartmentMarketing, base.Add(48*time.Hour))
	b := sample("b", domain.DepartmentDesign, base.Add(24*time.Hour))
	b.Status = domain.StatusInProgress
	b.CreatedBy = "u-2"
	c := sample("c", domain.DepartmentMarketing, base.Add(96*time.Hour))
	c.Tags = []string{"gamma"}
	for _, d := range []domain.Deliverable{a, b, c} {
		if err := s.PutDeliverable(ctx, d); err != nil {
			t.Fatalf("put %s: %v", d.ID, err)
		}
	}
	check := func(name string, f store.Filter, want ...string) {
		t.Helper()
		got, err := s.ListDeliverables(ctx, f)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		ids := make([]string, 0, len(got))
		for _, d := range got {
			ids = append(ids, d.ID)
		}
		if len(want) == 0 && len(ids) == 0 {
			return
		}
		if !reflect.DeepEqual(ids, want) {
			t.Fatalf("%s: got %v, want %v", name, ids, want)
		}
	}
	check("all", store.Filter{}, "b", "a", "c")
	check("department", store.Filter{Departments: []domain.Department{domain.DepartmentMarketing}}, "a", "c")
	check("no departments", store.Filter{Departments: []domain.Department{}})
	check("status", store.Filter{Status: domain.StatusInProgress}, "b")
	check("creator", store.Filter{CreatedBy: "u-1"}, "a", "c")
	check("tag", store.Filter{Tag: "gamma"}, "c")
}

func searchAndSort(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(10 * 24 * time.Hour)
	mk := func(id, name string, dept domain.Department, deadline time.Duration, st domain.Status, p domain.Priority, tags ...string) domain.Deliverable {
		d := sample(id, dept, now.Add(deadline))
		d.Name, d.Description, d.Status, d.Priority, d.Tags = name, "", st, p, tags
		return d
	}
	for _, d := range []domain.Deliverable{
		mk("brief", "Spring campaign brief", domain.DepartmentMarketing, 48*time.Hour, domain.StatusToDo, domain.PriorityMedium),
		mk("late", "Invoice batch", domain.DepartmentSales, -24*time.Hour, domain.StatusInProgress, domain.PriorityLow, "Q1"),
		mk("wip", "Logo_v2 100%", domain.DepartmentDesign, 24*time.Hour, domain.StatusInProgress, domain.PriorityHigh),
		mk("shipped", "Défilé printemps", domain.DepartmentDesign, -72*time.Hour, domain.StatusDone, domain.PriorityUrgent, "lookbook"),
		mk("odd", "Budget review", domain.DepartmentFinance, 72*time.Hour, domain.Status("draft"), domain.Priority("odd")),
	} {
		if err := s.PutDeliverable(ctx, d); err != nil {
			t.Fatalf("put %s: %v", d.ID, err)
		}
	}
	check := func(name string, f store.Filter, want ...string) {
		t.Helper()
		f.Now = now
		got, err := s.ListDeliverables(ctx, f)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		ids := make([]string, 0, len(got))
		for _, d := range got {
			ids = append(ids, d.ID)
		}
		if len(want) == 0 && len(ids) == 0 {
			return
		}
		if !reflect.DeepEqual(ids, want) {
			t.Fatalf("%s: got %v, want %v", name, ids, want)
		}
	}
	check("query name", store.Filter{Query: "CAMPAIGN"}, "brief")
	check("query department", store.Filter{Query: "design"}, "shipped", "wip")
	check("query tag", store.Filter{Query: "q1"}, "late")
	check("query accented", store.Filter{Query: "DÉFILÉ"}, "shipped")
	check("query wildcards are literal", store.Filter{Query: "_v2 100%"}, "wip")
	check("query percent alone", store.Filter{Query: "%"}, "wip")
	check("query no match", store.Filter{Query: "nothing like it"})
	check("blank query", store.Filter{Query: "  "}, "shipped", "late", "wip", "brief", "odd")
	check("priority", store.Filter{Priority: domain.PriorityHigh}, "wip")
	check("query and priority", store.Filter{Query: "design", Priority: domain.PriorityUrgent}, "shipped")

	check("sort deadline", store.Filter{Sort: domain.SortByDeadline}, "shipped", "late", "wip", "brief", "odd")
	check("sort priority", store.Filter{Sort: domain.SortByPriority}, "shipped", "wip", "brief", "odd", "late")
	check("sort status", store.Filter{Sort: domain.SortByStatus}, "late", "brief", "odd", "wip", "shipped")
	check("sort department", store.Filter{Sort: domain.SortByDepartment}, "shipped", "wip", "odd", "brief", "late")
	check("sort with filter", store.Filter{Departments: []domain.Department{domain.DepartmentDesign}, Sort: domain.SortByStatus}, "wip", "shipped")
}

func deleteDeliverable(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.PutDeliverable(ctx, sample("d", domain.DepartmentFinance, base)); err != nil {
		t.Fatalf("put: %v", err)
	}
	change := events.Change{Type: events.DeliverableDeleted, EntityKind: "deliverable", EntityID: "d", ActorID: "u-1"}
	if err := s.DeleteDeliverable(ctx, "d", change); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetDeliverable(ctx, "d"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted deliverable still readable: %v", err)
	}
	if err := s.DeleteDeliverable(ctx, "d"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	evts, err := s.ListEvents(ctx, store.EventFilter{Type: events.DeliverableDeleted})
	if err != nil || len(evts) != 1 {
		t.Fatalf("delete event: %v %v", evts, err)
	}
}

func users(t *testing.T, s store.Store) {
	ctx := context.Background()
	photo := "photos/ana.png"
	u := domain.User{
		ID:           "u-1",
		Email:        "ana@example.com",
		Name:         "Ana",
		Department:   domain.DepartmentDesign,
		Role:         domain.RoleDepartmentHead,
		CreatedAt:    base,
		LastAccessAt: base.Add(time.Hour),
		Active:       true,
		Preferences:  map[string]any{"theme": "dark"},
		PhotoURL:     &photo,
		Phone:        "+33 1 23 45 67 89",
	}
	if err := s.PutUser(ctx, u); err != nil {
		t.Fatalf("put user: %v", err)
	}
	got, err := s.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	got.CreatedAt, got.LastAccessAt = u.CreatedAt, u.LastAccessAt
	if !reflect.DeepEqual(got, u) {
		t.Fatalf("user round trip:\n got %+v\nwant %+v", got, u)
	}
	byEmail, err := s.GetUserByEmail(ctx, "ANA@example.com")
	if err != nil || byEmail.ID != "u-1" {
		t.Fatalf("by email: %+v %v", byEmail, err)
	}
	dup := domain.User{ID: "u-2", Email: "ana@example.com", Role: domain.RoleRegularUser, CreatedAt: base}
	if err := s.PutUser(ctx, dup); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate email: %v", err)
	}
	other := domain.User{ID: "u-0", Email: "bob@example.com", Role: domain.RoleRegularUser, CreatedAt: base}
	if err := s.PutUser(ctx, other); err != nil {
		t.Fatalf("put other: %v", err)
	}
	list, err := s.ListUsers(ctx)
	if err != nil || len(list) != 2 || list[0].ID != "u-1" {
		t.Fatalf("list users: %+v %v", list, err)
	}
	if _, err := s.PasswordHash(ctx, "u-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("password before set: %v", err)
	}
	if err := s.SetPassword(ctx, "u-1", "hash"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if hash, err := s.PasswordHash(ctx, "u-1"); err != nil || hash != "hash" {
		t.Fatalf("password hash %q %v", hash, err)
	}
	if err := s.SetPassword(ctx, "nobody", "hash"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("password for unknown user: %v", err)
	}
}

func createUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := domain.User{ID: "u-1", Email: "ana@example.com", Name: "Ana", Department: domain.DepartmentDesign,
		Role: domain.RoleRegularUser, CreatedAt: base, Active: true}
	registered := events.Change{Type: events.UserRegistered, EntityKind: "user", EntityID: "u-1", ActorID: "u-1"}
	if err := s.CreateUser(ctx, u, "hash-1", registered); err != nil {
		t.Fatalf("create: %v", err)
	}
	if hash, err := s.PasswordHash(ctx, "u-1"); err != nil || hash != "hash-1" {
		t.Fatalf("password hash %q %v", hash, err)
	}

	sameEmail := domain.User{ID: "u-2", Email: "ANA@example.com", Role: domain.RoleRegularUser, CreatedAt: base, Active: true}
	lost := events.Change{Type: events.UserRegistered, EntityKind: "user", EntityID: "u-2", ActorID: "u-2"}
	if err := s.CreateUser(ctx, sameEmail, "hash-2", lost); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate email: %v", err)
	}
	if _, err := s.GetUser(ctx, "u-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("conflicting user stored: %v", err)
	}
	if _, err := s.PasswordHash(ctx, "u-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("conflicting credential stored: %v", err)
	}

	sameID := domain.User{ID: "u-1", Email: "other@example.com", Role: domain.RoleRegularUser, CreatedAt: base, Active: true}
	if err := s.CreateUser(ctx, sameID, "hash-3"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate id: %v", err)
	}
	if hash, _ := s.PasswordHash(ctx, "u-1"); hash != "hash-1" {
		t.Fatalf("credential overwritten by conflicting create: %q", hash)
	}
	if got, _ := s.GetUser(ctx, "u-1"); got.Email != "ana@example.com" {
		t.Fatalf("user overwritten by conflicting create: %+v", got)
	}

	noPassword := domain.User{ID: "u-3", Email: "sso@example.com", Role: domain.RoleViewer, CreatedAt: base, Active: true}
	if err := s.CreateUser(ctx, noPassword, ""); err != nil {
		t.Fatalf("create without password: %v", err)
	}
	if _, err := s.PasswordHash(ctx, "u-3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("password for user created without one: %v", err)
	}

	evts, err := s.ListEvents(ctx, store.EventFilter{EntityKind: "user"})
	if err != nil || len(evts) != 1 || evts[0].EntityID != "u-1" {
		t.Fatalf("user events: %+v %v", evts, err)
	}
}

func eventLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	if id, err := s.LatestEventID(ctx); err != nil || id != 0 {
		t.Fatalf("empty log latest id %d %v", id, err)
	}
	d := sample("d", domain.DepartmentDesign, base)
	created := events.Change{Type: events.DeliverableCreated, EntityKind: "deliverable", EntityID: "d", ActorID: "u-1",
		Payload: events.EventPayload{"department": "Design"}}
	if err := s.PutDeliverable(ctx, d, created); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.AppendEvent(ctx, events.Change{Type: events.UserRegistered, EntityKind: "user", EntityID: "u-1", ActorID: "u-1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	done := events.Change{Type: events.DeliverableDone, EntityKind: "deliverable", EntityID: "d", ActorID: "u-1"}
	if err := s.PutDeliverable(ctx, d.MarkDone(), done); err != nil {
		t.Fatalf("put done: %v", err)
	}
	latest, err := s.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	all, err := s.ListEvents(ctx, store.EventFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list events: %v %v", all, err)
	}
	if all[0].ID != latest || all[0].Type != events.DeliverableDone {
		t.Fatalf("newest first expected, got %+v", all[0])
	}
	if all[2].Payload != `{"department":"Design"}` {
		t.Fatalf("payload %q", all[2].Payload)
	}
	byEntity, _ := s.ListEvents(ctx, store.EventFilter{EntityKind: "deliverable", EntityID: "d"})
	if len(byEntity) != 2 {
		t.Fatalf("entity events: %v", byEntity)
	}
	older, _ := s.ListEvents(ctx, store.EventFilter{Before: latest, Limit: 1})
	if len(older) != 1 || older[0].Type != events.UserRegistered {
		t.Fatalf("cursor page: %v", older)
	}
	after, err := s.EventsAfter(ctx, all[2].ID, 10)
	if err != nil || len(after) != 2 || after[0].Type != events.UserRegistered {
		t.Fatalf("events after: %v %v", after, err)
	}
}

func apiKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := domain.User{ID: "u-1", Email: "kim@example.com", Role: domain.RoleRegularUser, CreatedAt: base}
	if err := s.PutUser(ctx, u); err != nil {
		t.Fatalf("put user: %v", err)
	}
	key := domain.APIKey{ID: "k-1", UserID: "u-1", Name: "ci", KeyHash: store.HashAPIKey("secret"), CreatedAt: base}
	if err := s.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.GetAPIKeyByHash(ctx, store.HashAPIKey(" secret "))
	if err != nil || got.ID != "k-1" || got.UserID != "u-1" || got.Name != "ci" {
		t.Fatalf("by hash: %+v %v", got, err)
	}
	later := domain.APIKey{ID: "k-2", UserID: "u-1", KeyHash: store.HashAPIKey("other"), CreatedAt: base.Add(time.Hour)}
	if err := s.InsertAPIKey(ctx, later); err != nil {
		t.Fatalf("insert later: %v", err)
	}
	list, err := s.ListAPIKeys(ctx, "u-1")
	if err != nil || len(list) != 2 || list[0].ID != "k-2" {
		t.Fatalf("list: %+v %v", list, err)
	}
	if err := s.DeleteAPIKey(ctx, "k-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetAPIKeyByHash(ctx, key.KeyHash); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted key still valid: %v", err)
	}
	if err := s.DeleteAPIKey(ctx, "k-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}
