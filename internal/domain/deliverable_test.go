package domain_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"deliverline/internal/domain"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func deliverable(deadline time.Time, status domain.Status, priority domain.Priority) domain.Deliverable {
	return domain.Deliverable{
		ID:          "d-1",
		Name:        "Quarterly report",
		Description: "numbers",
		Department:  domain.DepartmentMarketing,
		CreatedAt:   now.Add(-48 * time.Hour),
		Deadline:    deadline,
		Status:      status,
		Priority:    priority,
		CreatedBy:   "u-1",
		Tags:        []string{"q1"},
	}
}

func TestDoneIsNeverOverdue(t *testing.T) {
	for _, deadline := range []time.Time{now.Add(-30 * 24 * time.Hour), now, now.Add(time.Hour)} {
		d := deliverable(deadline, domain.StatusDone, domain.PriorityMedium)
		if d.IsOverdue(now) {
			t.Fatalf("done deliverable with deadline %s reported overdue", deadline)
		}
		if d.OverdueDays(now) != 0 {
			t.Fatalf("done deliverable has %d overdue days", d.OverdueDays(now))
		}
	}
}

func TestDaysRemainingNeverNegative(t *testing.T) {
	cases := map[time.Duration]int{
		-72 * time.Hour: 0,
		-time.Minute:    0,
		0:               0,
		23 * time.Hour:  0,
		25 * time.Hour:  1,
		73 * time.Hour:  3,
	}
	for offset, want := range cases {
		d := deliverable(now.Add(offset), domain.StatusToDo, domain.PriorityLow)
		if got := d.DaysRemaining(now); got != want {
			t.Fatalf("offset %s: days remaining %d, want %d", offset, got, want)
		}
	}
}

func TestOverdueDays(t *testing.T) {
	d := deliverable(now.Add(-50*time.Hour), domain.StatusInProgress, domain.PriorityLow)
	if got := d.OverdueDays(now); got != 2 {
		t.Fatalf("overdue days %d, want 2", got)
	}
	if got := d.RemainingText(now); got != "Overdue by 2 days" {
		t.Fatalf("remaining text %q", got)
	}
}

func TestProgressDependsOnStatusOnly(t *testing.T) {
	want := map[domain.Status]int{
		domain.StatusToDo:       0,
		domain.StatusInProgress: 50,
		domain.StatusDone:       100,
		domain.Status("draft"):  0,
	}
	for status, pct := range want {
		for _, p := range []domain.Priority{domain.PriorityLow, domain.PriorityUrgent} {
			for _, deadline := range []time.Time{now.Add(-time.Hour), now.Add(200 * time.Hour)} {
				d := deliverable(deadline, status, p)
				if d.Progress() != pct {
					t.Fatalf("status %s priority %s: progress %d, want %d", status, p, d.Progress(), pct)
				}
			}
		}
	}
}

func TestStatusLabelOrder(t *testing.T) {
	cases := []struct {
		name     string
		offset   time.Duration
		status   domain.Status
		priority domain.Priority
		want     domain.LabelKey
	}{
		{"late", -24 * time.Hour, domain.StatusToDo, domain.PriorityLow, domain.LabelLate},
		{"done past deadline", -24 * time.Hour, domain.StatusDone, domain.PriorityLow, domain.LabelDone},
		{"in progress due tomorrow", 30 * time.Hour, domain.StatusInProgress, domain.PriorityLow, domain.LabelUrgent},
		{"due in two days", 50 * time.Hour, domain.StatusToDo, domain.PriorityLow, domain.LabelSoon},
		{"in progress later", 10 * 24 * time.Hour, domain.StatusInProgress, domain.PriorityLow, domain.LabelInProgress},
		{"to do later", 10 * 24 * time.Hour, domain.StatusToDo, domain.PriorityLow, domain.LabelToDo},
		{"unknown status later", 10 * 24 * time.Hour, domain.Status("validated"), domain.PriorityLow, domain.LabelToDo},
	}
	for _, tc := range cases {
		d := deliverable(now.Add(tc.offset), tc.status, tc.priority)
		if got := d.StatusLabel(now).Key; got != tc.want {
			t.Fatalf("%s: label %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestOverdueToDoScenario(t *testing.T) {
	d := deliverable(now.Add(-24*time.Hour), domain.StatusToDo, domain.PriorityMedium)
	if !d.IsOverdue(now) {
		t.Fatalf("expected overdue")
	}
	if d.StatusLabel(now).Key != domain.LabelLate {
		t.Fatalf("expected late label")
	}
	if !d.NeedsAttention(now) {
		t.Fatalf("expected attention")
	}
}

func TestOverdueDoneScenario(t *testing.T) {
	d := deliverable(now.Add(-24*time.Hour), domain.StatusDone, domain.PriorityMedium)
	if d.IsOverdue(now) {
		t.Fatalf("done deliverable must not be overdue")
	}
	if d.StatusLabel(now).Key != domain.LabelDone {
		t.Fatalf("expected done label, got %s", d.StatusLabel(now).Key)
	}
}

func TestUrgentPriorityNeedsAttention(t *testing.T) {
	d := deliverable(now.Add(2*24*time.Hour), domain.StatusToDo, domain.PriorityUrgent)
	if !d.NeedsAttention(now) {
		t.Fatalf("urgent deliverable must need attention")
	}
	key := d.StatusLabel(now).Key
	if key != domain.LabelSoon && key != domain.LabelUrgent {
		t.Fatalf("label %s, want soon or urgent", key)
	}
	far := deliverable(now.Add(30*24*time.Hour), domain.StatusToDo, domain.PriorityUrgent)
	if !far.NeedsAttention(now) {
		t.Fatalf("urgent priority alone must trigger attention")
	}
	calm := deliverable(now.Add(30*24*time.Hour), domain.StatusToDo, domain.PriorityHigh)
	if calm.NeedsAttention(now) {
		t.Fatalf("far high-priority deliverable should not need attention")
	}
}

func TestMarkDone(t *testing.T) {
	d := deliverable(now.Add(-72*time.Hour), domain.StatusInProgress, domain.PriorityHigh)
	d.DaysOverdue = 3
	done := d.MarkDone()
	if done.Status != domain.StatusDone || done.DaysOverdue != 0 {
		t.Fatalf("mark done: status %s overdue %d", done.Status, done.DaysOverdue)
	}
	if d.Status != domain.StatusInProgress || d.DaysOverdue != 3 {
		t.Fatalf("original mutated")
	}
	if done.ID != d.ID || done.Name != d.Name || done.Priority != d.Priority || !done.Deadline.Equal(d.Deadline) || done.Department != d.Department {
		t.Fatalf("mark done changed unrelated fields")
	}
	again := done.MarkDone()
	if again.Status != done.Status || again.DaysOverdue != done.DaysOverdue || len(again.Tags) != len(done.Tags) {
		t.Fatalf("second mark done changed the record")
	}
}

func TestAddTagIsIdempotent(t *testing.T) {
	d := deliverable(now, domain.StatusToDo, domain.PriorityLow)
	once := d.AddTag("finance")
	twice := once.AddTag("finance")
	if len(once.Tags) != 2 || len(twice.Tags) != 2 {
		t.Fatalf("tags once=%v twice=%v", once.Tags, twice.Tags)
	}
	if len(d.Tags) != 1 {
		t.Fatalf("original tags mutated: %v", d.Tags)
	}
}

func TestTransitionsDoNotAlias(t *testing.T) {
	url := "scans/1.jpg"
	d := deliverable(now, domain.StatusToDo, domain.PriorityLow)
	d.ScanURL = &url
	moved := d.ChangeDeadline(now.Add(time.Hour)).ChangePriority(domain.PriorityUrgent).MarkInProgress()
	moved.Tags[0] = "changed"
	*moved.ScanURL = "other"
	if d.Tags[0] != "q1" || *d.ScanURL != "scans/1.jpg" {
		t.Fatalf("transition shared state with the original")
	}
	if moved.Priority != domain.PriorityUrgent || moved.Status != domain.StatusInProgress {
		t.Fatalf("unexpected transition result %+v", moved)
	}
}

func TestValidateNew(t *testing.T) {
	var verr *domain.ValidationError
	if err := domain.ValidateNew(" ", "desc"); !errors.As(err, &verr) || verr.Field != "name" {
		t.Fatalf("expected name error, got %v", err)
	}
	if err := domain.ValidateNew("name", ""); !errors.As(err, &verr) || verr.Field != "description" {
		t.Fatalf("expected description error, got %v", err)
	}
	if err := domain.ValidateNew("name", "desc"); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestParseLegacyValues(t *testing.T) {
	if s, ok := domain.ParseStatus("termine"); !ok || s != domain.StatusDone {
		t.Fatalf("termine parsed to %s", s)
	}
	if s, ok := domain.ParseStatus("brouillon"); ok || s != "brouillon" {
		t.Fatalf("unknown status should pass through, got %s %v", s, ok)
	}
	if p, ok := domain.ParsePriority("Moyenne"); !ok || p != domain.PriorityMedium {
		t.Fatalf("Moyenne parsed to %s", p)
	}
	if p, ok := domain.ParsePriority("whatever"); ok || p != domain.PriorityMedium {
		t.Fatalf("unknown priority parsed to %s %v", p, ok)
	}
	if r, ok := domain.ParseRole("chef_departement"); !ok || r != domain.RoleDepartmentHead {
		t.Fatalf("chef_departement parsed to %s", r)
	}
}

func TestUserHelpers(t *testing.T) {
	u := domain.User{ID: "u", Email: "sophie@example.com", CreatedAt: now.Add(-24 * time.Hour)}
	if u.DisplayName() != "sophie" {
		t.Fatalf("display name %q", u.DisplayName())
	}
	if !u.IsNew(now) {
		t.Fatalf("expected new user")
	}
	withPref := u.WithPreference("theme", "dark")
	if u.Preferences != nil {
		t.Fatalf("original preferences mutated")
	}
	if withPref.Preferences["theme"] != "dark" {
		t.Fatalf("preference not set")
	}
	tech := u.PromoteTechnicalDirection(domain.DefaultCatalog())
	if tech.Role != domain.RoleTechnicalAdmin || tech.Department != domain.DepartmentTechnicalDirection {
		t.Fatalf("promotion result %+v", tech)
	}
	moved := tech.ChangeDepartment(domain.DepartmentFinance, "")
	if moved.Role != domain.RoleTechnicalAdmin || moved.Department != domain.DepartmentFinance {
		t.Fatalf("change department result %+v", moved)
	}
}

func TestSummarize(t *testing.T) {
	ds := []domain.Deliverable{
		{Department: domain.DepartmentDesign, Status: domain.StatusDone, Deadline: now.Add(-48 * time.Hour), Priority: domain.PriorityLow},
		{Department: domain.DepartmentDesign, Status: domain.StatusToDo, Deadline: now.Add(-48 * time.Hour), Priority: domain.PriorityLow},
		{Department: domain.DepartmentSales, Status: domain.StatusInProgress, Deadline: now.Add(30 * 24 * time.Hour), Priority: domain.PriorityUrgent},
	}
	st := domain.Summarize(ds, now)
	if st.Total != 3 || st.Done != 1 || st.Overdue != 1 || st.NeedsAttention != 2 {
		t.Fatalf("counts %+v", st)
	}
	if st.CompletionRate != 33 {
		t.Fatalf("completion %d", st.CompletionRate)
	}
	if st.ByDepartment[domain.DepartmentDesign] != 2 || st.ByDepartment[domain.DepartmentSales] != 1 {
		t.Fatalf("by department %+v", st.ByDepartment)
	}
	if empty := domain.Summarize(nil, now); empty.CompletionRate != 0 || empty.Total != 0 {
		t.Fatalf("empty %+v", empty)
	}
}

func TestMatchesQuery(t *testing.T) {
	d := deliverable(now.Add(48*time.Hour), domain.StatusToDo, domain.PriorityHigh)
	d.Name = "Défilé printemps"
	d.Tags = []string{"Lookbook"}
	for _, q := range []string{"", "  ", "DÉFILÉ", "print", "NUMBERS", "market", "lookb"} {
		if !d.MatchesQuery(q) {
			t.Fatalf("%q should match %+v", q, d)
		}
	}
	if d.MatchesQuery("finance") {
		t.Fatal("unrelated query matched")
	}
}

func TestSortDeliverables(t *testing.T) {
	mk := func(id string, dept domain.Department, deadline time.Duration, st domain.Status, p domain.Priority) domain.Deliverable {
		d := deliverable(now.Add(deadline), st, p)
		d.ID, d.Department = id, dept
		return d
	}
	ds := []domain.Deliverable{
		mk("done", domain.DepartmentDesign, -96*time.Hour, domain.StatusDone, domain.PriorityUrgent),
		mk("late", domain.DepartmentSales, -24*time.Hour, domain.StatusInProgress, domain.PriorityLow),
		mk("todo", domain.DepartmentFinance, 72*time.Hour, domain.StatusToDo, domain.Priority("odd")),
		mk("wip", domain.DepartmentDesign, 24*time.Hour, domain.StatusInProgress, domain.PriorityHigh),
		mk("todo-2", domain.DepartmentMarketing, 48*time.Hour, domain.Status("draft"), domain.PriorityMedium),
	}
	ids := func() []string {
		out := make([]string, 0, len(ds))
		for _, d := range ds {
			out = append(out, d.ID)
		}
		return out
	}
	cases := []struct {
		key  domain.SortKey
		want []string
	}{
		{domain.SortByDeadline, []string{"done", "late", "wip", "todo-2", "todo"}},
		{domain.SortByPriority, []string{"done", "wip", "todo-2", "todo", "late"}},
		{domain.SortByStatus, []string{"late", "todo-2", "todo", "wip", "done"}},
		{domain.SortByDepartment, []string{"done", "wip", "todo", "todo-2", "late"}},
	}
	for _, tc := range cases {
		domain.SortDeliverables(ds, tc.key, now)
		if got := ids(); !slices.Equal(got, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.key, got, tc.want)
		}
	}
	if k, ok := domain.ParseSortKey(""); !ok || k != domain.SortByDeadline {
		t.Fatalf("empty sort key parsed to %s", k)
	}
	if _, ok := domain.ParseSortKey("size"); ok {
		t.Fatal("unknown sort key accepted")
	}
}
