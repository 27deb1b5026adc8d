package domain

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// SortKey selects the primary order of a deliverable list. Ties always fall
// back to deadline, then id.
type SortKey string

const (
	SortByDeadline   SortKey = "deadline"
	SortByPriority   SortKey = "priority"
	SortByStatus     SortKey = "status"
	SortByDepartment SortKey = "department"
)

// ParseSortKey maps an empty value to deadline order.
func ParseSortKey(raw string) (SortKey, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "deadline", "echeance":
		return SortByDeadline, true
	case "priority", "priorite":
		return SortByPriority, true
	case "status", "statut":
		return SortByStatus, true
	case "department", "departement":
		return SortByDepartment, true
	}
	return SortKey(raw), false
}

// PriorityRank puts urgent first. Unknown priorities rank as medium.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	}
	return 2
}

// StatusRank puts overdue work first, then to do, in progress and done.
// Unknown statuses rank as to do.
func (d Deliverable) StatusRank(now time.Time) int {
	if d.IsOverdue(now) {
		return 0
	}
	switch d.Status {
	case StatusInProgress:
		return 2
	case StatusDone:
		return 3
	}
	return 1
}

// SortDeliverables orders ds in place by key, evaluating lateness at now.
func SortDeliverables(ds []Deliverable, key SortKey, now time.Time) {
	primary := func(a, b Deliverable) int { return 0 }
	switch key {
	case SortByPriority:
		primary = func(a, b Deliverable) int { return cmp.Compare(PriorityRank(a.Priority), PriorityRank(b.Priority)) }
	case SortByStatus:
		primary = func(a, b Deliverable) int { return cmp.Compare(a.StatusRank(now), b.StatusRank(now)) }
	case SortByDepartment:
		primary = func(a, b Deliverable) int { return cmp.Compare(a.Department, b.Department) }
	}
	slices.SortFunc(ds, func(a, b Deliverable) int {
		return cmp.Or(primary(a, b), a.Deadline.Compare(b.Deadline), cmp.Compare(a.ID, b.ID))
	})
}

// MatchesQuery is a case-insensitive substring search over name, description,
// department and tags. A blank query matches everything.
func (d Deliverable) MatchesQuery(q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	for _, field := range []string{d.Name, d.Description, string(d.Department)} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return slices.ContainsFunc(d.Tags, func(tag string) bool {
		return strings.Contains(strings.ToLower(tag), q)
	})
}
