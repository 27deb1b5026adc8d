package domain

import (
	"fmt"
	"slices"
	"time"
)

const day = 24 * time.Hour

// LabelKey identifies the display classification of a deliverable.
type LabelKey string

const (
	LabelLate       LabelKey = "late"
	LabelDone       LabelKey = "done"
	LabelUrgent     LabelKey = "urgent"
	LabelSoon       LabelKey = "soon"
	LabelInProgress LabelKey = "in_progress"
	LabelToDo       LabelKey = "to_do"
)

type Label struct {
	Key   LabelKey `json:"key" enum:"late,done,urgent,soon,in_progress,to_do"`
	Text  string   `json:"text"`
	Color string   `json:"color"`
}

// DaysRemaining counts whole days until the deadline, clamped at zero.
func (d Deliverable) DaysRemaining(now time.Time) int {
	return wholeDays(d.Deadline.Sub(now))
}

// IsOverdue holds when the deadline has passed and the work is not done.
func (d Deliverable) IsOverdue(now time.Time) bool {
	return d.Deadline.Before(now) && d.Status != StatusDone
}

// OverdueDays counts whole days past the deadline; zero unless overdue.
func (d Deliverable) OverdueDays(now time.Time) int {
	if d.Status == StatusDone || !d.IsOverdue(now) {
		return 0
	}
	return wholeDays(now.Sub(d.Deadline))
}

// IsDueSoon reports a deadline within three days that has not passed yet.
func (d Deliverable) IsDueSoon(now time.Time) bool {
	return d.DaysRemaining(now) <= 3 && !d.IsOverdue(now)
}

func (d Deliverable) NeedsAttention(now time.Time) bool {
	return d.IsOverdue(now) || d.IsDueSoon(now) || d.Priority == PriorityUrgent
}

// StatusLabel classifies the deliverable. The checks run in a fixed order and
// the first match wins, so a done item past its deadline reads as done and an
// in-progress item due tomorrow reads as urgent.
func (d Deliverable) StatusLabel(now time.Time) Label {
	remaining := d.DaysRemaining(now)
	switch {
	case d.IsOverdue(now):
		return Label{Key: LabelLate, Text: "Late", Color: "red"}
	case d.Status == StatusDone:
		return Label{Key: LabelDone, Text: "Done", Color: "green"}
	case remaining <= 1:
		return Label{Key: LabelUrgent, Text: "Urgent", Color: "dark_orange"}
	case remaining <= 3:
		return Label{Key: LabelSoon, Text: "Soon", Color: "orange"}
	case d.Status == StatusInProgress:
		return Label{Key: LabelInProgress, Text: "In progress", Color: "blue"}
	default:
		return Label{Key: LabelToDo, Text: "To do", Color: "blue"}
	}
}

// Progress is a percentage derived from the status alone.
func (d Deliverable) Progress() int {
	switch d.Status {
	case StatusInProgress:
		return 50
	case StatusDone:
		return 100
	default:
		return 0
	}
}

// Modifiable reports whether the content of the deliverable is still open for edits.
func (d Deliverable) Modifiable() bool {
	return d.Status != StatusDone
}

// CanBeDeleted is the record-level deletion check. It allows every deletion;
// the role-based rule lives in auth.Policy.CanDeleteDeliverables.
func (d Deliverable) CanBeDeleted() bool {
	return true
}

// RemainingText renders the time left (or the delay) in words.
func (d Deliverable) RemainingText(now time.Time) string {
	if d.IsOverdue(now) {
		late := d.OverdueDays(now)
		if late == 1 {
			return "Overdue by 1 day"
		}
		return fmt.Sprintf("Overdue by %d days", late)
	}
	remaining := d.DaysRemaining(now)
	switch {
	case remaining == 0:
		return "Today"
	case remaining == 1:
		return "Tomorrow"
	case remaining <= 7:
		return fmt.Sprintf("In %d days", remaining)
	}
	weeks := remaining / 7
	if weeks == 1 {
		return "In 1 week"
	}
	return fmt.Sprintf("In %d weeks", weeks)
}

// Clone returns a copy that shares no mutable state with d.
func (d Deliverable) Clone() Deliverable {
	out := d
	out.Tags = slices.Clone(d.Tags)
	if d.ScanURL != nil {
		url := *d.ScanURL
		out.ScanURL = &url
	}
	return out
}

func (d Deliverable) MarkDone() Deliverable {
	out := d.Clone()
	out.Status = StatusDone
	out.DaysOverdue = 0
	return out
}

func (d Deliverable) MarkInProgress() Deliverable {
	out := d.Clone()
	out.Status = StatusInProgress
	return out
}

func (d Deliverable) ChangePriority(p Priority) Deliverable {
	out := d.Clone()
	out.Priority = p
	return out
}

func (d Deliverable) ChangeDeadline(deadline time.Time) Deliverable {
	out := d.Clone()
	out.Deadline = deadline
	return out
}

// AddTag appends tag unless it is already present.
func (d Deliverable) AddTag(tag string) Deliverable {
	out := d.Clone()
	if !slices.Contains(out.Tags, tag) {
		out.Tags = append(out.Tags, tag)
	}
	return out
}

// WithOverdueCounter stores the current overdue day count on the record.
func (d Deliverable) WithOverdueCounter(now time.Time) Deliverable {
	out := d.Clone()
	out.DaysOverdue = d.OverdueDays(now)
	return out
}

func wholeDays(span time.Duration) int {
	if span <= 0 {
		return 0
	}
	return int(span / day)
}

// Derived bundles every time-relative value of a deliverable at one instant.
type Derived struct {
	DaysRemaining  int    `json:"days_remaining"`
	Overdue        bool   `json:"overdue"`
	OverdueDays    int    `json:"overdue_days"`
	DueSoon        bool   `json:"due_soon"`
	NeedsAttention bool   `json:"needs_attention"`
	Progress       int    `json:"progress"`
	Label          Label  `json:"label"`
	Remaining      string `json:"remaining"`
	Modifiable     bool   `json:"modifiable"`
}

func (d Deliverable) Derive(now time.Time) Derived {
	return Derived{
		DaysRemaining:  d.DaysRemaining(now),
		Overdue:        d.IsOverdue(now),
		OverdueDays:    d.OverdueDays(now),
		DueSoon:        d.IsDueSoon(now),
		NeedsAttention: d.NeedsAttention(now),
		Progress:       d.Progress(),
		Label:          d.StatusLabel(now),
		Remaining:      d.RemainingText(now),
		Modifiable:     d.Modifiable(),
	}
}
