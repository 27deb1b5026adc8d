package domain

import "time"

// Summarize counts ds at now. CompletionRate is an integer percentage, zero for an empty set.
func Summarize(ds []Deliverable, now time.Time) Stats {
	st := Stats{ByDepartment: map[Department]int{}}
	for _, d := range ds {
		st.Total++
		st.ByDepartment[d.Department]++
		if d.Status == StatusDone {
			st.Done++
		}
		if d.IsOverdue(now) {
			st.Overdue++
		}
		if d.NeedsAttention(now) {
			st.NeedsAttention++
		}
	}
	if st.Total > 0 {
		st.CompletionRate = st.Done * 100 / st.Total
	}
	return st
}
