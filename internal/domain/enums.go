package domain

import "strings"

type Status string

const (
	StatusToDo       Status = "to_do"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// ParseStatus maps a raw status onto the closed set. Legacy spellings are
// accepted. Unknown input comes back unchanged with ok=false; decision
// functions route it through their to-do branch.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "to_do", "todo", "a_faire":
		return StatusToDo, true
	case "in_progress", "en_cours":
		return StatusInProgress, true
	case "done", "termine":
		return StatusDone, true
	}
	return Status(raw), false
}

func (s Status) Valid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority returns medium with ok=false for anything it does not know.
func ParsePriority(raw string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low", "basse":
		return PriorityLow, true
	case "medium", "moyenne":
		return PriorityMedium, true
	case "high", "haute":
		return PriorityHigh, true
	case "urgent", "urgente":
		return PriorityUrgent, true
	}
	return PriorityMedium, false
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Role string

const (
	RoleDirection      Role = "direction"
	RoleTechnicalAdmin Role = "technical_admin"
	RoleDepartmentHead Role = "department_head"
	RoleRegularUser    Role = "regular_user"
	// RoleViewer is accepted and stored but no permission check looks at it.
	RoleViewer Role = "viewer"
)

// AllRoles lists every role a user record may carry.
var AllRoles = []Role{RoleDirection, RoleTechnicalAdmin, RoleDepartmentHead, RoleRegularUser, RoleViewer}

// ParseRole maps legacy spellings; unknown input is returned unchanged with ok=false.
func ParseRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "direction":
		return RoleDirection, true
	case "technical_admin", "admin_technique":
		return RoleTechnicalAdmin, true
	case "department_head", "chef_departement":
		return RoleDepartmentHead, true
	case "regular_user", "utilisateur", "":
		return RoleRegularUser, true
	case "viewer", "visionneur":
		return RoleViewer, true
	}
	return Role(raw), false
}

func (r Role) Valid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}
