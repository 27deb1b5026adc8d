package domain

import (
	"maps"
	"strings"
	"time"
)

const newUserWindow = 7 * day

// DisplayName falls back to the local part of the email when the name is blank.
func (u User) DisplayName() string {
	if strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	local, _, _ := strings.Cut(u.Email, "@")
	return local
}

// IsNew reports an account created less than a week before now.
func (u User) IsNew(now time.Time) bool {
	return now.Sub(u.CreatedAt) < newUserWindow
}

func (u User) Clone() User {
	out := u
	out.Preferences = maps.Clone(u.Preferences)
	if u.PhotoURL != nil {
		url := *u.PhotoURL
		out.PhotoURL = &url
	}
	return out
}

func (u User) TouchAccess(now time.Time) User {
	out := u.Clone()
	out.LastAccessAt = now
	return out
}

// ChangeDepartment moves the user and sets role; an empty role keeps the current one.
func (u User) ChangeDepartment(dept Department, role Role) User {
	out := u.Clone()
	out.Department = dept
	if role != "" {
		out.Role = role
	}
	return out
}

func (u User) PromoteDepartmentHead() User {
	out := u.Clone()
	out.Role = RoleDepartmentHead
	return out
}

func (u User) PromoteTechnicalDirection(c Catalog) User {
	out := u.Clone()
	out.Role = RoleTechnicalAdmin
	out.Department = c.TechnicalDirection
	return out
}

func (u User) WithPreference(key string, value any) User {
	out := u.Clone()
	if out.Preferences == nil {
		out.Preferences = map[string]any{}
	}
	out.Preferences[key] = value
	return out
}
