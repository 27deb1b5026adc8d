package auth

import (
	"fmt"
	"slices"

	"deliverline/internal/domain"
)

// ForbiddenError indicates the acting user is not allowed to perform Action.
type ForbiddenError struct {
	Action     string
	Department domain.Department
}

func (e ForbiddenError) Error() string {
	if e.Department == "" {
		return fmt.Sprintf("permission denied: %s", e.Action)
	}
	return fmt.Sprintf("permission denied: %s in department %q", e.Action, e.Department)
}

// Policy evaluates access rules against a department catalog.
// Every method is a pure function of its arguments.
type Policy struct {
	Catalog domain.Catalog
}

// Default is the policy over the built-in department list.
var Default = Policy{Catalog: domain.DefaultCatalog()}

func New(c domain.Catalog) Policy {
	return Policy{Catalog: c}
}

func (p Policy) IsDirection(u domain.User) bool {
	return u.Role == domain.RoleDirection || u.Department == p.Catalog.GeneralManagement
}

func (p Policy) IsTechnicalDirection(u domain.User) bool {
	return u.Role == domain.RoleTechnicalAdmin || u.Department == p.Catalog.TechnicalDirection
}

// IsPrivilegedDepartment reports whether membership of d alone grants direction
// or technical direction rights.
func (p Policy) IsPrivilegedDepartment(d domain.Department) bool {
	return d == p.Catalog.GeneralManagement || d == p.Catalog.TechnicalDirection
}

func (p Policy) IsDepartmentHead(u domain.User) bool {
	return u.Role == domain.RoleDepartmentHead
}

func (p Policy) CanSeeAllDepartments(u domain.User) bool {
	return p.IsDirection(u) || p.IsTechnicalDirection(u)
}

func (p Policy) CanModifyAllDeliverables(u domain.User) bool {
	return p.IsDirection(u) || p.IsTechnicalDirection(u) || p.IsDepartmentHead(u)
}

// CanDeleteDeliverables is the role-based deletion rule. The record-level
// rule is domain.Deliverable.CanBeDeleted.
func (p Policy) CanDeleteDeliverables(u domain.User) bool {
	return p.IsDirection(u) || p.IsTechnicalDirection(u)
}

func (p Policy) CanManageUsers(u domain.User) bool {
	return p.IsDirection(u) || p.IsTechnicalDirection(u)
}

func (p Policy) CanSeeDepartment(u domain.User, d domain.Department) bool {
	switch {
	case p.CanSeeAllDepartments(u):
		return true
	case p.IsTechnicalDirection(u):
		return p.Catalog.IsTechnical(d) || d == u.Department
	default:
		return d == u.Department
	}
}

// CanModifyDeliverable grants edits to elevated roles, to the creator and to
// members of the owning department.
func (p Policy) CanModifyDeliverable(u domain.User, d domain.Deliverable) bool {
	if p.CanModifyAllDeliverables(u) {
		return true
	}
	if d.CreatedBy != "" && d.CreatedBy == u.ID {
		return true
	}
	return d.Department == u.Department
}

// AccessibleDepartments lists the departments u may browse, in catalog order
// followed by the user's own department when it is not in the catalog.
func (p Policy) AccessibleDepartments(u domain.User) []domain.Department {
	var out []domain.Department
	switch {
	case p.IsDirection(u):
		out = slices.Clone(p.Catalog.All)
	case p.IsTechnicalDirection(u):
		out = slices.Clone(p.Catalog.Technical)
		out = append(out, u.Department)
	default:
		out = []domain.Department{u.Department}
	}
	return dedupe(out)
}

// CanCreateForDepartment follows CanSeeDepartment except that department heads
// are held to their own department.
func (p Policy) CanCreateForDepartment(u domain.User, d domain.Department) bool {
	switch {
	case p.IsDirection(u):
		return true
	case p.IsTechnicalDirection(u):
		return p.Catalog.IsTechnical(d) || d == u.Department
	case p.IsDepartmentHead(u):
		return d == u.Department
	default:
		return d == u.Department
	}
}

func (p Policy) CanAssignDeliverable(u domain.User, d domain.Department) bool {
	return p.CanCreateForDepartment(u, d)
}

func (p Policy) IsInTechnicalDepartment(u domain.User) bool {
	return p.Catalog.IsTechnical(u.Department)
}

// Flags is the evaluated permission set of one user.
type Flags struct {
	UserID                   string              `json:"user_id"`
	Role                     domain.Role         `json:"role"`
	Department               domain.Department   `json:"department"`
	Direction                bool                `json:"direction"`
	TechnicalDirection       bool                `json:"technical_direction"`
	DepartmentHead           bool                `json:"department_head"`
	TechnicalDepartment      bool                `json:"technical_department"`
	CanSeeAllDepartments     bool                `json:"can_see_all_departments"`
	CanModifyAllDeliverables bool                `json:"can_modify_all_deliverables"`
	CanDeleteDeliverables    bool                `json:"can_delete_deliverables"`
	CanManageUsers           bool                `json:"can_manage_users"`
	AccessibleDepartments    []domain.Department `json:"accessible_departments"`
}

func (p Policy) Summary(u domain.User) Flags {
	return Flags{
		UserID:                   u.ID,
		Role:                     u.Role,
		Department:               u.Department,
		Direction:                p.IsDirection(u),
		TechnicalDirection:       p.IsTechnicalDirection(u),
		DepartmentHead:           p.IsDepartmentHead(u),
		TechnicalDepartment:      p.IsInTechnicalDepartment(u),
		CanSeeAllDepartments:     p.CanSeeAllDepartments(u),
		CanModifyAllDeliverables: p.CanModifyAllDeliverables(u),
		CanDeleteDeliverables:    p.CanDeleteDeliverables(u),
		CanManageUsers:           p.CanManageUsers(u),
		AccessibleDepartments:    p.AccessibleDepartments(u),
	}
}

func dedupe(in []domain.Department) []domain.Department {
	seen := make(map[domain.Department]struct{}, len(in))
	out := in[:0]
	for _, d := range in {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
