package auth_test

import (
	"errors"
	"slices"
	"testing"

	"deliverline/internal/domain"
	"deliverline/internal/engine/auth"
)

func user(id string, role domain.Role, dept domain.Department) domain.User {
	return domain.User{ID: id, Email: id + "@example.com", Role: role, Department: dept, Active: true}
}

func TestSeeAllImpliesSeeEveryDepartment(t *testing.T) {
	p := auth.Default
	users := []domain.User{
		user("dir", domain.RoleDirection, domain.DepartmentMarketing),
		user("gm", domain.RoleRegularUser, domain.DepartmentGeneralManagement),
		user("tech", domain.RoleTechnicalAdmin, domain.DepartmentDevelopment),
		user("td", domain.RoleRegularUser, domain.DepartmentTechnicalDirection),
		user("head", domain.RoleDepartmentHead, domain.DepartmentSales),
		user("reg", domain.RoleRegularUser, domain.DepartmentDesign),
		user("odd", domain.Role("intern"), domain.Department("Nowhere")),
	}
	for _, u := range users {
		if !p.CanSeeAllDepartments(u) {
			continue
		}
		for _, d := range p.Catalog.All {
			if !p.CanSeeDepartment(u, d) {
				t.Fatalf("user %s can see all departments but not %s", u.ID, d)
			}
		}
	}
}

func TestCreatorCanAlwaysModify(t *testing.T) {
	p := auth.Default
	u := user("u-1", domain.RoleRegularUser, domain.DepartmentMarketing)
	d := domain.Deliverable{ID: "d-1", Department: domain.DepartmentFinance, CreatedBy: "u-1"}
	if !p.CanModifyDeliverable(u, d) {
		t.Fatalf("creator must be able to modify")
	}
	viewer := user("u-1", domain.RoleViewer, domain.DepartmentSales)
	if !p.CanModifyDeliverable(viewer, d) {
		t.Fatalf("creator override must not depend on role")
	}
}

func TestRegularUserOutsideDepartment(t *testing.T) {
	p := auth.Default
	u := user("u-m", domain.RoleRegularUser, domain.DepartmentMarketing)
	d := domain.Deliverable{ID: "d-1", Department: domain.DepartmentDesign, CreatedBy: "u-other"}
	if p.CanModifyDeliverable(u, d) {
		t.Fatalf("regular user must not modify another department's deliverable")
	}
	if p.CanSeeDepartment(u, domain.DepartmentDesign) {
		t.Fatalf("regular user must not see Design")
	}
	if !p.CanSeeDepartment(u, domain.DepartmentMarketing) {
		t.Fatalf("regular user must see own department")
	}
	same := domain.Deliverable{ID: "d-2", Department: domain.DepartmentMarketing, CreatedBy: "u-other"}
	if !p.CanModifyDeliverable(u, same) {
		t.Fatalf("department member must modify department deliverable")
	}
}

func TestRoleFlags(t *testing.T) {
	p := auth.Default
	cases := []struct {
		u                         domain.User
		seeAll, modifyAll, delete bool
	}{
		{user("dir", domain.RoleDirection, domain.DepartmentMarketing), true, true, true},
		{user("gm", domain.RoleRegularUser, domain.DepartmentGeneralManagement), true, true, true},
		{user("tech", domain.RoleTechnicalAdmin, domain.DepartmentDevelopment), true, true, true},
		{user("head", domain.RoleDepartmentHead, domain.DepartmentSales), false, true, false},
		{user("reg", domain.RoleRegularUser, domain.DepartmentSales), false, false, false},
		{user("viewer", domain.RoleViewer, domain.DepartmentSales), false, false, false},
		{user("odd", domain.Role("intern"), domain.DepartmentSales), false, false, false},
	}
	for _, tc := range cases {
		if got := p.CanSeeAllDepartments(tc.u); got != tc.seeAll {
			t.Fatalf("%s see all = %v", tc.u.ID, got)
		}
		if got := p.CanModifyAllDeliverables(tc.u); got != tc.modifyAll {
			t.Fatalf("%s modify all = %v", tc.u.ID, got)
		}
		if got := p.CanDeleteDeliverables(tc.u); got != tc.delete {
			t.Fatalf("%s delete = %v", tc.u.ID, got)
		}
		if got := p.CanManageUsers(tc.u); got != tc.delete {
			t.Fatalf("%s manage users = %v", tc.u.ID, got)
		}
	}
}

func TestAccessibleDepartments(t *testing.T) {
	p := auth.Default
	dir := p.AccessibleDepartments(user("dir", domain.RoleDirection, domain.DepartmentMarketing))
	if !slices.Equal(dir, p.Catalog.All) {
		t.Fatalf("direction departments %v", dir)
	}

	tech := p.AccessibleDepartments(user("tech", domain.RoleTechnicalAdmin, domain.DepartmentDevelopment))
	want := []domain.Department{domain.DepartmentTechnicalDirection, domain.DepartmentDevelopment, domain.DepartmentDesign}
	if !slices.Equal(tech, want) {
		t.Fatalf("technical departments %v, want %v", tech, want)
	}

	techFinance := p.AccessibleDepartments(user("tf", domain.RoleTechnicalAdmin, domain.DepartmentFinance))
	want = append(slices.Clone(want), domain.DepartmentFinance)
	if !slices.Equal(techFinance, want) {
		t.Fatalf("technical + own departments %v, want %v", techFinance, want)
	}

	reg := p.AccessibleDepartments(user("reg", domain.RoleRegularUser, domain.DepartmentSales))
	if !slices.Equal(reg, []domain.Department{domain.DepartmentSales}) {
		t.Fatalf("regular departments %v", reg)
	}
	if len(p.Catalog.Technical) != 3 {
		t.Fatalf("catalog mutated by AccessibleDepartments: %v", p.Catalog.Technical)
	}
}

func TestCanCreateForDepartment(t *testing.T) {
	p := auth.Default
	head := user("head", domain.RoleDepartmentHead, domain.DepartmentSales)
	if !p.CanCreateForDepartment(head, domain.DepartmentSales) {
		t.Fatalf("head must create in own department")
	}
	if p.CanCreateForDepartment(head, domain.DepartmentMarketing) {
		t.Fatalf("head must not create across departments")
	}
	tech := user("tech", domain.RoleTechnicalAdmin, domain.DepartmentFinance)
	if !p.CanCreateForDepartment(tech, domain.DepartmentDesign) || !p.CanCreateForDepartment(tech, domain.DepartmentFinance) {
		t.Fatalf("technical admin must create in technical and own departments")
	}
	if p.CanCreateForDepartment(tech, domain.DepartmentSales) {
		t.Fatalf("technical admin must not create in Sales")
	}
	dir := user("dir", domain.RoleDirection, domain.DepartmentSales)
	if !p.CanAssignDeliverable(dir, domain.Department("Anything")) {
		t.Fatalf("direction creates everywhere")
	}
}

func TestSummary(t *testing.T) {
	flags := auth.Default.Summary(user("dev", domain.RoleRegularUser, domain.DepartmentDevelopment))
	if flags.CanSeeAllDepartments || flags.CanManageUsers || !flags.TechnicalDepartment {
		t.Fatalf("unexpected flags %+v", flags)
	}
	if len(flags.AccessibleDepartments) != 1 || flags.AccessibleDepartments[0] != domain.DepartmentDevelopment {
		t.Fatalf("accessible departments %v", flags.AccessibleDepartments)
	}
}

func TestForbiddenError(t *testing.T) {
	var err error = auth.ForbiddenError{Action: "deliverable.create", Department: domain.DepartmentSales}
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) || fe.Action != "deliverable.create" {
		t.Fatalf("errors.As failed for %v", err)
	}
	if err.Error() != `permission denied: deliverable.create in department "Sales"` {
		t.Fatalf("message %q", err.Error())
	}
}
