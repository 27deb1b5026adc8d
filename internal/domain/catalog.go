package domain

import "slices"

type Department string

const (
	DepartmentGeneralManagement  Department = "General Management"
	DepartmentTechnicalDirection Department = "Technical Direction"
	DepartmentDevelopment        Department = "Development"
	DepartmentMarketing          Department = "Marketing"
	DepartmentDesign             Department = "Design"
	DepartmentSales              Department = "Sales"
	DepartmentHumanResources     Department = "Human Resources"
	DepartmentFinance            Department = "Finance"
	DepartmentCustomerSupport    Department = "Customer Support"

	// DepartmentGeneral is where scanned documents land when no keyword matches.
	DepartmentGeneral Department = "General"
)

// Catalog is the fixed department list the access rules are evaluated against.
type Catalog struct {
	All                []Department
	Technical          []Department
	GeneralManagement  Department
	TechnicalDirection Department
}

func DefaultCatalog() Catalog {
	return Catalog{
		All: []Department{
			DepartmentGeneralManagement,
			DepartmentTechnicalDirection,
			DepartmentDevelopment,
			DepartmentMarketing,
			DepartmentDesign,
			DepartmentSales,
			DepartmentHumanResources,
			DepartmentFinance,
			DepartmentCustomerSupport,
		},
		Technical: []Department{
			DepartmentTechnicalDirection,
			DepartmentDevelopment,
			DepartmentDesign,
		},
		GeneralManagement:  DepartmentGeneralManagement,
		TechnicalDirection: DepartmentTechnicalDirection,
	}
}

func (c Catalog) Contains(d Department) bool {
	return slices.Contains(c.All, d)
}

func (c Catalog) IsTechnical(d Department) bool {
	return slices.Contains(c.Technical, d)
}
