/*
Package trucking provides the pay concepts and calculation rules of a
trucking payroll.

PURPOSE:
  Implements payroll.Calculator: turns one employee's monthly operational
  facts into fresh payroll lines, resolving every rate through the tariff
  resolver at the last instant of the period.

CONCEPTS (fixed emission order):
  KM, UNLOADS, TRIPS, COMMERCIAL_LITERS   quantity x rate
  DIET                                    days worked x rate, capped by DIET_CAP
  HOLIDAY_HOURS                           holiday hours, office roles only
  PRODUCTIVITY                            percentage of (pool - DIET)
  ABSENCE_DEDUCTION, VACATION_DEDUCTION   -(approved days x rate)

  DIET_CAP is a reference concept: resolved as a parameter, never emitted.

SEE ALSO:
  - calculator.go: Compute
  - rules.go: per-concept rules
*/
package trucking

import "github.com/warp/varpay/payroll"

// =============================================================================
// CONCEPT CODES
// =============================================================================

const (
	ConceptKM                payroll.ConceptCode = "KM"
	ConceptUnloads           payroll.ConceptCode = "UNLOADS"
	ConceptTrips             payroll.ConceptCode = "TRIPS"
	ConceptCommercialLiters  payroll.ConceptCode = "COMMERCIAL_LITERS"
	ConceptDiet              payroll.ConceptCode = "DIET"
	ConceptHolidayHours      payroll.ConceptCode = "HOLIDAY_HOURS"
	ConceptProductivity      payroll.ConceptCode = "PRODUCTIVITY"
	ConceptAbsenceDeduction  payroll.ConceptCode = "ABSENCE_DEDUCTION"
	ConceptVacationDeduction payroll.ConceptCode = "VACATION_DEDUCTION"

	// ConceptDietCap is the monthly ceiling of DIET.
	ConceptDietCap payroll.ConceptCode = "DIET_CAP"
)

// =============================================================================
// ROLES
// =============================================================================

const (
	RoleDriver payroll.RoleID = "CONDUCTOR"
	RoleOffice payroll.RoleID = "OFFICE"
	RoleAdmin  payroll.RoleID = "ADMIN"
)

// DefaultOfficeRoles are the roles that earn HOLIDAY_HOURS.
var DefaultOfficeRoles = []payroll.RoleID{RoleOffice, RoleAdmin}

// DefaultCatalogue returns the standard concept catalogue, all active.
func DefaultCatalogue() []payroll.Concept {
	return []payroll.Concept{
		{Code: ConceptKM, Name: "Kilometers driven", Kind: payroll.KindEarning, Active: true, Order: 1},
		{Code: ConceptUnloads, Name: "Unloads", Kind: payroll.KindEarning, Active: true, Order: 2},
		{Code: ConceptTrips, Name: "Trips", Kind: payroll.KindEarning, Active: true, Order: 3},
		{Code: ConceptCommercialLiters, Name: "Commercial liters", Kind: payroll.KindEarning, Active: true, Order: 4},
		{Code: ConceptDiet, Name: "Diet allowance", Kind: payroll.KindEarning, Active: true, Order: 5},
		{Code: ConceptHolidayHours, Name: "Holiday hours worked", Kind: payroll.KindEarning, Active: true, Order: 6},
		{Code: ConceptProductivity, Name: "Productivity bonus", Kind: payroll.KindEarning, Active: true, Order: 7},
		{Code: ConceptAbsenceDeduction, Name: "Absence deduction", Kind: payroll.KindDeduction, Active: true, Order: 8},
		{Code: ConceptVacationDeduction, Name: "Vacation deduction", Kind: payroll.KindDeduction, Active: true, Order: 9},
		{Code: ConceptDietCap, Name: "Diet monthly cap", Kind: payroll.KindReference, Active: true, Order: 100},
	}
}
