package payroll

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OPERATIONAL AGGREGATION
// =============================================================================

// WorkDay is one day of operational activity as recorded by dispatch.
type WorkDay struct {
	EmployeeID       EmployeeID
	Date             time.Time
	Hours            decimal.Decimal
	Kilometers       decimal.Decimal
	Liters           decimal.Decimal
	CommercialLiters decimal.Decimal
	Unloads          int
	Trips            int
	Holiday          bool
}

// AggregateFacts folds the work days and absences of one employee into the
// facts of a period. Days outside the period are ignored. A date recorded
// twice counts once toward DaysWorked; its quantities add up.
func AggregateFacts(period Period, days []WorkDay, absences []Absence) Facts {
	f := Facts{
		Hours:            decimal.Zero,
		Kilometers:       decimal.Zero,
		Liters:           decimal.Zero,
		CommercialLiters: decimal.Zero,
	}
	worked := make(map[time.Time]bool)
	for _, d := range days {
		if !period.Contains(d.Date) {
			continue
		}
		worked[truncateDay(d.Date)] = true
		f.Hours = f.Hours.Add(d.Hours)
		f.Kilometers = f.Kilometers.Add(d.Kilometers)
		f.Liters = f.Liters.Add(d.Liters)
		f.CommercialLiters = f.CommercialLiters.Add(d.CommercialLiters)
		f.Unloads += d.Unloads
		f.Trips += d.Trips
		f.Shifts = append(f.Shifts, HolidayShift{Date: truncateDay(d.Date), Hours: d.Hours, Holiday: d.Holiday})
	}
	f.DaysWorked = len(worked)

	for _, a := range absences {
		if period.OverlapDays(a.Start, a.End) > 0 {
			f.Absences = append(f.Absences, a)
		}
	}
	return f
}
