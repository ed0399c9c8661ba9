package trucking

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/varpay/payroll"
)

// =============================================================================
// RULES
// =============================================================================

// computation is the state shared by the rules of one Compute call.
type computation struct {
	ctx      context.Context
	calc     *Calculator
	employee payroll.Employee
	period   payroll.Period
	facts    payroll.Facts

	// amounts of the lines emitted so far, by code
	amounts map[payroll.ConceptCode]decimal.Decimal
}

// rule computes one concept. Rate is the resolved tariff value (zero when
// not configured).
type rule struct {
	code     payroll.ConceptCode
	quantity func(c *computation) decimal.Decimal
	amount   func(c *computation, qty, rate decimal.Decimal) (decimal.Decimal, error)
}

// rules in emission order. PRODUCTIVITY reads the amounts of KM..DIET, so
// it must stay after them.
var rules = []rule{
	{code: ConceptKM, quantity: func(c *computation) decimal.Decimal { return c.facts.Kilometers }, amount: perUnit},
	{code: ConceptUnloads, quantity: func(c *computation) decimal.Decimal { return decimal.NewFromInt(int64(c.facts.Unloads)) }, amount: perUnit},
	{code: ConceptTrips, quantity: func(c *computation) decimal.Decimal { return decimal.NewFromInt(int64(c.facts.Trips)) }, amount: perUnit},
	{code: ConceptCommercialLiters, quantity: func(c *computation) decimal.Decimal { return c.facts.CommercialLiters }, amount: perUnit},
	{code: ConceptDiet, quantity: func(c *computation) decimal.Decimal { return decimal.NewFromInt(int64(c.facts.DaysWorked)) }, amount: dietAmount},
	{code: ConceptHolidayHours, quantity: holidayHours, amount: perUnit},
	{code: ConceptProductivity, quantity: productivityBase, amount: percentage},
	{code: ConceptAbsenceDeduction, quantity: absenceDays(payroll.AbsenceLeave), amount: deduction},
	{code: ConceptVacationDeduction, quantity: absenceDays(payroll.AbsenceVacation), amount: deduction},
}

// poolConcepts feed the productivity pool.
var poolConcepts = []payroll.ConceptCode{ConceptKM, ConceptUnloads, ConceptTrips, ConceptCommercialLiters, ConceptDiet}

func perUnit(_ *computation, qty, rate decimal.Decimal) (decimal.Decimal, error) {
	return payroll.Round2(qty.Mul(rate)), nil
}

func deduction(_ *computation, qty, rate decimal.Decimal) (decimal.Decimal, error) {
	return payroll.Round2(qty.Mul(rate)).Neg(), nil
}

func percentage(_ *computation, qty, rate decimal.Decimal) (decimal.Decimal, error) {
	return payroll.Round2(qty.Mul(rate).Div(decimal.NewFromInt(100))), nil
}

// dietAmount is min(days x rate, DIET_CAP). No cap when DIET_CAP is not configured.
func dietAmount(c *computation, qty, rate decimal.Decimal) (decimal.Decimal, error) {
	raw := payroll.Round2(qty.Mul(rate))
	capRes, err := c.calc.resolve(c.ctx, ConceptDietCap, c.employee, c.period)
	if err != nil {
		return decimal.Zero, err
	}
	if capRes.Found && raw.GreaterThan(capRes.Value) {
		return payroll.Round2(capRes.Value), nil
	}
	return raw, nil
}

// holidayHours counts hours worked on recognized holidays, for office roles only.
func holidayHours(c *computation) decimal.Decimal {
	if !c.calc.officeRoles[c.employee.Role] {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, s := range c.facts.Shifts {
		if s.Holiday && c.period.Contains(s.Date) {
			total = total.Add(s.Hours)
		}
	}
	return total
}

// productivityBase is max(0, pool - DIET) where pool sums KM..DIET.
func productivityBase(c *computation) decimal.Decimal {
	pool := decimal.Zero
	for _, code := range poolConcepts {
		pool = pool.Add(c.amounts[code])
	}
	base := pool.Sub(c.amounts[ConceptDiet])
	if base.IsNegative() {
		return decimal.Zero
	}
	return base
}

func absenceDays(kind payroll.AbsenceKind) func(c *computation) decimal.Decimal {
	return func(c *computation) decimal.Decimal {
		days := 0
		for _, a := range c.facts.Absences {
			if a.Kind == kind && a.Approved {
				days += c.period.OverlapDays(a.Start, a.End)
			}
		}
		return decimal.NewFromInt(int64(days))
	}
}
