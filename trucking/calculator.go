package trucking

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/varpay/payroll"
	"github.com/warp/varpay/tariff"
	"go.uber.org/zap"
)

// TariffResolver is the part of tariff.Resolver the calculator needs.
type TariffResolver interface {
	Resolve(ctx context.Context, concept payroll.ConceptCode, employeeID payroll.EmployeeID, role payroll.RoleID, asOf time.Time) (tariff.Resolution, error)
}

// Calculator implements payroll.Calculator for trucking concepts.
type Calculator struct {
	catalogue   payroll.Catalogue
	resolver    TariffResolver
	officeRoles map[payroll.RoleID]bool
	log         *zap.Logger
}

type Option func(*Calculator)

// WithOfficeRoles replaces the roles that earn HOLIDAY_HOURS.
func WithOfficeRoles(roles ...payroll.RoleID) Option {
	return func(c *Calculator) {
		c.officeRoles = make(map[payroll.RoleID]bool, len(roles))
		for _, r := range roles {
			c.officeRoles[r] = true
		}
	}
}

func WithLogger(log *zap.Logger) Option { return func(c *Calculator) { c.log = log } }

func NewCalculator(catalogue payroll.Catalogue, resolver TariffResolver, opts ...Option) *Calculator {
	c := &Calculator{
		catalogue: catalogue,
		resolver:  resolver,
		log:       zap.NewNop(),
	}
	WithOfficeRoles(DefaultOfficeRoles...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute emits one line per active concept, in rule order. Concepts with
// no tariff produce a zero line flagged NotConfigured.
func (c *Calculator) Compute(ctx context.Context, emp payroll.Employee, period payroll.Period, facts payroll.Facts) ([]payroll.LineDraft, error) {
	concepts, err := c.catalogue.ListConcepts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalogue: %w", err)
	}
	active := make(map[payroll.ConceptCode]payroll.Concept, len(concepts))
	for _, con := range concepts {
		if con.Active && con.Kind != payroll.KindReference {
			active[con.Code] = con
		}
	}

	comp := &computation{
		ctx:      ctx,
		calc:     c,
		employee: emp,
		period:   period,
		facts:    c.sanitize(emp, period, facts),
		amounts:  make(map[payroll.ConceptCode]decimal.Decimal, len(rules)),
	}

	drafts := make([]payroll.LineDraft, 0, len(rules))
	for _, r := range rules {
		con, ok := active[r.code]
		if !ok {
			continue
		}
		qty := r.quantity(comp)

		res, err := c.resolve(ctx, r.code, emp, period)
		if err != nil {
			return nil, err
		}
		draft := payroll.LineDraft{
			Code:     r.code,
			Name:     con.Name,
			Quantity: qty,
			Rate:     decimal.Zero,
			Amount:   decimal.Zero,
		}
		if !res.Found {
			draft.NotConfigured = true
		} else {
			amount, err := r.amount(comp, qty, res.Value)
			if err != nil {
				return nil, err
			}
			draft.Rate = res.Value
			draft.Amount = amount
		}
		comp.amounts[r.code] = draft.Amount
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

func (c *Calculator) resolve(ctx context.Context, code payroll.ConceptCode, emp payroll.Employee, period payroll.Period) (tariff.Resolution, error) {
	res, err := c.resolver.Resolve(ctx, code, emp.ID, emp.Role, period.AsOf())
	if err != nil {
		return tariff.Resolution{}, fmt.Errorf("resolve %s for %s: %w", code, emp.ID, err)
	}
	return res, nil
}

// sanitize clamps negative facts to zero. Upstream should never send them.
func (c *Calculator) sanitize(emp payroll.Employee, period payroll.Period, f payroll.Facts) payroll.Facts {
	warn := func(field string, value string) {
		c.log.Warn("negative operational fact clamped to zero",
			zap.String("employee_id", string(emp.ID)),
			zap.String("period", period.String()),
			zap.String("field", field),
			zap.String("value", value),
		)
	}
	clampDec := func(field string, d decimal.Decimal) decimal.Decimal {
		if d.IsNegative() {
			warn(field, d.String())
			return decimal.Zero
		}
		return d
	}
	clampInt := func(field string, n int) int {
		if n < 0 {
			warn(field, fmt.Sprint(n))
			return 0
		}
		return n
	}

	f.Hours = clampDec("hours", f.Hours)
	f.Kilometers = clampDec("kilometers", f.Kilometers)
	f.Liters = clampDec("liters", f.Liters)
	f.CommercialLiters = clampDec("commercial_liters", f.CommercialLiters)
	f.DaysWorked = clampInt("days_worked", f.DaysWorked)
	f.Unloads = clampInt("unloads", f.Unloads)
	f.Trips = clampInt("trips", f.Trips)

	shifts := make([]payroll.HolidayShift, len(f.Shifts))
	for i, s := range f.Shifts {
		s.Hours = clampDec("shift_hours", s.Hours)
		shifts[i] = s
	}
	f.Shifts = shifts
	return f
}
