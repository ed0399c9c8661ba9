/*
Package factory converts JSON seed files into reference data, tariffs and
operational facts.

PURPOSE:
  Lets an operator bootstrap a store (or a demo scenario) without code:
  concepts, employees, tariff versions, work days and absences in one file.
  Tariffs go through the tariff.Ledger so the one-active-per-scope rule and
  the event log hold for seeded data too.

JSON SCHEMA:
  {
    "concepts": [{"code": "KM", "name": "Kilometers driven", "kind": "earning", "order": 1}],
    "employees": [{"id": "emp-1", "name": "Ana", "role": "CONDUCTOR"}],
    "tariffs": [
      {"concept": "KM", "scope": "global", "value": "0.05", "effective_from": "2025-01-01"},
      {"concept": "KM", "scope": "role", "scope_id": "CONDUCTOR", "value": "0.07", "effective_from": "2025-06-01"}
    ],
    "work_days": [{"employee_id": "emp-1", "date": "2025-06-10", "km": "1200", "unloads": 40, "trips": 5}],
    "absences": [{"employee_id": "emp-1", "kind": "VACATION", "start": "2025-06-20", "end": "2025-06-22", "approved": true}]
  }

DEFAULTS:
  - concepts omitted: the trucking catalogue is installed
  - employee "active" omitted: true
  - concept "active" omitted: true
  - dates accept YYYY-MM-DD or RFC 3339

USAGE:
  f := factory.NewSeedFactory()
  seed, err := f.LoadFile("seed.json")
  summary, err := f.Apply(ctx, store, ledger, seed)

SEE ALSO:
  - trucking/concepts.go: default catalogue
  - tariff/ledger.go: tariff write path
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/varpay/payroll"
	"github.com/warp/varpay/tariff"
	"github.com/warp/varpay/trucking"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SeedJSON is the JSON representation of a seed file.
type SeedJSON struct {
	Concepts  []ConceptJSON  `json:"concepts,omitempty"`
	Employees []EmployeeJSON `json:"employees,omitempty"`
	Tariffs   []TariffJSON   `json:"tariffs,omitempty"`
	WorkDays  []WorkDayJSON  `json:"work_days,omitempty"`
	Absences  []AbsenceJSON  `json:"absences,omitempty"`
}

type ConceptJSON struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Kind   string `json:"kind"` // earning, deduction, reference
	Active *bool  `json:"active,omitempty"`
	Order  int    `json:"order"`
}

type EmployeeJSON struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	Active        *bool  `json:"active,omitempty"`
	DeactivatedAt string `json:"deactivated_at,omitempty"`
}

type TariffJSON struct {
	Concept       string          `json:"concept"`
	Scope         string          `json:"scope"` // global, role, employee
	ScopeID       string          `json:"scope_id,omitempty"`
	Value         decimal.Decimal `json:"value"`
	EffectiveFrom string          `json:"effective_from"`
	Actor         string          `json:"actor,omitempty"`
}

type WorkDayJSON struct {
	EmployeeID       string          `json:"employee_id"`
	Date             string          `json:"date"`
	Hours            decimal.Decimal `json:"hours"`
	Kilometers       decimal.Decimal `json:"km"`
	Liters           decimal.Decimal `json:"liters"`
	CommercialLiters decimal.Decimal `json:"commercial_liters"`
	Unloads          int             `json:"unloads"`
	Trips            int             `json:"trips"`
	Holiday          bool            `json:"holiday,omitempty"`
}

type AbsenceJSON struct {
	EmployeeID string `json:"employee_id"`
	Kind       string `json:"kind"` // ABSENCE, VACATION
	Start      string `json:"start"`
	End        string `json:"end"`
	Approved   bool   `json:"approved"`
}

// =============================================================================
// SEED FACTORY
// =============================================================================

// Target receives the reference data and facts of a seed. Every store
// implementation satisfies it.
type Target interface {
	SaveConcept(ctx context.Context, c payroll.Concept) error
	SaveEmployee(ctx context.Context, e payroll.Employee) error
	AddWorkDay(ctx context.Context, d payroll.WorkDay) error
	AddAbsence(ctx context.Context, employeeID payroll.EmployeeID, a payroll.Absence) error
}

// Summary counts what Apply wrote.
type Summary struct {
	Concepts  int `json:"concepts"`
	Employees int `json:"employees"`
	Tariffs   int `json:"tariffs"`
	WorkDays  int `json:"work_days"`
	Absences  int `json:"absences"`
}

// SeedFactory parses and applies seed files.
type SeedFactory struct{}

func NewSeedFactory() *SeedFactory {
	return &SeedFactory{}
}

// LoadFile reads and parses a seed file.
func (f *SeedFactory) LoadFile(path string) (SeedJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedJSON{}, fmt.Errorf("failed to read seed file: %w", err)
	}
	return f.Parse(data)
}

// Parse parses seed JSON and validates dates and enums up front, so Apply
// never fails halfway on malformed input.
func (f *SeedFactory) Parse(data []byte) (SeedJSON, error) {
	var sj SeedJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return SeedJSON{}, fmt.Errorf("failed to parse seed JSON: %w", err)
	}
	for i, c := range sj.Concepts {
		if strings.TrimSpace(c.Code) == "" {
			return SeedJSON{}, fmt.Errorf("concept %d: code is required", i)
		}
		if _, err := parseKind(c.Kind); err != nil {
			return SeedJSON{}, fmt.Errorf("concept %s: %w", c.Code, err)
		}
	}
	for _, e := range sj.Employees {
		if strings.TrimSpace(e.ID) == "" {
			return SeedJSON{}, fmt.Errorf("employee id is required")
		}
		if e.DeactivatedAt != "" {
			if _, err := parseDate(e.DeactivatedAt); err != nil {
				return SeedJSON{}, fmt.Errorf("employee %s: %w", e.ID, err)
			}
		}
	}
	for _, t := range sj.Tariffs {
		if _, err := tariff.NewScope(t.Scope, t.ScopeID); err != nil {
			return SeedJSON{}, fmt.Errorf("tariff %s: %w", t.Concept, err)
		}
		if _, err := parseDate(t.EffectiveFrom); err != nil {
			return SeedJSON{}, fmt.Errorf("tariff %s: %w", t.Concept, err)
		}
	}
	for _, d := range sj.WorkDays {
		if _, err := parseDate(d.Date); err != nil {
			return SeedJSON{}, fmt.Errorf("work day of %s: %w", d.EmployeeID, err)
		}
	}
	for _, a := range sj.Absences {
		if _, err := parseAbsenceKind(a.Kind); err != nil {
			return SeedJSON{}, fmt.Errorf("absence of %s: %w", a.EmployeeID, err)
		}
		start, err := parseDate(a.Start)
		if err != nil {
			return SeedJSON{}, fmt.Errorf("absence of %s: %w", a.EmployeeID, err)
		}
		end, err := parseDate(a.End)
		if err != nil {
			return SeedJSON{}, fmt.Errorf("absence of %s: %w", a.EmployeeID, err)
		}
		if end.Before(start) {
			return SeedJSON{}, fmt.Errorf("absence of %s: end before start", a.EmployeeID)
		}
	}
	return sj, nil
}

// Apply writes the seed in dependency order: concepts, employees, tariffs
// (oldest first, so later versions replace earlier ones), facts.
func (f *SeedFactory) Apply(ctx context.Context, target Target, ledger *tariff.Ledger, sj SeedJSON) (Summary, error) {
	var sum Summary

	concepts := trucking.DefaultCatalogue()
	if len(sj.Concepts) > 0 {
		concepts = concepts[:0]
		for _, cj := range sj.Concepts {
			kind, _ := parseKind(cj.Kind)
			concepts = append(concepts, payroll.Concept{
				Code:   payroll.ConceptCode(strings.ToUpper(cj.Code)),
				Name:   cj.Name,
				Kind:   kind,
				Active: cj.Active == nil || *cj.Active,
				Order:  cj.Order,
			})
		}
	}
	for _, c := range concepts {
		if err := target.SaveConcept(ctx, c); err != nil {
			return sum, err
		}
		sum.Concepts++
	}

	for _, ej := range sj.Employees {
		e := payroll.Employee{
			ID:     payroll.EmployeeID(ej.ID),
			Name:   ej.Name,
			Role:   payroll.RoleID(strings.ToUpper(ej.Role)),
			Active: ej.Active == nil || *ej.Active,
		}
		if ej.DeactivatedAt != "" {
			at, _ := parseDate(ej.DeactivatedAt)
			e.DeactivatedAt = &at
		}
		if err := target.SaveEmployee(ctx, e); err != nil {
			return sum, err
		}
		sum.Employees++
	}

	tariffs := append([]TariffJSON(nil), sj.Tariffs...)
	sort.SliceStable(tariffs, func(i, j int) bool {
		a, _ := parseDate(tariffs[i].EffectiveFrom)
		b, _ := parseDate(tariffs[j].EffectiveFrom)
		return a.Before(b)
	})
	for _, tj := range tariffs {
		scope, _ := tariff.NewScope(tj.Scope, tj.ScopeID)
		from, _ := parseDate(tj.EffectiveFrom)
		actor := tj.Actor
		if actor == "" {
			actor = "seed"
		}
		if _, err := ledger.Create(ctx, tariff.CreateRequest{
			Concept:       payroll.ConceptCode(strings.ToUpper(tj.Concept)),
			Scope:         scope,
			Value:         tj.Value,
			EffectiveFrom: from,
			Actor:         actor,
		}); err != nil {
			return sum, fmt.Errorf("tariff %s %s: %w", tj.Concept, scope, err)
		}
		sum.Tariffs++
	}

	for _, dj := range sj.WorkDays {
		date, _ := parseDate(dj.Date)
		if err := target.AddWorkDay(ctx, payroll.WorkDay{
			EmployeeID:       payroll.EmployeeID(dj.EmployeeID),
			Date:             date,
			Hours:            dj.Hours,
			Kilometers:       dj.Kilometers,
			Liters:           dj.Liters,
			CommercialLiters: dj.CommercialLiters,
			Unloads:          dj.Unloads,
			Trips:            dj.Trips,
			Holiday:          dj.Holiday,
		}); err != nil {
			return sum, err
		}
		sum.WorkDays++
	}

	for _, aj := range sj.Absences {
		kind, _ := parseAbsenceKind(aj.Kind)
		start, _ := parseDate(aj.Start)
		end, _ := parseDate(aj.End)
		if err := target.AddAbsence(ctx, payroll.EmployeeID(aj.EmployeeID), payroll.Absence{
			Kind:     kind,
			Start:    start,
			End:      end,
			Approved: aj.Approved,
		}); err != nil {
			return sum, err
		}
		sum.Absences++
	}
	return sum, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t.UTC(), nil
}

func parseKind(s string) (payroll.ConceptKind, error) {
	switch k := payroll.ConceptKind(strings.ToLower(s)); k {
	case payroll.KindEarning, payroll.KindDeduction, payroll.KindReference:
		return k, nil
	case "":
		return payroll.KindEarning, nil
	default:
		return "", fmt.Errorf("unknown concept kind %q", s)
	}
}

func parseAbsenceKind(s string) (payroll.AbsenceKind, error) {
	switch k := payroll.AbsenceKind(strings.ToUpper(s)); k {
	case payroll.AbsenceLeave, payroll.AbsenceVacation:
		return k, nil
	default:
		return "", fmt.Errorf("unknown absence kind %q", s)
	}
}
