/*
Package payroll provides the variable-pay reconciliation engine.

PURPOSE:
  Turns operational facts and resolved tariffs into one monthly payroll
  draft per employee, merges every regeneration with the manual overrides
  a human already made, and enforces the DRAFT -> CLOSED lifecycle.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts rounded to cents at computation time
  - Record: the per-employee, per-period container (owns its lines)
  - Line: one concept's contribution to a record, possibly overridden
  - LineDraft: a freshly calculated line, before reconciliation
  - Facts: what the operational aggregator reports for a period

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, Round2 at the point of computation
  2. Stable keys: every concept emits a line, even with zero quantity
  3. Overrides win: a line a human edited is never recalculated
  4. Sum invariant: Record.Total == sum(Line.Amount) after every write

SEE ALSO:
  - reconcile.go: merge of fresh lines with stored lines
  - lifecycle.go: DRAFT/CLOSED state machine
  - engine.go: generation, edits and closing
*/
package payroll

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Round2 rounds to cents. Amounts are rounded when computed, never at display.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type RoleID string
type RecordID string
type LineID string
type ConceptCode string

// =============================================================================
// CONCEPT CATALOGUE
// =============================================================================

type ConceptKind string

const (
	KindEarning   ConceptKind = "earning"
	KindDeduction ConceptKind = "deduction"
	KindReference ConceptKind = "reference" // resolved as a parameter, never emitted as a line
)

// Concept is a pay concept of the catalogue. Concepts are soft-deactivated,
// never removed.
type Concept struct {
	Code   ConceptCode
	Name   string
	Kind   ConceptKind
	Active bool
	Order  int
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// Employee is the directory view the engine needs.
type Employee struct {
	ID            EmployeeID
	Name          string
	Role          RoleID
	Active        bool
	DeactivatedAt *time.Time
}

// =============================================================================
// OPERATIONAL FACTS
// =============================================================================

type AbsenceKind string

const (
	AbsenceLeave    AbsenceKind = "ABSENCE"
	AbsenceVacation AbsenceKind = "VACATION"
)

// Absence is an absence interval, both ends inclusive (day granularity).
type Absence struct {
	Kind     AbsenceKind
	Start    time.Time
	End      time.Time
	Approved bool
}

// HolidayShift is work performed on a calendar day. Holiday tells whether
// the day is a recognized holiday.
type HolidayShift struct {
	Date    time.Time
	Hours   decimal.Decimal
	Holiday bool
}

// Facts is what the operational aggregator reports for one employee and
// one period. Values are expected to be sanitized upstream; the calculator
// still clamps negatives.
type Facts struct {
	DaysWorked       int
	Hours            decimal.Decimal
	Kilometers       decimal.Decimal
	// Liters is total fuel, reported for reference. Only CommercialLiters is paid.
	Liters           decimal.Decimal
	CommercialLiters decimal.Decimal
	Unloads          int
	Trips            int
	Shifts           []HolidayShift
	Absences         []Absence
}

// =============================================================================
// LINES AND RECORDS
// =============================================================================

// LineDraft is a freshly calculated line.
type LineDraft struct {
	Code          ConceptCode
	Name          string
	Quantity      decimal.Decimal
	Rate          decimal.Decimal
	Amount        decimal.Decimal
	NotConfigured bool
}

// Line is a persisted payroll line. Name is denormalized so the record stays
// readable if the catalogue changes later.
type Line struct {
	ID             LineID
	RecordID       RecordID
	Code           ConceptCode
	Name           string
	Quantity       decimal.Decimal
	Rate           decimal.Decimal
	Amount         decimal.Decimal
	Overridden     bool
	ManualAddition bool
	NotConfigured  bool
	Note           string
	EditedBy       string
	Order          int
}

// Equal compares every persisted field. Decimals compare by value.
func (l Line) Equal(o Line) bool {
	return l.ID == o.ID &&
		l.RecordID == o.RecordID &&
		l.Code == o.Code &&
		l.Name == o.Name &&
		l.Quantity.Equal(o.Quantity) &&
		l.Rate.Equal(o.Rate) &&
		l.Amount.Equal(o.Amount) &&
		l.Overridden == o.Overridden &&
		l.ManualAddition == o.ManualAddition &&
		l.NotConfigured == o.NotConfigured &&
		l.Note == o.Note &&
		l.EditedBy == o.EditedBy &&
		l.Order == o.Order
}

type Status string

const (
	StatusDraft  Status = "DRAFT"
	StatusClosed Status = "CLOSED"
)

// Record is the payroll draft of one employee for one month.
type Record struct {
	ID         RecordID
	EmployeeID EmployeeID
	Period     Period
	Status     Status
	Total      decimal.Decimal
	Lines      []Line
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ClosedAt   *time.Time
	ClosedBy   string
}

// SumLines returns the sum of all line amounts.
func (r *Record) SumLines() decimal.Decimal {
	total := decimal.Zero
	for _, l := range r.Lines {
		total = total.Add(l.Amount)
	}
	return total
}

// RecomputeTotal restores the sum invariant.
func (r *Record) RecomputeTotal() {
	r.Total = r.SumLines()
}

// Line returns the line with the given ID.
func (r *Record) Line(id LineID) (*Line, bool) {
	for i := range r.Lines {
		if r.Lines[i].ID == id {
			return &r.Lines[i], true
		}
	}
	return nil, false
}

// LineByCode returns the line for a concept code.
func (r *Record) LineByCode(code ConceptCode) (*Line, bool) {
	for i := range r.Lines {
		if r.Lines[i].Code == code {
			return &r.Lines[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy; stores hand out clones so callers never alias
// stored state.
func (r Record) Clone() Record {
	out := r
	out.Lines = append([]Line(nil), r.Lines...)
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		out.ClosedAt = &t
	}
	return out
}
