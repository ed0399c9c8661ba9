/*
errors.go - Centralized error types for the payroll engine

ERROR CATEGORIES:
  1. Lifecycle errors - writes against CLOSED records, double close
  2. Lookup errors - missing records, lines, employees
  3. Configuration errors - broken reference data (ambiguous tariffs)
  4. Input errors - malformed edits and periods

USAGE:
  if errors.Is(err, payroll.ErrRecordLocked) {
      // record was closed, nothing was written
  }

SEE ALSO:
  - lifecycle.go: produces LockedError and ErrAlreadyClosed
  - tariff/resolver.go: AmbiguousError unwraps ErrConfiguration
*/
package payroll

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRecordLocked is returned when a write targets a CLOSED record.
	ErrRecordLocked = errors.New("payroll record is locked")

	// ErrAlreadyClosed is returned when closing a record that is already CLOSED.
	ErrAlreadyClosed = errors.New("payroll record already closed")

	ErrRecordNotFound   = errors.New("payroll record not found")
	ErrLineNotFound     = errors.New("payroll line not found")
	ErrEmployeeNotFound = errors.New("employee not found")

	// ErrRecordExists is returned by stores when a second record is created
	// for the same employee and period.
	ErrRecordExists = errors.New("payroll record already exists for this period")

	// ErrConfiguration marks broken reference data. It is fatal for a batch.
	ErrConfiguration = errors.New("configuration error")

	// ErrDuplicateConcept is returned when a concept code appears twice
	// where codes must be unique (fresh lines, manual additions).
	ErrDuplicateConcept = errors.New("duplicate concept code")

	ErrEmptyEdit     = errors.New("line edit changes nothing")
	ErrInvalidPeriod = errors.New("invalid payroll period")
	ErrInvalidLine   = errors.New("invalid payroll line")
	ErrNotOverridden = errors.New("payroll line is not overridden")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// LockedError reports the record and the action that was refused.
type LockedError struct {
	RecordID RecordID
	Action   Action
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("payroll record %s is closed: %s not allowed", e.RecordID, e.Action)
}

func (e *LockedError) Unwrap() error { return ErrRecordLocked }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrEmptyEdit) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidLine) ||
		errors.Is(err, ErrDuplicateConcept) ||
		errors.Is(err, ErrNotOverridden)
}

// IsConflict returns true if the error comes from the record's lifecycle state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrRecordLocked) ||
		errors.Is(err, ErrAlreadyClosed) ||
		errors.Is(err, ErrRecordExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrLineNotFound) ||
		errors.Is(err, ErrEmployeeNotFound)
}
