/*
store.go - Persistence and collaborator interfaces for the payroll engine

PURPOSE:
  Defines the boundary between the engine and the database, plus the
  read-only collaborators the engine consumes (directory, catalogue,
  operational facts). Implementations live in payroll/store (memory),
  store/sqlite and store/postgres.

KEY INTERFACES:
  RecordStore: payroll records and their lines
  TxStore:     RecordStore with atomic read-check-write
  Directory:   employees (id, role, active, deactivation date)
  Catalogue:   pay concepts
  FactsSource: operational facts per employee and period

ATOMICITY:
  SaveRecord replaces a record's lines as one unit. WithTx wraps the whole
  read-reconcile-save sequence so lifecycle checks see commit-time state.

SEE ALSO:
  - engine.go: the only writer
  - tariff/store.go: tariff persistence
*/
package payroll

import "context"

// =============================================================================
// RECORD STORE
// =============================================================================

// RecordStore persists payroll records. Lines are owned by their record.
type RecordStore interface {
	// GetRecord returns the record of an employee for a period, or ErrRecordNotFound.
	GetRecord(ctx context.Context, employeeID EmployeeID, period Period) (Record, error)

	GetRecordByID(ctx context.Context, id RecordID) (Record, error)

	// GetRecordByLine returns the record owning a line, or ErrLineNotFound.
	GetRecordByLine(ctx context.Context, lineID LineID) (Record, error)

	// ListRecords returns every record of a period ordered by employee.
	ListRecords(ctx context.Context, period Period) ([]Record, error)

	// SaveRecord inserts or updates a record and replaces its lines.
	// Refuses with ErrRecordLocked when the stored record is already CLOSED.
	SaveRecord(ctx context.Context, rec Record) error
}

// TxStore wraps RecordStore with transaction support.
type TxStore interface {
	RecordStore

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(RecordStore) error) error
}

// =============================================================================
// COLLABORATORS - read-only from the engine's point of view
// =============================================================================

type Directory interface {
	ListEmployees(ctx context.Context) ([]Employee, error)
	GetEmployee(ctx context.Context, id EmployeeID) (Employee, error)
}

type Catalogue interface {
	// ListConcepts returns every concept, active or not, ordered by Order.
	ListConcepts(ctx context.Context) ([]Concept, error)
}

// FactsSource is the operational aggregator.
type FactsSource interface {
	Facts(ctx context.Context, employeeID EmployeeID, period Period) (Facts, error)
}

// Calculator turns facts into fresh lines for one employee and period.
type Calculator interface {
	Compute(ctx context.Context, emp Employee, period Period, facts Facts) ([]LineDraft, error)
}
