/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists payroll records and lines, the tariff table and its event log,
  the concept catalogue, the employee directory and the operational facts
  the aggregator reads. The PostgreSQL store (store/postgres) mirrors the
  same schema with dialect differences only.

INTERFACES IMPLEMENTED:
  payroll.TxStore:     records and lines (lines replaced atomically)
  payroll.Directory:   employees
  payroll.Catalogue:   pay concepts
  payroll.FactsSource: work days and absences, aggregated per period
  tariff.TxStore:      through Store.Tariffs()

KEY TABLES:
  payroll_records: one row per (employee, year, month)
  payroll_lines:   owned by a record (ON DELETE CASCADE)
  tariffs:         current view of tariff versions
  tariff_events:   append-only log of tariff changes
  pay_concepts, employees, work_days, absences: reference data

INDEXES:
  - idx_tariffs_one_active: UNIQUE (concept, scope_key) WHERE active
    backs "at most one active tariff per scope" at the database level
  - idx_payroll_lines_record: line loading in display order
  - idx_work_days_employee_day: period aggregation (hot path)

CONCURRENCY:
  The pool is limited to one connection, so SQLite serializes every
  statement and WithTx holds the connection for the whole read-check-write.
  Queries never nest while rows are open.

TIME:
  Instants are stored as fixed-width UTC text so that string comparison
  orders them correctly. Days are stored as YYYY-MM-DD.

USAGE:
  store, err := sqlite.New("./data/varpay.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - payroll/store.go: Interface definitions
  - tariff/store.go: Tariff interface definitions
  - payroll/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/varpay/payroll"
	"github.com/warp/varpay/tariff"
)

const (
	timeLayout = "2006-01-02T15:04:05.000000000Z"
	dayLayout  = "2006-01-02"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Concept catalogue (soft-deactivated, never deleted)
	CREATE TABLE IF NOT EXISTS pay_concepts (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		sort_order INTEGER NOT NULL DEFAULT 0
	);

	-- Employee directory (owned upstream, mirrored here)
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		deactivated_at TEXT
	);

	-- Tariffs: current view of every version
	CREATE TABLE IF NOT EXISTS tariffs (
		id TEXT PRIMARY KEY,
		concept TEXT NOT NULL,
		scope_kind TEXT NOT NULL,
		scope_id TEXT NOT NULL DEFAULT '',
		scope_key TEXT NOT NULL,
		value TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		activated_at TEXT NOT NULL,
		deactivated_at TEXT,
		created_by TEXT NOT NULL DEFAULT ''
	);

	-- CRITICAL: at most one active tariff per (concept, scope)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tariffs_one_active
		ON tariffs(concept, scope_key) WHERE active;
	CREATE INDEX IF NOT EXISTS idx_tariffs_lookup
		ON tariffs(concept, scope_key, activated_at);

	-- Tariff event log (append-only)
	CREATE TABLE IF NOT EXISTS tariff_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		tariff_id TEXT NOT NULL,
		concept TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		value TEXT NOT NULL,
		at TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tariff_events_concept
		ON tariff_events(concept, seq);

	-- Payroll records
	CREATE TABLE IF NOT EXISTS payroll_records (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		status TEXT NOT NULL,
		total TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		closed_at TEXT,
		closed_by TEXT NOT NULL DEFAULT '',
		UNIQUE(employee_id, year, month)
	);

	CREATE INDEX IF NOT EXISTS idx_payroll_records_period
		ON payroll_records(year, month, employee_id);

	-- Payroll lines (owned by their record)
	CREATE TABLE IF NOT EXISTS payroll_lines (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES payroll_records(id) ON DELETE CASCADE,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity TEXT NOT NULL,
		rate TEXT NOT NULL,
		amount TEXT NOT NULL,
		overridden BOOLEAN NOT NULL DEFAULT FALSE,
		manual_addition BOOLEAN NOT NULL DEFAULT FALSE,
		not_configured BOOLEAN NOT NULL DEFAULT FALSE,
		note TEXT NOT NULL DEFAULT '',
		edited_by TEXT NOT NULL DEFAULT '',
		line_order INTEGER NOT NULL,
		UNIQUE(record_id, code)
	);

	CREATE INDEX IF NOT EXISTS idx_payroll_lines_record
		ON payroll_lines(record_id, line_order);

	-- Operational facts
	CREATE TABLE IF NOT EXISTS work_days (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		employee_id TEXT NOT NULL,
		day TEXT NOT NULL,
		hours TEXT NOT NULL DEFAULT '0',
		km TEXT NOT NULL DEFAULT '0',
		liters TEXT NOT NULL DEFAULT '0',
		commercial_liters TEXT NOT NULL DEFAULT '0',
		unloads INTEGER NOT NULL DEFAULT 0,
		trips INTEGER NOT NULL DEFAULT 0,
		holiday BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_work_days_employee_day
		ON work_days(employee_id, day);

	CREATE TABLE IF NOT EXISTS absences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		employee_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		start_day TEXT NOT NULL,
		end_day TEXT NOT NULL,
		approved BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_absences_employee
		ON absences(employee_id, start_day, end_day);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORDS (payroll.RecordStore)
// =============================================================================

func (s *Store) GetRecord(ctx context.Context, employeeID payroll.EmployeeID, period payroll.Period) (payroll.Record, error) {
	return getRecord(ctx, s.db, `WHERE employee_id = ? AND year = ? AND month = ?`, employeeID, period.Year, int(period.Month))
}

func (s *Store) GetRecordByID(ctx context.Context, id payroll.RecordID) (payroll.Record, error) {
	return getRecord(ctx, s.db, `WHERE id = ?`, id)
}

func (s *Store) GetRecordByLine(ctx context.Context, lineID payroll.LineID) (payroll.Record, error) {
	return getRecordByLine(ctx, s.db, lineID)
}

func (s *Store) ListRecords(ctx context.Context, period payroll.Period) ([]payroll.Record, error) {
	return listRecords(ctx, s.db, period)
}

// SaveRecord upserts the record and replaces its lines in one transaction.
func (s *Store) SaveRecord(ctx context.Context, rec payroll.Record) error {
	return s.WithTx(ctx, func(tx payroll.RecordStore) error {
		return tx.SaveRecord(ctx, rec)
	})
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(payroll.RecordStore) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&recordTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// recordTx implements payroll.RecordStore within a transaction.
type recordTx struct {
	tx *sql.Tx
}

func (r *recordTx) GetRecord(ctx context.Context, employeeID payroll.EmployeeID, period payroll.Period) (payroll.Record, error) {
	return getRecord(ctx, r.tx, `WHERE employee_id = ? AND year = ? AND month = ?`, employeeID, period.Year, int(period.Month))
}

func (r *recordTx) GetRecordByID(ctx context.Context, id payroll.RecordID) (payroll.Record, error) {
	return getRecord(ctx, r.tx, `WHERE id = ?`, id)
}

func (r *recordTx) GetRecordByLine(ctx context.Context, lineID payroll.LineID) (payroll.Record, error) {
	return getRecordByLine(ctx, r.tx, lineID)
}

func (r *recordTx) ListRecords(ctx context.Context, period payroll.Period) ([]payroll.Record, error) {
	return listRecords(ctx, r.tx, period)
}

func (r *recordTx) SaveRecord(ctx context.Context, rec payroll.Record) error {
	return saveRecord(ctx, r.tx, rec)
}

const recordColumns = `id, employee_id, year, month, status, total, created_at, updated_at, closed_at, closed_by`

func getRecord(ctx context.Context, q querier, where string, args ...any) (payroll.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM payroll_records `+where, args...)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Record{}, payroll.ErrRecordNotFound
	}
	if err != nil {
		return payroll.Record{}, fmt.Errorf("failed to load record: %w", err)
	}
	lines, err := loadLines(ctx, q, rec.ID)
	if err != nil {
		return payroll.Record{}, err
	}
	rec.Lines = lines
	return rec, nil
}

func getRecordByLine(ctx context.Context, q querier, lineID payroll.LineID) (payroll.Record, error) {
	var recordID string
	err := q.QueryRowContext(ctx, `SELECT record_id FROM payroll_lines WHERE id = ?`, lineID).Scan(&recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Record{}, payroll.ErrLineNotFound
	}
	if err != nil {
		return payroll.Record{}, fmt.Errorf("failed to load line: %w", err)
	}
	return getRecord(ctx, q, `WHERE id = ?`, recordID)
}

func listRecords(ctx context.Context, q querier, period payroll.Period) ([]payroll.Record, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM payroll_records WHERE year = ? AND month = ? ORDER BY employee_id`,
		period.Year, int(period.Month))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	var records []payroll.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Lines are loaded after the cursor is closed: the pool has one connection.
	for i := range records {
		lines, err := loadLines(ctx, q, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Lines = lines
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (payroll.Record, error) {
	var (
		rec                  payroll.Record
		month                int
		total                string
		createdAt, updatedAt string
		closedAt             sql.NullString
	)
	err := sc.Scan(&rec.ID, &rec.EmployeeID, &rec.Period.Year, &month, &rec.Status, &total,
		&createdAt, &updatedAt, &closedAt, &rec.ClosedBy)
	if err != nil {
		return payroll.Record{}, err
	}
	rec.Period.Month = time.Month(month)
	rec.Total = parseDecimal(total)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.ClosedAt = parseNullTime(closedAt)
	return rec, nil
}

func loadLines(ctx context.Context, q querier, recordID payroll.RecordID) ([]payroll.Line, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, record_id, code, name, quantity, rate, amount, overridden,
		       manual_addition, not_configured, note, edited_by, line_order
		FROM payroll_lines WHERE record_id = ? ORDER BY line_order`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lines: %w", err)
	}
	defer rows.Close()

	var lines []payroll.Line
	for rows.Next() {
		var (
			l                 payroll.Line
			qty, rate, amount string
		)
		if err := rows.Scan(&l.ID, &l.RecordID, &l.Code, &l.Name, &qty, &rate, &amount,
			&l.Overridden, &l.ManualAddition, &l.NotConfigured, &l.Note, &l.EditedBy, &l.Order); err != nil {
			return nil, err
		}
		l.Quantity = parseDecimal(qty)
		l.Rate = parseDecimal(rate)
		l.Amount = parseDecimal(amount)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func saveRecord(ctx context.Context, q querier, rec payroll.Record) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM payroll_records WHERE id = ?`, rec.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to check record status: %w", err)
	case payroll.Status(status) == payroll.StatusClosed:
		return &payroll.LockedError{RecordID: rec.ID, Action: payroll.ActionEdit}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO payroll_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at,
			closed_by = excluded.closed_by`,
		rec.ID, rec.EmployeeID, rec.Period.Year, int(rec.Period.Month), rec.Status, rec.Total.String(),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatNullTime(rec.ClosedAt), rec.ClosedBy,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return payroll.ErrRecordExists
		}
		return fmt.Errorf("failed to save record: %w", err)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM payroll_lines WHERE record_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to replace lines: %w", err)
	}
	for _, l := range rec.Lines {
		_, err := q.ExecContext(ctx, `
			INSERT INTO payroll_lines
			(id, record_id, code, name, quantity, rate, amount, overridden,
			 manual_addition, not_configured, note, edited_by, line_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, rec.ID, l.Code, l.Name, l.Quantity.String(), l.Rate.String(), l.Amount.String(),
			l.Overridden, l.ManualAddition, l.NotConfigured, l.Note, l.EditedBy, l.Order,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: %s", payroll.ErrDuplicateConcept, l.Code)
			}
			return fmt.Errorf("failed to insert line %s: %w", l.Code, err)
		}
	}
	return nil
}

// =============================================================================
// DIRECTORY & CATALOGUE
// =============================================================================

func (s *Store) SaveEmployee(ctx context.Context, e payroll.Employee) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (id, name, role, active, deactivated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			active = excluded.active,
			deactivated_at = excluded.deactivated_at`,
		e.ID, e.Name, e.Role, e.Active, formatNullTime(e.DeactivatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

func (s *Store) GetEmployee(ctx context.Context, id payroll.EmployeeID) (payroll.Employee, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, role, active, deactivated_at FROM employees WHERE id = ?`, id)
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Employee{}, fmt.Errorf("%w: %s", payroll.ErrEmployeeNotFound, id)
	}
	return e, err
}

func (s *Store) ListEmployees(ctx context.Context) ([]payroll.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, role, active, deactivated_at FROM employees ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	defer rows.Close()

	var out []payroll.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEmployee(sc scanner) (payroll.Employee, error) {
	var (
		e             payroll.Employee
		deactivatedAt sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.Name, &e.Role, &e.Active, &deactivatedAt); err != nil {
		return payroll.Employee{}, err
	}
	e.DeactivatedAt = parseNullTime(deactivatedAt)
	return e, nil
}

func (s *Store) SaveConcept(ctx context.Context, c payroll.Concept) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pay_concepts (code, name, kind, active, sort_order)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			active = excluded.active,
			sort_order = excluded.sort_order`,
		c.Code, c.Name, c.Kind, c.Active, c.Order,
	)
	if err != nil {
		return fmt.Errorf("failed to save concept: %w", err)
	}
	return nil
}

func (s *Store) ListConcepts(ctx context.Context) ([]payroll.Concept, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, name, kind, active, sort_order FROM pay_concepts ORDER BY sort_order, code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list concepts: %w", err)
	}
	defer rows.Close()

	var out []payroll.Concept
	for rows.Next() {
		var c payroll.Concept
		if err := rows.Scan(&c.Code, &c.Name, &c.Kind, &c.Active, &c.Order); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// OPERATIONAL FACTS (payroll.FactsSource)
// =============================================================================

func (s *Store) AddWorkDay(ctx context.Context, d payroll.WorkDay) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_days (employee_id, day, hours, km, liters, commercial_liters, unloads, trips, holiday)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.EmployeeID, d.Date.UTC().Format(dayLayout), d.Hours.String(), d.Kilometers.String(),
		d.Liters.String(), d.CommercialLiters.String(), d.Unloads, d.Trips, d.Holiday,
	)
	if err != nil {
		return fmt.Errorf("failed to add work day: %w", err)
	}
	return nil
}

func (s *Store) AddAbsence(ctx context.Context, employeeID payroll.EmployeeID, a payroll.Absence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO absences (employee_id, kind, start_day, end_day, approved)
		VALUES (?, ?, ?, ?, ?)`,
		employeeID, a.Kind, a.Start.UTC().Format(dayLayout), a.End.UTC().Format(dayLayout), a.Approved,
	)
	if err != nil {
		return fmt.Errorf("failed to add absence: %w", err)
	}
	return nil
}

// Facts aggregates the work days and absences of one employee for a period.
func (s *Store) Facts(ctx context.Context, employeeID payroll.EmployeeID, period payroll.Period) (payroll.Facts, error) {
	from := period.Start().Format(dayLayout)
	to := period.End().Format(dayLayout)

	days, err := s.workDays(ctx, employeeID, from, to)
	if err != nil {
		return payroll.Facts{}, err
	}
	absences, err := s.absences(ctx, employeeID, from, to)
	if err != nil {
		return payroll.Facts{}, err
	}
	return payroll.AggregateFacts(period, days, absences), nil
}

func (s *Store) workDays(ctx context.Context, employeeID payroll.EmployeeID, from, to string) ([]payroll.WorkDay, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, hours, km, liters, commercial_liters, unloads, trips, holiday
		FROM work_days WHERE employee_id = ? AND day BETWEEN ? AND ? ORDER BY day, id`,
		employeeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load work days: %w", err)
	}
	defer rows.Close()

	var out []payroll.WorkDay
	for rows.Next() {
		var (
			d                             payroll.WorkDay
			day, hours, km, liters, cLits string
		)
		if err := rows.Scan(&day, &hours, &km, &liters, &cLits, &d.Unloads, &d.Trips, &d.Holiday); err != nil {
			return nil, err
		}
		d.EmployeeID = employeeID
		d.Date = parseDay(day)
		d.Hours = parseDecimal(hours)
		d.Kilometers = parseDecimal(km)
		d.Liters = parseDecimal(liters)
		d.CommercialLiters = parseDecimal(cLits)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) absences(ctx context.Context, employeeID payroll.EmployeeID, from, to string) ([]payroll.Absence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, start_day, end_day, approved FROM absences
		WHERE employee_id = ? AND start_day <= ? AND end_day >= ? ORDER BY start_day, id`,
		employeeID, to, from)
	if err != nil {
		return nil, fmt.Errorf("failed to load absences: %w", err)
	}
	defer rows.Close()

	var out []payroll.Absence
	for rows.Next() {
		var (
			a          payroll.Absence
			start, end string
		)
		if err := rows.Scan(&a.Kind, &start, &end, &a.Approved); err != nil {
			return nil, err
		}
		a.Start = parseDay(start)
		a.End = parseDay(end)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// TARIFFS (tariff.TxStore)
// =============================================================================

// Tariffs returns the tariff.TxStore view of the store.
func (s *Store) Tariffs() *Tariffs { return &Tariffs{s: s} }

// Tariffs implements tariff.TxStore on the same database.
type Tariffs struct {
	s *Store
}

func (t *Tariffs) ActiveTariffs(ctx context.Context, concept payroll.ConceptCode, scope tariff.Scope) ([]tariff.Tariff, error) {
	return activeTariffs(ctx, t.s.db, concept, scope)
}

func (t *Tariffs) TariffsValidAt(ctx context.Context, concept payroll.ConceptCode, scopes []tariff.Scope, at time.Time) ([]tariff.Tariff, error) {
	return tariffsValidAt(ctx, t.s.db, concept, scopes, at)
}

func (t *Tariffs) ListTariffs(ctx context.Context, concept payroll.ConceptCode) ([]tariff.Tariff, error) {
	return listTariffs(ctx, t.s.db, concept)
}

func (t *Tariffs) GetTariff(ctx context.Context, id tariff.ID) (tariff.Tariff, error) {
	return getTariff(ctx, t.s.db, id)
}

func (t *Tariffs) InsertTariff(ctx context.Context, tf tariff.Tariff) error {
	return insertTariff(ctx, t.s.db, tf)
}

func (t *Tariffs) DeactivateTariff(ctx context.Context, id tariff.ID, at time.Time) error {
	return deactivateTariff(ctx, t.s.db, id, at)
}

func (t *Tariffs) AppendEvent(ctx context.Context, ev tariff.Event) (tariff.Event, error) {
	return appendEvent(ctx, t.s.db, ev)
}

func (t *Tariffs) Events(ctx context.Context, concept payroll.ConceptCode) ([]tariff.Event, error) {
	return listEvents(ctx, t.s.db, concept)
}

// WithTx executes fn within a database transaction.
func (t *Tariffs) WithTx(ctx context.Context, fn func(tariff.Store) error) error {
	sqlTx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tariffTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type tariffTx struct {
	tx *sql.Tx
}

func (t *tariffTx) ActiveTariffs(ctx context.Context, concept payroll.ConceptCode, scope tariff.Scope) ([]tariff.Tariff, error) {
	return activeTariffs(ctx, t.tx, concept, scope)
}

func (t *tariffTx) TariffsValidAt(ctx context.Context, concept payroll.ConceptCode, scopes []tariff.Scope, at time.Time) ([]tariff.Tariff, error) {
	return tariffsValidAt(ctx, t.tx, concept, scopes, at)
}

func (t *tariffTx) ListTariffs(ctx context.Context, concept payroll.ConceptCode) ([]tariff.Tariff, error) {
	return listTariffs(ctx, t.tx, concept)
}

func (t *tariffTx) GetTariff(ctx context.Context, id tariff.ID) (tariff.Tariff, error) {
	return getTariff(ctx, t.tx, id)
}

func (t *tariffTx) InsertTariff(ctx context.Context, tf tariff.Tariff) error {
	return insertTariff(ctx, t.tx, tf)
}

func (t *tariffTx) DeactivateTariff(ctx context.Context, id tariff.ID, at time.Time) error {
	return deactivateTariff(ctx, t.tx, id, at)
}

func (t *tariffTx) AppendEvent(ctx context.Context, ev tariff.Event) (tariff.Event, error) {
	return appendEvent(ctx, t.tx, ev)
}

func (t *tariffTx) Events(ctx context.Context, concept payroll.ConceptCode) ([]tariff.Event, error) {
	return listEvents(ctx, t.tx, concept)
}

const tariffColumns = `id, concept, scope_kind, scope_id, value, active, activated_at, deactivated_at, created_by`

func activeTariffs(ctx context.Context, q querier, concept payroll.ConceptCode, scope tariff.Scope) ([]tariff.Tariff, error) {
	return queryTariffs(ctx, q,
		`SELECT `+tariffColumns+` FROM tariffs WHERE concept = ? AND scope_key = ? AND active ORDER BY activated_at, id`,
		concept, scope.Key())
}

func tariffsValidAt(ctx context.Context, q querier, concept payroll.ConceptCode, scopes []tariff.Scope, at time.Time) ([]tariff.Tariff, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	query := `SELECT ` + tariffColumns + ` FROM tariffs
		WHERE concept = ? AND activated_at <= ? AND (deactivated_at IS NULL OR deactivated_at > ?)
		AND scope_key IN (?`
	ts := formatTime(at)
	args := []any{concept, ts, ts, scopes[0].Key()}
	for _, s := range scopes[1:] {
		query += `, ?`
		args = append(args, s.Key())
	}
	query += `) ORDER BY scope_key, activated_at, id`
	return queryTariffs(ctx, q, query, args...)
}

func listTariffs(ctx context.Context, q querier, concept payroll.ConceptCode) ([]tariff.Tariff, error) {
	if concept == "" {
		return queryTariffs(ctx, q, `SELECT `+tariffColumns+` FROM tariffs ORDER BY concept, scope_key, activated_at, id`)
	}
	return queryTariffs(ctx, q,
		`SELECT `+tariffColumns+` FROM tariffs WHERE concept = ? ORDER BY concept, scope_key, activated_at, id`, concept)
}

func getTariff(ctx context.Context, q querier, id tariff.ID) (tariff.Tariff, error) {
	ts, err := queryTariffs(ctx, q, `SELECT `+tariffColumns+` FROM tariffs WHERE id = ?`, id)
	if err != nil {
		return tariff.Tariff{}, err
	}
	if len(ts) == 0 {
		return tariff.Tariff{}, fmt.Errorf("%w: %s", tariff.ErrTariffNotFound, id)
	}
	return ts[0], nil
}

func insertTariff(ctx context.Context, q querier, tf tariff.Tariff) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tariffs
		(id, concept, scope_kind, scope_id, scope_key, value, active, activated_at, deactivated_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tf.ID, tf.Concept, tf.Scope.Kind, tf.Scope.ID, tf.Scope.Key(), tf.Value.String(), tf.Active,
		formatTime(tf.ActivatedAt), formatNullTime(tf.DeactivatedAt), tf.CreatedBy,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("active tariff already exists for %s at %s: %w", tf.Concept, tf.Scope, err)
		}
		return fmt.Errorf("failed to insert tariff: %w", err)
	}
	return nil
}

func deactivateTariff(ctx context.Context, q querier, id tariff.ID, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE tariffs SET active = FALSE, deactivated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate tariff: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", tariff.ErrTariffNotFound, id)
	}
	return nil
}

func queryTariffs(ctx context.Context, q querier, query string, args ...any) ([]tariff.Tariff, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tariffs: %w", err)
	}
	defer rows.Close()

	var out []tariff.Tariff
	for rows.Next() {
		var (
			tf                   tariff.Tariff
			kind, scopeID, value string
			activatedAt          string
			deactivatedAt        sql.NullString
		)
		if err := rows.Scan(&tf.ID, &tf.Concept, &kind, &scopeID, &value, &tf.Active,
			&activatedAt, &deactivatedAt, &tf.CreatedBy); err != nil {
			return nil, err
		}
		tf.Scope = tariff.Scope{Kind: tariff.ScopeKind(kind), ID: scopeID}
		tf.Value = parseDecimal(value)
		tf.ActivatedAt = parseTime(activatedAt)
		tf.DeactivatedAt = parseNullTime(deactivatedAt)
		out = append(out, tf)
	}
	return out, rows.Err()
}

func appendEvent(ctx context.Context, q querier, ev tariff.Event) (tariff.Event, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO tariff_events (event_type, tariff_id, concept, scope_key, value, at, actor)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Type, ev.TariffID, ev.Concept, ev.Scope.Key(), ev.Value.String(), formatTime(ev.At), ev.Actor,
	)
	if err != nil {
		return tariff.Event{}, fmt.Errorf("failed to append tariff event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return tariff.Event{}, err
	}
	ev.Seq = seq
	return ev, nil
}

func listEvents(ctx context.Context, q querier, concept payroll.ConceptCode) ([]tariff.Event, error) {
	query := `SELECT seq, event_type, tariff_id, concept, scope_key, value, at, actor FROM tariff_events`
	var args []any
	if concept != "" {
		query += ` WHERE concept = ?`
		args = append(args, concept)
	}
	query += ` ORDER BY seq`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tariff events: %w", err)
	}
	defer rows.Close()

	var out []tariff.Event
	for rows.Next() {
		var (
			ev                  tariff.Event
			scopeKey, value, at string
		)
		if err := rows.Scan(&ev.Seq, &ev.Type, &ev.TariffID, &ev.Concept, &scopeKey, &value, &at, &ev.Actor); err != nil {
			return nil, err
		}
		scope, err := tariff.ParseScopeKey(scopeKey)
		if err != nil {
			return nil, err
		}
		ev.Scope = scope
		ev.Value = parseDecimal(value)
		ev.At = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears payroll records and operational facts. Reference data and
// tariffs are kept unless all is true.
func (s *Store) Reset(ctx context.Context, all bool) error {
	tables := []string{"payroll_lines", "payroll_records", "work_days", "absences"}
	if all {
		tables = append(tables, "tariff_events", "tariffs", "employees", "pay_concepts")
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func parseDay(s string) time.Time {
	t, _ := time.Parse(dayLayout, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
