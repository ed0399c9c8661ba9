/*
Package postgres provides a PostgreSQL-backed implementation of the storage interfaces.

PURPOSE:
  Production store. Same tables and semantics as store/sqlite; uses
  pgxpool, NUMERIC for money and TIMESTAMPTZ for instants.

INTERFACES IMPLEMENTED:
  payroll.TxStore, payroll.Directory, payroll.Catalogue, payroll.FactsSource
  tariff.TxStore through Store.Tariffs()

CONCURRENCY:
  Records read inside WithTx are locked with SELECT ... FOR UPDATE, so a
  concurrent close and regeneration of the same record serialize on the
  row. The partial unique index on tariffs rejects a second active tariff
  per (concept, scope) even under concurrent writers.

DECIMALS:
  Values cross the wire as text (::numeric on the way in, ::text on the
  way out) to keep shopspring/decimal exact.

SEE ALSO:
  - store/sqlite/sqlite.go: embedded variant
  - payroll/store.go, tariff/store.go: interfaces
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/varpay/payroll"
	"github.com/warp/varpay/tariff"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and creates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	config.MaxConns = 25
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pay_concepts (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		sort_order INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		deactivated_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS tariffs (
		id TEXT PRIMARY KEY,
		concept TEXT NOT NULL,
		scope_kind TEXT NOT NULL,
		scope_id TEXT NOT NULL DEFAULT '',
		scope_key TEXT NOT NULL,
		value NUMERIC(14,4) NOT NULL,
		active BOOLEAN NOT NULL,
		activated_at TIMESTAMPTZ NOT NULL,
		deactivated_at TIMESTAMPTZ,
		created_by TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tariffs_one_active
		ON tariffs(concept, scope_key) WHERE active;
	CREATE INDEX IF NOT EXISTS idx_tariffs_lookup
		ON tariffs(concept, scope_key, activated_at);

	CREATE TABLE IF NOT EXISTS tariff_events (
		seq BIGSERIAL PRIMARY KEY,
		event_type TEXT NOT NULL,
		tariff_id TEXT NOT NULL,
		concept TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		value NUMERIC(14,4) NOT NULL,
		at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS payroll_records (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		status TEXT NOT NULL,
		total NUMERIC(14,2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		closed_by TEXT NOT NULL DEFAULT '',
		UNIQUE(employee_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS payroll_lines (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES payroll_records(id) ON DELETE CASCADE,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity NUMERIC(14,4) NOT NULL,
		rate NUMERIC(14,4) NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
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

	CREATE TABLE IF NOT EXISTS work_days (
		id BIGSERIAL PRIMARY KEY,
		employee_id TEXT NOT NULL,
		day DATE NOT NULL,
		hours NUMERIC(10,2) NOT NULL DEFAULT 0,
		km NUMERIC(12,2) NOT NULL DEFAULT 0,
		liters NUMERIC(12,2) NOT NULL DEFAULT 0,
		commercial_liters NUMERIC(12,2) NOT NULL DEFAULT 0,
		unloads INTEGER NOT NULL DEFAULT 0,
		trips INTEGER NOT NULL DEFAULT 0,
		holiday BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_work_days_employee_day
		ON work_days(employee_id, day);

	CREATE TABLE IF NOT EXISTS absences (
		id BIGSERIAL PRIMARY KEY,
		employee_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		start_day DATE NOT NULL,
		end_day DATE NOT NULL,
		approved BOOLEAN NOT NULL DEFAULT FALSE
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// withTransaction executes fn inside a database transaction.
func (s *Store) withTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback error: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// RECORDS
// =============================================================================

// records implements payroll.RecordStore over a Querier. forUpdate is set
// inside transactions.
type records struct {
	q         Querier
	forUpdate bool
}

func (s *Store) records() *records { return &records{q: s.pool} }

func (s *Store) GetRecord(ctx context.Context, employeeID payroll.EmployeeID, period payroll.Period) (payroll.Record, error) {
	return s.records().GetRecord(ctx, employeeID, period)
}

func (s *Store) GetRecordByID(ctx context.Context, id payroll.RecordID) (payroll.Record, error) {
	return s.records().GetRecordByID(ctx, id)
}

func (s *Store) GetRecordByLine(ctx context.Context, lineID payroll.LineID) (payroll.Record, error) {
	return s.records().GetRecordByLine(ctx, lineID)
}

func (s *Store) ListRecords(ctx context.Context, period payroll.Period) ([]payroll.Record, error) {
	return s.records().ListRecords(ctx, period)
}

func (s *Store) SaveRecord(ctx context.Context, rec payroll.Record) error {
	return s.WithTx(ctx, func(tx payroll.RecordStore) error {
		return tx.SaveRecord(ctx, rec)
	})
}

func (s *Store) WithTx(ctx context.Context, fn func(payroll.RecordStore) error) error {
	return s.withTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&records{q: tx, forUpdate: true})
	})
}

const recordColumns = `id, employee_id, year, month, status, total::text, created_at, updated_at, closed_at, closed_by`

func (r *records) GetRecord(ctx context.Context, employeeID payroll.EmployeeID, period payroll.Period) (payroll.Record, error) {
	return r.get(ctx, `WHERE employee_id = $1 AND year = $2 AND month = $3`, string(employeeID), period.Year, int(period.Month))
}

func (r *records) GetRecordByID(ctx context.Context, id payroll.RecordID) (payroll.Record, error) {
	return r.get(ctx, `WHERE id = $1`, string(id))
}

func (r *records) GetRecordByLine(ctx context.Context, lineID payroll.LineID) (payroll.Record, error) {
	var recordID string
	err := r.q.QueryRow(ctx, `SELECT record_id FROM payroll_lines WHERE id = $1`, string(lineID)).Scan(&recordID)
	if errors.Is(err, pgx.ErrNoRows) {
		return payroll.Record{}, payroll.ErrLineNotFound
	}
	if err != nil {
		return payroll.Record{}, fmt.Errorf("load line: %w", err)
	}
	return r.get(ctx, `WHERE id = $1`, recordID)
}

func (r *records) ListRecords(ctx context.Context, period payroll.Period) ([]payroll.Record, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+recordColumns+` FROM payroll_records WHERE year = $1 AND month = $2 ORDER BY employee_id`,
		period.Year, int(period.Month))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (payroll.Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Lines, err = r.lines(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *records) get(ctx context.Context, where string, args ...any) (payroll.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM payroll_records ` + where
	if r.forUpdate {
		query += ` FOR UPDATE`
	}
	rec, err := scanRecord(r.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return payroll.Record{}, payroll.ErrRecordNotFound
	}
	if err != nil {
		return payroll.Record{}, fmt.Errorf("load record: %w", err)
	}
	if rec.Lines, err = r.lines(ctx, rec.ID); err != nil {
		return payroll.Record{}, err
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (payroll.Record, error) {
	var (
		rec                  payroll.Record
		id, employeeID       string
		status, total        string
		month                int
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &employeeID, &rec.Period.Year, &month, &status, &total,
		&createdAt, &updatedAt, &rec.ClosedAt, &rec.ClosedBy); err != nil {
		return payroll.Record{}, err
	}
	rec.ID = payroll.RecordID(id)
	rec.EmployeeID = payroll.EmployeeID(employeeID)
	rec.Period.Month = time.Month(month)
	rec.Status = payroll.Status(status)
	rec.Total = parseDecimal(total)
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = updatedAt.UTC()
	if rec.ClosedAt != nil {
		t := rec.ClosedAt.UTC()
		rec.ClosedAt = &t
	}
	return rec, nil
}

func (r *records) lines(ctx context.Context, recordID payroll.RecordID) ([]payroll.Line, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, record_id, code, name, quantity::text, rate::text, amount::text,
		       overridden, manual_addition, not_configured, note, edited_by, line_order
		FROM payroll_lines WHERE record_id = $1 ORDER BY line_order`, string(recordID))
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (payroll.Line, error) {
		var (
			l                 payroll.Line
			id, rid, code     string
			qty, rate, amount string
		)
		err := row.Scan(&id, &rid, &code, &l.Name, &qty, &rate, &amount,
			&l.Overridden, &l.ManualAddition, &l.NotConfigured, &l.Note, &l.EditedBy, &l.Order)
		l.ID = payroll.LineID(id)
		l.RecordID = payroll.RecordID(rid)
		l.Code = payroll.ConceptCode(code)
		l.Quantity = parseDecimal(qty)
		l.Rate = parseDecimal(rate)
		l.Amount = parseDecimal(amount)
		return l, err
	})
}

func (r *records) SaveRecord(ctx context.Context, rec payroll.Record) error {
	var status string
	err := r.q.QueryRow(ctx, `SELECT status FROM payroll_records WHERE id = $1 FOR UPDATE`, string(rec.ID)).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("check record status: %w", err)
	case payroll.Status(status) == payroll.StatusClosed:
		return &payroll.LockedError{RecordID: rec.ID, Action: payroll.ActionEdit}
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO payroll_records
		(id, employee_id, year, month, status, total, created_at, updated_at, closed_at, closed_by)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			total = EXCLUDED.total,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at,
			closed_by = EXCLUDED.closed_by`,
		string(rec.ID), string(rec.EmployeeID), rec.Period.Year, int(rec.Period.Month), string(rec.Status),
		rec.Total.String(), rec.CreatedAt, rec.UpdatedAt, rec.ClosedAt, rec.ClosedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return payroll.ErrRecordExists
		}
		return fmt.Errorf("save record: %w", err)
	}

	if _, err := r.q.Exec(ctx, `DELETE FROM payroll_lines WHERE record_id = $1`, string(rec.ID)); err != nil {
		return fmt.Errorf("replace lines: %w", err)
	}
	for _, l := range rec.Lines {
		_, err := r.q.Exec(ctx, `
			INSERT INTO payroll_lines
			(id, record_id, code, name, quantity, rate, amount, overridden,
			 manual_addition, not_configured, note, edited_by, line_order)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, $13)`,
			string(l.ID), string(rec.ID), string(l.Code), l.Name, l.Quantity.String(), l.Rate.String(), l.Amount.String(),
			l.Overridden, l.ManualAddition, l.NotConfigured, l.Note, l.EditedBy, l.Order,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", payroll.ErrDuplicateConcept, l.Code)
			}
			return fmt.Errorf("insert line %s: %w", l.Code, err)
		}
	}
	return nil
}

// =============================================================================
// DIRECTORY, CATALOGUE, FACTS
// =============================================================================

func (s *Store) SaveEmployee(ctx context.Context, e payroll.Employee) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO employees (id, name, role, active, deactivated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, role = EXCLUDED.role,
			active = EXCLUDED.active, deactivated_at = EXCLUDED.deactivated_at`,
		string(e.ID), e.Name, string(e.Role), e.Active, e.DeactivatedAt)
	if err != nil {
		return fmt.Errorf("save employee: %w", err)
	}
	return nil
}

func (s *Store) GetEmployee(ctx context.Context, id payroll.EmployeeID) (payroll.Employee, error) {
	e, err := scanEmployee(s.pool.QueryRow(ctx,
		`SELECT id, name, role, active, deactivated_at FROM employees WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return payroll.Employee{}, fmt.Errorf("%w: %s", payroll.ErrEmployeeNotFound, id)
	}
	return e, err
}

func (s *Store) ListEmployees(ctx context.Context) ([]payroll.Employee, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, role, active, deactivated_at FROM employees ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (payroll.Employee, error) {
		return scanEmployee(row)
	})
}

func scanEmployee(row pgx.Row) (payroll.Employee, error) {
	var (
		e        payroll.Employee
		id, role string
	)
	if err := row.Scan(&id, &e.Name, &role, &e.Active, &e.DeactivatedAt); err != nil {
		return payroll.Employee{}, err
	}
	e.ID = payroll.EmployeeID(id)
	e.Role = payroll.RoleID(role)
	return e, nil
}

func (s *Store) SaveConcept(ctx context.Context, c payroll.Concept) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pay_concepts (code, name, kind, active, sort_order)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name, kind = EXCLUDED.kind,
			active = EXCLUDED.active, sort_order = EXCLUDED.sort_order`,
		string(c.Code), c.Name, string(c.Kind), c.Active, c.Order)
	if err != nil {
		return fmt.Errorf("save concept: %w", err)
	}
	return nil
}

func (s *Store) ListConcepts(ctx context.Context) ([]payroll.Concept, error) {
	rows, err := s.pool.Query(ctx, `SELECT code, name, kind, active, sort_order FROM pay_concepts ORDER BY sort_order, code`)
	if err != nil {
		return nil, fmt.Errorf("list concepts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (payroll.Concept, error) {
		var (
			c          payroll.Concept
			code, kind string
		)
		err := row.Scan(&code, &c.Name, &kind, &c.Active, &c.Order)
		c.Code = payroll.ConceptCode(code)
		c.Kind = payroll.ConceptKind(kind)
		return c, err
	})
}

func (s *Store) AddWorkDay(ctx context.Context, d payroll.WorkDay) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO work_days (employee_id, day, hours, km, liters, commercial_liters, unloads, trips, holiday)
		VALUES ($1, $2::date, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9)`,
		string(d.EmployeeID), d.Date.UTC().Format(time.DateOnly), d.Hours.String(), d.Kilometers.String(),
		d.Liters.String(), d.CommercialLiters.String(), d.Unloads, d.Trips, d.Holiday)
	if err != nil {
		return fmt.Errorf("add work day: %w", err)
	}
	return nil
}

func (s *Store) AddAbsence(ctx context.Context, employeeID payroll.EmployeeID, a payroll.Absence) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO absences (employee_id, kind, start_day, end_day, approved)
		VALUES ($1, $2, $3::date, $4::date, $5)`,
		string(employeeID), string(a.Kind), a.Start.UTC().Format(time.DateOnly), a.End.UTC().Format(time.DateOnly), a.Approved)
	if err != nil {
		return fmt.Errorf("add absence: %w", err)
	}
	return nil
}

func (s *Store) Facts(ctx context.Context, employeeID payroll.EmployeeID, period payroll.Period) (payroll.Facts, error) {
	from := period.Start().Format(time.DateOnly)
	to := period.End().Format(time.DateOnly)

	rows, err := s.pool.Query(ctx, `
		SELECT day::text, hours::text, km::text, liters::text, commercial_liters::text, unloads, trips, holiday
		FROM work_days WHERE employee_id = $1 AND day BETWEEN $2::date AND $3::date ORDER BY day, id`,
		string(employeeID), from, to)
	if err != nil {
		return payroll.Facts{}, fmt.Errorf("load work days: %w", err)
	}
	days, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (payroll.WorkDay, error) {
		var (
			d                            payroll.WorkDay
			day, hours, km, lit, comLits string
		)
		err := row.Scan(&day, &hours, &km, &lit, &comLits, &d.Unloads, &d.Trips, &d.Holiday)
		d.EmployeeID = employeeID
		d.Date, _ = time.Parse(time.DateOnly, day)
		d.Hours = parseDecimal(hours)
		d.Kilometers = parseDecimal(km)
		d.Liters = parseDecimal(lit)
		d.CommercialLiters = parseDecimal(comLits)
		return d, err
	})
	if err != nil {
		return payroll.Facts{}, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT kind, start_day::text, end_day::text, approved FROM absences
		WHERE employee_id = $1 AND start_day <= $2::date AND end_day >= $3::date ORDER BY start_day, id`,
		string(employeeID), to, from)
	if err != nil {
		return payroll.Facts{}, fmt.Errorf("load absences: %w", err)
	}
	absences, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (payroll.Absence, error) {
		var (
			a                payroll.Absence
			kind, start, end string
		)
		err := row.Scan(&kind, &start, &end, &a.Approved)
		a.Kind = payroll.AbsenceKind(kind)
		a.Start, _ = time.Parse(time.DateOnly, start)
		a.End, _ = time.Parse(time.DateOnly, end)
		return a, err
	})
	if err != nil {
		return payroll.Facts{}, err
	}
	return payroll.AggregateFacts(period, days, absences), nil
}

// =============================================================================
// TARIFFS
// =============================================================================

// Tariffs returns the tariff.TxStore view of the store.
func (s *Store) Tariffs() *Tariffs { return &Tariffs{tariffs: tariffs{q: s.pool}, s: s} }

// Tariffs implements tariff.TxStore.
type Tariffs struct {
	tariffs
	s *Store
}

func (t *Tariffs) WithTx(ctx context.Context, fn func(tariff.Store) error) error {
	return t.s.withTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&tariffs{q: tx, forUpdate: true})
	})
}

// tariffs implements tariff.Store over a Querier.
type tariffs struct {
	q         Querier
	forUpdate bool
}

const tariffColumns = `id, concept, scope_kind, scope_id, value::text, active, activated_at, deactivated_at, created_by`

func (t *tariffs) ActiveTariffs(ctx context.Context, concept payroll.ConceptCode, scope tariff.Scope) ([]tariff.Tariff, error) {
	query := `SELECT ` + tariffColumns + ` FROM tariffs
		WHERE concept = $1 AND scope_key = $2 AND active ORDER BY activated_at, id`
	if t.forUpdate {
		query += ` FOR UPDATE`
	}
	return t.query(ctx, query, string(concept), scope.Key())
}

func (t *tariffs) TariffsValidAt(ctx context.Context, concept payroll.ConceptCode, scopes []tariff.Scope, at time.Time) ([]tariff.Tariff, error) {
	keys := make([]string, len(scopes))
	for i, sc := range scopes {
		keys[i] = sc.Key()
	}
	return t.query(ctx, `SELECT `+tariffColumns+` FROM tariffs
		WHERE concept = $1 AND scope_key = ANY($2)
		  AND activated_at <= $3 AND (deactivated_at IS NULL OR deactivated_at > $3)
		ORDER BY scope_key, activated_at, id`, string(concept), keys, at)
}

func (t *tariffs) ListTariffs(ctx context.Context, concept payroll.ConceptCode) ([]tariff.Tariff, error) {
	return t.query(ctx, `SELECT `+tariffColumns+` FROM tariffs
		WHERE $1 = '' OR concept = $1 ORDER BY concept, scope_key, activated_at, id`, string(concept))
}

func (t *tariffs) GetTariff(ctx context.Context, id tariff.ID) (tariff.Tariff, error) {
	ts, err := t.query(ctx, `SELECT `+tariffColumns+` FROM tariffs WHERE id = $1`, string(id))
	if err != nil {
		return tariff.Tariff{}, err
	}
	if len(ts) == 0 {
		return tariff.Tariff{}, fmt.Errorf("%w: %s", tariff.ErrTariffNotFound, id)
	}
	return ts[0], nil
}

func (t *tariffs) InsertTariff(ctx context.Context, tf tariff.Tariff) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO tariffs
		(id, concept, scope_kind, scope_id, scope_key, value, active, activated_at, deactivated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)`,
		string(tf.ID), string(tf.Concept), string(tf.Scope.Kind), tf.Scope.ID, tf.Scope.Key(),
		tf.Value.String(), tf.Active, tf.ActivatedAt, tf.DeactivatedAt, tf.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active tariff already exists for %s at %s: %w", tf.Concept, tf.Scope, err)
		}
		return fmt.Errorf("insert tariff: %w", err)
	}
	return nil
}

func (t *tariffs) DeactivateTariff(ctx context.Context, id tariff.ID, at time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE tariffs SET active = FALSE, deactivated_at = $2 WHERE id = $1`, string(id), at)
	if err != nil {
		return fmt.Errorf("deactivate tariff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", tariff.ErrTariffNotFound, id)
	}
	return nil
}

func (t *tariffs) AppendEvent(ctx context.Context, ev tariff.Event) (tariff.Event, error) {
	err := t.q.QueryRow(ctx, `
		INSERT INTO tariff_events (event_type, tariff_id, concept, scope_key, value, at, actor)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7) RETURNING seq`,
		string(ev.Type), string(ev.TariffID), string(ev.Concept), ev.Scope.Key(), ev.Value.String(), ev.At, ev.Actor,
	).Scan(&ev.Seq)
	if err != nil {
		return tariff.Event{}, fmt.Errorf("append tariff event: %w", err)
	}
	return ev, nil
}

func (t *tariffs) Events(ctx context.Context, concept payroll.ConceptCode) ([]tariff.Event, error) {
	rows, err := t.q.Query(ctx, `
		SELECT seq, event_type, tariff_id, concept, scope_key, value::text, at, actor
		FROM tariff_events WHERE $1 = '' OR concept = $1 ORDER BY seq`, string(concept))
	if err != nil {
		return nil, fmt.Errorf("query tariff events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (tariff.Event, error) {
		var (
			ev                             tariff.Event
			typ, id, code, scopeKey, value string
		)
		if err := row.Scan(&ev.Seq, &typ, &id, &code, &scopeKey, &value, &ev.At, &ev.Actor); err != nil {
			return tariff.Event{}, err
		}
		scope, err := tariff.ParseScopeKey(scopeKey)
		if err != nil {
			return tariff.Event{}, err
		}
		ev.Type = tariff.EventType(typ)
		ev.TariffID = tariff.ID(id)
		ev.Concept = payroll.ConceptCode(code)
		ev.Scope = scope
		ev.Value = parseDecimal(value)
		ev.At = ev.At.UTC()
		return ev, nil
	})
}

func (t *tariffs) query(ctx context.Context, query string, args ...any) ([]tariff.Tariff, error) {
	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tariffs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (tariff.Tariff, error) {
		var (
			tf                           tariff.Tariff
			id, code, kind, scopeID, val string
		)
		err := row.Scan(&id, &code, &kind, &scopeID, &val, &tf.Active, &tf.ActivatedAt, &tf.DeactivatedAt, &tf.CreatedBy)
		tf.ID = tariff.ID(id)
		tf.Concept = payroll.ConceptCode(code)
		tf.Scope = tariff.Scope{Kind: tariff.ScopeKind(kind), ID: scopeID}
		tf.Value = parseDecimal(val)
		tf.ActivatedAt = tf.ActivatedAt.UTC()
		if tf.DeactivatedAt != nil {
			d := tf.DeactivatedAt.UTC()
			tf.DeactivatedAt = &d
		}
		return tf, err
	})
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears payroll records and operational facts; all also clears
// reference data and tariffs.
func (s *Store) Reset(ctx context.Context, all bool) error {
	tables := []string{"payroll_lines", "payroll_records", "work_days", "absences"}
	if all {
		tables = append(tables, "tariff_events", "tariffs", "employees", "pay_concepts")
	}
	_, err := s.pool.Exec(ctx, "TRUNCATE "+strings.Join(tables, ", "))
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
