/*
engine.go - Orchestration: generate, edit, close

PURPOSE:
  The Engine is the only writer of payroll records. It wires the
  collaborators (directory, facts, calculator) to the reconciler and the
  lifecycle, and runs every read-check-write inside one store transaction.

GENERATION FLOW (per employee):
  1. Directory -> employee (eligibility by InactivePolicy)
  2. FactsSource -> facts for the period
  3. Calculator -> fresh LineDrafts (tariffs resolved at period end)
  4. WithTx: load record, lifecycle check, Reconcile, assign IDs, save

BATCH:
  GeneratePeriod fans out over employees with a bounded errgroup. Each
  employee gets an Outcome. A configuration error (ambiguous tariffs) is
  fatal for the whole batch; any other per-employee error is reported as
  OutcomeFailed and the batch continues.

OVERRIDES:
  EditLine, AddLine and RevertLine are the override path. They never
  touch the calculator except RevertLine, which needs the fresh value.

SEE ALSO:
  - reconcile.go: merge rules
  - lifecycle.go: DRAFT/CLOSED checks
  - trucking/calculator.go: the Calculator used in production
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// InactivePolicy decides what happens to employees deactivated during a period.
type InactivePolicy string

const (
	// InactiveSkip generates nothing for inactive employees.
	InactiveSkip InactivePolicy = "skip"
	// InactivePartial generates a record when the deactivation falls on or
	// after the start of the period.
	InactivePartial InactivePolicy = "partial"
)

// ParseInactivePolicy accepts "skip" and "partial" (case-insensitive).
func ParseInactivePolicy(s string) (InactivePolicy, error) {
	switch p := InactivePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case InactiveSkip, InactivePartial:
		return p, nil
	case "":
		return InactiveSkip, nil
	default:
		return "", fmt.Errorf("unknown inactive employee policy %q", s)
	}
}

// EngineConfig holds the collaborators and knobs of an Engine.
type EngineConfig struct {
	Store      TxStore
	Directory  Directory
	Facts      FactsSource
	Calculator Calculator
	// Catalogue gives the kind of a concept when a line is edited. Optional.
	Catalogue Catalogue

	Logger         *zap.Logger
	Clock          func() time.Time
	NewID          func() string
	Workers        int
	InactivePolicy InactivePolicy
}

// Engine generates, edits and closes payroll records.
type Engine struct {
	store      TxStore
	directory  Directory
	facts      FactsSource
	calculator Calculator
	catalogue  Catalogue

	log            *zap.Logger
	now            func() time.Time
	newID          func() string
	workers        int
	inactivePolicy InactivePolicy
}

// NewEngine creates an Engine. Nil logger, clock and ID generator get
// defaults; Workers defaults to 4.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		store:          cfg.Store,
		directory:      cfg.Directory,
		facts:          cfg.Facts,
		calculator:     cfg.Calculator,
		catalogue:      cfg.Catalogue,
		log:            cfg.Logger,
		now:            cfg.Clock,
		newID:          cfg.NewID,
		workers:        cfg.Workers,
		inactivePolicy: cfg.InactivePolicy,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.workers <= 0 {
		e.workers = 4
	}
	if e.inactivePolicy == "" {
		e.inactivePolicy = InactiveSkip
	}
	return e
}

// =============================================================================
// OUTCOMES
// =============================================================================

type Outcome string

const (
	OutcomeCreated         Outcome = "created"
	OutcomeUpdated         Outcome = "updated"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeSkippedClosed   Outcome = "skipped_closed"
	OutcomeSkippedInactive Outcome = "skipped_inactive"
	OutcomeFailed          Outcome = "failed"
)

// GenerateResult is the result of generating one employee's record.
type GenerateResult struct {
	EmployeeID EmployeeID
	Outcome    Outcome
	Record     *Record
	Error      string
}

// BatchReport summarizes a GeneratePeriod run, sorted by employee.
type BatchReport struct {
	Period  Period
	Results []GenerateResult
	Counts  map[Outcome]int
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate builds or refreshes the draft of one employee. Generating over a
// CLOSED record returns a LockedError.
func (e *Engine) Generate(ctx context.Context, employeeID EmployeeID, period Period) (GenerateResult, error) {
	emp, err := e.directory.GetEmployee(ctx, employeeID)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("load employee %s: %w", employeeID, err)
	}
	return e.generate(ctx, emp, period)
}

func (e *Engine) generate(ctx context.Context, emp Employee, period Period) (GenerateResult, error) {
	res := GenerateResult{EmployeeID: emp.ID}
	if !e.eligible(emp, period) {
		res.Outcome = OutcomeSkippedInactive
		return res, nil
	}

	// Cheap early exit; the authoritative check runs inside the transaction.
	if existing, err := e.store.GetRecord(ctx, emp.ID, period); err == nil {
		if err := existing.Check(ActionGenerate); err != nil {
			return res, err
		}
	} else if !errors.Is(err, ErrRecordNotFound) {
		return res, err
	}

	fresh, err := e.computeFresh(ctx, emp, period)
	if err != nil {
		return res, err
	}

	err = e.store.WithTx(ctx, func(tx RecordStore) error {
		rec, err := tx.GetRecord(ctx, emp.ID, period)
		created := false
		switch {
		case errors.Is(err, ErrRecordNotFound):
			now := e.now().UTC()
			rec = Record{
				ID:         RecordID(e.newID()),
				EmployeeID: emp.ID,
				Period:     period,
				Status:     StatusDraft,
				CreatedAt:  now,
			}
			created = true
		case err != nil:
			return err
		default:
			if err := rec.Check(ActionGenerate); err != nil {
				return err
			}
		}

		recon, err := Reconcile(rec.Lines, fresh)
		if err != nil {
			return err
		}
		if !created && !recon.Changed {
			res.Outcome = OutcomeUnchanged
			out := rec.Clone()
			res.Record = &out
			return nil
		}

		rec.Lines = e.assignIDs(rec.ID, recon.Lines)
		rec.Total = recon.Total
		rec.UpdatedAt = e.now().UTC()
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}

		res.Outcome = OutcomeUpdated
		if created {
			res.Outcome = OutcomeCreated
		}
		out := rec.Clone()
		res.Record = &out

		e.log.Debug("payroll record reconciled",
			zap.String("employee_id", string(emp.ID)),
			zap.String("period", period.String()),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("kept", len(recon.Kept)),
			zap.Int("refreshed", len(recon.Refreshed)),
			zap.Int("added", len(recon.Added)),
			zap.Int("dropped", len(recon.Dropped)),
			zap.String("total", recon.Total.StringFixed(2)),
		)
		return nil
	})
	return res, err
}

// GeneratePeriod generates drafts for every employee of the directory.
func (e *Engine) GeneratePeriod(ctx context.Context, year int, month time.Month) (BatchReport, error) {
	period, err := NewPeriod(year, month)
	if err != nil {
		return BatchReport{}, err
	}

	employees, err := e.directory.ListEmployees(ctx)
	if err != nil {
		return BatchReport{}, fmt.Errorf("list employees: %w", err)
	}

	start := e.now()
	e.log.Info("payroll generation started",
		zap.String("period", period.String()),
		zap.Int("employees", len(employees)),
		zap.Int("workers", e.workers),
	)

	results := make([]GenerateResult, len(employees))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i, emp := range employees {
		g.Go(func() error {
			res, err := e.generate(gctx, emp, period)
			switch {
			case err == nil:
			case errors.Is(err, ErrConfiguration):
				return fmt.Errorf("employee %s: %w", emp.ID, err)
			case errors.Is(err, ErrRecordLocked):
				res.Outcome = OutcomeSkippedClosed
				res.Record = nil
			default:
				e.log.Warn("payroll generation failed for employee",
					zap.String("employee_id", string(emp.ID)),
					zap.String("period", period.String()),
					zap.Error(err),
				)
				res.Outcome = OutcomeFailed
				res.Error = err.Error()
			}
			res.EmployeeID = emp.ID
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.log.Error("payroll generation aborted",
			zap.String("period", period.String()),
			zap.Error(err),
		)
		return BatchReport{}, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].EmployeeID < results[j].EmployeeID })
	report := BatchReport{Period: period, Results: results, Counts: make(map[Outcome]int)}
	for _, r := range results {
		report.Counts[r.Outcome]++
	}

	e.log.Info("payroll generation finished",
		zap.String("period", period.String()),
		zap.Int("created", report.Counts[OutcomeCreated]),
		zap.Int("updated", report.Counts[OutcomeUpdated]),
		zap.Int("unchanged", report.Counts[OutcomeUnchanged]),
		zap.Int("skipped_closed", report.Counts[OutcomeSkippedClosed]),
		zap.Int("skipped_inactive", report.Counts[OutcomeSkippedInactive]),
		zap.Int("failed", report.Counts[OutcomeFailed]),
		zap.Duration("elapsed", e.now().Sub(start)),
	)
	return report, nil
}

func (e *Engine) computeFresh(ctx context.Context, emp Employee, period Period) ([]LineDraft, error) {
	facts, err := e.facts.Facts(ctx, emp.ID, period)
	if err != nil {
		return nil, fmt.Errorf("load facts for %s: %w", emp.ID, err)
	}
	fresh, err := e.calculator.Compute(ctx, emp, period, facts)
	if err != nil {
		return nil, fmt.Errorf("compute lines for %s: %w", emp.ID, err)
	}
	return fresh, nil
}

func (e *Engine) eligible(emp Employee, period Period) bool {
	if emp.Active {
		return true
	}
	if e.inactivePolicy != InactivePartial || emp.DeactivatedAt == nil {
		return false
	}
	return !emp.DeactivatedAt.UTC().Before(period.Start())
}

func (e *Engine) assignIDs(recordID RecordID, lines []Line) []Line {
	for i := range lines {
		if lines[i].ID == "" {
			lines[i].ID = LineID(e.newID())
		}
		lines[i].RecordID = recordID
	}
	return lines
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetRecord(ctx context.Context, employeeID EmployeeID, year int, month time.Month) (Record, error) {
	period, err := NewPeriod(year, month)
	if err != nil {
		return Record{}, err
	}
	return e.store.GetRecord(ctx, employeeID, period)
}

func (e *Engine) GetRecordByID(ctx context.Context, id RecordID) (Record, error) {
	return e.store.GetRecordByID(ctx, id)
}

func (e *Engine) ListRecords(ctx context.Context, year int, month time.Month) ([]Record, error) {
	period, err := NewPeriod(year, month)
	if err != nil {
		return nil, err
	}
	return e.store.ListRecords(ctx, period)
}

// =============================================================================
// OVERRIDES
// =============================================================================

// LineEdit carries the fields a human changes on a line. Nil means unchanged.
type LineEdit struct {
	Quantity *decimal.Decimal
	Rate     *decimal.Decimal
	Amount   *decimal.Decimal
	Note     *string
}

func (le LineEdit) empty() bool {
	return le.Quantity == nil && le.Rate == nil && le.Amount == nil && le.Note == nil
}

// ManualLine is an ad-hoc concept added by hand (a bonus, a correction).
type ManualLine struct {
	Code     ConceptCode
	Name     string
	Quantity decimal.Decimal
	Rate     decimal.Decimal
	Amount   *decimal.Decimal
	Note     string
}

// EditLine overrides a line. When only quantity or rate change, the amount
// is recomputed as round2(quantity * rate).
func (e *Engine) EditLine(ctx context.Context, lineID LineID, edit LineEdit, editor string) (Record, error) {
	if edit.empty() {
		return Record{}, ErrEmptyEdit
	}
	if edit.Quantity != nil && edit.Quantity.IsNegative() {
		return Record{}, fmt.Errorf("%w: negative quantity", ErrInvalidLine)
	}
	if edit.Rate != nil && edit.Rate.IsNegative() {
		return Record{}, fmt.Errorf("%w: negative rate", ErrInvalidLine)
	}
	kinds, err := e.conceptKinds(ctx)
	if err != nil {
		return Record{}, err
	}

	var out Record
	err = e.store.WithTx(ctx, func(tx RecordStore) error {
		rec, err := tx.GetRecordByLine(ctx, lineID)
		if err != nil {
			return err
		}
		if err := rec.Check(ActionEdit); err != nil {
			return err
		}
		line, ok := rec.Line(lineID)
		if !ok {
			return ErrLineNotFound
		}
		negative := line.Amount.IsNegative()
		if kind, known := kinds[line.Code]; known {
			negative = kind == KindDeduction
		}

		if edit.Quantity != nil {
			line.Quantity = *edit.Quantity
		}
		if edit.Rate != nil {
			line.Rate = *edit.Rate
		}
		switch {
		case edit.Amount != nil:
			line.Amount = Round2(*edit.Amount)
		case edit.Quantity != nil || edit.Rate != nil:
			// Deductions keep their sign when edited through quantity and rate.
			line.Amount = Round2(line.Quantity.Mul(line.Rate))
			if negative {
				line.Amount = line.Amount.Neg()
			}
		}
		if edit.Note != nil {
			line.Note = *edit.Note
		}
		line.Overridden = true
		line.NotConfigured = false
		line.EditedBy = editor

		rec.RecomputeTotal()
		rec.UpdatedAt = e.now().UTC()
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}
		out = rec.Clone()
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	e.log.Info("payroll line overridden",
		zap.String("record_id", string(out.ID)),
		zap.String("line_id", string(lineID)),
		zap.String("editor", editor),
		zap.String("total", out.Total.StringFixed(2)),
	)
	return out, nil
}

// conceptKinds maps concept codes to their kind. Empty without a catalogue;
// lines of unknown concepts keep the sign of their current amount.
func (e *Engine) conceptKinds(ctx context.Context) (map[ConceptCode]ConceptKind, error) {
	if e.catalogue == nil {
		return nil, nil
	}
	concepts, err := e.catalogue.ListConcepts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalogue: %w", err)
	}
	kinds := make(map[ConceptCode]ConceptKind, len(concepts))
	for _, c := range concepts {
		kinds[c.Code] = c.Kind
	}
	return kinds, nil
}

// AddLine adds an ad-hoc overridden line. The code must not exist on the record.
func (e *Engine) AddLine(ctx context.Context, recordID RecordID, ml ManualLine, editor string) (Record, error) {
	ml.Code = ConceptCode(strings.ToUpper(strings.TrimSpace(string(ml.Code))))
	if ml.Code == "" {
		return Record{}, fmt.Errorf("%w: code is required", ErrInvalidLine)
	}
	if ml.Name == "" {
		ml.Name = string(ml.Code)
	}
	amount := Round2(ml.Quantity.Mul(ml.Rate))
	if ml.Amount != nil {
		amount = Round2(*ml.Amount)
	}

	var out Record
	err := e.store.WithTx(ctx, func(tx RecordStore) error {
		rec, err := tx.GetRecordByID(ctx, recordID)
		if err != nil {
			return err
		}
		if err := rec.Check(ActionEdit); err != nil {
			return err
		}
		if _, exists := rec.LineByCode(ml.Code); exists {
			return fmt.Errorf("%w: %s", ErrDuplicateConcept, ml.Code)
		}

		rec.Lines = append(rec.Lines, Line{
			ID:             LineID(e.newID()),
			RecordID:       rec.ID,
			Code:           ml.Code,
			Name:           ml.Name,
			Quantity:       ml.Quantity,
			Rate:           ml.Rate,
			Amount:         amount,
			Overridden:     true,
			ManualAddition: true,
			Note:           ml.Note,
			EditedBy:       editor,
			Order:          len(rec.Lines),
		})
		rec.RecomputeTotal()
		rec.UpdatedAt = e.now().UTC()
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}
		out = rec.Clone()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	e.log.Info("manual payroll line added",
		zap.String("record_id", string(recordID)),
		zap.String("code", string(ml.Code)),
		zap.String("editor", editor),
	)
	return out, nil
}

// RevertLine drops a human override and restores the calculated value.
// A manual addition has no calculated value and is removed.
func (e *Engine) RevertLine(ctx context.Context, lineID LineID, editor string) (Record, error) {
	rec, err := e.store.GetRecordByLine(ctx, lineID)
	if err != nil {
		return Record{}, err
	}
	if err := rec.Check(ActionEdit); err != nil {
		return Record{}, err
	}
	emp, err := e.directory.GetEmployee(ctx, rec.EmployeeID)
	if err != nil {
		return Record{}, fmt.Errorf("load employee %s: %w", rec.EmployeeID, err)
	}
	fresh, err := e.computeFresh(ctx, emp, rec.Period)
	if err != nil {
		return Record{}, err
	}

	var out Record
	err = e.store.WithTx(ctx, func(tx RecordStore) error {
		rec, err := tx.GetRecordByLine(ctx, lineID)
		if err != nil {
			return err
		}
		if err := rec.Check(ActionEdit); err != nil {
			return err
		}
		line, ok := rec.Line(lineID)
		if !ok {
			return ErrLineNotFound
		}
		if !line.Overridden {
			return fmt.Errorf("%w: %s", ErrNotOverridden, line.Code)
		}
		line.Overridden = false

		recon, err := Reconcile(rec.Lines, fresh)
		if err != nil {
			return err
		}
		rec.Lines = e.assignIDs(rec.ID, recon.Lines)
		rec.Total = recon.Total
		rec.UpdatedAt = e.now().UTC()
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}
		out = rec.Clone()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	e.log.Info("payroll line override reverted",
		zap.String("record_id", string(out.ID)),
		zap.String("line_id", string(lineID)),
		zap.String("editor", editor),
	)
	return out, nil
}

// =============================================================================
// CLOSING
// =============================================================================

// CloseRecord moves a DRAFT record to CLOSED. Closing twice returns
// ErrAlreadyClosed.
func (e *Engine) CloseRecord(ctx context.Context, recordID RecordID, closerID string) (Record, error) {
	var out Record
	err := e.store.WithTx(ctx, func(tx RecordStore) error {
		rec, err := tx.GetRecordByID(ctx, recordID)
		if err != nil {
			return err
		}
		if err := rec.Close(e.now(), closerID); err != nil {
			return err
		}
		if err := tx.SaveRecord(ctx, rec); err != nil {
			return err
		}
		out = rec.Clone()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	e.log.Info("payroll record closed",
		zap.String("record_id", string(out.ID)),
		zap.String("employee_id", string(out.EmployeeID)),
		zap.String("period", out.Period.String()),
		zap.String("closed_by", closerID),
		zap.String("total", out.Total.StringFixed(2)),
	)
	return out, nil
}

// CloseResult is the per-record outcome of ClosePeriod.
type CloseResult struct {
	RecordID   RecordID
	EmployeeID EmployeeID
	Closed     bool
	Error      string
}

// ClosePeriod closes every DRAFT of a period. Records already CLOSED are
// reported with Closed=false and no error.
func (e *Engine) ClosePeriod(ctx context.Context, year int, month time.Month, closerID string) ([]CloseResult, error) {
	records, err := e.ListRecords(ctx, year, month)
	if err != nil {
		return nil, err
	}
	results := make([]CloseResult, 0, len(records))
	for _, rec := range records {
		r := CloseResult{RecordID: rec.ID, EmployeeID: rec.EmployeeID}
		if rec.Status == StatusClosed {
			results = append(results, r)
			continue
		}
		if _, err := e.CloseRecord(ctx, rec.ID, closerID); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, ErrAlreadyClosed) {
				r.Error = err.Error()
			}
		} else {
			r.Closed = true
		}
		results = append(results, r)
	}
	return results, nil
}
