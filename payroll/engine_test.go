package payroll_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/varpay/payroll"
	"github.com/warp/varpay/payroll/store"
	"github.com/warp/varpay/tariff"
	"github.com/warp/varpay/trucking"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	june2025    = payroll.Period{Year: 2025, Month: time.June}
	tariffsFrom = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	fixedNow    = time.Date(2025, time.July, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	mem    *store.Memory
	ledger *tariff.Ledger
	engine *payroll.Engine
}

type engineOption func(*payroll.EngineConfig)

// newFixture seeds the worked scenario: one CONDUCTOR with 1200 km,
// 40 unloads and 5 trips in June 2025, global tariffs KM 0.05,
// UNLOADS 2.00, TRIPS 1.50.
func newFixture(t *testing.T, opts ...engineOption) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	for _, c := range trucking.DefaultCatalogue() {
		require.NoError(t, mem.SaveConcept(ctx, c))
	}
	require.NoError(t, mem.SaveEmployee(ctx, payroll.Employee{ID: "emp-1", Name: "Ana", Role: trucking.RoleDriver, Active: true}))
	require.NoError(t, mem.AddWorkDay(ctx, payroll.WorkDay{
		EmployeeID: "emp-1",
		Date:       time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC),
		Kilometers: dec("1200"),
		Unloads:    40,
		Trips:      5,
	}))

	ledger := tariff.NewLedger(mem.Tariffs(), mem)
	for code, value := range map[payroll.ConceptCode]string{
		trucking.ConceptKM:      "0.05",
		trucking.ConceptUnloads: "2.00",
		trucking.ConceptTrips:   "1.50",
	} {
		_, err := ledger.Create(ctx, tariff.CreateRequest{
			Concept:       code,
			Scope:         tariff.Global(),
			Value:         dec(value),
			EffectiveFrom: tariffsFrom,
			Actor:         "setup",
		})
		require.NoError(t, err)
	}

	cfg := payroll.EngineConfig{
		Store:      mem,
		Directory:  mem,
		Facts:      mem,
		Catalogue:  mem,
		Calculator: trucking.NewCalculator(mem, tariff.NewResolver(mem.Tariffs())),
		Clock:      func() time.Time { return fixedNow },
		Workers:    2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &fixture{mem: mem, ledger: ledger, engine: payroll.NewEngine(cfg)}
}

func (f *fixture) generate(t *testing.T) payroll.GenerateResult {
	t.Helper()
	res, err := f.engine.Generate(context.Background(), "emp-1", june2025)
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	return res
}

func lineOf(t *testing.T, rec *payroll.Record, code payroll.ConceptCode) payroll.Line {
	t.Helper()
	l, ok := rec.LineByCode(code)
	require.True(t, ok, "line %s missing", code)
	return *l
}

func ptr[T any](v T) *T { return &v }

func assertSumInvariant(t *testing.T, rec payroll.Record) {
	t.Helper()
	assert.True(t, rec.SumLines().Equal(rec.Total), "sum %s != total %s", rec.SumLines(), rec.Total)
}

// =============================================================================
// WORKED SCENARIO
// =============================================================================

func TestEngine_WorkedScenario(t *testing.T) {
	// GIVEN: The worked scenario
	// WHEN: Generating June 2025
	// THEN: KM=60.00, UNLOADS=80.00, TRIPS=7.50, total=147.50

	f := newFixture(t)
	res := f.generate(t)

	assert.Equal(t, payroll.OutcomeCreated, res.Outcome)
	assert.Equal(t, payroll.StatusDraft, res.Record.Status)
	assert.Equal(t, "60.00", lineOf(t, res.Record, trucking.ConceptKM).Amount.StringFixed(2))
	assert.Equal(t, "80.00", lineOf(t, res.Record, trucking.ConceptUnloads).Amount.StringFixed(2))
	assert.Equal(t, "7.50", lineOf(t, res.Record, trucking.ConceptTrips).Amount.StringFixed(2))
	assert.Equal(t, "147.50", res.Record.Total.StringFixed(2))
	assertSumInvariant(t, *res.Record)

	// Every active concept emits a line; unconfigured ones are flagged.
	diet := lineOf(t, res.Record, trucking.ConceptDiet)
	assert.True(t, diet.NotConfigured)
	assert.True(t, diet.Amount.IsZero())
	_, hasCap := res.Record.LineByCode(trucking.ConceptDietCap)
	assert.False(t, hasCap, "reference concepts are never emitted")
}

func TestEngine_OverrideSurvivesRegeneration(t *testing.T) {
	// GIVEN: UNLOADS overridden to 90.00
	// WHEN: Regenerating
	// THEN: UNLOADS stays 90.00, KM and TRIPS recompute, total=157.50

	ctx := context.Background()
	f := newFixture(t)
	res := f.generate(t)
	unloads := lineOf(t, res.Record, trucking.ConceptUnloads)

	rec, err := f.engine.EditLine(ctx, unloads.ID, payroll.LineEdit{Amount: ptr(dec("90.00"))}, "admin")
	require.NoError(t, err)
	assert.Equal(t, "157.50", rec.Total.StringFixed(2))

	again := f.generate(t)
	assert.Equal(t, payroll.OutcomeUnchanged, again.Outcome)

	un := lineOf(t, again.Record, trucking.ConceptUnloads)
	assert.True(t, un.Overridden)
	assert.Equal(t, "admin", un.EditedBy)
	assert.Equal(t, "90.00", un.Amount.StringFixed(2))
	assert.Equal(t, "60.00", lineOf(t, again.Record, trucking.ConceptKM).Amount.StringFixed(2))
	assert.Equal(t, "7.50", lineOf(t, again.Record, trucking.ConceptTrips).Amount.StringFixed(2))
	assert.Equal(t, "157.50", again.Record.Total.StringFixed(2))
}

func TestEngine_CloseScenario(t *testing.T) {
	// GIVEN: A DRAFT with UNLOADS overridden to 90.00
	// WHEN: Closing
	// THEN: Total frozen at 157.50, further edits and regeneration refused

	ctx := context.Background()
	f := newFixture(t)
	res := f.generate(t)
	unloads := lineOf(t, res.Record, trucking.ConceptUnloads)
	_, err := f.engine.EditLine(ctx, unloads.ID, payroll.LineEdit{Amount: ptr(dec("90"))}, "admin")
	require.NoError(t, err)

	closed, err := f.engine.CloseRecord(ctx, res.Record.ID, "boss")
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusClosed, closed.Status)
	assert.Equal(t, "157.50", closed.Total.StringFixed(2))
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, "boss", closed.ClosedBy)

	_, err = f.engine.EditLine(ctx, unloads.ID, payroll.LineEdit{Amount: ptr(dec("1"))}, "admin")
	require.ErrorIs(t, err, payroll.ErrRecordLocked)
	var locked *payroll.LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, res.Record.ID, locked.RecordID)

	_, err = f.engine.Generate(ctx, "emp-1", june2025)
	assert.ErrorIs(t, err, payroll.ErrRecordLocked)

	_, err = f.engine.CloseRecord(ctx, res.Record.ID, "boss")
	assert.ErrorIs(t, err, payroll.ErrAlreadyClosed)

	stored, err := f.engine.GetRecord(ctx, "emp-1", 2025, time.June)
	require.NoError(t, err)
	assert.Equal(t, "157.50", stored.Total.StringFixed(2))
}

// =============================================================================
// IDEMPOTENCE & TARIFF CHANGES
// =============================================================================

func TestEngine_Idempotent(t *testing.T) {
	// GIVEN: A generated draft
	// WHEN: Regenerating with unchanged inputs
	// THEN: Outcome unchanged and identical lines (IDs included)

	f := newFixture(t)
	first := f.generate(t)
	second := f.generate(t)

	assert.Equal(t, payroll.OutcomeUnchanged, second.Outcome)
	require.Len(t, second.Record.Lines, len(first.Record.Lines))
	for i := range first.Record.Lines {
		assert.True(t, first.Record.Lines[i].Equal(second.Record.Lines[i]), "line %d differs", i)
	}
	assert.True(t, first.Record.UpdatedAt.Equal(second.Record.UpdatedAt))
}

func TestEngine_TariffChangeRefreshesCalculatedLines(t *testing.T) {
	// GIVEN: A June draft with KM at 0.05
	// WHEN: A new KM tariff of 0.10 becomes effective mid-June and we regenerate
	// THEN: KM is recalculated at 0.10 (resolved at period end), line ID kept

	ctx := context.Background()
	f := newFixture(t)
	first := f.generate(t)
	kmBefore := lineOf(t, first.Record, trucking.ConceptKM)

	_, err := f.ledger.Create(ctx, tariff.CreateRequest{
		Concept:       trucking.ConceptKM,
		Scope:         tariff.Global(),
		Value:         dec("0.10"),
		EffectiveFrom: time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC),
		Actor:         "admin",
	})
	require.NoError(t, err)

	again := f.generate(t)
	assert.Equal(t, payroll.OutcomeUpdated, again.Outcome)
	km := lineOf(t, again.Record, trucking.ConceptKM)
	assert.Equal(t, kmBefore.ID, km.ID)
	assert.Equal(t, "120.00", km.Amount.StringFixed(2))
	assert.Equal(t, "207.50", again.Record.Total.StringFixed(2))
	assertSumInvariant(t, *again.Record)
}

// =============================================================================
// BATCH
// =============================================================================

func TestEngine_GeneratePeriod_Outcomes(t *testing.T) {
	// GIVEN: emp-1 closed, emp-2 fresh, emp-3 inactive, emp-4 with broken facts
	// WHEN: Generating the period
	// THEN: Each employee gets its outcome, sorted by employee

	ctx := context.Background()
	f := newFixture(t, func(cfg *payroll.EngineConfig) {
		cfg.Facts = failingFacts{FactsSource: cfg.Facts, broken: "emp-4"}
	})
	require.NoError(t, f.mem.SaveEmployee(ctx, payroll.Employee{ID: "emp-2", Role: trucking.RoleDriver, Active: true}))
	require.NoError(t, f.mem.SaveEmployee(ctx, payroll.Employee{ID: "emp-3", Role: trucking.RoleDriver, Active: false}))
	require.NoError(t, f.mem.SaveEmployee(ctx, payroll.Employee{ID: "emp-4", Role: trucking.RoleDriver, Active: true}))

	first := f.generate(t)
	_, err := f.engine.CloseRecord(ctx, first.Record.ID, "boss")
	require.NoError(t, err)

	report, err := f.engine.GeneratePeriod(ctx, 2025, time.June)
	require.NoError(t, err)

	require.Len(t, report.Results, 4)
	got := make(map[payroll.EmployeeID]payroll.Outcome)
	for _, r := range report.Results {
		got[r.EmployeeID] = r.Outcome
	}
	assert.Equal(t, map[payroll.EmployeeID]payroll.Outcome{
		"emp-1": payroll.OutcomeSkippedClosed,
		"emp-2": payroll.OutcomeCreated,
		"emp-3": payroll.OutcomeSkippedInactive,
		"emp-4": payroll.OutcomeFailed,
	}, got)
	assert.Equal(t, payroll.EmployeeID("emp-1"), report.Results[0].EmployeeID)
	assert.NotEmpty(t, report.Results[3].Error)
	assert.Equal(t, 1, report.Counts[payroll.OutcomeCreated])

	records, err := f.engine.ListRecords(ctx, 2025, time.June)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestEngine_GeneratePeriod_ConfigurationErrorAborts(t *testing.T) {
	// GIVEN: Two global KM tariffs valid at the same instant (corrupted data)
	// WHEN: Generating the period
	// THEN: The batch fails with a configuration error

	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.mem.Tariffs().InsertTariff(ctx, tariff.Tariff{
		ID:          "rogue",
		Concept:     trucking.ConceptKM,
		Scope:       tariff.Global(),
		Value:       dec("9.99"),
		Active:      false,
		ActivatedAt: tariffsFrom,
	}))

	_, err := f.engine.GeneratePeriod(ctx, 2025, time.June)
	require.Error(t, err)
	assert.ErrorIs(t, err, payroll.ErrConfiguration)

	var amb *tariff.AmbiguousError
	require.True(t, errors.As(err, &amb))
	assert.Equal(t, trucking.ConceptKM, amb.Concept)
}

func TestEngine_InactivePolicy(t *testing.T) {
	// GIVEN: emp-1 deactivated on 2025-06-20
	// WHEN: Generating June under skip and under partial
	// THEN: skip ignores the employee; partial produces the record

	ctx := context.Background()
	deactivated := time.Date(2025, time.June, 20, 0, 0, 0, 0, time.UTC)
	leaver := payroll.Employee{ID: "emp-1", Role: trucking.RoleDriver, Active: false, DeactivatedAt: &deactivated}

	skip := newFixture(t)
	require.NoError(t, skip.mem.SaveEmployee(ctx, leaver))
	res, err := skip.engine.Generate(ctx, "emp-1", june2025)
	require.NoError(t, err)
	assert.Equal(t, payroll.OutcomeSkippedInactive, res.Outcome)
	assert.Nil(t, res.Record)

	partial := newFixture(t, func(cfg *payroll.EngineConfig) { cfg.InactivePolicy = payroll.InactivePartial })
	require.NoError(t, partial.mem.SaveEmployee(ctx, leaver))
	res, err = partial.engine.Generate(ctx, "emp-1", june2025)
	require.NoError(t, err)
	assert.Equal(t, payroll.OutcomeCreated, res.Outcome)

	// Left before July: nothing to generate even under partial.
	res, err = partial.engine.Generate(ctx, "emp-1", payroll.Period{Year: 2025, Month: time.July})
	require.NoError(t, err)
	assert.Equal(t, payroll.OutcomeSkippedInactive, res.Outcome)
}

func TestParseInactivePolicy(t *testing.T) {
	p, err := payroll.ParseInactivePolicy(" Partial ")
	require.NoError(t, err)
	assert.Equal(t, payroll.InactivePartial, p)

	p, err = payroll.ParseInactivePolicy("")
	require.NoError(t, err)
	assert.Equal(t, payroll.InactiveSkip, p)

	_, err = payroll.ParseInactivePolicy("prorate")
	assert.Error(t, err)
}

// =============================================================================
// OVERRIDE PATH
// =============================================================================

func TestEngine_EditLine_QuantityRecomputesAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.generate(t)
	km := lineOf(t, res.Record, trucking.ConceptKM)

	rec, err := f.engine.EditLine(ctx, km.ID, payroll.LineEdit{
		Quantity: ptr(dec("1000")),
		Note:     ptr("odometer corrected"),
	}, "admin")
	require.NoError(t, err)

	edited := lineOf(t, &rec, trucking.ConceptKM)
	assert.Equal(t, "50.00", edited.Amount.StringFixed(2))
	assert.Equal(t, "odometer corrected", edited.Note)
	assert.True(t, edited.Overridden)
	assert.Equal(t, "137.50", rec.Total.StringFixed(2))
	assertSumInvariant(t, rec)
}

func TestEngine_EditLine_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.generate(t)
	km := lineOf(t, res.Record, trucking.ConceptKM)

	_, err := f.engine.EditLine(ctx, km.ID, payroll.LineEdit{}, "admin")
	assert.ErrorIs(t, err, payroll.ErrEmptyEdit)

	_, err = f.engine.EditLine(ctx, km.ID, payroll.LineEdit{Rate: ptr(dec("-1"))}, "admin")
	assert.ErrorIs(t, err, payroll.ErrInvalidLine)

	_, err = f.engine.EditLine(ctx, "missing", payroll.LineEdit{Amount: ptr(dec("1"))}, "admin")
	assert.ErrorIs(t, err, payroll.ErrLineNotFound)
	assert.True(t, payroll.IsNotFound(err))
}

func TestEngine_AddLine_ManualAdditionSurvivesRegeneration(t *testing.T) {
	// GIVEN: A hand-added BONUS of 25.00
	// WHEN: Regenerating
	// THEN: BONUS is still there, last, tagged as manual addition

	ctx := context.Background()
	f := newFixture(t)
	res := f.generate(t)

	rec, err := f.engine.AddLine(ctx, res.Record.ID, payroll.ManualLine{
		Code:   "bonus",
		Name:   "Safety bonus",
		Amount: ptr(decimal.NewFromInt(25)),
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, "172.50", rec.Total.StringFixed(2))

	_, err = f.engine.AddLine(ctx, res.Record.ID, payroll.ManualLine{Code: "BONUS"}, "admin")
	assert.ErrorIs(t, err, payroll.ErrDuplicateConcept)

	again := f.generate(t)
	last := again.Record.Lines[len(again.Record.Lines)-1]
	assert.Equal(t, payroll.ConceptCode("BONUS"), last.Code)
	assert.True(t, last.ManualAddition)
	assert.True(t, last.Overridden)
	assert.Equal(t, "172.50", again.Record.Total.StringFixed(2))
}

func TestEngine_EditLine_ZeroDeductionStaysNegative(t *testing.T) {
	// GIVEN: ABSENCE_DEDUCTION at 50.00 per day and no absences in June
	// WHEN: Editing the zero deduction line to 2 days
	// THEN: The amount is -100.00 and the total drops to 47.50

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ledger.Create(ctx, tariff.CreateRequest{
		Concept:       trucking.ConceptAbsenceDeduction,
		Scope:         tariff.Global(),
		Value:         dec("50"),
		EffectiveFrom: tariffsFrom,
		Actor:         "setup",
	})
	require.NoError(t, err)

	res := f.generate(t)
	absence := lineOf(t, res.Record, trucking.ConceptAbsenceDeduction)
	require.True(t, absence.Amount.IsZero())
	require.Equal(t, "147.50", res.Record.Total.StringFixed(2))

	rec, err := f.engine.EditLine(ctx, absence.ID, payroll.LineEdit{Quantity: ptr(dec("2"))}, "admin")
	require.NoError(t, err)
	edited := lineOf(t, &rec, trucking.ConceptAbsenceDeduction)
	assert.Equal(t, "-100.00", edited.Amount.StringFixed(2))
	assert.Equal(t, "47.50", rec.Total.StringFixed(2))
	assertSumInvariant(t, rec)

	// Editing the rate later keeps the sign too.
	rec, err = f.engine.EditLine(ctx, absence.ID, payroll.LineEdit{Rate: ptr(dec("40"))}, "admin")
	require.NoError(t, err)
	assert.Equal(t, "-80.00", lineOf(t, &rec, trucking.ConceptAbsenceDeduction).Amount.StringFixed(2))
}

// closingCalculator closes the employee's record while the next
// generation is computing, outside the write transaction.
type closingCalculator struct {
	payroll.Calculator
	engine *payroll.Engine
	record payroll.RecordID
	closed bool
}

func (c *closingCalculator) Compute(ctx context.Context, emp payroll.Employee, p payroll.Period, facts payroll.Facts) ([]payroll.LineDraft, error) {
	lines, err := c.Calculator.Compute(ctx, emp, p, facts)
	if err != nil || c.record == "" || c.closed {
		return lines, err
	}
	c.closed = true
	if _, err := c.engine.CloseRecord(ctx, c.record, "boss"); err != nil {
		return nil, err
	}
	return lines, nil
}

func TestEngine_Generate_RecordClosedDuringCompute(t *testing.T) {
	// GIVEN: A draft that gets closed after the early status check
	// WHEN: Regenerating it
	// THEN: The write is refused as locked and the record stays CLOSED

	ctx := context.Background()
	calc := &closingCalculator{}
	f := newFixture(t, func(cfg *payroll.EngineConfig) {
		calc.Calculator = cfg.Calculator
		cfg.Calculator = calc
	})
	calc.engine = f.engine

	res := f.generate(t)
	calc.record = res.Record.ID
	_, err := f.engine.EditLine(ctx, lineOf(t, res.Record, trucking.ConceptKM).ID, payroll.LineEdit{Amount: ptr(dec("70"))}, "admin")
	require.NoError(t, err)

	_, err = f.engine.Generate(ctx, "emp-1", june2025)
	assert.ErrorIs(t, err, payroll.ErrRecordLocked)
	assert.True(t, calc.closed)

	stored, err := f.engine.GetRecord(ctx, "emp-1", 2025, time.June)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusClosed, stored.Status)
	assert.Equal(t, "157.50", stored.Total.StringFixed(2))
}

func TestEngine_RevertLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.generate(t)
	unloads := lineOf(t, res.Record, trucking.ConceptUnloads)

	_, err := f.engine.RevertLine(ctx, unloads.ID, "admin")
	assert.ErrorIs(t, err, payroll.ErrNotOverridden)

	_, err = f.engine.EditLine(ctx, unloads.ID, payroll.LineEdit{Amount: ptr(dec("90"))}, "admin")
	require.NoError(t, err)
	withBonus, err := f.engine.AddLine(ctx, res.Record.ID, payroll.ManualLine{Code: "BONUS", Amount: ptr(dec("10"))}, "admin")
	require.NoError(t, err)
	bonus := lineOf(t, &withBonus, "BONUS")

	rec, err := f.engine.RevertLine(ctx, unloads.ID, "admin")
	require.NoError(t, err)
	un := lineOf(t, &rec, trucking.ConceptUnloads)
	assert.False(t, un.Overridden)
	assert.Equal(t, unloads.ID, un.ID)
	assert.Equal(t, "80.00", un.Amount.StringFixed(2))
	assert.Equal(t, "157.50", rec.Total.StringFixed(2))

	rec, err = f.engine.RevertLine(ctx, bonus.ID, "admin")
	require.NoError(t, err)
	_, ok := rec.LineByCode("BONUS")
	assert.False(t, ok, "reverting a manual addition removes it")
	assert.Equal(t, "147.50", rec.Total.StringFixed(2))
}

func TestEngine_ClosePeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.mem.SaveEmployee(ctx, payroll.Employee{ID: "emp-2", Role: trucking.RoleDriver, Active: true}))
	_, err := f.engine.GeneratePeriod(ctx, 2025, time.June)
	require.NoError(t, err)

	first, err := f.engine.GetRecord(ctx, "emp-1", 2025, time.June)
	require.NoError(t, err)
	_, err = f.engine.CloseRecord(ctx, first.ID, "boss")
	require.NoError(t, err)

	results, err := f.engine.ClosePeriod(ctx, 2025, time.June, "boss")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Closed, "emp-1 was already closed")
	assert.Empty(t, results[0].Error)
	assert.True(t, results[1].Closed)

	records, err := f.engine.ListRecords(ctx, 2025, time.June)
	require.NoError(t, err)
	for _, r := range records {
		assert.Equal(t, payroll.StatusClosed, r.Status)
	}
}

// failingFacts fails for one employee.
type failingFacts struct {
	payroll.FactsSource
	broken payroll.EmployeeID
}

func (f failingFacts) Facts(ctx context.Context, id payroll.EmployeeID, p payroll.Period) (payroll.Facts, error) {
	if id == f.broken {
		return payroll.Facts{}, fmt.Errorf("dispatch feed unavailable for %s", id)
	}
	return f.FactsSource.Facts(ctx, id, p)
}
