package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/varpay/payroll"
	"github.com/warp/varpay/store/sqlite"
	"github.com/warp/varpay/tariff"
	"github.com/warp/varpay/trucking"
)

var (
	june2025 = payroll.Period{Year: 2025, Month: time.June}
	jan1     = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	july1    = time.Date(2025, time.July, 1, 12, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, c := range trucking.DefaultCatalogue() {
		require.NoError(t, s.SaveConcept(ctx, c))
	}
	require.NoError(t, s.SaveEmployee(ctx, payroll.Employee{ID: "emp-1", Name: "Ana", Role: trucking.RoleDriver, Active: true}))
	return s
}

func draftRecord() payroll.Record {
	return payroll.Record{
		ID:         "rec-1",
		EmployeeID: "emp-1",
		Period:     june2025,
		Status:     payroll.StatusDraft,
		Total:      dec("67.50"),
		CreatedAt:  july1,
		UpdatedAt:  july1,
		Lines: []payroll.Line{
			{ID: "l-1", RecordID: "rec-1", Code: "KM", Name: "Kilometers driven", Quantity: dec("1200"), Rate: dec("0.05"), Amount: dec("60.00"), Order: 1},
			{ID: "l-2", RecordID: "rec-1", Code: "TRIPS", Name: "Trips", Quantity: dec("5"), Rate: dec("1.50"), Amount: dec("7.50"), Overridden: true, Note: "checked", EditedBy: "boss", Order: 2},
		},
	}
}

// =============================================================================
// RECORD TESTS
// =============================================================================

func TestStore_RecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rec := draftRecord()
	require.NoError(t, s.SaveRecord(ctx, rec))

	got, err := s.GetRecord(ctx, "emp-1", june2025)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, june2025, got.Period)
	assert.True(t, got.Total.Equal(rec.Total))
	assert.True(t, got.CreatedAt.Equal(july1))
	assert.Nil(t, got.ClosedAt)
	require.Len(t, got.Lines, 2)
	for i := range rec.Lines {
		assert.True(t, rec.Lines[i].Equal(got.Lines[i]), "line %s", rec.Lines[i].Code)
	}

	byLine, err := s.GetRecordByLine(ctx, "l-2")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byLine.ID)

	_, err = s.GetRecordByLine(ctx, "missing")
	assert.ErrorIs(t, err, payroll.ErrLineNotFound)

	_, err = s.GetRecordByID(ctx, "missing")
	assert.ErrorIs(t, err, payroll.ErrRecordNotFound)
}

func TestStore_SaveReplacesLines(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rec := draftRecord()
	require.NoError(t, s.SaveRecord(ctx, rec))

	rec.Lines = rec.Lines[:1]
	rec.RecomputeTotal()
	require.NoError(t, s.SaveRecord(ctx, rec))

	got, err := s.GetRecordByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, "60.00", got.Total.StringFixed(2))

	_, err = s.GetRecordByLine(ctx, "l-2")
	assert.ErrorIs(t, err, payroll.ErrLineNotFound)
}

func TestStore_ClosedRecordIsLocked(t *testing.T) {
	// GIVEN: A record stored as CLOSED
	// WHEN: Saving it again
	// THEN: ErrRecordLocked, stored state unchanged

	ctx := context.Background()
	s := newStore(t)
	rec := draftRecord()
	require.NoError(t, rec.Close(july1, "boss"))
	require.NoError(t, s.SaveRecord(ctx, rec))

	rec.Total = dec("1")
	err := s.SaveRecord(ctx, rec)
	assert.ErrorIs(t, err, payroll.ErrRecordLocked)

	got, err := s.GetRecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusClosed, got.Status)
	assert.Equal(t, "boss", got.ClosedBy)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, "67.50", got.Total.StringFixed(2))
}

func TestStore_OneRecordPerEmployeeAndPeriod(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveRecord(ctx, draftRecord()))

	dup := draftRecord()
	dup.ID = "rec-2"
	dup.Lines = nil
	err := s.SaveRecord(ctx, dup)
	assert.ErrorIs(t, err, payroll.ErrRecordExists)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.WithTx(ctx, func(tx payroll.RecordStore) error {
		require.NoError(t, tx.SaveRecord(ctx, draftRecord()))
		return payroll.ErrInvalidLine
	})
	assert.ErrorIs(t, err, payroll.ErrInvalidLine)

	_, err = s.GetRecord(ctx, "emp-1", june2025)
	assert.ErrorIs(t, err, payroll.ErrRecordNotFound)
}

// =============================================================================
// FACTS TESTS
// =============================================================================

func TestStore_FactsForPeriod(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.AddWorkDay(ctx, payroll.WorkDay{EmployeeID: "emp-1", Date: time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC), Hours: dec("8"), Kilometers: dec("400"), Unloads: 10, Trips: 2}))
	require.NoError(t, s.AddWorkDay(ctx, payroll.WorkDay{EmployeeID: "emp-1", Date: time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC), Hours: dec("6"), Kilometers: dec("250.5"), Holiday: true}))
	require.NoError(t, s.AddWorkDay(ctx, payroll.WorkDay{EmployeeID: "emp-1", Date: time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC), Kilometers: dec("999")}))
	require.NoError(t, s.AddWorkDay(ctx, payroll.WorkDay{EmployeeID: "emp-2", Date: time.Date(2025, time.June, 3, 0, 0, 0, 0, time.UTC), Kilometers: dec("999")}))
	require.NoError(t, s.AddAbsence(ctx, "emp-1", payroll.Absence{
		Kind: payroll.AbsenceVacation, Approved: true,
		Start: time.Date(2025, time.May, 28, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.June, 3, 0, 0, 0, 0, time.UTC),
	}))

	f, err := s.Facts(ctx, "emp-1", june2025)
	require.NoError(t, err)
	assert.Equal(t, 2, f.DaysWorked)
	assert.Equal(t, "650.5", f.Kilometers.String())
	assert.Equal(t, "14", f.Hours.String())
	assert.Equal(t, 10, f.Unloads)
	assert.Equal(t, 2, f.Trips)
	assert.Len(t, f.Shifts, 2)
	require.Len(t, f.Absences, 1)
	assert.Equal(t, 3, june2025.OverlapDays(f.Absences[0].Start, f.Absences[0].End))
}

// =============================================================================
// TARIFF TESTS
// =============================================================================

func TestStore_TariffLedger(t *testing.T) {
	// GIVEN: KM 0.05 from January, replaced by 0.10 from June
	// WHEN: Resolving before and after the change
	// THEN: Each instant sees its version, one active row remains

	ctx := context.Background()
	s := newStore(t)
	ledger := tariff.NewLedger(s.Tariffs(), s)
	june1 := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	first, err := ledger.Create(ctx, tariff.CreateRequest{Concept: trucking.ConceptKM, Scope: tariff.Global(), Value: dec("0.05"), EffectiveFrom: jan1, Actor: "admin"})
	require.NoError(t, err)
	_, err = ledger.Create(ctx, tariff.CreateRequest{Concept: trucking.ConceptKM, Scope: tariff.Global(), Value: dec("0.10"), EffectiveFrom: june1, Actor: "admin"})
	require.NoError(t, err)

	active, err := s.Tariffs().ActiveTariffs(ctx, trucking.ConceptKM, tariff.Global())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "0.1", active[0].Value.String())

	old, err := s.Tariffs().GetTariff(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)
	require.NotNil(t, old.DeactivatedAt)
	assert.True(t, old.DeactivatedAt.Equal(june1))

	r := tariff.NewResolver(s.Tariffs())
	res, err := r.Resolve(ctx, trucking.ConceptKM, "emp-1", trucking.RoleDriver, june1.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, "0.05", res.Value.String())

	res, err = r.Resolve(ctx, trucking.ConceptKM, "emp-1", trucking.RoleDriver, june2025.AsOf())
	require.NoError(t, err)
	assert.Equal(t, "0.1", res.Value.String())

	events, err := s.Tariffs().Events(ctx, trucking.ConceptKM)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, tariff.EventDeactivated, events[1].Type)
	assert.Equal(t, tariff.Global(), events[1].Scope)
	assert.Less(t, events[0].Seq, events[2].Seq)
}

func TestStore_SecondActiveTariffRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	tf := tariff.Tariff{ID: "t-1", Concept: trucking.ConceptKM, Scope: tariff.ForRole(trucking.RoleDriver), Value: dec("1"), Active: true, ActivatedAt: jan1}
	require.NoError(t, s.Tariffs().InsertTariff(ctx, tf))

	tf.ID = "t-2"
	assert.Error(t, s.Tariffs().InsertTariff(ctx, tf))

	// Another scope is independent.
	tf.Scope = tariff.ForEmployee("emp-1")
	assert.NoError(t, s.Tariffs().InsertTariff(ctx, tf))
}

// =============================================================================
// END TO END
// =============================================================================

func TestStore_EngineWorkedScenario(t *testing.T) {
	// GIVEN: The worked scenario persisted in SQLite
	// WHEN: Generating, overriding, regenerating, closing
	// THEN: Totals match the in-memory engine and CLOSED records are skipped

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.AddWorkDay(ctx, payroll.WorkDay{EmployeeID: "emp-1", Date: time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC), Kilometers: dec("1200"), Unloads: 40, Trips: 5}))

	ledger := tariff.NewLedger(s.Tariffs(), s)
	for code, value := range map[payroll.ConceptCode]string{
		trucking.ConceptKM:      "0.05",
		trucking.ConceptUnloads: "2.00",
		trucking.ConceptTrips:   "1.50",
	} {
		_, err := ledger.Create(ctx, tariff.CreateRequest{Concept: code, Scope: tariff.Global(), Value: dec(value), EffectiveFrom: jan1})
		require.NoError(t, err)
	}

	engine := payroll.NewEngine(payroll.EngineConfig{
		Store:      s,
		Directory:  s,
		Facts:      s,
		Catalogue:  s,
		Calculator: trucking.NewCalculator(s, tariff.NewResolver(s.Tariffs())),
		Clock:      func() time.Time { return july1 },
		Workers:    2,
	})

	res, err := engine.Generate(ctx, "emp-1", june2025)
	require.NoError(t, err)
	assert.Equal(t, payroll.OutcomeCreated, res.Outcome)
	assert.Equal(t, "147.50", res.Record.Total.StringFixed(2))

	unloads, ok := res.Record.LineByCode(trucking.ConceptUnloads)
	require.True(t, ok)
	amount := dec("90.00")
	_, err = engine.EditLine(ctx, unloads.ID, payroll.LineEdit{Amount: &amount}, "boss")
	require.NoError(t, err)

	res, err = engine.Generate(ctx, "emp-1", june2025)
	require.NoError(t, err)
	assert.Equal(t, payroll.OutcomeUnchanged, res.Outcome)
	assert.Equal(t, "157.50", res.Record.Total.StringFixed(2))

	closed, err := engine.CloseRecord(ctx, res.Record.ID, "boss")
	require.NoError(t, err)
	assert.Equal(t, payroll.StatusClosed, closed.Status)

	report, err := engine.GeneratePeriod(ctx, 2025, time.June)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, payroll.OutcomeSkippedClosed, report.Results[0].Outcome)
}
