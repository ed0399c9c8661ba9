package payroll_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/varpay/payroll"
)

func TestLifecycle_DraftAllowsEverything(t *testing.T) {
	rec := payroll.Record{ID: "rec-1", Status: payroll.StatusDraft}
	for _, a := range []payroll.Action{payroll.ActionGenerate, payroll.ActionEdit, payroll.ActionClose} {
		assert.NoError(t, rec.Check(a), "action %s", a)
	}
}

func TestLifecycle_ClosedRejectsWrites(t *testing.T) {
	// GIVEN: A CLOSED record
	// WHEN: Editing or regenerating
	// THEN: LockedError naming the record and the action

	rec := payroll.Record{ID: "rec-1", Status: payroll.StatusClosed}
	for _, a := range []payroll.Action{payroll.ActionGenerate, payroll.ActionEdit} {
		err := rec.Check(a)
		require.ErrorIs(t, err, payroll.ErrRecordLocked)

		var locked *payroll.LockedError
		require.True(t, errors.As(err, &locked))
		assert.Equal(t, payroll.RecordID("rec-1"), locked.RecordID)
		assert.Equal(t, a, locked.Action)
		assert.True(t, payroll.IsConflict(err))
	}
}

func TestLifecycle_CloseTwice(t *testing.T) {
	rec := payroll.Record{ID: "rec-1", Status: payroll.StatusDraft}
	at := time.Date(2025, time.July, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, rec.Close(at, "boss"))
	assert.Equal(t, payroll.StatusClosed, rec.Status)
	require.NotNil(t, rec.ClosedAt)
	assert.True(t, rec.ClosedAt.Equal(at))
	assert.Equal(t, "boss", rec.ClosedBy)

	err := rec.Close(at.Add(time.Hour), "other")
	assert.ErrorIs(t, err, payroll.ErrAlreadyClosed)
	assert.Equal(t, "boss", rec.ClosedBy, "second close must not restamp")
}

// =============================================================================
// PERIOD TESTS
// =============================================================================

func TestPeriod_Boundaries(t *testing.T) {
	p, err := payroll.NewPeriod(2024, time.February)
	require.NoError(t, err)

	assert.Equal(t, "2024-02", p.String())
	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), p.Start())
	assert.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), p.End())
	assert.True(t, p.AsOf().Before(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, p.Contains(p.AsOf()))
	assert.Equal(t, payroll.Period{Year: 2024, Month: time.March}, p.Next())
}

func TestPeriod_Invalid(t *testing.T) {
	_, err := payroll.NewPeriod(2025, 13)
	assert.ErrorIs(t, err, payroll.ErrInvalidPeriod)

	_, err = payroll.ParsePeriod("2025/06")
	assert.ErrorIs(t, err, payroll.ErrInvalidPeriod)

	p, err := payroll.ParsePeriod("2025-06")
	require.NoError(t, err)
	assert.Equal(t, payroll.Period{Year: 2025, Month: time.June}, p)
}

func TestPeriod_OverlapDays(t *testing.T) {
	p := payroll.Period{Year: 2025, Month: time.June}
	d := func(m time.Month, day int) time.Time { return time.Date(2025, m, day, 0, 0, 0, 0, time.UTC) }

	assert.Equal(t, 3, p.OverlapDays(d(time.June, 10), d(time.June, 12)))
	assert.Equal(t, 2, p.OverlapDays(d(time.May, 20), d(time.June, 2)))
	assert.Equal(t, 1, p.OverlapDays(d(time.June, 30), d(time.July, 5)))
	assert.Equal(t, 30, p.OverlapDays(d(time.January, 1), d(time.December, 31)))
	assert.Equal(t, 0, p.OverlapDays(d(time.July, 1), d(time.July, 3)))
}

func TestAggregateFacts(t *testing.T) {
	// GIVEN: Two entries on the same June day, one in May, one absence
	// THEN: Quantities add up, the day counts once, May is ignored

	p := payroll.Period{Year: 2025, Month: time.June}
	june10 := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)
	days := []payroll.WorkDay{
		{Date: june10, Hours: dec("4"), Kilometers: dec("300"), Unloads: 10, Trips: 1},
		{Date: june10.Add(5 * time.Hour), Hours: dec("4"), Kilometers: dec("200"), Unloads: 5, Trips: 1, Holiday: true},
		{Date: time.Date(2025, time.May, 31, 0, 0, 0, 0, time.UTC), Kilometers: dec("999")},
	}
	absences := []payroll.Absence{
		{Kind: payroll.AbsenceVacation, Start: time.Date(2025, time.June, 20, 0, 0, 0, 0, time.UTC), End: time.Date(2025, time.June, 22, 0, 0, 0, 0, time.UTC), Approved: true},
		{Kind: payroll.AbsenceLeave, Start: time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC), Approved: true},
	}

	f := payroll.AggregateFacts(p, days, absences)

	assert.Equal(t, 1, f.DaysWorked)
	assert.Equal(t, "500", f.Kilometers.String())
	assert.Equal(t, "8", f.Hours.String())
	assert.Equal(t, 15, f.Unloads)
	assert.Equal(t, 2, f.Trips)
	assert.Len(t, f.Shifts, 2)
	require.Len(t, f.Absences, 1)
	assert.Equal(t, payroll.AbsenceVacation, f.Absences[0].Kind)
}
