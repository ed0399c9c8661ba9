// Package store provides in-memory implementations of the payroll and
// tariff storage interfaces.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/varpay/payroll"
	"github.com/warp/varpay/tariff"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements payroll.TxStore, payroll.Directory, payroll.Catalogue,
// payroll.FactsSource and, through Tariffs(), tariff.TxStore.
type Memory struct {
	mu sync.RWMutex

	records   map[payroll.RecordID]payroll.Record
	byKey     map[recordKey]payroll.RecordID
	lineIndex map[payroll.LineID]payroll.RecordID

	employees map[payroll.EmployeeID]payroll.Employee
	concepts  map[payroll.ConceptCode]payroll.Concept
	workDays  map[payroll.EmployeeID][]payroll.WorkDay
	absences  map[payroll.EmployeeID][]payroll.Absence

	tariffs map[tariff.ID]tariff.Tariff
	events  []tariff.Event
}

type recordKey struct {
	EmployeeID payroll.EmployeeID
	Period     payroll.Period
}

func NewMemory() *Memory {
	return &Memory{
		records:   make(map[payroll.RecordID]payroll.Record),
		byKey:     make(map[recordKey]payroll.RecordID),
		lineIndex: make(map[payroll.LineID]payroll.RecordID),
		employees: make(map[payroll.EmployeeID]payroll.Employee),
		concepts:  make(map[payroll.ConceptCode]payroll.Concept),
		workDays:  make(map[payroll.EmployeeID][]payroll.WorkDay),
		absences:  make(map[payroll.EmployeeID][]payroll.Absence),
		tariffs:   make(map[tariff.ID]tariff.Tariff),
	}
}

// =============================================================================
// RECORDS
// =============================================================================

func (m *Memory) GetRecord(_ context.Context, employeeID payroll.EmployeeID, period payroll.Period) (payroll.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRecordLocked(employeeID, period)
}

func (m *Memory) GetRecordByID(_ context.Context, id payroll.RecordID) (payroll.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRecordByIDLocked(id)
}

func (m *Memory) GetRecordByLine(_ context.Context, lineID payroll.LineID) (payroll.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRecordByLineLocked(lineID)
}

func (m *Memory) ListRecords(_ context.Context, period payroll.Period) ([]payroll.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRecordsLocked(period), nil
}

func (m *Memory) SaveRecord(_ context.Context, rec payroll.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveRecordLocked(rec)
}

func (m *Memory) getRecordLocked(employeeID payroll.EmployeeID, period payroll.Period) (payroll.Record, error) {
	id, ok := m.byKey[recordKey{EmployeeID: employeeID, Period: period}]
	if !ok {
		return payroll.Record{}, payroll.ErrRecordNotFound
	}
	return m.records[id].Clone(), nil
}

func (m *Memory) getRecordByIDLocked(id payroll.RecordID) (payroll.Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return payroll.Record{}, payroll.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) getRecordByLineLocked(lineID payroll.LineID) (payroll.Record, error) {
	id, ok := m.lineIndex[lineID]
	if !ok {
		return payroll.Record{}, payroll.ErrLineNotFound
	}
	return m.records[id].Clone(), nil
}

func (m *Memory) listRecordsLocked(period payroll.Period) []payroll.Record {
	var out []payroll.Record
	for _, rec := range m.records {
		if rec.Period == period {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}

func (m *Memory) saveRecordLocked(rec payroll.Record) error {
	k := recordKey{EmployeeID: rec.EmployeeID, Period: rec.Period}
	if existingID, ok := m.byKey[k]; ok && existingID != rec.ID {
		return payroll.ErrRecordExists
	}
	if prev, ok := m.records[rec.ID]; ok {
		if prev.Status == payroll.StatusClosed {
			return &payroll.LockedError{RecordID: rec.ID, Action: payroll.ActionEdit}
		}
		for _, l := range prev.Lines {
			delete(m.lineIndex, l.ID)
		}
	}

	stored := rec.Clone()
	for i := range stored.Lines {
		stored.Lines[i].RecordID = rec.ID
		m.lineIndex[stored.Lines[i].ID] = rec.ID
	}
	m.records[rec.ID] = stored
	m.byKey[k] = rec.ID
	return nil
}

// =============================================================================
// REFERENCE DATA - directory, catalogue, facts
// =============================================================================

func (m *Memory) ListEmployees(_ context.Context) ([]payroll.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payroll.Employee, 0, len(m.employees))
	for _, e := range m.employees {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetEmployee(_ context.Context, id payroll.EmployeeID) (payroll.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.employees[id]
	if !ok {
		return payroll.Employee{}, fmt.Errorf("%w: %s", payroll.ErrEmployeeNotFound, id)
	}
	return e, nil
}

func (m *Memory) SaveEmployee(_ context.Context, e payroll.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[e.ID] = e
	return nil
}

func (m *Memory) ListConcepts(_ context.Context) ([]payroll.Concept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payroll.Concept, 0, len(m.concepts))
	for _, c := range m.concepts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (m *Memory) SaveConcept(_ context.Context, c payroll.Concept) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concepts[c.Code] = c
	return nil
}

func (m *Memory) AddWorkDay(_ context.Context, d payroll.WorkDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workDays[d.EmployeeID] = append(m.workDays[d.EmployeeID], d)
	return nil
}

func (m *Memory) AddAbsence(_ context.Context, employeeID payroll.EmployeeID, a payroll.Absence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.absences[employeeID] = append(m.absences[employeeID], a)
	return nil
}

func (m *Memory) Facts(_ context.Context, employeeID payroll.EmployeeID, period payroll.Period) (payroll.Facts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return payroll.AggregateFacts(period, m.workDays[employeeID], m.absences[employeeID]), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(payroll.RecordStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&recordTxView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	records   map[payroll.RecordID]payroll.Record
	byKey     map[recordKey]payroll.RecordID
	lineIndex map[payroll.LineID]payroll.RecordID
	tariffs   map[tariff.ID]tariff.Tariff
	events    []tariff.Event
}

// snapshot copies the maps written inside transactions. Stored values are
// replaced on write, never mutated, so a shallow copy is enough.
func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		records:   make(map[payroll.RecordID]payroll.Record, len(m.records)),
		byKey:     make(map[recordKey]payroll.RecordID, len(m.byKey)),
		lineIndex: make(map[payroll.LineID]payroll.RecordID, len(m.lineIndex)),
		tariffs:   make(map[tariff.ID]tariff.Tariff, len(m.tariffs)),
		events:    append([]tariff.Event(nil), m.events...),
	}
	for k, v := range m.records {
		s.records[k] = v
	}
	for k, v := range m.byKey {
		s.byKey[k] = v
	}
	for k, v := range m.lineIndex {
		s.lineIndex[k] = v
	}
	for k, v := range m.tariffs {
		s.tariffs[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.records = s.records
	m.byKey = s.byKey
	m.lineIndex = s.lineIndex
	m.tariffs = s.tariffs
	m.events = s.events
}

type recordTxView struct {
	parent *Memory
}

func (v *recordTxView) GetRecord(_ context.Context, employeeID payroll.EmployeeID, period payroll.Period) (payroll.Record, error) {
	return v.parent.getRecordLocked(employeeID, period)
}

func (v *recordTxView) GetRecordByID(_ context.Context, id payroll.RecordID) (payroll.Record, error) {
	return v.parent.getRecordByIDLocked(id)
}

func (v *recordTxView) GetRecordByLine(_ context.Context, lineID payroll.LineID) (payroll.Record, error) {
	return v.parent.getRecordByLineLocked(lineID)
}

func (v *recordTxView) ListRecords(_ context.Context, period payroll.Period) ([]payroll.Record, error) {
	return v.parent.listRecordsLocked(period), nil
}

func (v *recordTxView) SaveRecord(_ context.Context, rec payroll.Record) error {
	return v.parent.saveRecordLocked(rec)
}

// =============================================================================
// TARIFFS
// =============================================================================

// Tariffs returns the tariff.TxStore view of the memory store.
func (m *Memory) Tariffs() *Tariffs { return &Tariffs{m: m} }

// Tariffs is the tariff.TxStore view sharing the Memory lock.
type Tariffs struct {
	m *Memory
}

func (t *Tariffs) ActiveTariffs(_ context.Context, concept payroll.ConceptCode, scope tariff.Scope) ([]tariff.Tariff, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return t.m.activeTariffsLocked(concept, scope), nil
}

func (t *Tariffs) TariffsValidAt(_ context.Context, concept payroll.ConceptCode, scopes []tariff.Scope, at time.Time) ([]tariff.Tariff, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return t.m.tariffsValidAtLocked(concept, scopes, at), nil
}

func (t *Tariffs) ListTariffs(_ context.Context, concept payroll.ConceptCode) ([]tariff.Tariff, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return t.m.listTariffsLocked(concept), nil
}

func (t *Tariffs) GetTariff(_ context.Context, id tariff.ID) (tariff.Tariff, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return t.m.getTariffLocked(id)
}

func (t *Tariffs) InsertTariff(_ context.Context, tf tariff.Tariff) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.insertTariffLocked(tf)
}

func (t *Tariffs) DeactivateTariff(_ context.Context, id tariff.ID, at time.Time) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.deactivateTariffLocked(id, at)
}

func (t *Tariffs) AppendEvent(_ context.Context, ev tariff.Event) (tariff.Event, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.appendEventLocked(ev), nil
}

func (t *Tariffs) Events(_ context.Context, concept payroll.ConceptCode) ([]tariff.Event, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return t.m.eventsLocked(concept), nil
}

// WithTx executes fn within a transaction sharing the record store's lock.
func (t *Tariffs) WithTx(_ context.Context, fn func(tariff.Store) error) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	snap := t.m.snapshot()
	if err := fn(&tariffTxView{m: t.m}); err != nil {
		t.m.restore(snap)
		return err
	}
	return nil
}

func (m *Memory) activeTariffsLocked(concept payroll.ConceptCode, scope tariff.Scope) []tariff.Tariff {
	var out []tariff.Tariff
	for _, tf := range m.tariffs {
		if tf.Active && tf.Concept == concept && tf.Scope == scope {
			out = append(out, tf)
		}
	}
	sortTariffs(out)
	return out
}

func (m *Memory) tariffsValidAtLocked(concept payroll.ConceptCode, scopes []tariff.Scope, at time.Time) []tariff.Tariff {
	want := make(map[tariff.Scope]bool, len(scopes))
	for _, s := range scopes {
		want[s] = true
	}
	var out []tariff.Tariff
	for _, tf := range m.tariffs {
		if tf.Concept == concept && want[tf.Scope] && tf.ValidAt(at) {
			out = append(out, tf)
		}
	}
	sortTariffs(out)
	return out
}

func (m *Memory) listTariffsLocked(concept payroll.ConceptCode) []tariff.Tariff {
	var out []tariff.Tariff
	for _, tf := range m.tariffs {
		if concept == "" || tf.Concept == concept {
			out = append(out, tf)
		}
	}
	sortTariffs(out)
	return out
}

func (m *Memory) getTariffLocked(id tariff.ID) (tariff.Tariff, error) {
	tf, ok := m.tariffs[id]
	if !ok {
		return tariff.Tariff{}, fmt.Errorf("%w: %s", tariff.ErrTariffNotFound, id)
	}
	return tf, nil
}

// insertTariffLocked mirrors the unique partial index of the SQL stores.
func (m *Memory) insertTariffLocked(tf tariff.Tariff) error {
	if tf.Active && len(m.activeTariffsLocked(tf.Concept, tf.Scope)) > 0 {
		return fmt.Errorf("active tariff already exists for %s at %s", tf.Concept, tf.Scope)
	}
	m.tariffs[tf.ID] = tf
	return nil
}

func (m *Memory) deactivateTariffLocked(id tariff.ID, at time.Time) error {
	tf, ok := m.tariffs[id]
	if !ok {
		return fmt.Errorf("%w: %s", tariff.ErrTariffNotFound, id)
	}
	at = at.UTC()
	tf.Active = false
	tf.DeactivatedAt = &at
	m.tariffs[id] = tf
	return nil
}

func (m *Memory) appendEventLocked(ev tariff.Event) tariff.Event {
	ev.Seq = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return ev
}

func (m *Memory) eventsLocked(concept payroll.ConceptCode) []tariff.Event {
	var out []tariff.Event
	for _, ev := range m.events {
		if concept == "" || ev.Concept == concept {
			out = append(out, ev)
		}
	}
	return out
}

func sortTariffs(ts []tariff.Tariff) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if a.Concept != b.Concept {
			return a.Concept < b.Concept
		}
		if a.Scope.Key() != b.Scope.Key() {
			return a.Scope.Key() < b.Scope.Key()
		}
		if !a.ActivatedAt.Equal(b.ActivatedAt) {
			return a.ActivatedAt.Before(b.ActivatedAt)
		}
		return a.ID < b.ID
	})
}

type tariffTxView struct {
	m *Memory
}

func (v *tariffTxView) ActiveTariffs(_ context.Context, concept payroll.ConceptCode, scope tariff.Scope) ([]tariff.Tariff, error) {
	return v.m.activeTariffsLocked(concept, scope), nil
}

func (v *tariffTxView) TariffsValidAt(_ context.Context, concept payroll.ConceptCode, scopes []tariff.Scope, at time.Time) ([]tariff.Tariff, error) {
	return v.m.tariffsValidAtLocked(concept, scopes, at), nil
}

func (v *tariffTxView) ListTariffs(_ context.Context, concept payroll.ConceptCode) ([]tariff.Tariff, error) {
	return v.m.listTariffsLocked(concept), nil
}

func (v *tariffTxView) GetTariff(_ context.Context, id tariff.ID) (tariff.Tariff, error) {
	return v.m.getTariffLocked(id)
}

func (v *tariffTxView) InsertTariff(_ context.Context, tf tariff.Tariff) error {
	return v.m.insertTariffLocked(tf)
}

func (v *tariffTxView) DeactivateTariff(_ context.Context, id tariff.ID, at time.Time) error {
	return v.m.deactivateTariffLocked(id, at)
}

func (v *tariffTxView) AppendEvent(_ context.Context, ev tariff.Event) (tariff.Event, error) {
	return v.m.appendEventLocked(ev), nil
}

func (v *tariffTxView) Events(_ context.Context, concept payroll.ConceptCode) ([]tariff.Event, error) {
	return v.m.eventsLocked(concept), nil
}
