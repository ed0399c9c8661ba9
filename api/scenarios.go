/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with employees,
	tariffs and operational facts, then generate the drafts of the
	scenario's period.

AVAILABLE SCENARIOS:

	worked-example:  One driver, three global tariffs (total 147.50)
	tariff-change:   KM tariff replaced mid-year, role and employee overrides
	absences:        Approved and pending absences deducted from a driver

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Parse the scenario seed via factory.SeedFactory
 3. Apply it: catalogue, employees, tariffs (through the ledger), facts
 4. Generate the drafts of the scenario period

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "worked-example"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description, period
 2. Add its seed JSON to 'scenarioSeeds'

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - factory/seed.go: Seed JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/varpay/payroll"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "worked-example",
		Name:        "Worked Example",
		Description: "One driver with 1200 km, 40 unloads and 5 trips at global tariffs",
		Period:      "2025-06",
	},
	{
		ID:          "tariff-change",
		Name:        "Tariff Change",
		Description: "KM tariff replaced mid-year plus role and employee overrides",
		Period:      "2025-06",
	},
	{
		ID:          "absences",
		Name:        "Absences",
		Description: "Approved absence and vacation deductions, pending ones ignored",
		Period:      "2025-06",
	},
}

var scenarioSeeds = map[string]string{
	"worked-example": `{
  "employees": [
    {"id": "emp-1", "name": "Ana Ruiz", "role": "CONDUCTOR"}
  ],
  "tariffs": [
    {"concept": "KM", "scope": "global", "value": "0.05", "effective_from": "2025-01-01"},
    {"concept": "UNLOADS", "scope": "global", "value": "2.00", "effective_from": "2025-01-01"},
    {"concept": "TRIPS", "scope": "global", "value": "1.50", "effective_from": "2025-01-01"}
  ],
  "work_days": [
    {"employee_id": "emp-1", "date": "2025-06-10", "km": "1200", "unloads": 40, "trips": 5}
  ]
}`,
	"tariff-change": `{
  "employees": [
    {"id": "emp-1", "name": "Ana Ruiz", "role": "CONDUCTOR"},
    {"id": "emp-2", "name": "Marco Gil", "role": "CONDUCTOR"},
    {"id": "emp-3", "name": "Lucia Paz", "role": "OFFICE"}
  ],
  "tariffs": [
    {"concept": "KM", "scope": "global", "value": "0.05", "effective_from": "2025-01-01"},
    {"concept": "KM", "scope": "global", "value": "0.06", "effective_from": "2025-06-01"},
    {"concept": "UNLOADS", "scope": "global", "value": "2.00", "effective_from": "2025-01-01"},
    {"concept": "UNLOADS", "scope": "role", "scope_id": "CONDUCTOR", "value": "2.50", "effective_from": "2025-03-01"},
    {"concept": "TRIPS", "scope": "global", "value": "1.50", "effective_from": "2025-01-01"},
    {"concept": "TRIPS", "scope": "employee", "scope_id": "emp-2", "value": "3.00", "effective_from": "2025-05-01"}
  ],
  "work_days": [
    {"employee_id": "emp-1", "date": "2025-06-10", "km": "1200", "unloads": 40, "trips": 5},
    {"employee_id": "emp-2", "date": "2025-06-11", "km": "800", "unloads": 10, "trips": 4},
    {"employee_id": "emp-3", "date": "2025-06-12", "hours": "8"}
  ]
}`,
	"absences": `{
  "employees": [
    {"id": "emp-1", "name": "Ana Ruiz", "role": "CONDUCTOR"}
  ],
  "tariffs": [
    {"concept": "KM", "scope": "global", "value": "0.05", "effective_from": "2025-01-01"},
    {"concept": "ABSENCE_DEDUCTION", "scope": "global", "value": "20.00", "effective_from": "2025-01-01"},
    {"concept": "VACATION_DEDUCTION", "scope": "global", "value": "5.00", "effective_from": "2025-01-01"}
  ],
  "work_days": [
    {"employee_id": "emp-1", "date": "2025-06-02", "km": "2000"}
  ],
  "absences": [
    {"employee_id": "emp-1", "kind": "ABSENCE", "start": "2025-06-09", "end": "2025-06-10", "approved": true},
    {"employee_id": "emp-1", "kind": "VACATION", "start": "2025-06-28", "end": "2025-07-04", "approved": true},
    {"employee_id": "emp-1", "kind": "ABSENCE", "start": "2025-06-16", "end": "2025-06-16", "approved": false}
  ]
}`,
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the store, loads a scenario and generates its period.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	scenario, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	report, err := h.loadScenario(r.Context(), scenario)
	if err != nil {
		h.log.Error("scenario load failed", zap.String("scenario", scenario.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	dto := toBatchReportDTO(report)
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Scenario: scenario, Report: &dto})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

func (h *Handler) loadScenario(ctx context.Context, scenario ScenarioDTO) (payroll.BatchReport, error) {
	seed, ok := scenarioSeeds[scenario.ID]
	if !ok {
		return payroll.BatchReport{}, fmt.Errorf("scenario %q has no seed", scenario.ID)
	}
	sj, err := h.Seeds.Parse([]byte(seed))
	if err != nil {
		return payroll.BatchReport{}, err
	}
	period, err := payroll.ParsePeriod(scenario.Period)
	if err != nil {
		return payroll.BatchReport{}, err
	}

	if err := h.Store.Reset(ctx, true); err != nil {
		return payroll.BatchReport{}, fmt.Errorf("reset store: %w", err)
	}
	sum, err := h.Seeds.Apply(ctx, h.Store, h.Ledger, sj)
	if err != nil {
		return payroll.BatchReport{}, fmt.Errorf("apply seed: %w", err)
	}
	h.log.Info("scenario loaded",
		zap.String("scenario", scenario.ID),
		zap.Int("employees", sum.Employees),
		zap.Int("tariffs", sum.Tariffs),
		zap.Int("work_days", sum.WorkDays),
	)

	return h.Engine.GeneratePeriod(ctx, period.Year, period.Month)
}
