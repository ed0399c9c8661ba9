/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Draft generation, overrides and closing through the router
- Error status mapping (400, 404, 409)
- Tariff administration and resolution preview
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

var testNow = time.Date(2025, time.July, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	handler *Handler
	router  http.Handler
	store   *sqlite.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tariffs := store.Tariffs()
	engine := payroll.NewEngine(payroll.EngineConfig{
		Store:      store,
		Directory:  store,
		Facts:      store,
		Catalogue:  store,
		Calculator: trucking.NewCalculator(store, tariff.NewResolver(tariffs)),
		Clock:      func() time.Time { return testNow },
		Workers:    2,
	})
	ledger := tariff.NewLedger(tariffs, store, tariff.WithClock(func() time.Time { return testNow }))

	h := NewHandler(store, tariffs, engine, ledger, nil)
	h.now = func() time.Time { return testNow }
	return &testServer{handler: h, router: NewRouter(h, RouterOptions{}), store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) loadScenario(t *testing.T, id string) LoadScenarioResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[LoadScenarioResponse](t, rec)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func lineByCode(t *testing.T, rec RecordDTO, code string) LineDTO {
	t.Helper()
	for _, l := range rec.Lines {
		if l.Code == code {
			return l
		}
	}
	t.Fatalf("line %s not found in record %s", code, rec.ID)
	return LineDTO{}
}

// =============================================================================
// RECORD LIFECYCLE TESTS
// =============================================================================

func TestHandlers_GetEmployeeRecord(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "worked-example")

	rec := ts.do(t, http.MethodGet, "/api/employees/emp-1/records/2025/6", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decode[RecordDTO](t, rec)
	assert.Equal(t, "2025-06", dto.Period)
	assert.Equal(t, "DRAFT", dto.Status)
	assert.Equal(t, "147.50", dto.Total)
	assert.Equal(t, "60.00", lineByCode(t, dto, "KM").Amount)

	rec = ts.do(t, http.MethodGet, "/api/employees/emp-1/records/2025/5", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_OverrideSurvivesRegeneration(t *testing.T) {
	// GIVEN: The worked example draft
	// WHEN: Overriding UNLOADS to 90 and regenerating
	// THEN: The override is kept and the total is 157.50

	ts := newTestServer(t)
	ts.loadScenario(t, "worked-example")
	record := decode[RecordDTO](t, ts.do(t, http.MethodGet, "/api/employees/emp-1/records/2025/6", nil))
	unloads := lineByCode(t, record, "UNLOADS")

	rec := ts.do(t, http.MethodPatch, "/api/lines/"+unloads.ID, map[string]any{
		"amount":    "90",
		"note":      "agreed with driver",
		"edited_by": "supervisor",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decode[RecordDTO](t, rec)
	assert.Equal(t, "157.50", edited.Total)
	line := lineByCode(t, edited, "UNLOADS")
	assert.True(t, line.Overridden)
	assert.Equal(t, "supervisor", line.EditedBy)

	rec = ts.do(t, http.MethodPost, "/api/employees/emp-1/records/2025/6/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[GenerateResultDTO](t, rec)
	assert.Equal(t, "unchanged", res.Outcome)
	require.NotNil(t, res.Record)
	assert.Equal(t, "157.50", res.Record.Total)

	rec = ts.do(t, http.MethodPost, "/api/lines/"+unloads.ID+"/revert", RevertLineRequest{EditedBy: "supervisor"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reverted := decode[RecordDTO](t, rec)
	assert.Equal(t, "147.50", reverted.Total)
	assert.False(t, lineByCode(t, reverted, "UNLOADS").Overridden)
}

func TestHandlers_ManualLine(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "worked-example")
	record := decode[RecordDTO](t, ts.do(t, http.MethodGet, "/api/employees/emp-1/records/2025/6", nil))

	rec := ts.do(t, http.MethodPost, "/api/records/"+record.ID+"/lines", map[string]any{
		"code":      "BONUS",
		"name":      "Extra bonus",
		"quantity":  "1",
		"rate":      "25",
		"edited_by": "supervisor",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dto := decode[RecordDTO](t, rec)
	assert.Equal(t, "172.50", dto.Total)
	assert.True(t, lineByCode(t, dto, "BONUS").ManualAddition)

	rec = ts.do(t, http.MethodPost, "/api/records/"+record.ID+"/lines", map[string]any{
		"code":      "KM",
		"quantity":  "1",
		"rate":      "1",
		"edited_by": "supervisor",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_CloseLocksRecord(t *testing.T) {
	// GIVEN: A closed record
	// WHEN: Editing, regenerating or closing it again
	// THEN: Every write is rejected with 409

	ts := newTestServer(t)
	ts.loadScenario(t, "worked-example")
	record := decode[RecordDTO](t, ts.do(t, http.MethodGet, "/api/employees/emp-1/records/2025/6", nil))

	rec := ts.do(t, http.MethodPost, "/api/records/"+record.ID+"/close", CloseRequest{ClosedBy: "payroll"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[RecordDTO](t, rec)
	assert.Equal(t, "CLOSED", closed.Status)
	assert.Equal(t, "payroll", closed.ClosedBy)
	require.NotNil(t, closed.ClosedAt)

	km := lineByCode(t, closed, "KM")
	rec = ts.do(t, http.MethodPatch, "/api/lines/"+km.ID, map[string]any{"amount": "1", "edited_by": "x"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/records/"+record.ID+"/close", CloseRequest{ClosedBy: "payroll"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/employees/emp-1/records/2025/6/generate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/periods/2025/6/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[BatchReportDTO](t, rec)
	assert.Equal(t, 1, report.Counts["skipped_closed"])
}

func TestHandlers_ClosePeriod(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "tariff-change")

	rec := ts.do(t, http.MethodPost, "/api/periods/2025/6/close", CloseRequest{ClosedBy: "payroll"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	results := decode[[]CloseResultDTO](t, rec)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Closed, r.EmployeeID)
	}

	records := decode[[]RecordDTO](t, ts.do(t, http.MethodGet, "/api/periods/2025/6/records", nil))
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, "CLOSED", r.Status)
	}
}

// =============================================================================
// VALIDATION & ERROR MAPPING TESTS
// =============================================================================

func TestHandlers_Validation(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "worked-example")
	record := decode[RecordDTO](t, ts.do(t, http.MethodGet, "/api/employees/emp-1/records/2025/6", nil))
	km := lineByCode(t, record, "KM")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"edit without editor", http.MethodPatch, "/api/lines/" + km.ID, map[string]any{"amount": "1"}, http.StatusBadRequest},
		{"empty edit", http.MethodPatch, "/api/lines/" + km.ID, map[string]any{"edited_by": "x"}, http.StatusBadRequest},
		{"revert not overridden", http.MethodPost, "/api/lines/" + km.ID + "/revert", RevertLineRequest{EditedBy: "x"}, http.StatusBadRequest},
		{"unknown line", http.MethodPatch, "/api/lines/nope", map[string]any{"amount": "1", "edited_by": "x"}, http.StatusNotFound},
		{"close without closer", http.MethodPost, "/api/records/" + record.ID + "/close", map[string]any{}, http.StatusBadRequest},
		{"unknown record", http.MethodPost, "/api/records/nope/close", CloseRequest{ClosedBy: "x"}, http.StatusNotFound},
		{"month out of range", http.MethodPost, "/api/periods/2025/13/generate", nil, http.StatusBadRequest},
		{"month not a number", http.MethodGet, "/api/periods/2025/june/records", nil, http.StatusBadRequest},
		{"unknown employee", http.MethodPost, "/api/employees/ghost/records/2025/6/generate", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			if rec.Code >= 400 {
				assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
			}
		})
	}
}

func TestHandlers_MalformedBody(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/tariffs", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decode[ErrorResponse](t, rec).Error)
}

// =============================================================================
// TARIFF TESTS
// =============================================================================

func TestHandlers_TariffAdministration(t *testing.T) {
	// GIVEN: The worked example tariffs
	// WHEN: Adding a role tariff for drivers and previewing the resolution
	// THEN: The role tariff wins over the global one from its effective date

	ts := newTestServer(t)
	ts.loadScenario(t, "worked-example")

	rec := ts.do(t, http.MethodPost, "/api/tariffs", CreateTariffRequest{
		Concept:       "km",
		Scope:         "role",
		ScopeID:       "CONDUCTOR",
		Value:         dec("0.07"),
		EffectiveFrom: "2025-06-01",
		Actor:         "admin",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[TariffDTO](t, rec)
	assert.Equal(t, "KM", created.Concept)
	assert.True(t, created.Active)

	res := decode[ResolutionDTO](t, ts.do(t, http.MethodGet, "/api/tariffs/resolve?concept=KM&employee_id=emp-1&period=2025-06", nil))
	assert.True(t, res.Found)
	assert.Equal(t, "0.07", res.Value)
	assert.Equal(t, "role:CONDUCTOR", res.Scope)

	res = decode[ResolutionDTO](t, ts.do(t, http.MethodGet, "/api/tariffs/resolve?concept=KM&employee_id=emp-1&period=2025-05", nil))
	assert.Equal(t, "0.05", res.Value)
	assert.Equal(t, "global", res.Scope)

	rec = ts.do(t, http.MethodPost, "/api/periods/2025/6/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[BatchReportDTO](t, rec)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "updated", report.Results[0].Outcome)
	assert.Equal(t, "171.50", report.Results[0].Record.Total)

	rec = ts.do(t, http.MethodPost, "/api/tariffs/"+created.ID+"/deactivate", DeactivateTariffRequest{At: "2025-06-20", Actor: "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[TariffDTO](t, rec).Active)

	rec = ts.do(t, http.MethodPost, "/api/tariffs/"+created.ID+"/deactivate", DeactivateTariffRequest{Actor: "admin"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	events := decode[[]TariffEventDTO](t, ts.do(t, http.MethodGet, "/api/tariffs/events?concept=KM", nil))
	require.Len(t, events, 3)
	assert.Equal(t, "role:CONDUCTOR", events[2].Scope)

	history := decode[[]TariffDTO](t, ts.do(t, http.MethodGet, "/api/tariffs?concept=KM", nil))
	assert.Len(t, history, 2)
}

func TestHandlers_TariffErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "worked-example")

	cases := []struct {
		name string
		req  CreateTariffRequest
		want int
	}{
		{"unknown concept", CreateTariffRequest{Concept: "NOPE", Scope: "global", Value: dec("1"), Actor: "a"}, http.StatusBadRequest},
		{"unknown scope", CreateTariffRequest{Concept: "KM", Scope: "team", Value: dec("1"), Actor: "a"}, http.StatusBadRequest},
		{"role without id", CreateTariffRequest{Concept: "KM", Scope: "role", Value: dec("1"), Actor: "a"}, http.StatusBadRequest},
		{"negative value", CreateTariffRequest{Concept: "KM", Scope: "global", Value: dec("-1"), Actor: "a"}, http.StatusBadRequest},
		{"not after current", CreateTariffRequest{Concept: "KM", Scope: "global", Value: dec("1"), EffectiveFrom: "2024-12-31", Actor: "a"}, http.StatusBadRequest},
		{"bad date", CreateTariffRequest{Concept: "KM", Scope: "global", Value: dec("1"), EffectiveFrom: "yesterday", Actor: "a"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/tariffs", tc.req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	rec := ts.do(t, http.MethodPost, "/api/tariffs/nope/deactivate", DeactivateTariffRequest{Actor: "a"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/tariffs/resolve?employee_id=emp-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	res := decode[ResolutionDTO](t, ts.do(t, http.MethodGet, "/api/tariffs/resolve?concept=DIET&employee_id=emp-1", nil))
	assert.False(t, res.Found)
}

// =============================================================================
// REFERENCE TESTS
// =============================================================================

func TestHandlers_ConceptsAndHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "worked-example")

	concepts := decode[[]ConceptDTO](t, ts.do(t, http.MethodGet, "/api/concepts", nil))
	assert.Len(t, concepts, len(trucking.DefaultCatalogue()))

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestHandlers_CORSPreflight(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	h := NewHandler(store, store.Tariffs(), nil, tariff.NewLedger(store.Tariffs(), store), nil)
	router := NewRouter(h, RouterOptions{AllowedOrigins: []string{"https://backoffice.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/lines/l-1", nil)
	req.Header.Set("Origin", "https://backoffice.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://backoffice.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch)
}

func TestHandlers_StoreResetKeepsHandlerUsable(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "tariff-change")
	require.NoError(t, ts.store.Reset(context.Background(), false))

	records := decode[[]RecordDTO](t, ts.do(t, http.MethodGet, "/api/periods/2025/6/records", nil))
	assert.Empty(t, records)

	report := decode[BatchReportDTO](t, ts.do(t, http.MethodPost, "/api/periods/2025/6/generate", nil))
	assert.Equal(t, 3, report.Counts["created"])
}
