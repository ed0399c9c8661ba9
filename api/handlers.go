/*
handlers.go - HTTP API handlers for the variable-pay engine

PURPOSE:
  Exposes generation, overrides, closing and tariff administration via REST.
  Handles HTTP request/response and JSON, and delegates to payroll.Engine
  and tariff.Ledger.

ENDPOINTS:
  Periods:
    POST   /api/periods/{year}/{month}/generate        Generate drafts for everyone
    POST   /api/periods/{year}/{month}/close           Close every draft
    GET    /api/periods/{year}/{month}/records         List records of the period

  Employee records:
    GET    /api/employees/{id}/records/{year}/{month}          Get one record
    POST   /api/employees/{id}/records/{year}/{month}/generate Generate one draft

  Records and lines:
    POST   /api/records/{id}/close     Close a record
    POST   /api/records/{id}/lines     Add a manual line
    PATCH  /api/lines/{id}             Override a line
    POST   /api/lines/{id}/revert      Drop an override

  Tariffs:
    GET    /api/tariffs                 All versions (?concept=)
    POST   /api/tariffs                 New version
    POST   /api/tariffs/{id}/deactivate Retire without replacement
    GET    /api/tariffs/events          Event log (?concept=)
    GET    /api/tariffs/resolve         Preview (?concept=&employee_id=&period=YYYY-MM | &at=)

  Reference:
    GET    /api/concepts
    GET    /healthz

ERROR HANDLING:
  writeEngineError maps domain errors to statuses:
  - 400: validation (empty edit, invalid line, invalid period, bad scope...)
  - 404: record, line, employee or tariff not found
  - 409: record locked, already closed, record exists, tariff inactive
  - 500: configuration errors (ambiguous tariffs) and everything else

SECURITY NOTE:
  No authentication. Actor names (edited_by, closed_by, actor) are taken
  from the request body.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/varpay/factory"
	"github.com/warp/varpay/payroll"
	"github.com/warp/varpay/tariff"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the HTTP layer needs from a storage backend. Both
// store/sqlite and store/postgres satisfy it.
type Store interface {
	payroll.TxStore
	payroll.Directory
	payroll.Catalogue
	factory.Target
	Reset(ctx context.Context, all bool) error
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Store
	Tariffs  tariff.TxStore
	Engine   *payroll.Engine
	Ledger   *tariff.Ledger
	Resolver *tariff.Resolver
	Seeds    *factory.SeedFactory

	log      *zap.Logger
	now      func() time.Time
	validate *validator.Validate
}

// NewHandler creates a handler. A nil logger is replaced by a no-op one.
func NewHandler(store Store, tariffs tariff.TxStore, engine *payroll.Engine, ledger *tariff.Ledger, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:    store,
		Tariffs:  tariffs,
		Engine:   engine,
		Ledger:   ledger,
		Resolver: tariff.NewResolver(tariffs),
		Seeds:    factory.NewSeedFactory(),
		log:      log.Named("api"),
		now:      time.Now,
		validate: newValidator(),
	}
}

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// GeneratePeriod generates drafts for every employee of the directory.
// POST /api/periods/{year}/{month}/generate
func (h *Handler) GeneratePeriod(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	report, err := h.Engine.GeneratePeriod(r.Context(), period.Year, period.Month)
	if err != nil {
		h.log.Error("period generation aborted", zap.String("period", period.String()), zap.Error(err))
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchReportDTO(report))
}

// ClosePeriod closes every DRAFT of a period.
// POST /api/periods/{year}/{month}/close
func (h *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	var req CloseRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	results, err := h.Engine.ClosePeriod(r.Context(), period.Year, period.Month, req.ClosedBy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]CloseResultDTO, len(results))
	for i, res := range results {
		dtos[i] = CloseResultDTO{
			RecordID:   string(res.RecordID),
			EmployeeID: string(res.EmployeeID),
			Closed:     res.Closed,
			Error:      res.Error,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListPeriodRecords returns every record of a period.
// GET /api/periods/{year}/{month}/records
func (h *Handler) ListPeriodRecords(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	records, err := h.Engine.ListRecords(r.Context(), period.Year, period.Month)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]RecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// EMPLOYEE RECORD HANDLERS
// =============================================================================

// GetEmployeeRecord returns the record of one employee for a period.
// GET /api/employees/{id}/records/{year}/{month}
func (h *Handler) GetEmployeeRecord(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	employeeID := payroll.EmployeeID(chi.URLParam(r, "id"))
	rec, err := h.Engine.GetRecord(r.Context(), employeeID, period.Year, period.Month)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// GenerateEmployeeRecord builds or refreshes one employee's draft.
// POST /api/employees/{id}/records/{year}/{month}/generate
func (h *Handler) GenerateEmployeeRecord(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	employeeID := payroll.EmployeeID(chi.URLParam(r, "id"))
	res, err := h.Engine.Generate(r.Context(), employeeID, period)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == payroll.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, toGenerateResultDTO(res))
}

// =============================================================================
// RECORD & LINE HANDLERS
// =============================================================================

// CloseRecord moves a record to CLOSED.
// POST /api/records/{id}/close
func (h *Handler) CloseRecord(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	rec, err := h.Engine.CloseRecord(r.Context(), payroll.RecordID(chi.URLParam(r, "id")), req.ClosedBy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// AddLine adds a manual line to a DRAFT record.
// POST /api/records/{id}/lines
func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	var req AddLineRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	rec, err := h.Engine.AddLine(r.Context(), payroll.RecordID(chi.URLParam(r, "id")), payroll.ManualLine{
		Code:     payroll.ConceptCode(req.Code),
		Name:     req.Name,
		Quantity: req.Quantity,
		Rate:     req.Rate,
		Amount:   req.Amount,
		Note:     req.Note,
	}, req.EditedBy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(rec))
}

// EditLine overrides a line.
// PATCH /api/lines/{id}
func (h *Handler) EditLine(w http.ResponseWriter, r *http.Request) {
	var req EditLineRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	rec, err := h.Engine.EditLine(r.Context(), payroll.LineID(chi.URLParam(r, "id")), payroll.LineEdit{
		Quantity: req.Quantity,
		Rate:     req.Rate,
		Amount:   req.Amount,
		Note:     req.Note,
	}, req.EditedBy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// RevertLine drops an override and recomputes the record.
// POST /api/lines/{id}/revert
func (h *Handler) RevertLine(w http.ResponseWriter, r *http.Request) {
	var req RevertLineRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	rec, err := h.Engine.RevertLine(r.Context(), payroll.LineID(chi.URLParam(r, "id")), req.EditedBy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// =============================================================================
// TARIFF HANDLERS
// =============================================================================

// ListTariffs returns every tariff version.
// GET /api/tariffs?concept=KM
func (h *Handler) ListTariffs(w http.ResponseWriter, r *http.Request) {
	concept := payroll.ConceptCode(strings.ToUpper(r.URL.Query().Get("concept")))
	tariffs, err := h.Ledger.History(r.Context(), concept)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]TariffDTO, len(tariffs))
	for i, t := range tariffs {
		dtos[i] = toTariffDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTariff activates a new tariff version.
// POST /api/tariffs
func (h *Handler) CreateTariff(w http.ResponseWriter, r *http.Request) {
	var req CreateTariffRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	scope, err := tariff.NewScope(req.Scope, req.ScopeID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	var from time.Time
	if req.EffectiveFrom != "" {
		if from, err = parseInstant(req.EffectiveFrom); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_from", err)
			return
		}
	}
	t, err := h.Ledger.Create(r.Context(), tariff.CreateRequest{
		Concept:       payroll.ConceptCode(strings.ToUpper(req.Concept)),
		Scope:         scope,
		Value:         req.Value,
		EffectiveFrom: from,
		Actor:         req.Actor,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTariffDTO(t))
}

// DeactivateTariff retires a tariff without replacement.
// POST /api/tariffs/{id}/deactivate
func (h *Handler) DeactivateTariff(w http.ResponseWriter, r *http.Request) {
	var req DeactivateTariffRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	at := h.now()
	if req.At != "" {
		var err error
		if at, err = parseInstant(req.At); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid at", err)
			return
		}
	}
	t, err := h.Ledger.Deactivate(r.Context(), tariff.ID(chi.URLParam(r, "id")), at, req.Actor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTariffDTO(t))
}

// ListTariffEvents returns the tariff event log.
// GET /api/tariffs/events?concept=KM
func (h *Handler) ListTariffEvents(w http.ResponseWriter, r *http.Request) {
	concept := payroll.ConceptCode(strings.ToUpper(r.URL.Query().Get("concept")))
	events, err := h.Ledger.Events(r.Context(), concept)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]TariffEventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toTariffEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResolveTariff previews which tariff applies to an employee. The instant is
// the end of ?period=YYYY-MM, or ?at=, or now.
// GET /api/tariffs/resolve?concept=KM&employee_id=emp-1&period=2025-06
func (h *Handler) ResolveTariff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	concept := payroll.ConceptCode(strings.ToUpper(q.Get("concept")))
	if concept == "" {
		writeError(w, http.StatusBadRequest, "concept is required", nil)
		return
	}
	asOf := h.now()
	switch {
	case q.Get("period") != "":
		p, err := payroll.ParsePeriod(q.Get("period"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		asOf = p.AsOf()
	case q.Get("at") != "":
		at, err := parseInstant(q.Get("at"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid at", err)
			return
		}
		asOf = at
	}

	employeeID := payroll.EmployeeID(q.Get("employee_id"))
	var role payroll.RoleID
	if employeeID != "" {
		emp, err := h.Store.GetEmployee(r.Context(), employeeID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		role = emp.Role
	}

	res, err := h.Resolver.Resolve(r.Context(), concept, employeeID, role, asOf)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dto := ResolutionDTO{
		Concept:    string(concept),
		EmployeeID: string(employeeID),
		AsOf:       asOf.UTC().Format(time.RFC3339Nano),
		Found:      res.Found,
	}
	if res.Found {
		dto.Value = res.Value.String()
		dto.Scope = res.Scope.Key()
		dto.TariffID = string(res.TariffID)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// REFERENCE HANDLERS
// =============================================================================

// ListConcepts returns the concept catalogue.
// GET /api/concepts
func (h *Handler) ListConcepts(w http.ResponseWriter, r *http.Request) {
	concepts, err := h.Store.ListConcepts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list concepts", err)
		return
	}
	dtos := make([]ConceptDTO, len(concepts))
	for i, c := range concepts {
		dtos[i] = ConceptDTO{Code: string(c.Code), Name: c.Name, Kind: string(c.Kind), Active: c.Active, Order: c.Order}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Healthz reports whether the store is reachable.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeAndValidate decodes the JSON body into dst and validates it. It
// writes the 400 response itself and returns false on failure.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			writeError(w, http.StatusBadRequest, "Validation failed",
				fmt.Errorf("%s failed on the %q rule", e.Field(), e.Tag()))
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func periodParam(r *http.Request) (payroll.Period, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return payroll.Period{}, fmt.Errorf("%w: year %q", payroll.ErrInvalidPeriod, chi.URLParam(r, "year"))
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		return payroll.Period{}, fmt.Errorf("%w: month %q", payroll.ErrInvalidPeriod, chi.URLParam(r, "month"))
	}
	return payroll.NewPeriod(year, time.Month(month))
}

// parseInstant accepts RFC 3339 or a bare date (midnight UTC).
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	return t, nil
}

// writeEngineError maps domain errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case payroll.IsConflict(err), errors.Is(err, tariff.ErrTariffInactive):
		writeError(w, http.StatusConflict, "Conflict", err)
	case payroll.IsNotFound(err), errors.Is(err, tariff.ErrTariffNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case payroll.IsClientError(err), tariff.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, payroll.ErrConfiguration):
		writeError(w, http.StatusInternalServerError, "Configuration error", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
