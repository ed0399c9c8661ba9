/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  domain types in payroll and tariff.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts and totals are rendered with two decimals ("60.00"). Quantities
  and rates are rendered exactly. Request decimals accept a JSON number or
  a string.

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  decodeAndValidate before touching the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/varpay/payroll"
	"github.com/warp/varpay/tariff"
)

// =============================================================================
// RECORDS
// =============================================================================

type LineDTO struct {
	ID             string `json:"id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	Quantity       string `json:"quantity"`
	Rate           string `json:"rate"`
	Amount         string `json:"amount"`
	Overridden     bool   `json:"overridden"`
	ManualAddition bool   `json:"manual_addition"`
	NotConfigured  bool   `json:"not_configured"`
	Note           string `json:"note,omitempty"`
	EditedBy       string `json:"edited_by,omitempty"`
	Order          int    `json:"order"`
}

type RecordDTO struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employee_id"`
	Period     string    `json:"period"`
	Status     string    `json:"status"`
	Total      string    `json:"total"`
	Lines      []LineDTO `json:"lines"`
	CreatedAt  string    `json:"created_at"`
	UpdatedAt  string    `json:"updated_at"`
	ClosedAt   *string   `json:"closed_at,omitempty"`
	ClosedBy   string    `json:"closed_by,omitempty"`
}

type GenerateResultDTO struct {
	EmployeeID string     `json:"employee_id"`
	Outcome    string     `json:"outcome"`
	Record     *RecordDTO `json:"record,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type BatchReportDTO struct {
	Period  string              `json:"period"`
	Results []GenerateResultDTO `json:"results"`
	Counts  map[string]int      `json:"counts"`
}

type CloseResultDTO struct {
	RecordID   string `json:"record_id"`
	EmployeeID string `json:"employee_id"`
	Closed     bool   `json:"closed"`
	Error      string `json:"error,omitempty"`
}

// EditLineRequest overrides a line. Omitted fields are unchanged.
type EditLineRequest struct {
	Quantity *decimal.Decimal `json:"quantity"`
	Rate     *decimal.Decimal `json:"rate"`
	Amount   *decimal.Decimal `json:"amount"`
	Note     *string          `json:"note" validate:"omitempty,max=500"`
	EditedBy string           `json:"edited_by" validate:"required"`
}

type AddLineRequest struct {
	Code     string           `json:"code" validate:"required,max=40"`
	Name     string           `json:"name" validate:"max=120"`
	Quantity decimal.Decimal  `json:"quantity"`
	Rate     decimal.Decimal  `json:"rate"`
	Amount   *decimal.Decimal `json:"amount"`
	Note     string           `json:"note" validate:"max=500"`
	EditedBy string           `json:"edited_by" validate:"required"`
}

type RevertLineRequest struct {
	EditedBy string `json:"edited_by" validate:"required"`
}

type CloseRequest struct {
	ClosedBy string `json:"closed_by" validate:"required"`
}

// =============================================================================
// CATALOGUE & TARIFFS
// =============================================================================

type ConceptDTO struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Active bool   `json:"active"`
	Order  int    `json:"order"`
}

type TariffDTO struct {
	ID            string  `json:"id"`
	Concept       string  `json:"concept"`
	Scope         string  `json:"scope"`
	ScopeID       string  `json:"scope_id,omitempty"`
	Value         string  `json:"value"`
	Active        bool    `json:"active"`
	ActivatedAt   string  `json:"activated_at"`
	DeactivatedAt *string `json:"deactivated_at,omitempty"`
	CreatedBy     string  `json:"created_by,omitempty"`
}

type TariffEventDTO struct {
	Seq      int64  `json:"seq"`
	Type     string `json:"type"`
	TariffID string `json:"tariff_id"`
	Concept  string `json:"concept"`
	Scope    string `json:"scope"`
	Value    string `json:"value"`
	At       string `json:"at"`
	Actor    string `json:"actor,omitempty"`
}

type ResolutionDTO struct {
	Concept    string `json:"concept"`
	EmployeeID string `json:"employee_id"`
	AsOf       string `json:"as_of"`
	Found      bool   `json:"found"`
	Value      string `json:"value,omitempty"`
	Scope      string `json:"scope,omitempty"`
	TariffID   string `json:"tariff_id,omitempty"`
}

// CreateTariffRequest creates a new tariff version. EffectiveFrom is
// RFC 3339 or YYYY-MM-DD; empty means now.
type CreateTariffRequest struct {
	Concept       string          `json:"concept" validate:"required"`
	Scope         string          `json:"scope" validate:"required,oneof=global role employee"`
	ScopeID       string          `json:"scope_id" validate:"required_unless=Scope global"`
	Value         decimal.Decimal `json:"value"`
	EffectiveFrom string          `json:"effective_from"`
	Actor         string          `json:"actor" validate:"required"`
}

type DeactivateTariffRequest struct {
	At    string `json:"at"`
	Actor string `json:"actor" validate:"required"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Period      string `json:"period"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type LoadScenarioResponse struct {
	Scenario ScenarioDTO     `json:"scenario"`
	Report   *BatchReportDTO `json:"report,omitempty"`
}

// ErrorResponse is the error body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toLineDTO(l payroll.Line) LineDTO {
	return LineDTO{
		ID:             string(l.ID),
		Code:           string(l.Code),
		Name:           l.Name,
		Quantity:       l.Quantity.String(),
		Rate:           l.Rate.String(),
		Amount:         l.Amount.StringFixed(2),
		Overridden:     l.Overridden,
		ManualAddition: l.ManualAddition,
		NotConfigured:  l.NotConfigured,
		Note:           l.Note,
		EditedBy:       l.EditedBy,
		Order:          l.Order,
	}
}

func toRecordDTO(r payroll.Record) RecordDTO {
	lines := make([]LineDTO, len(r.Lines))
	for i, l := range r.Lines {
		lines[i] = toLineDTO(l)
	}
	return RecordDTO{
		ID:         string(r.ID),
		EmployeeID: string(r.EmployeeID),
		Period:     r.Period.String(),
		Status:     string(r.Status),
		Total:      r.Total.StringFixed(2),
		Lines:      lines,
		CreatedAt:  formatTime(r.CreatedAt),
		UpdatedAt:  formatTime(r.UpdatedAt),
		ClosedAt:   formatTimePtr(r.ClosedAt),
		ClosedBy:   r.ClosedBy,
	}
}

func toGenerateResultDTO(res payroll.GenerateResult) GenerateResultDTO {
	dto := GenerateResultDTO{
		EmployeeID: string(res.EmployeeID),
		Outcome:    string(res.Outcome),
		Error:      res.Error,
	}
	if res.Record != nil {
		rec := toRecordDTO(*res.Record)
		dto.Record = &rec
	}
	return dto
}

func toBatchReportDTO(rep payroll.BatchReport) BatchReportDTO {
	dto := BatchReportDTO{
		Period:  rep.Period.String(),
		Results: make([]GenerateResultDTO, len(rep.Results)),
		Counts:  make(map[string]int, len(rep.Counts)),
	}
	for i, res := range rep.Results {
		dto.Results[i] = toGenerateResultDTO(res)
	}
	for outcome, n := range rep.Counts {
		dto.Counts[string(outcome)] = n
	}
	return dto
}

func toTariffDTO(t tariff.Tariff) TariffDTO {
	return TariffDTO{
		ID:            string(t.ID),
		Concept:       string(t.Concept),
		Scope:         string(t.Scope.Kind),
		ScopeID:       t.Scope.ID,
		Value:         t.Value.String(),
		Active:        t.Active,
		ActivatedAt:   formatTime(t.ActivatedAt),
		DeactivatedAt: formatTimePtr(t.DeactivatedAt),
		CreatedBy:     t.CreatedBy,
	}
}

func toTariffEventDTO(ev tariff.Event) TariffEventDTO {
	return TariffEventDTO{
		Seq:      ev.Seq,
		Type:     string(ev.Type),
		TariffID: string(ev.TariffID),
		Concept:  string(ev.Concept),
		Scope:    ev.Scope.Key(),
		Value:    ev.Value.String(),
		At:       formatTime(ev.At),
		Actor:    ev.Actor,
	}
}
