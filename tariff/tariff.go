/*
Package tariff provides versioned, scoped tariffs and their resolution.

PURPOSE:
  A tariff is the rate of one pay concept for one scope (global, a role,
  or a single employee), valid over a time interval. Tariffs are never
  edited in place: a new value deactivates the previous one and both
  transitions are appended to an event log.

KEY CONCEPTS:
  Scope:    tagged variant {Global, Role(id), Employee(id)}
  Tariff:   one version of a rate; valid at t when ActivatedAt <= t < DeactivatedAt
  Event:    append-only history entry (created | deactivated)
  Resolver: precedence employee > role > global at an instant
  Ledger:   the write path that keeps "one active tariff per (concept, scope)"

SEE ALSO:
  - resolver.go: resolution rules
  - ledger.go: creation and deactivation
  - store.go: persistence interface
*/
package tariff

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/varpay/payroll"
)

// =============================================================================
// SCOPE - tagged variant
// =============================================================================

type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopeRole     ScopeKind = "role"
	ScopeEmployee ScopeKind = "employee"
)

// Scope says who a tariff applies to. ID is empty for ScopeGlobal.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func Global() Scope { return Scope{Kind: ScopeGlobal} }

func ForRole(role payroll.RoleID) Scope { return Scope{Kind: ScopeRole, ID: string(role)} }

func ForEmployee(id payroll.EmployeeID) Scope {
	return Scope{Kind: ScopeEmployee, ID: string(id)}
}

// Key is the storage form: "global", "role:<id>", "employee:<id>".
func (s Scope) Key() string {
	if s.Kind == ScopeGlobal {
		return string(ScopeGlobal)
	}
	return string(s.Kind) + ":" + s.ID
}

func (s Scope) String() string { return s.Key() }

// Validate checks that the kind is known and the ID matches the kind.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		if s.ID != "" {
			return fmt.Errorf("%w: global scope takes no id", ErrInvalidScope)
		}
	case ScopeRole, ScopeEmployee:
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: %s scope requires an id", ErrInvalidScope, s.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidScope, s.Kind)
	}
	return nil
}

// NewScope builds and validates a scope from its parts.
func NewScope(kind, id string) (Scope, error) {
	s := Scope{Kind: ScopeKind(strings.ToLower(strings.TrimSpace(kind))), ID: strings.TrimSpace(id)}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// ParseScopeKey is the inverse of Key.
func ParseScopeKey(key string) (Scope, error) {
	if key == string(ScopeGlobal) {
		return Global(), nil
	}
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, key)
	}
	return NewScope(kind, id)
}

// =============================================================================
// TARIFF
// =============================================================================

type ID string

// Tariff is one version of a concept's rate for a scope.
type Tariff struct {
	ID            ID
	Concept       payroll.ConceptCode
	Scope         Scope
	Value         decimal.Decimal
	Active        bool
	ActivatedAt   time.Time
	DeactivatedAt *time.Time
	CreatedBy     string
}

// ValidAt reports ActivatedAt <= t < DeactivatedAt (open-ended when active).
func (t Tariff) ValidAt(at time.Time) bool {
	if at.Before(t.ActivatedAt) {
		return false
	}
	return t.DeactivatedAt == nil || at.Before(*t.DeactivatedAt)
}

// =============================================================================
// EVENT LOG
// =============================================================================

type EventType string

const (
	EventCreated     EventType = "created"
	EventDeactivated EventType = "deactivated"
)

// Event is an append-only history entry. Seq is assigned by the store.
type Event struct {
	Seq      int64
	Type     EventType
	TariffID ID
	Concept  payroll.ConceptCode
	Scope    Scope
	Value    decimal.Decimal
	At       time.Time
	Actor    string
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrTariffNotFound       = errors.New("tariff not found")
	ErrTariffInactive       = errors.New("tariff is not active")
	ErrInvalidEffectiveDate = errors.New("effective date must be after the current tariff's activation")
	ErrInvalidValue         = errors.New("tariff value must not be negative")
	ErrUnknownConcept       = errors.New("unknown or inactive pay concept")
	ErrInvalidScope         = errors.New("invalid tariff scope")
)

// AmbiguousError reports more than one candidate tariff in a single scope.
// It is a configuration error, never arbitrated.
type AmbiguousError struct {
	Concept   payroll.ConceptCode
	Scope     Scope
	TariffIDs []ID
}

func (e *AmbiguousError) Error() string {
	ids := make([]string, len(e.TariffIDs))
	for i, id := range e.TariffIDs {
		ids[i] = string(id)
	}
	return fmt.Sprintf("ambiguous tariffs for %s at scope %s: %s", e.Concept, e.Scope, strings.Join(ids, ", "))
}

func (e *AmbiguousError) Unwrap() error { return payroll.ErrConfiguration }

// IsClientError returns true if the error is caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEffectiveDate) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrUnknownConcept) ||
		errors.Is(err, ErrInvalidScope)
}
