package tariff

import (
	"context"
	"time"

	"github.com/warp/varpay/payroll"
)

// Store persists tariffs and their event log. The tariffs table is the
// current view; Events is the history.
type Store interface {
	// ActiveTariffs returns the tariffs currently flagged active for a
	// concept and scope. More than one is a broken invariant.
	ActiveTariffs(ctx context.Context, concept payroll.ConceptCode, scope Scope) ([]Tariff, error)

	// TariffsValidAt returns tariffs of the concept in any of the scopes
	// that are valid at the instant.
	TariffsValidAt(ctx context.Context, concept payroll.ConceptCode, scopes []Scope, at time.Time) ([]Tariff, error)

	// ListTariffs returns every version of a concept (all concepts if empty),
	// ordered by concept, scope and activation.
	ListTariffs(ctx context.Context, concept payroll.ConceptCode) ([]Tariff, error)

	GetTariff(ctx context.Context, id ID) (Tariff, error)
	InsertTariff(ctx context.Context, t Tariff) error

	// DeactivateTariff sets DeactivatedAt and clears Active.
	DeactivateTariff(ctx context.Context, id ID, at time.Time) error

	// AppendEvent stores the event and returns it with Seq assigned.
	AppendEvent(ctx context.Context, ev Event) (Event, error)

	// Events returns the log of a concept (all concepts if empty) by Seq.
	Events(ctx context.Context, concept payroll.ConceptCode) ([]Event, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
