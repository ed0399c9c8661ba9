package tariff

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/varpay/payroll"
)

// Resolution is the applicable tariff for a concept. Found == false means
// the concept is not configured for this employee, which is not an error.
type Resolution struct {
	Found    bool
	Value    decimal.Decimal
	Scope    Scope
	TariffID ID
}

// Resolver picks the applicable tariff: employee > role > global.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the most specific tariff valid at asOf. An empty role
// skips the role scope. Two candidates in the same scope are an
// AmbiguousError.
func (r *Resolver) Resolve(ctx context.Context, concept payroll.ConceptCode, employeeID payroll.EmployeeID, role payroll.RoleID, asOf time.Time) (Resolution, error) {
	scopes := make([]Scope, 0, 3)
	if employeeID != "" {
		scopes = append(scopes, ForEmployee(employeeID))
	}
	if role != "" {
		scopes = append(scopes, ForRole(role))
	}
	scopes = append(scopes, Global())

	candidates, err := r.store.TariffsValidAt(ctx, concept, scopes, asOf)
	if err != nil {
		return Resolution{}, fmt.Errorf("load tariffs for %s: %w", concept, err)
	}

	byScope := make(map[string][]Tariff, len(scopes))
	for _, t := range candidates {
		byScope[t.Scope.Key()] = append(byScope[t.Scope.Key()], t)
	}

	for _, s := range scopes {
		found := byScope[s.Key()]
		switch len(found) {
		case 0:
			continue
		case 1:
			return Resolution{Found: true, Value: found[0].Value, Scope: s, TariffID: found[0].ID}, nil
		default:
			ids := make([]ID, len(found))
			for i, t := range found {
				ids[i] = t.ID
			}
			return Resolution{}, &AmbiguousError{Concept: concept, Scope: s, TariffIDs: ids}
		}
	}
	return Resolution{}, nil
}
