package tariff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/varpay/payroll"
	"go.uber.org/zap"
)

// =============================================================================
// LEDGER - write path for tariffs
// =============================================================================

// Ledger creates and retires tariffs. Every change is one store transaction
// that updates the current view and appends to the event log.
type Ledger struct {
	store     TxStore
	catalogue payroll.Catalogue
	log       *zap.Logger
	now       func() time.Time
	newID     func() string
}

type LedgerOption func(*Ledger)

func WithLogger(log *zap.Logger) LedgerOption { return func(l *Ledger) { l.log = log } }

func WithClock(now func() time.Time) LedgerOption { return func(l *Ledger) { l.now = now } }

func WithIDs(newID func() string) LedgerOption { return func(l *Ledger) { l.newID = newID } }

func NewLedger(store TxStore, catalogue payroll.Catalogue, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:     store,
		catalogue: catalogue,
		log:       zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateRequest describes a new tariff version. A zero EffectiveFrom means now.
type CreateRequest struct {
	Concept       payroll.ConceptCode
	Scope         Scope
	Value         decimal.Decimal
	EffectiveFrom time.Time
	Actor         string
}

// Create activates a new tariff for (concept, scope), deactivating the
// current one at EffectiveFrom.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (Tariff, error) {
	if err := req.Scope.Validate(); err != nil {
		return Tariff{}, err
	}
	if req.Value.IsNegative() {
		return Tariff{}, fmt.Errorf("%w: %s", ErrInvalidValue, req.Value)
	}
	if err := l.checkConcept(ctx, req.Concept); err != nil {
		return Tariff{}, err
	}
	at := req.EffectiveFrom
	if at.IsZero() {
		at = l.now()
	}
	at = at.UTC()

	created := Tariff{
		ID:          ID(l.newID()),
		Concept:     req.Concept,
		Scope:       req.Scope,
		Value:       req.Value,
		Active:      true,
		ActivatedAt: at,
		CreatedBy:   req.Actor,
	}

	err := l.store.WithTx(ctx, func(tx Store) error {
		active, err := tx.ActiveTariffs(ctx, req.Concept, req.Scope)
		if err != nil {
			return err
		}
		if len(active) > 1 {
			ids := make([]ID, len(active))
			for i, t := range active {
				ids[i] = t.ID
			}
			return &AmbiguousError{Concept: req.Concept, Scope: req.Scope, TariffIDs: ids}
		}
		latest, err := latestBoundary(ctx, tx, req.Concept, req.Scope)
		if err != nil {
			return err
		}
		if !latest.IsZero() && !at.After(latest) {
			return fmt.Errorf("%w: %s <= %s", ErrInvalidEffectiveDate,
				at.Format(time.RFC3339), latest.Format(time.RFC3339))
		}
		if len(active) == 1 {
			prior := active[0]
			if err := tx.DeactivateTariff(ctx, prior.ID, at); err != nil {
				return err
			}
			if _, err := tx.AppendEvent(ctx, Event{
				Type:     EventDeactivated,
				TariffID: prior.ID,
				Concept:  prior.Concept,
				Scope:    prior.Scope,
				Value:    prior.Value,
				At:       at,
				Actor:    req.Actor,
			}); err != nil {
				return err
			}
		}

		if err := tx.InsertTariff(ctx, created); err != nil {
			return err
		}
		_, err = tx.AppendEvent(ctx, Event{
			Type:     EventCreated,
			TariffID: created.ID,
			Concept:  created.Concept,
			Scope:    created.Scope,
			Value:    created.Value,
			At:       at,
			Actor:    req.Actor,
		})
		return err
	})
	if err != nil {
		return Tariff{}, err
	}

	l.log.Info("tariff created",
		zap.String("tariff_id", string(created.ID)),
		zap.String("concept", string(created.Concept)),
		zap.String("scope", created.Scope.Key()),
		zap.String("value", created.Value.String()),
		zap.Time("effective_from", at),
		zap.String("actor", req.Actor),
	)
	return created, nil
}

// latestBoundary is the last activation or deactivation instant among all
// versions of (concept, scope). A new version must start after it so that
// validity windows never overlap.
func latestBoundary(ctx context.Context, s Store, concept payroll.ConceptCode, scope Scope) (time.Time, error) {
	versions, err := s.ListTariffs(ctx, concept)
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, t := range versions {
		if t.Scope.Key() != scope.Key() {
			continue
		}
		if t.ActivatedAt.After(latest) {
			latest = t.ActivatedAt
		}
		if t.DeactivatedAt != nil && t.DeactivatedAt.After(latest) {
			latest = *t.DeactivatedAt
		}
	}
	return latest, nil
}

// Deactivate retires a tariff with no replacement. A zero at means now.
func (l *Ledger) Deactivate(ctx context.Context, id ID, at time.Time, actor string) (Tariff, error) {
	if at.IsZero() {
		at = l.now()
	}
	at = at.UTC()

	var out Tariff
	err := l.store.WithTx(ctx, func(tx Store) error {
		t, err := tx.GetTariff(ctx, id)
		if err != nil {
			return err
		}
		if !t.Active {
			return fmt.Errorf("%w: %s", ErrTariffInactive, id)
		}
		if !at.After(t.ActivatedAt) {
			return fmt.Errorf("%w: %s <= %s", ErrInvalidEffectiveDate,
				at.Format(time.RFC3339), t.ActivatedAt.Format(time.RFC3339))
		}
		if err := tx.DeactivateTariff(ctx, id, at); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, Event{
			Type:     EventDeactivated,
			TariffID: t.ID,
			Concept:  t.Concept,
			Scope:    t.Scope,
			Value:    t.Value,
			At:       at,
			Actor:    actor,
		}); err != nil {
			return err
		}
		t.Active = false
		t.DeactivatedAt = &at
		out = t
		return nil
	})
	if err != nil {
		return Tariff{}, err
	}

	l.log.Info("tariff deactivated",
		zap.String("tariff_id", string(id)),
		zap.String("concept", string(out.Concept)),
		zap.String("scope", out.Scope.Key()),
		zap.Time("at", at),
		zap.String("actor", actor),
	)
	return out, nil
}

// History lists every version of a concept (all concepts if empty).
func (l *Ledger) History(ctx context.Context, concept payroll.ConceptCode) ([]Tariff, error) {
	return l.store.ListTariffs(ctx, concept)
}

// Events lists the append-only log of a concept (all concepts if empty).
func (l *Ledger) Events(ctx context.Context, concept payroll.ConceptCode) ([]Event, error) {
	return l.store.Events(ctx, concept)
}

func (l *Ledger) checkConcept(ctx context.Context, code payroll.ConceptCode) error {
	if l.catalogue == nil {
		return nil
	}
	concepts, err := l.catalogue.ListConcepts(ctx)
	if err != nil {
		return fmt.Errorf("load catalogue: %w", err)
	}
	for _, c := range concepts {
		if c.Code == code && c.Active {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownConcept, code)
}
