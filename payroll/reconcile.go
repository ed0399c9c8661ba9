/*
reconcile.go - Merge freshly calculated lines with stored lines

PURPOSE:
  Regenerating a draft must never destroy a human's work. Reconcile takes
  what is stored and what was just calculated and decides, concept by
  concept, which values survive.

RULES:
  1. Overridden line + fresh line with same code -> stored values kept verbatim
  2. Calculated line + fresh line with same code -> fresh values, stored ID reused
  3. Fresh line with no stored counterpart       -> new line (empty ID)
  4. Overridden line with no fresh counterpart   -> kept, tagged ManualAddition
  5. Calculated line with no fresh counterpart   -> dropped (stale)

ORDERING:
  Fresh order first, then manual additions in their prior order. Order is
  renumbered from 0 so a second run over the same inputs is byte-identical.

PURITY:
  No I/O, no clock, no IDs. Callers assign IDs to lines that come back
  with an empty ID.

SEE ALSO:
  - engine.go: runs Reconcile inside the store transaction
*/
package payroll

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Reconciliation is the outcome of merging stored and fresh lines.
type Reconciliation struct {
	Lines []Line
	Total decimal.Decimal

	Kept      []ConceptCode // overrides preserved (including manual additions)
	Refreshed []ConceptCode // calculated lines updated from fresh values
	Added     []ConceptCode // codes with no stored line
	Dropped   []ConceptCode // stale calculated lines removed

	// Changed is false when the merged lines equal the stored lines.
	Changed bool
}

// Reconcile merges stored lines with freshly calculated drafts.
func Reconcile(stored []Line, fresh []LineDraft) (Reconciliation, error) {
	seen := make(map[ConceptCode]bool, len(fresh))
	for _, d := range fresh {
		if seen[d.Code] {
			return Reconciliation{}, fmt.Errorf("%w: %s", ErrDuplicateConcept, d.Code)
		}
		seen[d.Code] = true
	}

	overridden := make(map[ConceptCode]Line)
	calculated := make(map[ConceptCode]Line)
	for _, l := range stored {
		if l.Overridden {
			overridden[l.Code] = l
		} else {
			calculated[l.Code] = l
		}
	}

	var res Reconciliation
	res.Lines = make([]Line, 0, len(fresh)+len(overridden))

	for _, d := range fresh {
		if prev, ok := overridden[d.Code]; ok {
			prev.ManualAddition = false
			res.Lines = append(res.Lines, prev)
			res.Kept = append(res.Kept, d.Code)
			continue
		}

		line := Line{
			Code:          d.Code,
			Name:          d.Name,
			Quantity:      d.Quantity,
			Rate:          d.Rate,
			Amount:        d.Amount,
			NotConfigured: d.NotConfigured,
		}
		if prev, ok := calculated[d.Code]; ok {
			line.ID = prev.ID
			line.RecordID = prev.RecordID
			res.Refreshed = append(res.Refreshed, d.Code)
		} else {
			res.Added = append(res.Added, d.Code)
		}
		res.Lines = append(res.Lines, line)
	}

	// Stored order is preserved for lines that only survive as overrides.
	for _, l := range stored {
		if seen[l.Code] {
			continue
		}
		if l.Overridden {
			l.ManualAddition = true
			res.Lines = append(res.Lines, l)
			res.Kept = append(res.Kept, l.Code)
		} else {
			res.Dropped = append(res.Dropped, l.Code)
		}
	}

	res.Total = decimal.Zero
	for i := range res.Lines {
		res.Lines[i].Order = i
		res.Total = res.Total.Add(res.Lines[i].Amount)
	}

	res.Changed = linesDiffer(stored, res.Lines)
	return res, nil
}

func linesDiffer(a, b []Line) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return true
		}
	}
	return false
}
