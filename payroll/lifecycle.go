package payroll

import "time"

// =============================================================================
// LIFECYCLE - DRAFT -> CLOSED, no way back
// =============================================================================

// Action is an operation that mutates a record.
type Action string

const (
	ActionGenerate Action = "generate"
	ActionEdit     Action = "edit"
	ActionClose    Action = "close"
)

// Allows reports whether the status accepts the action.
func (s Status) Allows(a Action) bool {
	switch s {
	case StatusDraft:
		return a == ActionGenerate || a == ActionEdit || a == ActionClose
	default:
		return false
	}
}

// Check returns the lifecycle error for running a on the record, if any.
// Stores call it inside their transaction, so the state seen is the state
// at commit.
func (r *Record) Check(a Action) error {
	if r.Status.Allows(a) {
		return nil
	}
	if a == ActionClose && r.Status == StatusClosed {
		return ErrAlreadyClosed
	}
	return &LockedError{RecordID: r.ID, Action: a}
}

// Close moves a DRAFT record to CLOSED and stamps who and when.
func (r *Record) Close(at time.Time, by string) error {
	if err := r.Check(ActionClose); err != nil {
		return err
	}
	at = at.UTC()
	r.Status = StatusClosed
	r.ClosedAt = &at
	r.ClosedBy = by
	r.UpdatedAt = at
	return nil
}
