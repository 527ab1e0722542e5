package orchestrate

import (
	"errors"
	"fmt"
	"strings"

	"caseline/internal/agents"
	"caseline/internal/gates"
	"caseline/internal/phase"
	"caseline/internal/schedule"
)

// Stale-reference failures surfaced to the caller rather than retried.
// Sentinels owned by the component packages are re-exported so callers
// can match everything against this package alone.
var (
	ErrUnknownInvestigation = errors.New("unknown investigation")
	ErrDuplicateID          = errors.New("investigation already exists")
	ErrNoOpTransition       = errors.New("destination equals current phase")

	ErrUnknownAgent    = agents.ErrUnknownAgent
	ErrDuplicateAgent  = agents.ErrDuplicateAgent
	ErrUnknownTask     = schedule.ErrUnknownTask
	ErrUnknownApproval = gates.ErrUnknownApproval
	ErrAlreadyResolved = gates.ErrAlreadyResolved
)

// IllegalTransitionError rejects a destination outside the legal set and
// carries the legal destinations so the caller can correct the target.
type IllegalTransitionError struct {
	From  phase.Phase
	To    phase.Phase
	Legal []phase.Phase
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s (legal: %s)",
		e.From, e.To, strings.Join(phase.Strings(e.Legal), ", "))
}

// ConfirmationRequiredError rejects a regressive transition sent without an
// explicit confirmation token. Retry with Confirm set.
type ConfirmationRequiredError struct {
	From phase.Phase
	To   phase.Phase
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("transition %s -> %s is regressive and requires confirmation", e.From, e.To)
}

// ApprovalPendingError rejects a transition blocked by an unresolved gate.
// The caller waits for, or resolves, ApprovalID and retries.
type ApprovalPendingError struct {
	ApprovalID string
	Action     string
}

func (e *ApprovalPendingError) Error() string {
	return fmt.Sprintf("approval %s pending (%s)", e.ApprovalID, e.Action)
}

// PersistenceError is the only fatal outcome: a computed mutation could not
// be durably saved after bounded retries. In-memory state stays at the last
// saved snapshot.
type PersistenceError struct {
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
