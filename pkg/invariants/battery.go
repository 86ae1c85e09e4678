// Package invariants is the ordered predicate battery guarding every batch
// transition. Predicates are pure: they see a snapshot of facts and never
// touch the store. Evaluation order is fixed and the first failure wins.
package invariants

import (
	"github.com/procguard-labs/procguard/pkg/domain"
	"github.com/procguard-labs/procguard/pkg/fsm"
)

// Facts is the snapshot the battery evaluates. ApprovalRequired is resolved
// from the batch's pinned procedure version only, never from client input.
type Facts struct {
	CurrentState      domain.State
	Event             domain.Event
	ActorRole         domain.Role
	BatchVersion      int
	RequestVersion    *int // nil when the request carries no version
	ApprovalRequired  bool
	ApprovalPresent   bool
	AlreadyProgressed bool
}

// TerminalStateMutation: the batch is already in an absorbing state.
func TerminalStateMutation(f Facts) bool {
	return fsm.IsTerminal(f.CurrentState)
}

// InvalidFSMTransition: the (state, event) pair is absent from the table.
func InvalidFSMTransition(f Facts) bool {
	return !fsm.Allowed(f.CurrentState, f.Event)
}

// ProcedureVersionMismatch: the request references a version other than the
// one frozen at batch creation.
func ProcedureVersionMismatch(f Facts) bool {
	return f.RequestVersion != nil && *f.RequestVersion != f.BatchVersion
}

// UnauthorizedApproval: approval attempted by a non-supervisor. This repeats
// the identity check on purpose, so a bypassed authorization layer still
// cannot approve.
func UnauthorizedApproval(f Facts) bool {
	return f.Event == domain.EventApproveStep && f.ActorRole != domain.RoleSupervisor
}

// ApprovalAfterProgress: the step already advanced before approval arrived.
func ApprovalAfterProgress(f Facts) bool {
	return f.Event == domain.EventApproveStep && f.AlreadyProgressed
}

// DuplicateApproval: an approval for (batch, step) already exists.
func DuplicateApproval(f Facts) bool {
	return f.Event == domain.EventApproveStep && f.ApprovalPresent
}

// ProgressWithoutApproval: the pinned procedure requires approval for the
// step and none exists.
func ProgressWithoutApproval(f Facts) bool {
	return f.Event == domain.EventProgressStep && f.ApprovalRequired && !f.ApprovalPresent
}

type check struct {
	rule domain.RuleCode
	fn   func(Facts) bool
}

var battery = []check{
	{domain.RuleTerminalStateMutation, TerminalStateMutation},
	{domain.RuleInvalidFSMTransition, InvalidFSMTransition},
	{domain.RuleProcedureVersionMismatch, ProcedureVersionMismatch},
	{domain.RuleUnauthorizedApproval, UnauthorizedApproval},
	{domain.RuleApprovalAfterProgress, ApprovalAfterProgress},
	{domain.RuleDuplicateApproval, DuplicateApproval},
	{domain.RuleProgressWithoutApproval, ProgressWithoutApproval},
}

// Evaluate runs the battery in its fixed order and returns the first failed
// rule, or ok=true when the transition may proceed.
func Evaluate(f Facts) (rule domain.RuleCode, ok bool) {
	for _, c := range battery {
		if c.fn(f) {
			return c.rule, false
		}
	}
	return "", true
}
