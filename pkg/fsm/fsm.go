// Package fsm holds the deterministic batch lifecycle state machine.
//
// The transition table is the complete law: any (state, event) pair absent
// from it is an INVALID_FSM_TRANSITION, and terminal states admit no
// outgoing transition at all.
package fsm

import (
	"github.com/procguard-labs/procguard/pkg/domain"
)

type transitionKey struct {
	State domain.State
	Event domain.Event
}

var transitions = map[transitionKey]domain.State{
	{domain.StateCreated, domain.EventStartBatch}:              domain.StateInProgress,
	{domain.StateInProgress, domain.EventRequestApproval}:      domain.StateAwaitingApproval,
	{domain.StateAwaitingApproval, domain.EventApproveStep}:    domain.StateApproved,
	{domain.StateApproved, domain.EventProgressStep}:           domain.StateInProgress,
	{domain.StateInProgress, domain.EventProgressStep}:         domain.StateCompleted,
	{domain.StateCreated, domain.EventRejectBatch}:             domain.StateRejected,
	{domain.StateInProgress, domain.EventRejectBatch}:          domain.StateRejected,
}

// Next returns the target state for (current, event), or false when the pair
// is not in the table.
func Next(current domain.State, event domain.Event) (domain.State, bool) {
	target, ok := transitions[transitionKey{current, event}]
	return target, ok
}

// Allowed reports whether (current, event) is a legal transition.
func Allowed(current domain.State, event domain.Event) bool {
	_, ok := Next(current, event)
	return ok
}

// IsTerminal reports whether state is absorbing.
func IsTerminal(state domain.State) bool {
	return state.IsTerminal()
}
