package payment

import "fmt"

// AutomationState is the fine-grained position of a payment in the
// automation pipeline.
type AutomationState string

const (
	StateCreated            AutomationState = "created"
	StateDepositDetected    AutomationState = "deposit_detected"
	StateWithdrawalPending  AutomationState = "withdrawal_pending"
	StateWithdrawalComplete AutomationState = "withdrawal_complete"
	StateEscrowPending      AutomationState = "escrow_pending"
	StateEscrowComplete     AutomationState = "escrow_complete"
	StateExecuting          AutomationState = "executing"
	StateReleased           AutomationState = "released"
	StateRefunded           AutomationState = "refunded"
	StateFailed             AutomationState = "failed"
)

// pipeline is the forward order of the happy path.
var pipeline = []AutomationState{
	StateCreated,
	StateDepositDetected,
	StateWithdrawalPending,
	StateWithdrawalComplete,
	StateEscrowPending,
	StateEscrowComplete,
	StateExecuting,
	StateReleased,
}

// predecessors lists, for each state, the states it may be entered from.
// Self-transitions record progress inside a state (attempt counters,
// approvals) without moving it. failed is handled separately.
var predecessors = map[AutomationState][]AutomationState{
	StateCreated:            {StateCreated},
	StateDepositDetected:    {StateCreated},
	StateWithdrawalPending:  {StateDepositDetected, StateWithdrawalPending},
	StateWithdrawalComplete: {StateWithdrawalPending},
	StateEscrowPending:      {StateWithdrawalComplete, StateEscrowPending},
	StateEscrowComplete:     {StateEscrowPending, StateEscrowComplete},
	StateExecuting:          {StateEscrowComplete, StateExecuting},
	StateReleased:           {StateExecuting},
	StateRefunded:           {StateEscrowComplete, StateExecuting},
}

// IsTerminal reports whether s has no successors.
func (s AutomationState) IsTerminal() bool {
	return s == StateReleased || s == StateRefunded || s == StateFailed
}

// Rank is s's position on the happy path, or -1 for refunded and failed.
func (s AutomationState) Rank() int {
	for i, st := range pipeline {
		if st == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to AutomationState) bool {
	if to == StateFailed {
		return !from.IsTerminal()
	}
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

func checkTransition(from, to AutomationState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
