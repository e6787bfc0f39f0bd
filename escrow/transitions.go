package escrow

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a state change is not an edge of the
// lifecycle graph.
var ErrInvalidTransition = errors.New("escrow: invalid on-chain state transition")

// transitions enumerates every permitted edge. StateNone -> FundsLocked is the
// initial funding observation; the edges leaving RefundRequested and Disputed
// towards FundsLocked/ResultSubmitted are the refund cancellation path and the
// only backward moves in the graph.
var transitions = map[OnChainState][]OnChainState{
	StateNone:            {StateFundsLocked},
	StateFundsLocked:     {StateResultSubmitted, StateRefundRequested},
	StateResultSubmitted: {StateWithdrawn, StateRefundRequested},
	StateRefundRequested: {StateRefundWithdrawn, StateDisputed, StateFundsLocked, StateResultSubmitted},
	StateDisputed:        {StateFundsLocked, StateResultSubmitted},
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to OnChainState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with context when the
// edge is not permitted.
func CheckTransition(from, to OnChainState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// Reachable reports whether to can be reached from from through one or more
// permitted edges. Observers that see the chain only at intervals may miss
// intermediate states.
func Reachable(from, to OnChainState) bool {
	seen := map[OnChainState]bool{from: true}
	queue := []OnChainState{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// IsCancellation reports whether the edge is the refund cancellation path.
func IsCancellation(from, to OnChainState) bool {
	if from != StateRefundRequested && from != StateDisputed {
		return false
	}
	return to == StateFundsLocked || to == StateResultSubmitted
}

// CancelledState is the state a request returns to when its refund request is
// withdrawn: ResultSubmitted when the seller already delivered, FundsLocked
// otherwise.
func CancelledState(resultHash string) OnChainState {
	if resultHash != "" {
		return StateResultSubmitted
	}
	return StateFundsLocked
}
