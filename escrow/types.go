package escrow

import (
	"fmt"
	"strings"
)

// RequestKind distinguishes the buyer-side purchase record from the
// seller-side payment record. Both share one lifecycle model.
type RequestKind string

const (
	KindPurchase RequestKind = "Purchase"
	KindPayment  RequestKind = "Payment"
)

// Valid reports whether the kind is one of the supported values.
func (k RequestKind) Valid() bool {
	switch k {
	case KindPurchase, KindPayment:
		return true
	default:
		return false
	}
}

// OnChainState mirrors the contract datum state tag plus the two terminal
// states reached once the script output has been consumed.
type OnChainState string

const (
	StateNone            OnChainState = ""
	StateFundsLocked     OnChainState = "FundsLocked"
	StateResultSubmitted OnChainState = "ResultSubmitted"
	StateRefundRequested OnChainState = "RefundRequested"
	StateDisputed        OnChainState = "Disputed"
	StateWithdrawn       OnChainState = "Withdrawn"
	StateRefundWithdrawn OnChainState = "RefundWithdrawn"
)

// Valid reports whether the state is a known lifecycle state.
func (s OnChainState) Valid() bool {
	switch s {
	case StateNone, StateFundsLocked, StateResultSubmitted, StateRefundRequested,
		StateDisputed, StateWithdrawn, StateRefundWithdrawn:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave the state.
func (s OnChainState) Terminal() bool {
	return s == StateWithdrawn || s == StateRefundWithdrawn
}

// ParseOnChainState normalises a stored state string.
func ParseOnChainState(raw string) (OnChainState, error) {
	state := OnChainState(strings.TrimSpace(raw))
	if !state.Valid() {
		return StateNone, fmt.Errorf("escrow: unknown on-chain state %q", raw)
	}
	return state, nil
}
