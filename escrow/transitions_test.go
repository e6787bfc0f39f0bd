package escrow

import (
	"errors"
	"testing"
)

func TestForwardEdges(t *testing.T) {
	edges := [][2]OnChainState{
		{StateNone, StateFundsLocked},
		{StateFundsLocked, StateResultSubmitted},
		{StateResultSubmitted, StateWithdrawn},
		{StateFundsLocked, StateRefundRequested},
		{StateResultSubmitted, StateRefundRequested},
		{StateRefundRequested, StateRefundWithdrawn},
		{StateRefundRequested, StateDisputed},
	}
	for _, edge := range edges {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be permitted", edge[0], edge[1])
		}
		if IsCancellation(edge[0], edge[1]) {
			t.Fatalf("%s -> %s must not be a cancellation", edge[0], edge[1])
		}
	}
}

func TestCancellationOnlyLeavesRefundStates(t *testing.T) {
	all := []OnChainState{
		StateNone, StateFundsLocked, StateResultSubmitted, StateRefundRequested,
		StateDisputed, StateWithdrawn, StateRefundWithdrawn,
	}
	backward := map[OnChainState]bool{StateFundsLocked: true, StateResultSubmitted: true}
	for _, from := range all {
		for _, to := range []OnChainState{StateFundsLocked, StateResultSubmitted} {
			if from == StateNone || (from == StateFundsLocked && to == StateResultSubmitted) {
				continue
			}
			allowed := CanTransition(from, to)
			fromRefund := from == StateRefundRequested || from == StateDisputed
			if allowed != fromRefund {
				t.Fatalf("%s -> %s: allowed=%v, want %v", from, to, allowed, fromRefund)
			}
			if allowed && !backward[to] {
				t.Fatalf("unexpected backward target %s", to)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []OnChainState{
		StateNone, StateFundsLocked, StateResultSubmitted, StateRefundRequested,
		StateDisputed, StateWithdrawn, StateRefundWithdrawn,
	}
	for _, terminal := range []OnChainState{StateWithdrawn, StateRefundWithdrawn} {
		if !terminal.Terminal() {
			t.Fatalf("%s should be terminal", terminal)
		}
		for _, to := range all {
			if CanTransition(terminal, to) {
				t.Fatalf("terminal %s must not reach %s", terminal, to)
			}
		}
	}
}

func TestCheckTransitionWrapsSentinel(t *testing.T) {
	err := CheckTransition(StateWithdrawn, StateFundsLocked)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := CheckTransition(StateDisputed, StateResultSubmitted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCancelledState(t *testing.T) {
	if got := CancelledState(""); got != StateFundsLocked {
		t.Fatalf("got %s", got)
	}
	if got := CancelledState("abc"); got != StateResultSubmitted {
		t.Fatalf("got %s", got)
	}
}

func TestActionSetsAreScopedByKind(t *testing.T) {
	if !PaymentSubmitResultRequested.ValidFor(KindPayment) {
		t.Fatalf("submit result must be a payment action")
	}
	if PaymentSubmitResultRequested.ValidFor(KindPurchase) {
		t.Fatalf("submit result must not be a purchase action")
	}
	if PurchaseWithdrawRefundRequested.ValidFor(KindPayment) {
		t.Fatalf("refund collection must not be a payment action")
	}
	if !ActionWaitingForManualAction.ValidFor(KindPurchase) {
		t.Fatalf("idle actions are shared")
	}
	next, err := Initiated(PurchaseUnSetRefundRequestedRequested)
	if err != nil || next != PurchaseUnSetRefundRequestedInitiated {
		t.Fatalf("initiated: %v %v", next, err)
	}
	back, ok := Requested(next)
	if !ok || back != PurchaseUnSetRefundRequestedRequested {
		t.Fatalf("requested: %v %v", back, ok)
	}
	if _, err := Initiated(ActionNone); err == nil {
		t.Fatalf("expected error for idle action")
	}
}

func TestReachable(t *testing.T) {
	cases := []struct {
		from, to OnChainState
		want     bool
	}{
		{StateFundsLocked, StateResultSubmitted, true},
		{StateFundsLocked, StateDisputed, true},
		{StateFundsLocked, StateWithdrawn, true},
		{StateNone, StateRefundWithdrawn, true},
		{StateRefundRequested, StateFundsLocked, true},
		{StateWithdrawn, StateFundsLocked, false},
		{StateRefundWithdrawn, StateRefundRequested, false},
		{StateResultSubmitted, StateNone, false},
		{StateDisputed, StateDisputed, true},
		{StateWithdrawn, StateWithdrawn, false},
	}
	for _, tc := range cases {
		if got := Reachable(tc.from, tc.to); got != tc.want {
			t.Fatalf("Reachable(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
