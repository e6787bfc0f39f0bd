package escrow

import "fmt"

// Action is the single pending intention recorded on a request. The allowed
// values are disjoint per RequestKind even where the wire names coincide.
type Action string

// Shared idle actions.
const (
	ActionNone                     Action = "None"
	ActionWaitingForExternalAction Action = "WaitingForExternalAction"
	ActionWaitingForManualAction   Action = "WaitingForManualAction"
)

// Purchase (buyer) actions.
const (
	PurchaseWithdrawRequested             Action = "WithdrawRequested"
	PurchaseWithdrawInitiated             Action = "WithdrawInitiated"
	PurchaseSetRefundRequestedRequested   Action = "SetRefundRequestedRequested"
	PurchaseSetRefundRequestedInitiated   Action = "SetRefundRequestedInitiated"
	PurchaseUnSetRefundRequestedRequested Action = "UnSetRefundRequestedRequested"
	PurchaseUnSetRefundRequestedInitiated Action = "UnSetRefundRequestedInitiated"
	PurchaseWithdrawRefundRequested       Action = "WithdrawRefundRequested"
	PurchaseWithdrawRefundInitiated       Action = "WithdrawRefundInitiated"
)

// Payment (seller) actions.
const (
	PaymentSubmitResultRequested Action = "SubmitResultRequested"
	PaymentSubmitResultInitiated Action = "SubmitResultInitiated"
	PaymentWithdrawRequested     Action = "WithdrawRequested"
	PaymentWithdrawInitiated     Action = "WithdrawInitiated"
)

var idleActions = []Action{ActionNone, ActionWaitingForExternalAction, ActionWaitingForManualAction}

var kindActions = map[RequestKind][]Action{
	KindPurchase: {
		PurchaseWithdrawRequested, PurchaseWithdrawInitiated,
		PurchaseSetRefundRequestedRequested, PurchaseSetRefundRequestedInitiated,
		PurchaseUnSetRefundRequestedRequested, PurchaseUnSetRefundRequestedInitiated,
		PurchaseWithdrawRefundRequested, PurchaseWithdrawRefundInitiated,
	},
	KindPayment: {
		PaymentSubmitResultRequested, PaymentSubmitResultInitiated,
		PaymentWithdrawRequested, PaymentWithdrawInitiated,
	},
}

// initiated maps each "...Requested" action to the value recorded once its
// transaction has been handed to the network.
var initiated = map[Action]Action{
	PurchaseWithdrawRequested:             PurchaseWithdrawInitiated,
	PurchaseSetRefundRequestedRequested:   PurchaseSetRefundRequestedInitiated,
	PurchaseUnSetRefundRequestedRequested: PurchaseUnSetRefundRequestedInitiated,
	PurchaseWithdrawRefundRequested:       PurchaseWithdrawRefundInitiated,
	PaymentSubmitResultRequested:          PaymentSubmitResultInitiated,
}

// ValidFor reports whether the action belongs to the kind's action set.
func (a Action) ValidFor(kind RequestKind) bool {
	for _, idle := range idleActions {
		if a == idle {
			return true
		}
	}
	for _, candidate := range kindActions[kind] {
		if a == candidate {
			return true
		}
	}
	return false
}

// Idle reports whether no operation is pending for the request.
func (a Action) Idle() bool {
	return a == ActionNone || a == ActionWaitingForExternalAction
}

// Initiated returns the in-flight counterpart of a requested action.
func Initiated(a Action) (Action, error) {
	next, ok := initiated[a]
	if !ok {
		return "", fmt.Errorf("escrow: action %q has no initiated form", a)
	}
	return next, nil
}

// Requested returns the requested counterpart of an initiated action, used
// when a submission is rolled back.
func Requested(a Action) (Action, bool) {
	for requested, inFlight := range initiated {
		if inFlight == a {
			return requested, true
		}
	}
	return "", false
}
