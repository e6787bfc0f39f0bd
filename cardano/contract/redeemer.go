package contract

import (
	"errors"
	"fmt"

	"agentescrow/cardano/plutus"
	"agentescrow/escrow"
)

var ErrUnknownRedeemer = errors.New("contract: unknown redeemer")

// Redeemer selects the escrow validator entrypoint. The constructor index of
// each alternative is fixed by the deployed script.
type Redeemer uint8

const (
	CollectCompleted Redeemer = iota
	RequestRefund
	CancelRefund
	CollectRefund
	WithdrawDisputed
	SubmitResult
	AuthorizeRefund
)

// Index returns the constructor index of the alternative.
func (r Redeemer) Index() (uint64, error) {
	switch r {
	case CollectCompleted:
		return 0, nil
	case RequestRefund:
		return 1, nil
	case CancelRefund:
		return 2, nil
	case CollectRefund:
		return 3, nil
	case WithdrawDisputed:
		return 4, nil
	case SubmitResult:
		return 5, nil
	case AuthorizeRefund:
		return 6, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownRedeemer, uint8(r))
}

// RedeemerFromIndex maps a constructor index back to its alternative.
func RedeemerFromIndex(index uint64) (Redeemer, error) {
	switch index {
	case 0:
		return CollectCompleted, nil
	case 1:
		return RequestRefund, nil
	case 2:
		return CancelRefund, nil
	case 3:
		return CollectRefund, nil
	case 4:
		return WithdrawDisputed, nil
	case 5:
		return SubmitResult, nil
	case 6:
		return AuthorizeRefund, nil
	}
	return 0, fmt.Errorf("%w: index %d", ErrUnknownRedeemer, index)
}

// String is the action name written into the transaction metadata.
func (r Redeemer) String() string {
	switch r {
	case CollectCompleted:
		return "CollectCompleted"
	case RequestRefund:
		return "RequestRefund"
	case CancelRefund:
		return "CancelRefund"
	case CollectRefund:
		return "CollectRefund"
	case WithdrawDisputed:
		return "WithdrawDisputed"
	case SubmitResult:
		return "SubmitResult"
	case AuthorizeRefund:
		return "AuthorizeRefund"
	}
	return fmt.Sprintf("Redeemer(%d)", uint8(r))
}

// Data returns the nullary constructor for the alternative.
func (r Redeemer) Data() (plutus.Data, error) {
	index, err := r.Index()
	if err != nil {
		return nil, err
	}
	return plutus.NewConstr(index), nil
}

// Encode returns the redeemer CBOR.
func (r Redeemer) Encode() ([]byte, error) {
	data, err := r.Data()
	if err != nil {
		return nil, err
	}
	return plutus.Encode(data)
}

// DecodeRedeemer parses redeemer CBOR.
func DecodeRedeemer(raw []byte) (Redeemer, error) {
	data, err := plutus.Decode(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnknownRedeemer, err)
	}
	c, ok := data.(plutus.Constr)
	if !ok || len(c.Fields) != 0 {
		return 0, fmt.Errorf("%w: expected nullary constructor", ErrUnknownRedeemer)
	}
	return RedeemerFromIndex(c.Index)
}

// RedeemerFor returns the entrypoint used to carry out a requested action.
// Purchase and payment withdrawals share one action value and both collect
// the completed escrow.
func RedeemerFor(a escrow.Action) (Redeemer, error) {
	switch a {
	case escrow.PurchaseWithdrawRequested:
		return CollectCompleted, nil
	case escrow.PurchaseSetRefundRequestedRequested:
		return RequestRefund, nil
	case escrow.PurchaseUnSetRefundRequestedRequested:
		return CancelRefund, nil
	case escrow.PurchaseWithdrawRefundRequested:
		return CollectRefund, nil
	case escrow.PaymentSubmitResultRequested:
		return SubmitResult, nil
	}
	return 0, fmt.Errorf("%w: no entrypoint for action %q", ErrUnknownRedeemer, a)
}
