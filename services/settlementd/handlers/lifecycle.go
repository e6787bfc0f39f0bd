package handlers

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"agentescrow/cardano/contract"
	"agentescrow/cardano/tx"
	"agentescrow/cardano/utxo"
	"agentescrow/crypto"
	"agentescrow/escrow"
	"agentescrow/store"
)

// escrowHandler drives one or more escrow steps.
type escrowHandler struct {
	env   *Env
	name  string
	limit int
	steps []escrowStep
}

func (h *escrowHandler) Name() string { return h.name }

// Run leases and processes every step in order and merges their results.
func (h *escrowHandler) Run(ctx context.Context) (BatchResult, error) {
	out := BatchResult{Handler: h.name}
	for _, step := range h.steps {
		res, err := h.env.runEscrow(ctx, step, h.limit)
		out.Items = append(out.Items, res.Items...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// NewSubmitResult builds the handler that records the seller's result on
// chain. A result arriving after a refund request moves the escrow to
// Disputed.
func NewSubmitResult(env *Env, limit int) Handler {
	return &escrowHandler{env: env, name: NameSubmitResult, limit: limit, steps: []escrowStep{{
		name: NameSubmitResult,
		criteria: store.EscrowCriteria{
			Kind:     escrow.KindPayment,
			Actions:  []escrow.Action{escrow.PaymentSubmitResultRequested},
			States:   []escrow.OnChainState{escrow.StateFundsLocked, escrow.StateRefundRequested},
			Cooldown: true,
		},
		plan: planSubmitResult,
	}}}
}

func planSubmitResult(c *escrowCall) (spend, error) {
	req := c.lease.Request
	if req.ResultHash == "" {
		return spend{}, ErrMissingResult
	}
	if c.validTo.UnixMilli() >= c.datum.SubmitResultTime {
		return spend{}, fmt.Errorf("%w: submit result time %d", ErrTooLate, c.datum.SubmitResultTime)
	}
	target := escrow.StateResultSubmitted
	if req.OnChainState == escrow.StateRefundRequested {
		target = escrow.StateDisputed
	}
	d, err := c.continued(target)
	if err != nil {
		return spend{}, err
	}
	d.ResultHash = req.ResultHash
	d.SellerCooldown = c.cooldownUntil()
	return spend{redeemer: contract.SubmitResult, datum: d, target: target, sellerCooldown: d.SellerCooldown}, nil
}

// NewRequestRefund builds the handler that flags a purchase for refund.
func NewRequestRefund(env *Env, limit int) Handler {
	return &escrowHandler{env: env, name: NameRequestRefund, limit: limit, steps: []escrowStep{{
		name: NameRequestRefund,
		criteria: store.EscrowCriteria{
			Kind:     escrow.KindPurchase,
			Actions:  []escrow.Action{escrow.PurchaseSetRefundRequestedRequested},
			States:   []escrow.OnChainState{escrow.StateFundsLocked, escrow.StateResultSubmitted},
			Cooldown: true,
		},
		plan: planRequestRefund,
	}}}
}

func planRequestRefund(c *escrowCall) (spend, error) {
	if c.validTo.UnixMilli() >= c.datum.UnlockTime {
		return spend{}, fmt.Errorf("%w: unlock time %d", ErrTooLate, c.datum.UnlockTime)
	}
	d, err := c.continued(escrow.StateRefundRequested)
	if err != nil {
		return spend{}, err
	}
	d.BuyerCooldown = c.cooldownUntil()
	return spend{redeemer: contract.RequestRefund, datum: d, target: escrow.StateRefundRequested, buyerCooldown: d.BuyerCooldown}, nil
}

// NewCancelRefund builds the handler that withdraws a refund request. The
// escrow returns to the state it had before the request and the buyer's
// cooldown is advanced so the refund cannot be re-requested at once.
func NewCancelRefund(env *Env, limit int) Handler {
	return &escrowHandler{env: env, name: NameCancelRefund, limit: limit, steps: []escrowStep{{
		name: NameCancelRefund,
		criteria: store.EscrowCriteria{
			Kind:     escrow.KindPurchase,
			Actions:  []escrow.Action{escrow.PurchaseUnSetRefundRequestedRequested},
			States:   []escrow.OnChainState{escrow.StateRefundRequested, escrow.StateDisputed},
			Cooldown: true,
		},
		plan: planCancelRefund,
	}}}
}

func planCancelRefund(c *escrowCall) (spend, error) {
	target := escrow.CancelledState(c.datum.ResultHash)
	if !escrow.IsCancellation(c.lease.Request.OnChainState, target) {
		return spend{}, fmt.Errorf("%w: %s -> %s", escrow.ErrInvalidTransition, c.lease.Request.OnChainState, target)
	}
	d, err := c.continued(target)
	if err != nil {
		return spend{}, err
	}
	d.BuyerCooldown = c.cooldownUntil()
	return spend{redeemer: contract.CancelRefund, datum: d, target: target, buyerCooldown: d.BuyerCooldown}, nil
}

// NewCollectRefund builds the timeout refund collector: once the refund
// time has passed without a result, the locked funds go back to the buyer.
func NewCollectRefund(env *Env, limit int) Handler {
	return &escrowHandler{env: env, name: NameCollectRefund, limit: limit, steps: []escrowStep{{
		name: NameCollectRefund,
		criteria: store.EscrowCriteria{
			Kind:     escrow.KindPurchase,
			Actions:  []escrow.Action{escrow.PurchaseWithdrawRefundRequested},
			States:   []escrow.OnChainState{escrow.StateRefundRequested},
			Cooldown: true,
		},
		plan: planCollectRefund,
	}}}
}

func planCollectRefund(c *escrowCall) (spend, error) {
	req := c.lease.Request
	if c.datum.ResultHash != "" {
		return spend{}, fmt.Errorf("%w: result submitted, refund is disputed", ErrStateMismatch)
	}
	if c.validFrom.UnixMilli() <= req.RefundTime {
		return spend{}, fmt.Errorf("%w: refund time %d", ErrTooEarly, req.RefundTime)
	}
	buyer := req.BuyerAddress
	if buyer == "" {
		buyer = c.wallet.Address.String()
	}
	addr, err := payoutAddress(buyer, c)
	if err != nil {
		return spend{}, err
	}
	return spend{
		redeemer: contract.CollectRefund,
		payouts:  []tx.Output{{Address: addr, Value: c.output.Value.Clone()}},
		target:   escrow.StateRefundWithdrawn,
	}, nil
}

// NewWithdraw builds the handler that releases completed escrows to the
// seller, minus the source's fee. Both request kinds are served; whichever
// side's transaction lands first consumes the output.
func NewWithdraw(env *Env, limit int) Handler {
	step := func(kind escrow.RequestKind, action escrow.Action) escrowStep {
		return escrowStep{
			name: NameWithdraw,
			criteria: store.EscrowCriteria{
				Kind:    kind,
				Actions: []escrow.Action{action},
				States:  []escrow.OnChainState{escrow.StateResultSubmitted},
			},
			plan: planWithdraw,
		}
	}
	return &escrowHandler{env: env, name: NameWithdraw, limit: limit, steps: []escrowStep{
		step(escrow.KindPayment, escrow.PaymentWithdrawRequested),
		step(escrow.KindPurchase, escrow.PurchaseWithdrawRequested),
	}}
}

func planWithdraw(c *escrowCall) (spend, error) {
	if c.validFrom.UnixMilli() <= c.datum.UnlockTime {
		return spend{}, fmt.Errorf("%w: unlock time %d", ErrTooEarly, c.datum.UnlockTime)
	}
	req := c.lease.Request
	seller := req.SellerAddress
	if req.Kind == escrow.KindPayment {
		if c.lease.Wallet.CollectionAddress != "" {
			seller = c.lease.Wallet.CollectionAddress
		} else if seller == "" {
			seller = c.wallet.Address.String()
		}
	}
	if seller == "" {
		return spend{}, fmt.Errorf("%w: seller of %s", ErrPayoutAddresses, req.ID)
	}
	sellerAddr, err := payoutAddress(seller, c)
	if err != nil {
		return spend{}, err
	}
	payouts, err := splitFee(c.output.Value, c.lease.Source, sellerAddr, c)
	if err != nil {
		return spend{}, err
	}
	return spend{redeemer: contract.CollectCompleted, payouts: payouts, target: escrow.StateWithdrawn}, nil
}

// splitFee pays fee = lovelace * permille / 1000 to the fee receiver and the
// rest, native assets included, to the seller.
func splitFee(value utxo.Value, source store.PaymentSource, seller crypto.Address, c *escrowCall) ([]tx.Output, error) {
	sellerValue := value.Clone()
	if source.FeeRatePermille <= 0 {
		return []tx.Output{{Address: seller, Value: sellerValue}}, nil
	}
	if source.FeeRatePermille > 1000 {
		return nil, fmt.Errorf("%w: fee rate %d", ErrMisconfigured, source.FeeRatePermille)
	}
	if source.FeeReceiverAddress == "" {
		return nil, fmt.Errorf("%w: fee receiver of source %s", ErrPayoutAddresses, source.ID)
	}
	lovelace, ok := value[utxo.Lovelace]
	if !ok || lovelace == nil {
		return []tx.Output{{Address: seller, Value: sellerValue}}, nil
	}
	fee := new(uint256.Int).Mul(lovelace, uint256.NewInt(uint64(source.FeeRatePermille)))
	fee.Div(fee, uint256.NewInt(1000))
	if fee.IsZero() {
		return []tx.Output{{Address: seller, Value: sellerValue}}, nil
	}
	sellerValue, err := sellerValue.Sub(utxo.Value{utxo.Lovelace: fee})
	if err != nil {
		return nil, err
	}
	receiver, err := payoutAddress(source.FeeReceiverAddress, c)
	if err != nil {
		return nil, err
	}
	return []tx.Output{
		{Address: seller, Value: sellerValue},
		{Address: receiver, Value: utxo.Value{utxo.Lovelace: fee}},
	}, nil
}

func payoutAddress(raw string, c *escrowCall) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, err
	}
	id, err := c.network.ID()
	if err != nil {
		return crypto.Address{}, err
	}
	if addr.NetworkID != id {
		return crypto.Address{}, fmt.Errorf("%w: %s", tx.ErrNetworkMismatch, raw)
	}
	return addr, nil
}
