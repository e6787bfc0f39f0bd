package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentescrow/escrow"
	"agentescrow/store"
)

// Decision is the automatic decision engine. It never touches the chain:
// it arms the withdraw and refund collection handlers once a request's
// timers allow it.
type Decision struct {
	env   *Env
	limit int
}

// NewDecision builds the decision engine.
func NewDecision(env *Env, limit int) *Decision {
	return &Decision{env: env, limit: limit}
}

func (h *Decision) Name() string { return NameDecision }

// Run arms every request whose timers elapsed before the lower validity
// bound of a transaction built now, so an armed request is spendable at once.
func (h *Decision) Run(ctx context.Context) (BatchResult, error) {
	from, _ := h.env.validity()
	candidates, err := h.env.Repo.DecisionCandidates(ctx, from, h.limit)
	if err != nil {
		return BatchResult{Handler: NameDecision}, fmt.Errorf("decision candidates: %w", err)
	}
	return runBatch(ctx, h.env, NameDecision, candidates, h.arm), nil
}

// Next returns the action the engine arms for req, if any.
func Next(req store.EscrowRequest) (escrow.Action, bool) {
	switch {
	case req.OnChainState == escrow.StateResultSubmitted && req.Kind == escrow.KindPayment:
		return escrow.PaymentWithdrawRequested, true
	case req.OnChainState == escrow.StateResultSubmitted && req.Kind == escrow.KindPurchase:
		return escrow.PurchaseWithdrawRequested, true
	case req.OnChainState == escrow.StateRefundRequested && req.Kind == escrow.KindPurchase && req.ResultHash == "":
		return escrow.PurchaseWithdrawRefundRequested, true
	}
	return "", false
}

func (h *Decision) arm(ctx context.Context, req store.EscrowRequest) ItemResult {
	res := ItemResult{ID: req.ID, WalletID: req.HotWalletID}
	next, ok := Next(req)
	if !ok {
		res.Outcome = OutcomeSkipped
		return res
	}
	err := h.env.Repo.ArmAction(ctx, req.ID, req.NextAction.RequestedAction, next)
	switch {
	case errors.Is(err, store.ErrStaleRequest):
		res.Outcome = OutcomeSkipped
	case err != nil:
		res.Outcome = OutcomeFailed
		res.Err = err
		h.env.logger().Warn("arm request failed",
			slog.String("handler", NameDecision),
			slog.String("request_id", req.ID.String()),
			slog.Any("error", err))
	default:
		res.Outcome = OutcomeArmed
		h.env.logger().Info("request armed",
			slog.String("handler", NameDecision),
			slog.String("request_id", req.ID.String()),
			slog.String("action", string(next)))
	}
	return res
}
