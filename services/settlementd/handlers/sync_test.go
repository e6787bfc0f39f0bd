package handlers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentescrow/cardano/contract"
	"agentescrow/cardano/utxo"
	"agentescrow/escrow"
	"agentescrow/store"
)

func (f *fixture) submittedRefundRequest(t *testing.T) (store.EscrowRequest, store.Transaction) {
	t.Helper()
	r := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
	}, nil)
	res, err := NewRequestRefund(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeSubmitted))
	return r, f.inFlight(t, r.ID)
}

func TestSyncConfirmsAndAppliesTarget(t *testing.T) {
	f := newFixture(t)
	r, record := f.submittedRefundRequest(t)

	res, err := NewSync(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeWaiting))
	require.Equal(t, escrow.StateFundsLocked, f.reload(t, r.ID).OnChainState)

	f.provider.confirm(record.Hash, f.continuing(t, r, record.Hash, escrow.StateRefundRequested, func(d *contract.Datum) {
		d.BuyerCooldown = record.TargetBuyerCooldown
	}))
	res, err = NewSync(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeConfirmed))

	got := f.reload(t, r.ID)
	require.Equal(t, escrow.StateRefundRequested, got.OnChainState)
	require.Equal(t, escrow.ActionWaitingForExternalAction, got.NextAction.RequestedAction)
	require.Equal(t, record.TargetBuyerCooldown, got.BuyerCooldownTime)
	require.Equal(t, record.ID, *got.CurrentTransactionID)
	require.Equal(t, store.TxConfirmed, f.transaction(t, &record.ID).Status)

	wallet := f.reloadWallet(t, r.HotWalletID)
	require.Nil(t, wallet.PendingTransactionID)
	require.Nil(t, wallet.LockedAt)
}

func TestSyncEscalatesInvisibleTransaction(t *testing.T) {
	f := newFixture(t)
	r, record := f.submittedRefundRequest(t)

	f.clock = baseTime.Add(DefaultConfirmationTimeout + time.Minute)
	res, err := NewSync(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeEscalated))

	got := f.reload(t, r.ID)
	require.True(t, got.NextAction.RequiresManualReview)
	require.Equal(t, string(store.ErrorTimeout), got.NextAction.ErrorType)
	require.Equal(t, escrow.ActionWaitingForManualAction, got.NextAction.RequestedAction)
	require.Equal(t, escrow.StateFundsLocked, got.OnChainState)
	require.Equal(t, store.TxFailedFinal, f.transaction(t, &record.ID).Status)
	require.Nil(t, f.reloadWallet(t, r.HotWalletID).PendingTransactionID)
}

func TestSyncUsesConfiguredTimeout(t *testing.T) {
	f := newFixture(t)
	f.env.Tx.ConfirmationTimeout = 2 * time.Minute
	f.submittedRefundRequest(t)

	f.clock = baseTime.Add(time.Minute)
	res, err := NewSync(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeWaiting))

	f.clock = baseTime.Add(3 * time.Minute)
	res, err = NewSync(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeEscalated))
}

func TestSyncEscalatesTransactionNeverSubmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.wallet(t, store.WalletPurchasing)
	r := f.escrow(t, w, func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
	}, nil)
	record, err := f.store.BeginSubmission(ctx, store.Submission{
		WalletID:        w.ID,
		Action:          "RequestRefund",
		EscrowRequestID: &r.ID,
		InitiatedAction: escrow.PurchaseSetRefundRequestedInitiated,
		TargetState:     escrow.StateRefundRequested,
	})
	require.NoError(t, err)

	res, err := NewSync(f.env, 10).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeWaiting))

	f.clock = baseTime.Add(f.env.Leases.TTL() + time.Second)
	res, err = NewSync(f.env, 10).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeEscalated))
	require.Equal(t, store.TxFailedFinal, f.transaction(t, &record.ID).Status)
	require.True(t, f.reload(t, r.ID).NextAction.RequiresManualReview)
	require.Nil(t, f.reloadWallet(t, w.ID).PendingTransactionID)
}

// The buyer's request follows a result the seller's wallet submitted, and
// the buyer can then withdraw on its own.
func TestSyncFollowsCounterpartyResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payment := f.escrow(t, f.wallet(t, store.WalletSelling), func(r *store.EscrowRequest) {
		r.Kind = escrow.KindPayment
		r.ResultHash = "QmResultHash"
		r.NextAction.RequestedAction = escrow.PaymentSubmitResultRequested
	}, nil)
	purchase := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
		r.BlockchainIdentifier = payment.BlockchainIdentifier
		r.CurrentTransactionID = payment.CurrentTransactionID
	}, nil)
	funding := f.transaction(t, payment.CurrentTransactionID)

	res, err := NewSubmitResult(f.env, 10).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeSubmitted))
	record := f.inFlight(t, payment.ID)

	next := f.continuing(t, payment, record.Hash, escrow.StateResultSubmitted, func(d *contract.Datum) {
		d.SellerCooldown = record.TargetSellerCooldown
	})
	f.provider.confirm(record.Hash, next)
	f.provider.confirm(funding.Hash)
	f.addUTxO(next)

	res, err = NewSync(f.env, 10).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count(OutcomeConfirmed))
	require.Equal(t, escrow.StateResultSubmitted, f.reload(t, payment.ID).OnChainState)

	got := f.reload(t, purchase.ID)
	require.Equal(t, escrow.StateResultSubmitted, got.OnChainState)
	require.Equal(t, "QmResultHash", got.ResultHash)
	require.Equal(t, record.TargetSellerCooldown, got.SellerCooldownTime)
	observed := f.transaction(t, got.CurrentTransactionID)
	require.Equal(t, record.Hash, observed.Hash)
	require.Equal(t, store.ActionObserved, observed.Action)
	require.Equal(t, store.TxConfirmed, observed.Status)

	res, err = NewSync(f.env, 10).Run(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Items)

	f.clock = baseTime.Add(2*time.Hour + 6*time.Minute)
	_, err = NewDecision(f.env, 10).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, escrow.PurchaseWithdrawRequested, f.reload(t, purchase.ID).NextAction.RequestedAction)

	_, err = NewWithdraw(f.env, 10).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, escrow.PurchaseWithdrawInitiated, f.reload(t, purchase.ID).NextAction.RequestedAction)
	require.Equal(t, escrow.StateWithdrawn, f.inFlight(t, purchase.ID).TargetState)
}

func TestSyncObservesConsumedEscrow(t *testing.T) {
	cases := []struct {
		name      string
		state     escrow.OnChainState
		result    string
		want      escrow.OnChainState
		escalated bool
	}{
		{name: "withdrawn", state: escrow.StateResultSubmitted, result: "QmResultHash", want: escrow.StateWithdrawn},
		{name: "refund collected", state: escrow.StateRefundRequested, want: escrow.StateRefundWithdrawn},
		{name: "disputed", state: escrow.StateDisputed, result: "QmResultHash", want: escrow.StateDisputed, escalated: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
				r.OnChainState = tc.state
				r.ResultHash = tc.result
				r.NextAction.RequestedAction = escrow.ActionWaitingForExternalAction
			}, nil)
			f.provider.confirm(f.transaction(t, r.CurrentTransactionID).Hash)

			res, err := NewSync(f.env, 10).Run(context.Background())
			require.NoError(t, err)
			got := f.reload(t, r.ID)
			require.Equal(t, tc.want, got.OnChainState)
			require.Equal(t, *r.CurrentTransactionID, *got.CurrentTransactionID)
			if tc.escalated {
				require.Equal(t, 1, res.Count(OutcomeEscalated))
				require.True(t, got.NextAction.RequiresManualReview)
				require.Equal(t, string(store.ErrorStateConflict), got.NextAction.ErrorType)
				require.Equal(t, escrow.ActionWaitingForManualAction, got.NextAction.RequestedAction)
			} else {
				require.Equal(t, 1, res.Count(OutcomeConfirmed))
				require.Equal(t, escrow.ActionNone, got.NextAction.RequestedAction)
				require.False(t, got.NextAction.RequiresManualReview)
			}

			res, err = NewSync(f.env, 10).Run(context.Background())
			require.NoError(t, err)
			require.Empty(t, res.Items)
		})
	}
}

func TestSyncRejectsForeignContinuation(t *testing.T) {
	cases := []struct {
		name     string
		datum    func(*contract.Datum)
		lovelace uint64
	}{
		{name: "other seller", datum: func(d *contract.Datum) { d.SellerKeyHash = testKey(t, 0x77).KeyHash() }, lovelace: escrowLovelace},
		{name: "short value", lovelace: escrowLovelace - 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.escrow(t, f.wallet(t, store.WalletPurchasing), nil, nil)
			f.provider.confirm(f.transaction(t, r.CurrentTransactionID).Hash)
			next := f.continuing(t, r, fmt.Sprintf("%064x", 77), escrow.StateResultSubmitted, tc.datum)
			next.Value = utxo.NewValue(tc.lovelace)
			f.addUTxO(next)

			res, err := NewSync(f.env, 10).Run(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, res.Count(OutcomeEscalated))

			got := f.reload(t, r.ID)
			require.Equal(t, escrow.StateFundsLocked, got.OnChainState)
			require.True(t, got.NextAction.RequiresManualReview)
			require.Contains(t, got.NextAction.ErrorNote, "does not belong to the escrow")
			require.Equal(t, *r.CurrentTransactionID, *got.CurrentTransactionID)
		})
	}
}

func TestSyncObservesFunding(t *testing.T) {
	f := newFixture(t)
	r := f.escrow(t, f.wallet(t, store.WalletPurchasing), nil, nil)
	require.NoError(t, f.db.Model(&store.EscrowRequest{}).Where("id = ?", r.ID).
		Updates(map[string]any{"on_chain_state": escrow.StateNone, "current_transaction_id": nil}).Error)

	res, err := NewSync(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Items)

	hash := fmt.Sprintf("%064x", 99)
	locked := f.continuing(t, r, hash, escrow.StateFundsLocked, nil)
	f.addUTxO(locked)
	f.provider.confirm(hash, locked)

	res, err = NewSync(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeConfirmed))
	require.Equal(t, hash, res.Items[0].TxHash)

	got := f.reload(t, r.ID)
	require.Equal(t, escrow.StateFundsLocked, got.OnChainState)
	require.Equal(t, hash, f.transaction(t, got.CurrentTransactionID).Hash)

	res, err = NewSync(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Items)
}

func TestJanitorClearsStaleLeases(t *testing.T) {
	f := newFixture(t)
	stale := f.wallet(t, store.WalletPurchasing)
	fresh := f.wallet(t, store.WalletPurchasing)
	old := baseTime.Add(-time.Hour)
	recent := baseTime.Add(-time.Minute)
	require.NoError(t, f.db.Model(&store.HotWallet{}).Where("id = ?", stale.ID).Update("locked_at", old).Error)
	require.NoError(t, f.db.Model(&store.HotWallet{}).Where("id = ?", fresh.ID).Update("locked_at", recent).Error)

	res, err := NewJanitor(f.env).Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Items)
	require.Nil(t, f.reloadWallet(t, stale.ID).LockedAt)
	require.NotNil(t, f.reloadWallet(t, fresh.ID).LockedAt)
}
