package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"agentescrow/cardano/tx"
	"agentescrow/cardano/utxo"
	"agentescrow/retry"
	"agentescrow/store"
)

// DefaultCollateral is provisioned when a request carries no amount.
const DefaultCollateral uint64 = 5_000_000

// Collateral provisions the pure lovelace output a wallet pledges when it
// runs scripts.
type Collateral struct {
	env   *Env
	limit int
}

// NewCollateral builds the collateral provisioner.
func NewCollateral(env *Env, limit int) *Collateral {
	return &Collateral{env: env, limit: limit}
}

func (h *Collateral) Name() string { return NameCollateral }

// Run handles the pending collateral requests of free wallets.
func (h *Collateral) Run(ctx context.Context) (BatchResult, error) {
	leases, err := h.env.Leases.Collateral(ctx, h.limit)
	if err != nil {
		return BatchResult{Handler: NameCollateral}, fmt.Errorf("lease collateral: %w", err)
	}
	return runBatch(ctx, h.env, NameCollateral, leases, h.provision), nil
}

// CollateralAmount clamps a requested amount into the band the validator
// accepts.
func CollateralAmount(requested uint64) uint64 {
	switch {
	case requested == 0:
		return DefaultCollateral
	case requested < utxo.CollateralMin:
		return utxo.CollateralMin
	case requested > utxo.CollateralMaxExtended:
		return utxo.CollateralMaxExtended
	}
	return requested
}

func (h *Collateral) provision(ctx context.Context, l store.CollateralLease) ItemResult {
	e := h.env
	fail := func(cause error) ItemResult {
		d := retry.Escalate(cause, l.Request.Failure.RetryCount, l.Source.MaxRetries)
		err := e.Repo.RecordCollateralFailure(ctx, l.Request.ID, l.Wallet.ID, store.Failed{Decision: d, Note: cause.Error()})
		return e.failed(NameCollateral, l.Request.ID, l.Wallet.ID, d, cause, err)
	}
	provider, network, err := e.provider(l.Source.Network)
	if err != nil {
		return fail(err)
	}
	utxos, err := e.walletUTxOs(ctx, provider, l.Wallet.Address)
	if err != nil {
		return fail(err)
	}
	for _, u := range utxos {
		if !utxo.IsCollateral(u, utxo.CollateralMaxExtended) {
			continue
		}
		if err := e.Repo.ConfirmCollateral(ctx, l.Request.ID, l.Wallet.ID); err != nil {
			return ItemResult{ID: l.Request.ID, WalletID: l.Wallet.ID, Outcome: OutcomeFailed, Err: err}
		}
		e.logger().Info("collateral already present",
			slog.String("handler", NameCollateral),
			slog.String("request_id", l.Request.ID.String()),
			slog.String("wallet_id", l.Wallet.ID.String()),
			slog.String("utxo", u.Ref.String()))
		return ItemResult{ID: l.Request.ID, WalletID: l.Wallet.ID, Outcome: OutcomeConfirmed}
	}

	w, err := e.Wallets.Open(ctx, l.Wallet, network)
	if err != nil {
		return fail(err)
	}
	inputs := utxo.SelectFeeInputs(utxos, utxo.MaxFeeInputs)
	if len(inputs) == 0 {
		return fail(fmt.Errorf("%w: %s", ErrNoFunds, l.Wallet.ID))
	}
	_, validTo := e.validity()
	params, err := e.params(ctx, provider)
	if err != nil {
		return fail(err)
	}
	unsigned, err := tx.NewBuilder(params, e.Tx.ProductTag).Build(tx.Plan{
		Network:         network,
		Action:          "ProvideCollateral",
		Inputs:          inputs,
		Outputs:         []tx.Output{{Address: w.Address, Value: utxo.NewValue(CollateralAmount(l.Request.Amount))}},
		ChangeAddress:   w.Address,
		RequiredSigners: [][]byte{w.KeyHash()},
		ValidTo:         validTo,
	})
	if err != nil {
		return fail(err)
	}
	requestID := l.Request.ID
	return e.submit(ctx, NameCollateral, submission{
		id:       requestID,
		walletID: l.Wallet.ID,
		provider: provider,
		unsigned: unsigned,
		signer:   w.Key,
		record: store.Submission{
			WalletID:            l.Wallet.ID,
			Action:              "ProvideCollateral",
			CollateralRequestID: &requestID,
		},
	}, fail)
}
