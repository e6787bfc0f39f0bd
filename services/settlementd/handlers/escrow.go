package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentescrow/cardano"
	"agentescrow/cardano/contract"
	"agentescrow/cardano/tx"
	"agentescrow/cardano/utxo"
	"agentescrow/crypto"
	"agentescrow/escrow"
	"agentescrow/retry"
	"agentescrow/store"
	"agentescrow/wallet"
)

// escrowCall is one validator invocation against a live escrow output.
type escrowCall struct {
	lease      store.EscrowLease
	network    cardano.Network
	provider   cardano.Provider
	wallet     *wallet.Wallet
	script     []byte
	scriptAddr crypto.Address
	output     utxo.UTxO
	datum      contract.Datum
	utxos      []utxo.UTxO
	validFrom  time.Time
	validTo    time.Time
}

// cooldownUntil is the cooldown written into a datum by the acting side.
func (c *escrowCall) cooldownUntil() int64 {
	return c.validTo.UnixMilli() + c.lease.Source.CooldownMs
}

// spend is what a handler wants the validator call to do.
type spend struct {
	redeemer contract.Redeemer
	// datum continues the escrow at the script address; nil consumes it.
	datum          *contract.Datum
	payouts        []tx.Output
	target         escrow.OnChainState
	buyerCooldown  int64
	sellerCooldown int64
}

// escrowStep binds a lease filter to the spend it produces.
type escrowStep struct {
	name     string
	criteria store.EscrowCriteria
	plan     func(c *escrowCall) (spend, error)
}

func (e *Env) runEscrow(ctx context.Context, step escrowStep, limit int) (BatchResult, error) {
	criteria := step.criteria
	criteria.Limit = limit
	leases, err := e.Leases.Escrow(ctx, criteria)
	if err != nil {
		return BatchResult{Handler: step.name}, fmt.Errorf("lease %s: %w", step.name, err)
	}
	return runBatch(ctx, e, step.name, leases, func(ctx context.Context, l store.EscrowLease) ItemResult {
		return e.processEscrow(ctx, step, l)
	}), nil
}

func (e *Env) processEscrow(ctx context.Context, step escrowStep, l store.EscrowLease) ItemResult {
	fail := func(err error) ItemResult { return e.failEscrow(ctx, step.name, l, err) }

	requested := l.Request.NextAction.RequestedAction
	initiated, err := escrow.Initiated(requested)
	if err != nil {
		return fail(err)
	}
	call, err := e.loadEscrow(ctx, l)
	if err != nil {
		return fail(err)
	}
	sp, err := step.plan(call)
	if errors.Is(err, ErrTooEarly) {
		return e.notYet(ctx, step.name, l, err)
	}
	if err != nil {
		return fail(err)
	}
	if err := escrow.CheckTransition(l.Request.OnChainState, sp.target); err != nil {
		return fail(err)
	}
	plan, err := call.txPlan(sp)
	if err != nil {
		return fail(err)
	}
	params, err := e.params(ctx, call.provider)
	if err != nil {
		return fail(err)
	}
	unsigned, err := tx.NewBuilder(params, e.Tx.ProductTag).Build(plan)
	if err != nil {
		return fail(err)
	}
	requestID := l.Request.ID
	return e.submit(ctx, step.name, submission{
		id:       requestID,
		walletID: l.Wallet.ID,
		provider: call.provider,
		unsigned: unsigned,
		signer:   call.wallet.Key,
		record: store.Submission{
			WalletID:             l.Wallet.ID,
			Action:               sp.redeemer.String(),
			EscrowRequestID:      &requestID,
			InitiatedAction:      initiated,
			TargetState:          sp.target,
			TargetBuyerCooldown:  sp.buyerCooldown,
			TargetSellerCooldown: sp.sellerCooldown,
		},
	}, fail)
}

// failEscrow records a failed attempt. The requested action is restored so
// a retried request is leased again on the next tick.
func (e *Env) failEscrow(ctx context.Context, handler string, l store.EscrowLease, cause error) ItemResult {
	d := retry.Escalate(cause, l.Request.NextAction.RetryCount, l.Source.MaxRetries)
	err := e.Repo.RecordEscrowFailure(ctx, l.Request.ID, l.Wallet.ID, store.Failed{
		Decision: d,
		Note:     cause.Error(),
		Revert:   l.Request.NextAction.RequestedAction,
	})
	return e.failed(handler, l.Request.ID, l.Wallet.ID, d, cause, err)
}

// notYet hands back a request whose protocol time has not been reached at
// the lower validity bound. Nothing is recorded on the request; the next
// tick leases it again.
func (e *Env) notYet(ctx context.Context, handler string, l store.EscrowLease, cause error) ItemResult {
	res := ItemResult{ID: l.Request.ID, WalletID: l.Wallet.ID, Outcome: OutcomeWaiting}
	if err := e.Leases.Release(ctx, l.Wallet.ID); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = errors.Join(cause, err)
		return res
	}
	e.logger().Debug("request not yet eligible",
		slog.String("handler", handler),
		slog.String("request_id", l.Request.ID.String()),
		slog.Any("reason", cause))
	return res
}

func (e *Env) loadEscrow(ctx context.Context, l store.EscrowLease) (*escrowCall, error) {
	provider, network, err := e.provider(l.Source.Network)
	if err != nil {
		return nil, err
	}
	script, err := hex.DecodeString(strings.TrimSpace(l.Source.EscrowScript))
	if err != nil || len(script) == 0 {
		return nil, fmt.Errorf("%w: escrow script of source %s", ErrMisconfigured, l.Source.ID)
	}
	scriptAddr, err := tx.ScriptAddress(network, script)
	if err != nil {
		return nil, err
	}
	if l.Source.ContractAddress != "" && l.Source.ContractAddress != scriptAddr.String() {
		return nil, fmt.Errorf("%w: contract address %s does not match escrow script", ErrMisconfigured, l.Source.ContractAddress)
	}
	w, err := e.Wallets.Open(ctx, l.Wallet, network)
	if err != nil {
		return nil, err
	}
	output, datum, err := e.locateEscrow(ctx, provider, l.Request, scriptAddr)
	if err != nil {
		return nil, err
	}
	state, err := datum.State.OnChain()
	if err != nil {
		return nil, err
	}
	if state != l.Request.OnChainState {
		return nil, fmt.Errorf("%w: datum state %s, request state %s", ErrStateMismatch, state, l.Request.OnChainState)
	}
	utxos, err := e.walletUTxOs(ctx, provider, w.Address.String())
	if err != nil {
		return nil, err
	}
	from, to := e.validity()
	return &escrowCall{
		lease:      l,
		network:    network,
		provider:   provider,
		wallet:     w,
		script:     script,
		scriptAddr: scriptAddr,
		output:     output,
		datum:      datum,
		utxos:      utxos,
		validFrom:  from,
		validTo:    to,
	}, nil
}

// locateEscrow finds the live script output of a request among the outputs
// of its current transaction.
func (e *Env) locateEscrow(ctx context.Context, p cardano.Provider, req store.EscrowRequest, scriptAddr crypto.Address) (utxo.UTxO, contract.Datum, error) {
	if req.CurrentTransactionID == nil {
		return utxo.UTxO{}, contract.Datum{}, fmt.Errorf("%w: request %s has no transaction", ErrEscrowUTxO, req.ID)
	}
	current, err := e.Repo.TransactionByID(ctx, *req.CurrentTransactionID)
	if err != nil {
		return utxo.UTxO{}, contract.Datum{}, err
	}
	if current.Status != store.TxConfirmed || current.Hash == "" {
		return utxo.UTxO{}, contract.Datum{}, retry.Transient(fmt.Errorf("%w: %s", ErrNotConfirmed, current.ID))
	}
	var outputs []utxo.UTxO
	err = e.call(ctx, "fetch_tx_utxos", func(ctx context.Context) error {
		var err error
		outputs, err = p.FetchUTxOsByTxHash(ctx, current.Hash)
		if errors.Is(err, cardano.ErrNotFound) {
			return retry.Transient(err)
		}
		return err
	})
	if err != nil {
		return utxo.UTxO{}, contract.Datum{}, err
	}
	want := scriptAddr.String()
	for _, u := range outputs {
		if u.Address != want || len(u.Datum) == 0 {
			continue
		}
		d, err := contract.DecodeDatum(u.Datum)
		if err != nil {
			return utxo.UTxO{}, contract.Datum{}, fmt.Errorf("escrow output %s: %w", u.Ref, err)
		}
		if d.ReferenceID != req.BlockchainIdentifier {
			continue
		}
		if err := checkParties(d, req); err != nil {
			return utxo.UTxO{}, contract.Datum{}, err
		}
		return u, d, nil
	}
	return utxo.UTxO{}, contract.Datum{}, fmt.Errorf("%w: %s in %s", ErrEscrowUTxO, req.BlockchainIdentifier, current.Hash)
}

func checkParties(d contract.Datum, req store.EscrowRequest) error {
	for _, p := range []struct {
		stored string
		datum  []byte
		name   string
	}{
		{req.BuyerKeyHash, d.BuyerKeyHash, "buyer"},
		{req.SellerKeyHash, d.SellerKeyHash, "seller"},
	} {
		if p.stored == "" {
			continue
		}
		stored, err := hex.DecodeString(p.stored)
		if err != nil || !bytes.Equal(stored, p.datum) {
			return fmt.Errorf("%w: %s key hash", ErrStateMismatch, p.name)
		}
	}
	return nil
}

// txPlan assembles the transaction: the script input, collateral, up to
// four fee inputs from the wallet and the continuing or payout outputs.
func (c *escrowCall) txPlan(sp spend) (tx.Plan, error) {
	redeemer, err := sp.redeemer.Data()
	if err != nil {
		return tx.Plan{}, err
	}
	collateral, err := utxo.SelectCollateral(c.utxos, utxo.CollateralMax)
	if err != nil {
		return tx.Plan{}, fmt.Errorf("wallet %s: %w", c.wallet.ID, err)
	}
	inputs := utxo.SelectFeeInputs(c.utxos, utxo.MaxFeeInputs, collateral.Ref)
	if len(inputs) == 0 {
		return tx.Plan{}, fmt.Errorf("%w: %s", ErrNoFunds, c.wallet.ID)
	}
	var outputs []tx.Output
	if sp.datum != nil {
		raw, err := sp.datum.Encode()
		if err != nil {
			return tx.Plan{}, err
		}
		outputs = append(outputs, tx.Output{Address: c.scriptAddr, Value: c.output.Value.Clone(), Datum: raw})
	}
	outputs = append(outputs, sp.payouts...)
	return tx.Plan{
		Network:         c.network,
		Action:          sp.redeemer.String(),
		ScriptInputs:    []tx.ScriptInput{{UTxO: c.output, Redeemer: redeemer}},
		SpendScript:     c.script,
		Inputs:          inputs,
		Collateral:      &collateral,
		Outputs:         outputs,
		ChangeAddress:   c.wallet.Address,
		RequiredSigners: [][]byte{c.wallet.KeyHash()},
		ValidFrom:       c.validFrom,
		ValidTo:         c.validTo,
	}, nil
}

// continued returns a copy of the current datum moved to state.
func (c *escrowCall) continued(state escrow.OnChainState) (*contract.Datum, error) {
	tag, err := contract.StateFor(state)
	if err != nil {
		return nil, err
	}
	d := c.datum
	d.State = tag
	return &d, nil
}
