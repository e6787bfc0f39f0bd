package handlers

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"agentescrow/cardano"
	"agentescrow/cardano/contract"
	"agentescrow/cardano/tx"
	"agentescrow/cardano/utxo"
	"agentescrow/escrow"
	"agentescrow/observability"
	"agentescrow/store"
)

// scriptOutput is a live output at the escrow address with its datum.
type scriptOutput struct {
	utxo  utxo.UTxO
	datum contract.Datum
}

// scriptView is one run's listing of the escrow address of a source. It is
// fetched on first use and refreshed at most once, for outputs consumed
// after the first listing was taken.
type scriptView struct {
	env      *Env
	provider cardano.Provider
	address  string

	mu        sync.Mutex
	loaded    bool
	refreshed bool
	byRef     map[string][]scriptOutput
}

func (v *scriptView) lookup(ctx context.Context, reference string, refresh bool) ([]scriptOutput, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.loaded || (refresh && !v.refreshed) {
		if v.loaded {
			v.refreshed = true
		}
		if err := v.load(ctx); err != nil {
			return nil, err
		}
	}
	return v.byRef[reference], nil
}

func (v *scriptView) load(ctx context.Context) error {
	outputs, err := v.env.walletUTxOs(ctx, v.provider, v.address)
	if err != nil {
		return err
	}
	byRef := make(map[string][]scriptOutput)
	for _, u := range outputs {
		if len(u.Datum) == 0 {
			continue
		}
		d, err := contract.DecodeDatum(u.Datum)
		if err != nil {
			// Anyone can pay to the script address.
			continue
		}
		byRef[d.ReferenceID] = append(byRef[d.ReferenceID], scriptOutput{utxo: u, datum: d})
	}
	v.byRef = byRef
	v.loaded = true
	return nil
}

// observe follows the escrows of every active source.
func (h *Sync) observe(ctx context.Context) ([]ItemResult, error) {
	e := h.env
	sources, err := e.Repo.ActiveSources(ctx)
	if err != nil {
		return nil, err
	}
	var items []ItemResult
	var errs []error
	for _, source := range sources {
		reqs, err := e.Repo.ObservableEscrows(ctx, source.ID, e.Leases.TTL())
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", source.ID, err))
			continue
		}
		if len(reqs) == 0 {
			continue
		}
		view, err := h.viewOf(source)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", source.ID, err))
			continue
		}
		res := runBatch(ctx, e, NameSync, reqs, func(ctx context.Context, req store.EscrowRequest) ItemResult {
			return h.follow(ctx, view, req)
		})
		for _, it := range res.Items {
			if it.Outcome != OutcomeSkipped {
				items = append(items, it)
			}
		}
	}
	return items, errors.Join(errs...)
}

func (h *Sync) viewOf(source store.PaymentSource) (*scriptView, error) {
	provider, network, err := h.env.provider(source.Network)
	if err != nil {
		return nil, err
	}
	script, err := hex.DecodeString(strings.TrimSpace(source.EscrowScript))
	if err != nil || len(script) == 0 {
		return nil, fmt.Errorf("%w: escrow script of source %s", ErrMisconfigured, source.ID)
	}
	addr, err := tx.ScriptAddress(network, script)
	if err != nil {
		return nil, err
	}
	return &scriptView{env: h.env, provider: provider, address: addr.String()}, nil
}

// follow moves one request to what the chain shows. A request whose current
// script output is still unspent is left alone. Otherwise the continuing
// output carrying its reference is adopted, or, when there is none, the
// terminal state implied by the last known state is applied.
func (h *Sync) follow(ctx context.Context, view *scriptView, req store.EscrowRequest) ItemResult {
	e := h.env
	res := ItemResult{ID: req.ID, WalletID: req.HotWalletID, Outcome: OutcomeSkipped}

	consumed := false
	if req.CurrentTransactionID != nil {
		current, err := e.Repo.TransactionByID(ctx, *req.CurrentTransactionID)
		if err != nil {
			return h.observeFailed(res, req, err)
		}
		if current.Status != store.TxConfirmed || current.Hash == "" {
			return res
		}
		live, err := h.liveIn(ctx, view, current.Hash, req.BlockchainIdentifier)
		if errors.Is(err, cardano.ErrNotFound) {
			return res
		}
		if err != nil {
			return h.observeFailed(res, req, err)
		}
		if live {
			return res
		}
		consumed = true
	} else if req.OnChainState != escrow.StateNone {
		return res
	}

	candidates, err := view.lookup(ctx, req.BlockchainIdentifier, consumed)
	if err != nil {
		return h.observeFailed(res, req, err)
	}
	switch {
	case len(candidates) > 1:
		return h.conflict(ctx, res, req, fmt.Sprintf("%d script outputs carry reference %s", len(candidates), req.BlockchainIdentifier))
	case len(candidates) == 1:
		return h.adopt(ctx, res, req, candidates[0])
	case !consumed:
		return res
	}

	var terminal escrow.OnChainState
	switch {
	case req.OnChainState == escrow.StateResultSubmitted:
		terminal = escrow.StateWithdrawn
	case req.OnChainState == escrow.StateRefundRequested && req.ResultHash == "":
		terminal = escrow.StateRefundWithdrawn
	default:
		return h.conflict(ctx, res, req, fmt.Sprintf("escrow output consumed from state %s", req.OnChainState))
	}
	return h.apply(ctx, res, req, store.Observation{
		RequestID:    req.ID,
		PreviousTxID: req.CurrentTransactionID,
		State:        terminal,
	})
}

// liveIn reports whether the escrow output of reference is still unspent
// among the outputs of hash.
func (h *Sync) liveIn(ctx context.Context, view *scriptView, hash, reference string) (bool, error) {
	var outputs []utxo.UTxO
	err := h.env.call(ctx, "fetch_tx_utxos", func(ctx context.Context) error {
		var err error
		outputs, err = view.provider.FetchUTxOsByTxHash(ctx, hash)
		return err
	})
	if err != nil {
		return false, err
	}
	for _, u := range outputs {
		if u.Address != view.address || len(u.Datum) == 0 {
			continue
		}
		d, err := contract.DecodeDatum(u.Datum)
		if err == nil && d.ReferenceID == reference {
			return true, nil
		}
	}
	return false, nil
}

func (h *Sync) adopt(ctx context.Context, res ItemResult, req store.EscrowRequest, out scriptOutput) ItemResult {
	if err := checkParties(out.datum, req); err != nil {
		return h.conflict(ctx, res, req, fmt.Sprintf("%v: %v: output %s", ErrForeignOutput, err, out.utxo.Ref))
	}
	if !coversFunds(out.utxo.Value, req.Funds) {
		return h.conflict(ctx, res, req, fmt.Sprintf("%v: output %s holds less than the escrowed funds", ErrForeignOutput, out.utxo.Ref))
	}
	state, err := out.datum.State.OnChain()
	if err != nil {
		return h.conflict(ctx, res, req, err.Error())
	}
	return h.apply(ctx, res, req, store.Observation{
		RequestID:      req.ID,
		PreviousTxID:   req.CurrentTransactionID,
		State:          state,
		TxHash:         out.utxo.Ref.TxHash,
		ResultHash:     out.datum.ResultHash,
		BuyerCooldown:  out.datum.BuyerCooldown,
		SellerCooldown: out.datum.SellerCooldown,
	})
}

func (h *Sync) apply(ctx context.Context, res ItemResult, req store.EscrowRequest, o store.Observation) ItemResult {
	err := h.env.Repo.ObserveEscrow(ctx, o)
	switch {
	case errors.Is(err, store.ErrStaleRequest):
		return res
	case errors.Is(err, escrow.ErrInvalidTransition):
		return h.conflict(ctx, res, req, err.Error())
	case err != nil:
		return h.observeFailed(res, req, err)
	}
	h.env.logger().Info("escrow moved on chain",
		slog.String("handler", NameSync),
		slog.String("request_id", req.ID.String()),
		slog.String("from", string(req.OnChainState)),
		slog.String("to", string(o.State)),
		slog.String("tx_hash", o.TxHash))
	res.Outcome = OutcomeConfirmed
	res.TxHash = o.TxHash
	return res
}

func (h *Sync) conflict(ctx context.Context, res ItemResult, req store.EscrowRequest, note string) ItemResult {
	err := h.env.Repo.EscalateEscrow(ctx, req.ID, store.ErrorStateConflict, note)
	if errors.Is(err, store.ErrStaleRequest) {
		return res
	}
	if err != nil {
		return h.observeFailed(res, req, err)
	}
	observability.Settlement().RecordEscalation(NameSync, string(store.ErrorStateConflict))
	h.env.logger().Error("escrow escalated to manual review",
		slog.String("handler", NameSync),
		slog.String("request_id", req.ID.String()),
		slog.String("reason", note))
	res.Outcome = OutcomeEscalated
	res.Err = errors.New(note)
	return res
}

func (h *Sync) observeFailed(res ItemResult, req store.EscrowRequest, err error) ItemResult {
	h.env.logger().Warn("escrow observation failed",
		slog.String("handler", NameSync),
		slog.String("request_id", req.ID.String()),
		slog.Any("error", err))
	res.Outcome = OutcomeFailed
	res.Err = err
	return res
}

// coversFunds reports whether v holds at least every escrowed amount.
func coversFunds(v utxo.Value, funds []store.Fund) bool {
	for _, f := range funds {
		want, err := uint256.FromDecimal(f.Amount)
		if err != nil {
			return false
		}
		have, ok := v[f.Unit]
		if !ok || have == nil || have.Lt(want) {
			return false
		}
	}
	return true
}
