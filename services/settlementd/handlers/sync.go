package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentescrow/cardano"
	"agentescrow/store"
)

// DefaultConfirmationTimeout bounds how long a submitted transaction may
// stay invisible before it is given up.
const DefaultConfirmationTimeout = 30 * time.Minute

// Sync reconciles pending transactions with the chain: visible ones are
// confirmed and their effect applied, vanished ones escalate. It then
// follows escrows moved by the other side of the deal.
type Sync struct {
	env   *Env
	limit int
}

// NewSync builds the confirmation sync.
func NewSync(env *Env, limit int) *Sync {
	return &Sync{env: env, limit: limit}
}

func (h *Sync) Name() string { return NameSync }

// Run reconciles up to limit pending transactions, then observes every
// escrow no pending transaction covers.
func (h *Sync) Run(ctx context.Context) (BatchResult, error) {
	pending, err := h.env.Repo.PendingTransactions(ctx, h.limit)
	if err != nil {
		return BatchResult{Handler: NameSync}, fmt.Errorf("pending transactions: %w", err)
	}
	res := runBatch(ctx, h.env, NameSync, pending, h.reconcile)
	observed, err := h.observe(ctx)
	res.Items = append(res.Items, observed...)
	if err != nil {
		return res, fmt.Errorf("observe escrows: %w", err)
	}
	return res, nil
}

func (h *Sync) reconcile(ctx context.Context, record store.Transaction) ItemResult {
	e := h.env
	res := ItemResult{ID: record.ID, TxHash: record.Hash}
	if record.WalletID != nil {
		res.WalletID = *record.WalletID
	}
	now := e.now()

	// An empty hash means the process stopped between persisting the row
	// and submitting. Whether the network saw the transaction is unknown.
	if record.Hash == "" {
		if now.Sub(record.CreatedAt) < e.Leases.TTL() {
			res.Outcome = OutcomeWaiting
			return res
		}
		return h.giveUp(ctx, res, record, "transaction was never handed to the network")
	}

	visible, err := h.visible(ctx, record)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		e.logger().Warn("confirmation check failed",
			slog.String("handler", NameSync),
			slog.String("tx_id", record.ID.String()),
			slog.String("tx_hash", record.Hash),
			slog.Any("error", err))
		return res
	}
	if visible {
		if err := e.Repo.ConfirmTransaction(ctx, record.ID); err != nil {
			res.Outcome = OutcomeFailed
			res.Err = err
			e.logger().Error("confirm transaction",
				slog.String("handler", NameSync),
				slog.String("tx_id", record.ID.String()),
				slog.Any("error", err))
			return res
		}
		e.logger().Info("transaction confirmed",
			slog.String("handler", NameSync),
			slog.String("tx_id", record.ID.String()),
			slog.String("tx_hash", record.Hash),
			slog.String("action", record.Action))
		res.Outcome = OutcomeConfirmed
		return res
	}

	timeout := e.Tx.ConfirmationTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	since := record.CreatedAt
	if record.SubmittedAt != nil {
		since = *record.SubmittedAt
	}
	if now.Sub(since) > timeout {
		return h.giveUp(ctx, res, record, fmt.Sprintf("transaction %s not visible after %s", record.Hash, timeout))
	}
	res.Outcome = OutcomeWaiting
	return res
}

func (h *Sync) giveUp(ctx context.Context, res ItemResult, record store.Transaction, note string) ItemResult {
	if err := h.env.Repo.FailTransaction(ctx, record.ID, note); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	h.env.logger().Error("transaction escalated to manual review",
		slog.String("handler", NameSync),
		slog.String("tx_id", record.ID.String()),
		slog.String("tx_hash", record.Hash),
		slog.String("reason", note))
	res.Outcome = OutcomeEscalated
	res.Err = errors.New(note)
	return res
}

// visible reports whether the transaction's effect can be observed. Registry
// transactions are judged by asset ownership, everything else by the
// indexer knowing the transaction.
func (h *Sync) visible(ctx context.Context, record store.Transaction) (bool, error) {
	e := h.env
	if record.WalletID == nil {
		return false, fmt.Errorf("transaction %s has no wallet", record.ID)
	}
	hw, err := e.Repo.Wallet(ctx, *record.WalletID)
	if err != nil {
		return false, err
	}
	source, err := e.Repo.Source(ctx, hw.PaymentSourceID)
	if err != nil {
		return false, err
	}
	provider, _, err := e.provider(source.Network)
	if err != nil {
		return false, err
	}

	if record.RegistryRequestID != nil {
		req, err := e.Repo.RegistryRequest(ctx, *record.RegistryRequestID)
		if err != nil {
			return false, err
		}
		if req.AgentIdentifier != "" {
			return h.ownershipSettled(ctx, provider, req, hw.Address)
		}
	}

	err = e.call(ctx, "fetch_tx_utxos", func(ctx context.Context) error {
		_, err := provider.FetchUTxOsByTxHash(ctx, record.Hash)
		return err
	})
	if errors.Is(err, cardano.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ownershipSettled reports whether the registry asset is held by the wallet
// after a mint, or held by nobody after a burn.
func (h *Sync) ownershipSettled(ctx context.Context, p cardano.Provider, req store.RegistryRequest, walletAddress string) (bool, error) {
	var owners []cardano.AssetOwner
	err := h.env.call(ctx, "asset_owners", func(ctx context.Context) error {
		var err error
		owners, err = p.AssetOwners(ctx, req.AgentIdentifier)
		return err
	})
	if errors.Is(err, cardano.ErrNotFound) {
		err, owners = nil, nil
	}
	if err != nil {
		return false, err
	}
	held := false
	for _, o := range owners {
		if o.Quantity == nil || o.Quantity.IsZero() {
			continue
		}
		if o.Address == walletAddress || req.State == store.DeregistrationInitiated {
			held = true
		}
	}
	if req.State == store.DeregistrationInitiated {
		return !held, nil
	}
	return held, nil
}

// Janitor clears wallet leases older than the lease TTL that no pending
// transaction backs.
type Janitor struct {
	env *Env
}

// NewJanitor builds the lease janitor.
func NewJanitor(env *Env) *Janitor {
	return &Janitor{env: env}
}

func (h *Janitor) Name() string { return NameJanitor }

// Run sweeps stale leases. The batch result carries no items.
func (h *Janitor) Run(ctx context.Context) (BatchResult, error) {
	n, err := h.env.Leases.Sweep(ctx)
	if err != nil {
		return BatchResult{Handler: NameJanitor}, fmt.Errorf("sweep leases: %w", err)
	}
	if n > 0 {
		h.env.logger().Warn("stale wallet leases cleared",
			slog.String("handler", NameJanitor),
			slog.Int64("wallets", n),
			slog.Duration("ttl", h.env.Leases.TTL()))
	}
	return BatchResult{Handler: NameJanitor}, nil
}
