package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"agentescrow/cardano"
	"agentescrow/cardano/tx"
	"agentescrow/observability"
	"agentescrow/retry"
	"agentescrow/store"
)

// submission is a built transaction ready to be handed to the network.
type submission struct {
	id       uuid.UUID
	walletID uuid.UUID
	provider cardano.Provider
	unsigned *tx.Unsigned
	signer   tx.Signer
	record   store.Submission
}

// submit persists the pending transaction row before anything leaves the
// process, then signs, submits under the retry policy and records the hash.
// A failure that no attempt could have survived on the node aborts the row
// and is reported through fail. When an attempt ended without a verdict the
// locally computed hash is recorded instead and the wallet stays blocked
// until the sync handler confirms the transaction or gives it up.
func (e *Env) submit(ctx context.Context, handler string, s submission, fail func(error) ItemResult) ItemResult {
	record, err := e.Repo.BeginSubmission(ctx, s.record)
	if err != nil {
		return fail(fmt.Errorf("begin submission: %w", err))
	}
	hash, err := e.send(ctx, s)
	if err != nil && !hash.maybeAccepted {
		if aerr := e.Repo.AbortSubmission(ctx, record.ID); aerr != nil {
			err = errors.Join(err, fmt.Errorf("abort submission %s: %w", record.ID, aerr))
		}
		return fail(err)
	}
	if cerr := e.Repo.CompleteSubmission(ctx, record.ID, hash.value); cerr != nil {
		// The network may have the transaction. The pending row keeps the
		// wallet blocked and the sync handler escalates it once the lease
		// expires.
		e.logger().Error("record submitted transaction",
			slog.String("handler", handler),
			slog.String("request_id", s.id.String()),
			slog.String("tx_id", record.ID.String()),
			slog.String("tx_hash", hash.value),
			slog.Any("error", cerr))
		return ItemResult{ID: s.id, WalletID: s.walletID, Outcome: OutcomeFailed, TxHash: hash.value, Err: errors.Join(err, cerr)}
	}
	if err != nil {
		e.logger().Warn("submission outcome unknown, awaiting confirmation",
			slog.String("handler", handler),
			slog.String("request_id", s.id.String()),
			slog.String("wallet_id", s.walletID.String()),
			slog.String("action", s.record.Action),
			slog.String("tx_hash", hash.value),
			slog.Any("error", err))
		return ItemResult{ID: s.id, WalletID: s.walletID, Outcome: OutcomeWaiting, TxHash: hash.value, Err: err}
	}
	e.logger().Info("transaction submitted",
		slog.String("handler", handler),
		slog.String("request_id", s.id.String()),
		slog.String("wallet_id", s.walletID.String()),
		slog.String("action", s.record.Action),
		slog.String("tx_hash", hash.value),
		slog.Uint64("fee", s.unsigned.Fee()))
	return ItemResult{ID: s.id, WalletID: s.walletID, Outcome: OutcomeSubmitted, TxHash: hash.value}
}

// sentHash is the id of a signed transaction and whether any submit attempt
// may have reached the node.
type sentHash struct {
	value         string
	maybeAccepted bool
}

func (e *Env) send(ctx context.Context, s submission) (sentHash, error) {
	signed, err := s.unsigned.Sign(s.signer)
	if err != nil {
		return sentHash{}, err
	}
	out := sentHash{value: s.unsigned.Hash()}
	var returned string
	err = e.call(ctx, "submit", func(ctx context.Context) error {
		var err error
		returned, err = s.provider.Submit(ctx, signed)
		if reachedNode(err) {
			out.maybeAccepted = true
		}
		return err
	})
	observability.Settlement().RecordSubmission(s.record.Action, err)
	if err != nil {
		return out, err
	}
	out.maybeAccepted = true
	if returned != "" && !strings.EqualFold(returned, out.value) {
		e.logger().Warn("provider returned unexpected transaction hash",
			slog.String("tx_hash", returned),
			slog.String("expected", out.value))
	}
	return out, nil
}

// reachedNode reports whether a failed submit attempt may still have been
// accepted. Only a verdict from the node or a rate limit refusal rules that
// out.
func reachedNode(err error) bool {
	return err != nil && retry.IsTransient(err) && !errors.Is(err, cardano.ErrRateLimited)
}
