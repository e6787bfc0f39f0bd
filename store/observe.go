package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentescrow/escrow"
	"agentescrow/retry"
)

// ErrorStateConflict is the error type recorded when the chain shows an
// escrow the request cannot follow.
const ErrorStateConflict retry.ErrorType = "StateConflict"

// ActionObserved labels transaction rows recorded for escrow moves made by
// someone else.
const ActionObserved = "Observed"

// Observation is an escrow change seen on chain that no transaction of the
// request itself produced.
type Observation struct {
	RequestID uuid.UUID
	// PreviousTxID is the current transaction the observer started from.
	PreviousTxID *uuid.UUID
	State        escrow.OnChainState
	// TxHash holds the live script output. It is empty when the output was
	// consumed without a continuation.
	TxHash         string
	ResultHash     string
	BuyerCooldown  int64
	SellerCooldown int64
}

// ActiveSources lists payment sources that are not mid sync.
func (s *Store) ActiveSources(ctx context.Context) ([]PaymentSource, error) {
	var out []PaymentSource
	err := s.db.WithContext(ctx).Where("sync_in_progress = ?", false).Order("created_at ASC").Find(&out).Error
	return out, err
}

// ObservableEscrows returns the requests of a source whose escrow can move
// without them: not terminal, not held for manual review, with no pending
// transaction of their own and a wallet not leased within ttl.
func (s *Store) ObservableEscrows(ctx context.Context, sourceID uuid.UUID, ttl time.Duration) ([]EscrowRequest, error) {
	cutoff := s.now().Add(-ttl)
	var out []EscrowRequest
	err := s.db.WithContext(ctx).
		Preload("Funds").
		Select("escrow_requests.*").
		Joins("JOIN hot_wallets ON hot_wallets.id = escrow_requests.hot_wallet_id").
		Where("escrow_requests.payment_source_id = ?", sourceID).
		Where("escrow_requests.on_chain_state NOT IN ?", []escrow.OnChainState{escrow.StateWithdrawn, escrow.StateRefundWithdrawn}).
		Where("escrow_requests.next_requires_manual_review = ?", false).
		Where("hot_wallets.locked_at IS NULL OR hot_wallets.locked_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM transactions WHERE transactions.escrow_request_id = escrow_requests.id AND transactions.status = ?)", TxPending).
		Order("escrow_requests.updated_at ASC").
		Find(&out).Error
	return out, err
}

// ObserveEscrow applies an observed change. It fails with ErrStaleRequest
// when the request moved since it was read, and wraps
// escrow.ErrInvalidTransition when the observed state cannot follow the
// stored one.
func (s *Store) ObserveEscrow(ctx context.Context, o Observation) error {
	return s.serializable(ctx, func(tx *gorm.DB) error {
		var req EscrowRequest
		if err := tx.First(&req, "id = ?", o.RequestID).Error; err != nil {
			return notFound(err)
		}
		if !sameID(req.CurrentTransactionID, o.PreviousTxID) || req.NextAction.RequiresManualReview {
			return ErrStaleRequest
		}
		var pending int64
		err := tx.Model(&Transaction{}).
			Where("escrow_request_id = ? AND status = ?", req.ID, TxPending).
			Count(&pending).Error
		if err != nil {
			return err
		}
		if pending > 0 {
			return ErrStaleRequest
		}
		if o.State != req.OnChainState && !escrow.Reachable(req.OnChainState, o.State) {
			return fmt.Errorf("observe %s: %w: %q -> %q", req.ID, escrow.ErrInvalidTransition, req.OnChainState, o.State)
		}

		updates := map[string]any{"on_chain_state": o.State}
		if o.State.Terminal() {
			updates["next_requested_action"] = escrow.ActionNone
		}
		if o.TxHash != "" {
			now := s.now()
			record := Transaction{
				ID:                   uuid.New(),
				Hash:                 o.TxHash,
				Status:               TxConfirmed,
				Action:               ActionObserved,
				EscrowRequestID:      &req.ID,
				TargetState:          o.State,
				TargetBuyerCooldown:  o.BuyerCooldown,
				TargetSellerCooldown: o.SellerCooldown,
				SubmittedAt:          &now,
				CreatedAt:            now,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			updates["current_transaction_id"] = record.ID
			updates["buyer_cooldown_time"] = o.BuyerCooldown
			updates["seller_cooldown_time"] = o.SellerCooldown
			if o.ResultHash != "" {
				updates["result_hash"] = o.ResultHash
			}
		}
		return tx.Model(&req).Updates(updates).Error
	})
}

// EscalateEscrow holds a request for manual review without touching its
// wallet.
func (s *Store) EscalateEscrow(ctx context.Context, requestID uuid.UUID, errorType retry.ErrorType, note string) error {
	res := s.db.WithContext(ctx).Model(&EscrowRequest{}).
		Where("id = ? AND next_requires_manual_review = ?", requestID, false).
		Updates(map[string]any{
			"next_requested_action":       escrow.ActionWaitingForManualAction,
			"next_error_type":             string(errorType),
			"next_error_note":             truncate(note, 1024),
			"next_requires_manual_review": true,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrStaleRequest
	}
	return nil
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
