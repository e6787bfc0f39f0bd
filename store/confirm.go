package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentescrow/escrow"
	"agentescrow/retry"
)

// ErrorTimeout is the error type recorded when a transaction never became
// visible on chain.
const ErrorTimeout retry.ErrorType = "TransactionTimeout"

// PendingTransactions returns up to limit pending transactions, oldest first.
func (s *Store) PendingTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	var out []Transaction
	err := s.db.WithContext(ctx).
		Where("status = ?", TxPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ConfirmTransaction marks a pending transaction as confirmed, applies its
// effect to the request it serves and frees the wallet.
func (s *Store) ConfirmTransaction(ctx context.Context, txID uuid.UUID) error {
	return s.serializable(ctx, func(tx *gorm.DB) error {
		var record Transaction
		if err := tx.First(&record, "id = ?", txID).Error; err != nil {
			return notFound(err)
		}
		if record.Status != TxPending {
			return nil
		}
		if err := tx.Model(&record).Update("status", TxConfirmed).Error; err != nil {
			return err
		}
		switch {
		case record.EscrowRequestID != nil:
			if err := confirmEscrow(tx, record); err != nil {
				return err
			}
		case record.CollateralRequestID != nil:
			err := tx.Model(&CollateralRequest{}).Where("id = ?", *record.CollateralRequestID).
				Update("state", CollateralConfirmed).Error
			if err != nil {
				return err
			}
		case record.RegistryRequestID != nil:
			if err := confirmRegistry(tx, *record.RegistryRequestID); err != nil {
				return err
			}
		}
		return unblockWallet(tx, record)
	})
}

func confirmEscrow(tx *gorm.DB, record Transaction) error {
	var req EscrowRequest
	if err := tx.First(&req, "id = ?", *record.EscrowRequestID).Error; err != nil {
		return notFound(err)
	}
	if err := escrow.CheckTransition(req.OnChainState, record.TargetState); err != nil {
		return fmt.Errorf("confirm %s: %w", record.ID, err)
	}
	next := escrow.ActionWaitingForExternalAction
	if record.TargetState.Terminal() {
		next = escrow.ActionNone
	}
	updates := map[string]any{
		"on_chain_state":         record.TargetState,
		"next_requested_action":  next,
		"current_transaction_id": record.ID,
	}
	if record.TargetBuyerCooldown != 0 {
		updates["buyer_cooldown_time"] = record.TargetBuyerCooldown
	}
	if record.TargetSellerCooldown != 0 {
		updates["seller_cooldown_time"] = record.TargetSellerCooldown
	}
	return tx.Model(&req).Updates(updates).Error
}

func confirmRegistry(tx *gorm.DB, id uuid.UUID) error {
	var req RegistryRequest
	if err := tx.First(&req, "id = ?", id).Error; err != nil {
		return notFound(err)
	}
	next := RegistrationConfirmed
	if req.State == DeregistrationInitiated {
		next = DeregistrationConfirmed
	}
	return tx.Model(&req).Update("state", next).Error
}

// FailTransaction marks a pending transaction as FailedFinal, escalates the
// request it serves to manual review and frees the wallet.
func (s *Store) FailTransaction(ctx context.Context, txID uuid.UUID, note string) error {
	return s.serializable(ctx, func(tx *gorm.DB) error {
		var record Transaction
		if err := tx.First(&record, "id = ?", txID).Error; err != nil {
			return notFound(err)
		}
		if record.Status != TxPending {
			return nil
		}
		if err := tx.Model(&record).Update("status", TxFailedFinal).Error; err != nil {
			return err
		}
		updates := map[string]any{
			"next_error_type":             string(ErrorTimeout),
			"next_error_note":             truncate(note, 1024),
			"next_requires_manual_review": true,
		}
		switch {
		case record.EscrowRequestID != nil:
			updates["next_requested_action"] = escrow.ActionWaitingForManualAction
			if err := tx.Model(&EscrowRequest{}).Where("id = ?", *record.EscrowRequestID).Updates(updates).Error; err != nil {
				return err
			}
		case record.CollateralRequestID != nil:
			updates["state"] = CollateralFailed
			if err := tx.Model(&CollateralRequest{}).Where("id = ?", *record.CollateralRequestID).Updates(updates).Error; err != nil {
				return err
			}
		case record.RegistryRequestID != nil:
			var req RegistryRequest
			if err := tx.First(&req, "id = ?", *record.RegistryRequestID).Error; err != nil {
				return notFound(err)
			}
			updates["state"] = req.State.failed()
			if err := tx.Model(&req).Updates(updates).Error; err != nil {
				return err
			}
		}
		return unblockWallet(tx, record)
	})
}

// ConfirmCollateral completes a collateral request that needed no
// transaction and releases its wallet.
func (s *Store) ConfirmCollateral(ctx context.Context, requestID, walletID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := clearedFailure()
		updates["state"] = CollateralConfirmed
		if err := tx.Model(&CollateralRequest{}).Where("id = ?", requestID).Updates(updates).Error; err != nil {
			return err
		}
		return releaseWallet(tx, walletID)
	})
}

// RegistryRequest loads a registry request row.
func (s *Store) RegistryRequest(ctx context.Context, id uuid.UUID) (RegistryRequest, error) {
	var r RegistryRequest
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return RegistryRequest{}, notFound(err)
	}
	return r, nil
}
