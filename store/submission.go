package store

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentescrow/escrow"
	"agentescrow/retry"
)

// Submission describes a transaction about to be handed to the network.
// Exactly one of the request ids is set.
type Submission struct {
	WalletID            uuid.UUID
	Action              string
	EscrowRequestID     *uuid.UUID
	CollateralRequestID *uuid.UUID
	RegistryRequestID   *uuid.UUID

	// Escrow fields: the action recorded while in flight and the state
	// applied on confirmation.
	InitiatedAction      escrow.Action
	TargetState          escrow.OnChainState
	TargetBuyerCooldown  int64
	TargetSellerCooldown int64

	// Registry fields.
	RegistryState   RegistryState
	MintInput       string
	AgentIdentifier string
}

// BeginSubmission creates the pending transaction row with an empty hash,
// binds it to the wallet and marks the request as in flight. It fails with
// ErrWalletBusy when the wallet already blocks on another transaction.
func (s *Store) BeginSubmission(ctx context.Context, sub Submission) (Transaction, error) {
	record := Transaction{
		ID:                   uuid.New(),
		Status:               TxPending,
		Action:               sub.Action,
		WalletID:             &sub.WalletID,
		EscrowRequestID:      sub.EscrowRequestID,
		CollateralRequestID:  sub.CollateralRequestID,
		RegistryRequestID:    sub.RegistryRequestID,
		TargetState:          sub.TargetState,
		TargetBuyerCooldown:  sub.TargetBuyerCooldown,
		TargetSellerCooldown: sub.TargetSellerCooldown,
		CreatedAt:            s.now(),
	}
	err := s.serializable(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		res := tx.Model(&HotWallet{}).
			Where("id = ? AND pending_transaction_id IS NULL", sub.WalletID).
			Update("pending_transaction_id", record.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrWalletBusy
		}
		switch {
		case sub.EscrowRequestID != nil:
			// The current transaction moves on confirmation.
			return tx.Model(&EscrowRequest{}).Where("id = ?", *sub.EscrowRequestID).
				Update("next_requested_action", sub.InitiatedAction).Error
		case sub.CollateralRequestID != nil:
			return tx.Model(&CollateralRequest{}).Where("id = ?", *sub.CollateralRequestID).
				Update("current_transaction_id", record.ID).Error
		case sub.RegistryRequestID != nil:
			updates := map[string]any{
				"current_transaction_id": record.ID,
				"state":                  sub.RegistryState,
			}
			if sub.MintInput != "" {
				updates["mint_input"] = sub.MintInput
			}
			if sub.AgentIdentifier != "" {
				updates["agent_identifier"] = sub.AgentIdentifier
			}
			return tx.Model(&RegistryRequest{}).Where("id = ?", *sub.RegistryRequestID).Updates(updates).Error
		default:
			return fmt.Errorf("store: submission %s has no request", record.ID)
		}
	})
	if err != nil {
		return Transaction{}, err
	}
	return record, nil
}

// CompleteSubmission records the network hash, clears the request's error
// state and drops the lease timestamp. The wallet stays blocked by the
// pending relation until the transaction settles.
func (s *Store) CompleteSubmission(ctx context.Context, txID uuid.UUID, hash string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Transaction
		if err := tx.First(&record, "id = ?", txID).Error; err != nil {
			return notFound(err)
		}
		now := s.now()
		if err := tx.Model(&record).Updates(map[string]any{"hash": hash, "submitted_at": now}).Error; err != nil {
			return err
		}
		if record.WalletID != nil {
			if err := tx.Model(&HotWallet{}).Where("id = ?", *record.WalletID).Update("locked_at", nil).Error; err != nil {
				return err
			}
		}
		model, id := record.requestRef()
		if model == nil {
			return nil
		}
		return tx.Model(model).Where("id = ?", id).Updates(clearedFailure()).Error
	})
}

// AbortSubmission marks a transaction that never reached the network as
// FailedFinal, detaches it from its collateral or registry request and frees
// its wallet.
func (s *Store) AbortSubmission(ctx context.Context, txID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Transaction
		if err := tx.First(&record, "id = ?", txID).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Model(&record).Update("status", TxFailedFinal).Error; err != nil {
			return err
		}
		if model, id := record.requestRef(); model != nil && record.EscrowRequestID == nil {
			err := tx.Model(model).Where("id = ? AND current_transaction_id = ?", id, record.ID).
				Update("current_transaction_id", nil).Error
			if err != nil {
				return err
			}
		}
		return unblockWallet(tx, record)
	})
}

// unblockWallet clears the pending relation and the lease of the wallet the
// transaction blocks.
func unblockWallet(tx *gorm.DB, record Transaction) error {
	if record.WalletID == nil {
		return nil
	}
	return tx.Model(&HotWallet{}).
		Where("id = ? AND pending_transaction_id = ?", *record.WalletID, record.ID).
		Updates(map[string]any{"pending_transaction_id": nil, "locked_at": nil}).Error
}

// requestRef returns the model and id of the request a transaction serves.
func (t Transaction) requestRef() (any, uuid.UUID) {
	switch {
	case t.EscrowRequestID != nil:
		return &EscrowRequest{}, *t.EscrowRequestID
	case t.CollateralRequestID != nil:
		return &CollateralRequest{}, *t.CollateralRequestID
	case t.RegistryRequestID != nil:
		return &RegistryRequest{}, *t.RegistryRequestID
	}
	return nil, uuid.Nil
}

func clearedFailure() map[string]any {
	return map[string]any{
		"next_error_type":             "",
		"next_error_note":             "",
		"next_requires_manual_review": false,
		"next_retry_count":            0,
	}
}

// Failed describes a failed attempt on a request.
type Failed struct {
	Decision retry.Decision
	Note     string
	// Revert is the escrow action to restore when the attempt will be
	// retried, typically the "...Requested" form of the action.
	Revert escrow.Action
}

// RecordEscrowFailure persists a failed attempt and releases the wallet
// lease. Retried requests get their requested action back; escalated ones
// wait for manual action.
func (s *Store) RecordEscrowFailure(ctx context.Context, requestID, walletID uuid.UUID, f Failed) error {
	updates := failureUpdates(f)
	if f.Decision.ManualReview {
		updates["next_requested_action"] = escrow.ActionWaitingForManualAction
	} else if f.Revert != "" {
		updates["next_requested_action"] = f.Revert
	}
	return s.recordFailure(ctx, &EscrowRequest{}, requestID, walletID, updates)
}

// RecordCollateralFailure persists a failed collateral attempt. Escalated
// requests move to Failed.
func (s *Store) RecordCollateralFailure(ctx context.Context, requestID, walletID uuid.UUID, f Failed) error {
	updates := failureUpdates(f)
	if f.Decision.ManualReview {
		updates["state"] = CollateralFailed
	}
	return s.recordFailure(ctx, &CollateralRequest{}, requestID, walletID, updates)
}

// RecordRegistryFailure persists a failed registry attempt. Escalated
// requests move to the failed state of their phase.
func (s *Store) RecordRegistryFailure(ctx context.Context, req RegistryRequest, walletID uuid.UUID, f Failed) error {
	updates := failureUpdates(f)
	if f.Decision.ManualReview {
		updates["state"] = req.State.failed()
	} else {
		updates["state"] = req.State.requested()
	}
	return s.recordFailure(ctx, &RegistryRequest{}, req.ID, walletID, updates)
}

func (s *Store) recordFailure(ctx context.Context, model any, requestID, walletID uuid.UUID, updates map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(model).Where("id = ?", requestID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrNotFound
		}
		return releaseWallet(tx, walletID)
	})
}

// failureUpdates maps a decision onto the shared next_* columns. A retried
// failure keeps only the note so the request stays eligible for leasing.
func failureUpdates(f Failed) map[string]any {
	errorType := ""
	if f.Decision.ManualReview {
		errorType = string(f.Decision.Type)
	}
	return map[string]any{
		"next_error_type":             errorType,
		"next_error_note":             truncate(f.Note, 1024),
		"next_requires_manual_review": f.Decision.ManualReview,
		"next_retry_count":            f.Decision.RetryCount,
	}
}

func (r RegistryState) failed() RegistryState {
	switch r {
	case DeregistrationRequested, DeregistrationInitiated, DeregistrationConfirmed, DeregistrationFailed:
		return DeregistrationFailed
	}
	return RegistrationFailed
}

func (r RegistryState) requested() RegistryState {
	switch r {
	case DeregistrationRequested, DeregistrationInitiated, DeregistrationConfirmed, DeregistrationFailed:
		return DeregistrationRequested
	}
	return RegistrationRequested
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
