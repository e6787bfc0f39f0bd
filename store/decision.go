package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentescrow/escrow"
)

var idle = []escrow.Action{escrow.ActionNone, escrow.ActionWaitingForExternalAction}

// DecisionCandidates returns idle, error free requests whose timers lie
// strictly before at: a submitted result past its unlock time, or a purchase
// refund request without result past its refund time.
func (s *Store) DecisionCandidates(ctx context.Context, at time.Time, limit int) ([]EscrowRequest, error) {
	ms := at.UnixMilli()
	var out []EscrowRequest
	err := s.db.WithContext(ctx).
		Select("escrow_requests.*").
		Joins("JOIN payment_sources ON payment_sources.id = escrow_requests.payment_source_id AND payment_sources.deleted_at IS NULL").
		Where("payment_sources.sync_in_progress = ?", false).
		Where("escrow_requests.next_requested_action IN ?", idle).
		Where("escrow_requests.next_error_type = ? AND escrow_requests.next_requires_manual_review = ?", "", false).
		Where(
			s.db.Where("escrow_requests.on_chain_state = ? AND escrow_requests.unlock_time < ?", escrow.StateResultSubmitted, ms).
				Or("escrow_requests.kind = ? AND escrow_requests.on_chain_state = ? AND escrow_requests.result_hash = ? AND escrow_requests.refund_time < ?",
					escrow.KindPurchase, escrow.StateRefundRequested, "", ms),
		).
		Order("escrow_requests.updated_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ArmAction moves a request from one requested action to another only if it
// still holds from. It returns ErrStaleRequest when the row changed.
func (s *Store) ArmAction(ctx context.Context, requestID uuid.UUID, from, to escrow.Action) error {
	res := s.db.WithContext(ctx).Model(&EscrowRequest{}).
		Where("id = ? AND next_requested_action = ? AND next_requires_manual_review = ?", requestID, from, false).
		Update("next_requested_action", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrStaleRequest
	}
	return nil
}
