package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentescrow/escrow"
)

// EscrowCriteria selects escrow requests for one handler.
type EscrowCriteria struct {
	Kind    escrow.RequestKind
	Actions []escrow.Action
	States  []escrow.OnChainState
	// Cooldown requires the acting side's cooldown to have elapsed: the
	// buyer's for purchases, the seller's for payments.
	Cooldown bool
	Limit    int
	// TTL is the lease lifetime; older locks are treated as expired.
	TTL time.Duration
}

// EscrowLease is a request together with its freshly leased wallet.
type EscrowLease struct {
	Request EscrowRequest
	Wallet  HotWallet
	Source  PaymentSource
}

// CollateralLease is a pending collateral request with its leased wallet.
type CollateralLease struct {
	Request CollateralRequest
	Wallet  HotWallet
	Source  PaymentSource
}

// RegistryLease is a registry request with its leased wallet.
type RegistryLease struct {
	Request RegistryRequest
	Wallet  HotWallet
	Source  PaymentSource
}

const scanFactor = 4

// walletFilter restricts q to rows whose wallet and source are live, whose
// wallet is free and whose source is not mid sync.
func walletFilter(q *gorm.DB, table string, cutoff time.Time) *gorm.DB {
	return q.
		Joins("JOIN hot_wallets ON hot_wallets.id = "+table+".hot_wallet_id AND hot_wallets.deleted_at IS NULL").
		Joins("JOIN payment_sources ON payment_sources.id = "+table+".payment_source_id AND payment_sources.deleted_at IS NULL").
		Where("hot_wallets.pending_transaction_id IS NULL").
		Where("hot_wallets.locked_at IS NULL OR hot_wallets.locked_at < ?", cutoff).
		Where("payment_sources.sync_in_progress = ?", false)
}

// LeaseEscrow selects requests matching c and leases their wallets in one
// serializable transaction. At most one request per wallet is returned.
func (s *Store) LeaseEscrow(ctx context.Context, c EscrowCriteria) ([]EscrowLease, error) {
	if c.Limit <= 0 || len(c.Actions) == 0 || len(c.States) == 0 {
		return nil, nil
	}
	var leases []EscrowLease
	err := s.serializable(ctx, func(tx *gorm.DB) error {
		leases = nil
		now := s.now()
		q := tx.Model(&EscrowRequest{}).Select("escrow_requests.*")
		q = walletFilter(q, "escrow_requests", now.Add(-c.TTL)).
			Where("escrow_requests.kind = ?", c.Kind).
			Where("escrow_requests.next_requested_action IN ?", c.Actions).
			Where("escrow_requests.on_chain_state IN ?", c.States).
			Where("escrow_requests.next_error_type = ? AND escrow_requests.next_requires_manual_review = ?", "", false)
		if c.Cooldown {
			column := "escrow_requests.buyer_cooldown_time"
			if c.Kind == escrow.KindPayment {
				column = "escrow_requests.seller_cooldown_time"
			}
			q = q.Where(column+" <= ?", now.UnixMilli())
		}
		var candidates []EscrowRequest
		err := s.lockWallets(q).
			Order("escrow_requests.updated_at ASC").
			Limit(c.Limit * scanFactor).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		return claimEach(tx, candidates, c.Limit, now, now.Add(-c.TTL),
			func(r EscrowRequest) (uuid.UUID, uuid.UUID) { return r.HotWalletID, r.PaymentSourceID },
			func(r EscrowRequest, w HotWallet, p PaymentSource) error {
				if err := tx.Where("escrow_request_id = ?", r.ID).Find(&r.Funds).Error; err != nil {
					return err
				}
				leases = append(leases, EscrowLease{Request: r, Wallet: w, Source: p})
				return nil
			})
	})
	if err != nil {
		return nil, err
	}
	return leases, nil
}

// LeaseCollateral leases selling wallets for pending collateral requests that
// have no transaction in flight.
func (s *Store) LeaseCollateral(ctx context.Context, limit int, ttl time.Duration) ([]CollateralLease, error) {
	if limit <= 0 {
		return nil, nil
	}
	var leases []CollateralLease
	err := s.serializable(ctx, func(tx *gorm.DB) error {
		leases = nil
		now := s.now()
		q := tx.Model(&CollateralRequest{}).Select("collateral_requests.*")
		q = walletFilter(q, "collateral_requests", now.Add(-ttl)).
			Where("hot_wallets.type = ?", WalletSelling).
			Where("collateral_requests.state = ?", CollateralPending).
			Where("collateral_requests.current_transaction_id IS NULL").
			Where("collateral_requests.next_error_type = ? AND collateral_requests.next_requires_manual_review = ?", "", false)
		var candidates []CollateralRequest
		err := s.lockWallets(q).
			Order("collateral_requests.created_at ASC").
			Limit(limit * scanFactor).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		return claimEach(tx, candidates, limit, now, now.Add(-ttl),
			func(r CollateralRequest) (uuid.UUID, uuid.UUID) { return r.HotWalletID, r.PaymentSourceID },
			func(r CollateralRequest, w HotWallet, p PaymentSource) error {
				leases = append(leases, CollateralLease{Request: r, Wallet: w, Source: p})
				return nil
			})
	})
	if err != nil {
		return nil, err
	}
	return leases, nil
}

// LeaseRegistry leases wallets for registry requests in one of states.
func (s *Store) LeaseRegistry(ctx context.Context, states []RegistryState, limit int, ttl time.Duration) ([]RegistryLease, error) {
	if limit <= 0 || len(states) == 0 {
		return nil, nil
	}
	var leases []RegistryLease
	err := s.serializable(ctx, func(tx *gorm.DB) error {
		leases = nil
		now := s.now()
		q := tx.Model(&RegistryRequest{}).Select("registry_requests.*")
		q = walletFilter(q, "registry_requests", now.Add(-ttl)).
			Where("registry_requests.state IN ?", states).
			Where("registry_requests.next_error_type = ? AND registry_requests.next_requires_manual_review = ?", "", false)
		var candidates []RegistryRequest
		err := s.lockWallets(q).
			Order("registry_requests.updated_at ASC").
			Limit(limit * scanFactor).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		return claimEach(tx, candidates, limit, now, now.Add(-ttl),
			func(r RegistryRequest) (uuid.UUID, uuid.UUID) { return r.HotWalletID, r.PaymentSourceID },
			func(r RegistryRequest, w HotWallet, p PaymentSource) error {
				leases = append(leases, RegistryLease{Request: r, Wallet: w, Source: p})
				return nil
			})
	})
	if err != nil {
		return nil, err
	}
	return leases, nil
}

// claimEach walks candidates in order, skips any whose wallet was already
// seen or could not be claimed, and hands the rest to keep until limit
// leases were granted.
func claimEach[T any](
	tx *gorm.DB,
	candidates []T,
	limit int,
	now, cutoff time.Time,
	ids func(T) (wallet, source uuid.UUID),
	keep func(T, HotWallet, PaymentSource) error,
) error {
	seen := make(map[uuid.UUID]struct{}, len(candidates))
	granted := 0
	for _, candidate := range candidates {
		if granted >= limit {
			break
		}
		walletID, sourceID := ids(candidate)
		if _, dup := seen[walletID]; dup {
			continue
		}
		seen[walletID] = struct{}{}
		ok, err := claimWallet(tx, walletID, now, cutoff)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var wallet HotWallet
		if err := tx.First(&wallet, "id = ?", walletID).Error; err != nil {
			return err
		}
		var source PaymentSource
		if err := tx.First(&source, "id = ?", sourceID).Error; err != nil {
			return err
		}
		if err := keep(candidate, wallet, source); err != nil {
			return err
		}
		granted++
	}
	return nil
}
