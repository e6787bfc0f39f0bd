// Package lease grants exclusive, time bounded ownership of signing wallets
// to handler runs. Mutual exclusion across processes comes from the
// serializable lease transaction in the store; the in-process mutex keeps
// this process's handlers from contending with each other for it.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentescrow/observability"
	"agentescrow/retry"
	"agentescrow/store"
)

// DefaultTTL is how long a lease without a pending transaction is honoured.
const DefaultTTL = 10 * time.Minute

// ErrNoRepository is returned when the manager was built without a store.
var ErrNoRepository = errors.New("lease: repository not configured")

// Repository is the slice of the store the manager needs.
type Repository interface {
	LeaseEscrow(ctx context.Context, c store.EscrowCriteria) ([]store.EscrowLease, error)
	LeaseCollateral(ctx context.Context, limit int, ttl time.Duration) ([]store.CollateralLease, error)
	LeaseRegistry(ctx context.Context, states []store.RegistryState, limit int, ttl time.Duration) ([]store.RegistryLease, error)
	ReleaseWallet(ctx context.Context, walletID uuid.UUID) error
	SweepStaleLeases(ctx context.Context, ttl time.Duration) (int64, error)
}

var _ Repository = (*store.Store)(nil)

// Manager hands out wallet leases.
type Manager struct {
	repo   Repository
	ttl    time.Duration
	policy retry.Policy

	mu sync.Mutex
}

// NewManager builds a manager. Serialization conflicts on the lease
// transaction are retried with policy.
func NewManager(repo Repository, ttl time.Duration, policy retry.Policy) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{repo: repo, ttl: ttl, policy: policy}
}

// TTL returns the lease lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Escrow leases wallets for escrow requests matching c. c.TTL is overridden
// by the manager's TTL.
func (m *Manager) Escrow(ctx context.Context, c store.EscrowCriteria) ([]store.EscrowLease, error) {
	c.TTL = m.ttl
	var leases []store.EscrowLease
	err := m.run(ctx, "escrow", func(ctx context.Context) error {
		var err error
		leases, err = m.repo.LeaseEscrow(ctx, c)
		return err
	})
	observability.Settlement().RecordLeases("escrow", len(leases))
	return leases, err
}

// Collateral leases wallets for pending collateral requests.
func (m *Manager) Collateral(ctx context.Context, limit int) ([]store.CollateralLease, error) {
	var leases []store.CollateralLease
	err := m.run(ctx, "collateral", func(ctx context.Context) error {
		var err error
		leases, err = m.repo.LeaseCollateral(ctx, limit, m.ttl)
		return err
	})
	observability.Settlement().RecordLeases("collateral", len(leases))
	return leases, err
}

// Registry leases wallets for registry requests in one of states.
func (m *Manager) Registry(ctx context.Context, states []store.RegistryState, limit int) ([]store.RegistryLease, error) {
	var leases []store.RegistryLease
	err := m.run(ctx, "registry", func(ctx context.Context) error {
		var err error
		leases, err = m.repo.LeaseRegistry(ctx, states, limit, m.ttl)
		return err
	})
	observability.Settlement().RecordLeases("registry", len(leases))
	return leases, err
}

// Release frees a leased wallet that has no transaction in flight.
func (m *Manager) Release(ctx context.Context, walletID uuid.UUID) error {
	if m.repo == nil {
		return ErrNoRepository
	}
	return m.repo.ReleaseWallet(ctx, walletID)
}

// Sweep clears expired leases. It is the recovery path for a process that
// died between leasing a wallet and releasing it.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	if m.repo == nil {
		return 0, ErrNoRepository
	}
	n, err := m.repo.SweepStaleLeases(ctx, m.ttl)
	if err != nil {
		return 0, err
	}
	observability.Settlement().RecordSwept(n)
	return n, nil
}

func (m *Manager) run(ctx context.Context, kind string, fn func(context.Context) error) error {
	if m.repo == nil {
		return ErrNoRepository
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	attempts, err := m.policy.Do(ctx, fn)
	observability.Settlement().RecordRetries("lease_"+kind, attempts)
	return err
}
