package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agentescrow/escrow"
	"agentescrow/retry"
	"agentescrow/store"
)

func noSleep(context.Context, time.Duration) error { return nil }

type flakyRepo struct {
	failures int
	calls    int
	swept    int64
	released []uuid.UUID
}

func (r *flakyRepo) LeaseEscrow(context.Context, store.EscrowCriteria) ([]store.EscrowLease, error) {
	r.calls++
	if r.calls <= r.failures {
		return nil, &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	}
	return []store.EscrowLease{{Wallet: store.HotWallet{ID: uuid.New()}}}, nil
}

func (r *flakyRepo) LeaseCollateral(context.Context, int, time.Duration) ([]store.CollateralLease, error) {
	return nil, errors.New("boom")
}

func (r *flakyRepo) LeaseRegistry(context.Context, []store.RegistryState, int, time.Duration) ([]store.RegistryLease, error) {
	return nil, nil
}

func (r *flakyRepo) ReleaseWallet(_ context.Context, id uuid.UUID) error {
	r.released = append(r.released, id)
	return nil
}

func (r *flakyRepo) SweepStaleLeases(_ context.Context, ttl time.Duration) (int64, error) {
	if ttl != 3*time.Minute {
		return 0, fmt.Errorf("unexpected ttl %s", ttl)
	}
	return r.swept, nil
}

func TestEscrowRetriesSerializationConflicts(t *testing.T) {
	repo := &flakyRepo{failures: 2}
	m := NewManager(repo, time.Minute, retry.DefaultPolicy().WithSleep(noSleep))

	leases, err := m.Escrow(context.Background(), store.EscrowCriteria{Limit: 1})
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, 3, repo.calls)
}

func TestPermanentLeaseErrorIsNotRetried(t *testing.T) {
	repo := &flakyRepo{}
	m := NewManager(repo, time.Minute, retry.DefaultPolicy().WithSleep(noSleep))
	_, err := m.Collateral(context.Background(), 5)
	require.EqualError(t, err, "boom")
}

func TestSweepAndReleaseUseTTL(t *testing.T) {
	repo := &flakyRepo{swept: 4}
	m := NewManager(repo, 3*time.Minute, retry.DefaultPolicy())
	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	id := uuid.New()
	require.NoError(t, m.Release(context.Background(), id))
	require.Equal(t, []uuid.UUID{id}, repo.released)

	require.Equal(t, DefaultTTL, NewManager(repo, 0, retry.DefaultPolicy()).TTL())
}

func TestNilRepository(t *testing.T) {
	m := NewManager(nil, time.Minute, retry.DefaultPolicy())
	_, err := m.Escrow(context.Background(), store.EscrowCriteria{})
	require.ErrorIs(t, err, ErrNoRepository)
}

// Two managers stand in for two processes sharing one database.
func TestManagersNeverShareAWallet(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.AutoMigrate(db))

	source := store.PaymentSource{ID: uuid.New(), Network: "Preprod", MaxRetries: 3}
	require.NoError(t, db.Create(&source).Error)
	wallets := make([]store.HotWallet, 3)
	for i := range wallets {
		wallets[i] = store.HotWallet{ID: uuid.New(), PaymentSourceID: source.ID, Type: store.WalletSelling}
		require.NoError(t, db.Create(&wallets[i]).Error)
		for j := 0; j < 3; j++ {
			req := store.EscrowRequest{
				ID:                   uuid.New(),
				Kind:                 escrow.KindPayment,
				BlockchainIdentifier: uuid.NewString(),
				PaymentSourceID:      source.ID,
				HotWalletID:          wallets[i].ID,
				OnChainState:         escrow.StateFundsLocked,
				NextAction:           store.NextAction{RequestedAction: escrow.PaymentSubmitResultRequested},
			}
			require.NoError(t, db.Create(&req).Error)
		}
	}

	criteria := store.EscrowCriteria{
		Kind:    escrow.KindPayment,
		Actions: []escrow.Action{escrow.PaymentSubmitResultRequested},
		States:  []escrow.OnChainState{escrow.StateFundsLocked},
		Limit:   10,
	}
	managers := []*Manager{
		NewManager(store.New(db, nil), time.Minute, retry.DefaultPolicy()),
		NewManager(store.New(db, nil), time.Minute, retry.DefaultPolicy()),
	}

	seen := map[uuid.UUID]int{}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, m := range managers {
		for k := 0; k < 2; k++ {
			wg.Add(1)
			go func(m *Manager) {
				defer wg.Done()
				leases, err := m.Escrow(context.Background(), criteria)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
				}
				for _, l := range leases {
					seen[l.Wallet.ID]++
				}
			}(m)
		}
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Len(t, seen, len(wallets))
	for id, n := range seen {
		require.Equal(t, 1, n, "wallet %s leased %d times", id, n)
	}
}
