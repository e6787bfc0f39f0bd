package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agentescrow/cardano"
	"agentescrow/cardano/contract"
	"agentescrow/cardano/tx"
	"agentescrow/cardano/utxo"
	"agentescrow/crypto"
	"agentescrow/escrow"
	"agentescrow/lease"
	"agentescrow/retry"
	"agentescrow/store"
	"agentescrow/wallet"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testParams = cardano.ProtocolParams{
	MinFeeA:            44,
	MinFeeB:            155381,
	MaxTxSize:          16384,
	CoinsPerUTxOByte:   4310,
	PriceMemNum:        577,
	PriceMemDen:        10000,
	PriceStepNum:       721,
	PriceStepDen:       10000000,
	CollateralPercent:  150,
	MaxCollateralInput: 3,
	CostModelV3:        []int64{100788, 420, 1, 1, 1000, 173, 0, 1},
}

var (
	escrowScript   = []byte{0x46, 0x01, 0x00, 0x00, 0x22, 0x22, 0x01}
	registryScript = []byte{0x46, 0x01, 0x00, 0x00, 0x22, 0x22, 0x02}
)

const escrowLovelace = 100_000_000

type plainSecrets struct{}

func (plainSecrets) Decrypt(_ context.Context, sealed string) ([]byte, error) {
	return []byte(sealed), nil
}

// fakeProvider is an in-memory chain view.
type fakeProvider struct {
	mu        sync.Mutex
	network   cardano.Network
	utxosAt   map[string][]utxo.UTxO
	txUTxOs   map[string][]utxo.UTxO
	owners    map[string][]cardano.AssetOwner
	submitted [][]byte
	submitErr error
	// attempts scripts the next Submit calls before submitErr applies.
	attempts []submitAttempt
}

// submitAttempt is the node's reaction to one Submit call: whether it kept
// the transaction and what the caller observes.
type submitAttempt struct {
	accept bool
	err    error
}

func newFakeProvider(network cardano.Network) *fakeProvider {
	return &fakeProvider{
		network: network,
		utxosAt: make(map[string][]utxo.UTxO),
		txUTxOs: make(map[string][]utxo.UTxO),
		owners:  make(map[string][]cardano.AssetOwner),
	}
}

func (p *fakeProvider) Network() cardano.Network { return p.network }

func (p *fakeProvider) FetchUTxOsAt(_ context.Context, address string) ([]utxo.UTxO, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]utxo.UTxO(nil), p.utxosAt[address]...), nil
}

func (p *fakeProvider) FetchUTxOsByTxHash(_ context.Context, hash string) ([]utxo.UTxO, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, ok := p.txUTxOs[hash]
	if !ok {
		return nil, cardano.ErrNotFound
	}
	return append([]utxo.UTxO(nil), out...), nil
}

func (p *fakeProvider) Submit(_ context.Context, signed []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.attempts) > 0 {
		next := p.attempts[0]
		p.attempts = p.attempts[1:]
		if next.accept {
			p.submitted = append(p.submitted, signed)
		}
		return "", next.err
	}
	if p.submitErr != nil {
		return "", p.submitErr
	}
	p.submitted = append(p.submitted, signed)
	return "", nil
}

func (p *fakeProvider) AssetOwners(_ context.Context, unit string) ([]cardano.AssetOwner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owners[unit], nil
}

func (p *fakeProvider) ProtocolParameters(context.Context) (cardano.ProtocolParams, error) {
	return testParams, nil
}

func (p *fakeProvider) submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

func (p *fakeProvider) confirm(hash string, outputs ...utxo.UTxO) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txUTxOs[hash] = outputs
}

func (p *fakeProvider) forget(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.txUTxOs, hash)
}

type fixture struct {
	db         *gorm.DB
	store      *store.Store
	provider   *fakeProvider
	env        *Env
	source     store.PaymentSource
	scriptAddr crypto.Address
	buyer      *crypto.SigningKey
	seller     *crypto.SigningKey
	clock      time.Time
	seq        int
}

func noSleep(context.Context, time.Duration) error { return nil }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.AutoMigrate(db))

	f := &fixture{db: db, clock: baseTime, provider: newFakeProvider(cardano.Preprod)}
	f.store = store.New(db, f.now)
	f.buyer = testKey(t, 0xb1)
	f.seller = testKey(t, 0x5e)
	f.scriptAddr, err = tx.ScriptAddress(cardano.Preprod, escrowScript)
	require.NoError(t, err)

	fee := testKey(t, 0xfe)
	f.source = store.PaymentSource{
		ID:                 uuid.New(),
		Network:            "Preprod",
		ContractAddress:    f.scriptAddr.String(),
		EscrowScript:       hex.EncodeToString(escrowScript),
		RegistryScript:     hex.EncodeToString(registryScript),
		FeeReceiverAddress: enterprise(fee).String(),
		FeeRatePermille:    50,
		CooldownMs:         600_000,
		MaxRetries:         3,
	}
	require.NoError(t, db.Create(&f.source).Error)

	policy := retry.DefaultPolicy().WithSleep(noSleep)
	f.env = &Env{
		Repo:      f.store,
		Leases:    lease.NewManager(f.store, 10*time.Minute, policy),
		Providers: map[cardano.Network]cardano.Provider{cardano.Preprod: f.provider},
		Wallets:   wallet.NewOpener(plainSecrets{}, nil),
		Policy:    policy,
		Tx:        TxSettings{ProductTag: "Masumi"},
		Clock:     f.now,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return f
}

func (f *fixture) now() time.Time { return f.clock }

// validTo is the upper validity bound of transactions built at the current
// clock.
func (f *fixture) validTo() time.Time { return f.clock.Add(5 * time.Minute) }

func testKey(t *testing.T, seed byte) *crypto.SigningKey {
	t.Helper()
	key, err := crypto.NewSigningKey(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	return key
}

func enterprise(key *crypto.SigningKey) crypto.Address {
	return crypto.NewEnterpriseAddress(0, crypto.Credential{Hash: key.KeyHash()})
}

func (f *fixture) ref() utxo.Ref {
	f.seq++
	return utxo.Ref{TxHash: fmt.Sprintf("%064x", f.seq), Index: uint32(f.seq % 3)}
}

// wallet creates a hot wallet funded with one collateral sized output and
// one large output.
func (f *fixture) wallet(t *testing.T, typ store.WalletType) store.HotWallet {
	t.Helper()
	key := testKey(t, byte(0x10+f.seq))
	secret, err := key.Bech32()
	require.NoError(t, err)
	addr := enterprise(key)
	w := store.HotWallet{
		ID:              uuid.New(),
		PaymentSourceID: f.source.ID,
		Type:            typ,
		Address:         addr.String(),
		KeyHash:         hex.EncodeToString(key.KeyHash()),
		Secret:          secret,
	}
	require.NoError(t, f.db.Create(&w).Error)
	f.fund(w.Address, 5_000_000, 50_000_000)
	return w
}

func (f *fixture) fund(address string, amounts ...uint64) {
	for _, amount := range amounts {
		f.addUTxO(utxo.UTxO{Ref: f.ref(), Address: address, Value: utxo.NewValue(amount)})
	}
}

func (f *fixture) addUTxO(u utxo.UTxO) {
	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	f.provider.utxosAt[u.Address] = append(f.provider.utxosAt[u.Address], u)
}

// escrow creates a request whose live script output sits in a confirmed
// transaction. datum adjusts the on-chain datum after it was derived from
// the request.
func (f *fixture) escrow(t *testing.T, w store.HotWallet, mutate func(*store.EscrowRequest), datum func(*contract.Datum)) store.EscrowRequest {
	t.Helper()
	current := store.Transaction{ID: uuid.New(), Hash: fmt.Sprintf("%064x", 1_000_000+f.seq), Status: store.TxConfirmed, Action: "FundsLocked"}
	f.seq++
	require.NoError(t, f.db.Create(&current).Error)

	r := store.EscrowRequest{
		ID:                   uuid.New(),
		Kind:                 escrow.KindPurchase,
		BlockchainIdentifier: uuid.NewString(),
		PaymentSourceID:      f.source.ID,
		HotWalletID:          w.ID,
		BuyerKeyHash:         hex.EncodeToString(f.buyer.KeyHash()),
		SellerKeyHash:        hex.EncodeToString(f.seller.KeyHash()),
		BuyerAddress:         enterprise(f.buyer).String(),
		SellerAddress:        enterprise(f.seller).String(),
		SubmitResultTime:     baseTime.Add(time.Hour).UnixMilli(),
		UnlockTime:           baseTime.Add(2 * time.Hour).UnixMilli(),
		RefundTime:           baseTime.Add(3 * time.Hour).UnixMilli(),
		OnChainState:         escrow.StateFundsLocked,
		NextAction:           store.NextAction{RequestedAction: escrow.ActionNone},
		CurrentTransactionID: &current.ID,
		Funds:                []store.Fund{{ID: uuid.New(), Unit: utxo.Lovelace, Amount: fmt.Sprint(escrowLovelace)}},
	}
	if mutate != nil {
		mutate(&r)
	}
	require.NoError(t, f.db.Create(&r).Error)

	d := f.datumOf(t, r)
	if datum != nil {
		datum(&d)
	}
	raw, err := d.Encode()
	require.NoError(t, err)
	f.provider.confirm(current.Hash, utxo.UTxO{
		Ref:     utxo.Ref{TxHash: current.Hash, Index: 0},
		Address: f.scriptAddr.String(),
		Value:   utxo.NewValue(escrowLovelace),
		Datum:   raw,
	})
	return r
}

// datumOf derives the on-chain datum of a request as f.escrow writes it.
func (f *fixture) datumOf(t *testing.T, r store.EscrowRequest) contract.Datum {
	t.Helper()
	state, err := contract.StateFor(r.OnChainState)
	require.NoError(t, err)
	return contract.Datum{
		BuyerKeyHash:              f.buyer.KeyHash(),
		SellerKeyHash:             f.seller.KeyHash(),
		ReferenceID:               r.BlockchainIdentifier,
		ResultHash:                r.ResultHash,
		SubmitResultTime:          r.SubmitResultTime,
		UnlockTime:                r.UnlockTime,
		ExternalDisputeUnlockTime: r.RefundTime,
		BuyerCooldown:             r.BuyerCooldownTime,
		SellerCooldown:            r.SellerCooldownTime,
		State:                     state,
	}
}

// continuing builds the script output a transaction leaves behind when it
// moves the escrow of r to state.
func (f *fixture) continuing(t *testing.T, r store.EscrowRequest, hash string, state escrow.OnChainState, mutate func(*contract.Datum)) utxo.UTxO {
	t.Helper()
	d := f.datumOf(t, r)
	tag, err := contract.StateFor(state)
	require.NoError(t, err)
	d.State = tag
	if mutate != nil {
		mutate(&d)
	}
	raw, err := d.Encode()
	require.NoError(t, err)
	return utxo.UTxO{
		Ref:     utxo.Ref{TxHash: hash, Index: 0},
		Address: f.scriptAddr.String(),
		Value:   utxo.NewValue(escrowLovelace),
		Datum:   raw,
	}
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) store.EscrowRequest {
	t.Helper()
	var r store.EscrowRequest
	require.NoError(t, f.db.First(&r, "id = ?", id).Error)
	return r
}

func (f *fixture) reloadWallet(t *testing.T, id uuid.UUID) store.HotWallet {
	t.Helper()
	w, err := f.store.Wallet(context.Background(), id)
	require.NoError(t, err)
	return w
}

func (f *fixture) transaction(t *testing.T, id *uuid.UUID) store.Transaction {
	t.Helper()
	require.NotNil(t, id)
	record, err := f.store.TransactionByID(context.Background(), *id)
	require.NoError(t, err)
	return record
}

// inFlight returns the latest transaction recorded for an escrow request.
func (f *fixture) inFlight(t *testing.T, requestID uuid.UUID) store.Transaction {
	t.Helper()
	var record store.Transaction
	require.NoError(t, f.db.Where("escrow_request_id = ?", requestID).Order("created_at DESC").First(&record).Error)
	return record
}

func TestProviderNeverDefaultsNetwork(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.env.provider("Mainnet")
	require.ErrorIs(t, err, ErrNoProvider)
	_, _, err = f.env.provider("")
	require.ErrorIs(t, err, cardano.ErrUnknownNetwork)

	f.env.Providers[cardano.Mainnet] = f.provider
	_, _, err = f.env.provider("mainnet")
	require.ErrorIs(t, err, ErrNoProvider)

	p, network, err := f.env.provider("preprod")
	require.NoError(t, err)
	require.Equal(t, cardano.Preprod, network)
	require.Same(t, f.provider, p)
}

func TestItemRecoversPanics(t *testing.T) {
	f := newFixture(t)
	res := runBatch(context.Background(), f.env, "test", []int{1, 2, 3}, func(_ context.Context, n int) ItemResult {
		if n == 2 {
			panic("boom")
		}
		return ItemResult{Outcome: OutcomeArmed}
	})
	require.Len(t, res.Items, 3)
	require.Equal(t, 2, res.Succeeded())
	require.Equal(t, 1, res.Failed())
	require.Equal(t, OutcomeFailed, res.Items[1].Outcome)
	require.ErrorContains(t, res.Items[1].Err, "boom")
}

func TestBatchIsolatesFailingItems(t *testing.T) {
	f := newFixture(t)
	good := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
	}, nil)
	bad := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
	}, func(d *contract.Datum) {
		d.State = contract.State(1)
	})

	res, err := NewRequestRefund(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, 1, res.Count(OutcomeSubmitted))
	require.Equal(t, 1, res.Count(OutcomeEscalated))
	require.Equal(t, 1, f.provider.submissions())

	require.Equal(t, escrow.PurchaseSetRefundRequestedInitiated, f.reload(t, good.ID).NextAction.RequestedAction)

	failed := f.reload(t, bad.ID)
	require.True(t, failed.NextAction.RequiresManualReview)
	require.Equal(t, escrow.ActionWaitingForManualAction, failed.NextAction.RequestedAction)
	require.Equal(t, string(retry.ErrorProtocol), failed.NextAction.ErrorType)
	require.Contains(t, failed.NextAction.ErrorNote, "datum")

	w := f.reloadWallet(t, bad.HotWalletID)
	require.Nil(t, w.LockedAt)
	require.Nil(t, w.PendingTransactionID)
}

func TestTransientFailureRetriesThenClears(t *testing.T) {
	f := newFixture(t)
	r := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
	}, nil)
	current := f.transaction(t, r.CurrentTransactionID)
	outputs, err := f.provider.FetchUTxOsByTxHash(context.Background(), current.Hash)
	require.NoError(t, err)
	f.provider.forget(current.Hash)

	h := NewRequestRefund(f.env, 10)
	res, err := h.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeRetry))

	retried := f.reload(t, r.ID)
	require.Equal(t, escrow.PurchaseSetRefundRequestedRequested, retried.NextAction.RequestedAction)
	require.Empty(t, retried.NextAction.ErrorType)
	require.False(t, retried.NextAction.RequiresManualReview)
	require.Equal(t, 1, retried.NextAction.RetryCount)
	require.NotEmpty(t, retried.NextAction.ErrorNote)
	require.Nil(t, f.reloadWallet(t, r.HotWalletID).LockedAt)

	f.provider.confirm(current.Hash, outputs...)
	res, err = h.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeSubmitted))

	done := f.reload(t, r.ID)
	require.Equal(t, escrow.PurchaseSetRefundRequestedInitiated, done.NextAction.RequestedAction)
	require.Zero(t, done.NextAction.RetryCount)
	require.Empty(t, done.NextAction.ErrorNote)
}

func TestTransientFailuresEscalateAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	r := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
		r.NextAction.RetryCount = f.source.MaxRetries
	}, nil)
	f.provider.forget(f.transaction(t, r.CurrentTransactionID).Hash)

	res, err := NewRequestRefund(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeEscalated))

	escalated := f.reload(t, r.ID)
	require.Equal(t, string(retry.ErrorExhausted), escalated.NextAction.ErrorType)
	require.Equal(t, escrow.ActionWaitingForManualAction, escalated.NextAction.RequestedAction)
}

func TestUnconfirmedCurrentTransactionIsRetried(t *testing.T) {
	f := newFixture(t)
	r := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
	}, nil)
	require.NoError(t, f.db.Model(&store.Transaction{}).Where("id = ?", *r.CurrentTransactionID).
		Update("status", store.TxPending).Error)

	res, err := NewRequestRefund(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeRetry))
	require.ErrorIs(t, res.Items[0].Err, ErrNotConfirmed)
	require.Zero(t, f.provider.submissions())
}

func TestSubmitFailureAbortsPendingTransaction(t *testing.T) {
	f := newFixture(t)
	r := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
	}, nil)
	f.provider.submitErr = fmt.Errorf("submit rejected: BadInputsUTxO")

	res, err := NewRequestRefund(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeEscalated))

	var aborted store.Transaction
	require.NoError(t, f.db.Where("escrow_request_id = ?", r.ID).First(&aborted).Error)
	require.Equal(t, store.TxFailedFinal, aborted.Status)
	require.Empty(t, aborted.Hash)

	w := f.reloadWallet(t, r.HotWalletID)
	require.Nil(t, w.PendingTransactionID)
	require.Nil(t, w.LockedAt)
}

func TestSubmitWithUnknownOutcomeKeepsWalletBlocked(t *testing.T) {
	f := newFixture(t)
	r := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
	}, nil)
	f.provider.attempts = []submitAttempt{
		{accept: true, err: retry.Transient(errors.New("submit: i/o timeout"))},
		{err: errors.New("submit rejected: status=400 transaction already in mempool")},
	}

	res, err := NewRequestRefund(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeWaiting))
	require.Error(t, res.Items[0].Err)
	require.Equal(t, 1, f.provider.submissions())

	record := f.inFlight(t, r.ID)
	require.Equal(t, store.TxPending, record.Status)
	require.Len(t, record.Hash, 64)
	require.Equal(t, res.Items[0].TxHash, record.Hash)

	w := f.reloadWallet(t, r.HotWalletID)
	require.NotNil(t, w.PendingTransactionID)
	require.Equal(t, record.ID, *w.PendingTransactionID)

	got := f.reload(t, r.ID)
	require.Equal(t, escrow.PurchaseSetRefundRequestedInitiated, got.NextAction.RequestedAction)
	require.False(t, got.NextAction.RequiresManualReview)

	// The wallet cannot be leased for anything else meanwhile.
	f.escrow(t, w, func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
	}, nil)
	res, err = NewRequestRefund(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Items)

	f.provider.confirm(record.Hash, f.continuing(t, r, record.Hash, escrow.StateRefundRequested, func(d *contract.Datum) {
		d.BuyerCooldown = record.TargetBuyerCooldown
	}))
	res, err = NewSync(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeConfirmed))
	require.Equal(t, escrow.StateRefundRequested, f.reload(t, r.ID).OnChainState)
}

func TestRateLimitedSubmitIsAborted(t *testing.T) {
	f := newFixture(t)
	r := f.escrow(t, f.wallet(t, store.WalletPurchasing), func(r *store.EscrowRequest) {
		r.NextAction.RequestedAction = escrow.PurchaseSetRefundRequestedRequested
	}, nil)
	f.provider.attempts = []submitAttempt{
		{err: retry.Transient(fmt.Errorf("%w: status=429", cardano.ErrRateLimited))},
		{err: errors.New("submit rejected: BadInputsUTxO")},
	}

	res, err := NewRequestRefund(f.env, 10).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(OutcomeEscalated))
	require.Zero(t, f.provider.submissions())

	record := f.inFlight(t, r.ID)
	require.Equal(t, store.TxFailedFinal, record.Status)
	require.Empty(t, record.Hash)
	require.Nil(t, f.reloadWallet(t, r.HotWalletID).PendingTransactionID)
}
