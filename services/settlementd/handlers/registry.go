package handlers

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"agentescrow/cardano"
	"agentescrow/cardano/contract"
	"agentescrow/cardano/tx"
	"agentescrow/cardano/utxo"
	"agentescrow/retry"
	"agentescrow/store"
	"agentescrow/wallet"
)

// Registry mints or burns agent registration NFTs.
type Registry struct {
	env   *Env
	limit int
	burn  bool
}

// NewRegister builds the registration handler.
func NewRegister(env *Env, limit int) *Registry {
	return &Registry{env: env, limit: limit}
}

// NewDeregister builds the deregistration handler.
func NewDeregister(env *Env, limit int) *Registry {
	return &Registry{env: env, limit: limit, burn: true}
}

func (h *Registry) Name() string {
	if h.burn {
		return NameDeregister
	}
	return NameRegister
}

// Run handles the requested registrations or deregistrations of free
// wallets.
func (h *Registry) Run(ctx context.Context) (BatchResult, error) {
	state := store.RegistrationRequested
	if h.burn {
		state = store.DeregistrationRequested
	}
	leases, err := h.env.Leases.Registry(ctx, []store.RegistryState{state}, h.limit)
	if err != nil {
		return BatchResult{Handler: h.Name()}, fmt.Errorf("lease %s: %w", h.Name(), err)
	}
	return runBatch(ctx, h.env, h.Name(), leases, h.process), nil
}

// registryCall is the shared context of a mint or burn.
type registryCall struct {
	network cardano.Network
	wallet  *wallet.Wallet
	policy  []byte
	utxos   []utxo.UTxO
}

func (c registryCall) policyID() string {
	return hex.EncodeToString(tx.ScriptHash(c.policy))
}

func (h *Registry) process(ctx context.Context, l store.RegistryLease) ItemResult {
	e := h.env
	fail := func(cause error) ItemResult {
		d := retry.Escalate(cause, l.Request.Failure.RetryCount, l.Source.MaxRetries)
		err := e.Repo.RecordRegistryFailure(ctx, l.Request, l.Wallet.ID, store.Failed{Decision: d, Note: cause.Error()})
		return e.failed(h.Name(), l.Request.ID, l.Wallet.ID, d, cause, err)
	}
	provider, network, err := e.provider(l.Source.Network)
	if err != nil {
		return fail(err)
	}
	policy, err := hex.DecodeString(strings.TrimSpace(l.Source.RegistryScript))
	if err != nil || len(policy) == 0 {
		return fail(fmt.Errorf("%w: registry script of source %s", ErrMisconfigured, l.Source.ID))
	}
	w, err := e.Wallets.Open(ctx, l.Wallet, network)
	if err != nil {
		return fail(err)
	}
	utxos, err := e.walletUTxOs(ctx, provider, w.Address.String())
	if err != nil {
		return fail(err)
	}
	call := registryCall{network: network, wallet: w, policy: policy, utxos: utxos}
	params, err := e.params(ctx, provider)
	if err != nil {
		return fail(err)
	}
	builder := tx.NewBuilder(params, e.Tx.ProductTag)

	var (
		plan   tx.Plan
		record store.Submission
	)
	if h.burn {
		plan, record, err = h.burnPlan(call, l.Request)
	} else {
		plan, record, err = h.mintPlan(call, builder)
	}
	if err != nil {
		return fail(err)
	}
	plan.ValidFrom, plan.ValidTo = e.validity()
	unsigned, err := builder.Build(plan)
	if err != nil {
		return fail(err)
	}
	requestID := l.Request.ID
	record.WalletID = l.Wallet.ID
	record.RegistryRequestID = &requestID
	return e.submit(ctx, h.Name(), submission{
		id:       requestID,
		walletID: l.Wallet.ID,
		provider: provider,
		unsigned: unsigned,
		signer:   w.Key,
		record:   record,
	}, fail)
}

// mintPlan mints one NFT named after the first input the transaction
// consumes, in ledger order.
func (h *Registry) mintPlan(c registryCall, b *tx.Builder) (tx.Plan, store.Submission, error) {
	collateral, err := utxo.SelectCollateral(c.utxos, utxo.CollateralMax)
	if err != nil {
		return tx.Plan{}, store.Submission{}, err
	}
	inputs := utxo.SelectFeeInputs(c.utxos, utxo.MaxFeeInputs, collateral.Ref)
	if len(inputs) == 0 {
		return tx.Plan{}, store.Submission{}, fmt.Errorf("%w: %s", ErrNoFunds, c.wallet.ID)
	}
	first := FirstInput(inputs)
	name, err := contract.RegistryAssetName(first)
	if err != nil {
		return tx.Plan{}, store.Submission{}, err
	}
	unit := c.policyID() + hex.EncodeToString(name)
	nft := tx.Output{Address: c.wallet.Address, Value: utxo.Value{unit: uint256.NewInt(1)}}
	minCoin, err := b.MinLovelace(nft)
	if err != nil {
		return tx.Plan{}, store.Submission{}, err
	}
	nft.Value[utxo.Lovelace] = uint256.NewInt(minCoin)
	plan := tx.Plan{
		Network:         c.network,
		Action:          "RegisterAgent",
		Mints:           []tx.Mint{{AssetName: name, Quantity: 1, Redeemer: contract.MintRedeemer()}},
		MintScript:      c.policy,
		Inputs:          inputs,
		Collateral:      &collateral,
		Outputs:         []tx.Output{nft},
		ChangeAddress:   c.wallet.Address,
		RequiredSigners: [][]byte{c.wallet.KeyHash()},
	}
	return plan, store.Submission{
		Action:          "RegisterAgent",
		RegistryState:   store.RegistrationInitiated,
		MintInput:       first.String(),
		AgentIdentifier: unit,
	}, nil
}

// burnPlan burns the NFT whose name is derived from the recorded mint
// input, the same derivation the mint used.
func (h *Registry) burnPlan(c registryCall, req store.RegistryRequest) (tx.Plan, store.Submission, error) {
	first, err := utxo.ParseRef(req.MintInput)
	if err != nil {
		return tx.Plan{}, store.Submission{}, fmt.Errorf("mint input of %s: %w", req.ID, err)
	}
	name, err := contract.RegistryAssetName(first)
	if err != nil {
		return tx.Plan{}, store.Submission{}, err
	}
	unit := c.policyID() + hex.EncodeToString(name)
	if req.AgentIdentifier != "" && !strings.EqualFold(req.AgentIdentifier, unit) {
		return tx.Plan{}, store.Submission{}, fmt.Errorf("%w: %s != %s", ErrAssetMismatch, req.AgentIdentifier, unit)
	}
	var holding *utxo.UTxO
	for i, u := range c.utxos {
		if q, ok := u.Value[unit]; ok && q != nil && !q.IsZero() {
			holding = &c.utxos[i]
			break
		}
	}
	if holding == nil {
		return tx.Plan{}, store.Submission{}, fmt.Errorf("%w: %s", ErrAssetNotHeld, unit)
	}
	collateral, err := utxo.SelectCollateral(c.utxos, utxo.CollateralMax)
	if err != nil {
		return tx.Plan{}, store.Submission{}, err
	}
	inputs := append([]utxo.UTxO{*holding}, utxo.SelectFeeInputs(c.utxos, utxo.MaxFeeInputs-1, collateral.Ref, holding.Ref)...)
	plan := tx.Plan{
		Network:         c.network,
		Action:          "DeregisterAgent",
		Mints:           []tx.Mint{{AssetName: name, Quantity: -1, Redeemer: contract.BurnRedeemer()}},
		MintScript:      c.policy,
		Inputs:          inputs,
		Collateral:      &collateral,
		ChangeAddress:   c.wallet.Address,
		RequiredSigners: [][]byte{c.wallet.KeyHash()},
	}
	return plan, store.Submission{
		Action:        "DeregisterAgent",
		RegistryState: store.DeregistrationInitiated,
	}, nil
}

// FirstInput returns the input that sorts first in the transaction, the
// seed of a registry asset name.
func FirstInput(inputs []utxo.UTxO) utxo.Ref {
	first := inputs[0].Ref
	for _, u := range inputs[1:] {
		if u.Ref.Less(first) {
			first = u.Ref
		}
	}
	return first
}
