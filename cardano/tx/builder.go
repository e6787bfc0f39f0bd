package tx

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"

	"agentescrow/cardano"
	"agentescrow/cardano/plutus"
	"agentescrow/cardano/utxo"
	"agentescrow/crypto"
)

var (
	ErrNetworkMismatch    = errors.New("tx: address belongs to another network")
	ErrInsufficientFunds  = errors.New("tx: inputs do not cover outputs and fee")
	ErrOutputBelowMinimum = errors.New("tx: output below minimum lovelace")
	ErrCollateralRequired = errors.New("tx: collateral required for script execution")
	ErrCollateralTooSmall = errors.New("tx: collateral does not cover the fee")
	ErrMissingScript      = errors.New("tx: script witness missing")
	ErrMissingValidity    = errors.New("tx: validity interval required for script execution")
	ErrInvalidMetadata    = errors.New("tx: invalid metadata")
	ErrNoInputs           = errors.New("tx: no inputs")
	errFeeDidNotConverge  = errors.New("tx: fee calculation did not converge")
)

const (
	minUTxOOverhead = 160
	maxFeeRounds    = 6
)

// Builder balances plans against a set of protocol parameters.
type Builder struct {
	params     cardano.ProtocolParams
	productTag string
}

// NewBuilder returns a Builder. productTag is the first element of the
// metadata message.
func NewBuilder(params cardano.ProtocolParams, productTag string) *Builder {
	return &Builder{params: params, productTag: productTag}
}

// Unsigned is a balanced transaction awaiting vkey witnesses.
type Unsigned struct {
	body      []byte
	hash      []byte
	witnesses wireWitnessSet
	aux       []byte
	fee       uint64
}

// Hash returns the transaction id in hex.
func (u *Unsigned) Hash() string { return hex.EncodeToString(u.hash) }

// Fee returns the fee the transaction pays.
func (u *Unsigned) Fee() uint64 { return u.fee }

// Body returns the encoded transaction body.
func (u *Unsigned) Body() []byte { return append([]byte(nil), u.body...) }

// Sign attaches one vkey witness per signer and returns the transaction
// CBOR ready for submission.
func (u *Unsigned) Sign(signers ...Signer) ([]byte, error) {
	if len(signers) == 0 {
		return nil, errors.New("tx: no signers")
	}
	ws := u.witnesses
	ws.VKeys = make([]wireVKeyWitness, 0, len(signers))
	for _, s := range signers {
		ws.VKeys = append(ws.VKeys, wireVKeyWitness{VKey: s.PublicKey(), Signature: s.Sign(u.hash)})
	}
	return assemble(u.body, ws, u.aux)
}

func assemble(body []byte, ws wireWitnessSet, aux []byte) ([]byte, error) {
	var auxItem any
	if len(aux) > 0 {
		auxItem = cbor.RawMessage(aux)
	}
	return encMode.Marshal([]any{cbor.RawMessage(body), ws, true, auxItem})
}

// Metadata returns the auxiliary data {674: {"msg": [productTag, action]}}.
func Metadata(productTag, action string) ([]byte, error) {
	for _, s := range []string{productTag, action} {
		if s == "" || len(s) > maxMetadataStr {
			return nil, fmt.Errorf("%w: message part %q", ErrInvalidMetadata, s)
		}
	}
	return encMode.Marshal(map[uint64]any{
		MetadataLabel: map[string]any{"msg": []string{productTag, action}},
	})
}

// MinLovelace returns the minimum lovelace the ledger requires for out.
func (b *Builder) MinLovelace(out Output) (uint64, error) {
	// Size the output with a full eight byte coin so the result is an upper bound.
	sized := Output{Address: out.Address, Value: out.Value.Clone(), Datum: out.Datum}
	sized.Value[utxo.Lovelace] = uint256.NewInt(1 << 40)
	w, err := wireOut(sized)
	if err != nil {
		return 0, err
	}
	raw, err := encMode.Marshal(w)
	if err != nil {
		return 0, err
	}
	return (minUTxOOverhead + uint64(len(raw))) * b.params.CoinsPerUTxOByte, nil
}

// Build validates the plan, computes fee and change and returns the
// unsigned transaction.
func (b *Builder) Build(plan Plan) (*Unsigned, error) {
	networkID, err := plan.Network.ID()
	if err != nil {
		return nil, err
	}
	if err := b.validate(plan, networkID); err != nil {
		return nil, err
	}
	aux, err := Metadata(b.productTag, plan.Action)
	if err != nil {
		return nil, err
	}

	st, err := b.staticParts(plan, networkID, aux)
	if err != nil {
		return nil, err
	}

	fee := b.params.MinFeeB + st.scriptFee
	for round := 0; round < maxFeeRounds; round++ {
		body, err := b.bodyWithFee(plan, st, fee)
		if err != nil {
			return nil, err
		}
		encoded, err := encMode.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("tx: encode body: %w", err)
		}
		size, err := estimateSize(encoded, st.witnesses, aux, plan.witnessCount())
		if err != nil {
			return nil, err
		}
		needed := b.params.MinFeeA*size + b.params.MinFeeB + st.scriptFee
		if needed <= fee {
			if err := b.checkCollateral(plan, fee); err != nil {
				return nil, err
			}
			if b.params.MaxTxSize > 0 && size > b.params.MaxTxSize {
				return nil, fmt.Errorf("tx: size %d exceeds maximum %d", size, b.params.MaxTxSize)
			}
			return &Unsigned{
				body:      encoded,
				hash:      crypto.Blake2b256(encoded),
				witnesses: st.witnesses,
				aux:       aux,
				fee:       fee,
			}, nil
		}
		fee = needed
	}
	return nil, errFeeDidNotConverge
}

// staticParts holds everything that does not depend on the fee.
type staticParts struct {
	inputs         []wireInput
	collateral     []wireInput
	outputs        []wireOutput
	mint           mintAsset
	witnesses      wireWitnessSet
	scriptDataHash []byte
	auxHash        []byte
	networkID      uint8
	ttl            uint64
	validFrom      uint64
	scriptFee      uint64
	totalIn        utxo.Value
	totalOut       utxo.Value
}

func (b *Builder) staticParts(plan Plan, networkID byte, aux []byte) (staticParts, error) {
	st := staticParts{networkID: networkID, auxHash: crypto.Blake2b256(aux)}

	type spend struct {
		ref      utxo.Ref
		redeemer plutus.Data
		units    ExUnits
	}
	var all []spend
	for _, in := range plan.ScriptInputs {
		all = append(all, spend{ref: in.UTxO.Ref, redeemer: in.Redeemer, units: orDefault(in.ExUnits)})
	}
	for _, in := range plan.Inputs {
		all = append(all, spend{ref: in.Ref})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].ref.Less(all[j].ref) })

	var redeemers []wireRedeemer
	var units []ExUnits
	seen := make(map[utxo.Ref]struct{}, len(all))
	for i, s := range all {
		if _, dup := seen[s.ref]; dup {
			return st, fmt.Errorf("tx: duplicate input %s", s.ref)
		}
		seen[s.ref] = struct{}{}
		in, err := toWireInput(s.ref)
		if err != nil {
			return st, err
		}
		st.inputs = append(st.inputs, in)
		if s.redeemer == nil {
			continue
		}
		raw, err := plutus.Encode(s.redeemer)
		if err != nil {
			return st, fmt.Errorf("tx: encode spend redeemer: %w", err)
		}
		redeemers = append(redeemers, wireRedeemer{
			Tag: redeemerSpend, Index: uint32(i), Data: raw,
			ExUnits: wireExUnits{Mem: s.units.Mem, Steps: s.units.Steps},
		})
		units = append(units, s.units)
	}

	if len(plan.Mints) > 0 {
		policy := cbor.ByteString(ScriptHash(plan.MintScript))
		st.mint = mintAsset{policy: {}}
		// A single policy is minted per transaction, so its redeemer index is 0.
		for _, m := range plan.Mints {
			if m.Quantity == 0 {
				return st, errors.New("tx: zero mint quantity")
			}
			st.mint[policy][cbor.ByteString(m.AssetName)] += m.Quantity
		}
		raw, err := plutus.Encode(plan.Mints[0].Redeemer)
		if err != nil {
			return st, fmt.Errorf("tx: encode mint redeemer: %w", err)
		}
		u := orDefault(plan.Mints[0].ExUnits)
		redeemers = append(redeemers, wireRedeemer{
			Tag: redeemerMint, Index: 0, Data: raw,
			ExUnits: wireExUnits{Mem: u.Mem, Steps: u.Steps},
		})
		units = append(units, u)
	}

	if plan.Collateral != nil {
		in, err := toWireInput(plan.Collateral.Ref)
		if err != nil {
			return st, err
		}
		st.collateral = []wireInput{in}
	}

	for _, out := range plan.Outputs {
		w, err := wireOut(out)
		if err != nil {
			return st, err
		}
		st.outputs = append(st.outputs, w)
	}

	if len(redeemers) > 0 {
		st.witnesses.Redeemers = redeemers
		if len(plan.ScriptInputs) > 0 {
			st.witnesses.PlutusV3 = append(st.witnesses.PlutusV3, plan.SpendScript)
		}
		if len(plan.Mints) > 0 && !bytes.Equal(plan.MintScript, plan.SpendScript) {
			st.witnesses.PlutusV3 = append(st.witnesses.PlutusV3, plan.MintScript)
		}
		hash, err := b.scriptDataHash(redeemers)
		if err != nil {
			return st, err
		}
		st.scriptDataHash = hash
		st.scriptFee = b.executionFee(units)
	}

	if !plan.ValidTo.IsZero() || !plan.ValidFrom.IsZero() {
		slots, err := plan.Network.SlotConfig()
		if err != nil {
			return st, err
		}
		if !plan.ValidTo.IsZero() {
			st.ttl = slots.Slot(plan.ValidTo)
		}
		if !plan.ValidFrom.IsZero() {
			st.validFrom = slots.Slot(plan.ValidFrom)
		}
	}

	st.totalIn = utxo.Value{}
	for _, in := range plan.ScriptInputs {
		st.totalIn = st.totalIn.Add(in.UTxO.Value)
	}
	st.totalIn = st.totalIn.Add(utxo.Sum(plan.Inputs))
	st.totalOut = utxo.Value{}
	for _, out := range plan.Outputs {
		st.totalOut = st.totalOut.Add(out.Value)
	}
	if len(plan.Mints) > 0 {
		policyHex := hex.EncodeToString(ScriptHash(plan.MintScript))
		for _, m := range plan.Mints {
			unit := policyHex + hex.EncodeToString(m.AssetName)
			if m.Quantity > 0 {
				st.totalIn = st.totalIn.Add(utxo.Value{unit: uint256.NewInt(uint64(m.Quantity))})
			} else {
				st.totalOut = st.totalOut.Add(utxo.Value{unit: uint256.NewInt(uint64(-m.Quantity))})
			}
		}
	}
	return st, nil
}

func (b *Builder) bodyWithFee(plan Plan, st staticParts, fee uint64) (wireBody, error) {
	spent := st.totalOut.Add(utxo.NewValue(fee))
	change, err := st.totalIn.Sub(spent)
	if err != nil {
		return wireBody{}, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	outputs := append([]wireOutput(nil), st.outputs...)
	if len(change.Units()) > 0 {
		changeOut := Output{Address: plan.ChangeAddress, Value: change}
		minCoin, err := b.MinLovelace(changeOut)
		if err != nil {
			return wireBody{}, err
		}
		if change.Coin() < minCoin {
			return wireBody{}, fmt.Errorf("%w: change of %d lovelace below minimum %d", ErrInsufficientFunds, change.Coin(), minCoin)
		}
		w, err := wireOut(changeOut)
		if err != nil {
			return wireBody{}, err
		}
		outputs = append(outputs, w)
	}
	networkID := st.networkID
	body := wireBody{
		Inputs:          st.inputs,
		Outputs:         outputs,
		Fee:             fee,
		TTL:             st.ttl,
		AuxDataHash:     st.auxHash,
		ValidityStart:   st.validFrom,
		Mint:            st.mint,
		ScriptDataHash:  st.scriptDataHash,
		Collateral:      st.collateral,
		RequiredSigners: plan.RequiredSigners,
		NetworkID:       &networkID,
	}
	return body, nil
}

// scriptDataHash is blake2b-256(redeemers || language views). Inline datums
// leave the witness datum part empty.
func (b *Builder) scriptDataHash(redeemers []wireRedeemer) ([]byte, error) {
	encodedRedeemers, err := encMode.Marshal(redeemers)
	if err != nil {
		return nil, fmt.Errorf("tx: encode redeemers: %w", err)
	}
	costs := b.params.CostModelV3
	if costs == nil {
		costs = []int64{}
	}
	views, err := encMode.Marshal(map[uint64][]int64{plutusV3Lang: costs})
	if err != nil {
		return nil, fmt.Errorf("tx: encode language views: %w", err)
	}
	return crypto.Blake2b256(encodedRedeemers, views), nil
}

func (b *Builder) executionFee(units []ExUnits) uint64 {
	var mem, steps uint64
	for _, u := range units {
		mem += u.Mem
		steps += u.Steps
	}
	return ceilRatio(mem, b.params.PriceMemNum, b.params.PriceMemDen) +
		ceilRatio(steps, b.params.PriceStepNum, b.params.PriceStepDen)
}

func ceilRatio(v, num, den uint64) uint64 {
	if den == 0 || num == 0 || v == 0 {
		return 0
	}
	n := new(uint256.Int).Mul(uint256.NewInt(v), uint256.NewInt(num))
	d := uint256.NewInt(den)
	q, r := new(uint256.Int).DivMod(n, d, new(uint256.Int))
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q.Uint64()
}

func (b *Builder) checkCollateral(plan Plan, fee uint64) error {
	if plan.Collateral == nil {
		return nil
	}
	required := ceilRatio(fee, b.params.CollateralPercent, 100)
	if plan.Collateral.Value.Coin() < required {
		return fmt.Errorf("%w: %d < %d", ErrCollateralTooSmall, plan.Collateral.Value.Coin(), required)
	}
	return nil
}

func estimateSize(body []byte, ws wireWitnessSet, aux []byte, witnesses int) (uint64, error) {
	ws.VKeys = make([]wireVKeyWitness, witnesses)
	for i := range ws.VKeys {
		ws.VKeys[i] = wireVKeyWitness{VKey: make([]byte, 32), Signature: make([]byte, 64)}
	}
	full, err := assemble(body, ws, aux)
	if err != nil {
		return 0, fmt.Errorf("tx: encode transaction: %w", err)
	}
	return uint64(len(full)), nil
}

func (b *Builder) validate(plan Plan, networkID byte) error {
	if len(plan.Inputs)+len(plan.ScriptInputs) == 0 {
		return ErrNoInputs
	}
	check := func(addr crypto.Address, what string) error {
		if addr.NetworkID != networkID {
			return fmt.Errorf("%w: %s has network id %d, want %d", ErrNetworkMismatch, what, addr.NetworkID, networkID)
		}
		return nil
	}
	for i, out := range plan.Outputs {
		if err := check(out.Address, fmt.Sprintf("output %d", i)); err != nil {
			return err
		}
		minCoin, err := b.MinLovelace(out)
		if err != nil {
			return err
		}
		if out.Value.Coin() < minCoin {
			return fmt.Errorf("%w: output %d holds %d, needs %d", ErrOutputBelowMinimum, i, out.Value.Coin(), minCoin)
		}
	}
	if err := check(plan.ChangeAddress, "change address"); err != nil {
		return err
	}
	for _, in := range plan.Inputs {
		addr, err := crypto.DecodeAddress(in.Address)
		if err != nil {
			return fmt.Errorf("tx: input %s: %w", in.Ref, err)
		}
		if err := check(addr, "input "+in.Ref.String()); err != nil {
			return err
		}
	}
	if len(plan.ScriptInputs) > 0 || len(plan.Mints) > 0 {
		if plan.Collateral == nil {
			return ErrCollateralRequired
		}
	}
	if len(plan.ScriptInputs) > 0 {
		if len(plan.SpendScript) == 0 {
			return fmt.Errorf("%w: spend validator", ErrMissingScript)
		}
		if plan.ValidFrom.IsZero() || plan.ValidTo.IsZero() {
			return ErrMissingValidity
		}
	}
	if len(plan.Mints) > 0 && len(plan.MintScript) == 0 {
		return fmt.Errorf("%w: minting policy", ErrMissingScript)
	}
	return nil
}

func orDefault(u ExUnits) ExUnits {
	if u.Mem == 0 && u.Steps == 0 {
		return DefaultExUnits
	}
	return u
}
