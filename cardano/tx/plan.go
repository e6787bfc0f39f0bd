// Package tx assembles, balances and signs escrow transactions.
package tx

import (
	"crypto/ed25519"
	"time"

	"agentescrow/cardano"
	"agentescrow/cardano/plutus"
	"agentescrow/cardano/utxo"
	"agentescrow/crypto"
)

// ExUnits is a script execution budget.
type ExUnits struct {
	Mem   uint64
	Steps uint64
}

// DefaultExUnits is the budget reserved for each validator invocation.
var DefaultExUnits = ExUnits{Mem: 7_000_000, Steps: 3_000_000_000}

// Signer produces vkey witnesses. crypto.SigningKey implements it.
type Signer interface {
	PublicKey() ed25519.PublicKey
	Sign(msg []byte) []byte
}

var _ Signer = (*crypto.SigningKey)(nil)

// ScriptInput spends a script locked output.
type ScriptInput struct {
	UTxO     utxo.UTxO
	Redeemer plutus.Data
	ExUnits  ExUnits
}

// Output is a transaction output. Datum is inline datum CBOR, if any.
type Output struct {
	Address crypto.Address
	Value   utxo.Value
	Datum   []byte
}

// Mint mints (positive) or burns (negative) one asset under a script policy.
type Mint struct {
	AssetName []byte
	Quantity  int64
	Redeemer  plutus.Data
	ExUnits   ExUnits
}

// Plan describes the transaction to build. Network has no default and every
// address in the plan must belong to it.
type Plan struct {
	Network cardano.Network
	// Action is the logical action name written into the metadata.
	Action string

	ScriptInputs []ScriptInput
	// SpendScript is the escrow validator, required with ScriptInputs.
	SpendScript []byte

	Mints []Mint
	// MintScript is the minting policy, required with Mints.
	MintScript []byte

	Inputs     []utxo.UTxO
	Collateral *utxo.UTxO
	Outputs    []Output

	ChangeAddress   crypto.Address
	RequiredSigners [][]byte

	ValidFrom time.Time
	ValidTo   time.Time

	// Witnesses is the number of vkey witnesses used for fee estimation.
	// Zero means one per required signer, at least one.
	Witnesses int
}

func (p Plan) witnessCount() int {
	if p.Witnesses > 0 {
		return p.Witnesses
	}
	if len(p.RequiredSigners) > 0 {
		return len(p.RequiredSigners)
	}
	return 1
}

// ScriptHash returns the PlutusV3 script hash, which is both the policy id
// of a minting script and the payment credential of a validator address.
func ScriptHash(script []byte) []byte {
	return crypto.Blake2b224([]byte{plutusV3Prefix}, script)
}

// ScriptAddress returns the enterprise address of a validator.
func ScriptAddress(network cardano.Network, script []byte) (crypto.Address, error) {
	id, err := network.ID()
	if err != nil {
		return crypto.Address{}, err
	}
	return crypto.NewEnterpriseAddress(id, crypto.Credential{Hash: ScriptHash(script), Script: true}), nil
}
