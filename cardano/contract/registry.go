package contract

import (
	"encoding/binary"
	"encoding/hex"

	"agentescrow/cardano/plutus"
	"agentescrow/cardano/utxo"
	"agentescrow/crypto"
)

// RegistryAssetName derives the agent NFT asset name from the first input
// consumed by the minting transaction: blake2b-256(txHash || uint32be(index)).
// Minting and burning both go through this function so that a burn always
// targets the minted asset.
func RegistryAssetName(first utxo.Ref) ([]byte, error) {
	hash, err := first.HashBytes()
	if err != nil {
		return nil, err
	}
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], first.Index)
	return crypto.Blake2b256(hash, idx[:]), nil
}

// RegistryUnit returns the asset unit (policy id hex + asset name hex).
func RegistryUnit(policyID string, first utxo.Ref) (string, error) {
	name, err := RegistryAssetName(first)
	if err != nil {
		return "", err
	}
	return policyID + hex.EncodeToString(name), nil
}

// MintRedeemer is the registry policy redeemer for minting.
func MintRedeemer() plutus.Data {
	return plutus.NewConstr(0)
}

// BurnRedeemer is the registry policy redeemer for burning.
func BurnRedeemer() plutus.Data {
	return plutus.NewConstr(1)
}
