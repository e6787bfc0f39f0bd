package tx

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"agentescrow/cardano/utxo"
)

const (
	plutusV3Prefix = 0x03
	plutusV3Lang   = 2

	redeemerSpend = 0
	redeemerMint  = 1

	inlineDatum  = 1
	tagEmbedCBOR = 24

	// MetadataLabel carries the product tag and action name of every
	// submitted transaction.
	MetadataLabel  = 674
	maxMetadataStr = 64
)

var encMode = func() cbor.EncMode {
	mode, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

type wireInput struct {
	_      struct{} `cbor:",toarray"`
	TxHash []byte
	Index  uint32
}

type wireOutput struct {
	Address []byte `cbor:"0,keyasint"`
	Amount  any    `cbor:"1,keyasint"`
	Datum   []any  `cbor:"2,keyasint,omitempty"`
}

type multiAsset map[cbor.ByteString]map[cbor.ByteString]uint64

type mintAsset map[cbor.ByteString]map[cbor.ByteString]int64

type wireBody struct {
	Inputs          []wireInput  `cbor:"0,keyasint"`
	Outputs         []wireOutput `cbor:"1,keyasint"`
	Fee             uint64       `cbor:"2,keyasint"`
	TTL             uint64       `cbor:"3,keyasint,omitempty"`
	AuxDataHash     []byte       `cbor:"7,keyasint,omitempty"`
	ValidityStart   uint64       `cbor:"8,keyasint,omitempty"`
	Mint            mintAsset    `cbor:"9,keyasint,omitempty"`
	ScriptDataHash  []byte       `cbor:"11,keyasint,omitempty"`
	Collateral      []wireInput  `cbor:"13,keyasint,omitempty"`
	RequiredSigners [][]byte     `cbor:"14,keyasint,omitempty"`
	NetworkID       *uint8       `cbor:"15,keyasint,omitempty"`
}

type wireExUnits struct {
	_     struct{} `cbor:",toarray"`
	Mem   uint64
	Steps uint64
}

type wireRedeemer struct {
	_       struct{} `cbor:",toarray"`
	Tag     uint8
	Index   uint32
	Data    cbor.RawMessage
	ExUnits wireExUnits
}

type wireVKeyWitness struct {
	_         struct{} `cbor:",toarray"`
	VKey      []byte
	Signature []byte
}

type wireWitnessSet struct {
	VKeys     []wireVKeyWitness `cbor:"0,keyasint,omitempty"`
	Redeemers []wireRedeemer    `cbor:"5,keyasint,omitempty"`
	PlutusV3  [][]byte          `cbor:"7,keyasint,omitempty"`
}

func toWireInput(ref utxo.Ref) (wireInput, error) {
	hash, err := ref.HashBytes()
	if err != nil {
		return wireInput{}, err
	}
	return wireInput{TxHash: hash, Index: ref.Index}, nil
}

// splitUnit separates a native asset unit into policy id and asset name.
func splitUnit(unit string) ([]byte, []byte, error) {
	raw, err := hex.DecodeString(unit)
	if err != nil || len(raw) < 28 {
		return nil, nil, fmt.Errorf("tx: malformed asset unit %q", unit)
	}
	return raw[:28], raw[28:], nil
}

func wireAmount(v utxo.Value) (any, error) {
	coin, ok := v[utxo.Lovelace]
	var lovelace uint64
	if ok && coin != nil {
		if !coin.IsUint64() {
			return nil, fmt.Errorf("tx: lovelace amount overflows")
		}
		lovelace = coin.Uint64()
	}
	assets := multiAsset{}
	for _, unit := range v.Units() {
		if unit == utxo.Lovelace {
			continue
		}
		q := v[unit]
		if !q.IsUint64() {
			return nil, fmt.Errorf("tx: quantity of %s overflows", unit)
		}
		policy, name, err := splitUnit(unit)
		if err != nil {
			return nil, err
		}
		byName, ok := assets[cbor.ByteString(policy)]
		if !ok {
			byName = map[cbor.ByteString]uint64{}
			assets[cbor.ByteString(policy)] = byName
		}
		byName[cbor.ByteString(name)] = q.Uint64()
	}
	if len(assets) == 0 {
		return lovelace, nil
	}
	return []any{lovelace, assets}, nil
}

func wireOut(o Output) (wireOutput, error) {
	amount, err := wireAmount(o.Value)
	if err != nil {
		return wireOutput{}, err
	}
	out := wireOutput{Address: o.Address.Bytes(), Amount: amount}
	if len(o.Datum) > 0 {
		out.Datum = []any{inlineDatum, cbor.Tag{Number: tagEmbedCBOR, Content: o.Datum}}
	}
	return out, nil
}
