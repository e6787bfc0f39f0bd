package cardano

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"agentescrow/cardano/utxo"
)

// ErrNotFound is returned by providers when the queried entity does not
// exist (yet). Callers polling for confirmation treat it as "not visible".
var ErrNotFound = errors.New("cardano: not found")

// ErrRateLimited marks a request the provider refused before processing it.
var ErrRateLimited = errors.New("cardano: rate limited")

// AssetOwner is one holder of a native asset.
type AssetOwner struct {
	Address  string
	Quantity *uint256.Int
}

// ProtocolParams carries the ledger parameters needed to balance a
// transaction.
type ProtocolParams struct {
	MinFeeA            uint64
	MinFeeB            uint64
	MaxTxSize          uint64
	CoinsPerUTxOByte   uint64
	PriceMemNum        uint64
	PriceMemDen        uint64
	PriceStepNum       uint64
	PriceStepDen       uint64
	CollateralPercent  uint64
	MaxCollateralInput uint64
	// CostModelV3 is the PlutusV3 cost model in ledger order.
	CostModelV3 []int64
}

// Provider is the blockchain RPC collaborator. Implementations are bound to a
// single network and only offer eventual consistency: outputs of a just
// submitted transaction may stay invisible for several polls.
type Provider interface {
	Network() Network
	FetchUTxOsAt(ctx context.Context, address string) ([]utxo.UTxO, error)
	FetchUTxOsByTxHash(ctx context.Context, txHash string) ([]utxo.UTxO, error)
	Submit(ctx context.Context, signedTx []byte) (string, error)
	AssetOwners(ctx context.Context, unit string) ([]AssetOwner, error)
	ProtocolParameters(ctx context.Context) (ProtocolParams, error)
}
