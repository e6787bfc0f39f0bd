package utxo

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// CollateralMin is the smallest collateral output the validator accepts.
	CollateralMin uint64 = 3_000_000
	// CollateralMax is the upper bound used by script spending operations.
	CollateralMax uint64 = 10_000_000
	// CollateralMaxExtended is the upper bound used when provisioning.
	CollateralMaxExtended uint64 = 20_000_000

	// MaxFeeInputs caps the number of wallet inputs added to a transaction.
	MaxFeeInputs = 4
)

var (
	ErrNoCollateral   = errors.New("utxo: no qualifying collateral output")
	ErrCollateralBand = errors.New("utxo: collateral upper bound out of range")
)

// IsCollateral reports whether u is a pure lovelace output within
// [CollateralMin, max].
func IsCollateral(u UTxO, max uint64) bool {
	if !u.Value.OnlyLovelace() {
		return false
	}
	coin := u.Value.Coin()
	return coin >= CollateralMin && coin <= max
}

// SelectCollateral picks the smallest qualifying collateral output. max must
// be CollateralMax or CollateralMaxExtended; there is no fallback when no
// output qualifies.
func SelectCollateral(utxos []UTxO, max uint64) (UTxO, error) {
	if max != CollateralMax && max != CollateralMaxExtended {
		return UTxO{}, fmt.Errorf("%w: %d", ErrCollateralBand, max)
	}
	var candidates []UTxO
	for _, u := range utxos {
		if IsCollateral(u, max) {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return UTxO{}, ErrNoCollateral
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i].Value.Coin(), candidates[j].Value.Coin()
		if ci != cj {
			return ci < cj
		}
		return candidates[i].Ref.Less(candidates[j].Ref)
	})
	return candidates[0], nil
}

// SelectFeeInputs returns up to n outputs (capped at MaxFeeInputs) with the
// largest lovelace value, skipping the excluded refs.
func SelectFeeInputs(utxos []UTxO, n int, exclude ...Ref) []UTxO {
	if n > MaxFeeInputs {
		n = MaxFeeInputs
	}
	if n <= 0 {
		return nil
	}
	skip := make(map[Ref]struct{}, len(exclude))
	for _, ref := range exclude {
		skip[ref] = struct{}{}
	}
	pool := make([]UTxO, 0, len(utxos))
	for _, u := range utxos {
		if _, ok := skip[u.Ref]; ok {
			continue
		}
		pool = append(pool, u)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		ci, cj := pool[i].Value.Coin(), pool[j].Value.Coin()
		if ci != cj {
			return ci > cj
		}
		return pool[i].Ref.Less(pool[j].Ref)
	})
	if len(pool) > n {
		pool = pool[:n]
	}
	return pool
}
