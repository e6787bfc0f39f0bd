package utxo

import (
	"fmt"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

const tokenUnit = "b0d07d45fe9514f80213f4020e5a61241458be626841cde717cb38a7" + "4e4654"

func testRef(i int) Ref {
	return Ref{TxHash: strings.Repeat(fmt.Sprintf("%02x", i%256), 32), Index: uint32(i)}
}

func pure(i int, lovelace uint64) UTxO {
	return UTxO{Ref: testRef(i), Value: NewValue(lovelace)}
}

func withToken(i int, lovelace uint64) UTxO {
	v := NewValue(lovelace)
	v[tokenUnit] = uint256.NewInt(1)
	return UTxO{Ref: testRef(i), Value: v}
}

func TestSelectCollateralPicksSmallestQualifying(t *testing.T) {
	utxos := []UTxO{
		pure(1, 2_000_000),
		pure(2, 9_000_000),
		withToken(3, 4_000_000),
		pure(4, 5_000_000),
		pure(5, 15_000_000),
	}
	got, err := SelectCollateral(utxos, CollateralMax)
	require.NoError(t, err)
	require.Equal(t, testRef(4), got.Ref)

	got, err = SelectCollateral([]UTxO{pure(5, 15_000_000)}, CollateralMaxExtended)
	require.NoError(t, err)
	require.Equal(t, testRef(5), got.Ref)
}

func TestSelectCollateralNoFallback(t *testing.T) {
	utxos := []UTxO{pure(1, 2_999_999), withToken(2, 5_000_000), pure(3, 25_000_000)}
	_, err := SelectCollateral(utxos, CollateralMaxExtended)
	require.ErrorIs(t, err, ErrNoCollateral)

	_, err = SelectCollateral(utxos, 50_000_000)
	require.ErrorIs(t, err, ErrCollateralBand)
}

func TestSelectFeeInputsExcludesCollateral(t *testing.T) {
	utxos := []UTxO{
		pure(1, 1_000_000),
		pure(2, 50_000_000),
		pure(3, 5_000_000),
		pure(4, 30_000_000),
		pure(5, 20_000_000),
		pure(6, 10_000_000),
	}
	got := SelectFeeInputs(utxos, 10, testRef(2))
	require.Len(t, got, MaxFeeInputs)
	require.Equal(t, []Ref{testRef(4), testRef(5), testRef(6), testRef(3)},
		[]Ref{got[0].Ref, got[1].Ref, got[2].Ref, got[3].Ref})

	require.Empty(t, SelectFeeInputs(utxos, 0))
}

func TestValueArithmetic(t *testing.T) {
	a := withToken(1, 5_000_000).Value
	b := NewValue(2_000_000)

	sum := a.Add(b)
	require.Equal(t, uint64(7_000_000), sum.Coin())
	require.Equal(t, uint64(5_000_000), a.Coin(), "add must not mutate")

	diff, err := sum.Sub(NewValue(7_000_000))
	require.NoError(t, err)
	require.Equal(t, []string{tokenUnit}, diff.Units())

	_, err = b.Sub(a)
	require.ErrorIs(t, err, ErrInsufficientValue)
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef(testRef(7).String())
	require.NoError(t, err)
	require.Equal(t, testRef(7), ref)

	_, err = ParseRef("abc#1")
	require.Error(t, err)
	_, err = ParseRef(strings.Repeat("aa", 32))
	require.Error(t, err)
}

func TestCollateralBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("collateral is single-asset and within bounds", prop.ForAll(
		func(amounts []uint64, tokens []bool, extended bool) bool {
			utxos := make([]UTxO, 0, len(amounts))
			for i, amount := range amounts {
				if i < len(tokens) && tokens[i] {
					utxos = append(utxos, withToken(i, amount))
					continue
				}
				utxos = append(utxos, pure(i, amount))
			}
			max := CollateralMax
			if extended {
				max = CollateralMaxExtended
			}
			got, err := SelectCollateral(utxos, max)
			if err != nil {
				for _, u := range utxos {
					if IsCollateral(u, max) {
						return false
					}
				}
				return true
			}
			coin := got.Value.Coin()
			if !got.Value.OnlyLovelace() || coin < CollateralMin || coin > CollateralMaxExtended || coin > max {
				return false
			}
			for _, u := range utxos {
				if IsCollateral(u, max) && u.Value.Coin() < coin {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64Range(0, 30_000_000)),
		gen.SliceOf(gen.Bool()),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
