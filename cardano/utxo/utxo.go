// Package utxo models unspent outputs and the selection rules used when
// spending them.
package utxo

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// Lovelace is the unit of the chain's native coin.
const Lovelace = "lovelace"

var ErrInsufficientValue = errors.New("utxo: insufficient value")

// Ref identifies an output by the hash of the producing transaction and the
// output position.
type Ref struct {
	TxHash string
	Index  uint32
}

func (r Ref) String() string {
	return r.TxHash + "#" + strconv.FormatUint(uint64(r.Index), 10)
}

// HashBytes returns the decoded transaction hash.
func (r Ref) HashBytes() ([]byte, error) {
	b, err := hex.DecodeString(r.TxHash)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("utxo: invalid tx hash %q", r.TxHash)
	}
	return b, nil
}

// Less orders refs lexicographically by hash then index, the order the
// ledger uses for transaction inputs.
func (r Ref) Less(o Ref) bool {
	if r.TxHash != o.TxHash {
		return r.TxHash < o.TxHash
	}
	return r.Index < o.Index
}

// ParseRef parses the "hash#index" form.
func ParseRef(raw string) (Ref, error) {
	hash, idx, ok := strings.Cut(strings.TrimSpace(raw), "#")
	if !ok {
		return Ref{}, fmt.Errorf("utxo: malformed ref %q", raw)
	}
	n, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return Ref{}, fmt.Errorf("utxo: malformed ref index %q: %w", raw, err)
	}
	ref := Ref{TxHash: strings.ToLower(hash), Index: uint32(n)}
	if _, err := ref.HashBytes(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Value is a multi-asset bundle keyed by unit. Native assets use the unit
// policyIdHex+assetNameHex.
type Value map[string]*uint256.Int

// NewValue returns a value holding only lovelace.
func NewValue(lovelace uint64) Value {
	return Value{Lovelace: uint256.NewInt(lovelace)}
}

// Coin returns the lovelace amount.
func (v Value) Coin() uint64 {
	q, ok := v[Lovelace]
	if !ok || !q.IsUint64() {
		return 0
	}
	return q.Uint64()
}

// Units returns the units present with a positive quantity, lovelace first
// and the rest sorted.
func (v Value) Units() []string {
	units := make([]string, 0, len(v))
	for unit, q := range v {
		if unit == Lovelace || q == nil || q.IsZero() {
			continue
		}
		units = append(units, unit)
	}
	sort.Strings(units)
	if q, ok := v[Lovelace]; ok && q != nil && !q.IsZero() {
		units = append([]string{Lovelace}, units...)
	}
	return units
}

// OnlyLovelace reports whether the value holds exactly one asset, the native
// coin.
func (v Value) OnlyLovelace() bool {
	units := v.Units()
	return len(units) == 1 && units[0] == Lovelace
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	out := make(Value, len(v))
	for unit, q := range v {
		if q != nil {
			out[unit] = new(uint256.Int).Set(q)
		}
	}
	return out
}

// Add returns v + o.
func (v Value) Add(o Value) Value {
	out := v.Clone()
	for unit, q := range o {
		if q == nil {
			continue
		}
		if cur, ok := out[unit]; ok {
			cur.Add(cur, q)
			continue
		}
		out[unit] = new(uint256.Int).Set(q)
	}
	return out
}

// Sub returns v - o and fails when any unit would go negative.
func (v Value) Sub(o Value) (Value, error) {
	out := v.Clone()
	for unit, q := range o {
		if q == nil || q.IsZero() {
			continue
		}
		cur, ok := out[unit]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrInsufficientValue, unit)
		}
		if _, underflow := cur.SubOverflow(cur, q); underflow {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientValue, unit)
		}
		if cur.IsZero() {
			delete(out, unit)
		}
	}
	return out, nil
}

// UTxO is one unspent output. Datum holds the inline datum CBOR when present.
type UTxO struct {
	Ref     Ref
	Address string
	Value   Value
	Datum   []byte
}

// Sum adds the values of all outputs.
func Sum(utxos []UTxO) Value {
	total := Value{}
	for _, u := range utxos {
		total = total.Add(u.Value)
	}
	return total
}
