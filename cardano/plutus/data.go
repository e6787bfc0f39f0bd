// Package plutus implements the Plutus data model used for script datums and
// redeemers together with its CBOR wire encoding.
//
// Encoding follows the ledger conventions produced by the common tooling so
// that decoding and re-encoding a value yields identical bytes:
//   - constructors 0..6 use tags 121..127, 7..127 use tags 1280..1400 and
//     anything larger uses tag 102 wrapping [index, fields];
//   - non-empty lists and constructor fields are indefinite-length arrays,
//     empty ones are the definite empty array;
//   - byte strings longer than 64 bytes are split into 64 byte chunks;
//   - integers outside the 64-bit range use the bignum tags 2 and 3.
package plutus

import (
	"bytes"
	"math/big"
)

// Data is a Plutus data value. The set of implementations is closed.
type Data interface {
	plutusData()
}

// Constr is a constructor application.
type Constr struct {
	Index  uint64
	Fields []Data
}

// Int is an arbitrary precision integer.
type Int struct {
	Value *big.Int
}

// Bytes is a byte string.
type Bytes []byte

// List is a homogeneous list.
type List []Data

// Pair is one key/value entry of a Map.
type Pair struct {
	Key   Data
	Value Data
}

// Map is an association list; entry order is preserved.
type Map []Pair

func (Constr) plutusData() {}
func (Int) plutusData()    {}
func (Bytes) plutusData()  {}
func (List) plutusData()   {}
func (Map) plutusData()    {}

// NewConstr builds a constructor value.
func NewConstr(index uint64, fields ...Data) Constr {
	if fields == nil {
		fields = []Data{}
	}
	return Constr{Index: index, Fields: fields}
}

// NewInt wraps an int64.
func NewInt(v int64) Int {
	return Int{Value: big.NewInt(v)}
}

// Equal reports whether two values are structurally identical.
func Equal(a, b Data) bool {
	switch av := a.(type) {
	case Constr:
		bv, ok := b.(Constr)
		if !ok || av.Index != bv.Index || len(av.Fields) != len(bv.Fields) {
			return false
		}
		for i := range av.Fields {
			if !Equal(av.Fields[i], bv.Fields[i]) {
				return false
			}
		}
		return true
	case Int:
		bv, ok := b.(Int)
		if !ok || av.Value == nil || bv.Value == nil {
			return ok && av.Value == nil && bv.Value == nil
		}
		return av.Value.Cmp(bv.Value) == 0
	case Bytes:
		bv, ok := b.(Bytes)
		return ok && bytes.Equal(av, bv)
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i].Key, bv[i].Key) || !Equal(av[i].Value, bv[i].Value) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
