// Package contract knows the escrow and registry validators' on-chain
// protocol: datum layout, redeemer alternatives and registry asset naming.
package contract

import (
	"errors"
	"fmt"

	"agentescrow/cardano/plutus"
	"agentescrow/crypto"
	"agentescrow/escrow"
)

var ErrInvalidDatum = errors.New("contract: invalid escrow datum")

const datumFields = 10

// State is the datum state constructor.
type State uint64

const (
	StateFundsLocked     State = 0
	StateResultSubmitted State = 1
	StateRefundRequested State = 2
	StateDisputed        State = 3
)

// OnChain maps the constructor to the lifecycle state.
func (s State) OnChain() (escrow.OnChainState, error) {
	switch s {
	case StateFundsLocked:
		return escrow.StateFundsLocked, nil
	case StateResultSubmitted:
		return escrow.StateResultSubmitted, nil
	case StateRefundRequested:
		return escrow.StateRefundRequested, nil
	case StateDisputed:
		return escrow.StateDisputed, nil
	}
	return escrow.StateNone, fmt.Errorf("%w: unknown state constructor %d", ErrInvalidDatum, uint64(s))
}

// StateFor maps a lifecycle state to the datum constructor. Terminal states
// have no datum since the script output is consumed.
func StateFor(s escrow.OnChainState) (State, error) {
	switch s {
	case escrow.StateFundsLocked:
		return StateFundsLocked, nil
	case escrow.StateResultSubmitted:
		return StateResultSubmitted, nil
	case escrow.StateRefundRequested:
		return StateRefundRequested, nil
	case escrow.StateDisputed:
		return StateDisputed, nil
	case escrow.StateNone, escrow.StateWithdrawn, escrow.StateRefundWithdrawn:
	}
	return 0, fmt.Errorf("%w: state %q has no datum", ErrInvalidDatum, s)
}

// Datum is the escrow output state. Times are POSIX milliseconds.
type Datum struct {
	BuyerKeyHash              []byte
	SellerKeyHash             []byte
	ReferenceID               string
	ResultHash                string
	SubmitResultTime          int64
	UnlockTime                int64
	ExternalDisputeUnlockTime int64
	SellerCooldown            int64
	BuyerCooldown             int64
	State                     State
}

// Data returns the Plutus representation, validating field shapes first.
func (d Datum) Data() (plutus.Data, error) {
	if len(d.BuyerKeyHash) != crypto.CredentialSize || len(d.SellerKeyHash) != crypto.CredentialSize {
		return nil, fmt.Errorf("%w: key hashes must be %d bytes", ErrInvalidDatum, crypto.CredentialSize)
	}
	if d.ReferenceID == "" {
		return nil, fmt.Errorf("%w: empty reference id", ErrInvalidDatum)
	}
	times := []int64{d.SubmitResultTime, d.UnlockTime, d.ExternalDisputeUnlockTime, d.SellerCooldown, d.BuyerCooldown}
	for _, ts := range times {
		if ts < 0 {
			return nil, fmt.Errorf("%w: negative time %d", ErrInvalidDatum, ts)
		}
	}
	if _, err := d.State.OnChain(); err != nil {
		return nil, err
	}
	fields := []plutus.Data{
		plutus.Bytes(d.BuyerKeyHash),
		plutus.Bytes(d.SellerKeyHash),
		plutus.Bytes(d.ReferenceID),
		plutus.Bytes(d.ResultHash),
	}
	for _, ts := range times {
		fields = append(fields, plutus.NewInt(ts))
	}
	fields = append(fields, plutus.NewConstr(uint64(d.State)))
	return plutus.NewConstr(0, fields...), nil
}

// Encode serialises the datum for an inline datum output.
func (d Datum) Encode() ([]byte, error) {
	data, err := d.Data()
	if err != nil {
		return nil, err
	}
	return plutus.Encode(data)
}

// DecodeDatum parses an inline datum. Any deviation from the expected shape
// is an error; nothing is coerced.
func DecodeDatum(raw []byte) (Datum, error) {
	data, err := plutus.Decode(raw)
	if err != nil {
		return Datum{}, fmt.Errorf("%w: %v", ErrInvalidDatum, err)
	}
	return DatumFromData(data)
}

// DatumFromData converts an already decoded value.
func DatumFromData(data plutus.Data) (Datum, error) {
	c, ok := data.(plutus.Constr)
	if !ok || c.Index != 0 {
		return Datum{}, fmt.Errorf("%w: expected constructor 0", ErrInvalidDatum)
	}
	if len(c.Fields) != datumFields {
		return Datum{}, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidDatum, datumFields, len(c.Fields))
	}
	var d Datum
	var err error
	if d.BuyerKeyHash, err = bytesField(c.Fields, 0, crypto.CredentialSize); err != nil {
		return Datum{}, err
	}
	if d.SellerKeyHash, err = bytesField(c.Fields, 1, crypto.CredentialSize); err != nil {
		return Datum{}, err
	}
	ref, err := bytesField(c.Fields, 2, -1)
	if err != nil {
		return Datum{}, err
	}
	d.ReferenceID = string(ref)
	result, err := bytesField(c.Fields, 3, -1)
	if err != nil {
		return Datum{}, err
	}
	d.ResultHash = string(result)

	times := []*int64{&d.SubmitResultTime, &d.UnlockTime, &d.ExternalDisputeUnlockTime, &d.SellerCooldown, &d.BuyerCooldown}
	for i, dst := range times {
		if *dst, err = timeField(c.Fields, 4+i); err != nil {
			return Datum{}, err
		}
	}

	state, ok := c.Fields[9].(plutus.Constr)
	if !ok || len(state.Fields) != 0 {
		return Datum{}, fmt.Errorf("%w: field 9 must be a nullary constructor", ErrInvalidDatum)
	}
	d.State = State(state.Index)
	if _, err := d.State.OnChain(); err != nil {
		return Datum{}, err
	}
	return d, nil
}

func bytesField(fields []plutus.Data, i, size int) ([]byte, error) {
	b, ok := fields[i].(plutus.Bytes)
	if !ok {
		return nil, fmt.Errorf("%w: field %d must be bytes, got %T", ErrInvalidDatum, i, fields[i])
	}
	if size >= 0 && len(b) != size {
		return nil, fmt.Errorf("%w: field %d must be %d bytes, got %d", ErrInvalidDatum, i, size, len(b))
	}
	return []byte(b), nil
}

func timeField(fields []plutus.Data, i int) (int64, error) {
	n, ok := fields[i].(plutus.Int)
	if !ok || n.Value == nil {
		return 0, fmt.Errorf("%w: field %d must be an integer, got %T", ErrInvalidDatum, i, fields[i])
	}
	if n.Value.Sign() < 0 || !n.Value.IsInt64() {
		return 0, fmt.Errorf("%w: field %d out of range: %s", ErrInvalidDatum, i, n.Value)
	}
	return n.Value.Int64(), nil
}
