// Package crypto provides the ledger's hashing, address and key primitives.
package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// CredentialSize is the length of key and script hashes.
const CredentialSize = 28

var ErrInvalidAddress = errors.New("crypto: invalid address")

// Credential is a payment or stake credential.
type Credential struct {
	Hash   []byte
	Script bool
}

// Address is a Shelley base or enterprise address.
type Address struct {
	NetworkID byte
	Payment   Credential
	// Stake is nil for enterprise addresses.
	Stake *Credential
}

// NewEnterpriseAddress builds an address without a stake part.
func NewEnterpriseAddress(networkID byte, payment Credential) Address {
	return Address{NetworkID: networkID, Payment: payment}
}

func (a Address) header() byte {
	var kind byte
	switch {
	case a.Stake == nil && !a.Payment.Script:
		kind = 6
	case a.Stake == nil:
		kind = 7
	case !a.Payment.Script && !a.Stake.Script:
		kind = 0
	case a.Payment.Script && !a.Stake.Script:
		kind = 1
	case !a.Payment.Script:
		kind = 2
	default:
		kind = 3
	}
	return kind<<4 | a.NetworkID&0x0f
}

// Bytes returns the raw address as written into transaction outputs.
func (a Address) Bytes() []byte {
	out := []byte{a.header()}
	out = append(out, a.Payment.Hash...)
	if a.Stake != nil {
		out = append(out, a.Stake.Hash...)
	}
	return out
}

// String renders the bech32 form.
func (a Address) String() string {
	hrp := "addr_test"
	if a.NetworkID == 1 {
		hrp = "addr"
	}
	conv, err := bech32.ConvertBits(a.Bytes(), 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(hrp, conv)
	if err != nil {
		return ""
	}
	return encoded
}

// Equal reports whether both addresses are byte identical.
func (a Address) Equal(o Address) bool {
	return bytes.Equal(a.Bytes(), o.Bytes())
}

// DecodeAddress parses a bech32 payment address. Base addresses exceed the
// 90 character limit of BIP-173, so the limit is not enforced.
func DecodeAddress(raw string) (Address, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.TrimSpace(raw))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if hrp != "addr" && hrp != "addr_test" {
		return Address{}, fmt.Errorf("%w: unsupported prefix %q", ErrInvalidAddress, hrp)
	}
	b, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	addr, err := AddressFromBytes(b)
	if err != nil {
		return Address{}, err
	}
	if (hrp == "addr") != (addr.NetworkID == 1) {
		return Address{}, fmt.Errorf("%w: prefix %q does not match network id %d", ErrInvalidAddress, hrp, addr.NetworkID)
	}
	return addr, nil
}

// AddressFromBytes parses the raw header + credentials form.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) == 0 {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	kind, network := b[0]>>4, b[0]&0x0f
	body := b[1:]
	addr := Address{NetworkID: network}
	switch kind {
	case 0, 1, 2, 3:
		if len(body) != 2*CredentialSize {
			return Address{}, fmt.Errorf("%w: base address length %d", ErrInvalidAddress, len(b))
		}
		addr.Payment = Credential{Hash: clone(body[:CredentialSize]), Script: kind&1 == 1}
		addr.Stake = &Credential{Hash: clone(body[CredentialSize:]), Script: kind&2 == 2}
	case 6, 7:
		if len(body) != CredentialSize {
			return Address{}, fmt.Errorf("%w: enterprise address length %d", ErrInvalidAddress, len(b))
		}
		addr.Payment = Credential{Hash: clone(body), Script: kind == 7}
	default:
		return Address{}, fmt.Errorf("%w: unsupported address type %d", ErrInvalidAddress, kind)
	}
	return addr, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
