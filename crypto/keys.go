package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const signingKeyPrefix = "ed25519_sk"

var ErrInvalidKey = errors.New("crypto: invalid signing key")

// SigningKey is an ed25519 payment key.
type SigningKey struct {
	priv ed25519.PrivateKey
}

// NewSigningKey builds a key from a 32 byte seed.
func NewSigningKey(seed []byte) (*SigningKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	return &SigningKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// PublicKey returns the verification key.
func (k *SigningKey) PublicKey() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// KeyHash returns the 28 byte payment credential of the key.
func (k *SigningKey) KeyHash() []byte {
	return Blake2b224(k.PublicKey())
}

// Sign signs msg, normally a transaction body hash.
func (k *SigningKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Bech32 renders the seed in the ed25519_sk form.
func (k *SigningKey) Bech32() (string, error) {
	conv, err := bech32.ConvertBits(k.priv.Seed(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(signingKeyPrefix, conv)
}

// textEnvelope is the JSON key file format of the node tooling.
type textEnvelope struct {
	Type    string `json:"type"`
	CborHex string `json:"cborHex"`
}

// ParseSigningKey accepts a bech32 ed25519_sk string, a JSON text envelope
// or the bare cborHex ("5820" + 32 bytes) of a payment signing key.
func ParseSigningKey(raw string) (*SigningKey, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, signingKeyPrefix+"1"):
		hrp, data, err := bech32.DecodeNoLimit(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		if hrp != signingKeyPrefix {
			return nil, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidKey, hrp)
		}
		seed, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return NewSigningKey(seed)
	case strings.HasPrefix(raw, "{"):
		var env textEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		if !strings.Contains(env.Type, "SigningKey") {
			return nil, fmt.Errorf("%w: envelope type %q", ErrInvalidKey, env.Type)
		}
		return parseCborHex(env.CborHex)
	default:
		return parseCborHex(raw)
	}
}

func parseCborHex(raw string) (*SigningKey, error) {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != 2+ed25519.SeedSize || b[0] != 0x58 || b[1] != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: expected 34 byte cbor string", ErrInvalidKey)
	}
	return NewSigningKey(b[2:])
}

// Verify checks an ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
