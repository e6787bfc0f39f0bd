// Package wallet turns a stored hot wallet into a signer.
package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentescrow/cardano"
	"agentescrow/crypto"
	"agentescrow/secrets"
	"agentescrow/store"
)

var (
	// ErrMnemonicUnsupported is returned by the default deriver for secrets
	// that are not a signing key.
	ErrMnemonicUnsupported = errors.New("wallet: mnemonic derivation requires a configured deriver")
	// ErrKeyMismatch is returned when the opened key does not control the
	// stored wallet address.
	ErrKeyMismatch = errors.New("wallet: key does not match wallet")
)

// Deriver turns decrypted secret material into the payment key.
type Deriver interface {
	Derive(secret []byte, network cardano.Network) (*crypto.SigningKey, error)
}

// DeriverFunc adapts a function to Deriver.
type DeriverFunc func(secret []byte, network cardano.Network) (*crypto.SigningKey, error)

// Derive calls f.
func (f DeriverFunc) Derive(secret []byte, network cardano.Network) (*crypto.SigningKey, error) {
	return f(secret, network)
}

// KeyFileDeriver accepts secrets that already are a payment signing key.
var KeyFileDeriver = DeriverFunc(func(secret []byte, _ cardano.Network) (*crypto.SigningKey, error) {
	raw := strings.TrimSpace(string(secret))
	if len(strings.Fields(raw)) > 1 {
		return nil, ErrMnemonicUnsupported
	}
	return crypto.ParseSigningKey(raw)
})

// Wallet is an opened hot wallet.
type Wallet struct {
	ID      uuid.UUID
	Key     *crypto.SigningKey
	Address crypto.Address
}

// KeyHash returns the payment key hash.
func (w *Wallet) KeyHash() []byte { return w.Key.KeyHash() }

// Opener decrypts and verifies hot wallets.
type Opener struct {
	secrets secrets.Decrypter
	deriver Deriver
}

// NewOpener builds an opener. A nil deriver means KeyFileDeriver.
func NewOpener(dec secrets.Decrypter, deriver Deriver) *Opener {
	if deriver == nil {
		deriver = KeyFileDeriver
	}
	return &Opener{secrets: dec, deriver: deriver}
}

// Open decrypts the wallet secret and checks the key controls the stored
// address on network.
func (o *Opener) Open(ctx context.Context, hw store.HotWallet, network cardano.Network) (*Wallet, error) {
	if o == nil || o.secrets == nil {
		return nil, errors.New("wallet: opener not configured")
	}
	addr, err := crypto.DecodeAddress(hw.Address)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", hw.ID, err)
	}
	id, err := network.ID()
	if err != nil {
		return nil, err
	}
	if addr.NetworkID != id {
		return nil, fmt.Errorf("wallet %s: address is not on %s", hw.ID, network)
	}
	plain, err := o.secrets.Decrypt(ctx, hw.Secret)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", hw.ID, err)
	}
	key, err := o.deriver.Derive(plain, network)
	clear(plain)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", hw.ID, err)
	}
	hash := key.KeyHash()
	if addr.Payment.Script || !bytes.Equal(addr.Payment.Hash, hash) {
		return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, hw.ID)
	}
	if hw.KeyHash != "" && !strings.EqualFold(hw.KeyHash, hex.EncodeToString(hash)) {
		return nil, fmt.Errorf("%w: stored key hash differs for %s", ErrKeyMismatch, hw.ID)
	}
	return &Wallet{ID: hw.ID, Key: key, Address: addr}, nil
}
