package crypto

import (
	"golang.org/x/crypto/blake2b"
)

// Blake2b256 hashes the concatenation of parts. It is the ledger hash used
// for transaction ids, script data and auxiliary data.
func Blake2b256(parts ...[]byte) []byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Blake2b224 hashes the concatenation of parts. It is the ledger hash used
// for key and script credentials.
func Blake2b224(parts ...[]byte) []byte {
	h, _ := blake2b.New(28, nil)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
