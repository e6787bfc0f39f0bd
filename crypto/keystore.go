package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	sealVersion = "v1"
	saltSize    = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var ErrSealedFormat = errors.New("crypto: malformed sealed secret")

// Seal encrypts plaintext with a key stretched from passphrase. The output is
// "v1:<salt>:<nonce>:<ciphertext>" with base64 (raw std) parts.
func Seal(plaintext []byte, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("crypto: empty passphrase")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := aead.Seal(nil, nonce, plaintext, []byte(sealVersion))
	enc := base64.RawStdEncoding
	return strings.Join([]string{sealVersion, enc.EncodeToString(salt), enc.EncodeToString(nonce), enc.EncodeToString(ct)}, ":"), nil
}

// Open reverses Seal.
func Open(sealed, passphrase string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(sealed), ":")
	if len(parts) != 4 || parts[0] != sealVersion {
		return nil, ErrSealedFormat
	}
	enc := base64.RawStdEncoding
	var raw [3][]byte
	for i, part := range parts[1:] {
		b, err := enc.DecodeString(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSealedFormat, err)
		}
		raw[i] = b
	}
	aead, err := newAEAD(passphrase, raw[0])
	if err != nil {
		return nil, err
	}
	if len(raw[1]) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce size", ErrSealedFormat)
	}
	plaintext, err := aead.Open(nil, raw[1], raw[2], []byte(sealVersion))
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt sealed secret: %w", err)
	}
	return plaintext, nil
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
