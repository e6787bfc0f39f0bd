// Package secrets resolves named secrets and decrypts the wallet secrets
// stored alongside hot wallets. Decrypted material is returned to the caller
// and never logged or persisted here.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentescrow/crypto"
)

// Backend enumerates supported secret backends.
type Backend string

const (
	// BackendEnv loads secrets from environment variables.
	BackendEnv Backend = "env"
	// BackendFilesystem loads secrets from files under a root directory.
	BackendFilesystem Backend = "filesystem"
)

// ErrEmptySecret is returned when a named secret resolves to nothing.
var ErrEmptySecret = errors.New("secrets: secret is empty")

// Config describes the secret backend wiring.
type Config struct {
	Backend Backend
	// BasePath is used by filesystem backends to locate secret files.
	BasePath string
	// PassphraseName names the secret holding the wallet encryption
	// passphrase.
	PassphraseName string
}

// Decrypter is the secret collaborator used by the wallet opener.
type Decrypter interface {
	Decrypt(ctx context.Context, sealed string) ([]byte, error)
}

// Manager resolves secrets using the configured backend.
type Manager struct {
	backend    Backend
	baseDir    string
	passphrase string
}

var _ Decrypter = (*Manager)(nil)

// NewManager constructs a Manager for the supplied configuration.
func NewManager(cfg Config) (*Manager, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendEnv
	}
	passphrase := strings.TrimSpace(cfg.PassphraseName)
	if passphrase == "" {
		passphrase = "SETTLEMENTD_WALLET_PASSPHRASE"
	}

	switch backend {
	case BackendEnv:
		return &Manager{backend: backend, passphrase: passphrase}, nil
	case BackendFilesystem:
		base := strings.TrimSpace(cfg.BasePath)
		if base == "" {
			return nil, errors.New("filesystem secret backend requires base path")
		}
		info, err := os.Stat(base)
		if err != nil {
			return nil, fmt.Errorf("stat secret directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("secret base path %s is not a directory", base)
		}
		return &Manager{backend: backend, baseDir: base, passphrase: passphrase}, nil
	default:
		return nil, fmt.Errorf("unsupported secret backend %q", backend)
	}
}

// GetSecret resolves the value associated with name using the configured backend.
func (m *Manager) GetSecret(ctx context.Context, name string) (string, error) {
	if m == nil {
		return "", errors.New("secret manager not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" {
		return "", errors.New("secret name required")
	}
	switch m.backend {
	case BackendEnv:
		return strings.TrimSpace(os.Getenv(name)), nil
	case BackendFilesystem:
		if !filepath.IsLocal(name) {
			return "", fmt.Errorf("secret name %q must stay under the secret directory", name)
		}
		data, err := os.ReadFile(filepath.Join(m.baseDir, name))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", fmt.Errorf("unsupported secret backend %q", m.backend)
	}
}

// Decrypt opens a sealed wallet secret with the configured passphrase.
func (m *Manager) Decrypt(ctx context.Context, sealed string) ([]byte, error) {
	passphrase, err := m.GetSecret(ctx, m.passphrase)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet passphrase: %w", err)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptySecret, m.passphrase)
	}
	plain, err := crypto.Open(sealed, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet secret: %w", err)
	}
	return plain, nil
}
