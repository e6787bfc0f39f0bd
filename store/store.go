// Package store persists settlement state. Every multi-row change the
// handlers rely on (leasing a wallet, recording a submission, applying a
// confirmation) is one method here so its transaction boundary lives in a
// single place.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPathRequired  = errors.New("store: sqlite path required")
	ErrUnknownDriver = errors.New("store: unknown database driver")
	ErrNotFound      = errors.New("store: record not found")
	// ErrWalletBusy is returned when a wallet already blocks on another
	// transaction. It is a protocol violation, never retried.
	ErrWalletBusy = errors.New("store: wallet already has a pending transaction")
	// ErrStaleRequest is returned when a conditional update matched no row
	// because another actor changed the request first.
	ErrStaleRequest = errors.New("store: request changed concurrently")
)

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// Config selects the database.
type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver string
	// DSN is the postgres connection string.
	DSN string
	// Path is the sqlite database file.
	Path         string
	MaxOpenConns int
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, sqlitePragmas), nil
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dsn, err := FileDSN(cfg.Path)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	switch {
	case db.Dialector.Name() == "sqlite":
		// SQLite has a single writer; one connection serialises the lease
		// transactions the same way row locks do on postgres.
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Store is the repository used by the lease manager and the handlers.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a store backed by db.
func New(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: func() time.Time { return now().UTC() }}
}

// DB exposes the underlying handle for seeding and read-only queries.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) postgres() bool {
	return s.db.Dialector.Name() == "postgres"
}

// serializable runs fn in one transaction. Postgres runs it at serializable
// isolation; SQLite transactions are serial already.
func (s *Store) serializable(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.postgres() {
		return s.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// lockWallets adds FOR UPDATE OF hot_wallets SKIP LOCKED where supported.
func (s *Store) lockWallets(q *gorm.DB) *gorm.DB {
	if !s.postgres() {
		return q
	}
	return q.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "hot_wallets"}, Options: "SKIP LOCKED"})
}

// claimWallet marks a free wallet as leased. It reports false when the
// wallet was taken or became pending since it was read.
func claimWallet(tx *gorm.DB, walletID uuid.UUID, now, cutoff time.Time) (bool, error) {
	res := tx.Model(&HotWallet{}).
		Where("id = ? AND pending_transaction_id IS NULL AND (locked_at IS NULL OR locked_at < ?)", walletID, cutoff).
		Update("locked_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// releaseWallet clears the lease on a wallet that has no pending transaction.
func releaseWallet(tx *gorm.DB, walletID uuid.UUID) error {
	return tx.Model(&HotWallet{}).
		Where("id = ? AND pending_transaction_id IS NULL", walletID).
		Update("locked_at", nil).Error
}

// ReleaseWallet clears the lease on a wallet. A wallet still blocked by a
// pending transaction keeps its lock until that transaction settles.
func (s *Store) ReleaseWallet(ctx context.Context, walletID uuid.UUID) error {
	return releaseWallet(s.db.WithContext(ctx), walletID)
}

// SweepStaleLeases clears leases older than ttl on wallets without a pending
// transaction and returns how many were cleared.
func (s *Store) SweepStaleLeases(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.now().Add(-ttl)
	res := s.db.WithContext(ctx).Model(&HotWallet{}).
		Where("locked_at IS NOT NULL AND locked_at < ? AND pending_transaction_id IS NULL", cutoff).
		Update("locked_at", nil)
	return res.RowsAffected, res.Error
}

// Wallet loads a hot wallet by id.
func (s *Store) Wallet(ctx context.Context, id uuid.UUID) (HotWallet, error) {
	var w HotWallet
	if err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return HotWallet{}, notFound(err)
	}
	return w, nil
}

// Source loads a payment source by id.
func (s *Store) Source(ctx context.Context, id uuid.UUID) (PaymentSource, error) {
	var p PaymentSource
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return PaymentSource{}, notFound(err)
	}
	return p, nil
}

// TransactionByID loads a transaction row.
func (s *Store) TransactionByID(ctx context.Context, id uuid.UUID) (Transaction, error) {
	var t Transaction
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return Transaction{}, notFound(err)
	}
	return t, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
