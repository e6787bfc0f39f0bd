package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentescrow/escrow"
)

// WalletType is the role a hot wallet plays for its payment source.
type WalletType string

const (
	WalletSelling    WalletType = "Selling"
	WalletPurchasing WalletType = "Purchasing"
	WalletCollection WalletType = "Collection"
)

// TransactionStatus tracks a submitted transaction.
type TransactionStatus string

const (
	TxPending     TransactionStatus = "Pending"
	TxConfirmed   TransactionStatus = "Confirmed"
	TxFailedFinal TransactionStatus = "FailedFinal"
)

// CollateralState is the provisioning state of a collateral request.
type CollateralState string

const (
	CollateralPending   CollateralState = "Pending"
	CollateralConfirmed CollateralState = "Confirmed"
	CollateralFailed    CollateralState = "Failed"
)

// RegistryState is the lifecycle of an agent registration NFT.
type RegistryState string

const (
	RegistrationRequested   RegistryState = "RegistrationRequested"
	RegistrationInitiated   RegistryState = "RegistrationInitiated"
	RegistrationConfirmed   RegistryState = "RegistrationConfirmed"
	RegistrationFailed      RegistryState = "RegistrationFailed"
	DeregistrationRequested RegistryState = "DeregistrationRequested"
	DeregistrationInitiated RegistryState = "DeregistrationInitiated"
	DeregistrationConfirmed RegistryState = "DeregistrationConfirmed"
	DeregistrationFailed    RegistryState = "DeregistrationFailed"
)

// PaymentSource is one deployed instance of the escrow contract. Retired
// sources are soft deleted.
type PaymentSource struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Network         string    `gorm:"size:16;index"`
	ContractAddress string    `gorm:"size:128"`
	// EscrowScript and RegistryScript are the hex encoded PlutusV3 blobs.
	EscrowScript       string `gorm:"type:text"`
	RegistryScript     string `gorm:"type:text"`
	AdminKeyHash1      string `gorm:"size:56"`
	AdminKeyHash2      string `gorm:"size:56"`
	AdminKeyHash3      string `gorm:"size:56"`
	FeeReceiverAddress string `gorm:"size:128"`
	FeeRatePermille    int    `gorm:"not null"`
	CooldownMs         int64  `gorm:"not null"`
	MaxRetries         int    `gorm:"not null"`
	SyncInProgress     bool   `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          gorm.DeletedAt `gorm:"index"`
}

// AdminKeyHashes returns the admin signers in contract order.
func (p PaymentSource) AdminKeyHashes() []string {
	out := make([]string, 0, 3)
	for _, h := range []string{p.AdminKeyHash1, p.AdminKeyHash2, p.AdminKeyHash3} {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// Cooldown is the contract cooldown as a duration.
func (p PaymentSource) Cooldown() time.Duration {
	return time.Duration(p.CooldownMs) * time.Millisecond
}

// HotWallet is a signing wallet. LockedAt and PendingTransactionID are the
// lease fields: a wallet with either set (and the lock not expired) is busy.
type HotWallet struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PaymentSourceID uuid.UUID  `gorm:"type:uuid;index"`
	Type            WalletType `gorm:"size:16;index"`
	Address         string     `gorm:"size:128"`
	KeyHash         string     `gorm:"size:56"`
	// Secret is the encrypted wallet secret, opaque to this package.
	Secret string `gorm:"type:text"`
	// CollectionAddress receives seller payouts when set.
	CollectionAddress    string     `gorm:"size:128"`
	LockedAt             *time.Time `gorm:"index"`
	PendingTransactionID *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	DeletedAt            gorm.DeletedAt `gorm:"index"`
}

// NextAction is the single pending intention on an escrow request.
type NextAction struct {
	RequestedAction      escrow.Action `gorm:"size:64;index"`
	ErrorType            string        `gorm:"size:32"`
	ErrorNote            string        `gorm:"size:1024"`
	RequiresManualReview bool          `gorm:"index"`
	RetryCount           int
}

// Failure is the error bookkeeping of the collateral and registry state
// machines. Its columns line up with NextAction's.
type Failure struct {
	ErrorType            string `gorm:"size:32"`
	ErrorNote            string `gorm:"size:1024"`
	RequiresManualReview bool   `gorm:"index"`
	RetryCount           int
}

// EscrowRequest is the purchase (buyer) or payment (seller) record of one
// escrow. Protocol times are POSIX milliseconds.
type EscrowRequest struct {
	ID                   uuid.UUID          `gorm:"type:uuid;primaryKey"`
	Kind                 escrow.RequestKind `gorm:"size:16;uniqueIndex:idx_escrow_identifier"`
	BlockchainIdentifier string             `gorm:"size:512;uniqueIndex:idx_escrow_identifier"`
	PaymentSourceID      uuid.UUID          `gorm:"type:uuid;index"`
	// HotWalletID is the wallet that signs this side's transactions.
	HotWalletID        uuid.UUID `gorm:"type:uuid;index"`
	BuyerKeyHash       string    `gorm:"size:56"`
	SellerKeyHash      string    `gorm:"size:56"`
	BuyerAddress       string    `gorm:"size:128"`
	SellerAddress      string    `gorm:"size:128"`
	Funds              []Fund
	SubmitResultTime   int64
	UnlockTime         int64
	RefundTime         int64
	BuyerCooldownTime  int64
	SellerCooldownTime int64
	ResultHash         string              `gorm:"size:256"`
	OnChainState       escrow.OnChainState `gorm:"size:32;index"`
	NextAction         NextAction          `gorm:"embedded;embeddedPrefix:next_"`
	// CurrentTransactionID is the latest transaction touching the escrow
	// output; its hash locates the live script UTxO.
	CurrentTransactionID *uuid.UUID    `gorm:"type:uuid"`
	Transactions         []Transaction `gorm:"foreignKey:EscrowRequestID"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Fund is one (unit, amount) pair locked by an escrow. Amount is a decimal
// string so native asset quantities beyond int64 survive.
type Fund struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	EscrowRequestID uuid.UUID `gorm:"type:uuid;index"`
	Unit            string    `gorm:"size:128"`
	Amount          string    `gorm:"size:80"`
}

// Transaction is a submitted or about-to-be-submitted transaction. It is
// created with an empty hash before submission so the wallet stays blocked
// across a crash.
type Transaction struct {
	ID     uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Hash   string            `gorm:"size:64;index"`
	Status TransactionStatus `gorm:"size:16;index"`
	Action string            `gorm:"size:64"`
	// WalletID is the wallet the transaction blocks while pending.
	WalletID            *uuid.UUID `gorm:"type:uuid;index"`
	EscrowRequestID     *uuid.UUID `gorm:"type:uuid;index"`
	CollateralRequestID *uuid.UUID `gorm:"type:uuid;index"`
	RegistryRequestID   *uuid.UUID `gorm:"type:uuid;index"`
	// Target fields are applied to the escrow request on confirmation.
	TargetState          escrow.OnChainState `gorm:"size:32"`
	TargetBuyerCooldown  int64
	TargetSellerCooldown int64
	SubmittedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CollateralRequest tracks provisioning of a collateral UTxO for a wallet.
type CollateralRequest struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey"`
	PaymentSourceID      uuid.UUID       `gorm:"type:uuid;index"`
	HotWalletID          uuid.UUID       `gorm:"type:uuid;index"`
	State                CollateralState `gorm:"size:16;index"`
	Amount               uint64
	CurrentTransactionID *uuid.UUID `gorm:"type:uuid"`
	Failure              Failure    `gorm:"embedded;embeddedPrefix:next_"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RegistryRequest tracks minting and burning of an agent registration NFT.
type RegistryRequest struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	PaymentSourceID uuid.UUID `gorm:"type:uuid;index"`
	HotWalletID     uuid.UUID `gorm:"type:uuid;index"`
	Name            string    `gorm:"size:256"`
	// MintInput is the first wallet input consumed by the mint, the seed of
	// the asset name.
	MintInput            string        `gorm:"size:80"`
	AgentIdentifier      string        `gorm:"size:128;index"`
	State                RegistryState `gorm:"size:32;index"`
	CurrentTransactionID *uuid.UUID    `gorm:"type:uuid"`
	Failure              Failure       `gorm:"embedded;embeddedPrefix:next_"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AutoMigrate performs all schema migrations for the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PaymentSource{},
		&HotWallet{},
		&EscrowRequest{},
		&Fund{},
		&Transaction{},
		&CollateralRequest{},
		&RegistryRequest{},
	)
}
