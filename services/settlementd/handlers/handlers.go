// Package handlers holds the periodic settlement workers. Every handler
// follows one template: lease a batch, process each item in isolation,
// persist a result per item.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"agentescrow/cardano"
	"agentescrow/cardano/utxo"
	"agentescrow/escrow"
	"agentescrow/lease"
	"agentescrow/observability"
	"agentescrow/retry"
	"agentescrow/store"
	"agentescrow/wallet"
)

// Handler names, used for scheduling, metrics and logs.
const (
	NameDecision      = "decision"
	NameSubmitResult  = "submit-result"
	NameRequestRefund = "request-refund"
	NameCancelRefund  = "cancel-refund"
	NameCollectRefund = "collect-refund"
	NameWithdraw      = "withdraw"
	NameCollateral    = "collateral"
	NameRegister      = "register"
	NameDeregister    = "deregister"
	NameSync          = "sync"
	NameJanitor       = "janitor"
)

var (
	ErrNoProvider      = errors.New("handlers: no provider for network")
	ErrEscrowUTxO      = errors.New("handlers: escrow output not found")
	ErrStateMismatch   = errors.New("handlers: on-chain datum disagrees with request")
	ErrNotConfirmed    = errors.New("handlers: current transaction not yet confirmed")
	ErrTooEarly        = errors.New("handlers: protocol time not reached")
	ErrTooLate         = errors.New("handlers: protocol deadline passed")
	ErrMissingResult   = errors.New("handlers: result hash missing")
	ErrMisconfigured   = errors.New("handlers: payment source misconfigured")
	ErrNoFunds         = errors.New("handlers: wallet holds no spendable outputs")
	ErrAssetNotHeld    = errors.New("handlers: registry asset not held by wallet")
	ErrAssetMismatch   = errors.New("handlers: registry asset does not match mint input")
	ErrPayoutAddresses = errors.New("handlers: payout address missing")
	ErrForeignOutput   = errors.New("handlers: script output does not belong to the escrow")
)

// Repository is the persistence surface the handlers drive. *store.Store
// implements it.
type Repository interface {
	DecisionCandidates(ctx context.Context, at time.Time, limit int) ([]store.EscrowRequest, error)
	ArmAction(ctx context.Context, requestID uuid.UUID, from, to escrow.Action) error
	BeginSubmission(ctx context.Context, sub store.Submission) (store.Transaction, error)
	CompleteSubmission(ctx context.Context, txID uuid.UUID, hash string) error
	AbortSubmission(ctx context.Context, txID uuid.UUID) error
	RecordEscrowFailure(ctx context.Context, requestID, walletID uuid.UUID, f store.Failed) error
	RecordCollateralFailure(ctx context.Context, requestID, walletID uuid.UUID, f store.Failed) error
	RecordRegistryFailure(ctx context.Context, req store.RegistryRequest, walletID uuid.UUID, f store.Failed) error
	ConfirmCollateral(ctx context.Context, requestID, walletID uuid.UUID) error
	PendingTransactions(ctx context.Context, limit int) ([]store.Transaction, error)
	ConfirmTransaction(ctx context.Context, txID uuid.UUID) error
	FailTransaction(ctx context.Context, txID uuid.UUID, note string) error
	TransactionByID(ctx context.Context, id uuid.UUID) (store.Transaction, error)
	RegistryRequest(ctx context.Context, id uuid.UUID) (store.RegistryRequest, error)
	Wallet(ctx context.Context, id uuid.UUID) (store.HotWallet, error)
	Source(ctx context.Context, id uuid.UUID) (store.PaymentSource, error)
	ActiveSources(ctx context.Context) ([]store.PaymentSource, error)
	ObservableEscrows(ctx context.Context, sourceID uuid.UUID, ttl time.Duration) ([]store.EscrowRequest, error)
	ObserveEscrow(ctx context.Context, o store.Observation) error
	EscalateEscrow(ctx context.Context, requestID uuid.UUID, errorType retry.ErrorType, note string) error
}

var _ Repository = (*store.Store)(nil)

// TxSettings tunes transaction construction and confirmation.
type TxSettings struct {
	ProductTag string
	// ValiditySlack widens the validity interval on both sides of now.
	ValiditySlack       time.Duration
	ConfirmationTimeout time.Duration
	// Parallelism bounds how many items of one batch run at once.
	Parallelism int
}

// Env carries the collaborators shared by all handlers.
type Env struct {
	Repo      Repository
	Leases    *lease.Manager
	Providers map[cardano.Network]cardano.Provider
	Wallets   *wallet.Opener
	Policy    retry.Policy
	Tx        TxSettings
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Handler is one periodic worker.
type Handler interface {
	Name() string
	Run(ctx context.Context) (BatchResult, error)
}

func (e *Env) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Env) tracer() trace.Tracer {
	return otel.Tracer("agentescrow/handlers")
}

func (e *Env) validity() (time.Time, time.Time) {
	now := e.now()
	slack := e.Tx.ValiditySlack
	if slack <= 0 {
		slack = 5 * time.Minute
	}
	return now.Add(-slack), now.Add(slack)
}

// provider resolves the provider for a stored network name. The network is
// never defaulted.
func (e *Env) provider(raw string) (cardano.Provider, cardano.Network, error) {
	network, err := cardano.ParseNetwork(raw)
	if err != nil {
		return nil, "", err
	}
	p, ok := e.Providers[network]
	if !ok || p == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrNoProvider, network)
	}
	if p.Network() != network {
		return nil, "", fmt.Errorf("%w: provider serves %s, want %s", ErrNoProvider, p.Network(), network)
	}
	return p, network, nil
}

// call runs one provider operation under the retry policy.
func (e *Env) call(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts, err := e.Policy.Do(ctx, fn)
	observability.Settlement().RecordRetries(op, attempts)
	return err
}

func (e *Env) walletUTxOs(ctx context.Context, p cardano.Provider, address string) ([]utxo.UTxO, error) {
	var out []utxo.UTxO
	err := e.call(ctx, "fetch_utxos", func(ctx context.Context) error {
		var err error
		out, err = p.FetchUTxOsAt(ctx, address)
		return err
	})
	return out, err
}

func (e *Env) params(ctx context.Context, p cardano.Provider) (cardano.ProtocolParams, error) {
	var out cardano.ProtocolParams
	err := e.call(ctx, "protocol_parameters", func(ctx context.Context) error {
		var err error
		out, err = p.ProtocolParameters(ctx)
		return err
	})
	return out, err
}

// Outcome is the result class of one item.
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeArmed     Outcome = "armed"
	OutcomeWaiting   Outcome = "waiting"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRetry     Outcome = "retry"
	OutcomeEscalated Outcome = "escalated"
	OutcomeFailed    Outcome = "failed"
)

// ItemResult is the persisted outcome of one item of a batch.
type ItemResult struct {
	ID       uuid.UUID
	WalletID uuid.UUID
	Outcome  Outcome
	TxHash   string
	Err      error
}

// BatchResult aggregates the items of one run. One item's failure never
// affects the others.
type BatchResult struct {
	Handler string
	Items   []ItemResult
}

// Succeeded counts items that made progress.
func (b BatchResult) Succeeded() int {
	n := 0
	for _, it := range b.Items {
		switch it.Outcome {
		case OutcomeSubmitted, OutcomeConfirmed, OutcomeArmed:
			n++
		}
	}
	return n
}

// Failed counts items that ended in an error.
func (b BatchResult) Failed() int {
	n := 0
	for _, it := range b.Items {
		switch it.Outcome {
		case OutcomeRetry, OutcomeEscalated, OutcomeFailed:
			n++
		}
	}
	return n
}

// Count returns how many items ended with outcome o.
func (b BatchResult) Count(o Outcome) int {
	n := 0
	for _, it := range b.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

// runBatch processes items concurrently, bounded by the configured
// parallelism. A panicking item is converted into a failed result.
func runBatch[T any](ctx context.Context, e *Env, handler string, items []T, fn func(context.Context, T) ItemResult) BatchResult {
	res := BatchResult{Handler: handler, Items: make([]ItemResult, len(items))}
	limit := e.Tx.Parallelism
	if limit <= 0 {
		limit = 4
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res.Items[i] = e.item(ctx, handler, func(ctx context.Context) ItemResult { return fn(ctx, item) })
			return nil
		})
	}
	_ = g.Wait()
	observability.Settlement().RecordItems(handler, res.Succeeded(), res.Failed())
	return res
}

func (e *Env) item(ctx context.Context, handler string, fn func(context.Context) ItemResult) (out ItemResult) {
	ctx, span := e.tracer().Start(ctx, handler+".item")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			out = ItemResult{Outcome: OutcomeFailed, Err: fmt.Errorf("handlers: %s item panicked: %v", handler, r)}
		}
		span.SetAttributes(
			attribute.String("item.id", out.ID.String()),
			attribute.String("item.outcome", string(out.Outcome)),
		)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
	}()
	return fn(ctx)
}

// failed logs a failed item and turns its escalation decision into a result.
func (e *Env) failed(handler string, id, walletID uuid.UUID, d retry.Decision, cause, recordErr error) ItemResult {
	outcome := OutcomeRetry
	level := slog.LevelWarn
	if d.ManualReview {
		outcome = OutcomeEscalated
		level = slog.LevelError
		observability.Settlement().RecordEscalation(handler, string(d.Type))
	}
	e.logger().Log(context.Background(), level, "settlement item failed",
		slog.String("handler", handler),
		slog.String("request_id", id.String()),
		slog.String("wallet_id", walletID.String()),
		slog.Int("retry_count", d.RetryCount),
		slog.Bool("manual_review", d.ManualReview),
		slog.Any("error", cause))
	if recordErr != nil {
		e.logger().Error("record item failure",
			slog.String("handler", handler),
			slog.String("request_id", id.String()),
			slog.Any("error", recordErr))
		outcome = OutcomeFailed
		cause = errors.Join(cause, recordErr)
	}
	return ItemResult{ID: id, WalletID: walletID, Outcome: outcome, Err: cause}
}
