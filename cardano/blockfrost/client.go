// Package blockfrost implements cardano.Provider against the Blockfrost HTTP
// API.
package blockfrost

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"agentescrow/cardano"
	"agentescrow/cardano/utxo"
	"agentescrow/observability/metrics"
	"agentescrow/retry"
)

const (
	pageSize = 100
	maxPages = 50
)

// DefaultBaseURL returns the public endpoint of the network.
func DefaultBaseURL(network cardano.Network) string {
	switch network {
	case cardano.Mainnet:
		return "https://cardano-mainnet.blockfrost.io/api/v0"
	case cardano.Preprod:
		return "https://cardano-preprod.blockfrost.io/api/v0"
	default:
		return ""
	}
}

// Config configures a Client.
type Config struct {
	Network   cardano.Network
	BaseURL   string
	ProjectID string
	// RequestsPerSecond and Burst throttle outgoing calls. Zero disables
	// throttling.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Client talks to one Blockfrost project, bound to one network.
type Client struct {
	network   cardano.Network
	baseURL   string
	projectID string
	http      *http.Client
	limiter   *rate.Limiter
}

var _ cardano.Provider = (*Client)(nil)

// New constructs a client. The HTTP transport is instrumented with otelhttp.
func New(cfg Config) (*Client, error) {
	if _, err := cfg.Network.ID(); err != nil {
		return nil, err
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL(cfg.Network)
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("blockfrost: project id required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		network:   cfg.Network,
		baseURL:   base,
		projectID: cfg.ProjectID,
		http:      &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter:   limiter,
	}, nil
}

func (c *Client) Network() cardano.Network { return c.network }

type amount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

type addressUTxO struct {
	TxHash      string   `json:"tx_hash"`
	OutputIndex uint32   `json:"output_index"`
	Amount      []amount `json:"amount"`
	InlineDatum *string  `json:"inline_datum"`
}

type txOutput struct {
	Address     string   `json:"address"`
	Amount      []amount `json:"amount"`
	OutputIndex uint32   `json:"output_index"`
	InlineDatum *string  `json:"inline_datum"`
	ConsumedBy  *string  `json:"consumed_by_tx"`
}

type txUTxOs struct {
	Hash    string     `json:"hash"`
	Outputs []txOutput `json:"outputs"`
}

type assetAddress struct {
	Address  string `json:"address"`
	Quantity string `json:"quantity"`
}

type epochParams struct {
	MinFeeA             uint64                   `json:"min_fee_a"`
	MinFeeB             uint64                   `json:"min_fee_b"`
	MaxTxSize           uint64                   `json:"max_tx_size"`
	CoinsPerUTxOSize    string                   `json:"coins_per_utxo_size"`
	PriceMem            json.Number              `json:"price_mem"`
	PriceStep           json.Number              `json:"price_step"`
	CollateralPercent   uint64                   `json:"collateral_percent"`
	MaxCollateralInputs uint64                   `json:"max_collateral_inputs"`
	CostModelsRaw       map[string][]json.Number `json:"cost_models_raw"`
}

// FetchUTxOsAt lists all unspent outputs at address. An address that has
// never been used yields an empty set.
func (c *Client) FetchUTxOsAt(ctx context.Context, address string) ([]utxo.UTxO, error) {
	var out []utxo.UTxO
	for page := 1; page <= maxPages; page++ {
		var batch []addressUTxO
		path := fmt.Sprintf("/addresses/%s/utxos?count=%d&page=%d", url.PathEscape(address), pageSize, page)
		err := c.get(ctx, path, &batch)
		if errors.Is(err, cardano.ErrNotFound) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		for _, item := range batch {
			u, err := toUTxO(utxo.Ref{TxHash: item.TxHash, Index: item.OutputIndex}, address, item.Amount, item.InlineDatum)
			if err != nil {
				return nil, err
			}
			out = append(out, u)
		}
		if len(batch) < pageSize {
			return out, nil
		}
	}
	return out, nil
}

// FetchUTxOsByTxHash returns the unspent outputs of a transaction. It fails
// with cardano.ErrNotFound while the transaction is not yet indexed.
func (c *Client) FetchUTxOsByTxHash(ctx context.Context, txHash string) ([]utxo.UTxO, error) {
	var res txUTxOs
	if err := c.get(ctx, "/txs/"+url.PathEscape(txHash)+"/utxos", &res); err != nil {
		return nil, err
	}
	out := make([]utxo.UTxO, 0, len(res.Outputs))
	for _, o := range res.Outputs {
		if o.ConsumedBy != nil && *o.ConsumedBy != "" {
			continue
		}
		u, err := toUTxO(utxo.Ref{TxHash: txHash, Index: o.OutputIndex}, o.Address, o.Amount, o.InlineDatum)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Submit posts a signed transaction and returns its id.
func (c *Client) Submit(ctx context.Context, signedTx []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/tx/submit", "application/cbor", signedTx)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var hash string
	if err := json.NewDecoder(resp.Body).Decode(&hash); err != nil {
		return "", fmt.Errorf("blockfrost: decode submit response: %w", err)
	}
	return hash, nil
}

// AssetOwners lists the addresses currently holding unit.
func (c *Client) AssetOwners(ctx context.Context, unit string) ([]cardano.AssetOwner, error) {
	var out []cardano.AssetOwner
	for page := 1; page <= maxPages; page++ {
		var batch []assetAddress
		path := fmt.Sprintf("/assets/%s/addresses?count=%d&page=%d", url.PathEscape(unit), pageSize, page)
		if err := c.get(ctx, path, &batch); err != nil {
			if errors.Is(err, cardano.ErrNotFound) && page == 1 {
				return nil, nil
			}
			return nil, err
		}
		for _, item := range batch {
			q, err := uint256.FromDecimal(item.Quantity)
			if err != nil {
				return nil, fmt.Errorf("blockfrost: quantity %q: %w", item.Quantity, err)
			}
			out = append(out, cardano.AssetOwner{Address: item.Address, Quantity: q})
		}
		if len(batch) < pageSize {
			break
		}
	}
	return out, nil
}

// ProtocolParameters returns the parameters of the latest epoch.
func (c *Client) ProtocolParameters(ctx context.Context) (cardano.ProtocolParams, error) {
	var raw epochParams
	if err := c.get(ctx, "/epochs/latest/parameters", &raw); err != nil {
		return cardano.ProtocolParams{}, err
	}
	coins, err := strconv.ParseUint(raw.CoinsPerUTxOSize, 10, 64)
	if err != nil {
		return cardano.ProtocolParams{}, fmt.Errorf("blockfrost: coins_per_utxo_size: %w", err)
	}
	memNum, memDen, err := ratio(raw.PriceMem)
	if err != nil {
		return cardano.ProtocolParams{}, err
	}
	stepNum, stepDen, err := ratio(raw.PriceStep)
	if err != nil {
		return cardano.ProtocolParams{}, err
	}
	params := cardano.ProtocolParams{
		MinFeeA:            raw.MinFeeA,
		MinFeeB:            raw.MinFeeB,
		MaxTxSize:          raw.MaxTxSize,
		CoinsPerUTxOByte:   coins,
		PriceMemNum:        memNum,
		PriceMemDen:        memDen,
		PriceStepNum:       stepNum,
		PriceStepDen:       stepDen,
		CollateralPercent:  raw.CollateralPercent,
		MaxCollateralInput: raw.MaxCollateralInputs,
	}
	for _, n := range raw.CostModelsRaw["PlutusV3"] {
		v, err := n.Int64()
		if err != nil {
			return cardano.ProtocolParams{}, fmt.Errorf("blockfrost: cost model entry %q: %w", n, err)
		}
		params.CostModelV3 = append(params.CostModelV3, v)
	}
	return params, nil
}

// ratio converts a decimal price into an exact fraction.
func ratio(n json.Number) (uint64, uint64, error) {
	r, ok := new(big.Rat).SetString(n.String())
	if !ok || r.Sign() < 0 || !r.Num().IsUint64() || !r.Denom().IsUint64() {
		return 0, 0, fmt.Errorf("blockfrost: invalid price %q", n)
	}
	return r.Num().Uint64(), r.Denom().Uint64(), nil
}

func toUTxO(ref utxo.Ref, address string, amounts []amount, inlineDatum *string) (utxo.UTxO, error) {
	value := utxo.Value{}
	for _, a := range amounts {
		q, err := uint256.FromDecimal(a.Quantity)
		if err != nil {
			return utxo.UTxO{}, fmt.Errorf("blockfrost: quantity %q of %s: %w", a.Quantity, a.Unit, err)
		}
		value = value.Add(utxo.Value{a.Unit: q})
	}
	u := utxo.UTxO{Ref: ref, Address: address, Value: value}
	if inlineDatum != nil && *inlineDatum != "" {
		datum, err := hex.DecodeString(*inlineDatum)
		if err != nil {
			return utxo.UTxO{}, fmt.Errorf("blockfrost: inline datum of %s: %w", ref, err)
		}
		u.Datum = datum
	}
	return u, nil
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("blockfrost: decode %s: %w", path, err)
	}
	return nil
}

// do performs the request and maps failures: 404 to cardano.ErrNotFound,
// 429 to a transient cardano.ErrRateLimited, 5xx and transport errors to
// transient errors, other statuses to permanent ones.
func (c *Client) do(ctx context.Context, method, path, contentType string, payload []byte) (*http.Response, error) {
	if c.limiter.Limit() != rate.Inf && c.limiter.Tokens() < 1 {
		metrics.Provider().RecordThrottle("blockfrost")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("project_id", c.projectID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.Provider().Observe("blockfrost", method, 0, time.Since(started))
		return nil, retry.Transient(fmt.Errorf("blockfrost %s %s: %w", method, path, err))
	}
	metrics.Provider().Observe("blockfrost", method, resp.StatusCode, time.Since(started))
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	statusErr := fmt.Errorf("blockfrost %s %s failed: status=%d body=%s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %v", cardano.ErrNotFound, statusErr)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.Transient(fmt.Errorf("%w: %v", cardano.ErrRateLimited, statusErr))
	case resp.StatusCode >= 500:
		return nil, retry.Transient(statusErr)
	default:
		return nil, statusErr
	}
}
