package blockfrost

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"agentescrow/cardano"
	"agentescrow/retry"
)

const txHash = "8d1a3e0f1c2b4a5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{Network: cardano.Preprod, BaseURL: srv.URL, ProjectID: "preprodTEST"})
	require.NoError(t, err)
	return c
}

func TestFetchUTxOsAtParsesAmountsAndDatum(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "preprodTEST", r.Header.Get("project_id"))
		require.True(t, strings.HasPrefix(r.URL.Path, "/addresses/addr_test1xyz/utxos"))
		_, _ = io.WriteString(w, `[
			{"tx_hash":"`+txHash+`","output_index":1,
			 "amount":[{"unit":"lovelace","quantity":"5000000"},{"unit":"aa4e4654","quantity":"1"}],
			 "inline_datum":"d87980"},
			{"tx_hash":"`+txHash+`","output_index":2,
			 "amount":[{"unit":"lovelace","quantity":"3000000"}],"inline_datum":null}
		]`)
	})

	utxos, err := c.FetchUTxOsAt(context.Background(), "addr_test1xyz")
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	require.Equal(t, uint64(5_000_000), utxos[0].Value.Coin())
	require.False(t, utxos[0].Value.OnlyLovelace())
	require.Equal(t, []byte{0xd8, 0x79, 0x80}, utxos[0].Datum)
	require.True(t, utxos[1].Value.OnlyLovelace())
	require.Nil(t, utxos[1].Datum)
}

func TestFetchUTxOsAtUnusedAddress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status_code":404}`, http.StatusNotFound)
	})
	utxos, err := c.FetchUTxOsAt(context.Background(), "addr_test1xyz")
	require.NoError(t, err)
	require.Empty(t, utxos)
}

func TestFetchByTxHashNotYetIndexed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	_, err := c.FetchUTxOsByTxHash(context.Background(), txHash)
	require.ErrorIs(t, err, cardano.ErrNotFound)
}

func TestSubmitClassifiesFailures(t *testing.T) {
	status := http.StatusOK
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/cbor", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, []byte{0x84}, body)
		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		_, _ = io.WriteString(w, `"`+txHash+`"`)
	})

	hash, err := c.Submit(context.Background(), []byte{0x84})
	require.NoError(t, err)
	require.Equal(t, txHash, hash)

	status = http.StatusTooManyRequests
	_, err = c.Submit(context.Background(), []byte{0x84})
	require.True(t, retry.IsTransient(err))
	require.ErrorIs(t, err, cardano.ErrRateLimited)

	status = http.StatusBadGateway
	_, err = c.Submit(context.Background(), []byte{0x84})
	require.True(t, retry.IsTransient(err))
	require.NotErrorIs(t, err, cardano.ErrRateLimited)

	status = http.StatusBadRequest
	_, err = c.Submit(context.Background(), []byte{0x84})
	require.Error(t, err)
	require.False(t, retry.IsTransient(err))
	require.False(t, errors.Is(err, cardano.ErrNotFound))
}

func TestAssetOwnersAndParameters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/assets/"):
			_, _ = io.WriteString(w, `[{"address":"addr_test1abc","quantity":"1"}]`)
		case r.URL.Path == "/epochs/latest/parameters":
			_, _ = io.WriteString(w, `{"min_fee_a":44,"min_fee_b":155381,"max_tx_size":16384,
				"coins_per_utxo_size":"4310","price_mem":0.0577,"price_step":0.0000721,
				"collateral_percent":150,"max_collateral_inputs":3,
				"cost_models_raw":{"PlutusV3":[100788,420,-1]}}`)
		default:
			http.NotFound(w, r)
		}
	})

	owners, err := c.AssetOwners(context.Background(), "aa4e4654")
	require.NoError(t, err)
	require.Len(t, owners, 1)
	require.Equal(t, "addr_test1abc", owners[0].Address)
	require.Equal(t, uint64(1), owners[0].Quantity.Uint64())

	params, err := c.ProtocolParameters(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(44), params.MinFeeA)
	require.Equal(t, uint64(4310), params.CoinsPerUTxOByte)
	require.Equal(t, uint64(577), params.PriceMemNum)
	require.Equal(t, uint64(10000), params.PriceMemDen)
	require.Equal(t, uint64(721), params.PriceStepNum)
	require.Equal(t, uint64(10000000), params.PriceStepDen)
	require.Equal(t, []int64{100788, 420, -1}, params.CostModelV3)
}

func TestNewRequiresNetworkAndProject(t *testing.T) {
	_, err := New(Config{ProjectID: "x"})
	require.ErrorIs(t, err, cardano.ErrUnknownNetwork)
	_, err = New(Config{Network: cardano.Mainnet})
	require.Error(t, err)
}
