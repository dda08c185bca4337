package chain_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/chain"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newClient(relayer, rpc string) *chain.RPCClient {
	return chain.NewRPCClient(chain.Params{
		Cfg: config.Config{Solana: config.SolanaConfig{
			RPCURL:               rpc,
			RelayerURL:           relayer,
			RelayerToken:         "relayer-token",
			TreasuryTokenAccount: "TreasuryATA",
		}},
		Log: zap.NewNop(),
	})
}

func TestSettleAtomicSendsRequestAndParsesResult(t *testing.T) {
	var gotAuth string
	var got rpcRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{
			"nft_mint_address":"Mint111",
			"transaction_signature":"Sig111",
			"actual_gas_fee_usd":"0.031",
			"platform_usdc_fronted":"9.974",
			"platform_usdc_earned":"0.9974",
			"distributions":[{"user":"ana","wallet":"WalletAna","amount":"8.9766","percentage":"90","role":"creator"}]
		}}`))
	}))
	defer server.Close()

	client := newClient(server.URL, server.URL)
	result, err := client.SettleAtomic(context.Background(), chain.SettleRequest{
		PurchaseID:     42,
		BuyerWallet:    "Buyer",
		TotalAmount:    decimal.RequireFromString("9.974"),
		PlatformAmount: decimal.RequireFromString("0.9974"),
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer relayer-token", gotAuth)
	assert.Equal(t, "settleAtomicPurchase", got.Method)
	require.Len(t, got.Params, 1)
	var sent chain.SettleRequest
	require.NoError(t, json.Unmarshal(got.Params[0], &sent))
	assert.NotEmpty(t, sent.RequestID)

	assert.Equal(t, "Sig111", result.Signature)
	assert.Equal(t, "Mint111", result.MintAddress)
	require.NotNil(t, result.ActualGasFeeUSD)
	assert.True(t, result.ActualGasFeeUSD.Equal(decimal.RequireFromString("0.031")))
	require.Len(t, result.Distributions, 1)
	assert.Equal(t, "ana", result.Distributions[0].Username)
}

func TestSettleAtomicSurfacesRPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32002,"message":"insufficient funds"}}`))
	}))
	defer server.Close()

	_, err := newClient(server.URL, server.URL).SettleAtomic(context.Background(), chain.SettleRequest{PurchaseID: 1})
	var rpcErr *chain.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32002, rpcErr.Code)
}

func TestSettleAtomicRequiresRelayer(t *testing.T) {
	_, err := newClient("", "http://unused").SettleAtomic(context.Background(), chain.SettleRequest{})
	assert.ErrorIs(t, err, chain.ErrRelayerNotConfigured)
}

func TestTreasuryBalanceConvertsBaseUnits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getTokenAccountBalance", req.Method)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":{"amount":"1234567890","decimals":6,"uiAmountString":"1234.56789"}}}`))
	}))
	defer server.Close()

	balance, err := newClient("", server.URL).TreasuryBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1234.56789")), "got %s", balance)
}
