package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	methodSettleAtomic    = "settleAtomicPurchase"
	methodTokenBalance    = "getTokenAccountBalance"
	defaultRequestTimeout = 45 * time.Second
)

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

// RPCClient is a JSON-RPC 2.0 client for the relayer and Solana RPC.
type RPCClient struct {
	relayerURL      string
	relayerToken    string
	rpcURL          string
	treasuryAccount string
	http            *http.Client
	log             *zap.Logger
	nextID          atomic.Int64
}

func NewRPCClient(p Params) *RPCClient {
	timeout := p.Cfg.Solana.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &RPCClient{
		relayerURL:      strings.TrimSpace(p.Cfg.Solana.RelayerURL),
		relayerToken:    strings.TrimSpace(p.Cfg.Solana.RelayerToken),
		rpcURL:          strings.TrimSpace(p.Cfg.Solana.RPCURL),
		treasuryAccount: strings.TrimSpace(p.Cfg.Solana.TreasuryTokenAccount),
		http:            tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
		log:             p.Log.Named("chain.rpc"),
	}
}

func NewSettler(c *RPCClient) Settler {
	return c
}

// SettleAtomic asks the relayer to mint and distribute in one transaction.
// The request id is stable for the call so the relayer can dedupe resends.
func (c *RPCClient) SettleAtomic(ctx context.Context, req SettleRequest) (SettleResult, error) {
	if c.relayerURL == "" {
		return SettleResult{}, ErrRelayerNotConfigured
	}
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}

	var result SettleResult
	if err := c.call(ctx, c.relayerURL, c.relayerToken, methodSettleAtomic, []any{req}, &result); err != nil {
		return SettleResult{}, err
	}
	if result.Signature == "" || result.MintAddress == "" {
		return SettleResult{}, ErrInvalidSettlement
	}

	c.log.Info("atomic settlement submitted",
		zap.String("relayer_request_id", req.RequestID),
		zap.String("purchase_id", req.PurchaseID.String()),
		zap.String("signature", result.Signature),
	)
	return result, nil
}

// TreasuryBalance reads the platform USDC token account in whole USDC.
func (c *RPCClient) TreasuryBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.treasuryAccount == "" {
		return decimal.Zero, ErrTreasuryNotConfigured
	}

	var result struct {
		Value struct {
			Amount   string `json:"amount"`
			Decimals int32  `json:"decimals"`
		} `json:"value"`
	}
	if err := c.call(ctx, c.rpcURL, "", methodTokenBalance, []any{c.treasuryAccount}, &result); err != nil {
		return decimal.Zero, err
	}
	raw, err := decimal.NewFromString(result.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse token balance: %w", err)
	}
	return raw.Shift(-result.Value.Decimals), nil
}

func (c *RPCClient) call(ctx context.Context, endpoint, token, method string, params any, out any) error {
	id := c.nextID.Add(1)
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s failed: status=%d", method, resp.StatusCode)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return ErrEmptyResult
	}
	return json.Unmarshal(rpcResp.Result, out)
}
