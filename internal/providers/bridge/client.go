package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Transfers creates and reads USD to USDC on-ramp transfers.
type Transfers interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error)
	GetTransfer(ctx context.Context, id string) (Transfer, error)
}

type TransferRequest struct {
	Amount             decimal.Decimal
	DestinationAddress string
	// ExternalID is our reference, e.g. purchase_<id> or batch_<id>.
	ExternalID     string
	IdempotencyKey string
}

// State is the transfer lifecycle state reported by Bridge.
type State string

const (
	StateAwaitingFunds State = "awaiting_funds"
	StateFundsReceived State = "funds_received"
	StateInReview      State = "in_review"
	StatePaymentSubmit State = "payment_submitted"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateReturned      State = "returned"
	StateCanceled      State = "canceled"
)

type Receipt struct {
	TxHash            string `json:"tx_hash,omitempty"`
	DestinationTxHash string `json:"destination_tx_hash,omitempty"`
}

// Signature prefers the destination chain hash.
func (r Receipt) Signature() string {
	if r.DestinationTxHash != "" {
		return r.DestinationTxHash
	}
	return r.TxHash
}

type Transfer struct {
	ID                  string           `json:"id"`
	State               State            `json:"state"`
	ExternalID          string           `json:"external_id,omitempty"`
	SourceAmount        *decimal.Decimal `json:"source_amount,omitempty"`
	DestinationAmount   *decimal.Decimal `json:"destination_amount,omitempty"`
	Fee                 *decimal.Decimal `json:"fee,omitempty"`
	FailureReason       string           `json:"failure_reason,omitempty"`
	ReturnReason        string           `json:"return_reason,omitempty"`
	Receipt             Receipt          `json:"receipt"`
	DepositInstructions json.RawMessage  `json:"source_deposit_instructions,omitempty"`
}

var (
	ErrNotConfigured   = errors.New("bridge_not_configured")
	ErrInvalidTransfer = errors.New("invalid_transfer_request")
)

// APIError is a non-2xx answer from the Bridge API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge api error: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
}

func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

type Client struct {
	base   string
	apiKey string
	http   *http.Client
	log    *zap.Logger
}

func NewClient(p Params) *Client {
	base := strings.TrimRight(strings.TrimSpace(p.Cfg.Bridge.APIBase), "/")
	if base == "" {
		base = "https://api.bridge.xyz"
	}
	return &Client{
		base:   base,
		apiKey: strings.TrimSpace(p.Cfg.Bridge.APIKey),
		http:   tracing.WrapHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		log:    p.Log.Named("bridge.client"),
	}
}

func NewTransfers(c *Client) Transfers { return c }

type transferBody struct {
	Amount       string              `json:"amount"`
	Source       transferSource      `json:"source"`
	Destination  transferDestination `json:"destination"`
	DeveloperFee string              `json:"developer_fee_percent"`
	ExternalID   string              `json:"external_id"`
}

type transferSource struct {
	Currency    string `json:"currency"`
	PaymentRail string `json:"payment_rail"`
}

type transferDestination struct {
	Currency    string `json:"currency"`
	Address     string `json:"address"`
	PaymentRail string `json:"payment_rail"`
}

// CreateTransfer converts USD arriving over ACH into USDC on Solana.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	if c.apiKey == "" {
		return Transfer{}, ErrNotConfigured
	}
	if !req.Amount.IsPositive() || strings.TrimSpace(req.DestinationAddress) == "" {
		return Transfer{}, ErrInvalidTransfer
	}
	body := transferBody{
		Amount:       req.Amount.StringFixed(2),
		Source:       transferSource{Currency: "usd", PaymentRail: "ach"},
		Destination:  transferDestination{Currency: "usdc", Address: req.DestinationAddress, PaymentRail: "solana"},
		DeveloperFee: "0",
		ExternalID:   req.ExternalID,
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	var out Transfer
	if err := c.do(ctx, http.MethodPost, "/v0/transfers", body, key, &out); err != nil {
		return Transfer{}, err
	}
	c.log.Info("onramp transfer created",
		zap.String("transfer_id", out.ID),
		zap.String("state", string(out.State)),
		zap.String("external_id", req.ExternalID),
		zap.String("amount", body.Amount),
	)
	return out, nil
}

func (c *Client) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	if c.apiKey == "" {
		return Transfer{}, ErrNotConfigured
	}
	if strings.TrimSpace(id) == "" {
		return Transfer{}, ErrInvalidTransfer
	}
	var out Transfer
	if err := c.do(ctx, http.MethodGet, "/v0/transfers/"+url.PathEscape(id), nil, "", &out); err != nil {
		return Transfer{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, idempotencyKey string, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.log.Debug("bridge api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
