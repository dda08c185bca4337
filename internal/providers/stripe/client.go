package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Refunder returns money to the buyer's card.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (Refund, error)
}

// FeeSource looks up the actual processor fee charged on a payment.
type FeeSource interface {
	ProcessorFee(ctx context.Context, paymentIntentID string) (decimal.Decimal, error)
}

type RefundRequest struct {
	PaymentIntentID string
	Amount          decimal.Decimal
	Reason          string
	Metadata        map[string]string
	IdempotencyKey  string
}

type Refund struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Amount decimal.Decimal `json:"amount"`
}

var (
	ErrNotConfigured  = errors.New("stripe_not_configured")
	ErrInvalidRefund  = errors.New("invalid_refund_request")
	ErrFeeUnavailable = errors.New("processor_fee_unavailable")
)

// APIError is the error object Stripe returns with non-2xx responses.
type APIError struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe api error: status=%d type=%s code=%s message=%s", e.Status, e.Type, e.Code, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
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
	secret string
	http   *http.Client
	log    *zap.Logger
}

func NewClient(p Params) *Client {
	base := strings.TrimRight(strings.TrimSpace(p.Cfg.Stripe.APIBase), "/")
	if base == "" {
		base = "https://api.stripe.com"
	}
	return &Client{
		base:   base,
		secret: strings.TrimSpace(p.Cfg.Stripe.SecretKey),
		http:   tracing.WrapHTTPClient(&http.Client{Timeout: 20 * time.Second}),
		log:    p.Log.Named("stripe.client"),
	}
}

func NewRefunder(c *Client) Refunder   { return c }
func NewFeeSource(c *Client) FeeSource { return c }

func (c *Client) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	if c.secret == "" {
		return Refund{}, ErrNotConfigured
	}
	if strings.TrimSpace(req.PaymentIntentID) == "" || !req.Amount.IsPositive() {
		return Refund{}, ErrInvalidRefund
	}

	form := url.Values{}
	form.Set("payment_intent", req.PaymentIntentID)
	form.Set("amount", strconv.FormatInt(money.Cents(req.Amount), 10))
	if req.Reason != "" {
		form.Set("reason", req.Reason)
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set("metadata["+k+"]", req.Metadata[k])
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", form, key, &out); err != nil {
		return Refund{}, err
	}

	c.log.Info("refund created",
		zap.String("refund_id", out.ID),
		zap.String("payment_intent", req.PaymentIntentID),
		zap.String("amount", req.Amount.StringFixed(2)),
	)
	return Refund{ID: out.ID, Status: out.Status, Amount: money.FromCents(out.Amount)}, nil
}

// ProcessorFee reads the fee from the balance transaction of the intent's
// latest charge. The balance transaction is created asynchronously, so a
// missing one yields ErrFeeUnavailable and callers retry.
func (c *Client) ProcessorFee(ctx context.Context, paymentIntentID string) (decimal.Decimal, error) {
	if c.secret == "" {
		return decimal.Zero, ErrNotConfigured
	}
	if strings.TrimSpace(paymentIntentID) == "" {
		return decimal.Zero, ErrFeeUnavailable
	}

	query := url.Values{}
	query.Add("expand[]", "latest_charge.balance_transaction")
	var out struct {
		LatestCharge *struct {
			BalanceTransaction *struct {
				Fee int64 `json:"fee"`
			} `json:"balance_transaction"`
		} `json:"latest_charge"`
	}
	path := "/v1/payment_intents/" + url.PathEscape(paymentIntentID) + "?" + query.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return decimal.Zero, err
	}
	if out.LatestCharge == nil || out.LatestCharge.BalanceTransaction == nil {
		return decimal.Zero, ErrFeeUnavailable
	}
	return money.FromCents(out.LatestCharge.BalanceTransaction.Fee), nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.secret, "")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var wrapped struct {
			Error APIError `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&wrapped)
		apiErr := wrapped.Error
		apiErr.Status = resp.StatusCode
		return &apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
