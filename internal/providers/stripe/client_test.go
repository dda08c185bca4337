package stripe_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/providers/stripe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newClient(base string) *stripe.Client {
	return stripe.NewClient(stripe.Params{
		Cfg: config.Config{Stripe: config.StripeConfig{APIBase: base, SecretKey: "sk_test_123"}},
		Log: zap.NewNop(),
	})
}

func TestRefundPostsFormWithIdempotencyKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test_123", user)
		assert.Equal(t, "batch-7", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "pi_1", r.PostForm.Get("payment_intent"))
		assert.Equal(t, "1234", r.PostForm.Get("amount"))
		assert.Equal(t, "7", r.PostForm.Get("metadata[batch_purchase_id]"))
		_, _ = w.Write([]byte(`{"id":"re_1","status":"succeeded","amount":1234}`))
	}))
	defer server.Close()

	refund, err := newClient(server.URL).Refund(context.Background(), stripe.RefundRequest{
		PaymentIntentID: "pi_1",
		Amount:          decimal.RequireFromString("12.34"),
		Metadata:        map[string]string{"batch_purchase_id": "7"},
		IdempotencyKey:  "batch-7",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_1", refund.ID)
	assert.True(t, refund.Amount.Equal(decimal.RequireFromString("12.34")))
}

func TestRefundMapsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"already refunded"}}`))
	}))
	defer server.Close()

	_, err := newClient(server.URL).Refund(context.Background(), stripe.RefundRequest{
		PaymentIntentID: "pi_1",
		Amount:          decimal.RequireFromString("1"),
	})
	var apiErr *stripe.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "charge_already_refunded", apiErr.Code)
	assert.False(t, apiErr.Retryable())
}

func TestProcessorFeeReadsBalanceTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_9", r.URL.Path)
		assert.Equal(t, "latest_charge.balance_transaction", r.URL.Query().Get("expand[]"))
		_, _ = w.Write([]byte(`{"id":"pi_9","latest_charge":{"id":"ch_1","balance_transaction":{"id":"txn_1","fee":61}}}`))
	}))
	defer server.Close()

	fee, err := newClient(server.URL).ProcessorFee(context.Background(), "pi_9")
	require.NoError(t, err)
	assert.True(t, fee.Equal(decimal.RequireFromString("0.61")), "got %s", fee)
}

func TestProcessorFeeUnavailableWithoutBalanceTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pi_9","latest_charge":{"id":"ch_1","balance_transaction":null}}`))
	}))
	defer server.Close()

	_, err := newClient(server.URL).ProcessorFee(context.Background(), "pi_9")
	assert.ErrorIs(t, err, stripe.ErrFeeUnavailable)
}

func TestClientRequiresSecret(t *testing.T) {
	client := stripe.NewClient(stripe.Params{Cfg: config.Config{}, Log: zap.NewNop()})
	_, err := client.ProcessorFee(context.Background(), "pi_1")
	assert.ErrorIs(t, err, stripe.ErrNotConfigured)
}
