package bridge

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/clock"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	bridgeapi "github.com/smallbiznis/settlement/internal/providers/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(block)
}

func sign(t *testing.T, key *rsa.PrivateKey, payload []byte, at time.Time) http.Header {
	t.Helper()
	timestamp := fmt.Sprintf("%d", at.UnixMilli())
	digest := sha256.Sum256([]byte(timestamp + "." + string(payload)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set("X-Webhook-Signature", "t="+timestamp+",v0="+base64.StdEncoding.EncodeToString(sig))
	return headers
}

func TestVerifySignature(t *testing.T) {
	key, pubPEM := newKey(t)
	// single line env form
	adapter, err := NewAdapter(strings.ReplaceAll(pubPEM, "\n", `\n`), clock.NewFakeClock(now))
	require.NoError(t, err)
	payload := []byte(`{"type":"transfer.completed","data":{"id":"tr_1"}}`)

	require.NoError(t, adapter.Verify(context.Background(), payload, sign(t, key, payload, now)))

	err = adapter.Verify(context.Background(), []byte(`{"tampered":true}`), sign(t, key, payload, now))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	err = adapter.Verify(context.Background(), payload, sign(t, key, payload, now.Add(-11*time.Minute)))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	other, _ := newKey(t)
	err = adapter.Verify(context.Background(), payload, sign(t, other, payload, now))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	err = adapter.Verify(context.Background(), payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestAdapterKeyConfiguration(t *testing.T) {
	adapter, err := NewAdapter("", clock.NewFakeClock(now))
	require.NoError(t, err)
	err = adapter.Verify(context.Background(), []byte(`{}`), http.Header{})
	assert.True(t, errors.Is(err, paymentdomain.ErrMissingSecret))

	_, err = NewAdapter("not a pem", clock.NewFakeClock(now))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestParseTransferEvents(t *testing.T) {
	adapter, err := NewAdapter("", clock.NewFakeClock(now))
	require.NoError(t, err)

	event, err := adapter.Parse(context.Background(), []byte(`{
		"event_id": "wh_evt_1",
		"type": "transfer.completed",
		"data": {
			"id": "tr_1",
			"state": "payment_processed",
			"destination_amount": "5.40",
			"fee": "0.05",
			"receipt": {"tx_hash": "eth_hash", "destination_tx_hash": "sol_sig"}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "wh_evt_1", event.EventID)
	assert.Equal(t, paymentdomain.EventKindTransfer, event.Kind)
	require.NotNil(t, event.Transfer)
	assert.Equal(t, "tr_1", event.Transfer.TransferID)
	assert.Equal(t, bridgeapi.StateCompleted, event.Transfer.State)
	assert.True(t, event.Transfer.DestinationAmount.Equal(decimal.RequireFromString("5.40")))
	assert.True(t, event.Transfer.Fee.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, "sol_sig", event.Transfer.TxHash)

	event, err = adapter.Parse(context.Background(), []byte(`{
		"event_type": "transfer.updated",
		"event_object": {"transfer_id": "tr_2", "state": "returned", "return_reason": "account closed"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "transfer.updated:tr_2", event.EventID)
	assert.Equal(t, bridgeapi.StateReturned, event.Transfer.State)
	assert.Equal(t, "account closed", event.Transfer.Reason)

	_, err = adapter.Parse(context.Background(), []byte(`{"type":"customer.kyc_status_changed","data":{"id":"cus_1"}}`))
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	_, err = adapter.Parse(context.Background(), []byte(`{"type":"transfer.failed","data":{}}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
}
