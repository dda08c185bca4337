package bridge

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/settlement/internal/clock"
	onrampdomain "github.com/smallbiznis/settlement/internal/onramp/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	bridgeapi "github.com/smallbiznis/settlement/internal/providers/bridge"
)

const (
	Provider = "bridge"
	// replayWindow bounds the age of a signed timestamp.
	replayWindow = 10 * time.Minute
	transferType = "transfer."
)

var ErrInvalidPublicKey = errors.New("invalid_bridge_public_key")

type Adapter struct {
	publicKey *rsa.PublicKey
	clock     clock.Clock
}

// NewAdapter parses the PEM public key Bridge signs with. An empty key
// yields an adapter that rejects every delivery with ErrMissingSecret.
func NewAdapter(publicKeyPEM string, clk clock.Clock) (*Adapter, error) {
	if clk == nil {
		clk = clock.New()
	}
	a := &Adapter{clock: clk}
	publicKeyPEM = strings.TrimSpace(publicKeyPEM)
	if publicKeyPEM == "" {
		return a, nil
	}
	key, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	a.publicKey = key
	return a, nil
}

func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	// env files often carry the PEM on one line with literal \n
	raw = strings.ReplaceAll(raw, `\n`, "\n")
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, ErrInvalidPublicKey
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	return key, nil
}

func (a *Adapter) Provider() string { return Provider }

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.publicKey == nil {
		return paymentdomain.ErrMissingSecret
	}
	timestamp, signature, ok := parseSignatureHeader(headers.Get("X-Webhook-Signature"))
	if !ok {
		return paymentdomain.ErrInvalidSignature
	}
	millis, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	age := a.clock.Now().Sub(time.UnixMilli(millis))
	if age > replayWindow || age < -replayWindow {
		return paymentdomain.ErrInvalidSignature
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	digest := sha256.Sum256([]byte(timestamp + "." + string(payload)))
	if err := rsa.VerifyPKCS1v15(a.publicKey, crypto.SHA256, digest[:], sig); err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func parseSignatureHeader(header string) (string, string, bool) {
	var timestamp, signature string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v0":
			signature = strings.TrimSpace(value)
		}
	}
	return timestamp, signature, timestamp != "" && signature != ""
}

type bridgeEvent struct {
	ID          string          `json:"id"`
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	EventType   string          `json:"event_type"`
	Data        json.RawMessage `json:"data"`
	EventObject json.RawMessage `json:"event_object"`
}

func (e bridgeEvent) kind() string {
	if e.Type != "" {
		return strings.TrimSpace(e.Type)
	}
	return strings.TrimSpace(e.EventType)
}

func (e bridgeEvent) object() json.RawMessage {
	if len(e.Data) > 0 {
		return e.Data
	}
	return e.EventObject
}

type transferObject struct {
	bridgeapi.Transfer
	TransferID string `json:"transfer_id"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	var event bridgeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	eventType := event.kind()
	if !strings.HasPrefix(eventType, transferType) {
		return nil, paymentdomain.ErrEventIgnored
	}
	object := event.object()
	if len(object) == 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}
	var transfer transferObject
	if err := json.Unmarshal(object, &transfer); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	transferID := strings.TrimSpace(transfer.ID)
	if transferID == "" {
		transferID = strings.TrimSpace(transfer.TransferID)
	}
	if transferID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	// the event name carries the new state; transfer.updated relies on the body
	state := bridgeapi.State(strings.TrimPrefix(eventType, transferType))
	if _, ok := onrampdomain.StatusFromState(state); !ok {
		state = transfer.State
	}
	reason := transfer.FailureReason
	if transfer.ReturnReason != "" {
		reason = transfer.ReturnReason
	}

	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		eventID = strings.TrimSpace(event.ID)
	}
	if eventID == "" {
		eventID = eventType + ":" + transferID
	}

	return &paymentdomain.Event{
		Provider: Provider,
		EventID:  eventID,
		Type:     eventType,
		Kind:     paymentdomain.EventKindTransfer,
		Transfer: &onrampdomain.TransferEvent{
			TransferID:        transferID,
			State:             state,
			DestinationAmount: transfer.DestinationAmount,
			Fee:               transfer.Fee,
			TxHash:            transfer.Receipt.Signature(),
			Reason:            reason,
		},
		OccurredAt: a.clock.Now().UTC(),
		RawPayload: payload,
	}, nil
}
