package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/clock"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
)

const (
	Provider = "stripe"
	// tolerance bounds the age of a signed timestamp.
	tolerance = 5 * time.Minute
)

type Adapter struct {
	webhookSecret string
	clock         clock.Clock
}

func NewAdapter(webhookSecret string, clk clock.Clock) *Adapter {
	if clk == nil {
		clk = clock.New()
	}
	return &Adapter{webhookSecret: strings.TrimSpace(webhookSecret), clock: clk}
}

func (a *Adapter) Provider() string { return Provider }

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return paymentdomain.ErrMissingSecret
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	age := a.clock.Now().Sub(time.Unix(unix, 0))
	if age > tolerance || age < -tolerance {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, payload)
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload)
	case "charge.refunded":
		return a.parseCharge(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID              string         `json:"id"`
	PaymentIntent   string         `json:"payment_intent"`
	PaymentStatus   string         `json:"payment_status"`
	AmountTotal     int64          `json:"amount_total"`
	Created         int64          `json:"created"`
	CustomerEmail   string         `json:"customer_email"`
	CustomerDetails *stripeDetails `json:"customer_details"`
	Metadata        map[string]any `json:"metadata"`
}

type stripeDetails struct {
	Email string `json:"email"`
}

type stripePaymentIntent struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Created        int64          `json:"created"`
	ReceiptEmail   string         `json:"receipt_email"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeCharge struct {
	ID             string         `json:"id"`
	PaymentIntent  string         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Refunded       bool           `json:"refunded"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*paymentdomain.Event, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	// async methods complete the session before the money moves
	if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
		return nil, paymentdomain.ErrEventIgnored
	}

	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}
	out := a.newEvent(event, payload, paymentdomain.EventKindPaymentSucceeded, session.Created, session.Metadata)
	out.CheckoutSessionID = session.ID
	out.PaymentIntentID = strings.TrimSpace(session.PaymentIntent)
	out.Amount = cents(session.AmountTotal)
	out.BuyerEmail = strings.TrimSpace(email)
	return out, nil
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte) (*paymentdomain.Event, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	out := a.newEvent(event, payload, paymentdomain.EventKindPaymentSucceeded, intent.Created, intent.Metadata)
	out.PaymentIntentID = intent.ID
	out.Amount = cents(amount)
	out.BuyerEmail = strings.TrimSpace(intent.ReceiptEmail)
	return out, nil
}

func (a *Adapter) parseCharge(event stripeEvent, payload []byte) (*paymentdomain.Event, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.PaymentIntent) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := a.newEvent(event, payload, paymentdomain.EventKindRefunded, charge.Created, charge.Metadata)
	out.PaymentIntentID = strings.TrimSpace(charge.PaymentIntent)
	out.Amount = cents(charge.AmountRefunded)
	out.FullRefund = charge.Refunded || (charge.Amount > 0 && charge.AmountRefunded >= charge.Amount)
	return out, nil
}

func (a *Adapter) newEvent(event stripeEvent, payload []byte, kind paymentdomain.EventKind, created int64, metadata map[string]any) *paymentdomain.Event {
	return &paymentdomain.Event{
		Provider:   Provider,
		EventID:    event.ID,
		Type:       event.Type,
		Kind:       kind,
		PurchaseID: metadataID(metadata, "purchase_id"),
		BatchID:    metadataID(metadata, "batch_purchase_id"),
		OccurredAt: a.timestamp(created, event.Created),
		RawPayload: payload,
	}
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func cents(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func (a *Adapter) timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return a.clock.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func metadataID(metadata map[string]any, key string) *snowflake.ID {
	raw := readMetadataValue(metadata, key)
	if raw == "" {
		return nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return nil
	}
	return &id
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}
