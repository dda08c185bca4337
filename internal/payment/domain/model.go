package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	onrampdomain "github.com/smallbiznis/settlement/internal/onramp/domain"
	"gorm.io/datatypes"
)

// EventRecord is the dedup row kept for every verified webhook delivery.
type EventRecord struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider    string         `json:"provider" gorm:"type:text;not null"`
	EventID     string         `json:"event_id" gorm:"type:text;not null"`
	EventType   string         `json:"event_type" gorm:"type:text;not null"`
	Status      EventStatus    `json:"status" gorm:"type:text;not null"`
	Payload     datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Error       string         `json:"error"`
	ReceivedAt  time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "webhook_events" }

type EventStatus string

const (
	EventStatusReceived  EventStatus = "received"
	EventStatusProcessed EventStatus = "processed"
	// EventStatusSkipped means the target row was locked by another worker.
	EventStatusSkipped EventStatus = "skipped"
	EventStatusFailed  EventStatus = "failed"
)

// Done reports whether a redelivery of the event can be acknowledged
// without dispatching it again.
func (s EventStatus) Done() bool {
	return s == EventStatusProcessed || s == EventStatusSkipped
}

type EventKind string

const (
	EventKindPaymentSucceeded EventKind = "payment_succeeded"
	EventKindRefunded         EventKind = "refunded"
	EventKindTransfer         EventKind = "transfer"
)

// Event is the canonical webhook event produced by an adapter.
type Event struct {
	Provider string
	EventID  string
	// Type is the provider's own event name, e.g. checkout.session.completed.
	Type string
	Kind EventKind

	PaymentIntentID   string
	CheckoutSessionID string
	PurchaseID        *snowflake.ID
	BatchID           *snowflake.ID
	Amount            decimal.Decimal
	// FullRefund is set on refund events once the whole charge is returned.
	FullRefund bool
	BuyerEmail string

	Transfer *onrampdomain.TransferEvent

	OccurredAt time.Time
	RawPayload []byte
}

// PaymentRefs lists the references a payment event can be matched on, most
// specific first.
func (e *Event) PaymentRefs() []string {
	var refs []string
	if e.CheckoutSessionID != "" {
		refs = append(refs, e.CheckoutSessionID)
	}
	if e.PaymentIntentID != "" {
		refs = append(refs, e.PaymentIntentID)
	}
	return refs
}
