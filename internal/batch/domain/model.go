package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPaymentPending   Status = "payment_pending"
	StatusPaymentCompleted Status = "payment_completed"
	StatusBridgePending    Status = "bridge_pending"
	StatusUSDCReceived     Status = "usdc_received"
	StatusProcessing       Status = "processing"
	StatusCompleted        Status = "completed"
	StatusPartial          Status = "partial"
	StatusFailed           Status = "failed"
	StatusRefunded         Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPaymentPending:   {StatusPaymentCompleted, StatusFailed},
	StatusPaymentCompleted: {StatusBridgePending, StatusProcessing, StatusFailed, StatusRefunded},
	StatusBridgePending:    {StatusUSDCReceived, StatusFailed, StatusRefunded},
	StatusUSDCReceived:     {StatusProcessing, StatusFailed, StatusRefunded},
	StatusProcessing:       {StatusCompleted, StatusPartial, StatusFailed},
	StatusCompleted:        {StatusRefunded},
	StatusPartial:          {StatusRefunded},
	StatusFailed:           {StatusRefunded},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Finished reports statuses after item processing has ended.
func (s Status) Finished() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusRefunded:
		return true
	default:
		return false
	}
}

// Processable reports statuses from which items may be settled.
func (s Status) Processable() bool {
	switch s {
	case StatusPaymentCompleted, StatusUSDCReceived, StatusProcessing:
		return true
	default:
		return false
	}
}

// BatchPurchase is one multi-item cart checkout. Each item is settled as its
// own purchase.
type BatchPurchase struct {
	ID                      snowflake.ID    `json:"id" gorm:"primaryKey"`
	BuyerID                 snowflake.ID    `json:"buyer_id" gorm:"not null;index"`
	BuyerWallet             string          `json:"buyer_wallet"`
	BuyerEmail              string          `json:"-"`
	PaymentProvider         string          `json:"payment_provider" gorm:"not null"`
	StripePaymentIntentID   string          `json:"stripe_payment_intent_id,omitempty" gorm:"index"`
	StripeCheckoutSessionID string          `json:"stripe_checkout_session_id,omitempty" gorm:"index"`
	TotalItems              int             `json:"total_items" gorm:"not null"`
	ItemsSucceeded          int             `json:"items_succeeded" gorm:"not null;default:0"`
	ItemsFailed             int             `json:"items_failed" gorm:"not null;default:0"`
	Subtotal                decimal.Decimal `json:"subtotal" gorm:"type:numeric(12,2);not null"`
	TotalCharged            decimal.Decimal `json:"total_charged" gorm:"type:numeric(12,2);not null"`
	TotalRefunded           decimal.Decimal `json:"total_refunded" gorm:"type:numeric(12,2);not null;default:0"`
	RefundID                string          `json:"refund_id,omitempty"`
	ProcessingLog           datatypes.JSON  `json:"processing_log" gorm:"type:jsonb"`
	Status                  Status          `json:"status" gorm:"not null;index"`
	CreatedAt               time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt               time.Time       `json:"updated_at" gorm:"not null"`
	CompletedAt             *time.Time      `json:"completed_at,omitempty"`
}

func (BatchPurchase) TableName() string { return "batch_purchases" }

// LogEntry is one append-only line of the processing log.
type LogEntry struct {
	Type        string       `json:"type"`
	PurchaseID  snowflake.ID `json:"purchase_id,omitempty"`
	Status      string       `json:"status,omitempty"`
	Error       string       `json:"error,omitempty"`
	MintAddress string       `json:"nft_mint,omitempty"`
	Signature   string       `json:"tx_signature,omitempty"`
	RefundID    string       `json:"refund_id,omitempty"`
	Amount      string       `json:"amount,omitempty"`
	FailedItems int          `json:"failed_items,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

const (
	LogTypeItem         = "item"
	LogTypeRefund       = "refund"
	LogTypeRefundFailed = "refund_failed"
)
