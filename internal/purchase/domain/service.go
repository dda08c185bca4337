package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CreateRequest struct {
	BuyerID         snowflake.ID
	BuyerWallet     string
	BuyerEmail      string
	ContentID       *snowflake.ID
	ChapterID       *snowflake.ID
	ListPrice       decimal.Decimal
	FeeMode         FeeMode
	PaymentProvider string
	CheckoutSession string
	BatchPurchaseID *snowflake.ID
}

type ConfirmRequest struct {
	PurchaseID        snowflake.ID
	PaymentIntentID   string
	CheckoutSessionID string
	AmountTotal       decimal.Decimal
	// ProcessorFee is the fee reported with the payment event, if any.
	ProcessorFee *decimal.Decimal
	// FeeEstimated marks ProcessorFee as an allocation of an estimate.
	FeeEstimated bool
	BuyerEmail   string
	// NoWait fails with ErrLocked instead of waiting on the row lock.
	NoWait bool
}

type SettleOptions struct {
	// NoRetry marks a failure final instead of scheduling a retry.
	NoRetry bool
	// Resume lets a purchase stuck in minting be submitted again with its
	// original relayer request id.
	Resume bool
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Purchase, error)
	Get(ctx context.Context, id snowflake.ID) (*Purchase, error)
	FindByPaymentRef(ctx context.Context, ref string) (*Purchase, error)
	ListByBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]Purchase, error)
	ListPayments(ctx context.Context, purchaseID snowflake.ID) ([]CollaboratorPayment, error)

	// ConfirmPayment moves a pending purchase to payment_completed. It
	// returns false when the purchase was already past payment_pending.
	ConfirmPayment(ctx context.Context, req ConfirmRequest) (*Purchase, bool, error)
	// LookupProcessorFee returns the fee the processor settled for a payment
	// intent, or nil when it is not available yet.
	LookupProcessorFee(ctx context.Context, paymentIntentID string) *decimal.Decimal
	// Transition applies a validated status change inside tx. Reaching the
	// current status again is reported as false with no error.
	Transition(ctx context.Context, tx *gorm.DB, id snowflake.ID, to Status, reason string) (bool, error)
	Settle(ctx context.Context, id snowflake.ID, opts SettleOptions) (*Purchase, error)
	ScheduleSettlement(ctx context.Context, id snowflake.ID) error
	RetryDue(ctx context.Context, limit int) (int, error)
	MarkRefunded(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string) (bool, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, p *Purchase) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Purchase, error)
	FindByPaymentRef(ctx context.Context, db *gorm.DB, ref string) (*Purchase, error)
	LockByID(ctx context.Context, tx *gorm.DB, id snowflake.ID, noWait bool) (*Purchase, error)
	ListByBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]Purchase, error)
	Update(ctx context.Context, tx *gorm.DB, p *Purchase) error
	ClaimDue(ctx context.Context, tx *gorm.DB, now, staleMinting time.Time, maxRetries, limit int) ([]snowflake.ID, error)
	// Lease pushes claimed rows out of the due window until leaseUntil.
	Lease(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, now, leaseUntil time.Time) error
	UpsertCollaboratorPayment(ctx context.Context, tx *gorm.DB, payment *CollaboratorPayment) error
	ListCollaboratorPayments(ctx context.Context, db *gorm.DB, purchaseID snowflake.ID) ([]CollaboratorPayment, error)
}

var (
	ErrNotFound          = errors.New("purchase_not_found")
	ErrInvalidTransition = errors.New("invalid_status_transition")
	ErrNotSettleable     = errors.New("purchase_not_settleable")
	ErrLocked            = errors.New("purchase_locked")
	ErrMissingWallet     = errors.New("missing_buyer_wallet")
	ErrInvalidAmount     = errors.New("invalid_purchase_amount")
	ErrInvalidItem       = errors.New("invalid_purchase_item")
	ErrSettlementLost    = errors.New("settlement_state_changed")
	ErrInProgress        = errors.New("settlement_in_progress")
)
