package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Item struct {
	ContentID *snowflake.ID
	ChapterID *snowflake.ID
	Price     decimal.Decimal
}

type CreateRequest struct {
	BuyerID         snowflake.ID
	BuyerWallet     string
	BuyerEmail      string
	CheckoutSession string
	Items           []Item
}

type ConfirmRequest struct {
	BatchID           snowflake.ID
	PaymentIntentID   string
	CheckoutSessionID string
	AmountTotal       decimal.Decimal
	ProcessorFee      *decimal.Decimal
	BuyerEmail        string
	NoWait            bool
}

// Result summarizes one Process run.
type Result struct {
	Batch     *BatchPurchase
	Succeeded []snowflake.ID
	Failed    []snowflake.ID
	Refunded  decimal.Decimal
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*BatchPurchase, error)
	Get(ctx context.Context, id snowflake.ID) (*BatchPurchase, error)
	FindByPaymentRef(ctx context.Context, ref string) (*BatchPurchase, error)
	ConfirmPayment(ctx context.Context, req ConfirmRequest) (*BatchPurchase, bool, error)
	Transition(ctx context.Context, tx *gorm.DB, id snowflake.ID, to Status) (bool, error)
	// Process settles every item independently, refunds the failed share
	// in a single call and records the final status.
	Process(ctx context.Context, id snowflake.ID) (*Result, error)
	ScheduleProcessing(ctx context.Context, id snowflake.ID) error
	// ResumeStale resubmits paid batches whose processing stalled.
	ResumeStale(ctx context.Context, limit int) (int, error)
	MarkRefunded(ctx context.Context, id snowflake.ID, reason string) (bool, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, batch *BatchPurchase) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BatchPurchase, error)
	FindByPaymentRef(ctx context.Context, db *gorm.DB, ref string) (*BatchPurchase, error)
	LockByID(ctx context.Context, tx *gorm.DB, id snowflake.ID, noWait bool) (*BatchPurchase, error)
	Update(ctx context.Context, tx *gorm.DB, batch *BatchPurchase) error
	ClaimStale(ctx context.Context, tx *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error)
	Touch(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, now time.Time) error
}

var (
	ErrNotFound          = errors.New("batch_not_found")
	ErrEmptyBatch        = errors.New("batch_has_no_items")
	ErrInvalidItem       = errors.New("invalid_batch_item")
	ErrInvalidTransition = errors.New("invalid_batch_transition")
	ErrNotProcessable    = errors.New("batch_not_processable")
	ErrLocked            = errors.New("batch_locked")
	ErrItemsInProgress   = errors.New("batch_items_in_progress")
)
