package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/settlement/internal/catalog/domain"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPaymentPending   Status = "payment_pending"
	StatusPaymentCompleted Status = "payment_completed"
	StatusBridgePending    Status = "bridge_pending"
	StatusBridgeConverting Status = "bridge_converting"
	StatusUSDCReceived     Status = "usdc_received"
	StatusMinting          Status = "minting"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusRefunded         Status = "refunded"
)

type DistributionStatus string

const (
	DistributionPending    DistributionStatus = "pending"
	DistributionProcessing DistributionStatus = "processing"
	DistributionCompleted  DistributionStatus = "completed"
	DistributionFailed     DistributionStatus = "failed"
)

// FeeMode records how the buyer total was derived at checkout.
type FeeMode string

const (
	FeeModePassThrough FeeMode = "pass_through"
	FeeModeAbsorbed    FeeMode = "absorbed"
)

type Purchase struct {
	ID          snowflake.ID  `json:"id" gorm:"primaryKey"`
	BuyerID     snowflake.ID  `json:"buyer_id" gorm:"not null;index"`
	BuyerWallet string        `json:"buyer_wallet"`
	BuyerEmail  string        `json:"-"`
	ContentID   *snowflake.ID `json:"content_id,omitempty"`
	ChapterID   *snowflake.ID `json:"chapter_id,omitempty"`

	PaymentProvider         string        `json:"payment_provider" gorm:"not null"`
	StripePaymentIntentID   string        `json:"stripe_payment_intent_id,omitempty" gorm:"index"`
	StripeCheckoutSessionID string        `json:"stripe_checkout_session_id,omitempty" gorm:"index"`
	BatchPurchaseID         *snowflake.ID `json:"batch_purchase_id,omitempty" gorm:"index"`

	// ItemPrice is nil for purchases created before list prices were
	// stored; those settle through the legacy fee path.
	ItemPrice             *decimal.Decimal `json:"item_price,omitempty" gorm:"type:numeric(12,2)"`
	FeeMode               FeeMode          `json:"fee_mode"`
	GrossAmount           decimal.Decimal  `json:"gross_amount" gorm:"type:numeric(12,2);not null"`
	ProcessorFee          *decimal.Decimal `json:"processor_fee,omitempty" gorm:"type:numeric(12,2)"`
	ProcessorFeeEstimated bool             `json:"processor_fee_estimated"`
	NetAfterProcessor     decimal.Decimal  `json:"net_after_processor" gorm:"type:numeric(12,2)"`
	GasFee                decimal.Decimal  `json:"gas_fee" gorm:"type:numeric(20,6)"`
	USDCToDistribute      decimal.Decimal  `json:"usdc_to_distribute" gorm:"column:usdc_to_distribute;type:numeric(20,6)"`
	FeeRate               decimal.Decimal  `json:"fee_rate" gorm:"type:numeric(6,4)"`
	PlatformFee           decimal.Decimal  `json:"platform_fee" gorm:"type:numeric(20,6)"`
	CreatorAmount         decimal.Decimal  `json:"creator_amount" gorm:"type:numeric(20,6)"`
	PlatformUSDCFronted   decimal.Decimal  `json:"platform_usdc_fronted" gorm:"column:platform_usdc_fronted;type:numeric(20,6)"`
	PlatformUSDCEarned    decimal.Decimal  `json:"platform_usdc_earned" gorm:"column:platform_usdc_earned;type:numeric(20,6)"`
	SplitMode             string           `json:"split_mode,omitempty"`

	MintAddress         string             `json:"mint_address,omitempty"`
	TxSignature         string             `json:"tx_signature,omitempty"`
	Status              Status             `json:"status" gorm:"not null;index"`
	DistributionStatus  DistributionStatus `json:"distribution_status" gorm:"not null"`
	DistributionDetails datatypes.JSON     `json:"distribution_details,omitempty" gorm:"type:jsonb"`

	RetryCount    int        `json:"retry_count" gorm:"not null;default:0"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty" gorm:"index"`
	FailureReason string     `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"not null"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (Purchase) TableName() string { return "purchases" }

// ItemRef resolves the purchased item. A chapter takes precedence over its
// parent content.
func (p *Purchase) ItemRef() catalogdomain.ItemRef {
	if p.ChapterID != nil {
		return catalogdomain.ItemRef{ChapterID: p.ChapterID}
	}
	return catalogdomain.ItemRef{ContentID: p.ContentID}
}

// SaleAmount is the amount credited towards tier progression.
func (p *Purchase) SaleAmount() decimal.Decimal {
	if p.ItemPrice != nil {
		return *p.ItemPrice
	}
	return p.GrossAmount
}

// CollaboratorPayment is the receipt of one collaborator's share of one
// settled purchase.
type CollaboratorPayment struct {
	ID                   snowflake.ID    `json:"id" gorm:"primaryKey"`
	PurchaseID           snowflake.ID    `json:"purchase_id" gorm:"not null;uniqueIndex:ux_collaborator_payments_purchase,priority:1"`
	CollaboratorID       snowflake.ID    `json:"collaborator_id" gorm:"not null;uniqueIndex:ux_collaborator_payments_purchase,priority:2"`
	CollaboratorWallet   string          `json:"collaborator_wallet" gorm:"not null"`
	AmountUSDC           decimal.Decimal `json:"amount_usdc" gorm:"column:amount_usdc;type:numeric(20,6);not null"`
	Percentage           decimal.Decimal `json:"percentage" gorm:"type:numeric(7,4);not null"`
	Role                 string          `json:"role"`
	TransactionSignature string          `json:"transaction_signature" gorm:"not null"`
	CreatedAt            time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt            time.Time       `json:"updated_at" gorm:"not null"`
}

func (CollaboratorPayment) TableName() string { return "collaborator_payments" }

// DistributionDetails is persisted with a completed purchase.
type DistributionDetails struct {
	Collaborators    []DistributionLine `json:"collaborators"`
	ActualGasFeeUSD  string             `json:"actual_gas_fee_usd"`
	StripeFeeActual  *string            `json:"stripe_fee_actual"`
	FeeMode          string             `json:"fee_mode"`
	SplitMode        string             `json:"split_mode"`
	PlatformRate     string             `json:"platform_rate"`
	PlatformFeeUSDC  string             `json:"platform_fee_usdc"`
	RelayerRequestID string             `json:"relayer_request_id"`
	// RelayerUnconfirmed marks a submission whose outcome is unknown.
	RelayerUnconfirmed bool `json:"relayer_unconfirmed,omitempty"`
}

type DistributionLine struct {
	UserID     snowflake.ID    `json:"user_id"`
	Username   string          `json:"user"`
	Wallet     string          `json:"wallet"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
	Role       string          `json:"role"`
}
