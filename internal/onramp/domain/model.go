package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/providers/bridge"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusAwaitingFunds Status = "awaiting_funds"
	StatusFundsReceived Status = "funds_received"
	StatusConverting    Status = "converting"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusRefunded      Status = "refunded"
)

// Open reports statuses still waiting on Bridge.
func (s Status) Open() bool {
	switch s {
	case StatusPending, StatusAwaitingFunds, StatusFundsReceived, StatusConverting:
		return true
	default:
		return false
	}
}

// rank orders open statuses so late events never move a transfer backwards.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAwaitingFunds:
		return 1
	case StatusFundsReceived:
		return 2
	case StatusConverting:
		return 3
	default:
		return 4
	}
}

// Advances reports whether moving from s to next is forward progress.
func (s Status) Advances(next Status) bool {
	return s.Open() && next.rank() > s.rank()
}

// StatusFromState maps a Bridge transfer state onto ours. Unknown states
// report false.
func StatusFromState(state bridge.State) (Status, bool) {
	switch state {
	case bridge.StateAwaitingFunds:
		return StatusAwaitingFunds, true
	case bridge.StateFundsReceived:
		return StatusFundsReceived, true
	case bridge.StateInReview, bridge.StatePaymentSubmit:
		return StatusConverting, true
	case bridge.StateCompleted:
		return StatusCompleted, true
	case bridge.StateFailed, bridge.StateCanceled:
		return StatusFailed, true
	case bridge.StateReturned:
		return StatusRefunded, true
	default:
		return "", false
	}
}

// Transfer tracks one USD to USDC conversion backing a purchase or a batch.
type Transfer struct {
	ID                  snowflake.ID     `json:"id" gorm:"primaryKey"`
	PurchaseID          *snowflake.ID    `json:"purchase_id,omitempty" gorm:"index"`
	BatchPurchaseID     *snowflake.ID    `json:"batch_purchase_id,omitempty" gorm:"index"`
	BridgeTransferID    string           `json:"bridge_transfer_id" gorm:"not null;uniqueIndex"`
	Status              Status           `json:"status" gorm:"not null;index"`
	AmountUSD           decimal.Decimal  `json:"amount_usd" gorm:"column:amount_usd;type:numeric(12,2);not null"`
	AmountUSDC          *decimal.Decimal `json:"amount_usdc,omitempty" gorm:"column:amount_usdc;type:numeric(20,6)"`
	BridgeFee           *decimal.Decimal `json:"bridge_fee,omitempty" gorm:"type:numeric(12,2)"`
	DestinationWallet   string           `json:"destination_wallet" gorm:"not null"`
	DepositInstructions datatypes.JSON   `json:"deposit_instructions,omitempty" gorm:"type:jsonb"`
	TxHash              string           `json:"tx_hash,omitempty"`
	FailureReason       string           `json:"failure_reason,omitempty"`
	WarnedAt            *time.Time       `json:"warned_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time        `json:"updated_at" gorm:"not null"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
}

func (Transfer) TableName() string { return "bridge_onramp_transfers" }
