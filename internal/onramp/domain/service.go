package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/providers/bridge"
	"gorm.io/gorm"
)

// Target names the purchase or the batch a transfer pays for. Exactly one is
// set.
type Target struct {
	PurchaseID *snowflake.ID
	BatchID    *snowflake.ID
}

func (t Target) Valid() bool {
	return (t.PurchaseID == nil) != (t.BatchID == nil)
}

// TransferEvent is a Bridge transfer state change, from a webhook or a poll.
type TransferEvent struct {
	TransferID        string
	State             bridge.State
	DestinationAmount *decimal.Decimal
	Fee               *decimal.Decimal
	TxHash            string
	Reason            string
}

// StaleReport summarizes one CheckStale pass.
type StaleReport struct {
	Checked  int
	Warned   int
	Updated  int
	Failed   int
	Refunded int
}

type Service interface {
	Initiate(ctx context.Context, target Target) (*Transfer, error)
	HandleTransferEvent(ctx context.Context, event TransferEvent) (bool, error)
	CheckStale(ctx context.Context) (StaleReport, error)
	Get(ctx context.Context, bridgeTransferID string) (*Transfer, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, t *Transfer) error
	FindByBridgeID(ctx context.Context, db *gorm.DB, bridgeTransferID string) (*Transfer, error)
	FindByTarget(ctx context.Context, db *gorm.DB, target Target) (*Transfer, error)
	LockByBridgeID(ctx context.Context, tx *gorm.DB, bridgeTransferID string, noWait bool) (*Transfer, error)
	ListOpenCreatedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Transfer, error)
	Update(ctx context.Context, tx *gorm.DB, t *Transfer) error
}

var (
	ErrInvalidTarget    = errors.New("invalid_onramp_target")
	ErrTransferNotFound = errors.New("onramp_transfer_not_found")
	ErrLocked           = errors.New("onramp_transfer_locked")
	ErrUnknownState     = errors.New("unknown_transfer_state")
	ErrNotPayable       = errors.New("onramp_target_not_paid")
)
