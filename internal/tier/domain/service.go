package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Service interface {
	ResolveFeeRate(ctx context.Context, creatorID snowflake.ID) (decimal.Decimal, error)
	ResolveBestProjectRate(ctx context.Context, creatorIDs []snowflake.ID) (decimal.Decimal, error)
	// RecordSale runs inside the caller's transaction so the tier update
	// commits together with the settlement it belongs to.
	RecordSale(ctx context.Context, tx *gorm.DB, projectID snowflake.ID, creatorIDs []snowflake.ID, amount decimal.Decimal) (SaleResult, error)
	Progress(ctx context.Context, creatorID snowflake.ID) (Progress, error)
	FoundingStatus(ctx context.Context) (FoundingStatus, error)
}

type Repository interface {
	FindCreators(ctx context.Context, db *gorm.DB, creatorIDs []snowflake.ID) ([]CreatorTierState, error)
	LockCreators(ctx context.Context, tx *gorm.DB, creatorIDs []snowflake.ID) ([]CreatorTierState, error)
	UpdateLifetimeSales(ctx context.Context, tx *gorm.DB, creatorID snowflake.ID, total decimal.Decimal) error
	UpgradeTier(ctx context.Context, tx *gorm.DB, creatorID snowflake.ID, from, to Tier) (bool, error)

	LockProject(ctx context.Context, tx *gorm.DB, projectID snowflake.ID) (*Project, error)
	UpdateProject(ctx context.Context, tx *gorm.DB, project *Project) error

	GetFoundingConfig(ctx context.Context, db *gorm.DB) (*FoundingConfig, error)
	LockFoundingConfig(ctx context.Context, tx *gorm.DB) (*FoundingConfig, error)
	InsertFoundingConfig(ctx context.Context, tx *gorm.DB, cfg *FoundingConfig) error
	SetSlotsClaimed(ctx context.Context, tx *gorm.DB, claimed int) error
	FindFoundingSlot(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (*FoundingSlot, error)
	InsertFoundingSlot(ctx context.Context, tx *gorm.DB, slot *FoundingSlot) (bool, error)
}

var (
	ErrInvalidCreator = errors.New("invalid_creator")
	ErrInvalidAmount  = errors.New("invalid_sale_amount")
	ErrSlotsExhausted = errors.New("founding_slots_exhausted")
	ErrOverclaim      = errors.New("founding_slots_overclaimed")
)
