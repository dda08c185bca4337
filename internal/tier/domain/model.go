package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Tier is a creator fee tier. Lower rank is better (cheaper).
type Tier string

const (
	TierFounding Tier = "founding"
	TierLevel5   Tier = "level_5"
	TierLevel4   Tier = "level_4"
	TierLevel3   Tier = "level_3"
	TierLevel2   Tier = "level_2"
	TierLevel1   Tier = "level_1"
	TierStandard Tier = "standard"
)

// Order lists tiers best first.
var Order = []Tier{
	TierFounding,
	TierLevel5,
	TierLevel4,
	TierLevel3,
	TierLevel2,
	TierLevel1,
	TierStandard,
}

// Rank returns the priority index of t. Unknown tiers rank below standard.
func (t Tier) Rank() int {
	for i, candidate := range Order {
		if candidate == t {
			return i
		}
	}
	return len(Order)
}

func (t Tier) Valid() bool {
	return t.Rank() < len(Order)
}

// Improves reports whether moving from -> to is an upgrade.
func Improves(from, to Tier) bool {
	return to.Rank() < from.Rank()
}

// CreatorTierState is the per-creator monotonic tier record.
type CreatorTierState struct {
	CreatorID       snowflake.ID    `json:"creator_id" gorm:"primaryKey"`
	Tier            Tier            `json:"tier" gorm:"type:text;not null;default:standard"`
	LifetimeSales   decimal.Decimal `json:"lifetime_project_sales" gorm:"type:numeric(20,2);not null;default:0"`
	TierQualifiedAt *time.Time      `json:"tier_qualified_at"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"not null"`
}

func (CreatorTierState) TableName() string { return "creator_tiers" }

// FoundingConfig is the single global founding-slot counter row.
type FoundingConfig struct {
	ID           int             `json:"id" gorm:"primaryKey"`
	SlotsTotal   int             `json:"slots_total" gorm:"not null"`
	SlotsClaimed int             `json:"slots_claimed" gorm:"not null;default:0"`
	Threshold    decimal.Decimal `json:"threshold" gorm:"type:numeric(20,2);not null"`
	UpdatedAt    time.Time       `json:"updated_at" gorm:"not null"`
}

func (FoundingConfig) TableName() string { return "tier_configs" }

// FoundingSlot records one creator's claim. At most one per creator.
type FoundingSlot struct {
	ID                   snowflake.ID    `json:"id" gorm:"primaryKey"`
	CreatorID            snowflake.ID    `json:"creator_id" gorm:"not null;uniqueIndex"`
	ProjectID            snowflake.ID    `json:"project_id" gorm:"not null"`
	SlotNumber           int             `json:"slot_number" gorm:"not null"`
	QualifyingSaleAmount decimal.Decimal `json:"qualifying_sale_amount" gorm:"type:numeric(20,2);not null"`
	ClaimedAt            time.Time       `json:"claimed_at" gorm:"not null"`
}

func (FoundingSlot) TableName() string { return "founding_creator_slots" }

// Project accumulates sales across all of a project's items.
type Project struct {
	ID                snowflake.ID    `json:"id" gorm:"primaryKey"`
	TotalSales        decimal.Decimal `json:"total_sales" gorm:"type:numeric(20,2);not null;default:0"`
	FoundingTriggered bool            `json:"founding_triggered" gorm:"not null;default:false"`
	UpdatedAt         time.Time       `json:"updated_at" gorm:"not null"`
}

func (Project) TableName() string { return "projects" }

// LevelThreshold is one rung of the lifetime-sales ladder.
type LevelThreshold struct {
	Tier      Tier
	Threshold decimal.Decimal
}

// Config is the rate table and ladder. Thresholds are kept sorted
// descending so the first match is the highest reachable level.
type Config struct {
	Rates             map[Tier]decimal.Decimal
	DefaultRate       decimal.Decimal
	Levels            []LevelThreshold
	FoundingSlots     int
	FoundingThreshold decimal.Decimal
}

// Upgrade describes one tier change produced by a sale.
type Upgrade struct {
	CreatorID snowflake.ID `json:"creator_id"`
	From      Tier         `json:"from"`
	To        Tier         `json:"to"`
	Reason    string       `json:"reason"`
}

// SaleResult summarizes what RecordSale changed.
type SaleResult struct {
	ProjectTotal      decimal.Decimal `json:"project_total"`
	FoundingTriggered bool            `json:"founding_triggered"`
	SlotsAwarded      int             `json:"slots_awarded"`
	Upgrades          []Upgrade       `json:"upgrades"`
}

type Progress struct {
	CreatorID     snowflake.ID     `json:"creator_id"`
	Tier          Tier             `json:"tier"`
	FeeRate       decimal.Decimal  `json:"fee_rate"`
	LifetimeSales decimal.Decimal  `json:"lifetime_project_sales"`
	NextTier      *Tier            `json:"next_level,omitempty"`
	NextThreshold *decimal.Decimal `json:"next_threshold,omitempty"`
	RemainingToGo *decimal.Decimal `json:"remaining_to_next,omitempty"`
	IsFounding    bool             `json:"is_founding"`
	FoundingSlot  *FoundingSlot    `json:"founding_slot,omitempty"`
}

type FoundingStatus struct {
	SlotsTotal     int             `json:"slots_total"`
	SlotsClaimed   int             `json:"slots_claimed"`
	SlotsRemaining int             `json:"slots_remaining"`
	Threshold      decimal.Decimal `json:"threshold"`
	IsOpen         bool            `json:"is_open"`
}
