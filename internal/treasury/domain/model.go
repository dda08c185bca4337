package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// NoSpendRunway is reported when the trailing week fronted nothing.
var NoSpendRunway = decimal.NewFromInt(999)

// Reconciliation is an immutable weekly snapshot of treasury flows.
type Reconciliation struct {
	ID             snowflake.ID    `json:"id" gorm:"primaryKey"`
	WeekStart      time.Time       `json:"week_start" gorm:"not null;uniqueIndex"`
	WeekEnd        time.Time       `json:"week_end" gorm:"not null"`
	PurchaseCount  int64           `json:"purchase_count" gorm:"not null"`
	TotalFronted   decimal.Decimal `json:"total_fronted" gorm:"type:numeric(20,6);not null"`
	TotalEarned    decimal.Decimal `json:"total_earned" gorm:"type:numeric(20,6);not null"`
	NetFlow        decimal.Decimal `json:"net_to_replenish" gorm:"type:numeric(20,6);not null"`
	AvgPerPurchase decimal.Decimal `json:"avg_per_purchase" gorm:"type:numeric(20,6);not null"`
	Balance        decimal.Decimal `json:"balance" gorm:"type:numeric(20,6);not null"`
	RunwayDays     decimal.Decimal `json:"runway_days" gorm:"type:numeric(10,1);not null"`
	Health         Health          `json:"health" gorm:"not null"`
	UnsettledCount int64           `json:"unsettled_count" gorm:"not null;default:0"`
	UnsettledGross decimal.Decimal `json:"unsettled_gross" gorm:"type:numeric(20,6);not null;default:0"`
	CreatedAt      time.Time       `json:"created_at" gorm:"not null"`
}

func (Reconciliation) TableName() string { return "treasury_reconciliations" }

// Flows aggregates settled purchases over a window.
type Flows struct {
	Count   int64
	Fronted decimal.Decimal
	Earned  decimal.Decimal
}

// Unsettled aggregates purchases that were charged but failed for good and
// were never refunded.
type Unsettled struct {
	Count int64
	Gross decimal.Decimal
}
