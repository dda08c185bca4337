package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	SourceTypePurchaseSettlement LedgerSourceType = "purchase_settlement"
	SourceTypePurchaseRefund     LedgerSourceType = "purchase_refund"
	SourceTypeBatchRefund        LedgerSourceType = "batch_refund"
)

type LedgerAccountCode string

const (
	// Assets
	AccountCodeCashClearing LedgerAccountCode = "cash_clearing"
	AccountCodeTreasuryUSDC LedgerAccountCode = "treasury_usdc"

	// Revenue
	AccountCodeSales   LedgerAccountCode = "sales"
	AccountCodeRefunds LedgerAccountCode = "refunds_issued"

	// Expenses
	AccountCodeProcessorFeeExpense LedgerAccountCode = "processor_fee_expense"
	AccountCodeGasExpense          LedgerAccountCode = "gas_expense"
	AccountCodeCreatorPayouts      LedgerAccountCode = "creator_payouts"
)

var accountNames = map[LedgerAccountCode]string{
	AccountCodeCashClearing:        "Card proceeds clearing",
	AccountCodeTreasuryUSDC:        "Platform USDC treasury",
	AccountCodeSales:               "Sales",
	AccountCodeRefunds:             "Refunds issued",
	AccountCodeProcessorFeeExpense: "Processor fees",
	AccountCodeGasExpense:          "Network fees",
	AccountCodeCreatorPayouts:      "Creator payouts",
}

// AccountName returns the display name for code.
func AccountName(code LedgerAccountCode) string {
	if name, ok := accountNames[code]; ok {
		return name
	}
	return string(code)
}

// LedgerAccount defines a chart-of-accounts entry.
type LedgerAccount struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Code      LedgerAccountCode `gorm:"type:text;not null;uniqueIndex"`
	Name      string            `gorm:"type:text;not null"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry captures the immutable header for a financial event.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	SourceType LedgerSourceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceID   snowflake.ID     `gorm:"not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	Currency   string           `gorm:"type:text;not null"`
	OccurredAt time.Time        `gorm:"not null"`
	CreatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line. Amount is in micro-units
// of the entry currency.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Amount        int64                `gorm:"not null"`
	CreatedAt     time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }
