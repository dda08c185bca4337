package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Posting is one side of an entry before account resolution.
type Posting struct {
	Account   LedgerAccountCode
	Direction LedgerEntryDirection
	Amount    decimal.Decimal
}

type Service interface {
	// CreateEntry posts a balanced entry inside tx. A second entry for the
	// same source is ignored.
	CreateEntry(ctx context.Context, tx *gorm.DB, sourceType LedgerSourceType, sourceID snowflake.ID, currency string, occurredAt time.Time, postings []Posting) (bool, error)
	Balance(ctx context.Context, account LedgerAccountCode) (decimal.Decimal, error)
}

var (
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
)

// ValidateBalanced checks that debits equal credits in micro-units.
func ValidateBalanced(lines []LedgerEntryLine) error {
	var debit, credit int64
	for _, line := range lines {
		switch line.Direction {
		case LedgerEntryDirectionDebit:
			debit += line.Amount
		case LedgerEntryDirectionCredit:
			credit += line.Amount
		default:
			return ErrInvalidLineDirection
		}
	}
	if debit != credit {
		return ErrUnbalancedEntry
	}
	return nil
}
