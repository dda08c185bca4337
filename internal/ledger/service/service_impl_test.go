package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/ledger/service"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE ledger_accounts (
			id BIGINT PRIMARY KEY,
			code TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_ledger_accounts_code ON ledger_accounts(code)`,
		`CREATE TABLE ledger_entries (
			id BIGINT PRIMARY KEY,
			source_type TEXT NOT NULL,
			source_id BIGINT NOT NULL,
			currency TEXT NOT NULL,
			occurred_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_ledger_entries_source ON ledger_entries(source_type, source_id)`,
		`CREATE TABLE ledger_entry_lines (
			id BIGINT PRIMARY KEY,
			ledger_entry_id BIGINT NOT NULL,
			account_id BIGINT NOT NULL,
			direction TEXT NOT NULL,
			amount BIGINT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newService(t *testing.T) (*gorm.DB, ledgerdomain.Service) {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return db, service.NewService(service.Params{DB: db, Log: zap.NewNop(), GenID: node})
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func settlementPostings() []ledgerdomain.Posting {
	return []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodeCashClearing, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: d("2.59")},
		{Account: ledgerdomain.AccountCodeProcessorFeeExpense, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: d("0.40")},
		{Account: ledgerdomain.AccountCodeSales, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: d("2.99")},
	}
}

func TestCreateEntryIsIdempotentPerSource(t *testing.T) {
	db, svc := newService(t)
	ctx := context.Background()
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	created, err := svc.CreateEntry(ctx, nil, ledgerdomain.SourceTypePurchaseSettlement, 101, "usd", occurred, settlementPostings())
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if !created {
		t.Fatalf("expected first entry to be created")
	}

	created, err = svc.CreateEntry(ctx, nil, ledgerdomain.SourceTypePurchaseSettlement, 101, "usd", occurred, settlementPostings())
	if err != nil {
		t.Fatalf("replay entry: %v", err)
	}
	if created {
		t.Fatalf("expected replay to be ignored")
	}

	var lines int64
	if err := db.Raw(`SELECT COUNT(*) FROM ledger_entry_lines`).Scan(&lines).Error; err != nil {
		t.Fatalf("count lines: %v", err)
	}
	if lines != 3 {
		t.Fatalf("expected 3 lines, got %d", lines)
	}

	sales, err := svc.Balance(ctx, ledgerdomain.AccountCodeSales)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !sales.Equal(d("-2.99")) {
		t.Fatalf("expected sales balance -2.99, got %s", sales)
	}
	cash, err := svc.Balance(ctx, ledgerdomain.AccountCodeCashClearing)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !cash.Equal(d("2.59")) {
		t.Fatalf("expected cash balance 2.59, got %s", cash)
	}
}

func TestCreateEntryRejectsInvalidInput(t *testing.T) {
	_, svc := newService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	unbalanced := []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodeRefunds, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: d("1.00")},
		{Account: ledgerdomain.AccountCodeCashClearing, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: d("0.99")},
	}
	negative := []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodeRefunds, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: d("-1")},
		{Account: ledgerdomain.AccountCodeCashClearing, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: d("-1")},
	}
	badDirection := []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodeRefunds, Direction: "sideways", Amount: d("1")},
		{Account: ledgerdomain.AccountCodeCashClearing, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: d("1")},
	}

	cases := []struct {
		name     string
		source   ledgerdomain.LedgerSourceType
		sourceID snowflake.ID
		currency string
		postings []ledgerdomain.Posting
		want     error
	}{
		{"missing source type", "", 1, "USD", settlementPostings(), ledgerdomain.ErrInvalidSourceType},
		{"missing source id", ledgerdomain.SourceTypePurchaseRefund, 0, "USD", settlementPostings(), ledgerdomain.ErrInvalidSourceID},
		{"missing currency", ledgerdomain.SourceTypePurchaseRefund, 1, " ", settlementPostings(), ledgerdomain.ErrInvalidCurrency},
		{"unbalanced", ledgerdomain.SourceTypePurchaseRefund, 2, "USD", unbalanced, ledgerdomain.ErrUnbalancedEntry},
		{"negative", ledgerdomain.SourceTypePurchaseRefund, 3, "USD", negative, ledgerdomain.ErrInvalidLineAmount},
		{"direction", ledgerdomain.SourceTypePurchaseRefund, 4, "USD", badDirection, ledgerdomain.ErrInvalidLineDirection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateEntry(ctx, nil, tc.source, tc.sourceID, tc.currency, now, tc.postings)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateEntrySkipsZeroPostings(t *testing.T) {
	_, svc := newService(t)
	postings := []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodeGasExpense, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: decimal.Zero},
		{Account: ledgerdomain.AccountCodeCreatorPayouts, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: d("2.6676")},
		{Account: ledgerdomain.AccountCodeTreasuryUSDC, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: d("2.6676")},
	}
	created, err := svc.CreateEntry(context.Background(), nil, ledgerdomain.SourceTypePurchaseSettlement, 7, "USDC", time.Now(), postings)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if !created {
		t.Fatalf("expected entry")
	}
	gas, err := svc.Balance(context.Background(), ledgerdomain.AccountCodeGasExpense)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !gas.IsZero() {
		t.Fatalf("expected no gas postings, got %s", gas)
	}
}
