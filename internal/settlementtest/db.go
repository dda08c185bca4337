// Package settlementtest builds an in-memory sqlite database carrying the
// settlement schema, plus seed helpers for catalog fixtures.
package settlementtest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE creators (
		id BIGINT PRIMARY KEY,
		username TEXT NOT NULL,
		wallet_address TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE contents (
		id BIGINT PRIMARY KEY,
		creator_id BIGINT NOT NULL,
		project_id BIGINT,
		title TEXT NOT NULL,
		price_usd TEXT NOT NULL,
		editions INTEGER NOT NULL DEFAULT 0,
		split_mode TEXT NOT NULL DEFAULT 'auto',
		nft_contract TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE chapters (
		id BIGINT PRIMARY KEY,
		content_id BIGINT,
		creator_id BIGINT NOT NULL,
		project_id BIGINT,
		title TEXT NOT NULL,
		price_usd TEXT NOT NULL,
		split_mode TEXT NOT NULL DEFAULT 'auto',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE project_collaborators (
		project_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		revenue_percentage TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (project_id, user_id)
	)`,
	`CREATE TABLE creator_tiers (
		creator_id BIGINT PRIMARY KEY,
		tier TEXT NOT NULL DEFAULT 'standard',
		lifetime_sales TEXT NOT NULL DEFAULT '0',
		tier_qualified_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE tier_configs (
		id INTEGER PRIMARY KEY,
		slots_total INTEGER NOT NULL,
		slots_claimed INTEGER NOT NULL DEFAULT 0,
		threshold TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE founding_creator_slots (
		id BIGINT PRIMARY KEY,
		creator_id BIGINT NOT NULL,
		project_id BIGINT NOT NULL,
		slot_number INTEGER NOT NULL,
		qualifying_sale_amount TEXT NOT NULL,
		claimed_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_founding_creator_slots_creator ON founding_creator_slots(creator_id)`,
	`CREATE TABLE projects (
		id BIGINT PRIMARY KEY,
		total_sales TEXT NOT NULL DEFAULT '0',
		founding_triggered BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE purchases (
		id BIGINT PRIMARY KEY,
		buyer_id BIGINT NOT NULL,
		buyer_wallet TEXT NOT NULL DEFAULT '',
		buyer_email TEXT NOT NULL DEFAULT '',
		content_id BIGINT,
		chapter_id BIGINT,
		payment_provider TEXT NOT NULL DEFAULT 'stripe',
		stripe_payment_intent_id TEXT NOT NULL DEFAULT '',
		stripe_checkout_session_id TEXT NOT NULL DEFAULT '',
		batch_purchase_id BIGINT,
		item_price TEXT,
		fee_mode TEXT NOT NULL DEFAULT '',
		gross_amount TEXT NOT NULL DEFAULT '0',
		processor_fee TEXT,
		processor_fee_estimated BOOLEAN NOT NULL DEFAULT FALSE,
		net_after_processor TEXT NOT NULL DEFAULT '0',
		gas_fee TEXT NOT NULL DEFAULT '0',
		usdc_to_distribute TEXT NOT NULL DEFAULT '0',
		fee_rate TEXT NOT NULL DEFAULT '0',
		platform_fee TEXT NOT NULL DEFAULT '0',
		creator_amount TEXT NOT NULL DEFAULT '0',
		platform_usdc_fronted TEXT NOT NULL DEFAULT '0',
		platform_usdc_earned TEXT NOT NULL DEFAULT '0',
		split_mode TEXT NOT NULL DEFAULT '',
		mint_address TEXT NOT NULL DEFAULT '',
		tx_signature TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		distribution_status TEXT NOT NULL DEFAULT 'pending',
		distribution_details TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at DATETIME,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE TABLE collaborator_payments (
		id BIGINT PRIMARY KEY,
		purchase_id BIGINT NOT NULL,
		collaborator_id BIGINT NOT NULL,
		collaborator_wallet TEXT NOT NULL,
		amount_usdc TEXT NOT NULL,
		percentage TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		transaction_signature TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_collaborator_payments_purchase ON collaborator_payments(purchase_id, collaborator_id)`,
	`CREATE TABLE batch_purchases (
		id BIGINT PRIMARY KEY,
		buyer_id BIGINT NOT NULL,
		buyer_wallet TEXT NOT NULL DEFAULT '',
		buyer_email TEXT NOT NULL DEFAULT '',
		payment_provider TEXT NOT NULL DEFAULT 'stripe',
		stripe_payment_intent_id TEXT NOT NULL DEFAULT '',
		stripe_checkout_session_id TEXT NOT NULL DEFAULT '',
		total_items INTEGER NOT NULL,
		items_succeeded INTEGER NOT NULL DEFAULT 0,
		items_failed INTEGER NOT NULL DEFAULT 0,
		subtotal TEXT NOT NULL,
		total_charged TEXT NOT NULL,
		total_refunded TEXT NOT NULL DEFAULT '0',
		refund_id TEXT NOT NULL DEFAULT '',
		processing_log TEXT,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE TABLE bridge_onramp_transfers (
		id BIGINT PRIMARY KEY,
		purchase_id BIGINT,
		batch_purchase_id BIGINT,
		bridge_transfer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		amount_usd TEXT NOT NULL,
		amount_usdc TEXT,
		bridge_fee TEXT,
		destination_wallet TEXT NOT NULL,
		deposit_instructions TEXT,
		tx_hash TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		warned_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_bridge_onramp_transfers_bridge_id ON bridge_onramp_transfers(bridge_transfer_id)`,
	`CREATE TABLE webhook_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT,
		error TEXT NOT NULL DEFAULT '',
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_webhook_events_provider_event ON webhook_events(provider, event_id)`,
	`CREATE TABLE treasury_reconciliations (
		id BIGINT PRIMARY KEY,
		week_start DATETIME NOT NULL,
		week_end DATETIME NOT NULL,
		purchase_count INTEGER NOT NULL,
		total_fronted TEXT NOT NULL,
		total_earned TEXT NOT NULL,
		net_flow TEXT NOT NULL,
		avg_per_purchase TEXT NOT NULL,
		balance TEXT NOT NULL,
		runway_days TEXT NOT NULL,
		health TEXT NOT NULL,
		unsettled_count INTEGER NOT NULL DEFAULT 0,
		unsettled_gross TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_treasury_reconciliations_week ON treasury_reconciliations(week_start)`,
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
	`CREATE TABLE audit_logs (
		id BIGINT PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	)`,
}

// OpenDB returns a fresh shared-cache sqlite database with every settlement
// table created.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:settlement_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func SeedCreator(t testing.TB, db *gorm.DB, id snowflake.ID, username, wallet string) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO creators (id, username, wallet_address) VALUES (?, ?, ?)`,
		id, username, wallet,
	).Error; err != nil {
		t.Fatalf("seed creator: %v", err)
	}
}

// SeedContent inserts a content item. A zero projectID leaves it without a
// project.
func SeedContent(t testing.TB, db *gorm.DB, id, creatorID, projectID snowflake.ID, price string, editions int) {
	t.Helper()
	var project any
	if projectID != 0 {
		project = projectID
		if err := db.Exec(
			`INSERT INTO projects (id, total_sales, founding_triggered, updated_at)
			 VALUES (?, '0', FALSE, ?) ON CONFLICT (id) DO NOTHING`,
			projectID, time.Now().UTC(),
		).Error; err != nil {
			t.Fatalf("seed project: %v", err)
		}
	}
	if err := db.Exec(
		`INSERT INTO contents (id, creator_id, project_id, title, price_usd, editions, split_mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'auto', ?)`,
		id, creatorID, project, fmt.Sprintf("Issue %d", id.Int64()%1000), price, editions, time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed content: %v", err)
	}
}

func SeedCollaborator(t testing.TB, db *gorm.DB, projectID, userID snowflake.ID, pct, role string) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO project_collaborators (project_id, user_id, revenue_percentage, role, status)
		 VALUES (?, ?, ?, ?, 'accepted')`,
		projectID, userID, pct, role,
	).Error; err != nil {
		t.Fatalf("seed collaborator: %v", err)
	}
}

func USD(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
