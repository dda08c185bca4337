package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/purchase/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const purchaseColumns = `id, buyer_id, buyer_wallet, buyer_email, content_id, chapter_id,
	payment_provider, stripe_payment_intent_id, stripe_checkout_session_id, batch_purchase_id,
	item_price, fee_mode, gross_amount, processor_fee, processor_fee_estimated,
	net_after_processor, gas_fee, usdc_to_distribute, fee_rate, platform_fee, creator_amount,
	platform_usdc_fronted, platform_usdc_earned, split_mode, mint_address, tx_signature,
	status, distribution_status, distribution_details, retry_count, next_retry_at,
	failure_reason, created_at, updated_at, completed_at`

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, p *domain.Purchase) error {
	return tx.WithContext(ctx).Create(p).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Purchase, error) {
	var p domain.Purchase
	err := db.WithContext(ctx).Raw(
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`,
		id,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindByPaymentRef(ctx context.Context, db *gorm.DB, ref string) (*domain.Purchase, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	var p domain.Purchase
	err := db.WithContext(ctx).Raw(
		`SELECT `+purchaseColumns+` FROM purchases
		 WHERE stripe_payment_intent_id = ? OR stripe_checkout_session_id = ?
		 ORDER BY created_at
		 LIMIT 1`,
		ref, ref,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) LockByID(ctx context.Context, tx *gorm.DB, id snowflake.ID, noWait bool) (*domain.Purchase, error) {
	lock := db.ForUpdate(tx)
	if noWait {
		lock = db.ForUpdateNoWait(tx)
	}
	var p domain.Purchase
	err := tx.WithContext(ctx).Raw(
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`+lock,
		id,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) ListByBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]domain.Purchase, error) {
	var rows []domain.Purchase
	err := db.WithContext(ctx).Raw(
		`SELECT `+purchaseColumns+` FROM purchases WHERE batch_purchase_id = ? ORDER BY id`,
		batchID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, p *domain.Purchase) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE purchases SET
			buyer_email = ?, stripe_payment_intent_id = ?, stripe_checkout_session_id = ?,
			gross_amount = ?, processor_fee = ?, processor_fee_estimated = ?,
			net_after_processor = ?, gas_fee = ?, usdc_to_distribute = ?, fee_rate = ?,
			platform_fee = ?, creator_amount = ?, platform_usdc_fronted = ?, platform_usdc_earned = ?,
			split_mode = ?, mint_address = ?, tx_signature = ?, status = ?, distribution_status = ?,
			distribution_details = ?, retry_count = ?, next_retry_at = ?, failure_reason = ?,
			updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		p.BuyerEmail, p.StripePaymentIntentID, p.StripeCheckoutSessionID,
		p.GrossAmount, p.ProcessorFee, p.ProcessorFeeEstimated,
		p.NetAfterProcessor, p.GasFee, p.USDCToDistribute, p.FeeRate,
		p.PlatformFee, p.CreatorAmount, p.PlatformUSDCFronted, p.PlatformUSDCEarned,
		p.SplitMode, p.MintAddress, p.TxSignature, p.Status, p.DistributionStatus,
		p.DistributionDetails, p.RetryCount, p.NextRetryAt, p.FailureReason,
		p.UpdatedAt, p.CompletedAt,
		p.ID,
	).Error
}

// ClaimDue returns failed purchases whose retry is due and minting purchases
// that stopped making progress. Rows held by another sweeper are skipped.
func (r *repo) ClaimDue(ctx context.Context, tx *gorm.DB, now, staleMinting time.Time, maxRetries, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 25
	}
	var ids []snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT id FROM purchases
		 WHERE (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND retry_count <= ?)
		    OR (status = ? AND updated_at <= ?)
		 ORDER BY id
		 LIMIT ?`+db.ForUpdateSkipLocked(tx),
		domain.StatusFailed, now, maxRetries,
		domain.StatusMinting, staleMinting,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) Lease(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, now, leaseUntil time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if err := tx.WithContext(ctx).Exec(
		`UPDATE purchases SET next_retry_at = ?
		 WHERE id IN ? AND status = ?`,
		leaseUntil, ids, domain.StatusFailed,
	).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE purchases SET updated_at = ?
		 WHERE id IN ? AND status = ?`,
		now, ids, domain.StatusMinting,
	).Error
}

func (r *repo) UpsertCollaboratorPayment(ctx context.Context, tx *gorm.DB, payment *domain.CollaboratorPayment) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO collaborator_payments (
			id, purchase_id, collaborator_id, collaborator_wallet, amount_usdc,
			percentage, role, transaction_signature, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (purchase_id, collaborator_id) DO UPDATE SET
			collaborator_wallet = excluded.collaborator_wallet,
			amount_usdc = excluded.amount_usdc,
			percentage = excluded.percentage,
			role = excluded.role,
			transaction_signature = excluded.transaction_signature,
			updated_at = excluded.updated_at`,
		payment.ID,
		payment.PurchaseID,
		payment.CollaboratorID,
		payment.CollaboratorWallet,
		payment.AmountUSDC,
		payment.Percentage,
		payment.Role,
		payment.TransactionSignature,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) ListCollaboratorPayments(ctx context.Context, db *gorm.DB, purchaseID snowflake.ID) ([]domain.CollaboratorPayment, error) {
	var rows []domain.CollaboratorPayment
	err := db.WithContext(ctx).Raw(
		`SELECT id, purchase_id, collaborator_id, collaborator_wallet, amount_usdc,
		        percentage, role, transaction_signature, created_at, updated_at
		 FROM collaborator_payments WHERE purchase_id = ? ORDER BY collaborator_id`,
		purchaseID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
