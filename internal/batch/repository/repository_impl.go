package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/batch/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const batchColumns = `id, buyer_id, buyer_wallet, buyer_email, payment_provider,
	stripe_payment_intent_id, stripe_checkout_session_id, total_items,
	items_succeeded, items_failed, subtotal, total_charged, total_refunded,
	refund_id, processing_log, status, created_at, updated_at, completed_at`

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, batch *domain.BatchPurchase) error {
	return tx.WithContext(ctx).Create(batch).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.BatchPurchase, error) {
	var batch domain.BatchPurchase
	err := db.WithContext(ctx).Raw(
		`SELECT `+batchColumns+` FROM batch_purchases WHERE id = ?`,
		id,
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repo) FindByPaymentRef(ctx context.Context, db *gorm.DB, ref string) (*domain.BatchPurchase, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	var batch domain.BatchPurchase
	err := db.WithContext(ctx).Raw(
		`SELECT `+batchColumns+` FROM batch_purchases
		 WHERE stripe_payment_intent_id = ? OR stripe_checkout_session_id = ?
		 LIMIT 1`,
		ref, ref,
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repo) LockByID(ctx context.Context, tx *gorm.DB, id snowflake.ID, noWait bool) (*domain.BatchPurchase, error) {
	lock := db.ForUpdate(tx)
	if noWait {
		lock = db.ForUpdateNoWait(tx)
	}
	var batch domain.BatchPurchase
	err := tx.WithContext(ctx).Raw(
		`SELECT `+batchColumns+` FROM batch_purchases WHERE id = ?`+lock,
		id,
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, batch *domain.BatchPurchase) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE batch_purchases SET
			buyer_email = ?, stripe_payment_intent_id = ?, stripe_checkout_session_id = ?,
			items_succeeded = ?, items_failed = ?, total_charged = ?, total_refunded = ?,
			refund_id = ?, processing_log = ?, status = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		batch.BuyerEmail,
		batch.StripePaymentIntentID,
		batch.StripeCheckoutSessionID,
		batch.ItemsSucceeded,
		batch.ItemsFailed,
		batch.TotalCharged,
		batch.TotalRefunded,
		batch.RefundID,
		batch.ProcessingLog,
		batch.Status,
		batch.UpdatedAt,
		batch.CompletedAt,
		batch.ID,
	).Error
}

func (r *repo) ClaimStale(ctx context.Context, tx *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 25
	}
	var ids []snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT id FROM batch_purchases
		 WHERE status IN (?, ?, ?) AND updated_at <= ?
		 ORDER BY id
		 LIMIT ?`+db.ForUpdateSkipLocked(tx),
		domain.StatusPaymentCompleted, domain.StatusUSDCReceived, domain.StatusProcessing,
		before, limit,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) Touch(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE batch_purchases SET updated_at = ? WHERE id IN ?`,
		now, ids,
	).Error
}
