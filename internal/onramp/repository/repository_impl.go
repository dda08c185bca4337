package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/settlement/internal/onramp/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const transferColumns = `id, purchase_id, batch_purchase_id, bridge_transfer_id, status,
	amount_usd, amount_usdc, bridge_fee, destination_wallet, deposit_instructions,
	tx_hash, failure_reason, warned_at, created_at, updated_at, completed_at`

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, t *domain.Transfer) error {
	return tx.WithContext(ctx).Create(t).Error
}

func (r *repo) FindByBridgeID(ctx context.Context, tx *gorm.DB, bridgeTransferID string) (*domain.Transfer, error) {
	return r.one(ctx, tx, `WHERE bridge_transfer_id = ?`, bridgeTransferID)
}

func (r *repo) FindByTarget(ctx context.Context, tx *gorm.DB, target domain.Target) (*domain.Transfer, error) {
	if target.PurchaseID != nil {
		return r.one(ctx, tx, `WHERE purchase_id = ? ORDER BY id DESC LIMIT 1`, *target.PurchaseID)
	}
	if target.BatchID != nil {
		return r.one(ctx, tx, `WHERE batch_purchase_id = ? ORDER BY id DESC LIMIT 1`, *target.BatchID)
	}
	return nil, nil
}

func (r *repo) LockByBridgeID(ctx context.Context, tx *gorm.DB, bridgeTransferID string, noWait bool) (*domain.Transfer, error) {
	lock := db.ForUpdate(tx)
	if noWait {
		lock = db.ForUpdateNoWait(tx)
	}
	return r.one(ctx, tx, `WHERE bridge_transfer_id = ?`+lock, bridgeTransferID)
}

func (r *repo) ListOpenCreatedBefore(ctx context.Context, tx *gorm.DB, before time.Time, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Transfer
	err := tx.WithContext(ctx).Raw(
		`SELECT `+transferColumns+` FROM bridge_onramp_transfers
		 WHERE status IN (?, ?, ?, ?) AND created_at < ?
		 ORDER BY created_at
		 LIMIT ?`,
		domain.StatusPending, domain.StatusAwaitingFunds, domain.StatusFundsReceived, domain.StatusConverting,
		before, limit,
	).Scan(&out).Error
	return out, err
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, t *domain.Transfer) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE bridge_onramp_transfers SET
			status = ?, amount_usdc = ?, bridge_fee = ?, tx_hash = ?, failure_reason = ?,
			warned_at = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		t.Status,
		t.AmountUSDC,
		t.BridgeFee,
		t.TxHash,
		t.FailureReason,
		t.WarnedAt,
		t.UpdatedAt,
		t.CompletedAt,
		t.ID,
	).Error
}

func (r *repo) one(ctx context.Context, tx *gorm.DB, where string, args ...any) (*domain.Transfer, error) {
	var t domain.Transfer
	err := tx.WithContext(ctx).Raw(
		`SELECT `+transferColumns+` FROM bridge_onramp_transfers `+where,
		args...,
	).Scan(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == 0 {
		return nil, nil
	}
	return &t, nil
}
