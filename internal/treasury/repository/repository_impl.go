package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	"github.com/smallbiznis/settlement/internal/treasury/domain"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"gorm.io/gorm"
)

const reconciliationColumns = `id, week_start, week_end, purchase_count, total_fronted, total_earned,
	net_flow, avg_per_purchase, balance, runway_days, health, unsettled_count, unsettled_gross, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// SumSettled adds up the treasury flows of purchases created in [from, to)
// whose distribution completed. Amounts are summed as decimals in Go.
func (r *repo) SumSettled(ctx context.Context, db *gorm.DB, from, to time.Time) (domain.Flows, error) {
	var rows []struct {
		Fronted decimal.Decimal `gorm:"column:platform_usdc_fronted"`
		Earned  decimal.Decimal `gorm:"column:platform_usdc_earned"`
	}
	err := db.WithContext(ctx).Raw(
		`SELECT platform_usdc_fronted, platform_usdc_earned
		 FROM purchases
		 WHERE distribution_status = ? AND created_at >= ? AND created_at < ?`,
		purchasedomain.DistributionCompleted, from, to,
	).Scan(&rows).Error
	if err != nil {
		return domain.Flows{}, err
	}
	flows := domain.Flows{Count: int64(len(rows)), Fronted: decimal.Zero, Earned: decimal.Zero}
	for _, row := range rows {
		flows.Fronted = flows.Fronted.Add(row.Fronted)
		flows.Earned = flows.Earned.Add(row.Earned)
	}
	return flows, nil
}

// SumUnsettled counts purchases created in [from, to) that failed with no
// retry left and were never refunded. Their charges sit with the platform.
func (r *repo) SumUnsettled(ctx context.Context, db *gorm.DB, from, to time.Time) (domain.Unsettled, error) {
	var rows []struct {
		Gross decimal.Decimal `gorm:"column:gross_amount"`
	}
	err := db.WithContext(ctx).Raw(
		`SELECT gross_amount
		 FROM purchases
		 WHERE status = ? AND next_retry_at IS NULL AND created_at >= ? AND created_at < ?`,
		purchasedomain.StatusFailed, from, to,
	).Scan(&rows).Error
	if err != nil {
		return domain.Unsettled{}, err
	}
	out := domain.Unsettled{Count: int64(len(rows)), Gross: decimal.Zero}
	for _, row := range rows {
		out.Gross = out.Gross.Add(row.Gross)
	}
	return out, nil
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, rec *domain.Reconciliation) (bool, error) {
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO treasury_reconciliations (`+reconciliationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (week_start) DO NOTHING`,
		rec.ID, rec.WeekStart, rec.WeekEnd, rec.PurchaseCount, rec.TotalFronted, rec.TotalEarned,
		rec.NetFlow, rec.AvgPerPurchase, rec.Balance, rec.RunwayDays, rec.Health,
		rec.UnsettledCount, rec.UnsettledGross, rec.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByWeekStart(ctx context.Context, db *gorm.DB, weekStart time.Time) (*domain.Reconciliation, error) {
	var rec domain.Reconciliation
	err := db.WithContext(ctx).Raw(
		`SELECT `+reconciliationColumns+` FROM treasury_reconciliations WHERE week_start = ? LIMIT 1`,
		weekStart,
	).Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, after *pagination.Cursor, limit int) ([]domain.Reconciliation, error) {
	var items []domain.Reconciliation
	stmt := db.WithContext(ctx).
		Table("treasury_reconciliations").
		Select(reconciliationColumns)
	if after != nil {
		id, err := snowflake.ParseString(after.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		stmt = stmt.Where("week_start < ? OR (week_start = ? AND id < ?)", after.At, after.At, id)
	}
	err := stmt.
		Order("week_start DESC, id DESC").
		Limit(limit).
		Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
