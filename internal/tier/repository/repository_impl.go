package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/tier/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const creatorColumns = `creator_id, tier, lifetime_sales, tier_qualified_at, created_at, updated_at`

func (r *repo) FindCreators(ctx context.Context, conn *gorm.DB, creatorIDs []snowflake.ID) ([]domain.CreatorTierState, error) {
	if len(creatorIDs) == 0 {
		return nil, nil
	}
	var rows []domain.CreatorTierState
	err := conn.WithContext(ctx).Raw(
		`SELECT `+creatorColumns+` FROM creator_tiers WHERE creator_id IN ?`,
		creatorIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LockCreators creates any missing standard rows, then locks all of them in
// creator_id order so concurrent settlements acquire locks consistently.
func (r *repo) LockCreators(ctx context.Context, tx *gorm.DB, creatorIDs []snowflake.ID) ([]domain.CreatorTierState, error) {
	if len(creatorIDs) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	for _, id := range creatorIDs {
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO creator_tiers (creator_id, tier, lifetime_sales, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (creator_id) DO NOTHING`,
			id,
			domain.TierStandard,
			decimal.Zero,
			now,
			now,
		).Error; err != nil {
			return nil, err
		}
	}

	var rows []domain.CreatorTierState
	err := tx.WithContext(ctx).Raw(
		`SELECT `+creatorColumns+` FROM creator_tiers
		 WHERE creator_id IN ?
		 ORDER BY creator_id`+db.ForUpdate(tx),
		creatorIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) UpdateLifetimeSales(ctx context.Context, tx *gorm.DB, creatorID snowflake.ID, total decimal.Decimal) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE creator_tiers SET lifetime_sales = ?, updated_at = ? WHERE creator_id = ?`,
		total,
		time.Now().UTC(),
		creatorID,
	).Error
}

// UpgradeTier only applies when the stored tier still matches from, so a
// stale caller can never move a creator backwards.
func (r *repo) UpgradeTier(ctx context.Context, tx *gorm.DB, creatorID snowflake.ID, from, to domain.Tier) (bool, error) {
	now := time.Now().UTC()
	result := tx.WithContext(ctx).Exec(
		`UPDATE creator_tiers
		 SET tier = ?, tier_qualified_at = ?, updated_at = ?
		 WHERE creator_id = ? AND tier = ?`,
		to,
		now,
		now,
		creatorID,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) LockProject(ctx context.Context, tx *gorm.DB, projectID snowflake.ID) (*domain.Project, error) {
	var project domain.Project
	err := tx.WithContext(ctx).Raw(
		`SELECT id, total_sales, founding_triggered, updated_at
		 FROM projects WHERE id = ?`+db.ForUpdate(tx),
		projectID,
	).Scan(&project).Error
	if err != nil {
		return nil, err
	}
	if project.ID == 0 {
		return nil, nil
	}
	return &project, nil
}

func (r *repo) UpdateProject(ctx context.Context, tx *gorm.DB, project *domain.Project) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE projects SET total_sales = ?, founding_triggered = ?, updated_at = ? WHERE id = ?`,
		project.TotalSales,
		project.FoundingTriggered,
		project.UpdatedAt,
		project.ID,
	).Error
}

const foundingColumns = `id, slots_total, slots_claimed, threshold, updated_at`

func (r *repo) GetFoundingConfig(ctx context.Context, conn *gorm.DB) (*domain.FoundingConfig, error) {
	var cfg domain.FoundingConfig
	err := conn.WithContext(ctx).Raw(
		`SELECT ` + foundingColumns + ` FROM tier_configs WHERE id = 1`,
	).Scan(&cfg).Error
	if err != nil {
		return nil, err
	}
	if cfg.ID == 0 {
		return nil, nil
	}
	return &cfg, nil
}

func (r *repo) LockFoundingConfig(ctx context.Context, tx *gorm.DB) (*domain.FoundingConfig, error) {
	var cfg domain.FoundingConfig
	err := tx.WithContext(ctx).Raw(
		`SELECT ` + foundingColumns + ` FROM tier_configs WHERE id = 1` + db.ForUpdate(tx),
	).Scan(&cfg).Error
	if err != nil {
		return nil, err
	}
	if cfg.ID == 0 {
		return nil, nil
	}
	return &cfg, nil
}

func (r *repo) InsertFoundingConfig(ctx context.Context, tx *gorm.DB, cfg *domain.FoundingConfig) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO tier_configs (id, slots_total, slots_claimed, threshold, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		cfg.SlotsTotal,
		cfg.SlotsClaimed,
		cfg.Threshold,
		cfg.UpdatedAt,
	).Error
}

// SetSlotsClaimed refuses to write a count above slots_total.
func (r *repo) SetSlotsClaimed(ctx context.Context, tx *gorm.DB, claimed int) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE tier_configs SET slots_claimed = ?, updated_at = ?
		 WHERE id = 1 AND slots_total >= ?`,
		claimed,
		time.Now().UTC(),
		claimed,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrOverclaim
	}
	return nil
}

func (r *repo) FindFoundingSlot(ctx context.Context, conn *gorm.DB, creatorID snowflake.ID) (*domain.FoundingSlot, error) {
	var slot domain.FoundingSlot
	err := conn.WithContext(ctx).Raw(
		`SELECT id, creator_id, project_id, slot_number, qualifying_sale_amount, claimed_at
		 FROM founding_creator_slots WHERE creator_id = ?`,
		creatorID,
	).Scan(&slot).Error
	if err != nil {
		return nil, err
	}
	if slot.ID == 0 {
		return nil, nil
	}
	return &slot, nil
}

func (r *repo) InsertFoundingSlot(ctx context.Context, tx *gorm.DB, slot *domain.FoundingSlot) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO founding_creator_slots (id, creator_id, project_id, slot_number, qualifying_sale_amount, claimed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (creator_id) DO NOTHING`,
		slot.ID,
		slot.CreatorID,
		slot.ProjectID,
		slot.SlotNumber,
		slot.QualifyingSaleAmount,
		slot.ClaimedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
