package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/tier/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Fees  *config.FeeTableHolder
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	fees  *config.FeeTableHolder
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tier.service"),
		genID: p.GenID,
		repo:  p.Repo,
		fees:  p.Fees,
		clock: clk,
	}
}

func (s *Service) config() domain.Config {
	return domain.NewConfig(s.fees.Get())
}

func (s *Service) ResolveFeeRate(ctx context.Context, creatorID snowflake.ID) (decimal.Decimal, error) {
	cfg := s.config()
	if creatorID == 0 {
		return cfg.DefaultRate, nil
	}
	rows, err := s.repo.FindCreators(ctx, s.db, []snowflake.ID{creatorID})
	if err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return cfg.DefaultRate, nil
	}
	return cfg.RateFor(rows[0].Tier), nil
}

// ResolveBestProjectRate returns the lowest rate held by any of the
// collaborators, or the standard rate for an empty list.
func (s *Service) ResolveBestProjectRate(ctx context.Context, creatorIDs []snowflake.ID) (decimal.Decimal, error) {
	cfg := s.config()
	ids := dedupe(creatorIDs)
	if len(ids) == 0 {
		return cfg.DefaultRate, nil
	}
	rows, err := s.repo.FindCreators(ctx, s.db, ids)
	if err != nil {
		return decimal.Zero, err
	}
	best := cfg.DefaultRate
	for _, row := range rows {
		if rate := cfg.RateFor(row.Tier); rate.LessThan(best) {
			best = rate
		}
	}
	return best, nil
}

func (s *Service) RecordSale(ctx context.Context, tx *gorm.DB, projectID snowflake.ID, creatorIDs []snowflake.ID, amount decimal.Decimal) (domain.SaleResult, error) {
	var result domain.SaleResult
	if !amount.IsPositive() {
		return result, nil
	}
	ids := dedupe(creatorIDs)
	if len(ids) == 0 {
		return result, nil
	}
	if tx == nil {
		err := s.db.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
			var err error
			result, err = s.recordSale(ctx, inner, projectID, ids, amount)
			return err
		})
		return result, err
	}
	return s.recordSale(ctx, tx, projectID, ids, amount)
}

func (s *Service) recordSale(ctx context.Context, tx *gorm.DB, projectID snowflake.ID, ids []snowflake.ID, amount decimal.Decimal) (domain.SaleResult, error) {
	var result domain.SaleResult
	cfg := s.config()
	now := s.clock.Now().UTC()

	creators, err := s.repo.LockCreators(ctx, tx, ids)
	if err != nil {
		return result, err
	}
	states := make(map[snowflake.ID]*domain.CreatorTierState, len(creators))
	for i := range creators {
		row := &creators[i]
		row.LifetimeSales = row.LifetimeSales.Add(amount)
		if err := s.repo.UpdateLifetimeSales(ctx, tx, row.CreatorID, row.LifetimeSales); err != nil {
			return result, err
		}
		states[row.CreatorID] = row
	}

	if projectID != 0 {
		project, err := s.repo.LockProject(ctx, tx, projectID)
		if err != nil {
			return result, err
		}
		if project != nil {
			project.TotalSales = project.TotalSales.Add(amount)
			project.UpdatedAt = now
			result.ProjectTotal = project.TotalSales

			awarded, err := s.claimFounding(ctx, tx, cfg, project, ids, states, now, &result)
			if err != nil {
				return result, err
			}
			result.SlotsAwarded = awarded

			if err := s.repo.UpdateProject(ctx, tx, project); err != nil {
				return result, err
			}
		}
	}

	for _, id := range ids {
		state, ok := states[id]
		if !ok {
			continue
		}
		next, ok := cfg.LevelFor(state.Tier, state.LifetimeSales)
		if !ok {
			continue
		}
		applied, err := s.repo.UpgradeTier(ctx, tx, id, state.Tier, next)
		if err != nil {
			return result, err
		}
		if !applied {
			continue
		}
		result.Upgrades = append(result.Upgrades, domain.Upgrade{
			CreatorID: id,
			From:      state.Tier,
			To:        next,
			Reason:    "lifetime_sales",
		})
		state.Tier = next
	}

	if len(result.Upgrades) > 0 {
		s.log.Info("creator tiers upgraded",
			zap.String("project_id", projectID.String()),
			zap.Int("upgrades", len(result.Upgrades)),
			zap.Int("founding_awarded", result.SlotsAwarded),
		)
	}
	return result, nil
}

// claimFounding awards founding slots to the project's collaborators the
// first time the project crosses the threshold while slots remain. The
// config row is locked for the whole claim so the counter never exceeds
// the total.
func (s *Service) claimFounding(
	ctx context.Context,
	tx *gorm.DB,
	cfg domain.Config,
	project *domain.Project,
	ids []snowflake.ID,
	states map[snowflake.ID]*domain.CreatorTierState,
	now time.Time,
	result *domain.SaleResult,
) (int, error) {
	if project.FoundingTriggered {
		return 0, nil
	}

	founding, err := s.lockFoundingConfig(ctx, tx, cfg, now)
	if err != nil {
		return 0, err
	}
	if project.TotalSales.LessThan(founding.Threshold) || founding.SlotsClaimed >= founding.SlotsTotal {
		return 0, nil
	}

	project.FoundingTriggered = true
	result.FoundingTriggered = true

	available := founding.SlotsTotal - founding.SlotsClaimed
	awarded := 0
	for _, id := range ids {
		if awarded >= available {
			break
		}
		existing, err := s.repo.FindFoundingSlot(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			continue
		}
		slot := &domain.FoundingSlot{
			ID:                   s.genID.Generate(),
			CreatorID:            id,
			ProjectID:            project.ID,
			SlotNumber:           founding.SlotsClaimed + awarded + 1,
			QualifyingSaleAmount: project.TotalSales,
			ClaimedAt:            now,
		}
		inserted, err := s.repo.InsertFoundingSlot(ctx, tx, slot)
		if err != nil {
			return 0, err
		}
		if !inserted {
			continue
		}
		awarded++

		state := states[id]
		if state == nil || !domain.Improves(state.Tier, domain.TierFounding) {
			continue
		}
		applied, err := s.repo.UpgradeTier(ctx, tx, id, state.Tier, domain.TierFounding)
		if err != nil {
			return 0, err
		}
		if applied {
			result.Upgrades = append(result.Upgrades, domain.Upgrade{
				CreatorID: id,
				From:      state.Tier,
				To:        domain.TierFounding,
				Reason:    "founding_slot",
			})
			state.Tier = domain.TierFounding
		}
	}

	if awarded > 0 {
		if err := s.repo.SetSlotsClaimed(ctx, tx, founding.SlotsClaimed+awarded); err != nil {
			return 0, err
		}
	}
	return awarded, nil
}

func (s *Service) lockFoundingConfig(ctx context.Context, tx *gorm.DB, cfg domain.Config, now time.Time) (*domain.FoundingConfig, error) {
	founding, err := s.repo.LockFoundingConfig(ctx, tx)
	if err != nil {
		return nil, err
	}
	if founding != nil {
		return founding, nil
	}
	if err := s.repo.InsertFoundingConfig(ctx, tx, &domain.FoundingConfig{
		SlotsTotal: cfg.FoundingSlots,
		Threshold:  cfg.FoundingThreshold,
		UpdatedAt:  now,
	}); err != nil {
		return nil, err
	}
	founding, err = s.repo.LockFoundingConfig(ctx, tx)
	if err != nil {
		return nil, err
	}
	if founding == nil {
		return nil, errors.New("tier_config_missing")
	}
	return founding, nil
}

func (s *Service) Progress(ctx context.Context, creatorID snowflake.ID) (domain.Progress, error) {
	if creatorID == 0 {
		return domain.Progress{}, domain.ErrInvalidCreator
	}
	cfg := s.config()
	progress := domain.Progress{
		CreatorID:     creatorID,
		Tier:          domain.TierStandard,
		LifetimeSales: decimal.Zero,
	}

	rows, err := s.repo.FindCreators(ctx, s.db, []snowflake.ID{creatorID})
	if err != nil {
		return progress, err
	}
	if len(rows) > 0 {
		progress.Tier = rows[0].Tier
		progress.LifetimeSales = rows[0].LifetimeSales
	}
	progress.FeeRate = cfg.RateFor(progress.Tier)

	if progress.Tier == domain.TierFounding {
		progress.IsFounding = true
		slot, err := s.repo.FindFoundingSlot(ctx, s.db, creatorID)
		if err != nil {
			return progress, err
		}
		progress.FoundingSlot = slot
		return progress, nil
	}

	// Levels are sorted descending; walk from the bottom to find the
	// smallest threshold still ahead that would be an upgrade.
	for i := len(cfg.Levels) - 1; i >= 0; i-- {
		level := cfg.Levels[i]
		if !level.Threshold.GreaterThan(progress.LifetimeSales) || !domain.Improves(progress.Tier, level.Tier) {
			continue
		}
		next := level.Tier
		threshold := level.Threshold
		remaining := threshold.Sub(progress.LifetimeSales)
		progress.NextTier = &next
		progress.NextThreshold = &threshold
		progress.RemainingToGo = &remaining
		break
	}
	return progress, nil
}

func (s *Service) FoundingStatus(ctx context.Context) (domain.FoundingStatus, error) {
	cfg := s.config()
	founding, err := s.repo.GetFoundingConfig(ctx, s.db)
	if err != nil {
		return domain.FoundingStatus{}, fmt.Errorf("load founding config: %w", err)
	}
	status := domain.FoundingStatus{
		SlotsTotal: cfg.FoundingSlots,
		Threshold:  cfg.FoundingThreshold,
	}
	if founding != nil {
		status.SlotsTotal = founding.SlotsTotal
		status.SlotsClaimed = founding.SlotsClaimed
		status.Threshold = founding.Threshold
	}
	status.SlotsRemaining = status.SlotsTotal - status.SlotsClaimed
	if status.SlotsRemaining < 0 {
		status.SlotsRemaining = 0
	}
	status.IsOpen = status.SlotsRemaining > 0
	return status, nil
}

func dedupe(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
