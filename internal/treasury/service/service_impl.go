package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/chain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/treasury/domain"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const window = 7 * 24 * time.Hour

var (
	defaultMinimum  = decimal.NewFromInt(1000)
	defaultWarnDays = decimal.NewFromInt(7)
	windowDays      = decimal.NewFromInt(7)
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Cfg      config.Config
	Repo     domain.Repository
	Settler  chain.Settler
	Audit    auditdomain.Service
	Notifier notificationdomain.Notifier `optional:"true"`

	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	settler    chain.Settler
	audit      auditdomain.Service
	notifier   notificationdomain.Notifier
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	minimum  decimal.Decimal
	warnDays decimal.Decimal
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = notificationdomain.NoOpNotifier{}
	}
	minimum := p.Cfg.Settlement.TreasuryMinimum
	if !minimum.IsPositive() {
		minimum = defaultMinimum
	}
	warnDays := p.Cfg.Settlement.RunwayWarnDays
	if !warnDays.IsPositive() {
		warnDays = defaultWarnDays
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("treasury.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		settler:    p.Settler,
		audit:      p.Audit,
		notifier:   notifier,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
		minimum:    minimum,
		warnDays:   warnDays,
	}
}

func (s *Service) Reconcile(ctx context.Context) (*domain.Reconciliation, error) {
	now := s.clock.Now().UTC()
	weekEnd := now.Truncate(24 * time.Hour)
	weekStart := weekEnd.Add(-window)

	existing, err := s.repo.FindByWeekStart(ctx, s.db, weekStart)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	flows, err := s.repo.SumSettled(ctx, s.db, weekStart, weekEnd)
	if err != nil {
		return nil, err
	}
	unsettled, err := s.repo.SumUnsettled(ctx, s.db, weekStart, weekEnd)
	if err != nil {
		return nil, err
	}
	balance, err := s.settler.TreasuryBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBalanceUnknown, err)
	}

	rec := &domain.Reconciliation{
		ID:             s.genID.Generate(),
		WeekStart:      weekStart,
		WeekEnd:        weekEnd,
		PurchaseCount:  flows.Count,
		TotalFronted:   flows.Fronted,
		TotalEarned:    flows.Earned,
		NetFlow:        flows.Fronted.Sub(flows.Earned),
		AvgPerPurchase: decimal.Zero,
		Balance:        balance,
		UnsettledCount: unsettled.Count,
		UnsettledGross: unsettled.Gross,
		CreatedAt:      now,
	}
	if flows.Count > 0 {
		rec.AvgPerPurchase = flows.Fronted.Div(decimal.NewFromInt(flows.Count)).Round(6)
	}
	rec.RunwayDays = runway(balance, flows)
	rec.Health = s.health(balance, rec.RunwayDays)

	var inserted bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.Insert(ctx, tx, rec)
		if err != nil || !ok {
			return err
		}
		inserted = true
		target := rec.ID.String()
		return s.audit.AuditLogTx(ctx, tx, auditdomain.ActorTypeSystem, nil, "treasury.reconciled", "treasury_reconciliation", &target, map[string]any{
			"week_start":       weekStart.Format(time.RFC3339),
			"week_end":         weekEnd.Format(time.RFC3339),
			"purchase_count":   rec.PurchaseCount,
			"total_fronted":    rec.TotalFronted.String(),
			"total_earned":     rec.TotalEarned.String(),
			"net_to_replenish": rec.NetFlow.String(),
			"balance":          rec.Balance.String(),
			"runway_days":      rec.RunwayDays.String(),
			"health":           string(rec.Health),
			"unsettled_count":  rec.UnsettledCount,
			"unsettled_gross":  rec.UnsettledGross.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		// another replica won the race
		return s.repo.FindByWeekStart(ctx, s.db, weekStart)
	}

	s.log.Info("treasury reconciled",
		zap.Int64("purchase_count", rec.PurchaseCount),
		zap.String("total_fronted", rec.TotalFronted.String()),
		zap.String("total_earned", rec.TotalEarned.String()),
		zap.String("net_to_replenish", rec.NetFlow.String()),
		zap.String("balance", rec.Balance.String()),
		zap.String("runway_days", rec.RunwayDays.String()),
		zap.String("health", string(rec.Health)),
		zap.Int64("unsettled_count", rec.UnsettledCount),
		zap.String("unsettled_gross", rec.UnsettledGross.String()),
	)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordTreasuryCheck(ctx, string(rec.Health))
	}
	if rec.Health != domain.HealthHealthy || rec.UnsettledCount > 0 {
		s.alert(ctx, rec)
	}
	return rec, nil
}

// runway is balance over the trailing average daily spend, in days.
func runway(balance decimal.Decimal, flows domain.Flows) decimal.Decimal {
	if flows.Count == 0 {
		return domain.NoSpendRunway
	}
	daily := flows.Fronted.Div(windowDays)
	if !daily.IsPositive() {
		return domain.NoSpendRunway
	}
	return balance.Div(daily).Round(1)
}

func (s *Service) health(balance, runwayDays decimal.Decimal) domain.Health {
	switch {
	case balance.LessThan(s.minimum):
		return domain.HealthCritical
	case runwayDays.LessThan(s.warnDays):
		return domain.HealthWarning
	default:
		return domain.HealthHealthy
	}
}

func (s *Service) alert(ctx context.Context, rec *domain.Reconciliation) {
	action := "replenish soon"
	switch rec.Health {
	case domain.HealthCritical:
		action = "replenish immediately"
	case domain.HealthHealthy:
		action = "no replenishment needed"
	}
	event := notificationdomain.Event{
		Kind: notificationdomain.KindTreasuryAlert,
		Alert: fmt.Sprintf("treasury %s: balance %s USDC, runway %s days, %s (net to replenish %s USDC)",
			rec.Health, rec.Balance.StringFixed(2), rec.RunwayDays.String(), action, rec.NetFlow.StringFixed(2)) +
			unsettledNote(rec),
		Data: map[string]any{
			"reconciliation_id": rec.ID.String(),
			"health":            string(rec.Health),
			"balance":           rec.Balance.String(),
			"runway_days":       rec.RunwayDays.String(),
			"unsettled_count":   rec.UnsettledCount,
			"unsettled_gross":   rec.UnsettledGross.String(),
		},
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.log.Warn("treasury alert not delivered", zap.Error(err))
	}
}

func unsettledNote(rec *domain.Reconciliation) string {
	if rec.UnsettledCount == 0 {
		return ""
	}
	return fmt.Sprintf("; %d failed purchases hold %s USD unsettled and unrefunded",
		rec.UnsettledCount, rec.UnsettledGross.StringFixed(2))
}

func (s *Service) Latest(ctx context.Context) (*domain.Reconciliation, error) {
	items, err := s.repo.List(ctx, s.db, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.ErrNotFound
	}
	return &items[0], nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	after, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListResponse{}, err
	}
	size := pagination.Size(req.PageSize)
	rows, err := s.repo.List(ctx, s.db, after, size+1)
	if err != nil {
		return domain.ListResponse{}, err
	}
	items, info, err := pagination.Page(rows, size, func(rec *domain.Reconciliation) pagination.Cursor {
		return pagination.Cursor{ID: rec.ID.String(), At: rec.WeekStart}
	})
	if err != nil {
		return domain.ListResponse{}, err
	}
	return domain.ListResponse{PageInfo: info, Items: items}, nil
}
