package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/batch/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	feeservice "github.com/smallbiznis/settlement/internal/fee/service"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/providers/stripe"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	"github.com/smallbiznis/settlement/internal/tasks"
	"github.com/smallbiznis/settlement/pkg/db"
	"github.com/smallbiznis/settlement/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// staleAfter is how long a paid batch may sit untouched before the sweep
	// resubmits it.
	staleAfter = 10 * time.Minute

	refundReason       = "requested_by_customer"
	refundReasonDetail = "NFT minting failed for some items"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Purchases purchasedomain.Service
	Fees      *feeservice.Calculator
	Refunder  stripe.Refunder
	Ledger    ledgerdomain.Service
	Audit     auditdomain.Service
	Runner    tasks.Runner
	Notifier  notificationdomain.Notifier `optional:"true"`

	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	purchases  purchasedomain.Service
	fees       *feeservice.Calculator
	refunder   stripe.Refunder
	ledger     ledgerdomain.Service
	audit      auditdomain.Service
	runner     tasks.Runner
	notifier   notificationdomain.Notifier
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
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
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("batch.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		purchases:  p.Purchases,
		fees:       p.Fees,
		refunder:   p.Refunder,
		ledger:     p.Ledger,
		audit:      p.Audit,
		runner:     p.Runner,
		notifier:   notifier,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.BatchPurchase, error) {
	if len(req.Items) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	wallet := strings.TrimSpace(req.BuyerWallet)
	if wallet == "" {
		return nil, purchasedomain.ErrMissingWallet
	}
	subtotal := decimal.Zero
	for _, item := range req.Items {
		if (item.ContentID == nil) == (item.ChapterID == nil) || !item.Price.IsPositive() {
			return nil, domain.ErrInvalidItem
		}
		subtotal = subtotal.Add(money.RoundUSD(item.Price))
	}
	quote, err := s.fees.Quote(subtotal)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	batch := &domain.BatchPurchase{
		ID:                      s.genID.Generate(),
		BuyerID:                 req.BuyerID,
		BuyerWallet:             wallet,
		BuyerEmail:              strings.TrimSpace(req.BuyerEmail),
		PaymentProvider:         "stripe",
		StripeCheckoutSessionID: strings.TrimSpace(req.CheckoutSession),
		TotalItems:              len(req.Items),
		Subtotal:                subtotal,
		TotalCharged:            quote.BuyerTotal,
		TotalRefunded:           decimal.Zero,
		ProcessingLog:           datatypes.JSON("[]"),
		Status:                  domain.StatusPaymentPending,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.repo.Insert(ctx, s.db, batch); err != nil {
		return nil, err
	}
	for _, item := range req.Items {
		if _, err := s.purchases.Create(ctx, purchasedomain.CreateRequest{
			BuyerID:         req.BuyerID,
			BuyerWallet:     wallet,
			BuyerEmail:      batch.BuyerEmail,
			ContentID:       item.ContentID,
			ChapterID:       item.ChapterID,
			ListPrice:       item.Price,
			FeeMode:         purchasedomain.FeeModePassThrough,
			PaymentProvider: batch.PaymentProvider,
			BatchPurchaseID: &batch.ID,
		}); err != nil {
			return nil, fmt.Errorf("create batch item: %w", err)
		}
	}
	return batch, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.BatchPurchase, error) {
	batch, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, domain.ErrNotFound
	}
	return batch, nil
}

func (s *Service) FindByPaymentRef(ctx context.Context, ref string) (*domain.BatchPurchase, error) {
	batch, err := s.repo.FindByPaymentRef(ctx, s.db, ref)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, domain.ErrNotFound
	}
	return batch, nil
}

// ConfirmPayment records the cart charge and confirms every item with its
// proportional share of the charge and the processor fee.
func (s *Service) ConfirmPayment(ctx context.Context, req domain.ConfirmRequest) (*domain.BatchPurchase, bool, error) {
	var (
		batch     *domain.BatchPurchase
		applied   bool
		fee       decimal.Decimal
		estimated bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, req.BatchID, req.NoWait)
		if err != nil {
			return err
		}
		batch = locked
		if locked.Status != domain.StatusPaymentPending {
			return nil
		}
		if req.AmountTotal.IsPositive() {
			locked.TotalCharged = req.AmountTotal
		}
		if req.PaymentIntentID != "" {
			locked.StripePaymentIntentID = req.PaymentIntentID
		}
		if req.CheckoutSessionID != "" {
			locked.StripeCheckoutSessionID = req.CheckoutSessionID
		}
		if email := strings.TrimSpace(req.BuyerEmail); email != "" {
			locked.BuyerEmail = email
		}
		if err := s.apply(locked, domain.StatusPaymentCompleted); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		applied = true
		return s.auditTx(ctx, tx, locked.ID, "batch.payment_confirmed", map[string]any{
			"total_charged": locked.TotalCharged.String(),
			"total_items":   locked.TotalItems,
		})
	})
	if err != nil {
		return nil, false, err
	}
	if batch.Status == domain.StatusPaymentPending {
		return batch, false, nil
	}

	reported := req.ProcessorFee
	if reported == nil {
		reported = s.purchases.LookupProcessorFee(ctx, batch.StripePaymentIntentID)
	}
	if reported != nil {
		fee = *reported
	} else {
		fee, estimated = s.fees.EstimateProcessorFee(batch.TotalCharged), true
	}
	items, err := s.purchases.ListByBatch(ctx, nil, batch.ID)
	if err != nil {
		return nil, false, err
	}
	charges := allocate(items, batch.Subtotal, batch.TotalCharged)
	fees := allocate(items, batch.Subtotal, fee)
	for i, item := range items {
		itemFee := fees[i]
		if _, _, err := s.purchases.ConfirmPayment(ctx, purchasedomain.ConfirmRequest{
			PurchaseID:        item.ID,
			PaymentIntentID:   batch.StripePaymentIntentID,
			CheckoutSessionID: batch.StripeCheckoutSessionID,
			AmountTotal:       charges[i],
			ProcessorFee:      &itemFee,
			FeeEstimated:      estimated,
			BuyerEmail:        batch.BuyerEmail,
		}); err != nil {
			return nil, false, fmt.Errorf("confirm batch item %s: %w", item.ID, err)
		}
	}
	return batch, applied, nil
}

// allocate splits total across items by list price. The last item takes the
// rounding remainder so the shares sum to total.
func allocate(items []purchasedomain.Purchase, subtotal, total decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(items))
	remaining := total
	for i := range items {
		if i == len(items)-1 {
			out[i] = remaining
			break
		}
		share := money.RoundUSD(itemShare(&items[i], subtotal, len(items)).Mul(total))
		out[i] = share
		remaining = remaining.Sub(share)
	}
	return out
}

func itemShare(p *purchasedomain.Purchase, subtotal decimal.Decimal, count int) decimal.Decimal {
	if !subtotal.IsPositive() || p.ItemPrice == nil {
		return decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(count)))
	}
	return p.ItemPrice.Div(subtotal)
}

func (s *Service) Transition(ctx context.Context, tx *gorm.DB, id snowflake.ID, to domain.Status) (bool, error) {
	if tx == nil {
		var applied bool
		err := s.db.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
			var err error
			applied, err = s.transition(ctx, inner, id, to)
			return err
		})
		return applied, err
	}
	return s.transition(ctx, tx, id, to)
}

func (s *Service) transition(ctx context.Context, tx *gorm.DB, id snowflake.ID, to domain.Status) (bool, error) {
	batch, err := s.repo.LockByID(ctx, tx, id, false)
	if err != nil {
		return false, err
	}
	if batch == nil {
		return false, domain.ErrNotFound
	}
	if batch.Status == to {
		return false, nil
	}
	from := batch.Status
	if err := s.apply(batch, to); err != nil {
		return false, err
	}
	if err := s.repo.Update(ctx, tx, batch); err != nil {
		return false, err
	}
	return true, s.auditTx(ctx, tx, batch.ID, "batch.status_changed", map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

func (s *Service) apply(batch *domain.BatchPurchase, to domain.Status) error {
	if !domain.CanTransition(batch.Status, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, batch.Status, to)
	}
	now := s.clock.Now().UTC()
	batch.Status = to
	batch.UpdatedAt = now
	switch to {
	case domain.StatusCompleted, domain.StatusPartial, domain.StatusFailed:
		batch.CompletedAt = &now
	}
	return nil
}

// MarkRefunded records a full refund of the cart charge made outside the
// coordinator, such as from the processor dashboard.
func (s *Service) MarkRefunded(ctx context.Context, id snowflake.ID, reason string) (bool, error) {
	var (
		batch   *domain.BatchPurchase
		applied bool
		amount  decimal.Decimal
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.LockByID(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if locked == nil {
			return domain.ErrNotFound
		}
		batch = locked
		if locked.Status == domain.StatusRefunded {
			return nil
		}
		from := locked.Status
		if err := s.apply(locked, domain.StatusRefunded); err != nil {
			return err
		}
		amount = locked.TotalCharged.Sub(locked.TotalRefunded)
		locked.TotalRefunded = locked.TotalCharged
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		items, err := s.purchases.ListByBatch(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if !purchasedomain.CanTransition(item.Status, purchasedomain.StatusRefunded) {
				if item.Status != purchasedomain.StatusRefunded {
					s.log.Warn("batch item cannot be refunded",
						zap.String("batch_id", locked.ID.String()),
						zap.String("purchase_id", item.ID.String()),
						zap.String("status", string(item.Status)),
					)
				}
				continue
			}
			if _, err := s.purchases.MarkRefunded(ctx, tx, item.ID, reason); err != nil {
				return err
			}
		}
		applied = true
		return s.auditTx(ctx, tx, locked.ID, "batch.refunded", map[string]any{
			"from":   string(from),
			"amount": amount.String(),
			"reason": reason,
		})
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.recordRefund(ctx, "refunded")
		s.notify(ctx, notificationdomain.Event{
			Kind:      notificationdomain.KindPurchaseRefunded,
			Recipient: batch.BuyerEmail,
			Data: map[string]any{
				"batch_id":      batch.ID.String(),
				"refund_amount": amount.StringFixed(2),
				"reason":        reason,
			},
		})
	}
	return applied, nil
}

func (s *Service) ScheduleProcessing(ctx context.Context, id snowflake.ID) error {
	return s.runner.Submit(ctx, "batch_process", s.processTask(id))
}

func (s *Service) processTask(id snowflake.ID) tasks.Task {
	return func(ctx context.Context) error {
		_, err := s.Process(ctx, id)
		if errors.Is(err, domain.ErrLocked) || errors.Is(err, domain.ErrItemsInProgress) {
			return nil
		}
		return err
	}
}

func (s *Service) ResumeStale(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now().UTC()
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.repo.ClaimStale(ctx, tx, now.Add(-staleAfter), limit)
		if err != nil {
			return err
		}
		ids = claimed
		return s.repo.Touch(ctx, tx, claimed, now)
	})
	if err != nil {
		return 0, err
	}
	var (
		errs      error
		submitted int
	)
	for _, id := range ids {
		if err := s.runner.Submit(ctx, "batch_resume", s.processTask(id)); err != nil {
			errs = errors.Join(errs, fmt.Errorf("submit %s: %w", id, err))
			continue
		}
		submitted++
	}
	return submitted, errs
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id snowflake.ID, noWait bool) (*domain.BatchPurchase, error) {
	waited := time.Now()
	batch, err := s.repo.LockByID(ctx, tx, id, noWait)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceBatchByID, time.Since(waited))
	if err != nil {
		if db.IsLockNotAvailable(err) {
			return nil, domain.ErrLocked
		}
		return nil, err
	}
	if batch == nil {
		return nil, domain.ErrNotFound
	}
	return batch, nil
}

func (s *Service) auditTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, action string, metadata map[string]any) error {
	if s.audit == nil {
		return nil
	}
	target := id.String()
	return s.audit.AuditLogTx(ctx, tx, auditdomain.ActorTypeSystem, nil, action, "batch_purchase", &target, metadata)
}

func (s *Service) notify(ctx context.Context, event notificationdomain.Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.log.Warn("batch notification failed",
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
	}
}

func (s *Service) recordRefund(ctx context.Context, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRefund(ctx, "batch", outcome)
	}
}

func appendLog(raw datatypes.JSON, entries ...domain.LogEntry) (datatypes.JSON, error) {
	var log []domain.LogEntry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &log); err != nil {
			return nil, fmt.Errorf("decode processing log: %w", err)
		}
	}
	log = append(log, entries...)
	out, err := json.Marshal(log)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}
