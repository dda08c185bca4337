package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/settlement/internal/catalog/domain"
	"github.com/smallbiznis/settlement/internal/chain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	feedomain "github.com/smallbiznis/settlement/internal/fee/domain"
	feeservice "github.com/smallbiznis/settlement/internal/fee/service"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/providers/stripe"
	"github.com/smallbiznis/settlement/internal/purchase/domain"
	splitdomain "github.com/smallbiznis/settlement/internal/split/domain"
	"github.com/smallbiznis/settlement/internal/tasks"
	tierdomain "github.com/smallbiznis/settlement/internal/tier/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"github.com/smallbiznis/settlement/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// staleMintingAfter is how long a purchase may sit in minting before the
	// retry sweep resumes it.
	staleMintingAfter = 10 * time.Minute
	retryLease        = 5 * time.Minute
	maxFailureReason  = 500
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Cfg       config.Config
	Repo      domain.Repository
	Fees      *feeservice.Calculator
	Catalog   catalogdomain.Service
	Tier      tierdomain.Service
	Splitter  splitdomain.Splitter
	Settler   chain.Settler
	FeeSource stripe.FeeSource `optional:"true"`
	Ledger    ledgerdomain.Service
	Audit     auditdomain.Service
	Notifier  notificationdomain.Notifier `optional:"true"`
	Runner    tasks.Runner

	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	cfg       config.Config
	repo      domain.Repository
	fees      *feeservice.Calculator
	catalog   catalogdomain.Service
	tier      tierdomain.Service
	splitter  splitdomain.Splitter
	settler   chain.Settler
	feeSource stripe.FeeSource
	ledger    ledgerdomain.Service
	audit     auditdomain.Service
	notifier  notificationdomain.Notifier
	runner    tasks.Runner
	clock     clock.Clock

	obsMetrics *obsmetrics.Metrics
	// feeBackoff builds the policy used for processor fee lookups.
	feeBackoff func() backoff.BackOff
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
		log:        p.Log.Named("purchase.service"),
		genID:      p.GenID,
		cfg:        p.Cfg,
		repo:       p.Repo,
		fees:       p.Fees,
		catalog:    p.Catalog,
		tier:       p.Tier,
		splitter:   p.Splitter,
		settler:    p.Settler,
		feeSource:  p.FeeSource,
		ledger:     p.Ledger,
		audit:      p.Audit,
		notifier:   notifier,
		runner:     p.Runner,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
		feeBackoff: defaultFeeBackoff,
	}
}

func defaultFeeBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 4 * time.Second
	return b
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Purchase, error) {
	ref := catalogdomain.ItemRef{ContentID: req.ContentID, ChapterID: req.ChapterID}
	if req.ChapterID != nil {
		// chapters may carry their parent content for reporting
		ref.ContentID = nil
	}
	if !ref.Valid() {
		return nil, domain.ErrInvalidItem
	}
	wallet := strings.TrimSpace(req.BuyerWallet)
	if wallet == "" {
		return nil, domain.ErrMissingWallet
	}
	if !req.ListPrice.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	mode := req.FeeMode
	if mode == "" {
		mode = domain.FeeModePassThrough
	}
	var gross decimal.Decimal
	switch mode {
	case domain.FeeModePassThrough:
		quote, err := s.fees.Quote(req.ListPrice)
		if err != nil {
			return nil, err
		}
		gross = quote.BuyerTotal
	case domain.FeeModeAbsorbed:
		gross = req.ListPrice
	default:
		return nil, feedomain.ErrInvalidFeeMode
	}

	provider := strings.TrimSpace(req.PaymentProvider)
	if provider == "" {
		provider = "stripe"
	}
	now := s.clock.Now().UTC()
	listPrice := money.RoundUSD(req.ListPrice)
	p := &domain.Purchase{
		ID:                      s.genID.Generate(),
		BuyerID:                 req.BuyerID,
		BuyerWallet:             wallet,
		BuyerEmail:              strings.TrimSpace(req.BuyerEmail),
		ContentID:               req.ContentID,
		ChapterID:               req.ChapterID,
		PaymentProvider:         provider,
		StripeCheckoutSessionID: strings.TrimSpace(req.CheckoutSession),
		BatchPurchaseID:         req.BatchPurchaseID,
		ItemPrice:               &listPrice,
		FeeMode:                 mode,
		GrossAmount:             gross,
		Status:                  domain.StatusPaymentPending,
		DistributionStatus:      domain.DistributionPending,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.repo.Insert(ctx, s.db, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Purchase, error) {
	p, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (s *Service) FindByPaymentRef(ctx context.Context, ref string) (*domain.Purchase, error) {
	p, err := s.repo.FindByPaymentRef(ctx, s.db, ref)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (s *Service) ListByBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]domain.Purchase, error) {
	if db == nil {
		db = s.db
	}
	return s.repo.ListByBatch(ctx, db, batchID)
}

func (s *Service) ListPayments(ctx context.Context, purchaseID snowflake.ID) ([]domain.CollaboratorPayment, error) {
	return s.repo.ListCollaboratorPayments(ctx, s.db, purchaseID)
}

func (s *Service) ConfirmPayment(ctx context.Context, req domain.ConfirmRequest) (*domain.Purchase, bool, error) {
	if req.PurchaseID == 0 {
		return nil, false, domain.ErrNotFound
	}
	fee, estimated := req.ProcessorFee, req.ProcessorFee != nil && req.FeeEstimated
	if fee == nil {
		fee = s.LookupProcessorFee(ctx, req.PaymentIntentID)
	}

	var (
		out     *domain.Purchase
		applied bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		waited := time.Now()
		p, err := s.repo.LockByID(ctx, tx, req.PurchaseID, req.NoWait)
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourcePurchaseByID, time.Since(waited))
		if err != nil {
			if db.IsLockNotAvailable(err) {
				return domain.ErrLocked
			}
			return err
		}
		if p == nil {
			return domain.ErrNotFound
		}
		out = p
		if p.Status != domain.StatusPaymentPending {
			return nil
		}

		if req.AmountTotal.IsPositive() {
			if !req.AmountTotal.Equal(p.GrossAmount) {
				s.log.Warn("charged amount differs from expected buyer total",
					zap.String("purchase_id", p.ID.String()),
					zap.String("expected", p.GrossAmount.String()),
					zap.String("charged", req.AmountTotal.String()),
				)
			}
			p.GrossAmount = req.AmountTotal
		}
		if fee == nil {
			estimate := s.fees.EstimateProcessorFee(p.GrossAmount)
			fee, estimated = &estimate, true
		}
		p.ProcessorFee = fee
		p.ProcessorFeeEstimated = estimated
		if req.PaymentIntentID != "" {
			p.StripePaymentIntentID = req.PaymentIntentID
		}
		if req.CheckoutSessionID != "" {
			p.StripeCheckoutSessionID = req.CheckoutSessionID
		}
		if email := strings.TrimSpace(req.BuyerEmail); email != "" {
			p.BuyerEmail = email
		}
		if err := s.apply(p, domain.StatusPaymentCompleted, ""); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, p); err != nil {
			return err
		}
		applied = true
		return s.auditTx(ctx, tx, p.ID, "purchase.payment_confirmed", map[string]any{
			"gross_amount":            p.GrossAmount.String(),
			"processor_fee":           fee.String(),
			"processor_fee_estimated": estimated,
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

// LookupProcessorFee asks the processor for the settled fee. A nil result
// means the estimate must be used.
func (s *Service) LookupProcessorFee(ctx context.Context, paymentIntentID string) *decimal.Decimal {
	if s.feeSource == nil || strings.TrimSpace(paymentIntentID) == "" {
		return nil
	}
	tries := s.cfg.Settlement.FeeLookupTries
	if tries <= 0 {
		tries = 1
	}
	fee, err := backoff.Retry(ctx, func() (decimal.Decimal, error) {
		fee, err := s.feeSource.ProcessorFee(ctx, paymentIntentID)
		if err == nil || errors.Is(err, stripe.ErrFeeUnavailable) {
			return fee, err
		}
		var apiErr *stripe.APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return fee, backoff.Permanent(err)
		}
		return fee, err
	},
		backoff.WithBackOff(s.feeBackoff()),
		backoff.WithMaxTries(uint(tries)),
	)
	if err != nil {
		s.log.Warn("processor fee unavailable, using estimate",
			zap.String("payment_intent_id", paymentIntentID),
			zap.Error(err),
		)
		return nil
	}
	return &fee
}

func (s *Service) Transition(ctx context.Context, tx *gorm.DB, id snowflake.ID, to domain.Status, reason string) (bool, error) {
	if !to.Valid() {
		return false, domain.ErrInvalidTransition
	}
	if tx == nil {
		var applied bool
		err := s.db.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
			var err error
			applied, err = s.transition(ctx, inner, id, to, reason)
			return err
		})
		return applied, err
	}
	return s.transition(ctx, tx, id, to, reason)
}

func (s *Service) transition(ctx context.Context, tx *gorm.DB, id snowflake.ID, to domain.Status, reason string) (bool, error) {
	p, err := s.repo.LockByID(ctx, tx, id, false)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, domain.ErrNotFound
	}
	if p.Status == to {
		return false, nil
	}
	from := p.Status
	if err := s.apply(p, to, reason); err != nil {
		return false, err
	}
	if err := s.repo.Update(ctx, tx, p); err != nil {
		return false, err
	}
	return true, s.auditTx(ctx, tx, p.ID, "purchase.status_changed", map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

// apply moves p to status to in memory. Every status write passes here.
func (s *Service) apply(p *domain.Purchase, to domain.Status, reason string) error {
	from := p.Status
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	now := s.clock.Now().UTC()
	p.Status = to
	p.UpdatedAt = now
	switch to {
	case domain.StatusFailed:
		p.FailureReason = truncate(reason, maxFailureReason)
	case domain.StatusCompleted:
		p.CompletedAt = &now
		p.NextRetryAt = nil
		p.FailureReason = ""
	case domain.StatusRefunded:
		p.NextRetryAt = nil
		if reason != "" {
			p.FailureReason = truncate(reason, maxFailureReason)
		}
	}
	obsmetrics.Scheduler().IncPurchaseTransition(string(from), string(to))
	return nil
}

func (s *Service) MarkRefunded(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string) (bool, error) {
	owned := tx == nil
	var (
		applied bool
		p       *domain.Purchase
	)
	run := func(tx *gorm.DB) error {
		locked, err := s.repo.LockByID(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if locked == nil {
			return domain.ErrNotFound
		}
		if locked.Status == domain.StatusRefunded {
			p = locked
			return nil
		}
		from := locked.Status
		if err := s.apply(locked, domain.StatusRefunded, reason); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		// only a completed purchase has proceeds booked against it
		if from == domain.StatusCompleted {
			if _, err := s.ledger.CreateEntry(ctx, tx,
				ledgerdomain.SourceTypePurchaseRefund,
				locked.ID,
				"USD",
				locked.UpdatedAt,
				[]ledgerdomain.Posting{
					{Account: ledgerdomain.AccountCodeRefunds, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: locked.GrossAmount},
					{Account: ledgerdomain.AccountCodeCashClearing, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: locked.GrossAmount},
				},
			); err != nil {
				return err
			}
		}
		p, applied = locked, true
		return s.auditTx(ctx, tx, locked.ID, "purchase.refunded", map[string]any{
			"from":   string(from),
			"reason": reason,
			"amount": locked.GrossAmount.String(),
		})
	}

	var err error
	if owned {
		err = s.db.WithContext(ctx).Transaction(run)
	} else {
		err = run(tx)
	}
	if err != nil {
		return false, err
	}
	if applied {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRefund(ctx, "purchase", "refunded")
		}
		if owned {
			s.notify(ctx, notificationdomain.Event{
				Kind:      notificationdomain.KindPurchaseRefunded,
				Recipient: p.BuyerEmail,
				Data: map[string]any{
					"purchase_id":   p.ID.String(),
					"refund_amount": p.GrossAmount.StringFixed(2),
					"reason":        reason,
				},
			})
		}
	}
	return applied, nil
}

func (s *Service) auditTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, action string, metadata map[string]any) error {
	if s.audit == nil {
		return nil
	}
	target := id.String()
	return s.audit.AuditLogTx(ctx, tx, auditdomain.ActorTypeSystem, nil, action, "purchase", &target, metadata)
}

func (s *Service) notify(ctx context.Context, event notificationdomain.Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.log.Warn("purchase notification failed",
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
