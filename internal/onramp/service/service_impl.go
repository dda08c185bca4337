package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	batchdomain "github.com/smallbiznis/settlement/internal/batch/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/onramp/domain"
	"github.com/smallbiznis/settlement/internal/providers/bridge"
	"github.com/smallbiznis/settlement/internal/providers/stripe"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	warnAfter = time.Hour
	pollAfter = 2 * time.Hour
	failAfter = 4 * time.Hour

	staleScanLimit = 200
	timeoutReason  = "Transfer timed out (>4 hours)"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Cfg       config.Config
	Repo      domain.Repository
	Transfers bridge.Transfers
	Refunder  stripe.Refunder
	Purchases purchasedomain.Service
	Batches   batchdomain.Service
	Audit     auditdomain.Service
	Notifier  notificationdomain.Notifier `optional:"true"`

	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	wallet     string
	repo       domain.Repository
	transfers  bridge.Transfers
	refunder   stripe.Refunder
	purchases  purchasedomain.Service
	batches    batchdomain.Service
	audit      auditdomain.Service
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
		log:        p.Log.Named("onramp.service"),
		genID:      p.GenID,
		wallet:     strings.TrimSpace(p.Cfg.PlatformUSDCWallet),
		repo:       p.Repo,
		transfers:  p.Transfers,
		refunder:   p.Refunder,
		purchases:  p.Purchases,
		batches:    p.Batches,
		audit:      p.Audit,
		notifier:   notifier,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// funding is what the transfer has to convert for a target.
type funding struct {
	amount     decimal.Decimal
	externalID string
}

func (s *Service) fundingFor(ctx context.Context, target domain.Target) (funding, error) {
	if target.PurchaseID != nil {
		p, err := s.purchases.Get(ctx, *target.PurchaseID)
		if err != nil {
			return funding{}, err
		}
		if p.Status != purchasedomain.StatusPaymentCompleted {
			return funding{}, fmt.Errorf("%w: purchase %s is %s", domain.ErrNotPayable, p.ID, p.Status)
		}
		return funding{
			amount:     p.GrossAmount,
			externalID: "purchase_" + p.ID.String(),
		}, nil
	}
	b, err := s.batches.Get(ctx, *target.BatchID)
	if err != nil {
		return funding{}, err
	}
	if b.Status != batchdomain.StatusPaymentCompleted {
		return funding{}, fmt.Errorf("%w: batch %s is %s", domain.ErrNotPayable, b.ID, b.Status)
	}
	return funding{
		amount:     b.TotalCharged,
		externalID: "batch_" + b.ID.String(),
	}, nil
}

// Initiate opens a Bridge transfer that converts the card proceeds into USDC
// on the platform wallet. Calling it again for the same target returns the
// existing transfer.
func (s *Service) Initiate(ctx context.Context, target domain.Target) (*domain.Transfer, error) {
	if !target.Valid() {
		return nil, domain.ErrInvalidTarget
	}
	if s.wallet == "" {
		return nil, config.ErrMissingPlatformWallet
	}
	existing, err := s.repo.FindByTarget(ctx, s.db, target)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	fund, err := s.fundingFor(ctx, target)
	if err != nil {
		return nil, err
	}

	remote, err := s.transfers.CreateTransfer(ctx, bridge.TransferRequest{
		Amount:             fund.amount,
		DestinationAddress: s.wallet,
		ExternalID:         fund.externalID,
		IdempotencyKey:     "onramp-" + fund.externalID,
	})
	if err != nil {
		return nil, fmt.Errorf("create bridge transfer for %s: %w", fund.externalID, err)
	}

	now := s.clock.Now().UTC()
	t := &domain.Transfer{
		ID:                  s.genID.Generate(),
		PurchaseID:          target.PurchaseID,
		BatchPurchaseID:     target.BatchID,
		BridgeTransferID:    remote.ID,
		Status:              domain.StatusPending,
		AmountUSD:           fund.amount,
		DestinationWallet:   s.wallet,
		DepositInstructions: datatypes.JSON(remote.DepositInstructions),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if status, ok := domain.StatusFromState(remote.State); ok && status.Open() {
		t.Status = status
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, t); err != nil {
			return err
		}
		if err := s.moveTarget(ctx, tx, t, purchasedomain.StatusBridgePending, batchdomain.StatusBridgePending, "onramp initiated"); err != nil {
			return err
		}
		return s.auditTx(ctx, tx, t, "onramp.initiated", map[string]any{
			"bridge_transfer_id": t.BridgeTransferID,
			"amount_usd":         t.AmountUSD.String(),
			"external_id":        fund.externalID,
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("onramp initiated",
		zap.String("bridge_transfer_id", t.BridgeTransferID),
		zap.String("external_id", fund.externalID),
		zap.String("amount_usd", t.AmountUSD.StringFixed(2)),
	)
	return t, nil
}

func (s *Service) Get(ctx context.Context, bridgeTransferID string) (*domain.Transfer, error) {
	t, err := s.repo.FindByBridgeID(ctx, s.db, bridgeTransferID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.ErrTransferNotFound
	}
	return t, nil
}

// after is the follow-up a committed transfer change needs.
type after int

const (
	afterNothing after = iota
	afterSettle
	afterRefund
)

// HandleTransferEvent applies a Bridge state change. Replayed and
// out-of-order events are absorbed without error and report false.
func (s *Service) HandleTransferEvent(ctx context.Context, event domain.TransferEvent) (bool, error) {
	next, ok := domain.StatusFromState(event.State)
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownState, event.State)
	}
	var (
		t       *domain.Transfer
		applied bool
		then    = afterNothing
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		waited := time.Now()
		locked, err := s.repo.LockByBridgeID(ctx, tx, event.TransferID, true)
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceOnRampByTransfer, time.Since(waited))
		if err != nil {
			if db.IsLockNotAvailable(err) {
				return domain.ErrLocked
			}
			return err
		}
		if locked == nil {
			return domain.ErrTransferNotFound
		}
		t = locked
		applied, then, err = s.apply(ctx, tx, locked, next, event)
		return err
	})
	if err != nil {
		return false, err
	}
	s.follow(ctx, t, then)
	return applied, nil
}

// apply moves a locked transfer and its target. Terminal transfers ignore
// every later event.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, t *domain.Transfer, next domain.Status, event domain.TransferEvent) (bool, after, error) {
	if !t.Status.Open() {
		s.log.Info("transfer already settled, event ignored",
			zap.String("bridge_transfer_id", t.BridgeTransferID),
			zap.String("status", string(t.Status)),
			zap.String("event_state", string(event.State)),
		)
		return false, afterNothing, nil
	}
	if next.Open() && !t.Status.Advances(next) {
		return false, afterNothing, nil
	}

	now := s.clock.Now().UTC()
	from := t.Status
	t.Status = next
	t.UpdatedAt = now
	then := afterNothing

	switch next {
	case domain.StatusConverting:
		if err := s.moveTarget(ctx, tx, t, purchasedomain.StatusBridgeConverting, "", "bridge converting"); err != nil {
			return false, afterNothing, err
		}
	case domain.StatusCompleted:
		t.CompletedAt = &now
		if event.DestinationAmount != nil {
			t.AmountUSDC = event.DestinationAmount
		}
		if event.Fee != nil {
			t.BridgeFee = event.Fee
		}
		if event.TxHash != "" {
			t.TxHash = event.TxHash
		}
		if err := s.moveTarget(ctx, tx, t, purchasedomain.StatusUSDCReceived, batchdomain.StatusUSDCReceived, "usdc received"); err != nil {
			return false, afterNothing, err
		}
		then = afterSettle
	case domain.StatusFailed, domain.StatusRefunded:
		reason := strings.TrimSpace(event.Reason)
		if reason == "" {
			reason = "Bridge transfer " + string(event.State)
		}
		t.FailureReason = reason
		if err := s.moveTarget(ctx, tx, t, purchasedomain.StatusFailed, batchdomain.StatusFailed, reason); err != nil {
			return false, afterNothing, err
		}
		then = afterRefund
	}

	if err := s.repo.Update(ctx, tx, t); err != nil {
		return false, afterNothing, err
	}
	return true, then, s.auditTx(ctx, tx, t, "onramp.status_changed", map[string]any{
		"from":   string(from),
		"to":     string(next),
		"reason": t.FailureReason,
	})
}

// moveTarget transitions the purchase or batch behind t. An empty batch
// status leaves batches alone.
func (s *Service) moveTarget(ctx context.Context, tx *gorm.DB, t *domain.Transfer, purchaseStatus purchasedomain.Status, batchStatus batchdomain.Status, reason string) error {
	var err error
	if t.PurchaseID != nil {
		_, err = s.purchases.Transition(ctx, tx, *t.PurchaseID, purchaseStatus, reason)
	} else if t.BatchPurchaseID != nil && batchStatus != "" {
		_, err = s.batches.Transition(ctx, tx, *t.BatchPurchaseID, batchStatus)
	}
	// the target moved on without us, e.g. refunded from the dashboard
	if errors.Is(err, purchasedomain.ErrInvalidTransition) || errors.Is(err, batchdomain.ErrInvalidTransition) {
		s.log.Warn("onramp target not moved",
			zap.String("bridge_transfer_id", t.BridgeTransferID),
			zap.Error(err),
		)
		return nil
	}
	return err
}

// follow runs the work a committed change requires. Errors are logged; the
// sweeps pick up whatever is left behind.
func (s *Service) follow(ctx context.Context, t *domain.Transfer, then after) {
	switch then {
	case afterSettle:
		var err error
		if t.PurchaseID != nil {
			err = s.purchases.ScheduleSettlement(ctx, *t.PurchaseID)
		} else if t.BatchPurchaseID != nil {
			err = s.batches.ScheduleProcessing(ctx, *t.BatchPurchaseID)
		}
		if err != nil {
			s.log.Warn("settlement not scheduled after onramp",
				zap.String("bridge_transfer_id", t.BridgeTransferID),
				zap.Error(err),
			)
		}
	case afterRefund:
		if _, err := s.refund(ctx, t); err != nil {
			s.log.Error("onramp refund failed",
				zap.String("bridge_transfer_id", t.BridgeTransferID),
				zap.Error(err),
			)
			s.notify(ctx, notificationdomain.Event{
				Kind:  notificationdomain.KindOnRampStale,
				Alert: fmt.Sprintf("manual refund needed for bridge transfer %s: %v", t.BridgeTransferID, err),
			})
		}
	}
}

// refund returns the card charge behind a failed transfer and marks the
// target refunded.
func (s *Service) refund(ctx context.Context, t *domain.Transfer) (bool, error) {
	req := stripe.RefundRequest{
		Amount:         t.AmountUSD,
		Reason:         "requested_by_customer",
		IdempotencyKey: "onramp-refund-" + t.ID.String(),
		Metadata: map[string]string{
			"bridge_transfer_id": t.BridgeTransferID,
			"reason":             t.FailureReason,
		},
	}
	if t.PurchaseID != nil {
		p, err := s.purchases.Get(ctx, *t.PurchaseID)
		if err != nil {
			return false, err
		}
		if p.Status == purchasedomain.StatusRefunded {
			return false, nil
		}
		req.PaymentIntentID = p.StripePaymentIntentID
		req.Metadata["purchase_id"] = p.ID.String()
	} else if t.BatchPurchaseID != nil {
		b, err := s.batches.Get(ctx, *t.BatchPurchaseID)
		if err != nil {
			return false, err
		}
		if b.Status == batchdomain.StatusRefunded {
			return false, nil
		}
		req.PaymentIntentID = b.StripePaymentIntentID
		req.Metadata["batch_purchase_id"] = b.ID.String()
	}
	if req.PaymentIntentID == "" {
		return false, errors.New("no payment intent recorded")
	}

	refund, err := s.refunder.Refund(ctx, req)
	if err != nil {
		s.recordRefund(ctx, "failed")
		return false, err
	}
	s.recordRefund(ctx, "refunded")
	s.log.Info("onramp charge refunded",
		zap.String("bridge_transfer_id", t.BridgeTransferID),
		zap.String("refund_id", refund.ID),
	)
	if t.PurchaseID != nil {
		return s.purchases.MarkRefunded(ctx, nil, *t.PurchaseID, t.FailureReason)
	}
	return s.batches.MarkRefunded(ctx, *t.BatchPurchaseID, t.FailureReason)
}

func (s *Service) auditTx(ctx context.Context, tx *gorm.DB, t *domain.Transfer, action string, metadata map[string]any) error {
	if s.audit == nil {
		return nil
	}
	target := t.ID.String()
	return s.audit.AuditLogTx(ctx, tx, auditdomain.ActorTypeSystem, nil, action, "onramp_transfer", &target, metadata)
}

func (s *Service) notify(ctx context.Context, event notificationdomain.Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.log.Warn("onramp notification failed", zap.String("kind", string(event.Kind)), zap.Error(err))
	}
}

func (s *Service) recordRefund(ctx context.Context, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRefund(ctx, "onramp", outcome)
	}
}
