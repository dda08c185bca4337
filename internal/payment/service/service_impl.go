package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	batchdomain "github.com/smallbiznis/settlement/internal/batch/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	onrampdomain "github.com/smallbiznis/settlement/internal/onramp/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultLookupAttempts = 5
	refundReason          = "Refunded in Stripe"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Cfg        config.Config
	Repo       paymentdomain.Repository
	Purchases  purchasedomain.Service
	Batches    batchdomain.Service
	OnRamp     onrampdomain.Service
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	// LookupBackOff overrides the delay policy between record lookups.
	LookupBackOff func() backoff.BackOff `optional:"true"`
}

// Service records verified events once and dispatches them to the
// purchase, batch and onramp services.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	purchases  purchasedomain.Service
	batches    batchdomain.Service
	onramp     onrampdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	bridgeEnabled  bool
	lookupAttempts int
	lookupBackOff  func() backoff.BackOff
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	attempts := p.Cfg.Webhook.LookupAttempts
	if attempts <= 0 {
		attempts = defaultLookupAttempts
	}
	lookup := p.LookupBackOff
	if lookup == nil {
		lookup = defaultLookupBackOff
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("payment.service"),
		genID:          p.GenID,
		repo:           p.Repo,
		purchases:      p.Purchases,
		batches:        p.Batches,
		onramp:         p.OnRamp,
		clock:          clk,
		obsMetrics:     p.ObsMetrics,
		bridgeEnabled:  p.Cfg.Bridge.Enabled,
		lookupAttempts: attempts,
		lookupBackOff:  lookup,
	}
}

func defaultLookupBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// ProcessEvent records event and dispatches it unless an earlier delivery
// already finished. Redeliveries of finished events return
// ErrEventAlreadyProcessed.
func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.Event) error {
	if err := validateEvent(event); err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	received := paymentdomain.EventRecord{
		ID:         s.genID.Generate(),
		Provider:   event.Provider,
		EventID:    event.EventID,
		EventType:  event.Type,
		Status:     paymentdomain.EventStatusReceived,
		Payload:    datatypes.JSON(event.RawPayload),
		ReceivedAt: now,
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.Provider, event.EventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.Status.Done() {
			s.record(ctx, event, "duplicate")
			return paymentdomain.ErrEventAlreadyProcessed
		}
	}

	log := obslogger.WithEvent(obslogger.WithContext(ctx, s.log), event.Provider, event.EventID, event.Type)
	status, dispatchErr := s.dispatch(ctx, log, event)
	errText := ""
	if dispatchErr != nil {
		status = paymentdomain.EventStatusFailed
		errText = dispatchErr.Error()
	}
	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, status, errText, s.clock.Now().UTC()); err != nil {
		return errors.Join(dispatchErr, err)
	}
	s.record(ctx, event, string(status))
	return dispatchErr
}

func validateEvent(event *paymentdomain.Event) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	event.EventID = strings.TrimSpace(event.EventID)
	if event.EventID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	switch event.Kind {
	case paymentdomain.EventKindPaymentSucceeded, paymentdomain.EventKindRefunded:
		if event.PurchaseID == nil && event.BatchID == nil && len(event.PaymentRefs()) == 0 {
			return paymentdomain.ErrInvalidEvent
		}
	case paymentdomain.EventKindTransfer:
		if event.Transfer == nil || event.Transfer.TransferID == "" {
			return paymentdomain.ErrInvalidEvent
		}
	default:
		return paymentdomain.ErrInvalidEvent
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, log *zap.Logger, event *paymentdomain.Event) (paymentdomain.EventStatus, error) {
	switch event.Kind {
	case paymentdomain.EventKindPaymentSucceeded:
		return s.confirmPayment(ctx, log, event)
	case paymentdomain.EventKindRefunded:
		return s.refund(ctx, log, event)
	case paymentdomain.EventKindTransfer:
		return s.transfer(ctx, log, event)
	}
	return paymentdomain.EventStatusFailed, paymentdomain.ErrInvalidEvent
}

// target is the record a payment event belongs to. Exactly one field is set.
type target struct {
	purchase *purchasedomain.Purchase
	batch    *batchdomain.BatchPurchase
}

// resolve finds the record behind a payment event, retrying while the
// checkout write may not be visible yet.
func (s *Service) resolve(ctx context.Context, log *zap.Logger, event *paymentdomain.Event) (target, error) {
	t, err := backoff.Retry(ctx, func() (target, error) {
		t, err := s.lookup(ctx, event)
		if err != nil && !errors.Is(err, paymentdomain.ErrRecordNotFound) {
			return t, backoff.Permanent(err)
		}
		return t, err
	},
		backoff.WithBackOff(s.lookupBackOff()),
		backoff.WithMaxTries(uint(s.lookupAttempts)),
	)
	if errors.Is(err, paymentdomain.ErrRecordNotFound) {
		log.Error("orphaned webhook event",
			zap.Strings("payment_refs", event.PaymentRefs()),
			zap.Int("attempts", s.lookupAttempts),
		)
	}
	return t, err
}

// lookup prefers batches: batch items share the batch payment intent, so a
// reference match on an item is redirected to its batch.
func (s *Service) lookup(ctx context.Context, event *paymentdomain.Event) (target, error) {
	if event.BatchID != nil {
		b, err := s.batches.Get(ctx, *event.BatchID)
		if err == nil {
			return target{batch: b}, nil
		}
		if !errors.Is(err, batchdomain.ErrNotFound) {
			return target{}, err
		}
	}
	if event.PurchaseID != nil {
		p, err := s.purchases.Get(ctx, *event.PurchaseID)
		if err == nil {
			return s.owner(ctx, p)
		}
		if !errors.Is(err, purchasedomain.ErrNotFound) {
			return target{}, err
		}
	}
	for _, ref := range event.PaymentRefs() {
		b, err := s.batches.FindByPaymentRef(ctx, ref)
		if err == nil {
			return target{batch: b}, nil
		}
		if !errors.Is(err, batchdomain.ErrNotFound) {
			return target{}, err
		}
		p, err := s.purchases.FindByPaymentRef(ctx, ref)
		if err == nil {
			return s.owner(ctx, p)
		}
		if !errors.Is(err, purchasedomain.ErrNotFound) {
			return target{}, err
		}
	}
	return target{}, paymentdomain.ErrRecordNotFound
}

func (s *Service) owner(ctx context.Context, p *purchasedomain.Purchase) (target, error) {
	if p.BatchPurchaseID == nil {
		return target{purchase: p}, nil
	}
	b, err := s.batches.Get(ctx, *p.BatchPurchaseID)
	if err != nil {
		return target{}, err
	}
	return target{batch: b}, nil
}

func (s *Service) confirmPayment(ctx context.Context, log *zap.Logger, event *paymentdomain.Event) (paymentdomain.EventStatus, error) {
	t, err := s.resolve(ctx, log, event)
	if err != nil {
		return paymentdomain.EventStatusFailed, err
	}

	if t.batch != nil {
		b, applied, err := s.batches.ConfirmPayment(ctx, batchdomain.ConfirmRequest{
			BatchID:           t.batch.ID,
			PaymentIntentID:   event.PaymentIntentID,
			CheckoutSessionID: event.CheckoutSessionID,
			AmountTotal:       event.Amount,
			BuyerEmail:        event.BuyerEmail,
			NoWait:            true,
		})
		if errors.Is(err, batchdomain.ErrLocked) {
			log.Info("batch locked by another worker, event skipped", zap.String("batch_id", t.batch.ID.String()))
			return paymentdomain.EventStatusSkipped, nil
		}
		if err != nil {
			return paymentdomain.EventStatusFailed, err
		}
		log.Info("batch payment confirmed", zap.String("batch_id", b.ID.String()), zap.Bool("applied", applied))
		if b.Status != batchdomain.StatusPaymentCompleted {
			return paymentdomain.EventStatusProcessed, nil
		}
		if s.bridgeEnabled {
			_, err = s.onramp.Initiate(ctx, onrampdomain.Target{BatchID: &b.ID})
		} else {
			err = s.batches.ScheduleProcessing(ctx, b.ID)
		}
		return s.followed(err)
	}

	p, applied, err := s.purchases.ConfirmPayment(ctx, purchasedomain.ConfirmRequest{
		PurchaseID:        t.purchase.ID,
		PaymentIntentID:   event.PaymentIntentID,
		CheckoutSessionID: event.CheckoutSessionID,
		AmountTotal:       event.Amount,
		BuyerEmail:        event.BuyerEmail,
		NoWait:            true,
	})
	if errors.Is(err, purchasedomain.ErrLocked) {
		log.Info("purchase locked by another worker, event skipped", zap.String("purchase_id", t.purchase.ID.String()))
		return paymentdomain.EventStatusSkipped, nil
	}
	if err != nil {
		return paymentdomain.EventStatusFailed, err
	}
	log.Info("purchase payment confirmed", zap.String("purchase_id", p.ID.String()), zap.Bool("applied", applied))
	if p.Status != purchasedomain.StatusPaymentCompleted {
		return paymentdomain.EventStatusProcessed, nil
	}
	if s.bridgeEnabled {
		_, err = s.onramp.Initiate(ctx, onrampdomain.Target{PurchaseID: &p.ID})
	} else {
		err = s.purchases.ScheduleSettlement(ctx, p.ID)
	}
	return s.followed(err)
}

// followed maps the result of the step after confirmation. A lost lock
// means the settlement is already running.
func (s *Service) followed(err error) (paymentdomain.EventStatus, error) {
	switch {
	case err == nil,
		errors.Is(err, purchasedomain.ErrLocked),
		errors.Is(err, purchasedomain.ErrInProgress),
		errors.Is(err, batchdomain.ErrLocked),
		errors.Is(err, batchdomain.ErrItemsInProgress):
		return paymentdomain.EventStatusProcessed, nil
	}
	return paymentdomain.EventStatusFailed, err
}

func (s *Service) refund(ctx context.Context, log *zap.Logger, event *paymentdomain.Event) (paymentdomain.EventStatus, error) {
	if !event.FullRefund {
		// partial refunds are issued by the batch coordinator itself
		log.Info("partial refund recorded", zap.String("amount", event.Amount.StringFixed(2)))
		return paymentdomain.EventStatusProcessed, nil
	}
	t, err := s.resolve(ctx, log, event)
	if err != nil {
		return paymentdomain.EventStatusFailed, err
	}

	if t.batch != nil {
		_, err = s.batches.MarkRefunded(ctx, t.batch.ID, refundReason)
	} else {
		_, err = s.purchases.MarkRefunded(ctx, nil, t.purchase.ID, refundReason)
	}
	if errors.Is(err, purchasedomain.ErrInvalidTransition) || errors.Is(err, batchdomain.ErrInvalidTransition) {
		log.Warn("refund does not apply to current status", zap.Error(err))
		return paymentdomain.EventStatusProcessed, nil
	}
	if err != nil {
		return paymentdomain.EventStatusFailed, err
	}
	return paymentdomain.EventStatusProcessed, nil
}

func (s *Service) transfer(ctx context.Context, log *zap.Logger, event *paymentdomain.Event) (paymentdomain.EventStatus, error) {
	applied, err := backoff.Retry(ctx, func() (bool, error) {
		applied, err := s.onramp.HandleTransferEvent(ctx, *event.Transfer)
		if err != nil && !errors.Is(err, onrampdomain.ErrTransferNotFound) {
			return applied, backoff.Permanent(err)
		}
		return applied, err
	},
		backoff.WithBackOff(s.lookupBackOff()),
		backoff.WithMaxTries(uint(s.lookupAttempts)),
	)
	switch {
	case errors.Is(err, onrampdomain.ErrLocked):
		log.Info("transfer locked by another worker, event skipped")
		return paymentdomain.EventStatusSkipped, nil
	case errors.Is(err, onrampdomain.ErrUnknownState):
		log.Info("transfer state not tracked", zap.String("state", string(event.Transfer.State)))
		return paymentdomain.EventStatusProcessed, nil
	case errors.Is(err, onrampdomain.ErrTransferNotFound):
		log.Error("orphaned webhook event", zap.String("transfer_id", event.Transfer.TransferID))
		return paymentdomain.EventStatusFailed, fmt.Errorf("%w: transfer %s", paymentdomain.ErrRecordNotFound, event.Transfer.TransferID)
	case err != nil:
		return paymentdomain.EventStatusFailed, err
	}
	log.Info("transfer event handled",
		zap.String("transfer_id", event.Transfer.TransferID),
		zap.String("state", string(event.Transfer.State)),
		zap.Bool("applied", applied),
	)
	return paymentdomain.EventStatusProcessed, nil
}

func (s *Service) record(ctx context.Context, event *paymentdomain.Event, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, event.Type, outcome)
}
