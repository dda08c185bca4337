package settlementtest

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	auditrepository "github.com/smallbiznis/settlement/internal/audit/repository"
	auditservice "github.com/smallbiznis/settlement/internal/audit/service"
	batchdomain "github.com/smallbiznis/settlement/internal/batch/domain"
	batchrepository "github.com/smallbiznis/settlement/internal/batch/repository"
	batchservice "github.com/smallbiznis/settlement/internal/batch/service"
	catalogdomain "github.com/smallbiznis/settlement/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/settlement/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/settlement/internal/catalog/service"
	"github.com/smallbiznis/settlement/internal/chain/chaintest"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	feeservice "github.com/smallbiznis/settlement/internal/fee/service"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/settlement/internal/ledger/service"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	onrampdomain "github.com/smallbiznis/settlement/internal/onramp/domain"
	onramprepository "github.com/smallbiznis/settlement/internal/onramp/repository"
	onrampservice "github.com/smallbiznis/settlement/internal/onramp/service"
	"github.com/smallbiznis/settlement/internal/payment"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	paymentrepository "github.com/smallbiznis/settlement/internal/payment/repository"
	paymentservice "github.com/smallbiznis/settlement/internal/payment/service"
	"github.com/smallbiznis/settlement/internal/payment/webhook"
	"github.com/smallbiznis/settlement/internal/providers/bridge/bridgetest"
	"github.com/smallbiznis/settlement/internal/providers/stripe/stripetest"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	purchaserepository "github.com/smallbiznis/settlement/internal/purchase/repository"
	purchaseservice "github.com/smallbiznis/settlement/internal/purchase/service"
	splitservice "github.com/smallbiznis/settlement/internal/split/service"
	"github.com/smallbiznis/settlement/internal/tasks"
	tierdomain "github.com/smallbiznis/settlement/internal/tier/domain"
	tierrepository "github.com/smallbiznis/settlement/internal/tier/repository"
	tierservice "github.com/smallbiznis/settlement/internal/tier/service"
	treasurydomain "github.com/smallbiznis/settlement/internal/treasury/domain"
	treasuryrepository "github.com/smallbiznis/settlement/internal/treasury/repository"
	treasuryservice "github.com/smallbiznis/settlement/internal/treasury/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Epoch is the fake clock start used by every stack.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Stack wires the purchase, batch and onramp services over sqlite with in-memory chain and
// Stripe collaborators and a synchronous task runner.
type Stack struct {
	DB       *gorm.DB
	Node     *snowflake.Node
	Log      *zap.Logger
	Clock    *clock.FakeClock
	Cfg      config.Config
	Settler  *chaintest.FakeSettler
	Stripe   *stripetest.FakeClient
	Bridge   *bridgetest.FakeTransfers
	Notifier notificationdomain.Notifier
	Runner   tasks.Runner

	Fees      *feeservice.Calculator
	Audit     auditdomain.Service
	Ledger    ledgerdomain.Service
	Catalog   catalogdomain.Service
	Tier      tierdomain.Service
	Purchases purchasedomain.Service
	Batches   batchdomain.Service
	OnRamp    onrampdomain.Service
	Payments  *paymentservice.Service
	Webhooks  paymentdomain.Service
	Treasury  treasurydomain.Service
}

const (
	// PlatformWallet receives on-ramped USDC in tests.
	PlatformWallet = "PlatformWallet11111111111111111111111111111"
	// StripeSecret signs Stripe webhook deliveries in tests.
	StripeSecret = "whsec_test"
)

// DefaultConfig carries the settlement defaults with immediate retries
// disabled.
func DefaultConfig() config.Config {
	return config.Config{
		TaskRunner:         config.TaskRunnerInline,
		PlatformUSDCWallet: PlatformWallet,
		Stripe:             config.StripeConfig{Enabled: true, WebhookSecret: StripeSecret},
		Solana:             config.SolanaConfig{Timeout: 5 * time.Second},
		Settlement: config.SettlementConfig{
			MaxRetries:      3,
			RetryBaseDelay:  time.Minute,
			FeeLookupTries:  1,
			TreasuryMinimum: USD("1000"),
			RunwayWarnDays:  USD("7"),
		},
		Webhook: config.WebhookConfig{LookupAttempts: 1},
	}
}

// NewStack builds a stack. notifier may be nil for a RecordingNotifier.
func NewStack(t testing.TB, cfg config.Config, notifier notificationdomain.Notifier) *Stack {
	t.Helper()
	db := OpenDB(t)
	node := NewNode(t)
	log := zap.NewNop()
	if notifier == nil {
		notifier = &RecordingNotifier{}
	}
	st := &Stack{
		DB:       db,
		Node:     node,
		Log:      log,
		Clock:    clock.NewFakeClock(Epoch),
		Cfg:      cfg,
		Settler:  chaintest.NewFakeSettler(),
		Stripe:   stripetest.NewFakeClient(),
		Bridge:   bridgetest.NewFakeTransfers(),
		Notifier: notifier,
		Runner:   tasks.NewInlineRunner(log),
	}
	holder := config.NewStaticFeeTableHolder(config.DefaultFeeTable())
	st.Fees = feeservice.NewCalculator(feeservice.Params{Fees: holder})
	st.Audit = auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Repo: auditrepository.Provide(),
	})
	st.Ledger = ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	st.Catalog = catalogservice.NewService(catalogservice.Params{Log: log, Repo: catalogrepository.Provide()})
	st.Tier = tierservice.NewService(tierservice.Params{
		DB: db, Log: log, GenID: node, Repo: tierrepository.Provide(), Fees: holder, Clock: st.Clock,
	})
	st.Purchases = purchaseservice.NewService(purchaseservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Cfg:       cfg,
		Repo:      purchaserepository.Provide(),
		Fees:      st.Fees,
		Catalog:   st.Catalog,
		Tier:      st.Tier,
		Splitter:  splitservice.NewSplitter(),
		Settler:   st.Settler,
		FeeSource: st.Stripe,
		Ledger:    st.Ledger,
		Audit:     st.Audit,
		Notifier:  notifier,
		Runner:    st.Runner,
		Clock:     st.Clock,
	})
	st.Batches = batchservice.NewService(batchservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Repo:      batchrepository.Provide(),
		Purchases: st.Purchases,
		Fees:      st.Fees,
		Refunder:  st.Stripe,
		Ledger:    st.Ledger,
		Audit:     st.Audit,
		Runner:    st.Runner,
		Notifier:  notifier,
		Clock:     st.Clock,
	})
	st.OnRamp = onrampservice.NewService(onrampservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Cfg:       cfg,
		Repo:      onramprepository.Provide(),
		Transfers: st.Bridge,
		Refunder:  st.Stripe,
		Purchases: st.Purchases,
		Batches:   st.Batches,
		Audit:     st.Audit,
		Notifier:  notifier,
		Clock:     st.Clock,
	})
	st.Payments = paymentservice.NewService(paymentservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Cfg:       cfg,
		Repo:      paymentrepository.Provide(),
		Purchases: st.Purchases,
		Batches:   st.Batches,
		OnRamp:    st.OnRamp,
		Clock:     st.Clock,
		LookupBackOff: func() backoff.BackOff {
			return &backoff.ZeroBackOff{}
		},
	})
	registry, err := payment.NewRegistry(cfg, st.Clock)
	if err != nil {
		t.Fatalf("payment adapters: %v", err)
	}
	st.Webhooks = webhook.NewService(webhook.Params{Log: log, PaymentSvc: st.Payments, Adapters: registry})
	st.Treasury = treasuryservice.NewService(treasuryservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Cfg:      cfg,
		Repo:     treasuryrepository.Provide(),
		Settler:  st.Settler,
		Audit:    st.Audit,
		Notifier: notifier,
		Clock:    st.Clock,
	})
	return st
}

// SoloContent seeds a creator with a wallet and a content item they own
// outright, returning the content and creator ids.
func (st *Stack) SoloContent(t testing.TB, price string, editions int) (snowflake.ID, snowflake.ID) {
	t.Helper()
	creator := st.Node.Generate()
	content := st.Node.Generate()
	SeedCreator(t, st.DB, creator, "solo", "CreatorWallet1111111111111111111111111111")
	SeedContent(t, st.DB, content, creator, 0, price, editions)
	return content, creator
}

// PaidPurchase creates a purchase for contentID and confirms its payment
// with the given processor fee.
func (st *Stack) PaidPurchase(t testing.TB, contentID snowflake.ID, price, fee string) *purchasedomain.Purchase {
	t.Helper()
	return st.PaidPurchaseInBatch(t, contentID, price, fee, nil)
}

func (st *Stack) PaidPurchaseInBatch(t testing.TB, contentID snowflake.ID, price, fee string, batchID *snowflake.ID) *purchasedomain.Purchase {
	t.Helper()
	ctx := t.Context()
	p, err := st.Purchases.Create(ctx, purchasedomain.CreateRequest{
		BuyerID:         st.Node.Generate(),
		BuyerWallet:     "BuyerWallet11111111111111111111111111111111",
		BuyerEmail:      "buyer@example.com",
		ContentID:       &contentID,
		ListPrice:       USD(price),
		FeeMode:         purchasedomain.FeeModePassThrough,
		BatchPurchaseID: batchID,
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	processorFee := USD(fee)
	confirmed, _, err := st.Purchases.ConfirmPayment(ctx, purchasedomain.ConfirmRequest{
		PurchaseID:      p.ID,
		PaymentIntentID: "pi_" + p.ID.String(),
		ProcessorFee:    &processorFee,
	})
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	return confirmed
}
