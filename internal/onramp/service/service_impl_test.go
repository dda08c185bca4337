package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	batchdomain "github.com/smallbiznis/settlement/internal/batch/domain"
	"github.com/smallbiznis/settlement/internal/config"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/onramp/domain"
	"github.com/smallbiznis/settlement/internal/providers/bridge"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	"github.com/smallbiznis/settlement/internal/settlementtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func initiated(t *testing.T, st *settlementtest.Stack) (*purchasedomain.Purchase, *domain.Transfer) {
	t.Helper()
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	transfer, err := st.OnRamp.Initiate(context.Background(), domain.Target{PurchaseID: &p.ID})
	require.NoError(t, err)
	return p, transfer
}

func purchaseStatus(t *testing.T, st *settlementtest.Stack, p *purchasedomain.Purchase) purchasedomain.Status {
	t.Helper()
	got, err := st.Purchases.Get(context.Background(), p.ID)
	require.NoError(t, err)
	return got.Status
}

func TestInitiateCreatesTransferAndMovesPurchase(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	p, transfer := initiated(t, st)

	calls := st.Bridge.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Amount.Equal(p.GrossAmount))
	assert.Equal(t, settlementtest.PlatformWallet, calls[0].DestinationAddress)
	assert.Equal(t, "purchase_"+p.ID.String(), calls[0].ExternalID)
	assert.Equal(t, "onramp-purchase_"+p.ID.String(), calls[0].IdempotencyKey)

	assert.Equal(t, "tr_1", transfer.BridgeTransferID)
	assert.Equal(t, domain.StatusAwaitingFunds, transfer.Status)
	assert.Equal(t, purchasedomain.StatusBridgePending, purchaseStatus(t, st, p))

	again, err := st.OnRamp.Initiate(context.Background(), domain.Target{PurchaseID: &p.ID})
	require.NoError(t, err)
	assert.Equal(t, transfer.ID, again.ID)
	assert.Len(t, st.Bridge.Calls(), 1)
}

func TestInitiateValidatesTargetAndWallet(t *testing.T) {
	cfg := settlementtest.DefaultConfig()
	cfg.PlatformUSDCWallet = ""
	st := settlementtest.NewStack(t, cfg, nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")

	_, err := st.OnRamp.Initiate(context.Background(), domain.Target{})
	require.ErrorIs(t, err, domain.ErrInvalidTarget)

	_, err = st.OnRamp.Initiate(context.Background(), domain.Target{PurchaseID: &p.ID})
	require.ErrorIs(t, err, config.ErrMissingPlatformWallet)
	assert.Empty(t, st.Bridge.Calls())
}

func TestCompletedTransferSettlesPurchase(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	p, transfer := initiated(t, st)
	ctx := context.Background()

	applied, err := st.OnRamp.HandleTransferEvent(ctx, domain.TransferEvent{
		TransferID: transfer.BridgeTransferID,
		State:      bridge.StateInReview,
	})
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, purchasedomain.StatusBridgeConverting, purchaseStatus(t, st, p))

	completed := domain.TransferEvent{
		TransferID:        transfer.BridgeTransferID,
		State:             bridge.StateCompleted,
		DestinationAmount: usd("5.40"),
		Fee:               usd("0.05"),
		TxHash:            "solana_tx_1",
	}
	applied, err = st.OnRamp.HandleTransferEvent(ctx, completed)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := st.OnRamp.Get(ctx, transfer.BridgeTransferID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.AmountUSDC)
	assert.True(t, got.AmountUSDC.Equal(*usd("5.40")))
	assert.Equal(t, "solana_tx_1", got.TxHash)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, purchasedomain.StatusCompleted, purchaseStatus(t, st, p))

	applied, err = st.OnRamp.HandleTransferEvent(ctx, completed)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, st.Settler.Calls())
}

func TestLateEventDoesNotMoveTransferBackwards(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	_, transfer := initiated(t, st)
	ctx := context.Background()

	applied, err := st.OnRamp.HandleTransferEvent(ctx, domain.TransferEvent{
		TransferID: transfer.BridgeTransferID,
		State:      bridge.StateFundsReceived,
	})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = st.OnRamp.HandleTransferEvent(ctx, domain.TransferEvent{
		TransferID: transfer.BridgeTransferID,
		State:      bridge.StateAwaitingFunds,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := st.OnRamp.Get(ctx, transfer.BridgeTransferID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFundsReceived, got.Status)
}

func TestFailedTransferRefundsCharge(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	p, transfer := initiated(t, st)

	applied, err := st.OnRamp.HandleTransferEvent(context.Background(), domain.TransferEvent{
		TransferID: transfer.BridgeTransferID,
		State:      bridge.StateFailed,
		Reason:     "compliance review rejected",
	})
	require.NoError(t, err)
	require.True(t, applied)

	refunds := st.Stripe.RefundCalls()
	require.Len(t, refunds, 1)
	assert.Equal(t, p.StripePaymentIntentID, refunds[0].PaymentIntentID)
	assert.True(t, refunds[0].Amount.Equal(p.GrossAmount))
	assert.Equal(t, "onramp-refund-"+transfer.ID.String(), refunds[0].IdempotencyKey)
	assert.Equal(t, p.ID.String(), refunds[0].Metadata["purchase_id"])

	got, err := st.Purchases.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, purchasedomain.StatusRefunded, got.Status)
	assert.Equal(t, "compliance review rejected", got.FailureReason)
	assert.Zero(t, st.Settler.Calls())
}

func TestUnknownTransferAndState(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	ctx := context.Background()

	_, err := st.OnRamp.HandleTransferEvent(ctx, domain.TransferEvent{TransferID: "tr_missing", State: bridge.StateCompleted})
	require.ErrorIs(t, err, domain.ErrTransferNotFound)

	_, err = st.OnRamp.HandleTransferEvent(ctx, domain.TransferEvent{TransferID: "tr_missing", State: "exploded"})
	require.ErrorIs(t, err, domain.ErrUnknownState)
}

func TestCheckStaleWarnsThenPolls(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	p, transfer := initiated(t, st)
	ctx := context.Background()

	report, err := st.OnRamp.CheckStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)

	st.Clock.Advance(90 * time.Minute)
	report, err = st.OnRamp.CheckStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StaleReport{Checked: 1, Warned: 1}, report)

	report, err = st.OnRamp.CheckStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StaleReport{Checked: 1}, report)

	st.Clock.Advance(time.Hour)
	st.Bridge.Set(bridge.Transfer{
		ID:                transfer.BridgeTransferID,
		State:             bridge.StateCompleted,
		DestinationAmount: usd("5.41"),
		Receipt:           bridge.Receipt{DestinationTxHash: "solana_tx_2"},
	})
	report, err = st.OnRamp.CheckStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StaleReport{Checked: 1, Updated: 1}, report)
	assert.Equal(t, purchasedomain.StatusCompleted, purchaseStatus(t, st, p))

	recorder := st.Notifier.(*settlementtest.RecordingNotifier)
	assert.Equal(t, []notificationdomain.Kind{
		notificationdomain.KindOnRampStale,
		notificationdomain.KindPurchaseCompleted,
	}, recorder.Kinds())
}

func TestCheckStaleFailsAndRefundsAfterFourHours(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	p, transfer := initiated(t, st)
	ctx := context.Background()

	st.Clock.Advance(5 * time.Hour)
	report, err := st.OnRamp.CheckStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StaleReport{Checked: 1, Failed: 1, Refunded: 1}, report)

	got, err := st.OnRamp.Get(ctx, transfer.BridgeTransferID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "Transfer timed out (>4 hours)", got.FailureReason)
	assert.Equal(t, purchasedomain.StatusRefunded, purchaseStatus(t, st, p))
	assert.Len(t, st.Stripe.RefundCalls(), 1)

	report, err = st.OnRamp.CheckStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestBatchOnRampProcessesBatchWhenUSDCArrives(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	ctx := context.Background()
	contentID, _ := st.SoloContent(t, "4.99", 0)
	batch, err := st.Batches.Create(ctx, batchdomain.CreateRequest{
		BuyerID:     st.Node.Generate(),
		BuyerWallet: "BuyerWallet11111111111111111111111111111111",
		Items:       []batchdomain.Item{{ContentID: &contentID, Price: *usd("4.99")}},
	})
	require.NoError(t, err)
	_, _, err = st.Batches.ConfirmPayment(ctx, batchdomain.ConfirmRequest{
		BatchID:         batch.ID,
		PaymentIntentID: "pi_batch",
		ProcessorFee:    usd("0.46"),
	})
	require.NoError(t, err)

	transfer, err := st.OnRamp.Initiate(ctx, domain.Target{BatchID: &batch.ID})
	require.NoError(t, err)
	assert.Equal(t, "batch_"+batch.ID.String(), st.Bridge.Calls()[0].ExternalID)

	got, err := st.Batches.Get(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusBridgePending, got.Status)

	_, err = st.OnRamp.HandleTransferEvent(ctx, domain.TransferEvent{
		TransferID: transfer.BridgeTransferID,
		State:      bridge.StateCompleted,
	})
	require.NoError(t, err)

	got, err = st.Batches.Get(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.ItemsSucceeded)
}
