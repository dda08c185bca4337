package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/chain"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/purchase/domain"
	"github.com/smallbiznis/settlement/internal/settlementtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func countRows(t *testing.T, st *settlementtest.Stack, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := st.DB.Raw(query, args...).Scan(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestCreateQuotesPassThroughTotal(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)

	p, err := st.Purchases.Create(context.Background(), domain.CreateRequest{
		BuyerID:     st.Node.Generate(),
		BuyerWallet: "BuyerWallet11111111111111111111111111111111",
		ContentID:   &contentID,
		ListPrice:   usd("4.99"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentPending, p.Status)
	assert.Equal(t, domain.FeeModePassThrough, p.FeeMode)
	// (4.99 + 0.30) / 0.971
	assert.True(t, p.GrossAmount.Equal(usd("5.45")), "gross %s", p.GrossAmount)

	_, err = st.Purchases.Create(context.Background(), domain.CreateRequest{
		BuyerID:   st.Node.Generate(),
		ContentID: &contentID,
		ListPrice: usd("4.99"),
	})
	require.ErrorIs(t, err, domain.ErrMissingWallet)
}

func TestConfirmPaymentFallsBackToEstimatedFee(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	st.Stripe.FeeMisses = 1
	ctx := context.Background()

	p, err := st.Purchases.Create(ctx, domain.CreateRequest{
		BuyerID:     st.Node.Generate(),
		BuyerWallet: "BuyerWallet11111111111111111111111111111111",
		ContentID:   &contentID,
		ListPrice:   usd("4.99"),
	})
	require.NoError(t, err)

	confirmed, applied, err := st.Purchases.ConfirmPayment(ctx, domain.ConfirmRequest{
		PurchaseID:      p.ID,
		PaymentIntentID: "pi_missing_fee",
		AmountTotal:     usd("5.45"),
	})
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, domain.StatusPaymentCompleted, confirmed.Status)
	assert.True(t, confirmed.ProcessorFeeEstimated)
	require.NotNil(t, confirmed.ProcessorFee)
	// 5.45 * 0.029 + 0.30
	assert.True(t, confirmed.ProcessorFee.Equal(usd("0.46")), "fee %s", confirmed.ProcessorFee)

	_, applied, err = st.Purchases.ConfirmPayment(ctx, domain.ConfirmRequest{PurchaseID: p.ID})
	require.NoError(t, err)
	assert.False(t, applied, "second confirmation must be a no-op")
}

func TestConfirmPaymentUsesActualFee(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "10.00", 0)
	ctx := context.Background()

	p, err := st.Purchases.Create(ctx, domain.CreateRequest{
		BuyerID:     st.Node.Generate(),
		BuyerWallet: "BuyerWallet11111111111111111111111111111111",
		ContentID:   &contentID,
		ListPrice:   usd("10.00"),
	})
	require.NoError(t, err)
	st.Stripe.Fees["pi_known"] = usd("0.62")

	confirmed, _, err := st.Purchases.ConfirmPayment(ctx, domain.ConfirmRequest{
		PurchaseID:      p.ID,
		PaymentIntentID: "pi_known",
	})
	require.NoError(t, err)
	assert.False(t, confirmed.ProcessorFeeEstimated)
	assert.True(t, confirmed.ProcessorFee.Equal(usd("0.62")))
	assert.Equal(t, "pi_known", confirmed.StripePaymentIntentID)
}

func TestSettleSoloPurchase(t *testing.T) {
	notifier := &settlementtest.MockNotifier{}
	notifier.On("Notify", notificationdomain.KindPurchaseCompleted, "buyer@example.com").Return(nil).Once()
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), notifier)
	contentID, creatorID := st.SoloContent(t, "4.99", 5)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")

	settled, err := st.Purchases.Settle(context.Background(), p.ID, domain.SettleOptions{})
	require.NoError(t, err)
	notifier.AssertExpectations(t)

	assert.Equal(t, domain.StatusCompleted, settled.Status)
	assert.Equal(t, domain.DistributionCompleted, settled.DistributionStatus)
	assert.NotEmpty(t, settled.TxSignature)
	assert.NotNil(t, settled.CompletedAt)
	assert.True(t, settled.USDCToDistribute.Equal(usd("4.964")), "pool %s", settled.USDCToDistribute)
	assert.True(t, settled.CreatorAmount.Equal(usd("4.4676")), "creator %s", settled.CreatorAmount)
	assert.True(t, settled.PlatformFee.Equal(usd("0.4964")), "platform %s", settled.PlatformFee)
	assert.True(t, settled.CreatorAmount.Add(settled.PlatformFee).Equal(settled.USDCToDistribute))
	assert.Equal(t, "single_creator", settled.SplitMode)

	require.Equal(t, 1, st.Settler.Calls())
	req := st.Settler.Requests[0]
	assert.Equal(t, "settle-"+p.ID.String()+"-0", req.RequestID)
	require.Len(t, req.Distributions, 1)
	assert.Equal(t, creatorID, req.Distributions[0].UserID)

	var details domain.DistributionDetails
	require.NoError(t, json.Unmarshal(settled.DistributionDetails, &details))
	assert.Equal(t, "pass_through", details.FeeMode)
	require.NotNil(t, details.StripeFeeActual)
	assert.Equal(t, "0.46", *details.StripeFeeActual)

	payments, err := st.Purchases.ListPayments(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].AmountUSDC.Equal(usd("4.4676")))

	assert.EqualValues(t, 4, countRows(t, st, `SELECT editions FROM contents WHERE id = ?`, contentID))
	var sales string
	require.NoError(t, st.DB.Raw(`SELECT lifetime_sales FROM creator_tiers WHERE creator_id = ?`, creatorID).Scan(&sales).Error)
	assert.True(t, usd(sales).Equal(usd("4.99")), "lifetime sales %s", sales)
	assert.EqualValues(t, 1, countRows(t, st, `SELECT COUNT(*) FROM ledger_entries WHERE source_type = 'purchase_settlement' AND source_id = ?`, p.ID))
	assert.EqualValues(t, 1, countRows(t, st, `SELECT COUNT(*) FROM audit_logs WHERE action = 'purchase.settled'`))
}

func TestSettleIsIdempotent(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	ctx := context.Background()

	_, err := st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.NoError(t, err)
	again, err := st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, again.Status)
	assert.Equal(t, 1, st.Settler.Calls(), "completed purchase must not reach the chain twice")
	assert.EqualValues(t, 1, countRows(t, st, `SELECT COUNT(*) FROM collaborator_payments WHERE purchase_id = ?`, p.ID))
}

func TestSettleCollaborativeSplit(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	owner, partner := st.Node.Generate(), st.Node.Generate()
	project, content := st.Node.Generate(), st.Node.Generate()
	settlementtest.SeedCreator(t, st.DB, owner, "owner", "OwnerWallet1111111111111111111111111111111")
	settlementtest.SeedCreator(t, st.DB, partner, "partner", "PartnerWallet111111111111111111111111111111")
	settlementtest.SeedContent(t, st.DB, content, owner, project, "10.00", 0)
	settlementtest.SeedCollaborator(t, st.DB, project, owner, "60", "owner")
	settlementtest.SeedCollaborator(t, st.DB, project, partner, "40", "collaborator")
	p := st.PaidPurchase(t, content, "10.00", "0.62")

	settled, err := st.Purchases.Settle(context.Background(), p.ID, domain.SettleOptions{})
	require.NoError(t, err)
	assert.Equal(t, "collaborative", settled.SplitMode)
	assert.True(t, settled.FeeRate.Equal(usd("0.10")))

	payments, err := st.Purchases.ListPayments(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	total := decimal.Zero
	for _, pay := range payments {
		total = total.Add(pay.AmountUSDC)
	}
	assert.True(t, total.Add(settled.PlatformFee).Equal(settled.USDCToDistribute))

	var projectSales string
	require.NoError(t, st.DB.Raw(`SELECT total_sales FROM projects WHERE id = ?`, project).Scan(&projectSales).Error)
	assert.True(t, usd(projectSales).Equal(usd("10.00")))
}

func TestCollaborativeSplitKeepsFixedPlatformCut(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	owner, partner := st.Node.Generate(), st.Node.Generate()
	project, content := st.Node.Generate(), st.Node.Generate()
	settlementtest.SeedCreator(t, st.DB, owner, "owner", "OwnerWallet1111111111111111111111111111111")
	settlementtest.SeedCreator(t, st.DB, partner, "partner", "PartnerWallet111111111111111111111111111111")
	settlementtest.SeedContent(t, st.DB, content, owner, project, "10.00", 0)
	settlementtest.SeedCollaborator(t, st.DB, project, owner, "60", "owner")
	settlementtest.SeedCollaborator(t, st.DB, project, partner, "40", "collaborator")
	now := time.Now().UTC()
	require.NoError(t, st.DB.Exec(
		`INSERT INTO creator_tiers (creator_id, tier, lifetime_sales, created_at, updated_at) VALUES (?, 'founding', '150', ?, ?)`,
		owner, now, now,
	).Error)
	p := st.PaidPurchase(t, content, "10.00", "0.62")

	settled, err := st.Purchases.Settle(context.Background(), p.ID, domain.SettleOptions{})
	require.NoError(t, err)
	assert.Equal(t, "collaborative", settled.SplitMode)
	// the founding rate prices the breakdown only
	assert.True(t, settled.FeeRate.Equal(usd("0.01")), "fee rate %s", settled.FeeRate)
	assert.True(t, settled.USDCToDistribute.Equal(usd("9.974")), "pool %s", settled.USDCToDistribute)
	assert.True(t, settled.PlatformFee.Equal(usd("0.9974")), "platform %s", settled.PlatformFee)

	payments, err := st.Purchases.ListPayments(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	total := decimal.Zero
	for _, pay := range payments {
		total = total.Add(pay.AmountUSDC)
	}
	assert.True(t, total.Equal(usd("8.9766")), "creator total %s", total)
}

func TestSettleFailureSchedulesRetry(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	st.Settler.Fail = 1
	ctx := context.Background()

	failed, err := st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.Error(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, domain.DistributionFailed, failed.DistributionStatus)
	assert.Equal(t, 1, failed.RetryCount)
	require.NotNil(t, failed.NextRetryAt)
	assert.True(t, failed.NextRetryAt.Equal(settlementtest.Epoch.Add(time.Minute)))
	assert.EqualValues(t, 0, countRows(t, st, `SELECT COUNT(*) FROM collaborator_payments WHERE purchase_id = ?`, p.ID))

	n, err := st.Purchases.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "retry is not due yet")

	st.Clock.Advance(2 * time.Minute)
	n, err = st.Purchases.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.Purchases.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.Equal(t, 2, st.Settler.Calls())
	assert.Equal(t, "settle-"+p.ID.String()+"-1", st.Settler.Requests[1].RequestID)
}

func TestSettleAfterRelayerTimeoutReusesRequestID(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	st.Settler.Fail = 2
	st.Settler.Err = fmt.Errorf("relayer call: %w", context.DeadlineExceeded)
	ctx := context.Background()

	failed, err := st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, failed.RetryCount)
	var details domain.DistributionDetails
	require.NoError(t, json.Unmarshal(failed.DistributionDetails, &details))
	assert.True(t, details.RelayerUnconfirmed)

	st.Clock.Advance(time.Minute)
	_, err = st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.Error(t, err)

	// a definite failure releases the id
	st.Settler.Fail = 1
	st.Settler.Err = errors.New("relayer unavailable")
	st.Clock.Advance(2 * time.Minute)
	_, err = st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.Error(t, err)

	st.Clock.Advance(4 * time.Minute)
	got, err := st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	first := "settle-" + p.ID.String() + "-0"
	require.Equal(t, 4, st.Settler.Calls())
	assert.Equal(t, first, st.Settler.Requests[0].RequestID)
	assert.Equal(t, first, st.Settler.Requests[1].RequestID)
	assert.Equal(t, first, st.Settler.Requests[2].RequestID)
	assert.Equal(t, "settle-"+p.ID.String()+"-3", st.Settler.Requests[3].RequestID)
}

func TestSettleBackoffDoublesUntilExhausted(t *testing.T) {
	notifier := &settlementtest.MockNotifier{}
	notifier.On("Notify", notificationdomain.KindPurchaseFailed, "").Return(nil).Once()
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), notifier)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	st.Settler.Fail = 10
	ctx := context.Background()

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, delay := range want {
		before := st.Clock.Now()
		failed, err := st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
		require.Error(t, err)
		require.NotNil(t, failed.NextRetryAt, "attempt %d", i)
		assert.Equal(t, delay, failed.NextRetryAt.Sub(before), "attempt %d", i)
		st.Clock.Advance(delay)
	}

	final, err := st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.Error(t, err)
	assert.Equal(t, 3, final.RetryCount)
	assert.Nil(t, final.NextRetryAt)
	notifier.AssertExpectations(t)
}

func TestSettleNoRetryMarksFinalFailure(t *testing.T) {
	notifier := &settlementtest.MockNotifier{}
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), notifier)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	st.Settler.Fail = 1

	failed, err := st.Purchases.Settle(context.Background(), p.ID, domain.SettleOptions{NoRetry: true})
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Zero(t, failed.RetryCount)
	assert.Nil(t, failed.NextRetryAt)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestSettlePermanentErrorIsNotRetried(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	st.Settler.Fail = 1
	st.Settler.Err = chain.ErrInvalidSettlement

	failed, err := st.Purchases.Settle(context.Background(), p.ID, domain.SettleOptions{})
	require.ErrorIs(t, err, chain.ErrInvalidSettlement)
	assert.Nil(t, failed.NextRetryAt)
	assert.Zero(t, failed.RetryCount)
}

func TestSettleMissingOwnerWalletFails(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	creator, content := st.Node.Generate(), st.Node.Generate()
	settlementtest.SeedCreator(t, st.DB, creator, "nowallet", "")
	settlementtest.SeedContent(t, st.DB, content, creator, 0, "4.99", 0)
	p := st.PaidPurchase(t, content, "4.99", "0.46")

	failed, err := st.Purchases.Settle(context.Background(), p.ID, domain.SettleOptions{})
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Nil(t, failed.NextRetryAt)
	assert.Zero(t, st.Settler.Calls())
}

func TestSettleRejectsUnpaidPurchase(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p, err := st.Purchases.Create(context.Background(), domain.CreateRequest{
		BuyerID:     st.Node.Generate(),
		BuyerWallet: "BuyerWallet11111111111111111111111111111111",
		ContentID:   &contentID,
		ListPrice:   usd("4.99"),
	})
	require.NoError(t, err)

	_, err = st.Purchases.Settle(context.Background(), p.ID, domain.SettleOptions{})
	require.ErrorIs(t, err, domain.ErrNotSettleable)
}

func TestStaleMintingIsResumedWithSameRequestID(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	ctx := context.Background()

	// simulate a crash after the chain call: settle once, then rewind the
	// row to minting without recording the outcome
	_, err := st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.NoError(t, err)
	require.NoError(t, st.DB.Exec(
		`UPDATE purchases SET status = ?, distribution_status = ?, updated_at = ? WHERE id = ?`,
		domain.StatusMinting, domain.DistributionProcessing, st.Clock.Now(), p.ID,
	).Error)

	_, err = st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.ErrorIs(t, err, domain.ErrInProgress)

	st.Clock.Advance(11 * time.Minute)
	n, err := st.Purchases.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, 2, st.Settler.Calls())
	assert.Equal(t, st.Settler.Requests[0].RequestID, st.Settler.Requests[1].RequestID)
	assert.EqualValues(t, 1, countRows(t, st, `SELECT COUNT(*) FROM collaborator_payments WHERE purchase_id = ?`, p.ID))
	assert.EqualValues(t, 1, countRows(t, st, `SELECT COUNT(*) FROM ledger_entries WHERE source_id = ?`, p.ID))
}

func TestScheduledSettlementLeavesFreshMintingAlone(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	ctx := context.Background()

	_, err := st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.NoError(t, err)
	require.NoError(t, st.DB.Exec(
		`UPDATE purchases SET status = ?, distribution_status = ?, updated_at = ? WHERE id = ?`,
		domain.StatusMinting, domain.DistributionProcessing, st.Clock.Now(), p.ID,
	).Error)

	// a duplicate payment event schedules settlement again
	require.NoError(t, st.Purchases.ScheduleSettlement(ctx, p.ID))
	assert.Equal(t, 1, st.Settler.Calls())
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	ctx := context.Background()

	_, err := st.Purchases.Transition(ctx, nil, p.ID, domain.StatusCompleted, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	applied, err := st.Purchases.Transition(ctx, nil, p.ID, domain.StatusBridgePending, "onramp")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = st.Purchases.Transition(ctx, nil, p.ID, domain.StatusBridgePending, "onramp")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestMarkRefundedReversesCompletedSale(t *testing.T) {
	notifier := &settlementtest.MockNotifier{}
	notifier.On("Notify", notificationdomain.KindPurchaseCompleted, "buyer@example.com").Return(nil)
	notifier.On("Notify", notificationdomain.KindPurchaseRefunded, "buyer@example.com").Return(errors.New("smtp down")).Once()
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), notifier)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	ctx := context.Background()
	_, err := st.Purchases.Settle(ctx, p.ID, domain.SettleOptions{})
	require.NoError(t, err)

	applied, err := st.Purchases.MarkRefunded(ctx, nil, p.ID, "charge.refunded")
	require.NoError(t, err, "notification failures never fail the refund")
	assert.True(t, applied)
	applied, err = st.Purchases.MarkRefunded(ctx, nil, p.ID, "charge.refunded")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := st.Purchases.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, got.Status)
	assert.EqualValues(t, 1, countRows(t, st, `SELECT COUNT(*) FROM ledger_entries WHERE source_type = 'purchase_refund'`))
	notifier.AssertExpectations(t)
}
