package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	onrampdomain "github.com/smallbiznis/settlement/internal/onramp/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/providers/bridge"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	"github.com/smallbiznis/settlement/internal/settlementtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferEvent(id string, transferID string, state bridge.State) *paymentdomain.Event {
	amount := decimal.RequireFromString("5.40")
	return &paymentdomain.Event{
		Provider: "bridge",
		EventID:  id,
		Type:     "transfer." + string(state),
		Kind:     paymentdomain.EventKindTransfer,
		Transfer: &onrampdomain.TransferEvent{
			TransferID:        transferID,
			State:             state,
			DestinationAmount: &amount,
			TxHash:            "sol_sig",
		},
		RawPayload: []byte(`{}`),
	}
}

func TestTransferEventsDriveOnRamp(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	ctx := context.Background()
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	transfer, err := st.OnRamp.Initiate(ctx, onrampdomain.Target{PurchaseID: &p.ID})
	require.NoError(t, err)

	require.NoError(t, st.Payments.ProcessEvent(ctx, transferEvent("wh_1", transfer.BridgeTransferID, bridge.StateFundsReceived)))
	require.NoError(t, st.Payments.ProcessEvent(ctx, transferEvent("wh_2", transfer.BridgeTransferID, bridge.StateCompleted)))

	got, err := st.Purchases.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, purchasedomain.StatusCompleted, got.Status)

	err = st.Payments.ProcessEvent(ctx, transferEvent("wh_2", transfer.BridgeTransferID, bridge.StateCompleted))
	require.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)

	// a different delivery of the same state is absorbed by the transfer
	require.NoError(t, st.Payments.ProcessEvent(ctx, transferEvent("wh_3", transfer.BridgeTransferID, bridge.StateCompleted)))
	assert.Equal(t, 1, st.Settler.Calls())
}

func TestTransferEventForUnknownTransfer(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)

	err := st.Payments.ProcessEvent(context.Background(), transferEvent("wh_9", "tr_missing", bridge.StateCompleted))
	require.ErrorIs(t, err, paymentdomain.ErrRecordNotFound)
}

func TestTransferEventWithUntrackedState(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)

	err := st.Payments.ProcessEvent(context.Background(), transferEvent("wh_10", "tr_1", "payment_processed"))
	require.NoError(t, err)
}

func TestProcessEventValidates(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	ctx := context.Background()

	require.ErrorIs(t, st.Payments.ProcessEvent(ctx, nil), paymentdomain.ErrInvalidEvent)
	require.ErrorIs(t, st.Payments.ProcessEvent(ctx, &paymentdomain.Event{EventID: "evt"}), paymentdomain.ErrInvalidProvider)
	require.ErrorIs(t, st.Payments.ProcessEvent(ctx, &paymentdomain.Event{
		Provider: "stripe",
		EventID:  "evt",
		Kind:     paymentdomain.EventKindPaymentSucceeded,
	}), paymentdomain.ErrInvalidEvent)
}

func TestConcurrentCheckoutDeliverySettlesOnce(t *testing.T) {
	st := settlementtest.NewStack(t, settlementtest.DefaultConfig(), nil)
	// sqlite shared cache fails lock contention instead of waiting
	sqlDB, err := st.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	ctx := context.Background()

	contentID, _ := st.SoloContent(t, "10.00", 0)
	p, err := st.Purchases.Create(ctx, purchasedomain.CreateRequest{
		BuyerID:     st.Node.Generate(),
		BuyerWallet: "BuyerWallet11111111111111111111111111111111",
		ContentID:   &contentID,
		ListPrice:   decimal.RequireFromString("10.00"),
		FeeMode:     purchasedomain.FeeModePassThrough,
	})
	require.NoError(t, err)
	st.Stripe.Fees["pi_race"] = decimal.RequireFromString("0.61")

	const deliveries = 2
	var wg sync.WaitGroup
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.Payments.ProcessEvent(ctx, &paymentdomain.Event{
				Provider:        "stripe",
				EventID:         "evt_race",
				Type:            "checkout.session.completed",
				Kind:            paymentdomain.EventKindPaymentSucceeded,
				PaymentIntentID: "pi_race",
				PurchaseID:      &p.ID,
				Amount:          p.GrossAmount,
				RawPayload:      []byte(`{}`),
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil && !errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
			t.Fatalf("process event: %v", err)
		}
	}

	got, err := st.Purchases.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, purchasedomain.StatusCompleted, got.Status)
	assert.Equal(t, 1, st.Settler.Calls())

	payments, err := st.Purchases.ListPayments(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	var rows int64
	require.NoError(t, st.DB.Raw(`SELECT COUNT(*) FROM collaborator_payments WHERE purchase_id = ?`, p.ID).Scan(&rows).Error)
	assert.Equal(t, int64(1), rows)
}
