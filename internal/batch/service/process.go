package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/batch/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	"github.com/smallbiznis/settlement/internal/providers/stripe"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	"github.com/smallbiznis/settlement/pkg/money"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// outcome collects what one pass over the batch items produced.
type outcome struct {
	succeeded []snowflake.ID
	failed    []purchasedomain.Purchase
	// alreadyRefunded counts failed items refunded by an earlier pass.
	alreadyRefunded int
	deferred        int
	entries         []domain.LogEntry
}

func (o *outcome) failedCount() int { return len(o.failed) + o.alreadyRefunded }

func (s *Service) Process(ctx context.Context, id snowflake.ID) (*domain.Result, error) {
	batch, err := s.start(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.Status.Finished() {
		return &domain.Result{Batch: batch, Refunded: decimal.Zero}, nil
	}

	items, err := s.purchases.ListByBatch(ctx, nil, batch.ID)
	if err != nil {
		return nil, err
	}
	out := s.settleItems(ctx, batch, items)

	if out.deferred > 0 {
		saved, err := s.saveProgress(ctx, batch.ID, out)
		if err != nil {
			return nil, err
		}
		return &domain.Result{Batch: saved, Succeeded: out.succeeded, Refunded: decimal.Zero}, domain.ErrItemsInProgress
	}

	refund, refundEntry := s.refundFailed(ctx, batch, out.failed)
	out.entries = append(out.entries, refundEntry...)

	finished, err := s.finish(ctx, batch.ID, out, refund)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, notificationdomain.Event{
		Kind:      notificationdomain.KindBatchFinished,
		Recipient: finished.BuyerEmail,
		Data: map[string]any{
			"batch_id":      finished.ID.String(),
			"total_items":   finished.TotalItems,
			"succeeded":     finished.ItemsSucceeded,
			"failed":        finished.ItemsFailed,
			"refund_amount": finished.TotalRefunded.StringFixed(2),
		},
	})

	res := &domain.Result{Batch: finished, Succeeded: out.succeeded, Refunded: decimal.Zero}
	for _, p := range out.failed {
		res.Failed = append(res.Failed, p.ID)
	}
	if refund != nil {
		res.Refunded = refund.Amount
	}
	return res, nil
}

// start locks the batch without waiting and moves a paid batch into
// processing. Finished batches are returned untouched.
func (s *Service) start(ctx context.Context, id snowflake.ID) (*domain.BatchPurchase, error) {
	var batch *domain.BatchPurchase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, id, true)
		if err != nil {
			return err
		}
		batch = locked
		if locked.Status.Finished() || locked.Status == domain.StatusProcessing {
			return nil
		}
		if !locked.Status.Processable() {
			return domain.ErrNotProcessable
		}
		from := locked.Status
		if err := s.apply(locked, domain.StatusProcessing); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		return s.auditTx(ctx, tx, locked.ID, "batch.status_changed", map[string]any{
			"from": string(from),
			"to":   string(domain.StatusProcessing),
		})
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// settleItems settles each item on its own. A failing item never stops the
// loop.
func (s *Service) settleItems(ctx context.Context, batch *domain.BatchPurchase, items []purchasedomain.Purchase) *outcome {
	out := &outcome{}
	log := obslogger.WithBatch(obslogger.WithContext(ctx, s.log), batch.ID.String())
	for i := range items {
		item := items[i]
		switch item.Status {
		case purchasedomain.StatusCompleted:
			out.succeeded = append(out.succeeded, item.ID)
			continue
		case purchasedomain.StatusRefunded:
			out.alreadyRefunded++
			continue
		}

		settled, err := s.purchases.Settle(ctx, item.ID, purchasedomain.SettleOptions{NoRetry: true})
		now := s.clock.Now().UTC()
		switch {
		case err == nil:
			out.succeeded = append(out.succeeded, item.ID)
			out.entries = append(out.entries, domain.LogEntry{
				Type:        domain.LogTypeItem,
				PurchaseID:  item.ID,
				Status:      "success",
				MintAddress: settled.MintAddress,
				Signature:   settled.TxSignature,
				Timestamp:   now,
			})
		case errors.Is(err, purchasedomain.ErrLocked), errors.Is(err, purchasedomain.ErrInProgress):
			out.deferred++
			log.Info("batch item settlement in progress elsewhere",
				zap.String("purchase_id", item.ID.String()),
			)
		default:
			log.Warn("batch item settlement failed",
				zap.String("purchase_id", item.ID.String()),
				zap.Error(err),
			)
			if settled != nil {
				item = *settled
			}
			out.failed = append(out.failed, item)
			out.entries = append(out.entries, domain.LogEntry{
				Type:       domain.LogTypeItem,
				PurchaseID: item.ID,
				Status:     "failed",
				Error:      err.Error(),
				Timestamp:  now,
			})
		}
	}
	return out
}

// refundAmount is the failed items' share of the cart charge, each share
// rounded to cents and the sum capped at what remains unrefunded.
func refundAmount(batch *domain.BatchPurchase, failed []purchasedomain.Purchase) decimal.Decimal {
	total := decimal.Zero
	for i := range failed {
		share := decimal.NewFromInt(1)
		if batch.Subtotal.IsPositive() && failed[i].ItemPrice != nil {
			share = failed[i].ItemPrice.Div(batch.Subtotal)
		}
		total = total.Add(money.RoundUSD(share.Mul(batch.TotalCharged)))
	}
	remaining := batch.TotalCharged.Sub(batch.TotalRefunded)
	if total.GreaterThan(remaining) {
		total = remaining
	}
	return total
}

// refundFailed issues a single refund for every failed item. A nil refund
// with no log entry means nothing needed refunding.
func (s *Service) refundFailed(ctx context.Context, batch *domain.BatchPurchase, failed []purchasedomain.Purchase) (*stripe.Refund, []domain.LogEntry) {
	if len(failed) == 0 {
		return nil, nil
	}
	amount := refundAmount(batch, failed)
	if !amount.IsPositive() {
		return nil, nil
	}
	now := s.clock.Now().UTC()
	refund, err := s.refunder.Refund(ctx, stripe.RefundRequest{
		PaymentIntentID: batch.StripePaymentIntentID,
		Amount:          amount,
		Reason:          refundReason,
		Metadata: map[string]string{
			"batch_purchase_id": batch.ID.String(),
			"failed_items":      strconv.Itoa(len(failed)),
			"reason":            refundReasonDetail,
		},
		IdempotencyKey: "batch-refund-" + batch.ID.String(),
	})
	if err != nil {
		s.log.Error("batch refund failed",
			zap.String("batch_id", batch.ID.String()),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
		s.recordRefund(ctx, "failed")
		return nil, []domain.LogEntry{{
			Type:        domain.LogTypeRefundFailed,
			Error:       err.Error(),
			Amount:      amount.StringFixed(2),
			FailedItems: len(failed),
			Timestamp:   now,
		}}
	}
	if refund.Amount.IsZero() {
		refund.Amount = amount
	}
	s.recordRefund(ctx, "refunded")
	return &refund, []domain.LogEntry{{
		Type:        domain.LogTypeRefund,
		RefundID:    refund.ID,
		Amount:      refund.Amount.StringFixed(2),
		FailedItems: len(failed),
		Timestamp:   now,
	}}
}

// finish writes counts, the log and the final status. Failed items are
// marked refunded only when the refund went through.
func (s *Service) finish(ctx context.Context, id snowflake.ID, out *outcome, refund *stripe.Refund) (*domain.BatchPurchase, error) {
	var batch *domain.BatchPurchase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, id, false)
		if err != nil {
			return err
		}
		batch = locked
		if locked.Status != domain.StatusProcessing {
			return domain.ErrNotProcessable
		}
		locked.ItemsSucceeded = len(out.succeeded)
		locked.ItemsFailed = out.failedCount()
		if locked.ProcessingLog, err = appendLog(locked.ProcessingLog, out.entries...); err != nil {
			return err
		}

		if refund != nil {
			locked.TotalRefunded = locked.TotalRefunded.Add(refund.Amount)
			locked.RefundID = refund.ID
			for _, item := range out.failed {
				if _, err := s.purchases.MarkRefunded(ctx, tx, item.ID, "batch item failed"); err != nil {
					return err
				}
			}
			if _, err := s.ledger.CreateEntry(ctx, tx,
				ledgerdomain.SourceTypeBatchRefund,
				locked.ID,
				"USD",
				s.clock.Now().UTC(),
				[]ledgerdomain.Posting{
					{Account: ledgerdomain.AccountCodeRefunds, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: refund.Amount},
					{Account: ledgerdomain.AccountCodeCashClearing, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: refund.Amount},
				},
			); err != nil {
				return err
			}
		}

		final := domain.StatusPartial
		switch {
		case locked.ItemsFailed == 0:
			final = domain.StatusCompleted
		case locked.ItemsSucceeded == 0:
			final = domain.StatusFailed
		}
		if err := s.apply(locked, final); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		return s.auditTx(ctx, tx, locked.ID, "batch.finished", map[string]any{
			"status":         string(final),
			"succeeded":      locked.ItemsSucceeded,
			"failed":         locked.ItemsFailed,
			"total_refunded": locked.TotalRefunded.String(),
			"refund_id":      locked.RefundID,
		})
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// saveProgress records a pass that could not finish because some items are
// being settled elsewhere. The batch stays in processing.
func (s *Service) saveProgress(ctx context.Context, id snowflake.ID, out *outcome) (*domain.BatchPurchase, error) {
	var batch *domain.BatchPurchase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, id, false)
		if err != nil {
			return err
		}
		batch = locked
		locked.ItemsSucceeded = len(out.succeeded)
		locked.ItemsFailed = out.failedCount()
		if locked.ProcessingLog, err = appendLog(locked.ProcessingLog, out.entries...); err != nil {
			return err
		}
		locked.UpdatedAt = s.clock.Now().UTC()
		return s.repo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}
