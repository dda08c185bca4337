package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	batchdomain "github.com/smallbiznis/settlement/internal/batch/domain"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	"github.com/smallbiznis/settlement/internal/onramp/domain"
	"github.com/smallbiznis/settlement/internal/providers/bridge"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CheckStale walks transfers open for more than an hour. Past one hour a
// warning is raised once, past two the Bridge API is polled and its state
// applied, and past four the transfer is failed and the charge refunded.
func (s *Service) CheckStale(ctx context.Context) (domain.StaleReport, error) {
	var report domain.StaleReport
	now := s.clock.Now().UTC()
	open, err := s.repo.ListOpenCreatedBefore(ctx, s.db, now.Add(-warnAfter), staleScanLimit)
	if err != nil {
		return report, err
	}

	var errs error
	for i := range open {
		t := open[i]
		report.Checked++
		age := now.Sub(t.CreatedAt)
		log := s.log.With(
			zap.String("bridge_transfer_id", t.BridgeTransferID),
			zap.Duration("age", age),
			zap.String("status", string(t.Status)),
		)

		switch {
		case age > failAfter:
			log.Warn("onramp transfer timed out")
			applied, err := s.HandleTransferEvent(ctx, domain.TransferEvent{
				TransferID: t.BridgeTransferID,
				State:      bridge.StateFailed,
				Reason:     timeoutReason,
			})
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("fail %s: %w", t.BridgeTransferID, err))
				continue
			}
			if applied {
				report.Failed++
				if s.refunded(ctx, &t) {
					report.Refunded++
				}
			}
		case age > pollAfter:
			remote, err := s.transfers.GetTransfer(ctx, t.BridgeTransferID)
			if err != nil {
				log.Warn("bridge transfer status unavailable", zap.Error(err))
				continue
			}
			event := domain.TransferEvent{
				TransferID:        t.BridgeTransferID,
				State:             remote.State,
				DestinationAmount: remote.DestinationAmount,
				Fee:               remote.Fee,
				TxHash:            remote.Receipt.Signature(),
				Reason:            remote.FailureReason,
			}
			if remote.ReturnReason != "" {
				event.Reason = remote.ReturnReason
			}
			applied, err := s.HandleTransferEvent(ctx, event)
			if err != nil {
				if errors.Is(err, domain.ErrUnknownState) || errors.Is(err, domain.ErrLocked) {
					log.Info("polled transfer state not applied", zap.Error(err))
					continue
				}
				errs = errors.Join(errs, fmt.Errorf("poll %s: %w", t.BridgeTransferID, err))
				continue
			}
			if applied {
				report.Updated++
				if next, ok := domain.StatusFromState(remote.State); ok && !next.Open() && next != domain.StatusCompleted {
					if s.refunded(ctx, &t) {
						report.Refunded++
					}
				}
			}
		default:
			if t.WarnedAt != nil {
				continue
			}
			if err := s.markWarned(ctx, t.BridgeTransferID, now); err != nil {
				errs = errors.Join(errs, err)
				continue
			}
			report.Warned++
			log.Warn("onramp transfer is stale")
			s.notify(ctx, notificationdomain.Event{
				Kind:  notificationdomain.KindOnRampStale,
				Alert: fmt.Sprintf("bridge transfer %s open for %s (status %s)", t.BridgeTransferID, age.Round(time.Minute), t.Status),
			})
		}
	}
	s.log.Info("stale onramp check finished",
		zap.Int("checked", report.Checked),
		zap.Int("warned", report.Warned),
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed),
		zap.Int("refunded", report.Refunded),
	)
	return report, errs
}

// refunded reports whether the target behind t ended up refunded.
func (s *Service) refunded(ctx context.Context, t *domain.Transfer) bool {
	if t.PurchaseID != nil {
		p, err := s.purchases.Get(ctx, *t.PurchaseID)
		return err == nil && p.Status == purchasedomain.StatusRefunded
	}
	if t.BatchPurchaseID != nil {
		b, err := s.batches.Get(ctx, *t.BatchPurchaseID)
		return err == nil && b.Status == batchdomain.StatusRefunded
	}
	return false
}

func (s *Service) markWarned(ctx context.Context, bridgeTransferID string, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.LockByBridgeID(ctx, tx, bridgeTransferID, false)
		if err != nil || t == nil {
			return err
		}
		t.WarnedAt = &now
		t.UpdatedAt = now
		return s.repo.Update(ctx, tx, t)
	})
}
