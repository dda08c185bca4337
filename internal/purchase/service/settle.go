package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/settlement/internal/catalog/domain"
	"github.com/smallbiznis/settlement/internal/chain"
	feedomain "github.com/smallbiznis/settlement/internal/fee/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	notificationdomain "github.com/smallbiznis/settlement/internal/notification/domain"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/purchase/domain"
	splitdomain "github.com/smallbiznis/settlement/internal/split/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"github.com/smallbiznis/settlement/pkg/money"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// plan is everything computed from catalog, tier and fee state before the
// purchase row is locked.
type plan struct {
	breakdown feedomain.Breakdown
	split     splitdomain.Result
}

// permanentErrors never heal on retry; the purchase fails without a retry
// being scheduled.
var permanentErrors = []error{
	catalogdomain.ErrInvalidItemRef,
	catalogdomain.ErrItemNotFound,
	catalogdomain.ErrOwnerNotFound,
	splitdomain.ErrInvalidMode,
	splitdomain.ErrNegativePool,
	splitdomain.ErrInvalidRate,
	splitdomain.ErrInvalidPercentage,
	splitdomain.ErrPercentageOverflow,
	splitdomain.ErrMissingWallet,
	splitdomain.ErrNoCollaborators,
	splitdomain.ErrDuplicateRecipient,
	feedomain.ErrInvalidPrice,
	feedomain.ErrInvalidFeeRate,
	feedomain.ErrInvalidGasFee,
	feedomain.ErrNegativePool,
	feedomain.ErrPassThroughDrift,
	feedomain.ErrInvalidFeeMode,
	feedomain.ErrInvalidProcessFee,
	domain.ErrMissingWallet,
}

func isPermanent(err error) bool {
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Settle mints the purchased item and pays every collaborator in one
// on-chain transaction. The purchase row is only locked for the two short
// bookkeeping transactions around the relayer call.
func (s *Service) Settle(ctx context.Context, id snowflake.ID, opts domain.SettleOptions) (*domain.Purchase, error) {
	started := s.clock.Now()
	log := obslogger.WithPurchase(obslogger.WithContext(ctx, s.log), id.String())

	current, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrNotFound
	}
	if current.Status == domain.StatusCompleted {
		return current, nil
	}
	resuming := current.Status == domain.StatusMinting
	if !resuming && !current.Status.Settleable() {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotSettleable, current.Status)
	}

	item, err := s.catalog.Resolve(ctx, s.db, current.ItemRef())
	if err != nil {
		if !resuming && isPermanent(err) {
			return s.fail(ctx, id, err, false, opts)
		}
		return nil, err
	}

	var pl plan
	if !resuming {
		pl, err = s.plan(ctx, current, item)
		if err != nil {
			if isPermanent(err) {
				return s.fail(ctx, id, err, false, opts)
			}
			return nil, err
		}
	}

	p, done, err := s.begin(ctx, id, pl, opts)
	if err != nil {
		if isPermanent(err) {
			return s.fail(ctx, id, err, false, opts)
		}
		return nil, err
	}
	if done {
		return p, nil
	}

	req, err := settleRequest(p, item)
	if err != nil {
		return nil, err
	}
	timeout := s.cfg.Solana.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	chainCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := s.settler.SettleAtomic(chainCtx, req)
	cancel()
	if err != nil {
		log.Warn("atomic settlement failed",
			zap.String("relayer_request_id", req.RequestID),
			zap.Error(err),
		)
		return s.fail(ctx, id, err, chain.Retryable(err), opts)
	}

	p, upgrades, err := s.complete(ctx, id, item, req, result)
	if err != nil {
		// the transaction is on chain; the row stays in minting and the
		// retry sweep resumes it with the same request id
		log.Error("settlement confirmed on chain but not recorded",
			zap.String("relayer_request_id", req.RequestID),
			zap.String("signature", result.Signature),
			zap.Error(err),
		)
		return nil, err
	}
	if p == nil {
		return s.Get(ctx, id)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordSettlement(ctx, "completed", p.SplitMode, s.clock.Now().Sub(started))
	}
	log.Info("purchase settled",
		zap.String("signature", p.TxSignature),
		zap.String("usdc_to_distribute", p.USDCToDistribute.String()),
		zap.Int("tier_upgrades", upgrades),
	)
	s.notify(ctx, notificationdomain.Event{
		Kind:      notificationdomain.KindPurchaseCompleted,
		Recipient: p.BuyerEmail,
		Data: map[string]any{
			"purchase_id":  p.ID.String(),
			"item_title":   item.Title(),
			"amount":       p.GrossAmount.StringFixed(2),
			"mint_address": p.MintAddress,
			"tx_signature": p.TxSignature,
		},
	})
	return p, nil
}

func (s *Service) plan(ctx context.Context, p *domain.Purchase, item catalogdomain.Collaboratable) (plan, error) {
	var pl plan
	if p.BuyerWallet == "" {
		return pl, domain.ErrMissingWallet
	}
	collaborators := item.Collaborators()
	ids := make([]snowflake.ID, 0, len(collaborators))
	for _, c := range collaborators {
		ids = append(ids, c.UserID)
	}
	rate, err := s.tier.ResolveBestProjectRate(ctx, ids)
	if err != nil {
		return pl, err
	}
	params := s.fees.Params()
	gas := params.GasEstimate

	if p.ItemPrice != nil {
		mode := feedomain.ModePassThrough
		if p.FeeMode == domain.FeeModeAbsorbed {
			mode = feedomain.ModeAbsorbed
		}
		pl.breakdown, err = s.fees.ComputeBreakdown(*p.ItemPrice, rate, gas, mode)
	} else {
		var actual *decimal.Decimal
		if p.ProcessorFee != nil && !p.ProcessorFeeEstimated {
			actual = p.ProcessorFee
		}
		pl.breakdown, err = s.fees.LegacyBreakdown(p.GrossAmount, actual, rate, gas)
	}
	if err != nil {
		return pl, err
	}

	// the tier rate prices the fee breakdown; the collaborative split always
	// takes the fixed platform cut
	pl.split, err = s.splitter.Split(pl.breakdown.DistributablePool, params.PlatformSplitRate, collaborators, item.SplitMode())
	if err != nil {
		return pl, err
	}
	return pl, nil
}

// begin locks the purchase without waiting, records the computed amounts
// and moves it to minting. done is true when nothing is left to submit.
func (s *Service) begin(ctx context.Context, id snowflake.ID, pl plan, opts domain.SettleOptions) (*domain.Purchase, bool, error) {
	var (
		out  *domain.Purchase
		done bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		waited := time.Now()
		p, err := s.repo.LockByID(ctx, tx, id, true)
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

		switch {
		case p.Status == domain.StatusCompleted:
			done = true
			return nil
		case p.Status == domain.StatusMinting:
			if !opts.Resume && s.clock.Now().Sub(p.UpdatedAt) < staleMintingAfter {
				return domain.ErrInProgress
			}
			if len(p.DistributionDetails) == 0 {
				return fmt.Errorf("%w: minting without planned distribution", domain.ErrSettlementLost)
			}
			return nil
		case !p.Status.Settleable():
			return fmt.Errorf("%w: %s", domain.ErrNotSettleable, p.Status)
		}
		if len(pl.split.Shares) == 0 {
			return fmt.Errorf("%w: status changed to %s", domain.ErrSettlementLost, p.Status)
		}

		b := pl.breakdown
		if p.ProcessorFee == nil || (p.ProcessorFeeEstimated && !b.ProcessorFeeEstimated) {
			fee := b.ProcessorFee
			p.ProcessorFee = &fee
			p.ProcessorFeeEstimated = b.ProcessorFeeEstimated
		}
		p.NetAfterProcessor = b.NetAfterProcessor
		p.GasFee = b.GasFee
		p.USDCToDistribute = b.DistributablePool
		p.FeeRate = b.FeeRate
		p.PlatformFee = pl.split.PlatformAmount
		p.CreatorAmount = pl.split.CreatorTotal()
		p.SplitMode = string(pl.split.Mode)
		p.DistributionStatus = domain.DistributionProcessing

		details := domain.DistributionDetails{
			Collaborators:    linesFromShares(pl.split.Shares),
			FeeMode:          string(b.Mode),
			SplitMode:        p.SplitMode,
			PlatformRate:     b.FeeRate.String(),
			PlatformFeeUSDC:  pl.split.PlatformAmount.String(),
			RelayerRequestID: carriedRequestID(p),
		}
		raw, err := json.Marshal(details)
		if err != nil {
			return err
		}
		p.DistributionDetails = datatypes.JSON(raw)

		if err := s.apply(p, domain.StatusMinting, ""); err != nil {
			return err
		}
		return s.repo.Update(ctx, tx, p)
	})
	if err != nil {
		return nil, false, err
	}
	return out, done, nil
}

// complete records a successful on-chain settlement. A nil purchase with no
// error means another worker already recorded it.
func (s *Service) complete(
	ctx context.Context,
	id snowflake.ID,
	item catalogdomain.Collaboratable,
	req chain.SettleRequest,
	result chain.SettleResult,
) (*domain.Purchase, int, error) {
	var (
		out      *domain.Purchase
		upgrades int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.LockByID(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.ErrNotFound
		}
		if p.Status == domain.StatusCompleted {
			return nil
		}
		if p.Status != domain.StatusMinting {
			return fmt.Errorf("%w: %s", domain.ErrSettlementLost, p.Status)
		}

		now := s.clock.Now().UTC()
		gas := p.GasFee
		if result.ActualGasFeeUSD != nil {
			gas = money.RoundUSDC(*result.ActualGasFeeUSD)
		}
		distributions := result.Distributions
		if len(distributions) == 0 {
			distributions = req.Distributions
		}

		details := domain.DistributionDetails{
			ActualGasFeeUSD:  gas.String(),
			FeeMode:          string(p.FeeMode),
			SplitMode:        p.SplitMode,
			PlatformRate:     p.FeeRate.String(),
			PlatformFeeUSDC:  p.PlatformFee.String(),
			RelayerRequestID: req.RequestID,
		}
		if p.ItemPrice == nil {
			details.FeeMode = string(feedomain.ModeLegacy)
		}
		if p.ProcessorFee != nil && !p.ProcessorFeeEstimated {
			actual := p.ProcessorFee.String()
			details.StripeFeeActual = &actual
		}

		creatorIDs := make([]snowflake.ID, 0, len(distributions))
		creatorTotal := decimal.Zero
		for _, d := range distributions {
			details.Collaborators = append(details.Collaborators, domain.DistributionLine{
				UserID:     d.UserID,
				Username:   d.Username,
				Wallet:     d.Wallet,
				Amount:     d.Amount,
				Percentage: d.Percentage,
				Role:       d.Role,
			})
			if err := s.repo.UpsertCollaboratorPayment(ctx, tx, &domain.CollaboratorPayment{
				ID:                   s.genID.Generate(),
				PurchaseID:           p.ID,
				CollaboratorID:       d.UserID,
				CollaboratorWallet:   d.Wallet,
				AmountUSDC:           d.Amount,
				Percentage:           d.Percentage,
				Role:                 d.Role,
				TransactionSignature: result.Signature,
				CreatedAt:            now,
				UpdatedAt:            now,
			}); err != nil {
				return err
			}
			creatorIDs = append(creatorIDs, d.UserID)
			creatorTotal = creatorTotal.Add(d.Amount)
		}
		raw, err := json.Marshal(details)
		if err != nil {
			return err
		}

		p.MintAddress = result.MintAddress
		p.TxSignature = result.Signature
		p.PlatformUSDCFronted = result.PlatformFronted
		p.PlatformUSDCEarned = result.PlatformEarned
		p.DistributionStatus = domain.DistributionCompleted
		p.DistributionDetails = datatypes.JSON(raw)

		if p.ChapterID == nil && p.ContentID != nil {
			if _, err := s.catalog.DecrementEditions(ctx, tx, *p.ContentID); err != nil {
				return err
			}
		}

		sale, err := s.tier.RecordSale(ctx, tx, item.ProjectID(), creatorIDs, p.SaleAmount())
		if err != nil {
			return err
		}
		upgrades = len(sale.Upgrades)

		if _, err := s.ledger.CreateEntry(ctx, tx,
			ledgerdomain.SourceTypePurchaseSettlement,
			p.ID,
			"USD",
			now,
			settlementPostings(p, gas, creatorTotal),
		); err != nil {
			return err
		}

		if err := s.apply(p, domain.StatusCompleted, ""); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return s.auditTx(ctx, tx, p.ID, "purchase.settled", map[string]any{
			"request_id":    req.RequestID,
			"signature":     result.Signature,
			"mint_address":  result.MintAddress,
			"creator_total": creatorTotal.String(),
			"platform_fee":  p.PlatformFee.String(),
			"gas_fee":       gas.String(),
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return out, upgrades, nil
}

// fail records a failed settlement attempt and schedules the next one while
// retries remain.
func (s *Service) fail(ctx context.Context, id snowflake.ID, cause error, retryable bool, opts domain.SettleOptions) (*domain.Purchase, error) {
	var (
		out       *domain.Purchase
		delay     time.Duration
		scheduled bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.LockByID(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.ErrNotFound
		}
		if p.Status.Terminal() {
			out = p
			return nil
		}
		if p.Status != domain.StatusFailed {
			if err := s.apply(p, domain.StatusFailed, cause.Error()); err != nil {
				return err
			}
		} else {
			p.FailureReason = truncate(cause.Error(), maxFailureReason)
			p.UpdatedAt = s.clock.Now().UTC()
		}
		p.DistributionStatus = domain.DistributionFailed
		p.NextRetryAt = nil
		if chain.Unconfirmed(cause) {
			if err := markUnconfirmed(p); err != nil {
				return err
			}
		}

		if retryable && !opts.NoRetry && p.RetryCount < s.cfg.Settlement.MaxRetries {
			delay = retryDelay(s.cfg.Settlement.RetryBaseDelay, p.RetryCount)
			next := p.UpdatedAt.Add(delay)
			p.RetryCount++
			p.NextRetryAt = &next
			scheduled = true
		}
		if err := s.repo.Update(ctx, tx, p); err != nil {
			return err
		}
		out = p
		metadata := map[string]any{
			"reason":      truncate(cause.Error(), maxFailureReason),
			"retry_count": p.RetryCount,
			"retryable":   retryable,
		}
		if p.NextRetryAt != nil {
			metadata["next_retry_at"] = p.NextRetryAt.Format(time.RFC3339)
		}
		return s.auditTx(ctx, tx, p.ID, "purchase.settlement_failed", metadata)
	})
	if err != nil {
		return nil, errors.Join(cause, err)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordSettlement(ctx, "failed", out.SplitMode, 0)
	}
	if scheduled {
		if err := s.runner.SubmitAfter(ctx, delay, "settle_retry", s.settleTask(id, false)); err != nil {
			s.log.Warn("settlement retry not queued, sweep will pick it up",
				zap.String("purchase_id", id.String()),
				zap.Error(err),
			)
		}
	} else if !opts.NoRetry && out.Status == domain.StatusFailed {
		s.notify(ctx, notificationdomain.Event{
			Kind:  notificationdomain.KindPurchaseFailed,
			Alert: fmt.Sprintf("purchase %s failed after %d retries: %s", id, out.RetryCount, out.FailureReason),
		})
	}
	return out, fmt.Errorf("settle purchase %s: %w", id, cause)
}

func (s *Service) ScheduleSettlement(ctx context.Context, id snowflake.ID) error {
	return s.runner.Submit(ctx, "settle", s.settleTask(id, false))
}

// settleTask wraps Settle for the task runner. Only the sweeper resumes
// minting rows, which it has leased.
func (s *Service) settleTask(id snowflake.ID, resume bool) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.Settle(ctx, id, domain.SettleOptions{Resume: resume})
		if errors.Is(err, domain.ErrLocked) || errors.Is(err, domain.ErrInProgress) {
			return nil
		}
		return err
	}
}

// RetryDue claims failed purchases whose retry time has passed and stale
// minting purchases, and submits each for settlement.
func (s *Service) RetryDue(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now().UTC()
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		waited := time.Now()
		var err error
		ids, err = s.repo.ClaimDue(ctx, tx, now, now.Add(-staleMintingAfter), s.cfg.Settlement.MaxRetries, limit)
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourcePurchasesForRetry, time.Since(waited))
		if err != nil {
			return err
		}
		return s.repo.Lease(ctx, tx, ids, now, now.Add(retryLease))
	})
	if err != nil {
		return 0, err
	}

	var errs error
	submitted := 0
	for _, id := range ids {
		if err := s.runner.Submit(ctx, "settle_retry", s.settleTask(id, true)); err != nil {
			errs = errors.Join(errs, fmt.Errorf("submit %s: %w", id, err))
			continue
		}
		submitted++
	}
	return submitted, errs
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	return base * time.Duration(1<<attempt)
}

func requestID(p *domain.Purchase) string {
	return fmt.Sprintf("settle-%s-%d", p.ID, p.RetryCount)
}

// carriedRequestID keeps the request id of a submission that timed out so
// the relayer can deduplicate it. Anything else gets a fresh id.
func carriedRequestID(p *domain.Purchase) string {
	if len(p.DistributionDetails) > 0 {
		var prev domain.DistributionDetails
		if err := json.Unmarshal(p.DistributionDetails, &prev); err == nil && prev.RelayerUnconfirmed && prev.RelayerRequestID != "" {
			return prev.RelayerRequestID
		}
	}
	return requestID(p)
}

func markUnconfirmed(p *domain.Purchase) error {
	if len(p.DistributionDetails) == 0 {
		return nil
	}
	var details domain.DistributionDetails
	if err := json.Unmarshal(p.DistributionDetails, &details); err != nil {
		return fmt.Errorf("decode planned distribution: %w", err)
	}
	if details.RelayerRequestID == "" {
		return nil
	}
	details.RelayerUnconfirmed = true
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	p.DistributionDetails = datatypes.JSON(raw)
	return nil
}

func settleRequest(p *domain.Purchase, item catalogdomain.Collaboratable) (chain.SettleRequest, error) {
	var details domain.DistributionDetails
	if err := json.Unmarshal(p.DistributionDetails, &details); err != nil {
		return chain.SettleRequest{}, fmt.Errorf("decode planned distribution: %w", err)
	}
	distributions := make([]chain.Distribution, 0, len(details.Collaborators))
	for _, line := range details.Collaborators {
		distributions = append(distributions, chain.Distribution{
			UserID:     line.UserID,
			Username:   line.Username,
			Wallet:     line.Wallet,
			Amount:     line.Amount,
			Percentage: line.Percentage,
			Role:       line.Role,
		})
	}
	id := details.RelayerRequestID
	if id == "" {
		id = requestID(p)
	}
	return chain.SettleRequest{
		RequestID:      id,
		PurchaseID:     p.ID,
		BuyerWallet:    p.BuyerWallet,
		ItemKind:       string(item.Kind()),
		ItemID:         item.ItemID(),
		ItemTitle:      item.Title(),
		Distributions:  distributions,
		PlatformAmount: p.PlatformFee,
		TotalAmount:    p.USDCToDistribute,
	}, nil
}

func linesFromShares(shares []splitdomain.Share) []domain.DistributionLine {
	out := make([]domain.DistributionLine, 0, len(shares))
	for _, share := range shares {
		out = append(out, domain.DistributionLine{
			UserID:     share.UserID,
			Username:   share.Username,
			Wallet:     share.Wallet,
			Amount:     share.Amount,
			Percentage: share.Percentage,
			Role:       string(share.Role),
		})
	}
	return out
}

// settlementPostings books card proceeds against sales and the USDC paid
// out of treasury against gas and creator payouts.
func settlementPostings(p *domain.Purchase, gas, creators decimal.Decimal) []ledgerdomain.Posting {
	fee := decimal.Zero
	if p.ProcessorFee != nil {
		fee = *p.ProcessorFee
	}
	return []ledgerdomain.Posting{
		{Account: ledgerdomain.AccountCodeCashClearing, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: p.GrossAmount.Sub(fee)},
		{Account: ledgerdomain.AccountCodeProcessorFeeExpense, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: fee},
		{Account: ledgerdomain.AccountCodeSales, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: p.GrossAmount},
		{Account: ledgerdomain.AccountCodeGasExpense, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: gas},
		{Account: ledgerdomain.AccountCodeCreatorPayouts, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: creators},
		{Account: ledgerdomain.AccountCodeTreasuryUSDC, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: gas.Add(creators)},
	}
}
