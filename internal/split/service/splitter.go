package service

import (
	"strings"

	"github.com/shopspring/decimal"
	splitdomain "github.com/smallbiznis/settlement/internal/split/domain"
	"github.com/smallbiznis/settlement/pkg/money"
)

var (
	// collaborativeCutoff is the summed percentage above which auto mode
	// treats the list as a full collaborative split.
	collaborativeCutoff = decimal.NewFromInt(95)
	// percentageTolerance absorbs rounding in stored percentages.
	percentageTolerance = decimal.RequireFromString("100.01")
)

type splitter struct{}

func NewSplitter() splitdomain.Splitter {
	return splitter{}
}

func (splitter) Split(pool, platformRate decimal.Decimal, collaborators []splitdomain.Collaborator, mode splitdomain.Mode) (splitdomain.Result, error) {
	if pool.IsNegative() {
		return splitdomain.Result{}, splitdomain.ErrNegativePool
	}
	if platformRate.IsNegative() || platformRate.GreaterThan(money.One) {
		return splitdomain.Result{}, splitdomain.ErrInvalidRate
	}
	total, err := validate(collaborators)
	if err != nil {
		return splitdomain.Result{}, err
	}

	resolved, err := resolveMode(mode, total)
	if err != nil {
		return splitdomain.Result{}, err
	}

	result := splitdomain.Result{
		Mode:   resolved,
		Pool:   pool,
		Shares: make([]splitdomain.Share, 0, len(collaborators)),
	}

	base := pool
	if resolved == splitdomain.ModeCollaborative {
		result.PlatformRate = platformRate
		base = pool.Sub(money.RoundUSDC(pool.Mul(platformRate)))
	}
	result.CreatorPool = base

	distributed := decimal.Zero
	for _, c := range collaborators {
		amount := money.RoundUSDC(money.Percent(base, c.Percentage))
		distributed = distributed.Add(amount)
		result.Shares = append(result.Shares, splitdomain.Share{
			UserID:     c.UserID,
			Username:   c.Username,
			Wallet:     c.Wallet,
			Percentage: c.Percentage,
			Role:       c.Role,
			Amount:     amount,
		})
	}

	// Half-up rounding on every share can overshoot the pool by a few
	// micro-units when percentages sum to exactly 100.
	if over := distributed.Sub(pool); over.IsPositive() {
		last := len(result.Shares) - 1
		result.Shares[last].Amount = result.Shares[last].Amount.Sub(over)
		distributed = pool
	}

	result.PlatformAmount = pool.Sub(distributed)
	if resolved == splitdomain.ModeSingleCreator && pool.IsPositive() {
		result.PlatformRate = result.PlatformAmount.Div(pool).Round(6)
	}
	return result, nil
}

func validate(collaborators []splitdomain.Collaborator) (decimal.Decimal, error) {
	if len(collaborators) == 0 {
		return decimal.Zero, splitdomain.ErrNoCollaborators
	}
	total := decimal.Zero
	seen := make(map[string]struct{}, len(collaborators))
	for _, c := range collaborators {
		wallet := strings.TrimSpace(c.Wallet)
		if wallet == "" {
			return decimal.Zero, splitdomain.ErrMissingWallet
		}
		if c.Percentage.IsNegative() || c.Percentage.GreaterThan(money.Hundred) {
			return decimal.Zero, splitdomain.ErrInvalidPercentage
		}
		key := wallet
		if c.UserID != 0 {
			key = c.UserID.String()
		}
		if _, ok := seen[key]; ok {
			return decimal.Zero, splitdomain.ErrDuplicateRecipient
		}
		seen[key] = struct{}{}
		total = total.Add(c.Percentage)
	}
	if total.GreaterThan(percentageTolerance) {
		return decimal.Zero, splitdomain.ErrPercentageOverflow
	}
	return total, nil
}

func resolveMode(mode splitdomain.Mode, total decimal.Decimal) (splitdomain.Mode, error) {
	switch mode {
	case splitdomain.ModeCollaborative, splitdomain.ModeSingleCreator:
		return mode, nil
	case splitdomain.ModeAuto, "":
		if total.GreaterThan(collaborativeCutoff) {
			return splitdomain.ModeCollaborative, nil
		}
		return splitdomain.ModeSingleCreator, nil
	default:
		return "", splitdomain.ErrInvalidMode
	}
}
