package domain

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Mode selects how the distributable pool is divided.
type Mode string

const (
	// ModeCollaborative takes the platform cut off the top and splits the
	// remainder by each collaborator's share of the creator pool.
	ModeCollaborative Mode = "collaborative"
	// ModeSingleCreator applies percentages to the whole pool and leaves
	// the remainder to the platform.
	ModeSingleCreator Mode = "single_creator"
	// ModeAuto infers the mode from the summed percentages.
	ModeAuto Mode = "auto"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeCollaborative:
		return ModeCollaborative, nil
	case ModeSingleCreator:
		return ModeSingleCreator, nil
	default:
		return "", ErrInvalidMode
	}
}

type Role string

const (
	RoleOwner        Role = "owner"
	RoleCollaborator Role = "collaborator"
	RoleCreator      Role = "creator"
)

// Collaborator is one payout recipient and their stated percentage.
type Collaborator struct {
	UserID     snowflake.ID    `json:"user_id"`
	Username   string          `json:"username"`
	Wallet     string          `json:"wallet"`
	Percentage decimal.Decimal `json:"percentage"`
	Role       Role            `json:"role"`
}

// Share is a collaborator's computed payout in USDC.
type Share struct {
	UserID     snowflake.ID    `json:"user_id"`
	Username   string          `json:"username"`
	Wallet     string          `json:"wallet"`
	Percentage decimal.Decimal `json:"percentage"`
	Role       Role            `json:"role"`
	Amount     decimal.Decimal `json:"amount"`
}

type Result struct {
	Mode           Mode            `json:"mode"`
	Pool           decimal.Decimal `json:"pool"`
	PlatformRate   decimal.Decimal `json:"platform_rate"`
	PlatformAmount decimal.Decimal `json:"platform_amount"`
	CreatorPool    decimal.Decimal `json:"creator_pool"`
	Shares         []Share         `json:"shares"`
}

// CreatorTotal sums every collaborator share.
func (r Result) CreatorTotal() decimal.Decimal {
	total := decimal.Zero
	for _, share := range r.Shares {
		total = total.Add(share.Amount)
	}
	return total
}

var (
	ErrInvalidMode        = errors.New("invalid_split_mode")
	ErrNegativePool       = errors.New("negative_distributable_pool")
	ErrInvalidRate        = errors.New("invalid_platform_rate")
	ErrInvalidPercentage  = errors.New("invalid_collaborator_percentage")
	ErrPercentageOverflow = errors.New("collaborator_percentage_exceeds_total")
	ErrMissingWallet      = errors.New("missing_payout_wallet")
	ErrNoCollaborators    = errors.New("no_collaborators")
	ErrDuplicateRecipient = errors.New("duplicate_collaborator")
)

// SoloCreatorPercentage is the legacy single-owner convention.
var SoloCreatorPercentage = decimal.NewFromInt(90)

// Fallback builds the single-creator-at-90% recipient list used when an
// item has no collaborator records. A creator without a payout wallet is a
// hard error.
func Fallback(creator Collaborator) ([]Collaborator, error) {
	if strings.TrimSpace(creator.Wallet) == "" {
		return nil, ErrMissingWallet
	}
	creator.Percentage = SoloCreatorPercentage
	if creator.Role == "" {
		creator.Role = RoleCreator
	}
	return []Collaborator{creator}, nil
}
