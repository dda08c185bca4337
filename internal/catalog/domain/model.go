package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	splitdomain "github.com/smallbiznis/settlement/internal/split/domain"
)

type ItemKind string

const (
	ItemKindContent ItemKind = "content"
	ItemKindChapter ItemKind = "chapter"
)

// Collaboratable is anything that can be bought and whose proceeds are
// paid out to a list of collaborators.
type Collaboratable interface {
	ItemID() snowflake.ID
	Kind() ItemKind
	Title() string
	OwnerID() snowflake.ID
	ProjectID() snowflake.ID
	SplitMode() splitdomain.Mode
	Collaborators() []splitdomain.Collaborator
}

// ItemRef points at exactly one of content or chapter.
type ItemRef struct {
	ContentID *snowflake.ID
	ChapterID *snowflake.ID
}

func (r ItemRef) Valid() bool {
	return (r.ContentID == nil) != (r.ChapterID == nil)
}

type Content struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	CreatorID   snowflake.ID    `json:"creator_id" gorm:"not null;index"`
	ProjectRef  *snowflake.ID   `json:"project_id" gorm:"column:project_id"`
	TitleText   string          `json:"title" gorm:"column:title;not null"`
	PriceUSD    decimal.Decimal `json:"price_usd" gorm:"type:numeric(12,2);not null"`
	Editions    int             `json:"editions" gorm:"not null;default:0"`
	Mode        string          `json:"split_mode" gorm:"column:split_mode;not null;default:auto"`
	NFTContract string          `json:"nft_contract"`
	CreatedAt   time.Time       `json:"created_at" gorm:"not null"`

	collaborators []splitdomain.Collaborator
}

func (Content) TableName() string { return "contents" }

type Chapter struct {
	ID         snowflake.ID    `json:"id" gorm:"primaryKey"`
	ContentID  *snowflake.ID   `json:"content_id"`
	CreatorID  snowflake.ID    `json:"creator_id" gorm:"not null;index"`
	ProjectRef *snowflake.ID   `json:"project_id" gorm:"column:project_id"`
	TitleText  string          `json:"title" gorm:"column:title;not null"`
	PriceUSD   decimal.Decimal `json:"price_usd" gorm:"type:numeric(12,2);not null"`
	Mode       string          `json:"split_mode" gorm:"column:split_mode;not null;default:auto"`
	CreatedAt  time.Time       `json:"created_at" gorm:"not null"`

	collaborators []splitdomain.Collaborator
}

func (Chapter) TableName() string { return "chapters" }

// Creator is the payout identity of a user.
type Creator struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	Username      string       `json:"username" gorm:"not null"`
	WalletAddress string       `json:"wallet_address"`
}

func (Creator) TableName() string { return "creators" }

// ProjectCollaborator is an accepted member of a collaborative project.
type ProjectCollaborator struct {
	ProjectID         snowflake.ID    `json:"project_id" gorm:"primaryKey"`
	UserID            snowflake.ID    `json:"user_id" gorm:"primaryKey"`
	Username          string          `json:"username" gorm:"->"`
	WalletAddress     string          `json:"wallet_address" gorm:"->"`
	RevenuePercentage decimal.Decimal `json:"revenue_percentage" gorm:"type:numeric(5,2);not null"`
	Role              string          `json:"role" gorm:"not null"`
	Status            string          `json:"status" gorm:"not null"`
}

func (ProjectCollaborator) TableName() string { return "project_collaborators" }

const CollaboratorStatusAccepted = "accepted"

func (c *Content) ItemID() snowflake.ID { return c.ID }
func (c *Content) Kind() ItemKind       { return ItemKindContent }
func (c *Content) Title() string        { return c.TitleText }
func (c *Content) OwnerID() snowflake.ID {
	return c.CreatorID
}
func (c *Content) ProjectID() snowflake.ID {
	if c.ProjectRef == nil {
		return 0
	}
	return *c.ProjectRef
}
func (c *Content) SplitMode() splitdomain.Mode {
	mode, err := splitdomain.ParseMode(c.Mode)
	if err != nil {
		return splitdomain.ModeAuto
	}
	return mode
}
func (c *Content) Collaborators() []splitdomain.Collaborator { return c.collaborators }

func (c *Content) SetCollaborators(list []splitdomain.Collaborator) { c.collaborators = list }

func (c *Chapter) ItemID() snowflake.ID { return c.ID }
func (c *Chapter) Kind() ItemKind       { return ItemKindChapter }
func (c *Chapter) Title() string        { return c.TitleText }
func (c *Chapter) OwnerID() snowflake.ID {
	return c.CreatorID
}
func (c *Chapter) ProjectID() snowflake.ID {
	if c.ProjectRef == nil {
		return 0
	}
	return *c.ProjectRef
}
func (c *Chapter) SplitMode() splitdomain.Mode {
	mode, err := splitdomain.ParseMode(c.Mode)
	if err != nil {
		return splitdomain.ModeAuto
	}
	return mode
}
func (c *Chapter) Collaborators() []splitdomain.Collaborator { return c.collaborators }

func (c *Chapter) SetCollaborators(list []splitdomain.Collaborator) { c.collaborators = list }

var (
	ErrInvalidItemRef = errors.New("invalid_item_reference")
	ErrItemNotFound   = errors.New("item_not_found")
	ErrOwnerNotFound  = errors.New("item_owner_not_found")
)
