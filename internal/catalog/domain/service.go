package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// Resolve loads the item with its payout list. Items without accepted
	// collaborators fall back to the owner alone.
	Resolve(ctx context.Context, db *gorm.DB, ref ItemRef) (Collaboratable, error)
	DecrementEditions(ctx context.Context, tx *gorm.DB, contentID snowflake.ID) (bool, error)
}

type Repository interface {
	FindContent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Content, error)
	FindChapter(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Chapter, error)
	FindCreator(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Creator, error)
	ListAcceptedCollaborators(ctx context.Context, db *gorm.DB, projectID snowflake.ID) ([]ProjectCollaborator, error)
	DecrementEditions(ctx context.Context, tx *gorm.DB, contentID snowflake.ID) (bool, error)
}
