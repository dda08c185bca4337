package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindContent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Content, error) {
	var content domain.Content
	err := db.WithContext(ctx).Raw(
		`SELECT id, creator_id, project_id, title, price_usd, editions, split_mode, nft_contract, created_at
		 FROM contents WHERE id = ?`,
		id,
	).Scan(&content).Error
	if err != nil {
		return nil, err
	}
	if content.ID == 0 {
		return nil, nil
	}
	return &content, nil
}

func (r *repo) FindChapter(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Chapter, error) {
	var chapter domain.Chapter
	err := db.WithContext(ctx).Raw(
		`SELECT id, content_id, creator_id, project_id, title, price_usd, split_mode, created_at
		 FROM chapters WHERE id = ?`,
		id,
	).Scan(&chapter).Error
	if err != nil {
		return nil, err
	}
	if chapter.ID == 0 {
		return nil, nil
	}
	return &chapter, nil
}

func (r *repo) FindCreator(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Creator, error) {
	var creator domain.Creator
	err := db.WithContext(ctx).Raw(
		`SELECT id, username, wallet_address FROM creators WHERE id = ?`,
		id,
	).Scan(&creator).Error
	if err != nil {
		return nil, err
	}
	if creator.ID == 0 {
		return nil, nil
	}
	return &creator, nil
}

func (r *repo) ListAcceptedCollaborators(ctx context.Context, db *gorm.DB, projectID snowflake.ID) ([]domain.ProjectCollaborator, error) {
	var rows []domain.ProjectCollaborator
	err := db.WithContext(ctx).Raw(
		`SELECT pc.project_id, pc.user_id, c.username, c.wallet_address,
		        pc.revenue_percentage, pc.role, pc.status
		 FROM project_collaborators pc
		 JOIN creators c ON c.id = pc.user_id
		 WHERE pc.project_id = ? AND pc.status = ?
		 ORDER BY pc.user_id`,
		projectID,
		domain.CollaboratorStatusAccepted,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DecrementEditions never takes the count below zero; a content with zero
// editions is treated as unlimited.
func (r *repo) DecrementEditions(ctx context.Context, tx *gorm.DB, contentID snowflake.ID) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE contents SET editions = editions - 1 WHERE id = ? AND editions > 0`,
		contentID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
