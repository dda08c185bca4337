package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/catalog/domain"
	splitdomain "github.com/smallbiznis/settlement/internal/split/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	log  *zap.Logger
	repo domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		log:  p.Log.Named("catalog.service"),
		repo: p.Repo,
	}
}

type collaboratorSetter interface {
	domain.Collaboratable
	SetCollaborators([]splitdomain.Collaborator)
}

func (s *Service) Resolve(ctx context.Context, db *gorm.DB, ref domain.ItemRef) (domain.Collaboratable, error) {
	if !ref.Valid() {
		return nil, domain.ErrInvalidItemRef
	}

	var item collaboratorSetter
	if ref.ChapterID != nil {
		chapter, err := s.repo.FindChapter(ctx, db, *ref.ChapterID)
		if err != nil {
			return nil, err
		}
		if chapter == nil {
			return nil, domain.ErrItemNotFound
		}
		item = chapter
	} else {
		content, err := s.repo.FindContent(ctx, db, *ref.ContentID)
		if err != nil {
			return nil, err
		}
		if content == nil {
			return nil, domain.ErrItemNotFound
		}
		item = content
	}

	collaborators, err := s.collaborators(ctx, db, item)
	if err != nil {
		return nil, err
	}
	item.SetCollaborators(collaborators)
	return item, nil
}

func (s *Service) collaborators(ctx context.Context, db *gorm.DB, item domain.Collaboratable) ([]splitdomain.Collaborator, error) {
	if projectID := item.ProjectID(); projectID != 0 {
		rows, err := s.repo.ListAcceptedCollaborators(ctx, db, projectID)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			out := make([]splitdomain.Collaborator, 0, len(rows))
			for _, row := range rows {
				out = append(out, splitdomain.Collaborator{
					UserID:     row.UserID,
					Username:   row.Username,
					Wallet:     row.WalletAddress,
					Percentage: row.RevenuePercentage,
					Role:       splitdomain.Role(row.Role),
				})
			}
			return out, nil
		}
	}

	owner, err := s.repo.FindCreator(ctx, db, item.OwnerID())
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, domain.ErrOwnerNotFound
	}
	s.log.Debug("item has no collaborators, using owner fallback",
		zap.String("kind", string(item.Kind())),
		zap.String("item_id", item.ItemID().String()),
	)
	return splitdomain.Fallback(splitdomain.Collaborator{
		UserID:   owner.ID,
		Username: owner.Username,
		Wallet:   owner.WalletAddress,
		Role:     splitdomain.RoleCreator,
	})
}

func (s *Service) DecrementEditions(ctx context.Context, tx *gorm.DB, contentID snowflake.ID) (bool, error) {
	if contentID == 0 {
		return false, nil
	}
	return s.repo.DecrementEditions(ctx, tx, contentID)
}
