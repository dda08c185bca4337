package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/audit/masking"
	"github.com/smallbiznis/settlement/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) AuditLog(ctx context.Context, actorType auditdomain.ActorType, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	return s.AuditLogTx(ctx, s.db, actorType, actorID, action, targetType, targetID, metadata)
}

func (s *Service) AuditLogTx(ctx context.Context, tx *gorm.DB, actorType auditdomain.ActorType, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	if actorType == "" {
		actorType = auditdomain.ActorTypeSystem
	}
	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		targetType = "unknown"
	}

	payload := map[string]any{}
	for key, value := range metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := correlation.ExtractCorrelationID(ctx); requestID != "" {
		payload["request_id"] = requestID
	}
	masking.MaskFields(payload, "buyer_wallet", "wallet", "payment_intent_id")

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  string(actorType),
		ActorID:    normalizePointer(actorID),
		Action:     action,
		TargetType: targetType,
		TargetID:   normalizePointer(targetID),
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  time.Now().UTC(),
	}

	if tx == nil {
		tx = s.db
	}
	if err := s.repo.Insert(ctx, tx, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, filter auditdomain.ListFilter) ([]auditdomain.AuditLog, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 250 {
		filter.Limit = 250
	}
	return s.repo.List(ctx, s.db, filter)
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
