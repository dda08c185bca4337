package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeSystem    ActorType = "system"
	ActorTypeWebhook   ActorType = "webhook"
	ActorTypeScheduler ActorType = "scheduler"
	ActorTypeAdmin     ActorType = "admin"
)

type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	ActorType  string            `json:"actor_type" gorm:"type:text;not null"`
	ActorID    *string           `json:"actor_id,omitempty"`
	Action     string            `json:"action" gorm:"type:text;not null;index"`
	TargetType string            `json:"target_type" gorm:"type:text;not null"`
	TargetID   *string           `json:"target_id,omitempty" gorm:"index"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	Limit      int
}

type Service interface {
	AuditLog(ctx context.Context, actorType ActorType, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	// AuditLogTx writes inside the caller's transaction so the entry commits
	// or rolls back with the change it describes.
	AuditLogTx(ctx context.Context, tx *gorm.DB, actorType ActorType, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, filter ListFilter) ([]AuditLog, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}

var (
	ErrInvalidAction = errors.New("invalid_action")
)
