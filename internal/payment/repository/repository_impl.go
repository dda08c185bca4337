package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, eventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, status, payload, error,
			received_at, processed_at
		 FROM webhook_events
		 WHERE provider = ? AND event_id = ?
		 LIMIT 1`,
		provider,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, provider, event_id, event_type, status, payload, error,
			received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.EventID,
		event.EventType,
		event.Status,
		event.Payload,
		event.Error,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.EventStatus, errText string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, error = ?, processed_at = ?
		 WHERE id = ?`,
		status,
		errText,
		at,
		id,
	).Error
}
