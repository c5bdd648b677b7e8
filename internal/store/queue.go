package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowtomanual/agent/internal/models"

	"gorm.io/gorm"
)

// RetryQueue persists backend requests that failed so they survive restarts.
type RetryQueue struct {
	db         *gorm.DB
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
}

func NewRetryQueue(db *gorm.DB, maxRetries int) *RetryQueue {
	return &RetryQueue{
		db:         db,
		maxRetries: maxRetries,
		backoff:    30 * time.Second,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (q *RetryQueue) Enqueue(ctx context.Context, kind, sessionID, origin string, payload any, cause error) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	item := models.PendingUpload{
		Kind:          kind,
		SessionID:     sessionID,
		Origin:        origin,
		Payload:       string(raw),
		NextAttemptAt: q.now(),
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	if err := q.db.WithContext(ctx).Create(&item).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s upload: %w", kind, err)
	}
	return nil
}

// Due returns up to limit items whose next attempt time has passed.
func (q *RetryQueue) Due(ctx context.Context, limit int) ([]models.PendingUpload, error) {
	var items []models.PendingUpload
	err := q.db.WithContext(ctx).
		Where("next_attempt_at <= ? AND attempts < ?", q.now(), q.maxRetries).
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending uploads: %w", err)
	}
	return items, nil
}

func (q *RetryQueue) MarkDone(ctx context.Context, id uint) error {
	return q.db.WithContext(ctx).Delete(&models.PendingUpload{}, id).Error
}

// MarkFailed records the attempt and pushes the next try back linearly.
func (q *RetryQueue) MarkFailed(ctx context.Context, item models.PendingUpload, cause error) error {
	attempts := item.Attempts + 1
	updates := map[string]any{
		"attempts":        attempts,
		"next_attempt_at": q.now().Add(time.Duration(attempts) * q.backoff),
		"last_error":      "",
	}
	if cause != nil {
		updates["last_error"] = cause.Error()
	}
	return q.db.WithContext(ctx).Model(&models.PendingUpload{}).
		Where("id = ?", item.ID).Updates(updates).Error
}

func (q *RetryQueue) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.PendingUpload{}).
		Where("attempts < ?", q.maxRetries).Count(&n).Error
	return n, err
}
