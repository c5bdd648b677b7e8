package store

import (
	"context"
	"fmt"

	"flowtomanual/agent/internal/models"

	"gorm.io/gorm"
)

// EventLog is the durable, ordered tracked_dom_events log for one origin.
// Insertion order is the canonical event timeline.
type EventLog struct {
	db     *gorm.DB
	origin string
}

func NewEventLog(db *gorm.DB, origin string) *EventLog {
	return &EventLog{db: db, origin: origin}
}

func (l *EventLog) Origin() string {
	return l.origin
}

func (l *EventLog) Append(ctx context.Context, ev models.DomEvent) error {
	row := models.TrackedDomEvent{
		Origin:    l.origin,
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Selector:  ev.Selector,
		Value:     ev.Value,
		Key:       ev.Key,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append dom event: %w", err)
	}
	return nil
}

// All returns the log in insertion order.
func (l *EventLog) All(ctx context.Context) ([]models.DomEvent, error) {
	var rows []models.TrackedDomEvent
	err := l.db.WithContext(ctx).
		Where("origin = ?", l.origin).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read dom events: %w", err)
	}

	events := make([]models.DomEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, models.DomEvent{
			Type:      row.Type,
			Timestamp: row.Timestamp,
			Selector:  row.Selector,
			Value:     row.Value,
			Key:       row.Key,
		})
	}
	return events, nil
}

func (l *EventLog) Len(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.TrackedDomEvent{}).
		Where("origin = ?", l.origin).Count(&n).Error
	return n, err
}

// Clear empties the log. Only called when a recording starts.
func (l *EventLog) Clear(ctx context.Context) error {
	err := l.db.WithContext(ctx).
		Where("origin = ?", l.origin).
		Delete(&models.TrackedDomEvent{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear dom events: %w", err)
	}
	return nil
}
