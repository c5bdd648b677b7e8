package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"flowtomanual/agent/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Keys of the session-scoped store shared by the coordinator and the tabs.
const (
	KeyIsRecording = "FTM_IS_RECORDING"
	KeyAppOrigin   = "FTM_APP_ORIGIN"
	KeyAppTabID    = "FTM_APP_TAB_ID"
)

// SessionKV is a session-scoped key/value store. Values are JSON encoded.
// Reset wipes it, which the agent does at startup.
type SessionKV struct {
	db *gorm.DB
}

func NewSessionKV(db *gorm.DB) *SessionKV {
	return &SessionKV{db: db}
}

// Set writes all values in one transaction.
func (s *SessionKV) Set(ctx context.Context, values map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, value := range values {
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", key, err)
			}
			row := models.SessionValue{Key: key, Value: string(raw)}
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("failed to store %s: %w", key, err)
			}
		}
		return nil
	})
}

// Get returns the raw JSON of the requested keys that exist.
func (s *SessionKV) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	var rows []models.SessionValue
	if err := s.db.WithContext(ctx).Where("`key` IN ?", keys).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read session values: %w", err)
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		out[row.Key] = json.RawMessage(row.Value)
	}
	return out, nil
}

// GetInto decodes a single key into dst. Missing keys leave dst untouched and
// report false.
func (s *SessionKV) GetInto(ctx context.Context, key string, dst any) (bool, error) {
	var row models.SessionValue
	err := s.db.WithContext(ctx).Where("`key` = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(row.Value), dst); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *SessionKV) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.SessionValue{}).Error
}
