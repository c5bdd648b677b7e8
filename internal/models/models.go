package models

import (
	"time"

	"gorm.io/gorm"
)

type BaseModel struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// DomEvent is one normalized user interaction. Never mutated after creation.
type DomEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"` // RFC 3339 with milliseconds
	Selector  string `json:"selector"`
	Value     string `json:"value,omitempty"`
	Key       string `json:"key,omitempty"`
}

// Time parses the event timestamp.
func (e DomEvent) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// FormatTimestamp renders t the way DomEvent timestamps are stored.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// StepPayload is a screenshot-augmented projection of a DomEvent.
// Screenshot holds an inline data URI until the upload coordinator replaces it
// with ScreenshotPath; the two are never sent together.
type StepPayload struct {
	Timestamp      int64  `json:"timestamp"` // epoch ms
	EventType      string `json:"event_type"`
	Description    string `json:"description"`
	Selector       string `json:"selector,omitempty"`
	Value          string `json:"value,omitempty"`
	Screenshot     string `json:"screenshot,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	HumanLabel     string `json:"human_label,omitempty"`
}

// Event types that warrant visual context.
const (
	EventClick         = "click"
	EventInput         = "input"
	EventChange        = "change"
	EventSubmit        = "submit"
	EventKeyDown       = "keydown"
	EventKeyUp         = "keyup"
	EventScroll        = "scroll"
	EventNavigation    = "navigation"
	EventPageLoad      = "page-load"
	EventMenu          = "menu"
	EventTabVisibility = "tab-visibility"
	EventWindowFocus   = "window-focus"
	EventAutoCapture   = "auto-capture"
	EventTabActivated  = "tab-activated"
	EventThumbnail     = "thumbnail"
)

var visualEvents = map[string]bool{
	EventClick:         true,
	EventInput:         true,
	EventChange:        true,
	EventSubmit:        true,
	EventNavigation:    true,
	EventPageLoad:      true,
	EventMenu:          true,
	EventTabVisibility: true,
	EventWindowFocus:   true,
	EventAutoCapture:   true,
}

// IsVisualEvent reports whether events of type t get a screenshot step.
func IsVisualEvent(t string) bool {
	return visualEvents[t]
}

// Recording is the encoded screen capture handed from the recorder to the
// upload coordinator.
type Recording struct {
	Data        []byte        `json:"-"`
	ContentType string        `json:"content_type"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

func (r Recording) Size() int {
	return len(r.Data)
}

// TrackedDomEvent is the durable row behind the tracked_dom_events log.
type TrackedDomEvent struct {
	ID        uint   `gorm:"primarykey"`
	Origin    string `gorm:"size:255;index;not null"`
	Type      string `gorm:"size:50;not null"`
	Timestamp string `gorm:"size:40;not null"`
	Selector  string `gorm:"type:text"`
	Value     string `gorm:"type:text"`
	Key       string `gorm:"size:50"`
	CreatedAt time.Time
}

func (TrackedDomEvent) TableName() string {
	return "tracked_dom_events"
}

// SessionValue is one key of the session-scoped store.
type SessionValue struct {
	Key       string `gorm:"primarykey;size:100"`
	Value     string `gorm:"type:text"` // JSON
	UpdatedAt time.Time
}

// PendingUpload is a queued backend request that failed and will be retried.
type PendingUpload struct {
	BaseModel
	Kind          string    `json:"kind" gorm:"size:30;not null;index"` // steps, events
	SessionID     string    `json:"session_id" gorm:"size:100;not null"`
	Origin        string    `json:"origin" gorm:"size:255"`
	Payload       string    `json:"payload" gorm:"type:longtext"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at" gorm:"index"`
	LastError     string    `json:"last_error" gorm:"type:text"`
}

const (
	UploadKindSteps  = "steps"
	UploadKindEvents = "events"
)
