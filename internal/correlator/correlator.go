// Package correlator joins the DOM event log with screenshot steps.
package correlator

import (
	"strings"
	"time"

	"flowtomanual/agent/internal/models"
)

// MergedEvent is a DomEvent with the screenshot of its matching step, if any.
type MergedEvent struct {
	models.DomEvent
	Screenshot     string `json:"screenshot,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
}

// Merge attaches to every event the screenshot of the first step that lies
// within window of it and whose description mentions its selector. Every
// event is kept, in log order.
func Merge(events []models.DomEvent, steps []models.StepPayload, window time.Duration) []MergedEvent {
	merged := make([]MergedEvent, 0, len(events))
	for _, ev := range events {
		m := MergedEvent{DomEvent: ev}
		if step, ok := match(ev, steps, window); ok {
			m.Screenshot = step.Screenshot
			m.ScreenshotPath = step.ScreenshotPath
		}
		merged = append(merged, m)
	}
	return merged
}

func match(ev models.DomEvent, steps []models.StepPayload, window time.Duration) (models.StepPayload, bool) {
	if ev.Selector == "" {
		return models.StepPayload{}, false
	}
	at, err := ev.Time()
	if err != nil {
		return models.StepPayload{}, false
	}
	ms := at.UnixMilli()
	limit := window.Milliseconds()
	for _, step := range steps {
		if step.Screenshot == "" && step.ScreenshotPath == "" {
			continue
		}
		delta := step.Timestamp - ms
		if delta < 0 {
			delta = -delta
		}
		if delta <= limit && strings.Contains(step.Description, ev.Selector) {
			return step, true
		}
	}
	return models.StepPayload{}, false
}

// AppendThumbnails adds each thumbnail as a "thumbnail" pseudo-event stamped
// at the given time.
func AppendThumbnails(merged []MergedEvent, thumbnails []string, at time.Time) []MergedEvent {
	ts := models.FormatTimestamp(at)
	for _, thumb := range thumbnails {
		if thumb == "" {
			continue
		}
		merged = append(merged, MergedEvent{
			DomEvent:   models.DomEvent{Type: models.EventThumbnail, Timestamp: ts},
			Screenshot: thumb,
		})
	}
	return merged
}
