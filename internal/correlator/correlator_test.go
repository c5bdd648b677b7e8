package correlator

import (
	"testing"
	"time"

	"flowtomanual/agent/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 5, 2, 14, 0, 0, 0, time.UTC)

func click(selector string, at time.Time) models.DomEvent {
	return models.DomEvent{Type: "click", Selector: selector, Timestamp: models.FormatTimestamp(at)}
}

func step(description string, at time.Time, shot string) models.StepPayload {
	return models.StepPayload{EventType: "click", Description: description, Timestamp: at.UnixMilli(), Screenshot: shot}
}

func TestMergeWithinWindow(t *testing.T) {
	events := []models.DomEvent{click("#submit", base)}

	near := Merge(events, []models.StepPayload{step("click on #submit", base.Add(500*time.Millisecond), "data:near")}, 2*time.Second)
	require.Len(t, near, 1)
	assert.Equal(t, "data:near", near[0].Screenshot)

	far := Merge(events, []models.StepPayload{step("click on #submit", base.Add(5*time.Second), "data:far")}, 2*time.Second)
	require.Len(t, far, 1)
	assert.Empty(t, far[0].Screenshot)
}

func TestMergeKeepsEveryEventInOrder(t *testing.T) {
	events := []models.DomEvent{
		click("#a", base),
		{Type: "keydown", Key: "Enter", Timestamp: "not a time", Selector: "#a"},
		click("", base),
		click("#b", base.Add(time.Second)),
	}
	steps := []models.StepPayload{
		step("click on #b", base.Add(time.Second), "data:first"),
		step("click on #b", base.Add(time.Second), "data:second"),
		step("click on #a", base.Add(-time.Second), ""),
	}

	merged := Merge(events, steps, 2*time.Second)
	require.Len(t, merged, 4)
	for i, m := range merged {
		assert.Equal(t, events[i], m.DomEvent)
	}
	assert.Empty(t, merged[0].Screenshot, "steps without an image never match")
	assert.Empty(t, merged[1].Screenshot)
	assert.Empty(t, merged[2].Screenshot)
	assert.Equal(t, "data:first", merged[3].Screenshot, "ties go to the first step")
}

func TestMergeCarriesUploadedPath(t *testing.T) {
	s := step("click on #go", base, "")
	s.ScreenshotPath = "/uploads/1.png"

	merged := Merge([]models.DomEvent{click("#go", base)}, []models.StepPayload{s}, time.Second)
	assert.Equal(t, "/uploads/1.png", merged[0].ScreenshotPath)
}

func TestAppendThumbnails(t *testing.T) {
	merged := Merge([]models.DomEvent{click("#a", base)}, nil, time.Second)
	merged = AppendThumbnails(merged, []string{"data:t1", "", "data:t2"}, base)

	require.Len(t, merged, 3)
	assert.Equal(t, models.EventThumbnail, merged[1].Type)
	assert.Equal(t, "data:t1", merged[1].Screenshot)
	assert.Equal(t, "data:t2", merged[2].Screenshot)
}
