package capture

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/pkg/selector"
)

// RawEvent is what the page hook reports for one DOM event.
type RawEvent struct {
	Type      string           `json:"type"`
	Timestamp int64            `json:"timestamp"` // epoch ms
	Target    selector.Lineage `json:"target,omitempty"`
	Value     string           `json:"value,omitempty"`
	Key       string           `json:"key,omitempty"`
	Role      string           `json:"role,omitempty"`
	ClassName string           `json:"className,omitempty"`
	NavLabel  string           `json:"navLabel,omitempty"`
	Text      string           `json:"text,omitempty"`
	URL       string           `json:"url,omitempty"`
	Title     string           `json:"title,omitempty"`
}

// Time returns the event time, falling back to now when the hook sent none.
func (e RawEvent) Time(now time.Time) time.Time {
	if e.Timestamp <= 0 {
		return now
	}
	return time.UnixMilli(e.Timestamp)
}

const maxLabelRunes = 80

var navClassPattern = regexp.MustCompile(`(?i)(^|[\s_-])(menu|menuitem|menu-item|nav|nav-item|nav-link|navbar|sidebar|sidenav|breadcrumb)([\s_-]|$)`)

// NavigationLabel detects menu or navigation intent and returns a human
// readable label for it.
func NavigationLabel(e RawEvent) (string, bool) {
	if e.Type != models.EventClick {
		return "", false
	}
	label := strings.TrimSpace(e.NavLabel)
	switch {
	case label != "":
	case strings.EqualFold(e.Role, "menuitem"), navClassPattern.MatchString(e.ClassName):
		label = strings.Join(strings.Fields(e.Text), " ")
	default:
		return "", false
	}
	if label == "" {
		label = "menu item"
	}
	if r := []rune(label); len(r) > maxLabelRunes {
		label = string(r[:maxLabelRunes])
	}
	return label, true
}

func describe(eventType, sel string) string {
	if sel == "" {
		sel = "document"
	}
	return fmt.Sprintf("%s on %s", eventType, sel)
}
