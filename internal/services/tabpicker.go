package services

import (
	"context"
	"errors"
	"sync"

	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/internal/state"
)

var ErrNoRecordableTab = errors.New("no tab outside the app is open")

// TabSource lists the browser's tabs.
type TabSource interface {
	ActiveTab(ctx context.Context, windowID int) (background.Tab, error)
	List() []background.Tab
}

// TabPicker chooses the tab the screen recorder follows. The app tab and any
// page on the app origin are never chosen.
type TabPicker struct {
	tabs   TabSource
	states *state.Service

	mu      sync.Mutex
	current int
}

func NewTabPicker(tabs TabSource, states *state.Service) *TabPicker {
	return &TabPicker{tabs: tabs, states: states}
}

// Pick prefers the focused tab, then the tab already recorded, then the first
// open tab outside the app.
func (p *TabPicker) Pick(ctx context.Context) (int, error) {
	st := p.states.Snapshot()
	recordable := func(tab background.Tab) bool {
		return tab.ID != 0 && tab.ID != st.AppTabID && !st.IsAppURL(tab.URL)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tab, err := p.tabs.ActiveTab(ctx, 0); err == nil && recordable(tab) {
		p.current = tab.ID
		return tab.ID, nil
	}

	var first int
	for _, tab := range p.tabs.List() {
		if !recordable(tab) {
			continue
		}
		if tab.ID == p.current {
			return tab.ID, nil
		}
		if first == 0 {
			first = tab.ID
		}
	}
	if first == 0 {
		p.current = 0
		return 0, ErrNoRecordableTab
	}
	p.current = first
	return first, nil
}
