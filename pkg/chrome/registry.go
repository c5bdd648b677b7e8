package chrome

import (
	"context"
	"sort"
	"sync"

	"flowtomanual/agent/internal/background"

	"github.com/chromedp/cdproto/target"
)

type tabEntry struct {
	background.Tab
	targetID target.ID
	ctx      context.Context
	cancel   context.CancelFunc
}

// registry maps DevTools targets to small integer tab ids and remembers which
// tab is in front of each window.
type registry struct {
	mu       sync.RWMutex
	nextID   int
	byTarget map[target.ID]*tabEntry
	byID     map[int]*tabEntry
	active   map[int]int // window id -> tab id
	focused  int
}

func newRegistry() *registry {
	return &registry{
		nextID:   1,
		byTarget: make(map[target.ID]*tabEntry),
		byID:     make(map[int]*tabEntry),
		active:   make(map[int]int),
	}
}

// add registers a page target and returns its tab. The bool is false when the
// target was already known.
func (r *registry) add(id target.ID, windowID int, url, title string) (background.Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byTarget[id]; ok {
		return e.Tab, false
	}
	e := &tabEntry{
		Tab:      background.Tab{ID: r.nextID, WindowID: windowID, URL: url, Title: title},
		targetID: id,
	}
	r.nextID++
	r.byTarget[id] = e
	r.byID[e.ID] = e
	if _, ok := r.active[windowID]; !ok && windowID != 0 {
		r.active[windowID] = e.ID
	}
	if r.focused == 0 {
		r.focused = windowID
	}
	return e.Tab, true
}

func (r *registry) bind(ctx context.Context, tabID int, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[tabID]; ok {
		e.ctx, e.cancel = ctx, cancel
		return
	}
	cancel()
}

func (r *registry) update(id target.ID, url, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byTarget[id]; ok {
		e.URL, e.Title = url, title
	}
}

func (r *registry) remove(id target.ID) (*tabEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTarget[id]
	if !ok {
		return nil, false
	}
	delete(r.byTarget, id)
	delete(r.byID, e.ID)
	if r.active[e.WindowID] == e.ID {
		delete(r.active, e.WindowID)
	}
	return e, true
}

// activate brings tabID to the front of its window and focuses the window.
// focusMoved is true when another window had focus before.
func (r *registry) activate(tabID int) (windowID int, focusMoved bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[tabID]
	if !ok {
		return 0, false, false
	}
	r.active[e.WindowID] = e.ID
	focusMoved = r.focused != e.WindowID
	r.focused = e.WindowID
	return e.WindowID, focusMoved, true
}

func (r *registry) get(tabID int) (tabEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[tabID]
	if !ok {
		return tabEntry{}, false
	}
	return r.snapshot(e), true
}

func (r *registry) snapshot(e *tabEntry) tabEntry {
	out := *e
	out.Active = r.active[e.WindowID] == e.ID
	return out
}

// activeIn returns the front tab of windowID, or of the focused window when
// windowID is 0.
func (r *registry) activeIn(windowID int) (tabEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if windowID == 0 {
		windowID = r.focused
	}
	id, ok := r.active[windowID]
	if !ok {
		return tabEntry{}, false
	}
	e, ok := r.byID[id]
	if !ok {
		return tabEntry{}, false
	}
	return r.snapshot(e), true
}

func (r *registry) list() []background.Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tabs := make([]background.Tab, 0, len(r.byID))
	for _, e := range r.byID {
		tabs = append(tabs, r.snapshot(e).Tab)
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].ID < tabs[j].ID })
	return tabs
}
