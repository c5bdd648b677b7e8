package content

import (
	"context"
	"sync"
)

// Set holds the injector of every open tab.
type Set struct {
	mu        sync.Mutex
	injectors map[int]*Injector
}

func NewSet() *Set {
	return &Set{injectors: make(map[int]*Injector)}
}

// Add registers inj for tabID. An injector already registered for the tab is
// closed.
func (s *Set) Add(ctx context.Context, tabID int, inj *Injector) error {
	s.mu.Lock()
	old := s.injectors[tabID]
	s.injectors[tabID] = inj
	s.mu.Unlock()
	if old != nil {
		return old.Close(ctx)
	}
	return nil
}

func (s *Set) Get(tabID int) (*Injector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inj, ok := s.injectors[tabID]
	return inj, ok
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.injectors)
}

// Remove closes and forgets the injector of tabID.
func (s *Set) Remove(ctx context.Context, tabID int) error {
	s.mu.Lock()
	inj := s.injectors[tabID]
	delete(s.injectors, tabID)
	s.mu.Unlock()
	if inj == nil {
		return nil
	}
	return inj.Close(ctx)
}

// Drain waits until every tab has finished the steps it was building.
func (s *Set) Drain() {
	for _, inj := range s.snapshot() {
		inj.Listener().Wait()
	}
}

func (s *Set) CloseAll(ctx context.Context) {
	s.mu.Lock()
	all := s.injectors
	s.injectors = make(map[int]*Injector)
	s.mu.Unlock()
	for _, inj := range all {
		inj.Close(ctx)
	}
}

func (s *Set) snapshot() []*Injector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Injector, 0, len(s.injectors))
	for _, inj := range s.injectors {
		out = append(out, inj)
	}
	return out
}
