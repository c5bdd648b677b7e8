// Package state owns the process-wide recording flag shared by the background
// coordinator and every tab. Service is the only writer; readers subscribe and
// re-derive their local view on every notification.
package state

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"flowtomanual/agent/internal/store"

	"go.uber.org/zap"
)

type State struct {
	IsRecording bool   `json:"is_recording"`
	AppOrigin   string `json:"app_origin"`
	AppTabID    int    `json:"app_tab_id"`
}

// IsAppURL reports whether url belongs to the application's own origin.
func (s State) IsAppURL(url string) bool {
	if url == "" || s.AppOrigin == "" {
		return false
	}
	return strings.HasPrefix(url, s.AppOrigin)
}

type Persister interface {
	Set(ctx context.Context, values map[string]any) error
	GetInto(ctx context.Context, key string, dst any) (bool, error)
}

type Service struct {
	mu     sync.RWMutex
	state  State
	store  Persister
	logger *zap.Logger

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(State)
}

func NewService(p Persister, logger *zap.Logger) *Service {
	return &Service{
		store:  p,
		logger: logger.Named("state"),
		subs:   make(map[int]func(State)),
	}
}

// Restore reloads the last persisted state, e.g. after an agent restart.
func (s *Service) Restore(ctx context.Context) error {
	var st State
	if _, err := s.store.GetInto(ctx, store.KeyIsRecording, &st.IsRecording); err != nil {
		return err
	}
	if _, err := s.store.GetInto(ctx, store.KeyAppOrigin, &st.AppOrigin); err != nil {
		return err
	}
	if _, err := s.store.GetInto(ctx, store.KeyAppTabID, &st.AppTabID); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify(st)
	return nil
}

// Start sets the recording flag. A zero appTabID keeps the previous app tab.
func (s *Service) Start(ctx context.Context, appOrigin string, appTabID int) error {
	s.mu.Lock()
	next := s.state
	next.IsRecording = true
	next.AppOrigin = appOrigin
	if appTabID != 0 {
		next.AppTabID = appTabID
	}
	err := s.store.Set(ctx, map[string]any{
		store.KeyIsRecording: true,
		store.KeyAppOrigin:   next.AppOrigin,
		store.KeyAppTabID:    next.AppTabID,
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to persist recording state: %w", err)
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Info("recording flag set", zap.String("app_origin", appOrigin), zap.Int("app_tab_id", next.AppTabID))
	s.notify(next)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	next := s.state
	next.IsRecording = false
	if err := s.store.Set(ctx, map[string]any{store.KeyIsRecording: false}); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to persist recording state: %w", err)
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Info("recording flag cleared")
	s.notify(next)
	return nil
}

func (s *Service) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn for every change. fn must not call back into Start
// or Stop synchronously.
func (s *Service) Subscribe(fn func(State)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Service) notify(st State) {
	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
