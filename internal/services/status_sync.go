package services

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatusSyncService periodically forgets finished recording sessions so their
// preview files do not pile up.
type StatusSyncService struct {
	sessions *SessionManager
	interval time.Duration
	ttl      time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewStatusSyncService(sessions *SessionManager, interval, ttl time.Duration, logger *zap.Logger) *StatusSyncService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &StatusSyncService{
		sessions: sessions,
		interval: interval,
		ttl:      ttl,
		logger:   logger.Named("status-sync"),
	}
}

func (s *StatusSyncService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.syncLoop(s.stop, s.done)
	s.logger.Info("status sync started", zap.Duration("interval", s.interval), zap.Duration("ttl", s.ttl))
}

func (s *StatusSyncService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("status sync stopped")
}

func (s *StatusSyncService) syncLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sync()
		}
	}
}

func (s *StatusSyncService) sync() {
	if n := s.sessions.Prune(s.ttl); n > 0 {
		s.logger.Info("expired recording sessions removed", zap.Int("count", n))
	}
}
