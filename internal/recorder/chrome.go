package recorder

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"flowtomanual/agent/pkg/frames"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// TabResolver returns the chromedp context of the tab to record.
type TabResolver func(ctx context.Context) (context.Context, error)

// ScreencastSource records a Chrome tab through the DevTools screencast.
type ScreencastSource struct {
	resolve TabResolver
	quality int64
	logger  *zap.Logger
}

func NewScreencastSource(resolve TabResolver, logger *zap.Logger) *ScreencastSource {
	return &ScreencastSource{
		resolve: resolve,
		quality: 80,
		logger:  logger.Named("screencast"),
	}
}

func (s *ScreencastSource) Open(ctx context.Context) (Stream, error) {
	st := &screencastStream{
		resolve: s.resolve,
		quality: s.quality,
		done:    make(chan struct{}),
		logger:  s.logger,
	}
	tabCtx, err := st.target(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.follow(tabCtx); err != nil {
		st.end()
		return nil, fmt.Errorf("%w: failed to start screencast: %v", ErrUnsupported, err)
	}
	return st, nil
}

// screencastStream records one tab at a time. Retarget moves it to the tab
// the resolver picks now.
type screencastStream struct {
	resolve TabResolver
	quality int64
	logger  *zap.Logger

	// switchMu serializes Retarget and Stop.
	switchMu sync.Mutex

	mu      sync.RWMutex
	tabCtx  context.Context
	gen     int
	latest  []byte
	stopped bool

	endOnce sync.Once
	done    chan struct{}
}

func (s *screencastStream) target(ctx context.Context) (context.Context, error) {
	tabCtx, err := s.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSource, err)
	}
	if tabCtx == nil || tabCtx.Err() != nil {
		return nil, ErrNoSource
	}
	return tabCtx, nil
}

// follow starts the screencast on tabCtx and makes it the recorded tab once
// the screencast runs.
func (s *screencastStream) follow(tabCtx context.Context) error {
	s.mu.RLock()
	gen := s.gen + 1
	s.mu.RUnlock()

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventScreencastFrame:
			s.onFrame(tabCtx, gen, e)
		case *inspector.EventDetached, *inspector.EventTargetCrashed:
			s.lost(gen)
		}
	})

	err := chromedp.Run(tabCtx,
		page.StartScreencast().
			WithFormat(page.ScreencastFormatJpeg).
			WithQuality(s.quality).
			WithEveryNthFrame(1),
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.gen = gen
	s.tabCtx = tabCtx
	s.latest = nil
	s.mu.Unlock()

	go func() {
		select {
		case <-tabCtx.Done():
			s.lost(gen)
		case <-s.done:
		}
	}()
	return nil
}

// Retarget moves the screencast to the tab the resolver picks. It keeps the
// current tab when no other tab qualifies.
func (s *screencastStream) Retarget(ctx context.Context) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	next, err := s.target(ctx)
	if err != nil {
		return err
	}
	s.mu.RLock()
	prev, stopped := s.tabCtx, s.stopped
	s.mu.RUnlock()
	if stopped || next == prev {
		return nil
	}

	if err := s.follow(next); err != nil {
		return fmt.Errorf("failed to move screencast: %w", err)
	}
	if prev != nil && prev.Err() == nil {
		if err := chromedp.Run(prev, page.StopScreencast()); err != nil {
			s.logger.Debug("failed to stop previous screencast", zap.Error(err))
		}
	}
	s.logger.Debug("screencast moved to another tab")
	return nil
}

// lost ends the stream when the recorded tab goes away.
func (s *screencastStream) lost(gen int) {
	s.mu.RLock()
	current := gen == s.gen
	s.mu.RUnlock()
	if current {
		s.end()
	}
}

func (s *screencastStream) onFrame(tabCtx context.Context, gen int, e *page.EventScreencastFrame) {
	// chromedp.Run must not be called from the listener goroutine.
	go func(sessionID int64) {
		if err := chromedp.Run(tabCtx, page.ScreencastFrameAck(sessionID)); err != nil {
			s.logger.Debug("screencast ack failed", zap.Error(err))
		}
	}(e.SessionID)

	data, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return
	}
	s.mu.Lock()
	if !s.stopped && gen == s.gen {
		s.latest = data
	}
	s.mu.Unlock()
}

func (s *screencastStream) LatestFrame() ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped || len(s.latest) == 0 {
		return nil, "", false
	}
	return s.latest, frames.ContentTypeJPEG, true
}

func (s *screencastStream) Done() <-chan struct{} {
	return s.done
}

func (s *screencastStream) end() {
	s.endOnce.Do(func() { close(s.done) })
}

func (s *screencastStream) Stop() error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.latest = nil
	tabCtx := s.tabCtx
	s.mu.Unlock()

	// Stop comes after Done when the tab went away; nothing left to release.
	select {
	case <-s.done:
		return nil
	default:
	}
	s.end()
	if tabCtx == nil || tabCtx.Err() != nil {
		return nil
	}
	return chromedp.Run(tabCtx, page.StopScreencast())
}
