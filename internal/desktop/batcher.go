// Package desktop serves the older full-desktop capture flow: the whole screen
// is recorded while page events arrive one by one and are shipped to the
// backend in periodic batches.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/internal/models"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var (
	ErrNoSession      = errors.New("no desktop session active")
	ErrSessionRunning = errors.New("a desktop session is already active")
)

type Backend interface {
	PostEvents(ctx context.Context, sessionID string, events []models.DomEvent) error
	UploadRecording(ctx context.Context, rec models.Recording, title, description string) (string, error)
	AttachRecording(ctx context.Context, sessionID, recordingID string) error
}

type Capturer interface {
	Start(ctx context.Context) error
	Stop() (*models.Recording, error)
}

type RetryQueue interface {
	Enqueue(ctx context.Context, kind, sessionID, origin string, payload any, cause error) error
}

// Scheduler runs fn on a cron spec.
type Scheduler interface {
	AddJob(name, spec string, fn func()) error
}

type desktopSession struct {
	id        string
	token     string
	startedAt time.Time
	backend   Backend
}

// Batcher implements background.LegacyHandler.
type Batcher struct {
	backendFor func(token string) Backend
	queue      RetryQueue
	timeout    time.Duration
	logger     *zap.Logger
	capturer   Capturer

	mu      sync.Mutex
	session *desktopSession
	buffer  []models.DomEvent
	uploads sync.WaitGroup
}

func NewBatcher(backendFor func(token string) Backend, newCapturer func(onStop func(models.Recording)) Capturer, queue RetryQueue, logger *zap.Logger) *Batcher {
	b := &Batcher{
		backendFor: backendFor,
		queue:      queue,
		timeout:    5 * time.Minute,
		logger:     logger.Named("desktop"),
	}
	b.capturer = newCapturer(b.onRecordingStopped)
	return b
}

var _ background.LegacyHandler = (*Batcher)(nil)

// Schedule registers the periodic flush, e.g. "@every 5s".
func (b *Batcher) Schedule(s Scheduler, spec string) error {
	return s.AddJob("flush-desktop-events", spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		b.Flush(ctx)
	})
}

func (b *Batcher) HandleLegacy(ctx context.Context, msg background.Message) background.Response {
	var err error
	switch msg.Type {
	case background.MsgSessionStarted:
		err = b.start(ctx, msg.SessionID, msg.Token)
	case background.MsgEventRecorded:
		err = b.record(msg.Event)
	case background.MsgSessionStopped:
		err = b.stop(ctx)
	default:
		return background.Response{Reason: background.ReasonUnknownMessage}
	}
	if errors.Is(err, ErrNoSession) {
		return background.Response{Reason: background.ReasonNotRecording}
	}
	if err != nil {
		return background.Response{Error: err.Error()}
	}
	return background.Response{OK: true}
}

func (b *Batcher) start(ctx context.Context, sessionID, token string) error {
	if sessionID == "" {
		return errors.New("sessionId is required")
	}
	b.mu.Lock()
	if b.session != nil {
		b.mu.Unlock()
		return ErrSessionRunning
	}
	b.session = &desktopSession{
		id:        sessionID,
		token:     token,
		startedAt: time.Now(),
		backend:   b.backendFor(token),
	}
	b.buffer = nil
	b.mu.Unlock()

	if err := b.capturer.Start(ctx); err != nil {
		// Events are still batched without video.
		b.logger.Warn("desktop capture unavailable", zap.String("session_id", sessionID), zap.Error(err))
	}
	b.logger.Info("desktop session started", zap.String("session_id", sessionID))
	return nil
}

func (b *Batcher) record(raw []byte) error {
	ev, err := ParseEvent(raw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ErrNoSession
	}
	b.buffer = append(b.buffer, ev)
	return nil
}

func (b *Batcher) stop(ctx context.Context) error {
	b.mu.Lock()
	if b.session == nil {
		b.mu.Unlock()
		return ErrNoSession
	}
	b.mu.Unlock()

	rec, err := b.capturer.Stop()
	if err != nil {
		b.logger.Warn("desktop capture stopped with error", zap.Error(err))
	}
	b.Flush(ctx)

	b.mu.Lock()
	s := b.session
	b.session = nil
	b.mu.Unlock()

	if rec == nil {
		b.logger.Info("desktop session stopped without video", zap.String("session_id", s.id))
	}
	return nil
}

// onRecordingStopped uploads the video and links it to the session. It runs
// inside capturer.Stop, before the session is released.
func (b *Batcher) onRecordingStopped(rec models.Recording) {
	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	if s == nil || rec.Size() == 0 {
		return
	}
	b.uploads.Add(1)
	go func() {
		defer b.uploads.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.attach(ctx, s, rec); err != nil {
			b.logger.Error("desktop recording not linked", zap.String("session_id", s.id), zap.Error(err))
		}
	}()
}

func (b *Batcher) attach(ctx context.Context, s *desktopSession, rec models.Recording) error {
	title := "Desktop recording " + s.startedAt.Format(time.RFC3339)
	recordingID, err := s.backend.UploadRecording(ctx, rec, title, "")
	if err != nil {
		return fmt.Errorf("failed to upload recording: %w", err)
	}
	if err := s.backend.AttachRecording(ctx, s.id, recordingID); err != nil {
		return fmt.Errorf("failed to attach recording %s: %w", recordingID, err)
	}
	b.logger.Info("desktop recording linked", zap.String("session_id", s.id), zap.String("recording_id", recordingID))
	return nil
}

// Flush posts the buffered events. A failed batch goes to the retry queue.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	s, batch := b.session, b.buffer
	b.buffer = nil
	b.mu.Unlock()
	if s == nil || len(batch) == 0 {
		return
	}

	err := s.backend.PostEvents(ctx, s.id, batch)
	if err == nil {
		b.logger.Debug("event batch sent", zap.String("session_id", s.id), zap.Int("events", len(batch)))
		return
	}
	b.logger.Warn("event batch failed, queued for retry", zap.String("session_id", s.id), zap.Int("events", len(batch)), zap.Error(err))
	if qerr := b.queue.Enqueue(ctx, models.UploadKindEvents, s.id, "", batch, err); qerr != nil {
		b.logger.Error("failed to queue event batch", zap.Error(qerr))
	}
}

// Wait blocks until pending recording uploads have finished.
func (b *Batcher) Wait() {
	b.uploads.Wait()
}

// ParseEvent reads an event in either the current shape or the older one that
// carries the selector as "path".
func ParseEvent(raw []byte) (models.DomEvent, error) {
	if !gjson.ValidBytes(raw) {
		return models.DomEvent{}, errors.New("event is not valid JSON")
	}
	r := gjson.ParseBytes(raw)
	ev := models.DomEvent{
		Type:      r.Get("type").String(),
		Timestamp: r.Get("timestamp").String(),
		Selector:  r.Get("selector").String(),
		Value:     r.Get("value").String(),
		Key:       r.Get("key").String(),
	}
	if ev.Type == "" {
		return models.DomEvent{}, errors.New("event type is required")
	}
	if ev.Selector == "" {
		ev.Selector = r.Get("path").String()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = models.FormatTimestamp(time.Now())
	}
	if ev.Type == models.EventScroll && ev.Value == "" {
		ev.Value = r.Get("scrollY").String()
	}
	return ev, nil
}
