// Package services holds the long-lived jobs around a recording: the session
// manager that turns a screen capture plus its DOM events into an uploaded
// session, and the scheduler that retries failed uploads.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/internal/correlator"
	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/internal/recorder"
	"flowtomanual/agent/internal/state"
	"flowtomanual/agent/internal/uploader"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session states reported by GetRecordingStatus.
const (
	StatusRecording = "recording"
	StatusUploading = "uploading"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	ErrSessionActive   = errors.New("a recording session is already active")
	ErrSessionNotFound = errors.New("recording session not found")
	ErrNotRetryable    = errors.New("only a failed upload can be retried")
)

type Dispatcher interface {
	Dispatch(ctx context.Context, msg background.Message, sender background.Sender) background.Response
	Observe(fn background.StepObserver)
}

// Capturer is the screen recorder as seen by a session.
type Capturer interface {
	Start(ctx context.Context) error
	Stop() (*models.Recording, error)
	State() recorder.State
	Elapsed() int
}

type EventStore interface {
	Append(ctx context.Context, e models.DomEvent) error
	All(ctx context.Context) ([]models.DomEvent, error)
	Clear(ctx context.Context) error
}

type Uploader interface {
	Process(ctx context.Context, in uploader.Input, done uploader.CompletionFunc) (uploader.Result, error)
	ReleasePreview(path string) error
}

type StartRequest struct {
	AppOrigin   string `json:"app_origin" binding:"required"`
	AppTabID    int    `json:"app_tab_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type RecordingStatus struct {
	SessionID        string    `json:"session_id"`
	Status           string    `json:"status"`
	IsRecording      bool      `json:"is_recording"`
	Elapsed          int       `json:"elapsed"`
	Steps            int       `json:"steps"`
	StartedAt        time.Time `json:"started_at"`
	BackendSessionID string    `json:"backend_session_id,omitempty"`
	RecordingID      string    `json:"recording_id,omitempty"`
	PreviewPath      string    `json:"preview_path,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
}

type session struct {
	id          string
	appOrigin   string
	title       string
	description string
	startedAt   time.Time
	finishedAt  time.Time
	status      string
	steps       []models.StepPayload
	events      []models.DomEvent
	result      uploader.Result
}

type ManagerOptions struct {
	// Drain blocks until every tab has finished building its in-flight steps.
	Drain func()
	// UploadTimeout bounds the whole upload pipeline of one session.
	UploadTimeout time.Duration
}

// SessionManager runs one recording session at a time. It collects every
// forwarded step, owns the app-origin event log for the session, and hands the
// finished recording to the upload pipeline.
type SessionManager struct {
	dispatcher Dispatcher
	states     *state.Service
	capturer   Capturer
	logFor     func(origin string) EventStore
	upload     Uploader
	opts       ManagerOptions
	logger     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	active   *session
	uploads  sync.WaitGroup
	unsub    func()
}

// NewSessionManager wires the manager to the coordinator's step stream.
// newCapturer receives the callback the recorder must call with every
// finished recording.
func NewSessionManager(
	dispatcher Dispatcher,
	states *state.Service,
	newCapturer func(onStop func(models.Recording)) Capturer,
	logFor func(origin string) EventStore,
	upload Uploader,
	opts ManagerOptions,
	logger *zap.Logger,
) *SessionManager {
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 10 * time.Minute
	}
	m := &SessionManager{
		dispatcher: dispatcher,
		states:     states,
		logFor:     logFor,
		upload:     upload,
		opts:       opts,
		logger:     logger.Named("sessions"),
		sessions:   make(map[string]*session),
	}
	m.capturer = newCapturer(m.onRecordingStopped)
	dispatcher.Observe(m.collect)
	m.unsub = states.Subscribe(m.onStateChanged)
	return m
}

// Append writes ev to the event log of the current app origin. It is the
// event sink of every tab listener.
func (m *SessionManager) Append(ctx context.Context, ev models.DomEvent) error {
	return m.logFor(m.states.Snapshot().AppOrigin).Append(ctx, ev)
}

func (m *SessionManager) StartRecording(ctx context.Context, req StartRequest) (string, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return "", ErrSessionActive
	}
	s := &session{
		id:          uuid.NewString(),
		appOrigin:   req.AppOrigin,
		title:       req.Title,
		description: req.Description,
		startedAt:   time.Now(),
		status:      StatusRecording,
	}
	m.active = s
	m.mu.Unlock()

	abort := func(err error) (string, error) {
		m.mu.Lock()
		m.active = nil
		m.mu.Unlock()
		return "", err
	}

	if err := m.logFor(req.AppOrigin).Clear(ctx); err != nil {
		return abort(fmt.Errorf("failed to clear event log: %w", err))
	}
	resp := m.dispatcher.Dispatch(ctx, background.Message{Type: background.MsgStart, AppOrigin: req.AppOrigin},
		background.Sender{TabID: req.AppTabID})
	if !resp.OK {
		return abort(fmt.Errorf("failed to set recording flag: %s%s", resp.Reason, resp.Error))
	}
	if err := m.capturer.Start(ctx); err != nil {
		m.dispatcher.Dispatch(context.WithoutCancel(ctx), background.Message{Type: background.MsgStop}, background.Sender{})
		return abort(err)
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.logger.Info("recording session started", zap.String("session_id", s.id), zap.String("app_origin", req.AppOrigin))
	return s.id, nil
}

// StopRecording ends capture. The upload continues in the background; poll
// GetRecordingStatus for its outcome.
func (m *SessionManager) StopRecording(ctx context.Context, sessionID string) error {
	m.mu.RLock()
	s, exists := m.sessions[sessionID]
	active := m.active == s
	m.mu.RUnlock()
	if !exists {
		return ErrSessionNotFound
	}
	if !active {
		return nil
	}
	if _, err := m.capturer.Stop(); err != nil {
		m.logger.Warn("recorder stopped with error", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

func (m *SessionManager) GetRecordingStatus(sessionID string) (RecordingStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return RecordingStatus{}, ErrSessionNotFound
	}
	st := RecordingStatus{
		SessionID:        s.id,
		Status:           s.status,
		IsRecording:      s.status == StatusRecording,
		Steps:            len(s.steps),
		StartedAt:        s.startedAt,
		BackendSessionID: s.result.SessionID,
		RecordingID:      s.result.RecordingID,
		PreviewPath:      s.result.PreviewPath,
	}
	if st.IsRecording {
		st.Elapsed = m.capturer.Elapsed()
	} else {
		st.Elapsed = int(s.finishedAt.Sub(s.startedAt).Seconds())
	}
	for _, err := range s.result.Errors {
		st.Errors = append(st.Errors, err.Error())
	}
	return st, nil
}

// Timeline returns the event log of a finished session joined with its steps
// and thumbnails.
func (m *SessionManager) Timeline(sessionID string) ([]correlator.MergedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return append([]correlator.MergedEvent(nil), s.result.Events...), nil
}

// Steps returns a copy of the steps collected so far.
func (m *SessionManager) Steps(sessionID string) ([]models.StepPayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return append([]models.StepPayload(nil), s.steps...), nil
}

// CleanupRecording forgets a finished session and removes its preview file.
func (m *SessionManager) CleanupRecording(sessionID string) error {
	m.mu.Lock()
	s, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	if s.status == StatusRecording || s.status == StatusUploading {
		m.mu.Unlock()
		return fmt.Errorf("recording session %s is still %s", sessionID, s.status)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	return m.upload.ReleasePreview(s.result.PreviewPath)
}

// Prune drops finished sessions older than ttl and returns how many went. The
// preview of a failed upload stays on disk; it may be the only copy.
func (m *SessionManager) Prune(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	n := 0
	var stale []string
	m.mu.Lock()
	for id, s := range m.sessions {
		if !s.finishedAt.Before(cutoff) {
			continue
		}
		switch s.status {
		case StatusCompleted:
			stale = append(stale, id)
		case StatusFailed:
			delete(m.sessions, id)
			n++
			m.logger.Warn("dropped failed session, preview kept",
				zap.String("session_id", id), zap.String("preview_path", s.result.PreviewPath))
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.CleanupRecording(id); err != nil {
			m.logger.Warn("failed to clean up session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Wait blocks until every started upload has finished.
func (m *SessionManager) Wait() {
	m.uploads.Wait()
}

// Close stops an active capture and waits for its upload.
func (m *SessionManager) Close() {
	m.unsub()
	if m.capturer.State() == recorder.StateCapturing {
		if _, err := m.capturer.Stop(); err != nil {
			m.logger.Warn("recorder stopped with error", zap.Error(err))
		}
	}
	m.Wait()
}

func (m *SessionManager) collect(step models.StepPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Steps still arriving while the session drains belong to it.
	if m.active != nil {
		m.active.steps = append(m.active.steps, step)
	}
}

// onStateChanged stops capture when the app cleared the flag itself.
func (m *SessionManager) onStateChanged(st state.State) {
	if st.IsRecording {
		return
	}
	m.mu.RLock()
	recording := m.active != nil && m.active.status == StatusRecording
	m.mu.RUnlock()
	if recording && m.capturer.State() == recorder.StateCapturing {
		go func() {
			if _, err := m.capturer.Stop(); err != nil {
				m.logger.Warn("recorder stopped with error", zap.Error(err))
			}
		}()
	}
}

// onRecordingStopped runs for every finished recording: user stop, duration
// ceiling or the stream ending on its own.
func (m *SessionManager) onRecordingStopped(rec models.Recording) {
	m.mu.Lock()
	s := m.active
	if s == nil {
		m.mu.Unlock()
		m.logger.Warn("recording finished without a session", zap.Int("bytes", rec.Size()))
		return
	}
	s.status = StatusUploading
	s.finishedAt = time.Now()
	m.uploads.Add(1)
	m.mu.Unlock()

	go m.finish(s, rec)
}

func (m *SessionManager) finish(s *session, rec models.Recording) {
	defer m.uploads.Done()
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.UploadTimeout)
	defer cancel()

	if m.states.Snapshot().IsRecording {
		if resp := m.dispatcher.Dispatch(ctx, background.Message{Type: background.MsgStop}, background.Sender{}); !resp.OK {
			m.logger.Warn("failed to clear recording flag", zap.String("reason", resp.Reason), zap.String("error", resp.Error))
		}
	}
	if m.opts.Drain != nil {
		m.opts.Drain()
	}

	m.mu.Lock()
	steps := append([]models.StepPayload(nil), s.steps...)
	m.active = nil
	m.mu.Unlock()

	events, err := m.logFor(s.appOrigin).All(ctx)
	if err != nil {
		m.logger.Error("failed to read event log", zap.String("session_id", s.id), zap.Error(err))
	}

	m.process(ctx, s, uploader.Input{
		Origin:      s.appOrigin,
		Title:       s.title,
		Description: s.description,
		Recording:   rec,
		Events:      events,
		Steps:       steps,
	})
}

// RetryUpload runs the upload of a failed session again from the recording
// kept in memory. The recording is not uploaded twice when the backend
// already stored it.
func (m *SessionManager) RetryUpload(sessionID string) error {
	m.mu.Lock()
	s, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.status != StatusFailed {
		m.mu.Unlock()
		return ErrNotRetryable
	}
	s.status = StatusUploading
	in := uploader.Input{
		Origin:      s.appOrigin,
		Title:       s.title,
		Description: s.description,
		Recording:   s.result.Recording,
		Events:      s.events,
		Steps:       append([]models.StepPayload(nil), s.steps...),
		RecordingID: s.result.RecordingID,
		PreviewPath: s.result.PreviewPath,
	}
	m.uploads.Add(1)
	m.mu.Unlock()

	m.logger.Info("retrying session upload", zap.String("session_id", sessionID), zap.String("recording_id", in.RecordingID))
	go func() {
		defer m.uploads.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.UploadTimeout)
		defer cancel()
		m.process(ctx, s, in)
	}()
	return nil
}

func (m *SessionManager) process(ctx context.Context, s *session, in uploader.Input) {
	res, err := m.upload.Process(ctx, in, nil)

	m.mu.Lock()
	s.events = in.Events
	s.result = res
	s.steps = res.Steps
	if err != nil && res.SessionID == "" {
		s.status = StatusFailed
	} else {
		s.status = StatusCompleted
	}
	status := s.status
	m.mu.Unlock()

	m.logger.Info("recording session finished",
		zap.String("session_id", s.id),
		zap.String("status", status),
		zap.String("backend_session_id", res.SessionID),
		zap.Int("events", len(in.Events)),
		zap.Int("steps", len(in.Steps)))
}
