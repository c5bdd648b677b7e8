package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/internal/recorder"
	"flowtomanual/agent/internal/state"
	"flowtomanual/agent/internal/uploader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memPersister struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (m *memPersister) Set(_ context.Context, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		raw, _ := json.Marshal(v)
		m.values[k] = raw
	}
	return nil
}

func (m *memPersister) GetInto(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

// fakeDispatcher applies START/STOP to the shared state like the coordinator.
type fakeDispatcher struct {
	states *state.Service

	mu        sync.Mutex
	observers []background.StepObserver
	types     []string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, msg background.Message, sender background.Sender) background.Response {
	d.mu.Lock()
	d.types = append(d.types, msg.Type)
	d.mu.Unlock()
	var err error
	switch msg.Type {
	case background.MsgStart:
		err = d.states.Start(ctx, msg.AppOrigin, sender.TabID)
	case background.MsgStop:
		err = d.states.Stop(ctx)
	}
	if err != nil {
		return background.Response{Error: err.Error()}
	}
	return background.Response{OK: true}
}

func (d *fakeDispatcher) Observe(fn background.StepObserver) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

func (d *fakeDispatcher) emit(step models.StepPayload) {
	d.mu.Lock()
	obs := append([]background.StepObserver(nil), d.observers...)
	d.mu.Unlock()
	for _, fn := range obs {
		fn(step)
	}
}

type fakeCapturer struct {
	onStop   func(models.Recording)
	onStart  func(ctx context.Context) error
	startErr error

	mu    sync.Mutex
	state recorder.State
}

func (c *fakeCapturer) Start(ctx context.Context) error {
	if c.startErr != nil {
		return c.startErr
	}
	if c.onStart != nil {
		if err := c.onStart(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.state = recorder.StateCapturing
	c.mu.Unlock()
	return nil
}

func (c *fakeCapturer) Stop() (*models.Recording, error) {
	c.mu.Lock()
	if c.state != recorder.StateCapturing {
		c.mu.Unlock()
		return nil, nil
	}
	c.state = recorder.StateIdle
	c.mu.Unlock()
	rec := models.Recording{Data: []byte("webm"), ContentType: "video/webm", StartedAt: time.Now()}
	c.onStop(rec)
	return &rec, nil
}

func (c *fakeCapturer) State() recorder.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCapturer) Elapsed() int { return 4 }

type memEvents struct {
	mu     sync.Mutex
	events []models.DomEvent
}

func (m *memEvents) Append(_ context.Context, e models.DomEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memEvents) All(context.Context) ([]models.DomEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DomEvent(nil), m.events...), nil
}

func (m *memEvents) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	return nil
}

type fakeUploader struct {
	mu       sync.Mutex
	inputs   []uploader.Input
	released []string
	err      error
}

func (u *fakeUploader) Process(_ context.Context, in uploader.Input, _ uploader.CompletionFunc) (uploader.Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inputs = append(u.inputs, in)
	if u.err != nil {
		return uploader.Result{Recording: in.Recording, PreviewPath: "/tmp/failed.webm", Steps: in.Steps, Errors: []error{u.err}}, u.err
	}
	return uploader.Result{SessionID: "sess-1", RecordingID: "rec-1", PreviewPath: "/tmp/p.webm", Steps: in.Steps}, nil
}

func (u *fakeUploader) ReleasePreview(path string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.released = append(u.released, path)
	return nil
}

func (u *fakeUploader) lastInput() uploader.Input {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inputs[len(u.inputs)-1]
}

type harness struct {
	manager    *SessionManager
	states     *state.Service
	dispatcher *fakeDispatcher
	capturer   *fakeCapturer
	logs       map[string]*memEvents
	upload     *fakeUploader
}

func newHarness(t *testing.T) *harness {
	logger := zaptest.NewLogger(t)
	h := &harness{
		states:   state.NewService(&memPersister{values: map[string][]byte{}}, logger),
		capturer: &fakeCapturer{},
		logs:     map[string]*memEvents{},
		upload:   &fakeUploader{},
	}
	h.dispatcher = &fakeDispatcher{states: h.states}
	var logsMu sync.Mutex
	logFor := func(origin string) EventStore {
		logsMu.Lock()
		defer logsMu.Unlock()
		if h.logs[origin] == nil {
			h.logs[origin] = &memEvents{}
		}
		return h.logs[origin]
	}
	h.manager = NewSessionManager(h.dispatcher, h.states,
		func(onStop func(models.Recording)) Capturer {
			h.capturer.onStop = onStop
			return h.capturer
		},
		logFor, h.upload, ManagerOptions{}, logger)
	t.Cleanup(h.manager.Close)
	return h
}

func waitStatus(t *testing.T, m *SessionManager, id, want string) RecordingStatus {
	t.Helper()
	var st RecordingStatus
	require.Eventually(t, func() bool {
		st, _ = m.GetRecordingStatus(id)
		return st.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return st
}

func TestSessionUploadsEventsAndSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.manager.Append(ctx, models.DomEvent{Type: "click", Selector: "#stale"}))

	id, err := h.manager.StartRecording(ctx, StartRequest{AppOrigin: "http://localhost:8080", AppTabID: 7, Title: "Checkout"})
	require.NoError(t, err)
	assert.Equal(t, state.State{IsRecording: true, AppOrigin: "http://localhost:8080", AppTabID: 7}, h.states.Snapshot())

	require.NoError(t, h.manager.Append(ctx, models.DomEvent{Type: "click", Selector: "#buy"}))
	h.dispatcher.emit(models.StepPayload{EventType: "click", Description: "click on #buy"})

	st, err := h.manager.GetRecordingStatus(id)
	require.NoError(t, err)
	assert.True(t, st.IsRecording)
	assert.Equal(t, 1, st.Steps)
	assert.Equal(t, 4, st.Elapsed)

	require.NoError(t, h.manager.StopRecording(ctx, id))
	st = waitStatus(t, h.manager, id, StatusCompleted)
	assert.Equal(t, "sess-1", st.BackendSessionID)
	assert.Equal(t, "rec-1", st.RecordingID)
	assert.False(t, h.states.Snapshot().IsRecording)

	in := h.upload.lastInput()
	assert.Equal(t, "http://localhost:8080", in.Origin)
	assert.Equal(t, "Checkout", in.Title)
	require.Len(t, in.Events, 1, "log is cleared at start")
	assert.Equal(t, "#buy", in.Events[0].Selector)
	require.Len(t, in.Steps, 1)

	h.dispatcher.emit(models.StepPayload{EventType: "click"})
	steps, _ := h.manager.Steps(id)
	assert.Len(t, steps, 1, "steps after the session are not collected")
}

func TestSecondSessionIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.manager.StartRecording(ctx, StartRequest{AppOrigin: "http://localhost:8080"})
	require.NoError(t, err)
	_, err = h.manager.StartRecording(ctx, StartRequest{AppOrigin: "http://localhost:8080"})
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestCaptureFailureClearsFlag(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.capturer.startErr = &recorder.CaptureError{Kind: recorder.KindPermissionDenied}

	_, err := h.manager.StartRecording(ctx, StartRequest{AppOrigin: "http://localhost:8080"})
	var ce *recorder.CaptureError
	require.ErrorAs(t, err, &ce)
	assert.False(t, h.states.Snapshot().IsRecording)

	h.capturer.startErr = nil
	_, err = h.manager.StartRecording(ctx, StartRequest{AppOrigin: "http://localhost:8080"})
	assert.NoError(t, err)
}

func TestFlagClearedByAppStopsCapture(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.manager.StartRecording(ctx, StartRequest{AppOrigin: "http://localhost:8080"})
	require.NoError(t, err)

	require.NoError(t, h.states.Stop(ctx))
	waitStatus(t, h.manager, id, StatusCompleted)
	assert.Equal(t, recorder.StateIdle, h.capturer.State())
}

func TestFailedUploadAndCleanup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.upload.err = errors.New("upload-recording failed: 502")

	id, err := h.manager.StartRecording(ctx, StartRequest{AppOrigin: "http://localhost:8080"})
	require.NoError(t, err)
	assert.Error(t, h.manager.CleanupRecording(id), "cannot clean up a live session")

	require.NoError(t, h.manager.StopRecording(ctx, id))
	st := waitStatus(t, h.manager, id, StatusFailed)
	assert.Equal(t, []string{"upload-recording failed: 502"}, st.Errors)

	require.NoError(t, h.manager.CleanupRecording(id))
	_, err = h.manager.GetRecordingStatus(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, h.manager.StopRecording(ctx, id), ErrSessionNotFound)
}

func TestPruneDropsOldFinishedSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.manager.StartRecording(ctx, StartRequest{AppOrigin: "http://localhost:8080"})
	require.NoError(t, err)
	assert.Zero(t, h.manager.Prune(0))

	require.NoError(t, h.manager.StopRecording(ctx, id))
	waitStatus(t, h.manager, id, StatusCompleted)

	assert.Zero(t, h.manager.Prune(time.Hour))
	assert.Equal(t, 1, h.manager.Prune(-time.Second))
	assert.Equal(t, []string{"/tmp/p.webm"}, h.upload.released)
}

func TestRetryFailedUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.upload.err = errors.New("upload-recording failed: 502")

	id, err := h.manager.StartRecording(ctx, StartRequest{AppOrigin: "http://localhost:8080", Title: "Refund"})
	require.NoError(t, err)
	require.NoError(t, h.manager.Append(ctx, models.DomEvent{Type: "click", Selector: "#refund"}))
	h.dispatcher.emit(models.StepPayload{EventType: "click", Description: "click on #refund", Screenshot: "data:image/png;base64,cG5n"})
	assert.ErrorIs(t, h.manager.RetryUpload(id), ErrNotRetryable, "still recording")

	require.NoError(t, h.manager.StopRecording(ctx, id))
	st := waitStatus(t, h.manager, id, StatusFailed)
	assert.Equal(t, "/tmp/failed.webm", st.PreviewPath, "the recording is on disk while the upload is down")

	h.upload.err = nil
	require.NoError(t, h.manager.RetryUpload(id))
	st = waitStatus(t, h.manager, id, StatusCompleted)
	assert.Equal(t, "sess-1", st.BackendSessionID)
	assert.Empty(t, st.Errors)

	in := h.upload.lastInput()
	assert.Equal(t, "Refund", in.Title)
	assert.Equal(t, "/tmp/failed.webm", in.PreviewPath)
	assert.Equal(t, []byte("webm"), in.Recording.Data)
	require.Len(t, in.Events, 1)
	assert.Equal(t, "#refund", in.Events[0].Selector)
	require.Len(t, in.Steps, 1)
	assert.NotEmpty(t, in.Steps[0].Screenshot)

	assert.ErrorIs(t, h.manager.RetryUpload(id), ErrNotRetryable)
	assert.ErrorIs(t, h.manager.RetryUpload("nope"), ErrSessionNotFound)
}

func TestPruneKeepsPreviewOfFailedUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.upload.err = errors.New("upload-recording failed: 502")

	id, err := h.manager.StartRecording(ctx, StartRequest{AppOrigin: "http://localhost:8080"})
	require.NoError(t, err)
	require.NoError(t, h.manager.StopRecording(ctx, id))
	waitStatus(t, h.manager, id, StatusFailed)

	assert.Equal(t, 1, h.manager.Prune(-time.Second))
	assert.Empty(t, h.upload.released)
	_, err = h.manager.GetRecordingStatus(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
