package content

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/internal/capture"
	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/internal/state"
	"flowtomanual/agent/pkg/selector"

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

type pageHooks struct {
	mu     sync.Mutex
	origin string
	emit   func(capture.RawEvent)
}

func (h *pageHooks) Install(_ context.Context, emit func(capture.RawEvent)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emit = emit
	return nil
}

func (h *pageHooks) Remove(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emit = nil
	return nil
}

func (h *pageHooks) Origin(context.Context) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.origin
}

func (h *pageHooks) installed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.emit != nil
}

func (h *pageHooks) fire(raw capture.RawEvent) {
	h.mu.Lock()
	emit := h.emit
	h.mu.Unlock()
	if emit != nil {
		emit(raw)
	}
}

type fakeCoordinator struct {
	mu       sync.Mutex
	messages []background.Message
	senders  []background.Sender
	steps    []models.StepPayload
}

func (c *fakeCoordinator) Dispatch(_ context.Context, msg background.Message, sender background.Sender) background.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.senders = append(c.senders, sender)
	return background.Response{OK: true}
}

func (c *fakeCoordinator) ForwardStep(_ context.Context, step models.StepPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step)
}

func (c *fakeCoordinator) snapshot() ([]background.Message, []models.StepPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]background.Message(nil), c.messages...), append([]models.StepPayload(nil), c.steps...)
}

type discard struct{}

func (discard) Append(context.Context, models.DomEvent) error { return nil }

const appOrigin = "http://localhost:8080"

func newInjector(t *testing.T, tabID int, origin string) (*Injector, *pageHooks, *fakeCoordinator, *state.Service) {
	t.Helper()
	hooks := &pageHooks{origin: origin}
	coord := &fakeCoordinator{}
	states := state.NewService(&memPersister{values: map[string][]byte{}}, zaptest.NewLogger(t))
	inj := New(Options{
		TabID:       tabID,
		Hooks:       hooks,
		Events:      discard{},
		States:      states,
		Coordinator: coord,
		Sender: func(context.Context) background.Sender {
			return background.Sender{TabID: tabID, WindowID: 3, URL: origin + "/page"}
		},
	}, zaptest.NewLogger(t))
	inj.Start(context.Background())
	t.Cleanup(func() { _ = inj.Close(context.Background()) })
	return inj, hooks, coord, states
}

func TestFollowsRecordingFlag(t *testing.T) {
	ctx := context.Background()
	inj, hooks, _, states := newInjector(t, 9, "https://shop.example.com")
	assert.False(t, hooks.installed())

	require.NoError(t, states.Start(ctx, appOrigin, 7))
	assert.Eventually(t, func() bool { return inj.Listener().Attached() }, time.Second, 5*time.Millisecond)

	require.NoError(t, states.Stop(ctx))
	assert.Eventually(t, func() bool { return !inj.Listener().Attached() }, time.Second, 5*time.Millisecond)
}

func TestNeverAttachesOnApp(t *testing.T) {
	ctx := context.Background()
	appPage, appHooks, _, appStates := newInjector(t, 7, appOrigin)
	require.NoError(t, appStates.Start(ctx, appOrigin, 7))

	// A tab sitting on the app but not the one that started recording.
	other, _, _, otherStates := newInjector(t, 12, appOrigin)
	require.NoError(t, otherStates.Start(ctx, appOrigin, 7))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, appPage.Listener().Attached())
	assert.False(t, appHooks.installed())
	assert.False(t, other.Listener().Attached())
}

func TestRelaysClicksOnly(t *testing.T) {
	ctx := context.Background()
	inj, hooks, coord, states := newInjector(t, 9, "https://shop.example.com")
	require.NoError(t, states.Start(ctx, appOrigin, 7))
	require.Eventually(t, func() bool { return inj.Listener().Attached() }, time.Second, 5*time.Millisecond)

	target := selector.Lineage{{Tag: "a", ID: "checkout"}, {Tag: "body"}, {Tag: "html"}}
	hooks.fire(capture.RawEvent{Type: models.EventClick, Target: target})
	hooks.fire(capture.RawEvent{Type: models.EventWindowFocus, Value: "focus", Title: "Cart"})
	hooks.fire(capture.RawEvent{Type: models.EventSubmit, Target: target})

	require.NoError(t, inj.Close(ctx))
	msgs, steps := coord.snapshot()

	require.Len(t, msgs, 1)
	assert.Equal(t, background.MsgCaptureClick, msgs[0].Type)
	assert.Equal(t, "#checkout", msgs[0].Selector)
	assert.Equal(t, 9, coord.senders[0].TabID)

	// The click step is left to the coordinator and window focus is
	// documented from browser events; submit is built here.
	require.Len(t, steps, 1)
	assert.Equal(t, models.EventSubmit, steps[0].EventType)
	assert.Equal(t, "submit on #checkout", steps[0].Description)
}
