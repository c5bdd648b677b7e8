package capture

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/pkg/selector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeHooks struct {
	mu       sync.Mutex
	origin   string
	emitters []func(RawEvent)
	installs int
	removes  int
}

func (h *fakeHooks) Install(_ context.Context, emit func(RawEvent)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.installs++
	h.emitters = append(h.emitters, emit)
	return nil
}

func (h *fakeHooks) Remove(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removes++
	h.emitters = nil
	return nil
}

func (h *fakeHooks) Origin(context.Context) string { return h.origin }

// fire simulates the page dispatching one DOM event to every installed hook.
func (h *fakeHooks) fire(raw RawEvent) {
	h.mu.Lock()
	emitters := append([]func(RawEvent){}, h.emitters...)
	h.mu.Unlock()
	for _, emit := range emitters {
		emit(raw)
	}
}

type memLog struct {
	mu     sync.Mutex
	events []models.DomEvent
}

func (m *memLog) Append(_ context.Context, e models.DomEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memLog) all() []models.DomEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DomEvent{}, m.events...)
}

type stepCollector struct {
	mu    sync.Mutex
	steps []models.StepPayload
}

func (c *stepCollector) push(s models.StepPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, s)
}

func (c *stepCollector) all() []models.StepPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.StepPayload{}, c.steps...)
}

var submitButton = selector.Lineage{
	{Tag: "button", ID: "submit"},
	{Tag: "form"},
	{Tag: "body"},
	{Tag: "html"},
}

func newTestListener(t *testing.T, hooks *fakeHooks) (*Listener, *memLog, *stepCollector) {
	log := &memLog{}
	steps := &stepCollector{}
	l := NewListener(hooks, Options{
		Events:  log,
		Shooter: ShooterFunc(func(context.Context) (string, bool) { return "data:image/png;base64,AAAA", true }),
		Steps:   steps.push,
	}, zaptest.NewLogger(t))
	return l, log, steps
}

func TestAttachIsIdempotent(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHooks{origin: "https://example.com"}
	l, log, _ := newTestListener(t, hooks)

	require.NoError(t, l.Attach(ctx))
	require.NoError(t, l.Attach(ctx))
	assert.Equal(t, 1, hooks.installs)

	hooks.fire(RawEvent{Type: models.EventClick, Target: submitButton})
	l.Wait()
	assert.Len(t, log.all(), 1, "one click yields exactly one event")
}

func TestDetachWhenNeverAttached(t *testing.T) {
	hooks := &fakeHooks{}
	l, _, _ := newTestListener(t, hooks)

	assert.NoError(t, l.Detach(context.Background()))
	assert.Zero(t, hooks.removes)
}

func TestOnRecordingFlagChanged(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHooks{origin: "http://localhost:8080"}
	l, _, _ := newTestListener(t, hooks)

	require.NoError(t, l.OnRecordingFlagChanged(ctx, true, "http://localhost:8080"))
	assert.False(t, l.Attached(), "never capture on the app origin")

	hooks.origin = "https://crm.example.com"
	require.NoError(t, l.OnRecordingFlagChanged(ctx, true, "http://localhost:8080"))
	assert.True(t, l.Attached())

	require.NoError(t, l.OnRecordingFlagChanged(ctx, false, "http://localhost:8080"))
	assert.False(t, l.Attached())
	assert.Equal(t, 1, hooks.removes)
}

func TestHandleBuildsEventsAndSteps(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHooks{origin: "https://example.com"}
	l, log, steps := newTestListener(t, hooks)
	require.NoError(t, l.Attach(ctx))

	at := time.Date(2025, 3, 1, 9, 30, 0, 250_000_000, time.UTC)
	hooks.fire(RawEvent{Type: models.EventClick, Timestamp: at.UnixMilli(), Target: submitButton})
	hooks.fire(RawEvent{Type: models.EventKeyDown, Timestamp: at.UnixMilli(), Target: submitButton, Key: "Enter"})
	hooks.fire(RawEvent{Type: models.EventInput, Timestamp: at.UnixMilli(), Target: selector.Lineage{{Tag: "input", Classes: []string{"email"}}, {Tag: "html"}}, Value: "a@b.c"})
	l.Wait()

	events := log.all()
	require.Len(t, events, 3)
	assert.Equal(t, models.DomEvent{Type: "click", Timestamp: "2025-03-01T09:30:00.250Z", Selector: "#submit"}, events[0])
	assert.Equal(t, "Enter", events[1].Key)
	assert.Equal(t, "input.email", events[2].Selector)

	got := steps.all()
	require.Len(t, got, 2, "keydown gets no step")
	for _, s := range got {
		assert.Equal(t, "data:image/png;base64,AAAA", s.Screenshot)
		assert.Equal(t, at.UnixMilli(), s.Timestamp)
	}
	descriptions := []string{got[0].Description, got[1].Description}
	assert.Contains(t, descriptions, "click on #submit")
	assert.Contains(t, descriptions, "input on input.email")
}

func TestHandleIgnoredAfterDetach(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHooks{}
	l, log, _ := newTestListener(t, hooks)

	require.NoError(t, l.Attach(ctx))
	emit := hooks.emitters[0]
	require.NoError(t, l.Detach(ctx))

	emit(RawEvent{Type: models.EventClick, Target: submitButton})
	assert.Empty(t, log.all())
}

func TestScrollOnlyWhenTracked(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHooks{}
	l, log, _ := newTestListener(t, hooks)
	require.NoError(t, l.Attach(ctx))

	_, ok := l.Handle(ctx, RawEvent{Type: models.EventScroll})
	assert.False(t, ok)
	assert.Empty(t, log.all())

	l.opts.TrackScroll = true
	_, ok = l.Handle(ctx, RawEvent{Type: models.EventScroll})
	assert.True(t, ok)
}

func TestNavigationHeuristic(t *testing.T) {
	ctx := context.Background()
	hooks := &fakeHooks{}
	l, _, steps := newTestListener(t, hooks)
	require.NoError(t, l.Attach(ctx))

	link := selector.Lineage{{Tag: "a", ID: "reports"}, {Tag: "html"}}
	hooks.fire(RawEvent{Type: models.EventClick, Target: link, Role: "menuitem", Text: "  Monthly\n Reports "})
	l.Wait()

	var nav *models.StepPayload
	for _, s := range steps.all() {
		if s.EventType == models.EventNavigation {
			s := s
			nav = &s
		}
	}
	require.NotNil(t, nav)
	assert.Equal(t, "Monthly Reports", nav.HumanLabel)
	assert.True(t, strings.Contains(nav.Description, "#reports"))
}

func TestNavigationLabel(t *testing.T) {
	label, ok := NavigationLabel(RawEvent{Type: "click", NavLabel: "Billing"})
	assert.True(t, ok)
	assert.Equal(t, "Billing", label)

	label, ok = NavigationLabel(RawEvent{Type: "click", ClassName: "btn nav-link active", Text: "Home"})
	assert.True(t, ok)
	assert.Equal(t, "Home", label)

	_, ok = NavigationLabel(RawEvent{Type: "click", ClassName: "btn btn-primary"})
	assert.False(t, ok)

	_, ok = NavigationLabel(RawEvent{Type: "input", NavLabel: "Billing"})
	assert.False(t, ok)
}

func TestNavigationLabelCutsWholeRunes(t *testing.T) {
	text := strings.Repeat("é", 79) + "日本語"

	label, ok := NavigationLabel(RawEvent{Type: "click", ClassName: "menu", Text: text})
	require.True(t, ok)
	assert.True(t, utf8.ValidString(label))
	assert.Equal(t, 80, utf8.RuneCountInString(label))
	assert.Equal(t, strings.Repeat("é", 79)+"日", label)
}
