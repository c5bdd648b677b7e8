// Package background is the process-wide coordinator behind the extension
// messaging surface. It owns no state of its own: the recording flag lives in
// state.Service, and capture work runs off the mailbox loop so a slow
// screenshot never delays the next message.
package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/internal/state"

	"go.uber.org/zap"
)

// WindowNone is reported by the browser when focus left every window.
const WindowNone = -1

var ErrStopped = errors.New("coordinator stopped")

type Tab struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Active   bool   `json:"active"`
}

// Browser is the privileged side of the browser the coordinator needs.
type Browser interface {
	Tab(ctx context.Context, id int) (Tab, error)
	// ActiveTab returns the active tab of windowID, or of the last focused
	// window when windowID is 0.
	ActiveTab(ctx context.Context, windowID int) (Tab, error)
	CaptureVisibleTab(ctx context.Context, windowID int) (string, error)
	SendToTab(ctx context.Context, tabID int, msg any) error
}

// LegacyHandler serves the superseded full-desktop capture messages.
type LegacyHandler interface {
	HandleLegacy(ctx context.Context, msg Message) Response
}

type StepObserver func(models.StepPayload)

type envelope struct {
	ctx    context.Context
	msg    Message
	sender Sender
	reply  chan Response
	// fn is set for ambient browser events, which have no reply.
	fn func(ctx context.Context)
}

type Coordinator struct {
	state   *state.Service
	browser Browser
	legacy  LegacyHandler
	logger  *zap.Logger
	now     func() time.Time

	mailbox chan envelope
	done    chan struct{}
	once    sync.Once
	work    sync.WaitGroup

	obsMu     sync.RWMutex
	observers []StepObserver
}

func NewCoordinator(st *state.Service, browser Browser, legacy LegacyHandler, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		state:   st,
		browser: browser,
		legacy:  legacy,
		logger:  logger.Named("background"),
		now:     time.Now,
		mailbox: make(chan envelope, 64),
		done:    make(chan struct{}),
	}
}

// Observe registers fn for every step forwarded to the app tab.
func (c *Coordinator) Observe(fn StepObserver) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Run processes the mailbox until ctx is done, then waits for capture work
// still in flight.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.once.Do(func() { close(c.done) })
	defer c.work.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-c.mailbox:
			if env.fn != nil {
				env.fn(env.ctx)
				continue
			}
			c.handle(env)
		}
	}
}

// Dispatch is the single entry point of the messaging surface. It never
// returns an error; failures and rejections are reported in the Response.
func (c *Coordinator) Dispatch(ctx context.Context, msg Message, sender Sender) Response {
	env := envelope{ctx: ctx, msg: msg, sender: sender, reply: make(chan Response, 1)}
	select {
	case <-c.done:
		return failure(ErrStopped)
	default:
	}
	select {
	case c.mailbox <- env:
	case <-c.done:
		return failure(ErrStopped)
	case <-ctx.Done():
		return failure(ctx.Err())
	}
	select {
	case resp := <-env.reply:
		return resp
	case <-c.done:
		return failure(ErrStopped)
	case <-ctx.Done():
		return failure(ctx.Err())
	}
}

func (c *Coordinator) handle(env envelope) {
	switch env.msg.Type {
	case MsgStart:
		env.reply <- c.start(env.ctx, env.msg, env.sender)
	case MsgStop:
		if err := c.state.Stop(env.ctx); err != nil {
			env.reply <- failure(err)
			return
		}
		env.reply <- ack()
	case MsgCaptureClick:
		st := c.state.Snapshot()
		c.async(env, func(ctx context.Context) Response { return c.captureClick(ctx, st, env.msg, env.sender) })
	case MsgCaptureTabEvent:
		st := c.state.Snapshot()
		c.async(env, func(ctx context.Context) Response { return c.captureTabEvent(ctx, st, env.msg, env.sender) })
	case MsgEventRecorded, MsgSessionStarted, MsgSessionStopped:
		if c.legacy == nil {
			env.reply <- reject(ReasonLegacyUnsupported)
			return
		}
		c.async(env, func(ctx context.Context) Response { return c.legacy.HandleLegacy(ctx, env.msg) })
	default:
		env.reply <- reject(ReasonUnknownMessage)
	}
}

func (c *Coordinator) async(env envelope, fn func(ctx context.Context) Response) {
	c.work.Add(1)
	go func() {
		defer c.work.Done()
		env.reply <- fn(env.ctx)
	}()
}

func (c *Coordinator) start(ctx context.Context, msg Message, sender Sender) Response {
	if err := c.state.Start(ctx, msg.AppOrigin, sender.TabID); err != nil {
		c.logger.Error("failed to start recording", zap.Error(err))
		return failure(err)
	}
	return ack()
}

func (c *Coordinator) captureClick(ctx context.Context, st state.State, msg Message, sender Sender) Response {
	if !st.IsRecording {
		return reject(ReasonNotRecording)
	}
	if sender.TabID == 0 {
		return reject(ReasonMissingTab)
	}
	if sender.TabID == st.AppTabID || st.IsAppURL(sender.URL) {
		return reject(ReasonAppTab)
	}

	target := msg.Selector
	if target == "" {
		target = "document"
	}
	step := models.StepPayload{
		Timestamp:   c.now().UnixMilli(),
		EventType:   models.EventClick,
		Description: "click on " + target,
		Selector:    msg.Selector,
		Screenshot:  c.capture(ctx, sender.WindowID),
	}
	c.forward(ctx, st, step)
	return Response{OK: true, Step: &step}
}

func (c *Coordinator) captureTabEvent(ctx context.Context, st state.State, msg Message, sender Sender) Response {
	if !st.IsRecording {
		return reject(ReasonNotRecording)
	}
	var payload TabEventPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return failure(fmt.Errorf("invalid tab event payload: %w", err))
		}
	}

	tab, err := c.browser.ActiveTab(ctx, payload.WindowID)
	if err != nil || tab.ID == 0 || c.isApp(st, tab) {
		if err != nil {
			c.logger.Debug("active tab lookup failed", zap.Error(err))
		}
		return reject(ReasonActiveTabIsApp)
	}

	step := models.StepPayload{
		Timestamp:   c.now().UnixMilli(),
		EventType:   payload.EventType,
		Description: payload.Description,
		Screenshot:  c.capture(ctx, tab.WindowID),
	}
	if step.EventType == "" {
		step.EventType = "tab-event"
	}
	if step.Description == "" {
		step.Description = "tab/window event"
	}
	c.forward(ctx, st, step)
	return Response{OK: true, Step: &step}
}

// OnTabActivated documents a switch to another tab.
func (c *Coordinator) OnTabActivated(ctx context.Context, tabID, windowID int) {
	c.ambient(ctx, func(ctx context.Context, st state.State) {
		tab, err := c.browser.Tab(ctx, tabID)
		if err != nil {
			c.logger.Debug("activated tab vanished", zap.Int("tab_id", tabID), zap.Error(err))
			return
		}
		if c.isApp(st, tab) {
			return
		}
		if tab.WindowID == 0 {
			tab.WindowID = windowID
		}
		c.captureAndForward(ctx, st, tab, models.EventTabActivated, "Activated tab: "+tabLabel(tab))
	})
}

// OnWindowFocusChanged documents a switch to another browser window.
func (c *Coordinator) OnWindowFocusChanged(ctx context.Context, windowID int) {
	if windowID == WindowNone {
		return
	}
	c.ambient(ctx, func(ctx context.Context, st state.State) {
		tab, err := c.browser.ActiveTab(ctx, windowID)
		if err != nil || tab.ID == 0 || c.isApp(st, tab) {
			return
		}
		c.captureAndForward(ctx, st, tab, models.EventWindowFocus, "Window focus changed (tab: "+tabLabel(tab)+")")
	})
}

// ambient queues a browser event behind the messages already in the mailbox.
// The state is read in order with those messages; the capture itself runs off
// the loop, and only while recording.
func (c *Coordinator) ambient(ctx context.Context, fn func(ctx context.Context, st state.State)) {
	env := envelope{ctx: ctx, fn: func(ctx context.Context) {
		st := c.state.Snapshot()
		if !st.IsRecording {
			return
		}
		c.work.Add(1)
		go func() {
			defer c.work.Done()
			fn(ctx, st)
		}()
	}}
	select {
	case c.mailbox <- env:
	case <-c.done:
	case <-ctx.Done():
	}
}

func (c *Coordinator) captureAndForward(ctx context.Context, st state.State, tab Tab, eventType, description string) {
	step := models.StepPayload{
		Timestamp:   c.now().UnixMilli(),
		EventType:   eventType,
		Description: description,
		Screenshot:  c.capture(ctx, tab.WindowID),
	}
	c.forward(ctx, st, step)
}

// ForwardStep pushes a step built elsewhere (by a tab's listener) to the app
// tab and the observers.
func (c *Coordinator) ForwardStep(ctx context.Context, step models.StepPayload) {
	c.forward(ctx, c.state.Snapshot(), step)
}

// capture never fails: an empty screenshot is a valid outcome.
func (c *Coordinator) capture(ctx context.Context, windowID int) string {
	shot, err := c.browser.CaptureVisibleTab(ctx, windowID)
	if err != nil {
		c.logger.Warn("captureVisibleTab failed", zap.Int("window_id", windowID), zap.Error(err))
		return ""
	}
	return shot
}

func (c *Coordinator) forward(ctx context.Context, st state.State, step models.StepPayload) {
	c.obsMu.RLock()
	observers := append([]StepObserver(nil), c.observers...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(step)
	}

	if st.AppTabID == 0 {
		return
	}
	if err := c.browser.SendToTab(ctx, st.AppTabID, StepEnvelope{Type: MsgStep, Payload: step}); err != nil {
		c.logger.Warn("could not forward step to app tab", zap.Int("app_tab_id", st.AppTabID), zap.Error(err))
	}
}

func (c *Coordinator) isApp(st state.State, tab Tab) bool {
	return (st.AppTabID != 0 && tab.ID == st.AppTabID) || st.IsAppURL(tab.URL)
}

func tabLabel(tab Tab) string {
	if tab.Title != "" {
		return tab.Title
	}
	return tab.URL
}
