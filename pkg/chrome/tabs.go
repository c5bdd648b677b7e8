package chrome

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/pkg/frames"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const watchBinding = "__ftmTab"

//go:embed scripts/watch.js
var watchScript string

var ErrNoTab = errors.New("no such tab")

// Callbacks are invoked from their own goroutine and may block.
type Callbacks struct {
	Created      func(tab background.Tab, tabCtx context.Context)
	Destroyed    func(tabID int)
	Activated    func(tabID, windowID int)
	FocusChanged func(windowID int)
}

// Tabs tracks the page targets of one browser and implements
// background.Browser on top of them.
type Tabs struct {
	browserCtx context.Context
	cb         Callbacks
	timeout    time.Duration
	logger     *zap.Logger
	reg        *registry
}

func NewTabs(browserCtx context.Context, cb Callbacks, logger *zap.Logger) *Tabs {
	return &Tabs{
		browserCtx: browserCtx,
		cb:         cb,
		timeout:    10 * time.Second,
		logger:     logger.Named("tabs"),
		reg:        newRegistry(),
	}
}

var _ background.Browser = (*Tabs)(nil)

// Start subscribes to target discovery. Existing pages are reported as
// created right away.
func (t *Tabs) Start(ctx context.Context) error {
	c := chromedp.FromContext(t.browserCtx)
	if c == nil || c.Browser == nil {
		return errors.New("browser context is not connected")
	}
	chromedp.ListenBrowser(t.browserCtx, t.onBrowserEvent)
	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c.Browser)); err != nil {
		return fmt.Errorf("failed to discover targets: %w", err)
	}
	return nil
}

// onBrowserEvent runs on the chromedp event goroutine and must not block.
func (t *Tabs) onBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo.Type == "page" {
			go t.attach(e.TargetInfo)
		}
	case *target.EventTargetInfoChanged:
		if e.TargetInfo.Type == "page" {
			t.reg.update(e.TargetInfo.TargetID, e.TargetInfo.URL, e.TargetInfo.Title)
		}
	case *target.EventTargetDestroyed:
		go t.detach(e.TargetID)
	}
}

func (t *Tabs) attach(info *target.Info) {
	windowID := t.windowFor(info.TargetID)
	tab, added := t.reg.add(info.TargetID, windowID, info.URL, info.Title)
	if !added {
		return
	}

	tabCtx, cancel := chromedp.NewContext(t.browserCtx, chromedp.WithTargetID(info.TargetID))
	// The first Run attaches the session for the lifetime of tabCtx, so it
	// must not carry a timeout.
	if err := chromedp.Run(tabCtx); err != nil {
		t.logger.Warn("failed to attach tab", zap.Int("tab_id", tab.ID), zap.Error(err))
		cancel()
		t.reg.remove(info.TargetID)
		return
	}
	t.reg.bind(tabCtx, tab.ID, cancel)
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		called, ok := ev.(*runtime.EventBindingCalled)
		if !ok || called.Name != watchBinding {
			return
		}
		go t.onActivity(tab.ID, called.Payload)
	})

	installCtx, cancelInstall := context.WithTimeout(tabCtx, t.timeout)
	defer cancelInstall()
	err := chromedp.Run(installCtx,
		runtime.AddBinding(watchBinding),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(watchScript).Do(ctx)
			return err
		}),
		chromedp.Evaluate(watchScript, nil),
	)
	if err != nil {
		t.logger.Warn("tab watch not installed", zap.Int("tab_id", tab.ID), zap.Error(err))
	}

	t.logger.Debug("tab attached", zap.Int("tab_id", tab.ID), zap.Int("window_id", windowID), zap.String("url", info.URL))
	if t.cb.Created != nil {
		t.cb.Created(tab, tabCtx)
	}
}

func (t *Tabs) windowFor(id target.ID) int {
	c := chromedp.FromContext(t.browserCtx)
	ctx, cancel := context.WithTimeout(t.browserCtx, t.timeout)
	defer cancel()
	windowID, _, err := browser.GetWindowForTarget().WithTargetID(id).Do(cdp.WithExecutor(ctx, c.Browser))
	if err != nil {
		t.logger.Debug("window lookup failed", zap.String("target_id", string(id)), zap.Error(err))
		return 0
	}
	return int(windowID)
}

func (t *Tabs) detach(id target.ID) {
	e, ok := t.reg.remove(id)
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	t.logger.Debug("tab destroyed", zap.Int("tab_id", e.ID))
	if t.cb.Destroyed != nil {
		t.cb.Destroyed(e.ID)
	}
}

func (t *Tabs) onActivity(tabID int, kind string) {
	windowID, focusMoved, ok := t.reg.activate(tabID)
	if !ok {
		return
	}
	switch kind {
	case "activated":
		if t.cb.Activated != nil {
			t.cb.Activated(tabID, windowID)
		}
	case "focused":
		if focusMoved && t.cb.FocusChanged != nil {
			t.cb.FocusChanged(windowID)
		}
	}
}

func (t *Tabs) Tab(_ context.Context, id int) (background.Tab, error) {
	e, ok := t.reg.get(id)
	if !ok {
		return background.Tab{}, ErrNoTab
	}
	return e.Tab, nil
}

func (t *Tabs) ActiveTab(_ context.Context, windowID int) (background.Tab, error) {
	e, ok := t.reg.activeIn(windowID)
	if !ok {
		return background.Tab{}, ErrNoTab
	}
	return e.Tab, nil
}

func (t *Tabs) List() []background.Tab {
	return t.reg.list()
}

// Context returns the chromedp context of a tab.
func (t *Tabs) Context(tabID int) (context.Context, error) {
	e, ok := t.reg.get(tabID)
	if !ok || e.ctx == nil {
		return nil, ErrNoTab
	}
	return e.ctx, nil
}

// Sender describes a tab the way the coordinator expects message senders.
func (t *Tabs) Sender(tabID int) background.Sender {
	e, ok := t.reg.get(tabID)
	if !ok {
		return background.Sender{TabID: tabID}
	}
	return background.Sender{TabID: e.ID, WindowID: e.WindowID, URL: e.URL}
}

// CaptureVisibleTab screenshots the front tab of windowID as a PNG data URI.
func (t *Tabs) CaptureVisibleTab(ctx context.Context, windowID int) (string, error) {
	e, ok := t.reg.activeIn(windowID)
	if !ok || e.ctx == nil {
		return "", ErrNoTab
	}
	runCtx, cancel := t.runContext(ctx, e.ctx)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("failed to capture tab %d: %w", e.ID, err)
	}
	return frames.EncodeDataURI(frames.ContentTypePNG, buf), nil
}

// SendToTab posts msg to the page of tabID as a window message.
func (t *Tabs) SendToTab(ctx context.Context, tabID int, msg any) error {
	e, ok := t.reg.get(tabID)
	if !ok || e.ctx == nil {
		return ErrNoTab
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	runCtx, cancel := t.runContext(ctx, e.ctx)
	defer cancel()

	script := fmt.Sprintf("window.postMessage(%s, window.location.origin)", raw)
	return chromedp.Run(runCtx, chromedp.Evaluate(script, nil))
}

// runContext derives a chromedp context for tabCtx that also ends with ctx.
func (t *Tabs) runContext(ctx, tabCtx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(tabCtx, t.timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}
