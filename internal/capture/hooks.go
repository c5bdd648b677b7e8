package capture

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Hooks installs and removes the DOM event hook of one page.
type Hooks interface {
	// Install starts delivering page events to emit, in order.
	Install(ctx context.Context, emit func(RawEvent)) error
	Remove(ctx context.Context) error
	// Origin returns the origin of the page currently loaded, or "".
	Origin(ctx context.Context) string
}

const bindingName = "__ftmEmit"

//go:embed scripts/capture.js
var captureScript string

// PageHooks implements Hooks on a chromedp tab context.
type PageHooks struct {
	tabCtx context.Context
	logger *zap.Logger

	mu       sync.Mutex
	scriptID page.ScriptIdentifier
	stop     chan struct{}
	// queue is read from the chromedp event goroutine, which must never block
	// on mu.
	queue atomic.Pointer[chan RawEvent]
}

// NewPageHooks binds to the tab behind tabCtx. The binding listener lives for
// the lifetime of the tab.
func NewPageHooks(tabCtx context.Context, logger *zap.Logger) *PageHooks {
	h := &PageHooks{
		tabCtx: tabCtx,
		logger: logger.Named("page-hooks"),
	}
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		called, ok := ev.(*runtime.EventBindingCalled)
		if !ok || called.Name != bindingName {
			return
		}
		var raw RawEvent
		if err := json.Unmarshal([]byte(called.Payload), &raw); err != nil {
			h.logger.Debug("malformed page event", zap.Error(err))
			return
		}
		h.enqueue(raw)
	})
	return h
}

func (h *PageHooks) enqueue(raw RawEvent) {
	queue := h.queue.Load()
	if queue == nil {
		return
	}
	select {
	case *queue <- raw:
	default:
		h.logger.Warn("page event queue full, dropping event", zap.String("type", raw.Type))
	}
}

func (h *PageHooks) Install(ctx context.Context, emit func(RawEvent)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		return nil
	}
	queue := make(chan RawEvent, 256)
	h.queue.Store(&queue)

	var scriptID page.ScriptIdentifier
	err := chromedp.Run(h.tabCtx,
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			id, err := page.AddScriptToEvaluateOnNewDocument(captureScript).Do(ctx)
			scriptID = id
			return err
		}),
		chromedp.Evaluate(captureScript, nil),
	)
	if err != nil {
		h.queue.Store(nil)
		return fmt.Errorf("failed to install capture hook: %w", err)
	}

	h.scriptID = scriptID
	h.stop = make(chan struct{})
	go h.dispatch(queue, h.stop, emit)
	return nil
}

func (h *PageHooks) dispatch(queue <-chan RawEvent, stop <-chan struct{}, emit func(RawEvent)) {
	for {
		select {
		case raw := <-queue:
			emit(raw)
		case <-stop:
			return
		case <-h.tabCtx.Done():
			return
		}
	}
}

func (h *PageHooks) Remove(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop == nil {
		return nil
	}
	close(h.stop)
	h.stop = nil
	h.queue.Store(nil)

	if h.tabCtx.Err() != nil {
		return nil
	}
	scriptID := h.scriptID
	return chromedp.Run(h.tabCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			if scriptID == "" {
				return nil
			}
			return page.RemoveScriptToEvaluateOnNewDocument(scriptID).Do(ctx)
		}),
		runtime.RemoveBinding(bindingName),
		chromedp.Evaluate(`window.__ftmCapture && window.__ftmCapture.detach()`, nil),
	)
}

func (h *PageHooks) Origin(ctx context.Context) string {
	if h.tabCtx.Err() != nil {
		return ""
	}
	evalCtx, cancel := context.WithTimeout(h.tabCtx, 2*time.Second)
	defer cancel()

	var origin string
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(`window.location.origin`, &origin)); err != nil {
		h.logger.Debug("failed to read page origin", zap.Error(err))
		return ""
	}
	return origin
}
