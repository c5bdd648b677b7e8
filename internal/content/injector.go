// Package content runs the per-tab side of capture: it follows the shared
// recording flag, attaches the page listener outside the app, and asks the
// background coordinator to screenshot clicks.
package content

import (
	"context"
	"sync"

	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/internal/capture"
	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/internal/state"

	"go.uber.org/zap"
)

// Dispatcher is the background coordinator as seen from a tab.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg background.Message, sender background.Sender) background.Response
	ForwardStep(ctx context.Context, step models.StepPayload)
}

type Options struct {
	TabID  int
	Hooks  capture.Hooks
	Events capture.EventAppender
	// Shooter illustrates the steps this tab builds itself.
	Shooter     capture.Shooter
	States      *state.Service
	Coordinator Dispatcher
	// Sender describes the tab at the time of a relay; its URL follows
	// navigations.
	Sender      func(ctx context.Context) background.Sender
	TrackScroll bool
}

type Injector struct {
	opts     Options
	listener *capture.Listener
	logger   *zap.Logger

	updates     chan state.State
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	relays      sync.WaitGroup
}

func New(opts Options, logger *zap.Logger) *Injector {
	logger = logger.Named("content").With(zap.Int("tab_id", opts.TabID))
	i := &Injector{
		opts:    opts,
		logger:  logger,
		updates: make(chan state.State, 1),
		done:    make(chan struct{}),
	}
	i.listener = capture.NewListener(opts.Hooks, capture.Options{
		Events:      opts.Events,
		Shooter:     opts.Shooter,
		Steps:       i.forwardStep,
		Observer:    i.relay,
		Visual:      ownsStep,
		TrackScroll: opts.TrackScroll,
	}, logger)
	return i
}

// ownsStep reports whether this tab builds the step for eventType itself.
// Clicks are screenshotted by the coordinator; tab and window switches are
// documented by it from browser events.
func ownsStep(eventType string) bool {
	switch eventType {
	case models.EventClick, models.EventTabVisibility, models.EventWindowFocus:
		return false
	}
	return models.IsVisualEvent(eventType)
}

func (i *Injector) Listener() *capture.Listener {
	return i.listener
}

// Start applies the current flag and follows every later change until Close.
func (i *Injector) Start(ctx context.Context) {
	i.ctx, i.cancel = context.WithCancel(context.WithoutCancel(ctx))
	i.unsubscribe = i.opts.States.Subscribe(i.push)
	i.push(i.opts.States.Snapshot())
	go i.loop()
}

// push keeps only the latest state; older pending ones are stale.
func (i *Injector) push(st state.State) {
	for {
		select {
		case i.updates <- st:
			return
		default:
		}
		select {
		case <-i.updates:
		default:
		}
	}
}

func (i *Injector) loop() {
	defer close(i.done)
	for {
		select {
		case <-i.ctx.Done():
			return
		case st := <-i.updates:
			i.apply(i.ctx, st)
		}
	}
}

func (i *Injector) apply(ctx context.Context, st state.State) {
	var err error
	if st.IsRecording && st.AppTabID == i.opts.TabID {
		err = i.listener.Detach(ctx)
	} else {
		err = i.listener.OnRecordingFlagChanged(ctx, st.IsRecording, st.AppOrigin)
	}
	if err != nil {
		i.logger.Warn("failed to apply recording flag", zap.Bool("is_recording", st.IsRecording), zap.Error(err))
	}
}

func (i *Injector) forwardStep(step models.StepPayload) {
	i.opts.Coordinator.ForwardStep(context.WithoutCancel(i.ctx), step)
}

func (i *Injector) relay(_ capture.RawEvent, ev models.DomEvent) {
	if ev.Type != models.EventClick {
		return
	}
	msg := background.Message{Type: background.MsgCaptureClick, Selector: ev.Selector}

	ctx := context.WithoutCancel(i.ctx)
	i.relays.Add(1)
	go func() {
		defer i.relays.Done()
		resp := i.opts.Coordinator.Dispatch(ctx, msg, i.sender(ctx))
		if !resp.OK {
			i.logger.Debug("click capture not served", zap.String("reason", resp.Reason), zap.String("error", resp.Error))
		}
	}()
}

func (i *Injector) sender(ctx context.Context) background.Sender {
	if i.opts.Sender != nil {
		return i.opts.Sender(ctx)
	}
	return background.Sender{TabID: i.opts.TabID}
}

// Close stops following the flag, detaches and waits for pending work.
func (i *Injector) Close(ctx context.Context) error {
	if i.unsubscribe != nil {
		i.unsubscribe()
	}
	if i.cancel != nil {
		i.cancel()
		<-i.done
	}
	err := i.listener.Detach(ctx)
	i.listener.Wait()
	i.relays.Wait()
	return err
}
