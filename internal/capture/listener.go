// Package capture turns DOM events observed in a page into the durable event
// log and screenshot-illustrated steps.
package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/pkg/selector"

	"go.uber.org/zap"
)

// EventAppender is the durable event log.
type EventAppender interface {
	Append(ctx context.Context, e models.DomEvent) error
}

// Shooter grabs a best-effort screenshot as a data URI.
type Shooter interface {
	Shoot(ctx context.Context) (string, bool)
}

type ShooterFunc func(ctx context.Context) (string, bool)

func (f ShooterFunc) Shoot(ctx context.Context) (string, bool) { return f(ctx) }

// Observer sees every event the listener accepted.
type Observer func(raw RawEvent, ev models.DomEvent)

type Options struct {
	Events   EventAppender
	Shooter  Shooter
	Steps    func(models.StepPayload)
	Observer Observer
	// Visual picks the event types that get a screenshot step. Defaults to
	// models.IsVisualEvent.
	Visual func(eventType string) bool
	// TrackScroll keeps scroll events in the log.
	TrackScroll bool
}

// Listener is an idempotent subscription to the DOM events of one page,
// driven by the global recording flag.
type Listener struct {
	hooks  Hooks
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	tracking bool
	attached bool

	inflight sync.WaitGroup
	now      func() time.Time
}

func NewListener(hooks Hooks, opts Options, logger *zap.Logger) *Listener {
	if opts.Visual == nil {
		opts.Visual = models.IsVisualEvent
	}
	return &Listener{
		hooks:  hooks,
		opts:   opts,
		logger: logger.Named("capture"),
		now:    time.Now,
	}
}

// Attach installs the page hook. Calling it again while attached is a no-op.
func (l *Listener) Attach(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attached {
		return nil
	}
	l.tracking = true
	handleCtx := context.WithoutCancel(ctx)
	if err := l.hooks.Install(ctx, func(raw RawEvent) { l.Handle(handleCtx, raw) }); err != nil {
		l.tracking = false
		return err
	}
	l.attached = true
	l.logger.Debug("listeners attached")
	return nil
}

// Detach removes the page hook. Calling it while detached is a no-op.
func (l *Listener) Detach(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.attached {
		return nil
	}
	l.tracking = false
	l.attached = false
	if err := l.hooks.Remove(ctx); err != nil {
		l.logger.Warn("failed to remove page hook", zap.Error(err))
		return err
	}
	l.logger.Debug("listeners detached")
	return nil
}

// OnRecordingFlagChanged attaches while recording on a page outside the app
// origin and detaches otherwise.
func (l *Listener) OnRecordingFlagChanged(ctx context.Context, isRecording bool, appOrigin string) error {
	origin := l.hooks.Origin(ctx)
	onAppPage := appOrigin != "" && strings.HasPrefix(origin, appOrigin)
	if isRecording && !onAppPage {
		return l.Attach(ctx)
	}
	return l.Detach(ctx)
}

func (l *Listener) Attached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attached
}

// Handle records raw as a DomEvent. Steps for visual events are built in the
// background; Wait blocks until they are pushed.
func (l *Listener) Handle(ctx context.Context, raw RawEvent) (models.DomEvent, bool) {
	l.mu.Lock()
	tracking := l.tracking
	l.mu.Unlock()
	if !tracking || raw.Type == "" {
		return models.DomEvent{}, false
	}
	if raw.Type == models.EventScroll && !l.opts.TrackScroll {
		return models.DomEvent{}, false
	}

	at := raw.Time(l.now())
	ev := models.DomEvent{
		Type:      raw.Type,
		Timestamp: models.FormatTimestamp(at),
		Selector:  selector.Resolve(raw.Target.Element()),
		Value:     raw.Value,
		Key:       raw.Key,
	}
	if l.opts.Events != nil {
		if err := l.opts.Events.Append(ctx, ev); err != nil {
			l.logger.Error("failed to append dom event", zap.String("type", ev.Type), zap.Error(err))
		}
	}
	if l.opts.Observer != nil {
		l.opts.Observer(raw, ev)
	}

	if l.opts.Steps == nil {
		return ev, true
	}
	stepCtx := context.WithoutCancel(ctx)
	if l.opts.Visual(ev.Type) {
		step := models.StepPayload{
			Timestamp:   at.UnixMilli(),
			EventType:   ev.Type,
			Description: describe(ev.Type, ev.Selector),
			Selector:    ev.Selector,
			Value:       ev.Value,
		}
		l.pushStep(stepCtx, step)
	}
	if label, ok := NavigationLabel(raw); ok {
		l.pushStep(stepCtx, models.StepPayload{
			Timestamp:   at.UnixMilli(),
			EventType:   models.EventNavigation,
			Description: "navigate to " + label + " via " + describe(ev.Type, ev.Selector),
			Selector:    ev.Selector,
			HumanLabel:  label,
		})
	}
	return ev, true
}

func (l *Listener) pushStep(ctx context.Context, step models.StepPayload) {
	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		if l.opts.Shooter != nil {
			if shot, ok := l.opts.Shooter.Shoot(ctx); ok {
				step.Screenshot = shot
			}
		}
		l.opts.Steps(step)
	}()
}

// Wait blocks until every pending step has been pushed.
func (l *Listener) Wait() {
	l.inflight.Wait()
}
