// Package recorder owns the screen capture stream and its encoder for one
// recording at a time.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"flowtomanual/agent/internal/models"

	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateRequestingPermission
	StateCapturing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRequestingPermission:
		return "requesting-permission"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Stream is an open display capture.
type Stream interface {
	LatestFrame() (data []byte, contentType string, ok bool)
	// Done is closed when the source ends on its own, e.g. the user revoked
	// sharing or the tab was closed.
	Done() <-chan struct{}
	Stop() error
}

// Retargeter is a Stream that can move to another capture target while
// recording.
type Retargeter interface {
	Retarget(ctx context.Context) error
}

// DisplaySource opens display capture streams. Open may block for as long as
// the platform waits on the user.
type DisplaySource interface {
	Open(ctx context.Context) (Stream, error)
}

type Options struct {
	MaxDuration   time.Duration
	ChunkInterval time.Duration
	FrameRate     int
	Encoder       EncoderOptions
	// Tick is the wall-clock resolution of the auto-stop timer.
	Tick time.Duration
}

type Recorder struct {
	source     DisplaySource
	newEncoder EncoderFactory
	opts       Options
	onStop     func(models.Recording)
	logger     *zap.Logger

	mu        sync.Mutex
	state     State
	stream    Stream
	encoder   Encoder
	chunks    [][]byte
	elapsed   int
	startedAt time.Time
	cancel    context.CancelFunc
	workers   sync.WaitGroup
}

// New creates an idle recorder. onStop receives every finished recording,
// whether stopped by the user, the duration ceiling, or the source ending.
func New(source DisplaySource, newEncoder EncoderFactory, opts Options, onStop func(models.Recording), logger *zap.Logger) *Recorder {
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = time.Second
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 10
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	opts.Encoder.FrameRate = opts.FrameRate
	if onStop == nil {
		onStop = func(models.Recording) {}
	}
	return &Recorder{
		source:     source,
		newEncoder: newEncoder,
		opts:       opts,
		onStop:     onStop,
		logger:     logger.Named("recorder"),
	}
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns whole seconds recorded so far.
func (r *Recorder) Elapsed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// Stream returns the active stream, or nil when not capturing.
func (r *Recorder) Stream() Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCapturing {
		return nil
	}
	return r.stream
}

// Retarget moves a running capture to the target its source picks now. It
// does nothing when idle or when the stream cannot move.
func (r *Recorder) Retarget(ctx context.Context) error {
	rt, ok := r.Stream().(Retargeter)
	if !ok {
		return nil
	}
	return rt.Retarget(ctx)
}

// LatestFrame makes the recorder usable as a live frame source.
func (r *Recorder) LatestFrame() ([]byte, string, bool) {
	s := r.Stream()
	if s == nil {
		return nil, "", false
	}
	return s.LatestFrame()
}

// Start opens the display source and begins encoding. Failures leave the
// recorder idle and are returned as *CaptureError.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.state = StateRequestingPermission
	r.mu.Unlock()

	stream, err := r.source.Open(ctx)
	if err != nil {
		r.setState(StateIdle)
		ce := classify(err)
		r.logger.Warn("failed to open display source", zap.String("kind", string(ce.Kind)), zap.Error(err))
		return ce
	}
	enc, err := r.newEncoder(r.opts.Encoder)
	if err != nil {
		stream.Stop()
		r.setState(StateIdle)
		return &CaptureError{Kind: KindUnsupported, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.stream = stream
	r.encoder = enc
	r.chunks = nil
	r.elapsed = 0
	r.startedAt = time.Now()
	r.cancel = cancel
	r.state = StateCapturing
	r.mu.Unlock()

	r.workers.Add(2)
	go r.pumpFrames(runCtx, stream, enc)
	go r.emitChunks(runCtx, enc)
	go r.runClock(runCtx)
	go r.watchStream(runCtx, stream)

	r.logger.Info("screen capture started",
		zap.Duration("max_duration", r.opts.MaxDuration),
		zap.String("content_type", enc.ContentType()))
	return nil
}

// Stop finalizes the encoder and hands the recording to onStop. It is a no-op
// unless capturing, so the user, the ceiling and the stream end can all call it.
func (r *Recorder) Stop() (*models.Recording, error) {
	r.mu.Lock()
	if r.state != StateCapturing {
		r.mu.Unlock()
		return nil, nil
	}
	r.state = StateStopping
	r.cancel()
	stream, enc, startedAt := r.stream, r.encoder, r.startedAt
	r.mu.Unlock()

	r.workers.Wait()

	tail, closeErr := enc.Close()
	if err := stream.Stop(); err != nil {
		r.logger.Warn("failed to release capture stream", zap.Error(err))
	}

	r.mu.Lock()
	if len(tail) > 0 {
		r.chunks = append(r.chunks, tail)
	}
	rec := models.Recording{
		Data:        bytes.Join(r.chunks, nil),
		ContentType: enc.ContentType(),
		StartedAt:   startedAt,
		Duration:    time.Since(startedAt),
	}
	r.chunks = nil
	r.stream = nil
	r.encoder = nil
	r.state = StateIdle
	r.mu.Unlock()

	if closeErr != nil {
		r.logger.Error("encoder did not finalize cleanly", zap.Error(closeErr))
	}
	r.logger.Info("screen capture stopped", zap.Int("bytes", rec.Size()), zap.Duration("duration", rec.Duration))
	r.onStop(rec)
	if closeErr != nil {
		return &rec, fmt.Errorf("failed to finalize recording: %w", closeErr)
	}
	return &rec, nil
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Recorder) pumpFrames(ctx context.Context, stream Stream, enc Encoder) {
	defer r.workers.Done()
	ticker := time.NewTicker(time.Second / time.Duration(r.opts.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, contentType, ok := stream.LatestFrame()
			if !ok {
				continue
			}
			if err := enc.Write(data, contentType); err != nil {
				r.logger.Debug("dropping frame", zap.Error(err))
			}
		}
	}
}

func (r *Recorder) emitChunks(ctx context.Context, enc Encoder) {
	defer r.workers.Done()
	ticker := time.NewTicker(r.opts.ChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunk, err := enc.Flush()
			if err != nil {
				r.logger.Warn("failed to flush encoder", zap.Error(err))
				continue
			}
			if len(chunk) == 0 {
				continue
			}
			r.mu.Lock()
			r.chunks = append(r.chunks, chunk)
			r.mu.Unlock()
		}
	}
}

func (r *Recorder) runClock(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick advances the recording clock by one second and stops at the ceiling.
func (r *Recorder) tick() {
	r.mu.Lock()
	if r.state != StateCapturing {
		r.mu.Unlock()
		return
	}
	r.elapsed++
	reached := r.opts.MaxDuration > 0 && time.Duration(r.elapsed)*time.Second >= r.opts.MaxDuration
	r.mu.Unlock()

	if reached {
		r.logger.Info("recording reached its time limit", zap.Duration("max_duration", r.opts.MaxDuration))
		r.Stop()
	}
}

func (r *Recorder) watchStream(ctx context.Context, stream Stream) {
	select {
	case <-ctx.Done():
	case <-stream.Done():
		r.logger.Info("capture source ended")
		r.Stop()
	}
}
