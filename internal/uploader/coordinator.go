// Package uploader ships a finished recording, its event log and its steps to
// the backend.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"flowtomanual/agent/internal/backend"
	"flowtomanual/agent/internal/config"
	"flowtomanual/agent/internal/correlator"
	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/pkg/frames"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pipeline stages, in execution order.
const (
	StageUploadRecording = "upload-recording"
	StagePreview         = "preview"
	StageThumbnails      = "thumbnails"
	StageCreateSession   = "create-session"
	StageAttachRecording = "attach-recording"
	StageScreenshots     = "upload-screenshots"
	StagePostSteps       = "post-steps"
)

type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Backend is the part of the backend API the pipeline calls.
type Backend interface {
	UploadRecording(ctx context.Context, rec models.Recording, title, description string) (string, error)
	CreateSession(ctx context.Context, req backend.CreateSessionRequest) (string, error)
	AttachRecording(ctx context.Context, sessionID, recordingID string) error
	UploadScreenshot(ctx context.Context, sessionID string, data []byte, contentType string) (string, error)
	PostSteps(ctx context.Context, sessionID string, steps []models.StepPayload) error
}

type Thumbnailer interface {
	Extract(ctx context.Context, data []byte, contentType string, count int) []string
}

type RetryQueue interface {
	Enqueue(ctx context.Context, kind, sessionID, origin string, payload any, cause error) error
}

type Input struct {
	// Origin of the app that recorded; selects the backend.
	Origin      string
	Title       string
	Description string
	Recording   models.Recording
	Events      []models.DomEvent
	Steps       []models.StepPayload
	// RecordingID and PreviewPath carry over from an earlier run of the same
	// recording. The upload and the preview write are skipped when set.
	RecordingID string
	PreviewPath string
}

// Result is what survived the pipeline. SessionID and RecordingID are empty
// when their stage failed; the recording, thumbnails and steps are always
// handed back. A step keeps its inline screenshot until the upload of that
// screenshot succeeds.
type Result struct {
	SessionID   string
	RecordingID string
	Recording   models.Recording
	PreviewPath string
	Thumbnails  []string
	Steps       []models.StepPayload
	// Events is the event log joined with the steps and thumbnails.
	Events []correlator.MergedEvent
	Errors []error
}

type CompletionFunc func(Result)

type Coordinator struct {
	backendFor func(origin string) Backend
	thumbs     Thumbnailer
	queue      RetryQueue
	cfg        config.UploadConfig
	window     time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewCoordinator(backendFor func(origin string) Backend, thumbs Thumbnailer, queue RetryQueue, cfg config.UploadConfig, window time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		backendFor: backendFor,
		thumbs:     thumbs,
		queue:      queue,
		cfg:        cfg,
		window:     window,
		logger:     logger.Named("uploader"),
		now:        time.Now,
	}
}

// Process runs the stages one after another, each waiting on the id produced
// by the previous one. A failing stage never undoes earlier ones. done, if
// not nil, is always called exactly once with the result.
func (c *Coordinator) Process(ctx context.Context, in Input, done CompletionFunc) (Result, error) {
	res := Result{
		Recording: in.Recording,
		Steps:     append([]models.StepPayload(nil), in.Steps...),
	}
	fail := func(stage string, err error) {
		se := &StageError{Stage: stage, Err: err}
		res.Errors = append(res.Errors, se)
		c.logStageError(se)
	}
	finish := func() (Result, error) {
		res.Events = correlator.AppendThumbnails(
			correlator.Merge(in.Events, res.Steps, c.window), res.Thumbnails, in.Recording.StartedAt)
		if done != nil {
			done(res)
		}
		return res, errors.Join(res.Errors...)
	}

	be := c.backendFor(in.Origin)
	title := in.Title
	if title == "" {
		title = "Recording " + c.now().Format(time.RFC3339)
	}

	// The preview is the only copy on disk if the upload fails.
	res.PreviewPath = in.PreviewPath
	if res.PreviewPath == "" {
		if path, err := c.writePreview(in.Recording); err != nil {
			fail(StagePreview, err)
		} else {
			res.PreviewPath = path
		}
	}

	recordingID := in.RecordingID
	if recordingID == "" {
		id, err := be.UploadRecording(ctx, in.Recording, title, in.Description)
		if err != nil {
			fail(StageUploadRecording, err)
			return finish()
		}
		recordingID = id
		c.logger.Info("recording uploaded", zap.String("recording_id", recordingID), zap.Int("bytes", in.Recording.Size()))
	}
	res.RecordingID = recordingID

	if c.thumbs != nil && c.cfg.Thumbnails > 0 {
		res.Thumbnails = c.thumbs.Extract(ctx, in.Recording.Data, in.Recording.ContentType, c.cfg.Thumbnails)
		if len(res.Thumbnails) == 0 {
			c.logger.Warn("no thumbnails extracted")
		}
	}

	// Screenshots reach the backend once, through their own upload, so the
	// session starts from the bare event log.
	events := in.Events
	if events == nil {
		events = []models.DomEvent{}
	}
	req := backend.CreateSessionRequest{
		Name:   title,
		Events: events,
	}
	if c.cfg.LinkMode != config.LinkModeAttach {
		req.RecordingID = recordingID
	}
	if c.cfg.InlineThumbnails {
		req.Thumbnails = res.Thumbnails
	}
	sessionID, err := be.CreateSession(ctx, req)
	if err != nil {
		fail(StageCreateSession, err)
		return finish()
	}
	res.SessionID = sessionID
	c.logger.Info("session created", zap.String("session_id", sessionID), zap.Int("events", len(events)))

	if c.cfg.LinkMode == config.LinkModeAttach {
		if err := be.AttachRecording(ctx, sessionID, recordingID); err != nil {
			fail(StageAttachRecording, err)
		}
	}

	posted := c.uploadScreenshots(ctx, be, sessionID, res.Steps, fail)
	if len(posted) > 0 {
		if err := be.PostSteps(ctx, sessionID, posted); err != nil {
			fail(StagePostSteps, err)
			if c.queue != nil {
				if qerr := c.queue.Enqueue(ctx, models.UploadKindSteps, sessionID, in.Origin, posted, err); qerr != nil {
					c.logger.Error("failed to queue steps for retry", zap.Error(qerr))
				}
			}
		}
	}
	return finish()
}

// uploadScreenshots swaps every uploaded screenshot in steps for its server
// path and keeps the ones that failed inline. The returned copy is what goes
// to the backend: it never carries inline data.
func (c *Coordinator) uploadScreenshots(ctx context.Context, be Backend, sessionID string, steps []models.StepPayload, fail func(string, error)) []models.StepPayload {
	posted := make([]models.StepPayload, len(steps))
	failed := 0
	for i := range steps {
		shot := steps[i].Screenshot
		if frames.IsDataURI(shot) {
			data, contentType, err := frames.DecodeDataURI(shot)
			if err == nil {
				var path string
				path, err = be.UploadScreenshot(ctx, sessionID, data, contentType)
				if err == nil {
					steps[i].Screenshot = ""
					steps[i].ScreenshotPath = path
				}
			}
			if err != nil {
				failed++
				c.logger.Warn("screenshot upload failed", zap.Int("step", i), zap.Error(err))
			}
		}
		posted[i] = steps[i]
		posted[i].Screenshot = ""
	}
	if failed > 0 {
		fail(StageScreenshots, fmt.Errorf("%d of %d screenshots not uploaded", failed, len(steps)))
	}
	return posted
}

func (c *Coordinator) writePreview(rec models.Recording) (string, error) {
	if c.cfg.PreviewDir == "" || len(rec.Data) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(c.cfg.PreviewDir, 0o755); err != nil {
		return "", err
	}
	ext := ".webm"
	if rec.ContentType == frames.ContentTypeMJPEG {
		ext = ".mjpeg"
	}
	path := filepath.Join(c.cfg.PreviewDir, uuid.NewString()+ext)
	if err := os.WriteFile(path, rec.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ReleasePreview removes a preview written by Process.
func (c *Coordinator) ReleasePreview(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Coordinator) logStageError(se *StageError) {
	fields := []zap.Field{zap.String("stage", se.Stage), zap.Error(se.Err)}
	var apiErr *backend.APIError
	if errors.As(se.Err, &apiErr) {
		fields = append(fields, zap.Int("status", apiErr.Status), zap.String("body", apiErr.Body))
	}
	switch se.Stage {
	case StagePreview, StageThumbnails, StageScreenshots:
		c.logger.Warn("upload stage degraded", fields...)
	default:
		c.logger.Error("upload stage failed", fields...)
	}
}
