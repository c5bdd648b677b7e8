package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowtomanual/agent/internal/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type PendingQueue interface {
	Due(ctx context.Context, limit int) ([]models.PendingUpload, error)
	MarkDone(ctx context.Context, id uint) error
	MarkFailed(ctx context.Context, item models.PendingUpload, cause error) error
}

// Poster is the part of the backend a queued upload is replayed against.
type Poster interface {
	PostSteps(ctx context.Context, sessionID string, steps []models.StepPayload) error
	PostEvents(ctx context.Context, sessionID string, events []models.DomEvent) error
}

// SchedulerService replays failed backend uploads on a cron schedule.
type SchedulerService struct {
	cron      *cron.Cron
	queue     PendingQueue
	posterFor func(origin string) Poster
	batch     int
	timeout   time.Duration
	logger    *zap.Logger
}

func NewScheduler(queue PendingQueue, posterFor func(origin string) Poster, logger *zap.Logger) *SchedulerService {
	return &SchedulerService{
		cron:      cron.New(),
		queue:     queue,
		posterFor: posterFor,
		batch:     20,
		timeout:   2 * time.Minute,
		logger:    logger.Named("scheduler"),
	}
}

// AddJob registers fn under spec, e.g. "@every 30s".
func (s *SchedulerService) AddJob(name, spec string, fn func()) error {
	entryID, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.logger.Info("job scheduled", zap.String("job", name), zap.String("spec", spec), zap.Int("entry", int(entryID)))
	return nil
}

// Start schedules the retry drain and starts the cron runner.
func (s *SchedulerService) Start(retrySpec string) error {
	if err := s.AddJob("retry-uploads", retrySpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.Drain(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Drain replays every due item once and returns how many succeeded.
func (s *SchedulerService) Drain(ctx context.Context) int {
	items, err := s.queue.Due(ctx, s.batch)
	if err != nil {
		s.logger.Error("failed to load pending uploads", zap.Error(err))
		return 0
	}

	sent := 0
	for _, item := range items {
		if err := s.replay(ctx, item); err != nil {
			s.logger.Warn("retry failed",
				zap.Uint("id", item.ID),
				zap.String("kind", item.Kind),
				zap.String("session_id", item.SessionID),
				zap.Int("attempt", item.Attempts+1),
				zap.Error(err))
			if merr := s.queue.MarkFailed(ctx, item, err); merr != nil {
				s.logger.Error("failed to update pending upload", zap.Uint("id", item.ID), zap.Error(merr))
			}
			continue
		}
		if err := s.queue.MarkDone(ctx, item.ID); err != nil {
			s.logger.Error("failed to remove pending upload", zap.Uint("id", item.ID), zap.Error(err))
			continue
		}
		sent++
	}
	if len(items) > 0 {
		s.logger.Info("retry pass finished", zap.Int("due", len(items)), zap.Int("sent", sent))
	}
	return sent
}

func (s *SchedulerService) replay(ctx context.Context, item models.PendingUpload) error {
	poster := s.posterFor(item.Origin)
	switch item.Kind {
	case models.UploadKindSteps:
		var steps []models.StepPayload
		if err := json.Unmarshal([]byte(item.Payload), &steps); err != nil {
			return fmt.Errorf("corrupt steps payload: %w", err)
		}
		return poster.PostSteps(ctx, item.SessionID, steps)
	case models.UploadKindEvents:
		var events []models.DomEvent
		if err := json.Unmarshal([]byte(item.Payload), &events); err != nil {
			return fmt.Errorf("corrupt events payload: %w", err)
		}
		return poster.PostEvents(ctx, item.SessionID, events)
	default:
		return fmt.Errorf("unknown upload kind %q", item.Kind)
	}
}

// Stop waits for running jobs to return.
func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
