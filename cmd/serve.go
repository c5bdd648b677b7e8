package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"flowtomanual/agent/internal/api/handlers"
	"flowtomanual/agent/internal/api/routes"
	"flowtomanual/agent/internal/backend"
	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/internal/capture"
	"flowtomanual/agent/internal/config"
	"flowtomanual/agent/internal/content"
	"flowtomanual/agent/internal/desktop"
	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/internal/recorder"
	"flowtomanual/agent/internal/services"
	"flowtomanual/agent/internal/state"
	"flowtomanual/agent/internal/store"
	"flowtomanual/agent/internal/uploader"
	"flowtomanual/agent/pkg/auth"
	"flowtomanual/agent/pkg/chrome"
	"flowtomanual/agent/pkg/database"
	"flowtomanual/agent/pkg/frames"
	"flowtomanual/agent/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	auth.InitJWT(cfg.JWT.Secret)

	db, err := database.InitDatabase(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// The recording flag only lives for one agent run.
	kv := store.NewSessionKV(db)
	if err := kv.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset session state: %w", err)
	}
	states := state.NewService(kv, log)
	queue := store.NewRetryQueue(db, cfg.Upload.MaxRetries)
	client := backend.NewClient(cfg.Backend, log)

	launcher := chrome.NewLauncher(cfg.Chrome, log)
	browserCtx, err := launcher.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to chrome: %w", err)
	}
	defer launcher.Close()

	encoders := recorder.NewEncoderFactory(log)
	recOpts := recorder.Options{
		MaxDuration:   cfg.Recorder.MaxDuration,
		ChunkInterval: cfg.Recorder.ChunkInterval,
		FrameRate:     cfg.Recorder.FrameRate,
		Encoder: recorder.EncoderOptions{
			FFmpegPath: cfg.Recorder.FFmpegPath,
			Codec:      cfg.Recorder.Codec,
			Bitrate:    cfg.Recorder.Bitrate,
		},
	}

	var (
		coordinator *background.Coordinator
		sessions    *services.SessionManager
		tabs        *chrome.Tabs
		screen      atomic.Pointer[recorder.Recorder]
	)
	injectors := content.NewSet()
	grabber := frames.NewGrabber(cfg.Capture.ScreenshotInterval, log)
	shooter := capture.ShooterFunc(func(context.Context) (string, bool) {
		rec := screen.Load()
		if rec == nil {
			return "", false
		}
		return grabber.CaptureLiveFrame(rec)
	})

	// The screencast follows the user to every tab outside the app.
	followTab := func() {
		rec := screen.Load()
		if rec == nil {
			return
		}
		if err := rec.Retarget(ctx); err != nil {
			log.Debug("screencast kept on its tab", zap.Error(err))
		}
	}

	tabs = chrome.NewTabs(browserCtx, chrome.Callbacks{
		Created: func(tab background.Tab, tabCtx context.Context) {
			tabID := tab.ID
			inj := content.New(content.Options{
				TabID:       tabID,
				Hooks:       capture.NewPageHooks(tabCtx, log),
				Events:      sessions,
				Shooter:     shooter,
				States:      states,
				Coordinator: coordinator,
				Sender: func(context.Context) background.Sender {
					return tabs.Sender(tabID)
				},
				TrackScroll: cfg.Capture.TrackScroll,
			}, log)
			inj.Start(ctx)
			if err := injectors.Add(ctx, tabID, inj); err != nil {
				log.Warn("failed to close replaced injector", zap.Int("tab_id", tabID), zap.Error(err))
			}
		},
		Destroyed: func(tabID int) {
			if err := injectors.Remove(context.WithoutCancel(ctx), tabID); err != nil {
				log.Debug("failed to detach closed tab", zap.Int("tab_id", tabID), zap.Error(err))
			}
		},
		Activated: func(tabID, windowID int) {
			coordinator.OnTabActivated(ctx, tabID, windowID)
			followTab()
		},
		FocusChanged: func(windowID int) {
			coordinator.OnWindowFocusChanged(ctx, windowID)
			followTab()
		},
	}, log)

	batcher := desktop.NewBatcher(
		func(token string) desktop.Backend {
			if token == "" {
				return client
			}
			return client.WithToken(token)
		},
		func(onStop func(models.Recording)) desktop.Capturer {
			source := recorder.NewDesktopSource(cfg.Recorder.FFmpegPath, cfg.Recorder.FrameRate, log)
			return recorder.New(source, encoders, recOpts, onStop, log.Named("desktop"))
		},
		queue,
		log,
	)

	picker := services.NewTabPicker(tabs, states)
	coordinator = background.NewCoordinator(states, tabs, batcher, log)
	hub := handlers.NewStepHub(log)
	coordinator.Observe(hub.Broadcast)

	upload := uploader.NewCoordinator(
		func(origin string) uploader.Backend { return client.ForOrigin(origin) },
		frames.NewExtractor(cfg.Upload.ThumbnailTimeout, cfg.Recorder.FFmpegPath, cfg.Recorder.FrameRate, log),
		queue,
		cfg.Upload,
		cfg.Correlation.Window,
		log,
	)

	sessions = services.NewSessionManager(
		coordinator,
		states,
		func(onStop func(models.Recording)) services.Capturer {
			source := recorder.NewScreencastSource(func(ctx context.Context) (context.Context, error) {
				tabID, err := picker.Pick(ctx)
				if err != nil {
					return nil, err
				}
				return tabs.Context(tabID)
			}, log)
			rec := recorder.New(source, encoders, recOpts, onStop, log)
			screen.Store(rec)
			return rec
		},
		func(origin string) services.EventStore { return store.NewEventLog(db, origin) },
		upload,
		services.ManagerOptions{Drain: injectors.Drain},
		log,
	)

	scheduler := services.NewScheduler(queue, func(origin string) services.Poster {
		return client.ForOrigin(origin)
	}, log)
	if err := batcher.Schedule(scheduler, cfg.Upload.FlushSchedule); err != nil {
		return err
	}
	if err := scheduler.Start(cfg.Upload.RetrySchedule); err != nil {
		return err
	}

	statusSync := services.NewStatusSyncService(sessions, 0, 0, log)
	statusSync.Start()

	router := routes.SetupRoutes(cfg, handlers.New(handlers.Deps{
		Messenger:    coordinator,
		Tabs:         tabs,
		Sessions:     sessions,
		DocumentsFor: func(origin string) handlers.Documents { return client.ForOrigin(origin) },
		LibraryFor:   func(origin string) handlers.Library { return client.ForOrigin(origin) },
		Hub:          hub,
		Auth:         cfg.Auth,
		JWT:          cfg.JWT,
		PreviewDir:   cfg.Upload.PreviewDir,
	}, log), log)

	srv := &http.Server{
		Addr:        cfg.Address(),
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// Long manual downloads and the step socket outlive a fixed write
		// deadline.
		IdleTimeout: 2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		return tabs.Start(gctx)
	})
	g.Go(func() error {
		log.Info("agent API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down agent")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.LogError(log, err, "server shutdown failed")
		}
		hub.Close()
		statusSync.Stop()
		scheduler.Stop()
		sessions.Close()
		batcher.Wait()
		injectors.CloseAll(shutdownCtx)

		log.Info("agent shutdown complete")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
