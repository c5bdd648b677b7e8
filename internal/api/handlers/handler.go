package handlers

import (
	"context"
	"strings"

	"flowtomanual/agent/internal/backend"
	"flowtomanual/agent/internal/background"
	"flowtomanual/agent/internal/config"
	"flowtomanual/agent/internal/correlator"
	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/internal/services"

	"go.uber.org/zap"
)

type Messenger interface {
	Dispatch(ctx context.Context, msg background.Message, sender background.Sender) background.Response
}

type TabLister interface {
	List() []background.Tab
}

type Sessions interface {
	StartRecording(ctx context.Context, req services.StartRequest) (string, error)
	StopRecording(ctx context.Context, sessionID string) error
	GetRecordingStatus(sessionID string) (services.RecordingStatus, error)
	Steps(sessionID string) ([]models.StepPayload, error)
	Timeline(sessionID string) ([]correlator.MergedEvent, error)
	RetryUpload(sessionID string) error
	CleanupRecording(sessionID string) error
}

type Documents interface {
	GenerateManual(ctx context.Context, id string, opts backend.ManualOptions) (*backend.ManualResult, error)
	DownloadManual(ctx context.Context, id string) (*backend.Document, error)
	DownloadRecording(ctx context.Context, id string) (*backend.Document, error)
}

// Library is the backend's listing of recordings, manuals and SOPs plus the
// signed-in user's role.
type Library interface {
	ListRecordings(ctx context.Context) ([]backend.Item, error)
	ListManuals(ctx context.Context) ([]backend.Item, error)
	ListSOPs(ctx context.Context) ([]string, error)
	UploadSOP(ctx context.Context, filename string, data []byte, title, description string) error
	DownloadSOP(ctx context.Context, name string) (*backend.Document, error)
	Me(ctx context.Context) (*backend.Profile, error)
	UpdateRole(ctx context.Context, role string) error
}

type Deps struct {
	Messenger Messenger
	Tabs      TabLister
	Sessions  Sessions
	// DocumentsFor returns the backend serving the app at origin.
	DocumentsFor func(origin string) Documents
	LibraryFor   func(origin string) Library
	Hub          *StepHub
	Auth         config.AuthConfig
	JWT          config.JWTConfig
	PreviewDir   string
}

type Handler struct {
	Deps
	logger *zap.Logger
}

func New(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{Deps: deps, logger: logger.Named("api")}
}

// appTab finds the tab showing appOrigin, preferring the one in front.
func (h *Handler) appTab(appOrigin string) int {
	if h.Tabs == nil || appOrigin == "" {
		return 0
	}
	var best background.Tab
	for _, tab := range h.Tabs.List() {
		if !strings.HasPrefix(tab.URL, appOrigin) {
			continue
		}
		if best.ID == 0 || (tab.Active && !best.Active) {
			best = tab
		}
	}
	return best.ID
}
