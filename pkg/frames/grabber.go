package frames

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FrameSource exposes the most recent frame of an active capture stream.
type FrameSource interface {
	LatestFrame() (data []byte, contentType string, ok bool)
}

// Grabber takes rate-limited snapshots of a live stream.
type Grabber struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewGrabber(interval time.Duration, logger *zap.Logger) *Grabber {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Grabber{
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("frames"),
	}
}

// CaptureLiveFrame returns the current frame of src as a PNG data URI. It
// reports false when src is nil, the rate limit was hit, or anything fails.
func (g *Grabber) CaptureLiveFrame(src FrameSource) (uri string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("live frame grab panicked", zap.Any("panic", r))
			uri, ok = "", false
		}
	}()

	if src == nil {
		return "", false
	}
	if !g.limiter.Allow() {
		return "", false
	}

	data, contentType, ok := src.LatestFrame()
	if !ok || len(data) == 0 {
		return "", false
	}
	pngData, err := ToPNG(data, contentType)
	if err != nil {
		g.logger.Debug("dropping live frame", zap.Error(err))
		return "", false
	}
	return EncodeDataURI(ContentTypePNG, pngData), true
}
