package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Seeker decodes frames of one finished recording.
type Seeker interface {
	Duration(ctx context.Context) (time.Duration, error)
	// FrameAt returns a PNG of the frame at the relative position (0..1).
	FrameAt(ctx context.Context, fraction float64) ([]byte, error)
	Close() error
}

type SeekerFunc func(data []byte, contentType string) (Seeker, error)

// Extractor pulls evenly spread thumbnails out of a recording.
type Extractor struct {
	timeout time.Duration
	open    SeekerFunc
	logger  *zap.Logger
}

func NewExtractor(timeout time.Duration, ffmpegPath string, mjpegFPS int, logger *zap.Logger) *Extractor {
	return &Extractor{
		timeout: timeout,
		open: func(data []byte, contentType string) (Seeker, error) {
			if contentType == ContentTypeMJPEG {
				return newMJPEGSeeker(data, mjpegFPS)
			}
			return newFFmpegSeeker(data, contentType, ffmpegPath)
		},
		logger: logger.Named("thumbnails"),
	}
}

// Positions returns the relative playback positions sampled for count
// thumbnails.
func Positions(count int) []float64 {
	if count <= 0 {
		return nil
	}
	if count == 1 {
		return []float64{0.5}
	}
	all := []float64{0.2, 0.5, 0.8}
	if count > len(all) {
		count = len(all)
	}
	return all[:count]
}

// Extract returns up to count PNG data URIs. It always returns within the
// configured timeout, with whatever frames were decoded by then.
func (e *Extractor) Extract(ctx context.Context, data []byte, contentType string, count int) []string {
	positions := Positions(count)
	if len(positions) == 0 || len(data) == 0 {
		return nil
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	out := make(chan string, len(positions))
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				e.logger.Warn("thumbnail extraction panicked", zap.Any("panic", r))
			}
		}()
		e.extract(ctx, data, contentType, positions, out)
	}()

	var thumbs []string
	collect := func() []string {
		for {
			select {
			case t := <-out:
				thumbs = append(thumbs, t)
			default:
				return thumbs
			}
		}
	}
	for {
		select {
		case t := <-out:
			thumbs = append(thumbs, t)
		case <-done:
			return collect()
		case <-ctx.Done():
			e.logger.Warn("thumbnail extraction timed out", zap.Int("extracted", len(thumbs)))
			return collect()
		}
	}
}

func (e *Extractor) extract(ctx context.Context, data []byte, contentType string, positions []float64, out chan<- string) {
	seeker, err := e.open(data, contentType)
	if err != nil {
		e.logger.Warn("failed to open recording for thumbnails", zap.Error(err))
		return
	}
	defer seeker.Close()

	if _, err := seeker.Duration(ctx); err != nil {
		e.logger.Warn("recording metadata unavailable", zap.Error(err))
		return
	}
	for _, pos := range positions {
		if ctx.Err() != nil {
			return
		}
		frame, err := seeker.FrameAt(ctx, pos)
		if err != nil {
			e.logger.Debug("thumbnail frame failed", zap.Float64("position", pos), zap.Error(err))
			continue
		}
		out <- EncodeDataURI(ContentTypePNG, frame)
	}
}

type mjpegSeeker struct {
	frames [][]byte
	fps    int
}

func newMJPEGSeeker(data []byte, fps int) (*mjpegSeeker, error) {
	frames := SplitJPEG(data)
	if len(frames) == 0 {
		return nil, errors.New("no frames in motion-jpeg stream")
	}
	if fps <= 0 {
		fps = 1
	}
	return &mjpegSeeker{frames: frames, fps: fps}, nil
}

func (s *mjpegSeeker) Duration(context.Context) (time.Duration, error) {
	return time.Duration(len(s.frames)) * time.Second / time.Duration(s.fps), nil
}

func (s *mjpegSeeker) FrameAt(_ context.Context, fraction float64) ([]byte, error) {
	i := int(fraction * float64(len(s.frames)-1))
	if i < 0 {
		i = 0
	}
	if i >= len(s.frames) {
		i = len(s.frames) - 1
	}
	return ToPNG(s.frames[i], ContentTypeJPEG)
}

func (s *mjpegSeeker) Close() error { return nil }

// ffmpegSeeker spills the recording to a temp file and shells out to
// ffprobe/ffmpeg, which the agent already needs for screen encoding.
type ffmpegSeeker struct {
	ffmpeg   string
	ffprobe  string
	path     string
	duration time.Duration
}

func newFFmpegSeeker(data []byte, contentType, ffmpegPath string) (*ffmpegSeeker, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ext := ".webm"
	if strings.Contains(contentType, "mp4") {
		ext = ".mp4"
	}
	f, err := os.CreateTemp("", "ftm-recording-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp recording: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write temp recording: %w", err)
	}
	f.Close()

	ffprobe := "ffprobe"
	if dir := filepath.Dir(ffmpegPath); dir != "." {
		ffprobe = filepath.Join(dir, "ffprobe")
	}
	return &ffmpegSeeker{ffmpeg: ffmpegPath, ffprobe: ffprobe, path: f.Name()}, nil
}

func (s *ffmpegSeeker) Duration(ctx context.Context) (time.Duration, error) {
	out, err := exec.CommandContext(ctx, s.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		s.path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("unknown recording duration %q", strings.TrimSpace(string(out)))
	}
	s.duration = time.Duration(secs * float64(time.Second))
	return s.duration, nil
}

func (s *ffmpegSeeker) FrameAt(ctx context.Context, fraction float64) ([]byte, error) {
	at := time.Duration(fraction * float64(s.duration))
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.ffmpeg,
		"-v", "error",
		"-ss", strconv.FormatFloat(at.Seconds(), 'f', 3, 64),
		"-i", s.path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"pipe:1",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg seek to %s failed: %w: %s", at, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("no frame at %s", at)
	}
	return stdout.Bytes(), nil
}

func (s *ffmpegSeeker) Close() error {
	return os.Remove(s.path)
}
