package recorder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"flowtomanual/agent/pkg/frames"

	"go.uber.org/zap"
)

// DesktopSource grabs the whole desktop with ffmpeg and reads it back as
// Motion-JPEG frames.
type DesktopSource struct {
	ffmpegPath string
	frameRate  int
	firstFrame time.Duration
	logger     *zap.Logger
}

func NewDesktopSource(ffmpegPath string, frameRate int, logger *zap.Logger) *DesktopSource {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if frameRate <= 0 {
		frameRate = 10
	}
	return &DesktopSource{
		ffmpegPath: ffmpegPath,
		frameRate:  frameRate,
		firstFrame: 5 * time.Second,
		logger:     logger.Named("desktop-source"),
	}
}

func grabInputArgs(goos string, fps int) ([]string, error) {
	rate := strconv.Itoa(fps)
	switch goos {
	case "linux":
		display := os.Getenv("DISPLAY")
		if display == "" {
			return nil, fmt.Errorf("%w: DISPLAY is not set", ErrNoSource)
		}
		return []string{"-f", "x11grab", "-framerate", rate, "-i", display}, nil
	case "darwin":
		return []string{"-f", "avfoundation", "-framerate", rate, "-capture_cursor", "1", "-i", "1:none"}, nil
	case "windows":
		return []string{"-f", "gdigrab", "-framerate", rate, "-i", "desktop"}, nil
	default:
		return nil, fmt.Errorf("%w: no desktop grabber for %s", ErrUnsupported, goos)
	}
}

func (d *DesktopSource) Open(ctx context.Context) (Stream, error) {
	path, err := exec.LookPath(d.ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	input, err := grabInputArgs(runtime.GOOS, d.frameRate)
	if err != nil {
		return nil, err
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, input...)
	args = append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "5", "pipe:1")
	cmd := exec.Command(path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open grabber output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	st := &desktopStream{cmd: cmd, done: make(chan struct{}), first: make(chan struct{})}
	go st.read(stdout)

	timer := time.NewTimer(d.firstFrame)
	defer timer.Stop()
	select {
	case <-st.first:
		d.logger.Info("desktop capture started", zap.String("os", runtime.GOOS))
		return st, nil
	case <-st.done:
		// macOS refuses screen grabs until the user grants screen recording.
		if runtime.GOOS == "darwin" {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, stderr.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrNoSource, stderr.String())
	case <-ctx.Done():
		st.Stop()
		return nil, ctx.Err()
	case <-timer.C:
		st.Stop()
		return nil, fmt.Errorf("%w: no frame within %s", ErrNoSource, d.firstFrame)
	}
}

type desktopStream struct {
	cmd *exec.Cmd

	mu      sync.RWMutex
	latest  []byte
	stopped bool

	firstOnce sync.Once
	first     chan struct{}
	done      chan struct{}
}

func (s *desktopStream) read(r io.Reader) {
	defer close(s.done)
	soi := []byte{0xFF, 0xD8}
	eoi := []byte{0xFF, 0xD9}
	var pending []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		pending = append(pending, buf[:n]...)
		for {
			start := bytes.Index(pending, soi)
			if start < 0 {
				pending = pending[:0]
				break
			}
			end := bytes.Index(pending[start+2:], eoi)
			if end < 0 {
				pending = pending[start:]
				break
			}
			end += start + 4
			frame := bytes.Clone(pending[start:end])
			pending = pending[end:]

			s.mu.Lock()
			s.latest = frame
			s.mu.Unlock()
			s.firstOnce.Do(func() { close(s.first) })
		}
		if err != nil {
			s.cmd.Wait()
			return
		}
	}
}

func (s *desktopStream) LatestFrame() ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped || len(s.latest) == 0 {
		return nil, "", false
	}
	return s.latest, frames.ContentTypeJPEG, true
}

func (s *desktopStream) Done() <-chan struct{} {
	return s.done
}

func (s *desktopStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	<-s.done
	return nil
}
