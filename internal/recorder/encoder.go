package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"flowtomanual/agent/pkg/frames"

	"go.uber.org/zap"
)

// Encoder turns JPEG frames into a video container emitted in chunks.
type Encoder interface {
	Write(frame []byte, contentType string) error
	// Flush returns the bytes produced since the previous Flush.
	Flush() ([]byte, error)
	// Close finalizes the container and returns the remaining bytes.
	Close() ([]byte, error)
	ContentType() string
}

type EncoderOptions struct {
	FFmpegPath string
	Codec      string
	Bitrate    int
	FrameRate  int
}

type EncoderFactory func(opts EncoderOptions) (Encoder, error)

var errEncoderClosed = errors.New("encoder closed")

// NewEncoderFactory prefers an ffmpeg WebM encoder and falls back to
// Motion-JPEG when ffmpeg is not installed.
func NewEncoderFactory(logger *zap.Logger) EncoderFactory {
	return func(opts EncoderOptions) (Encoder, error) {
		path := opts.FFmpegPath
		if path == "" {
			path = "ffmpeg"
		}
		resolved, err := exec.LookPath(path)
		if err != nil {
			logger.Warn("ffmpeg not found, recording as motion-jpeg", zap.String("ffmpeg", path))
			return NewMJPEGEncoder(), nil
		}
		opts.FFmpegPath = resolved
		return NewFFmpegEncoder(opts)
	}
}

type ffmpegEncoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	mu      sync.Mutex
	out     bytes.Buffer
	closed  bool
	drained chan struct{}
}

func NewFFmpegEncoder(opts EncoderOptions) (Encoder, error) {
	codec := opts.Codec
	if codec == "" {
		codec = "libvpx"
	}
	bitrate := opts.Bitrate
	if bitrate <= 0 {
		bitrate = 2_500_000
	}
	fps := opts.FrameRate
	if fps <= 0 {
		fps = 10
	}

	e := &ffmpegEncoder{drained: make(chan struct{})}
	e.cmd = exec.Command(opts.FFmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "image2pipe", "-c:v", "mjpeg", "-framerate", strconv.Itoa(fps), "-i", "pipe:0",
		"-an",
		"-c:v", codec, "-b:v", strconv.Itoa(bitrate),
		"-deadline", "realtime", "-cpu-used", "8",
		"-f", "webm", "pipe:1",
	)
	e.cmd.Stderr = &e.stderr

	stdin, err := e.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open encoder input: %w", err)
	}
	stdout, err := e.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open encoder output: %w", err)
	}
	e.stdin = stdin
	if err := e.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go func() {
		defer close(e.drained)
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				e.mu.Lock()
				e.out.Write(buf[:n])
				e.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return e, nil
}

func (e *ffmpegEncoder) ContentType() string { return frames.ContentTypeWebM }

func (e *ffmpegEncoder) Write(frame []byte, contentType string) error {
	if contentType != frames.ContentTypeJPEG {
		return fmt.Errorf("unsupported frame type %q", contentType)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errEncoderClosed
	}
	_, err := e.stdin.Write(frame)
	return err
}

func (e *ffmpegEncoder) Flush() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.out.Len() == 0 {
		return nil, nil
	}
	chunk := bytes.Clone(e.out.Bytes())
	e.out.Reset()
	return chunk, nil
}

func (e *ffmpegEncoder) Close() ([]byte, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errEncoderClosed
	}
	e.closed = true
	e.mu.Unlock()

	e.stdin.Close()
	<-e.drained
	waitErr := e.cmd.Wait()

	tail, _ := e.Flush()
	if waitErr != nil {
		return tail, fmt.Errorf("ffmpeg exited: %w: %s", waitErr, strings.TrimSpace(e.stderr.String()))
	}
	return tail, nil
}

type mjpegEncoder struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

// NewMJPEGEncoder concatenates JPEG frames into a Motion-JPEG stream.
func NewMJPEGEncoder() Encoder {
	return &mjpegEncoder{}
}

func (e *mjpegEncoder) ContentType() string { return frames.ContentTypeMJPEG }

func (e *mjpegEncoder) Write(frame []byte, contentType string) error {
	if contentType != frames.ContentTypeJPEG {
		return fmt.Errorf("unsupported frame type %q", contentType)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEncoderClosed
	}
	e.buf.Write(frame)
	return nil
}

func (e *mjpegEncoder) Flush() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buf.Len() == 0 {
		return nil, nil
	}
	chunk := bytes.Clone(e.buf.Bytes())
	e.buf.Reset()
	return chunk, nil
}

func (e *mjpegEncoder) Close() ([]byte, error) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.Flush()
}
