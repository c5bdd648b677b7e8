package frames

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func jpegFrame(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

type staticSource struct {
	data []byte
	ct   string
}

func (s staticSource) LatestFrame() ([]byte, string, bool) {
	return s.data, s.ct, len(s.data) > 0
}

type panickingSource struct{}

func (panickingSource) LatestFrame() ([]byte, string, bool) { panic("stream gone") }

func TestDataURI(t *testing.T) {
	uri := EncodeDataURI(ContentTypePNG, []byte("abc"))
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	data, ct, err := DecodeDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, ContentTypePNG, ct)

	_, _, err = DecodeDataURI("/screenshots/1.png")
	assert.ErrorIs(t, err, ErrNotDataURI)
}

func TestSplitJPEG(t *testing.T) {
	a, b := jpegFrame(t, 10), jpegFrame(t, 200)
	stream := append(append([]byte{}, a...), b...)

	frames := SplitJPEG(stream)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
	assert.Empty(t, SplitJPEG([]byte("garbage")))
}

func TestCaptureLiveFrameIsRateLimited(t *testing.T) {
	g := NewGrabber(time.Hour, zaptest.NewLogger(t))
	src := staticSource{data: jpegFrame(t, 50), ct: ContentTypeJPEG}

	uri, ok := g.CaptureLiveFrame(src)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	_, ok = g.CaptureLiveFrame(src)
	assert.False(t, ok, "second grab within the interval is dropped")
}

func TestCaptureLiveFrameNeverPanics(t *testing.T) {
	g := NewGrabber(0, zaptest.NewLogger(t))

	_, ok := g.CaptureLiveFrame(nil)
	assert.False(t, ok)

	_, ok = g.CaptureLiveFrame(staticSource{})
	assert.False(t, ok)

	_, ok = g.CaptureLiveFrame(staticSource{data: []byte("not an image"), ct: ContentTypeJPEG})
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		_, ok = g.CaptureLiveFrame(panickingSource{})
	})
	assert.False(t, ok)
}

func TestPositions(t *testing.T) {
	assert.Nil(t, Positions(0))
	assert.Equal(t, []float64{0.5}, Positions(1))
	assert.Equal(t, []float64{0.2, 0.5}, Positions(2))
	assert.Equal(t, []float64{0.2, 0.5, 0.8}, Positions(5))
}

func TestExtractMotionJPEG(t *testing.T) {
	var stream []byte
	for i := 0; i < 10; i++ {
		stream = append(stream, jpegFrame(t, uint8(i*20))...)
	}
	e := NewExtractor(3*time.Second, "", 10, zaptest.NewLogger(t))

	thumbs := e.Extract(context.Background(), stream, ContentTypeMJPEG, 3)
	require.Len(t, thumbs, 3)
	for _, th := range thumbs {
		assert.True(t, IsDataURI(th))
	}
	assert.Len(t, e.Extract(context.Background(), stream, ContentTypeMJPEG, 1), 1)
	assert.Empty(t, e.Extract(context.Background(), []byte("junk"), ContentTypeMJPEG, 3))
}

type stuckSeeker struct{}

func (stuckSeeker) Duration(ctx context.Context) (time.Duration, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (stuckSeeker) FrameAt(context.Context, float64) ([]byte, error) { return nil, nil }
func (stuckSeeker) Close() error                                     { return nil }

func TestExtractIsBoundedByTimeout(t *testing.T) {
	e := NewExtractor(50*time.Millisecond, "", 10, zaptest.NewLogger(t))
	e.open = func([]byte, string) (Seeker, error) { return stuckSeeker{}, nil }

	start := time.Now()
	thumbs := e.Extract(context.Background(), []byte("video"), ContentTypeWebM, 3)
	assert.Empty(t, thumbs)
	assert.Less(t, time.Since(start), time.Second)
}
