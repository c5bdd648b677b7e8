// Package frames grabs screenshots from live capture streams and extracts
// thumbnails from finished recordings. Every entry point here is best effort:
// failures are logged and yield empty results.
package frames

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"strings"
)

const (
	ContentTypePNG   = "image/png"
	ContentTypeJPEG  = "image/jpeg"
	ContentTypeMJPEG = "video/x-motion-jpeg"
	ContentTypeWebM  = "video/webm"
)

var ErrNotDataURI = errors.New("not a base64 data URI")

func EncodeDataURI(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func IsDataURI(s string) bool {
	return strings.HasPrefix(s, "data:") && strings.Contains(s, ";base64,")
}

// DecodeDataURI returns the payload and media type of a base64 data URI.
func DecodeDataURI(uri string) ([]byte, string, error) {
	if !IsDataURI(uri) {
		return nil, "", ErrNotDataURI
	}
	header, payload, _ := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	contentType := strings.TrimSuffix(header, ";base64")
	if contentType == "" {
		contentType = "text/plain"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode data URI: %w", err)
	}
	return data, contentType, nil
}

// SplitJPEG cuts a Motion-JPEG byte stream into individual JPEG images.
func SplitJPEG(data []byte) [][]byte {
	soi := []byte{0xFF, 0xD8}
	eoi := []byte{0xFF, 0xD9}

	var frames [][]byte
	for {
		start := bytes.Index(data, soi)
		if start < 0 {
			return frames
		}
		end := bytes.Index(data[start+2:], eoi)
		if end < 0 {
			return frames
		}
		end += start + 4
		frames = append(frames, data[start:end])
		data = data[end:]
	}
}

// ToPNG re-encodes a raster image as PNG. PNG input is returned as is.
func ToPNG(data []byte, contentType string) ([]byte, error) {
	if contentType == ContentTypePNG {
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
