package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoder with image.Decode
	"time"
)

// Source identifies which ingestion path produced a Frame.
type Source string

const (
	// SourceRTSP frame was pulled from an RTSP session
	SourceRTSP Source = "rtsp"
	// SourcePush frame was pushed in through the HTTP ingest endpoint
	SourcePush Source = "http_push"
)

// Frame is the decoded-image value object shared by every component that
// touches camera data. Once constructed it is never mutated in place —
// consumers receive either the value itself or a shallow copy of it, never a
// handle into a producer's scratch buffer.
type Frame struct {
	// Image the decoded pixel matrix
	Image image.Image
	// Timestamp capture time in seconds (monotonic source preferred, wall
	// clock acceptable)
	Timestamp float64
	// Source which ingestion path produced this frame
	Source Source
	// Seq monotonic per-camera sequence number, starting at 0
	Seq uint64
	// Encoded the original encoded bytes this frame was decoded from, kept
	// around so `frame/latest` can re-serve the exact bytes without a
	// re-encode round trip
	Encoded []byte
}

// Dimensions returns the width and height of the decoded image.
func (f Frame) Dimensions() (int, int) {
	if f.Image == nil {
		return 0, 0
	}
	bounds := f.Image.Bounds()
	return bounds.Dx(), bounds.Dy()
}

// Decode decodes a JPEG or PNG encoded byte slice into a Frame, preserving
// the original bytes for later re-serving. `ts` and `seq` are assigned by the
// caller since they depend on camera-level state this package does not own.
func Decode(encoded []byte, ts float64, source Source, seq uint64) (Frame, error) {
	img, format, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return Frame{}, fmt.Errorf("decode failed: %w", err)
	}
	if format != "jpeg" && format != "png" {
		return Frame{}, fmt.Errorf("unsupported image format %q", format)
	}
	return Frame{
		Image:     img,
		Timestamp: ts,
		Source:    source,
		Seq:       seq,
		Encoded:   encoded,
	}, nil
}

// EncodeJPEG renders the Frame's image as JPEG bytes. Prefers the frame's
// original encoded bytes when they are already JPEG, to avoid a needless
// re-encode of every `frame/latest` read.
func EncodeJPEG(f Frame) ([]byte, error) {
	if len(f.Encoded) > 4 && f.Encoded[0] == 0xFF && f.Encoded[1] == 0xD8 {
		return f.Encoded, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Now returns the current wall-clock time as a frame timestamp, the
// `server_now()` fallback used when a caller omits an explicit timestamp.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
