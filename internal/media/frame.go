// Package media defines the frame types and the external capabilities the
// player drives: decoders that turn encoded frames into displayable
// pictures, the display surface pictures are blitted to, and the sink that
// consumes audio.
package media

import (
	"context"
	"image"
)

// DecodedBufferSize bounds the queue between a decoder and its consumer:
// about two seconds of 30 fps video.
const DecodedBufferSize = 60

// EncodedFrame is one compressed frame handed to a decoder.
type EncodedFrame struct {
	Data      []byte
	Timestamp int64 // microseconds
	Keyframe  bool
	// Config is an in-band decoder configuration record that replaces the
	// one the decoder was configured with.
	Config []byte
}

// VideoFrame is a decoded, displayable picture.
type VideoFrame struct {
	Timestamp int64 // microseconds
	Width     int
	Height    int
	Keyframe  bool
	Codec     string
	// Image holds the pixels; nil for decoders that only inspect the
	// bitstream.
	Image image.Image
}

// AudioFrame is one encoded audio frame as delivered by the track.
type AudioFrame struct {
	Data      []byte
	Timestamp int64 // microseconds
	GroupID   uint64
}

// DecoderConfig configures a video decoder.
type DecoderConfig struct {
	Codec              string // RFC 6381 codec string, e.g. "avc1.64001f"
	CodedWidth         int
	CodedHeight        int
	Description        []byte // avcC / hvcC record, optional
	OptimizeForLatency bool
}

// Decoder turns encoded frames into VideoFrames. Decode and Next may be
// called from different goroutines. Next returns io.EOF once the decoder
// is closed and drained.
type Decoder interface {
	Decode(ctx context.Context, frame EncodedFrame) error
	Next(ctx context.Context) (*VideoFrame, error)
	Close() error
}

// DecoderFactory configures a new Decoder.
type DecoderFactory interface {
	NewDecoder(cfg DecoderConfig) (Decoder, error)
}

// DecoderFactoryFunc adapts a function to DecoderFactory.
type DecoderFactoryFunc func(cfg DecoderConfig) (Decoder, error)

// NewDecoder calls f(cfg).
func (f DecoderFactoryFunc) NewDecoder(cfg DecoderConfig) (Decoder, error) { return f(cfg) }

// Surface is a display target. RequestRefresh schedules fn to run once on
// the next display refresh. Implementations must be comparable, since
// configurations holding a Surface are compared with ==.
type Surface interface {
	RequestRefresh(fn func())
	Resize(width, height int)
	Blit(frame *VideoFrame)
}

// AudioSink consumes audio frames.
type AudioSink interface {
	WriteAudio(frame AudioFrame) error
}
