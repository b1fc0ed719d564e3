// Package codec provides a headless video decoder that inspects H.264 and
// H.265 access units instead of decoding pixels. It tracks the coded
// dimensions from parameter sets, whether carried in the decoder
// configuration record or in-band, and flags random access points.
package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/zsiec/prism-player/internal/media"
	"github.com/zsiec/prism-player/internal/moq"
)

// Sentinel errors returned by the inspector.
var (
	ErrUnsupportedCodec = errors.New("codec: unsupported codec")
	ErrClosed           = errors.New("codec: decoder closed")
	ErrBitstream        = errors.New("codec: malformed access unit")
)

// Family is a video codec family.
type Family int

// Supported families.
const (
	H264 Family = iota + 1
	H265
)

func (f Family) String() string {
	switch f {
	case H264:
		return "H.264"
	case H265:
		return "H.265"
	default:
		return "unknown"
	}
}

// FamilyOf returns the family of an RFC 6381 codec string.
func FamilyOf(codec string) (Family, error) {
	prefix, _, _ := strings.Cut(codec, ".")
	switch prefix {
	case "avc1", "avc3":
		return H264, nil
	case "hvc1", "hev1":
		return H265, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
}

// NewFactory returns a DecoderFactory producing Inspectors.
func NewFactory(log *slog.Logger) media.DecoderFactory {
	return media.DecoderFactoryFunc(func(cfg media.DecoderConfig) (media.Decoder, error) {
		return NewInspector(cfg, log)
	})
}

// Inspector implements media.Decoder. Decode must be called from a single
// goroutine; Next may be called concurrently with it.
type Inspector struct {
	log    *slog.Logger
	codec  string
	family Family
	width  int
	height int

	out  chan *media.VideoFrame
	done chan struct{}
	once sync.Once
}

// NewInspector configures an Inspector. Dimensions start at the coded size
// in cfg and are replaced by those of any parameter set in the description.
func NewInspector(cfg media.DecoderConfig, log *slog.Logger) (*Inspector, error) {
	if log == nil {
		log = slog.Default()
	}
	family, err := FamilyOf(cfg.Codec)
	if err != nil {
		return nil, err
	}
	d := &Inspector{
		log:    log.With("component", "inspect-decoder", "codec", cfg.Codec),
		codec:  cfg.Codec,
		family: family,
		width:  cfg.CodedWidth,
		height: cfg.CodedHeight,
		out:    make(chan *media.VideoFrame, media.DecodedBufferSize),
		done:   make(chan struct{}),
	}
	if len(cfg.Description) > 0 {
		if err := d.configure(cfg.Description); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Size returns the current coded dimensions.
func (d *Inspector) Size() (int, int) { return d.width, d.height }

// configure applies an avcC or hvcC record.
func (d *Inspector) configure(record []byte) error {
	var (
		rec moq.DecoderConfig
		err error
	)
	if d.family == H264 {
		rec, err = moq.ParseAVCDecoderConfig(record)
	} else {
		rec, err = moq.ParseHEVCDecoderConfig(record)
	}
	if err != nil {
		return err
	}
	if rec.LengthSize != 4 {
		return fmt.Errorf("%w: NALU length size %d", ErrUnsupportedCodec, rec.LengthSize)
	}
	for _, sps := range rec.SPS {
		if err := d.applySPS(sps); err != nil {
			return err
		}
	}
	return nil
}

func (d *Inspector) applySPS(nalu []byte) error {
	var w, h int
	switch d.family {
	case H264:
		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			return fmt.Errorf("%w: sps: %w", ErrBitstream, err)
		}
		w, h = sps.Width(), sps.Height()
	case H265:
		var sps h265.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			return fmt.Errorf("%w: sps: %w", ErrBitstream, err)
		}
		w, h = sps.Width(), sps.Height()
	}
	if w != d.width || h != d.height {
		d.log.Debug("coded size changed", "width", w, "height", h)
	}
	d.width, d.height = w, h
	return nil
}

// Decode inspects one access unit in length-prefixed form and queues a
// VideoFrame describing it.
func (d *Inspector) Decode(ctx context.Context, f media.EncodedFrame) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	if len(f.Config) > 0 {
		if err := d.configure(f.Config); err != nil {
			return err
		}
	}

	var au h264.AVCC
	if err := au.Unmarshal(f.Data); err != nil {
		return fmt.Errorf("%w: %w", ErrBitstream, err)
	}
	random := false
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		isSPS, isRAP := d.classify(nalu)
		if isSPS {
			if err := d.applySPS(nalu); err != nil {
				return err
			}
		}
		random = random || isRAP
	}

	frame := &media.VideoFrame{
		Timestamp: f.Timestamp,
		Width:     d.width,
		Height:    d.height,
		Keyframe:  f.Keyframe || random,
		Codec:     d.codec,
	}
	select {
	case d.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
}

// classify reports whether nalu is a sequence parameter set and whether it
// starts a random access point.
func (d *Inspector) classify(nalu []byte) (sps, rap bool) {
	if d.family == H264 {
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS:
			return true, false
		case h264.NALUTypeIDR:
			return false, true
		}
		return false, false
	}

	if len(nalu) < 2 {
		return false, false
	}
	switch h265.NALUType((nalu[0] >> 1) & 0x3f) {
	case h265.NALUType_SPS_NUT:
		return true, false
	case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP, h265.NALUType_CRA_NUT:
		return false, true
	}
	return false, false
}

// Next returns the next inspected frame, or io.EOF once the Inspector is
// closed and drained.
func (d *Inspector) Next(ctx context.Context) (*media.VideoFrame, error) {
	select {
	case f := <-d.out:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
	}
	select {
	case f := <-d.out:
		return f, nil
	default:
		return nil, io.EOF
	}
}

// Close flushes the Inspector: queued frames remain readable through Next.
func (d *Inspector) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}
