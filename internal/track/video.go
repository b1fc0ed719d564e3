package track

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/prism-player/internal/catalog"
	"github.com/zsiec/prism-player/internal/media"
	"github.com/zsiec/prism-player/internal/render"
	"github.com/zsiec/prism-player/internal/transport"
)

// backlogWarn is the presentation queue depth at which rendering is
// considered to have fallen behind decoding.
const backlogWarn = 30

// Video consumes a video track through a decoder into a Renderer.
type Video struct {
	log      *slog.Logger
	name     string
	reader   transport.TrackReader
	decoders media.DecoderFactory
	config   media.DecoderConfig
}

// FetchVideo subscribes to the video track t and prepares the decoder
// configuration from its selection parameters.
func FetchVideo(ctx context.Context, sub transport.Subscriber, cat *catalog.Catalog, t catalog.Track, decoders media.DecoderFactory, log *slog.Logger) (*Video, error) {
	if log == nil {
		log = slog.Default()
	}
	desc, err := t.Description()
	if err != nil {
		return nil, err
	}
	reader, ns, err := subscribe(ctx, sub, cat, t)
	if err != nil {
		return nil, err
	}
	return &Video{
		log:      log.With("component", "video", "track", t.Name, "namespace", ns),
		name:     t.Name,
		reader:   reader,
		decoders: decoders,
		config: media.DecoderConfig{
			Codec:              t.SelectionParams.Codec,
			CodedWidth:         t.SelectionParams.Width,
			CodedHeight:        t.SelectionParams.Height,
			Description:        desc,
			OptimizeForLatency: true,
		},
	}, nil
}

// Name returns the track name.
func (v *Video) Name() string { return v.name }

// DecoderConfig returns the configuration the decoder is created with.
func (v *Video) DecoderConfig() media.DecoderConfig { return v.config }

// Run configures a decoder and runs the feed and drain loops until the
// track ends or either loop fails. The first error wins and cancels the
// other loop.
func (v *Video) Run(ctx context.Context, r *render.Renderer) error {
	dec, err := v.decoders.NewDecoder(v.config)
	if err != nil {
		return fmt.Errorf("%w: configure %s: %w", ErrDecoder, v.config.Codec, err)
	}
	defer dec.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return v.feed(gctx, dec)
	})
	g.Go(func() error {
		return v.drain(gctx, dec, r)
	})
	return g.Wait()
}

// feed pushes every frame of the track into the decoder, then closes it so
// the drain loop ends once the decoder is flushed.
func (v *Video) feed(ctx context.Context, dec media.Decoder) error {
	for {
		g, err := v.reader.NextGroup(ctx)
		if errors.Is(err, io.EOF) {
			v.log.Debug("video track ended")
			return dec.Close()
		}
		if err != nil {
			return fmt.Errorf("video %s: %w", v.name, err)
		}

		err = v.feedGroup(ctx, dec, g)
		g.Close()
		if err != nil {
			return err
		}
	}
}

func (v *Video) feedGroup(ctx context.Context, dec media.Decoder, g transport.GroupReader) error {
	for {
		f, err := g.NextFrame(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("video %s group %d: %w", v.name, g.ID(), err)
		}

		err = dec.Decode(ctx, media.EncodedFrame{
			Data:      f.Payload,
			Timestamp: f.Timestamp.Microseconds(),
			Keyframe:  f.Keyframe,
			Config:    f.Config,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: decode group %d object %d: %w", ErrDecoder, f.GroupID, f.ObjectID, err)
		}
	}
}

// drain moves decoded frames into the renderer.
func (v *Video) drain(ctx context.Context, dec media.Decoder, r *render.Renderer) error {
	behind := false
	for {
		frame, err := dec.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrDecoder, err)
		}
		r.Push(frame)

		switch n := r.Len(); {
		case n >= backlogWarn && !behind:
			behind = true
			v.log.Warn("renderer falling behind", "queued", n)
		case n < backlogWarn && behind:
			behind = false
			v.log.Info("renderer caught up", "queued", n)
		}
	}
}

// Close releases the subscription.
func (v *Video) Close() error {
	return v.reader.Close()
}
