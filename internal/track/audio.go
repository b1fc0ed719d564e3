package track

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/prism-player/internal/catalog"
	"github.com/zsiec/prism-player/internal/media"
	"github.com/zsiec/prism-player/internal/transport"
)

// Audio consumes an audio track.
type Audio struct {
	log    *slog.Logger
	name   string
	reader transport.TrackReader
	sink   media.AudioSink

	frames int64
	bytes  int64
}

// FetchAudio subscribes to the audio track t. Frames are forwarded to sink;
// with a nil sink they are read and discarded.
func FetchAudio(ctx context.Context, sub transport.Subscriber, cat *catalog.Catalog, t catalog.Track, sink media.AudioSink, log *slog.Logger) (*Audio, error) {
	if log == nil {
		log = slog.Default()
	}
	reader, ns, err := subscribe(ctx, sub, cat, t)
	if err != nil {
		return nil, err
	}
	return &Audio{
		log:    log.With("component", "audio", "track", t.Name, "namespace", ns),
		name:   t.Name,
		reader: reader,
		sink:   sink,
	}, nil
}

// Name returns the track name.
func (a *Audio) Name() string { return a.name }

// Run reads groups and frames until the track ends, returning nil at a
// clean end. It may be called again after it returns.
func (a *Audio) Run(ctx context.Context) error {
	for {
		g, err := a.reader.NextGroup(ctx)
		if errors.Is(err, io.EOF) {
			a.log.Debug("audio track ended", "frames", a.frames, "bytes", a.bytes)
			return nil
		}
		if err != nil {
			return fmt.Errorf("audio %s: %w", a.name, err)
		}

		err = a.readGroup(ctx, g)
		g.Close()
		if err != nil {
			return err
		}
	}
}

func (a *Audio) readGroup(ctx context.Context, g transport.GroupReader) error {
	for {
		f, err := g.NextFrame(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("audio %s group %d: %w", a.name, g.ID(), err)
		}

		a.frames++
		a.bytes += int64(len(f.Payload))
		if a.sink == nil {
			continue
		}
		if err := a.sink.WriteAudio(media.AudioFrame{
			Data:      f.Payload,
			Timestamp: f.Timestamp.Microseconds(),
			GroupID:   f.GroupID,
		}); err != nil {
			return fmt.Errorf("audio %s sink: %w", a.name, err)
		}
	}
}

// Close releases the subscription.
func (a *Audio) Close() error {
	return a.reader.Close()
}
