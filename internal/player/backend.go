// Package player runs the playback reactor: it observes the configuration
// store and drives session, catalog and track pipelines to match it.
package player

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/prism-player/internal/catalog"
	"github.com/zsiec/prism-player/internal/config"
	"github.com/zsiec/prism-player/internal/media"
	"github.com/zsiec/prism-player/internal/render"
	"github.com/zsiec/prism-player/internal/session"
	"github.com/zsiec/prism-player/internal/track"
	"github.com/zsiec/prism-player/internal/transport"
)

// Session is a connected broadcast session as used by the Backend.
type Session interface {
	transport.Subscriber
	// Closed reports whether the session can no longer be used.
	Closed() bool
	Close() error
}

// ConnectFunc establishes a Session to endpoint.
type ConnectFunc func(ctx context.Context, endpoint string) (Session, error)

// ConnectWith adapts a session.Connector to a ConnectFunc.
func ConnectWith(c *session.Connector) ConnectFunc {
	return func(ctx context.Context, endpoint string) (Session, error) {
		s, err := c.Connect(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Options configures a Backend.
type Options struct {
	Logger   *slog.Logger
	Connect  ConnectFunc
	Decoders media.DecoderFactory
	// Audio receives audio frames. Optional.
	Audio media.AudioSink
	// Report is called with every failed iteration. Optional.
	Report func(cfg config.Config, err *StageError)
}

// Backend is the reactor. It is driven by a single goroutine calling Run;
// all cached state below is owned by that goroutine or, while an
// iteration is in flight, by the iteration's goroutine.
type Backend struct {
	log   *slog.Logger
	store *config.Store
	opts  Options

	session    Session
	sessionURL string
	catalog    *catalog.Catalog
	video      *track.Video
	audio      *track.Audio
}

// New creates a Backend observing store.
func New(store *config.Store, opts Options) *Backend {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		log:   log.With("component", "player"),
		store: store,
		opts:  opts,
	}
}

type observation struct {
	cfg config.Config
	err error
}

// Run loops until the store is closed, returning nil, or ctx ends. Stage
// failures are logged and reported, never returned.
func (b *Backend) Run(ctx context.Context) error {
	defer b.dropSession()

	var (
		cfg     config.Config
		pending bool
	)
	for {
		if !pending {
			next, err := b.store.Next(ctx)
			if errors.Is(err, config.ErrClosed) {
				b.log.Info("configuration store closed")
				return nil
			}
			if err != nil {
				return err
			}
			cfg = next
		}

		obs, superseded := b.iterate(ctx, cfg)
		pending = false
		if !superseded {
			continue
		}
		if errors.Is(obs.err, config.ErrClosed) {
			b.log.Info("configuration store closed")
			return nil
		}
		if obs.err != nil {
			return obs.err
		}
		cfg, pending = obs.cfg, true
	}
}

// iterate plays cfg until the pipelines end or fail, or the store
// delivers a newer configuration. A newer configuration wins over a
// pipeline result and is returned with superseded set.
func (b *Backend) iterate(ctx context.Context, cfg config.Config) (observation, bool) {
	log := b.log.With("config", cfg)
	if cfg.Idle() {
		log.Info("idle configuration")
		b.dropPipelines()
		return observation{}, false
	}
	log.Info("applying configuration")

	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.play(playCtx, cfg) }()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watch := make(chan observation, 1)
	go func() {
		next, err := b.store.Next(watchCtx)
		watch <- observation{next, err}
	}()

	select {
	case obs := <-watch:
		cancel()
		<-done
		b.dropPipelines()
		log.Info("configuration superseded")
		return obs, true

	case err := <-done:
		b.dropPipelines()
		if ctx.Err() != nil {
			return observation{err: ctx.Err()}, true
		}
		b.finish(log, cfg, err)

		// A configuration that arrived while the pipelines were ending is
		// not lost: Next either returned it or did not consume it.
		stopWatch()
		obs := <-watch
		if obs.err == nil || errors.Is(obs.err, config.ErrClosed) {
			return obs, true
		}
		return observation{}, false
	}
}

func (b *Backend) finish(log *slog.Logger, cfg config.Config, err error) {
	if err == nil {
		log.Info("pipelines ended")
		return
	}
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: StageRun, Err: err}
	}
	kind := Classify(se)
	level := slog.LevelError
	if kind == KindInput {
		level = slog.LevelWarn
	}
	log.Log(context.Background(), level, "playback failed",
		"stage", se.Stage,
		"kind", kind,
		"error", se.Err)
	if b.opts.Report != nil {
		b.opts.Report(cfg, se)
	}
}

// play runs the session, catalog, tracks and run stages for cfg.
func (b *Backend) play(ctx context.Context, cfg config.Config) error {
	reused, err := b.ensureSession(ctx, cfg.Endpoint)
	if err != nil {
		return &StageError{Stage: StageSession, Err: err}
	}
	if err := b.ensureCatalog(ctx, cfg.Broadcast, reused); err != nil {
		return &StageError{Stage: StageCatalog, Err: err}
	}
	if err := b.ensureTracks(ctx); err != nil {
		return &StageError{Stage: StageTracks, Err: err}
	}
	if err := b.runPipelines(ctx, cfg.Target); err != nil {
		return &StageError{Stage: StageRun, Err: err}
	}
	return nil
}

// ensureSession reuses the cached session when it was created for the
// same endpoint and is still live; otherwise it connects anew, discarding
// everything downstream of the old session.
func (b *Backend) ensureSession(ctx context.Context, endpoint string) (bool, error) {
	if b.session != nil && b.sessionURL == endpoint && !b.session.Closed() {
		return true, nil
	}
	if b.session != nil && b.sessionURL == endpoint {
		b.log.Info("cached session closed, reconnecting", "endpoint", endpoint)
	}
	b.dropSession()

	s, err := b.opts.Connect(ctx, endpoint)
	if err != nil {
		return false, err
	}
	b.session, b.sessionURL = s, endpoint
	b.log.Info("session established", "endpoint", endpoint)
	return false, nil
}

// ensureCatalog reuses the cached catalog only when the broadcast is
// unchanged and the session was reused.
func (b *Backend) ensureCatalog(ctx context.Context, broadcast string, sessionReused bool) error {
	if sessionReused && b.catalog != nil && b.catalog.Broadcast == broadcast {
		return nil
	}
	b.dropPipelines()
	b.catalog = nil

	cat, err := catalog.Fetch(ctx, b.session, broadcast)
	if err != nil {
		return err
	}
	b.catalog = cat
	b.log.Info("catalog fetched", "broadcast", broadcast, "tracks", len(cat.Tracks))
	return nil
}

// ensureTracks selects the first video and audio tracks of the catalog and
// subscribes to those not already running, concurrently. A kind with no
// matching track is skipped.
func (b *Backend) ensureTracks(ctx context.Context) error {
	var (
		video *track.Video
		audio *track.Audio
	)
	g, gctx := errgroup.WithContext(ctx)
	if t, ok := b.catalog.Video(); ok && b.video == nil {
		g.Go(func() error {
			v, err := track.FetchVideo(gctx, b.session, b.catalog, t, b.opts.Decoders, b.log)
			video = v
			return err
		})
	}
	if t, ok := b.catalog.Audio(); ok && b.audio == nil {
		g.Go(func() error {
			a, err := track.FetchAudio(gctx, b.session, b.catalog, t, b.opts.Audio, b.log)
			audio = a
			return err
		})
	}
	err := g.Wait()
	if video != nil {
		b.video = video
	}
	if audio != nil {
		b.audio = audio
	}
	return err
}

// runPipelines runs the active pipelines until any of them ends or fails.
func (b *Backend) runPipelines(ctx context.Context, target media.Surface) error {
	if b.video == nil && b.audio == nil {
		b.log.Warn("catalog has no playable tracks")
		return nil
	}

	r := render.New(target, b.log)
	defer r.Close()

	// A failure is recorded by the group before it cancels the siblings. A
	// clean end cancels them through stop, and their context.Canceled is
	// then the only error recorded.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	pipeline := func(run func(context.Context) error) {
		g.Go(func() error {
			err := run(gctx)
			if err == nil {
				stop()
			}
			return err
		})
	}
	if v := b.video; v != nil {
		pipeline(func(ctx context.Context) error { return v.Run(ctx, r) })
	}
	if a := b.audio; a != nil {
		pipeline(a.Run)
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// A sibling ended cleanly and stopped the others.
		return nil
	}
	return err
}

func (b *Backend) dropPipelines() {
	if b.video != nil {
		b.video.Close()
		b.video = nil
	}
	if b.audio != nil {
		b.audio.Close()
		b.audio = nil
	}
}

func (b *Backend) dropSession() {
	b.dropPipelines()
	b.catalog = nil
	if b.session != nil {
		b.session.Close()
		b.session = nil
		b.sessionURL = ""
	}
}
