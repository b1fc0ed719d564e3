// Package display provides the headless presentation targets used by the
// CLI: a Surface whose refresh callbacks are driven by a ticker, and an
// AudioSink that accounts for the audio it receives.
package display

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/prism-player/internal/media"
)

// DefaultFPS is the refresh rate of a Clock created with a non-positive rate.
const DefaultFPS = 60

// statsInterval is how often Run logs presentation statistics.
const statsInterval = 5 * time.Second

// Stats summarizes what a Clock has presented.
type Stats struct {
	Blits     int64
	Keyframes int64
	Width     int
	Height    int
	// Timestamp of the last presented frame, in microseconds.
	Timestamp int64
}

// Clock is a Surface with a fixed refresh rate. Callbacks requested through
// RequestRefresh run on the next tick, each exactly once.
type Clock struct {
	log      *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	callbacks []func()
	stats     Stats
}

// Compile-time interface check.
var _ media.Surface = (*Clock)(nil)

// NewClock creates a Clock refreshing fps times per second.
func NewClock(fps float64, log *slog.Logger) *Clock {
	if fps <= 0 {
		fps = DefaultFPS
	}
	if log == nil {
		log = slog.Default()
	}
	return &Clock{
		log:      log.With("component", "display"),
		interval: time.Duration(float64(time.Second) / fps),
	}
}

// Interval returns the refresh period.
func (c *Clock) Interval() time.Duration { return c.interval }

// Run ticks until ctx is done.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	report := time.NewTicker(statsInterval)
	defer report.Stop()

	var lastBlits int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick()
		case <-report.C:
			s := c.Stats()
			if s.Blits == lastBlits {
				continue
			}
			c.log.Info("presenting",
				"fps", float64(s.Blits-lastBlits)/statsInterval.Seconds(),
				"width", s.Width,
				"height", s.Height,
				"keyframes", s.Keyframes)
			lastBlits = s.Blits
		}
	}
}

// Tick runs the callbacks requested before it. Callbacks requested while
// it runs wait for the next tick.
func (c *Clock) Tick() {
	c.mu.Lock()
	due := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

// RequestRefresh implements media.Surface.
func (c *Clock) RequestRefresh(fn func()) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// Resize implements media.Surface.
func (c *Clock) Resize(width, height int) {
	c.mu.Lock()
	changed := c.stats.Width != width || c.stats.Height != height
	c.stats.Width, c.stats.Height = width, height
	c.mu.Unlock()

	if changed {
		c.log.Info("surface resized", "width", width, "height", height)
	}
}

// Blit implements media.Surface.
func (c *Clock) Blit(frame *media.VideoFrame) {
	c.mu.Lock()
	c.stats.Blits++
	if frame.Keyframe {
		c.stats.Keyframes++
	}
	c.stats.Timestamp = frame.Timestamp
	c.mu.Unlock()

	if frame.Keyframe {
		c.log.Debug("keyframe", "ts_us", frame.Timestamp, "codec", frame.Codec)
	}
}

// Stats returns a snapshot of the presentation counters.
func (c *Clock) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
