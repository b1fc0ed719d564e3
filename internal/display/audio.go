package display

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/prism-player/internal/media"
)

// AudioLog is an AudioSink that counts frames and bytes and logs a summary
// at most once per interval.
type AudioLog struct {
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	frames int64
	bytes  int64
	last   time.Time
}

// Compile-time interface check.
var _ media.AudioSink = (*AudioLog)(nil)

// NewAudioLog creates an AudioLog. A non-positive interval uses five seconds.
func NewAudioLog(interval time.Duration, log *slog.Logger) *AudioLog {
	if interval <= 0 {
		interval = statsInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &AudioLog{
		log:      log.With("component", "audio-sink"),
		interval: interval,
		now:      time.Now,
	}
}

// WriteAudio implements media.AudioSink.
func (a *AudioLog) WriteAudio(frame media.AudioFrame) error {
	a.mu.Lock()
	a.frames++
	a.bytes += int64(len(frame.Data))
	now := a.now()
	if a.last.IsZero() {
		a.last = now
	}
	due := now.Sub(a.last) >= a.interval
	if due {
		a.last = now
	}
	frames, bytes := a.frames, a.bytes
	a.mu.Unlock()

	if due {
		a.log.Info("audio received",
			"frames", frames,
			"bytes", bytes,
			"ts_us", frame.Timestamp,
			"group", frame.GroupID)
	}
	return nil
}

// Totals returns the frame and byte counts so far.
func (a *AudioLog) Totals() (frames, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames, a.bytes
}
