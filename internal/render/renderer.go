// Package render schedules decoded video frames onto a display surface in
// step with its refresh clock.
package render

import (
	"log/slog"
	"sync"

	"github.com/zsiec/prism-player/internal/media"
)

// Renderer owns the presentation queue. Frames are presented in push
// order, one per display refresh; none are skipped. At most one refresh
// request is outstanding at any time. The refresh stays outstanding until
// the popped frame has been blitted, and is re-armed while frames remain
// queued.
type Renderer struct {
	log     *slog.Logger
	surface media.Surface

	mu        sync.Mutex
	queue     []*media.VideoFrame
	pending   bool
	closed    bool
	presented int64
	dropped   int64
}

// New creates a Renderer drawing to surface. A nil surface discards every
// frame.
func New(surface media.Surface, log *slog.Logger) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	return &Renderer{
		log:     log.With("component", "renderer"),
		surface: surface,
	}
}

// Push queues frame for presentation.
func (r *Renderer) Push(frame *media.VideoFrame) {
	r.mu.Lock()
	if r.closed || r.surface == nil {
		r.dropped++
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, frame)
	arm := !r.pending
	r.pending = true
	r.mu.Unlock()

	if arm {
		r.surface.RequestRefresh(r.refresh)
	}
}

// refresh presents the oldest queued frame.
func (r *Renderer) refresh() {
	r.mu.Lock()
	if r.closed || len(r.queue) == 0 {
		r.pending = false
		r.mu.Unlock()
		return
	}
	frame := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	r.mu.Unlock()

	r.surface.Resize(frame.Width, frame.Height)
	r.surface.Blit(frame)

	r.mu.Lock()
	r.presented++
	rearm := !r.closed && len(r.queue) > 0
	r.pending = rearm
	r.mu.Unlock()

	if rearm {
		r.surface.RequestRefresh(r.refresh)
	}
}

// Len returns the number of frames waiting for presentation.
func (r *Renderer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close discards queued frames. A refresh that fires afterwards does
// nothing.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.log.Debug("renderer closed",
		"presented", r.presented,
		"dropped", r.dropped,
		"discarded", len(r.queue))
	r.queue = nil
}
