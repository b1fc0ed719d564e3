package render

import (
	"sync"
	"testing"

	"github.com/zsiec/prism-player/internal/media"
)

// manualSurface records refresh requests; the test fires them with tick.
type manualSurface struct {
	mu        sync.Mutex
	callbacks []func()
	requests  int
	sizes     [][2]int
	blits     []*media.VideoFrame
}

func (s *manualSurface) RequestRefresh(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.callbacks = append(s.callbacks, fn)
}

func (s *manualSurface) Resize(w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, [2]int{w, h})
}

func (s *manualSurface) Blit(f *media.VideoFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blits = append(s.blits, f)
}

// tick fires every outstanding callback and reports how many fired.
func (s *manualSurface) tick() int {
	s.mu.Lock()
	cbs := s.callbacks
	s.callbacks = nil
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
	return len(cbs)
}

func (s *manualSurface) outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks)
}

func frame(ts int64) *media.VideoFrame {
	return &media.VideoFrame{Timestamp: ts, Width: 1280, Height: 720}
}

func TestRendererFIFOWithTickBetweenPushes(t *testing.T) {
	t.Parallel()
	s := &manualSurface{}
	r := New(s, nil)

	f1, f2, f3 := frame(1), frame(2), frame(3)
	for _, f := range []*media.VideoFrame{f1, f2, f3} {
		r.Push(f)
		if n := s.tick(); n != 1 {
			t.Fatalf("ticked %d callbacks, want 1", n)
		}
	}

	want := []*media.VideoFrame{f1, f2, f3}
	if len(s.blits) != len(want) {
		t.Fatalf("blits = %d, want %d", len(s.blits), len(want))
	}
	for i := range want {
		if s.blits[i] != want[i] {
			t.Errorf("blit %d = ts %d, want ts %d", i, s.blits[i].Timestamp, want[i].Timestamp)
		}
	}
	if s.outstanding() != 0 {
		t.Errorf("outstanding refreshes = %d after drain, want 0", s.outstanding())
	}
}

func TestRendererSingleOutstandingRequest(t *testing.T) {
	t.Parallel()
	s := &manualSurface{}
	r := New(s, nil)

	r.Push(frame(1))
	r.Push(frame(2))
	r.Push(frame(3))

	if s.requests != 1 {
		t.Fatalf("requests = %d after three pushes, want 1", s.requests)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
}

func TestRendererDrainsBacklogWithoutFurtherPushes(t *testing.T) {
	t.Parallel()
	s := &manualSurface{}
	r := New(s, nil)

	for i := int64(1); i <= 3; i++ {
		r.Push(frame(i))
	}
	for i := 0; i < 3; i++ {
		if n := s.tick(); n != 1 {
			t.Fatalf("tick %d fired %d callbacks, want 1", i, n)
		}
	}

	if len(s.blits) != 3 {
		t.Fatalf("blits = %d, want 3", len(s.blits))
	}
	for i, f := range s.blits {
		if f.Timestamp != int64(i+1) {
			t.Errorf("blit %d = ts %d, want %d", i, f.Timestamp, i+1)
		}
	}
	if s.tick() != 0 {
		t.Error("refresh re-armed with an empty queue")
	}
}

func TestRendererResizesToFrame(t *testing.T) {
	t.Parallel()
	s := &manualSurface{}
	r := New(s, nil)

	r.Push(&media.VideoFrame{Width: 640, Height: 360})
	s.tick()
	r.Push(&media.VideoFrame{Width: 1920, Height: 1080})
	s.tick()

	want := [][2]int{{640, 360}, {1920, 1080}}
	if len(s.sizes) != len(want) {
		t.Fatalf("sizes = %v, want %v", s.sizes, want)
	}
	for i := range want {
		if s.sizes[i] != want[i] {
			t.Errorf("size %d = %v, want %v", i, s.sizes[i], want[i])
		}
	}
}

func TestRendererNilSurfaceDrops(t *testing.T) {
	t.Parallel()
	r := New(nil, nil)
	r.Push(frame(1))
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestRendererClose(t *testing.T) {
	t.Parallel()
	s := &manualSurface{}
	r := New(s, nil)

	r.Push(frame(1))
	r.Push(frame(2))
	r.Close()
	s.tick()

	if len(s.blits) != 0 {
		t.Fatalf("blits = %d after Close, want 0", len(s.blits))
	}
	r.Push(frame(3))
	if r.Len() != 0 || s.outstanding() != 0 {
		t.Fatal("push after Close was queued")
	}
}

func TestRendererConcurrentPushAndRefresh(t *testing.T) {
	t.Parallel()
	s := &manualSurface{}
	r := New(s, nil)

	const n = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(0); i < n; i++ {
			r.Push(frame(i))
		}
	}()

	for {
		s.tick()
		select {
		case <-done:
			for r.Len() > 0 {
				s.tick()
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if len(s.blits) != n {
				t.Fatalf("blits = %d, want %d", len(s.blits), n)
			}
			for i, f := range s.blits {
				if f.Timestamp != int64(i) {
					t.Fatalf("blit %d = ts %d, frames reordered", i, f.Timestamp)
				}
			}
			return
		default:
		}
	}
}
