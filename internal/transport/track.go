package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/zsiec/prism-player/internal/moq"
	"github.com/zsiec/prism-player/internal/webtransport"
)

// Frame is one object delivered on a track.
type Frame struct {
	GroupID  uint64
	ObjectID uint64
	Payload  []byte

	// Timestamp is the LOC capture timestamp; zero when absent.
	Timestamp time.Duration
	Keyframe  bool
	// Config is an in-band decoder configuration record, if the object
	// carried one.
	Config []byte
}

// trackReader is the TrackReader for one subscription.
type trackReader struct {
	s         *Session
	namespace string
	name      string
	mode      DeliveryMode
	requestID uint64
	alias     uint64 // guarded by s.mu until ready is closed

	ready     chan struct{}
	readyOnce sync.Once
	subErr    error

	notify chan struct{}

	mu        sync.Mutex
	queue     []*groupReader
	end       error
	closed    bool
	yielded   bool
	lastGroup uint64
}

func newTrackReader(s *Session, namespace, name string, mode DeliveryMode) *trackReader {
	return &trackReader{
		s:         s,
		namespace: namespace,
		name:      name,
		mode:      mode,
		ready:     make(chan struct{}),
		notify:    make(chan struct{}, 1),
	}
}

// NextGroup returns the next group of the track. It returns io.EOF once the
// publisher or the session has ended the track and every queued group has
// been handed out.
func (t *trackReader) NextGroup(ctx context.Context) (GroupReader, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrTrackClosed
		}
		for len(t.queue) > 0 {
			g := t.queue[0]
			t.queue[0] = nil
			t.queue = t.queue[1:]

			if t.mode == Sequential && t.yielded && g.ID() < t.lastGroup {
				g.Close()
				continue
			}
			t.yielded = true
			t.lastGroup = g.ID()
			t.mu.Unlock()
			return g, nil
		}
		if t.end != nil {
			err := t.end
			t.mu.Unlock()
			return nil, err
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the subscription. Groups already returned by NextGroup are
// owned by the caller and must be closed separately.
func (t *trackReader) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, g := range queue {
		g.Close()
	}
	t.signal()
	t.resolve(ErrTrackClosed)
	return t.s.unsubscribe(t)
}

func (t *trackReader) push(g *groupReader) {
	t.mu.Lock()
	if t.closed || t.end != nil {
		t.mu.Unlock()
		g.Close()
		return
	}
	t.queue = append(t.queue, g)
	t.mu.Unlock()
	t.signal()
}

// finish records the end of the track; the first cause wins.
func (t *trackReader) finish(err error) {
	t.mu.Lock()
	if t.end == nil {
		t.end = err
	}
	t.mu.Unlock()
	t.signal()
}

// resolve completes the subscribe handshake exactly once.
func (t *trackReader) resolve(err error) {
	t.readyOnce.Do(func() {
		t.subErr = err
		close(t.ready)
	})
}

func (t *trackReader) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// groupReader reads the objects of one subgroup stream.
type groupReader struct {
	hdr  moq.SubgroupHeader
	r    *bufio.Reader
	str  webtransport.ReceiveStream
	once sync.Once
	done bool
}

// ID returns the group ID from the subgroup header.
func (g *groupReader) ID() uint64 { return g.hdr.GroupID }

// NextFrame returns the next object with a payload. It returns io.EOF at
// the end of the group. Cancelling ctx aborts the stream.
func (g *groupReader) NextFrame(ctx context.Context) (*Frame, error) {
	if g.done {
		return nil, io.EOF
	}

	// Stream reads do not observe ctx.
	stop := context.AfterFunc(ctx, g.Close)
	defer stop()

	for {
		obj, err := moq.ReadObject(g.r, g.hdr.HasExtensions())
		if err != nil {
			g.done = true
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			g.Close()
			return nil, fmt.Errorf("group %d: %w", g.hdr.GroupID, err)
		}

		if len(obj.Payload) == 0 {
			if obj.Status == moq.ObjectStatusEndOfGroup || obj.Status == moq.ObjectStatusEndOfTrack {
				g.done = true
				g.Close()
				return nil, io.EOF
			}
			continue
		}

		f := &Frame{
			GroupID:  g.hdr.GroupID,
			ObjectID: obj.ID,
			Payload:  obj.Payload,
			Keyframe: obj.Keyframe(),
			Config:   obj.VideoConfig,
		}
		if obj.HasCaptureTimestamp {
			f.Timestamp = time.Duration(obj.CaptureTimestamp) * time.Microsecond
		}
		return f, nil
	}
}

// Close aborts the stream. It is safe to call more than once.
func (g *groupReader) Close() {
	g.once.Do(g.str.CancelRead)
}
