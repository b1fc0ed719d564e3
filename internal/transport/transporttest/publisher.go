// Package transporttest provides an in-memory transport.Subscriber for
// tests of code that consumes track subscriptions.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zsiec/prism-player/internal/transport"
)

// ErrNotFound is returned by Subscribe for tracks that were never published.
var ErrNotFound = errors.New("transporttest: track not found")

// Subscription records one Subscribe call.
type Subscription struct {
	Namespace string
	Track     string
	Options   transport.SubscribeOptions
}

// Publisher is an in-memory broadcast source. The zero value is not usable;
// call NewPublisher.
type Publisher struct {
	mu       sync.Mutex
	tracks   map[string]*Track
	rejected map[string]error
	subs     []Subscription
	closed   bool
}

// Compile-time interface check.
var _ transport.Subscriber = (*Publisher)(nil)

// NewPublisher creates an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		tracks:   make(map[string]*Track),
		rejected: make(map[string]error),
	}
}

func key(namespace, name string) string { return namespace + "\x00" + name }

// Track returns the track namespace/name, creating it if needed.
func (p *Publisher) Track(namespace, name string) *Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key(namespace, name)
	t := p.tracks[k]
	if t == nil {
		t = &Track{notify: make(chan struct{}, 1)}
		p.tracks[k] = t
	}
	return t
}

// Reject makes subscriptions to namespace/name fail with err.
func (p *Publisher) Reject(namespace, name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected[key(namespace, name)] = err
}

// Close makes every later Subscribe fail with transport.ErrSessionClosed
// and ends every track with it.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	tracks := make([]*Track, 0, len(p.tracks))
	for _, t := range p.tracks {
		tracks = append(tracks, t)
	}
	p.mu.Unlock()

	for _, t := range tracks {
		t.Fail(transport.ErrSessionClosed)
	}
}

// Subscriptions returns every Subscribe call made so far.
func (p *Publisher) Subscriptions() []Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Subscription(nil), p.subs...)
}

// Subscribe implements transport.Subscriber.
func (p *Publisher) Subscribe(ctx context.Context, namespace, name string, opts transport.SubscribeOptions) (transport.TrackReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.subs = append(p.subs, Subscription{Namespace: namespace, Track: name, Options: opts})
	if p.closed {
		p.mu.Unlock()
		return nil, transport.ErrSessionClosed
	}
	k := key(namespace, name)
	if err := p.rejected[k]; err != nil {
		p.mu.Unlock()
		return nil, err
	}
	t := p.tracks[k]
	p.mu.Unlock()

	if t == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, name)
	}
	t.mu.Lock()
	t.open++
	t.mu.Unlock()
	return &trackReader{t: t}, nil
}

// Track is a published track: a queue of groups shared by its readers.
type Track struct {
	notify chan struct{}

	mu     sync.Mutex
	queue  []*Group
	end    error
	open   int
	closes int
}

// Group appends a complete group carrying frames.
func (t *Track) Group(id uint64, frames ...*transport.Frame) {
	g := t.OpenGroup(id)
	for _, f := range frames {
		g.Write(f)
	}
	g.End()
}

// OpenGroup appends a group whose frames are written later.
func (t *Track) OpenGroup(id uint64) *Group {
	g := &Group{id: id, notify: make(chan struct{})}
	t.mu.Lock()
	t.queue = append(t.queue, g)
	t.mu.Unlock()
	t.signal()
	return g
}

// End ends the track cleanly after its queued groups.
func (t *Track) End() { t.Fail(io.EOF) }

// Fail ends the track with err after its queued groups.
func (t *Track) Fail(err error) {
	t.mu.Lock()
	if t.end == nil {
		t.end = err
	}
	t.mu.Unlock()
	t.signal()
}

// Open reports how many readers of the track are still open.
func (t *Track) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Closes reports how many readers of the track have been closed.
func (t *Track) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *Track) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

type trackReader struct {
	t      *Track
	mu     sync.Mutex
	closed bool
}

func (r *trackReader) NextGroup(ctx context.Context) (transport.GroupReader, error) {
	for {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil, transport.ErrTrackClosed
		}

		r.t.mu.Lock()
		if len(r.t.queue) > 0 {
			g := r.t.queue[0]
			r.t.queue = r.t.queue[1:]
			r.t.mu.Unlock()
			return &groupReader{g: g}, nil
		}
		if r.t.end != nil {
			err := r.t.end
			r.t.mu.Unlock()
			return nil, err
		}
		r.t.mu.Unlock()

		select {
		case <-r.t.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *trackReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.t.mu.Lock()
	r.t.open--
	r.t.closes++
	r.t.mu.Unlock()
	r.t.signal()
	return nil
}

// Group is a published group.
type Group struct {
	id uint64

	mu     sync.Mutex
	frames []*transport.Frame
	end    error
	notify chan struct{} // closed and replaced on every change
}

// Write appends a frame.
func (g *Group) Write(f *transport.Frame) {
	g.mu.Lock()
	f.GroupID = g.id
	g.frames = append(g.frames, f)
	g.broadcastLocked()
	g.mu.Unlock()
}

// End ends the group cleanly.
func (g *Group) End() { g.Fail(io.EOF) }

// Fail ends the group with err.
func (g *Group) Fail(err error) {
	g.mu.Lock()
	if g.end == nil {
		g.end = err
	}
	g.broadcastLocked()
	g.mu.Unlock()
}

func (g *Group) broadcastLocked() {
	close(g.notify)
	g.notify = make(chan struct{})
}

type groupReader struct {
	g      *Group
	next   int
	closed bool
}

func (r *groupReader) ID() uint64 { return r.g.id }

func (r *groupReader) NextFrame(ctx context.Context) (*transport.Frame, error) {
	for {
		if r.closed {
			return nil, io.EOF
		}
		r.g.mu.Lock()
		if r.next < len(r.g.frames) {
			f := r.g.frames[r.next]
			r.next++
			r.g.mu.Unlock()
			return f, nil
		}
		if r.g.end != nil {
			err := r.g.end
			r.g.mu.Unlock()
			return nil, err
		}
		wait := r.g.notify
		r.g.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *groupReader) Close() { r.closed = true }
