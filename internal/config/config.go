// Package config holds the player's desired configuration and lets one
// observer wait for changes to it.
package config

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/zsiec/prism-player/internal/media"
)

// ErrClosed is returned by Next once the store is closed.
var ErrClosed = errors.New("config: store closed")

// Config is a snapshot of the desired configuration. Empty strings and a
// nil Target mean the field is absent.
type Config struct {
	Endpoint  string
	Broadcast string
	Target    media.Surface
}

// Equal reports field-wise equality. Targets are compared by identity.
func (c Config) Equal(o Config) bool {
	return c.Endpoint == o.Endpoint &&
		c.Broadcast == o.Broadcast &&
		c.Target == o.Target
}

// Idle reports whether the configuration lacks an endpoint or a broadcast,
// in which case nothing should be played.
func (c Config) Idle() bool {
	return c.Endpoint == "" || c.Broadcast == ""
}

// LogValue implements slog.LogValuer.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("endpoint", c.Endpoint),
		slog.String("broadcast", c.Broadcast),
		slog.Bool("target", c.Target != nil),
	)
}

// Update changes one field of a Config.
type Update interface {
	apply(c *Config)
}

// SetEndpoint sets the endpoint URL; "" clears it.
type SetEndpoint string

func (u SetEndpoint) apply(c *Config) { c.Endpoint = string(u) }

// SetBroadcast sets the broadcast name; "" clears it.
type SetBroadcast string

func (u SetBroadcast) apply(c *Config) { c.Broadcast = string(u) }

// SetTarget sets the render target; a nil Surface clears it.
type SetTarget struct {
	Surface media.Surface
}

func (u SetTarget) apply(c *Config) { c.Target = u.Surface }

// Store holds the latest Config. Writers call Set or Apply from any
// goroutine; a single observer calls Next. Values set between two Next
// calls are coalesced: only the newest is delivered.
type Store struct {
	mu       sync.Mutex
	cur      Config
	observed Config
	changed  chan struct{} // closed and replaced on every change
	closed   bool
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{changed: make(chan struct{})}
}

// Set replaces the current configuration.
func (s *Store) Set(c Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cur.Equal(c) {
		return
	}
	s.cur = c
	s.notifyLocked()
}

// Apply applies updates to the current configuration as one change.
func (s *Store) Apply(updates ...Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	next := s.cur
	for _, u := range updates {
		u.apply(&next)
	}
	if next.Equal(s.cur) {
		return
	}
	s.cur = next
	s.notifyLocked()
}

// Current returns the latest configuration.
func (s *Store) Current() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Next blocks until the current configuration differs from the one last
// returned by Next, and returns it. It returns ErrClosed once the store is
// closed, or ctx's error if ctx ends first. A cancelled Next does not
// consume the change.
func (s *Store) Next(ctx context.Context) (Config, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Config{}, ErrClosed
		}
		if !s.cur.Equal(s.observed) {
			s.observed = s.cur
			c := s.cur
			s.mu.Unlock()
			return c, nil
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Config{}, ctx.Err()
		}
	}
}

// Close closes the store, terminating its observer.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.notifyLocked()
}

func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
