// Package catalog fetches and interprets the broadcast catalog, the
// reserved track describing a broadcast's media tracks
// (draft-ietf-moq-catalogformat-01).
package catalog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/prism-player/internal/transport"
)

// TrackName is the well-known name of the catalog track.
const TrackName = "catalog"

// Priority is the subscriber priority of the catalog track.
const Priority = 0

// Sentinel errors returned by Fetch and Parse.
var (
	ErrMissing = errors.New("catalog: no catalog object")
	ErrInvalid = errors.New("catalog: malformed catalog")
)

// Catalog is a parsed broadcast catalog.
type Catalog struct {
	// Broadcast is the broadcast name the catalog was fetched for.
	Broadcast string `json:"-"`

	Version                int          `json:"version"`
	StreamingFormat        int          `json:"streamingFormat"`
	StreamingFormatVersion string       `json:"streamingFormatVersion"`
	CommonTrackFields      CommonFields `json:"commonTrackFields"`
	Tracks                 []Track      `json:"tracks"`
}

// CommonFields holds fields inherited by every track.
type CommonFields struct {
	Namespace string `json:"namespace,omitempty"`
	Packaging string `json:"packaging,omitempty"`
}

// Track describes one track in the catalog.
type Track struct {
	Name            string          `json:"name"`
	Namespace       string          `json:"namespace,omitempty"`
	Packaging       string          `json:"packaging,omitempty"`
	SelectionParams SelectionParams `json:"selectionParams"`
}

// SelectionParams holds the codec and media parameters used to classify and
// select tracks.
type SelectionParams struct {
	Codec         string  `json:"codec,omitempty"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	Framerate     float64 `json:"framerate,omitempty"`
	Bitrate       int     `json:"bitrate,omitempty"`
	InitData      string  `json:"initData,omitempty"`
	SampleRate    int     `json:"samplerate,omitempty"`
	ChannelConfig string  `json:"channelConfig,omitempty"`
}

// HasDimensions reports whether the track carries spatial dimensions, which
// makes it a video track.
func (t Track) HasDimensions() bool {
	return t.SelectionParams.Width > 0 && t.SelectionParams.Height > 0
}

// HasSampleRate reports whether the track carries a sample rate, which
// makes it an audio track.
func (t Track) HasSampleRate() bool {
	return t.SelectionParams.SampleRate > 0
}

// Description decodes the base64 initData, the codec-specific decoder
// configuration record. It returns nil when the track has none.
func (t Track) Description() ([]byte, error) {
	if t.SelectionParams.InitData == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(t.SelectionParams.InitData)
	if err != nil {
		return nil, fmt.Errorf("%w: track %q initData: %v", ErrInvalid, t.Name, err)
	}
	return b, nil
}

// Video returns the first track with spatial dimensions.
func (c *Catalog) Video() (Track, bool) {
	for _, t := range c.Tracks {
		if t.HasDimensions() {
			return t, true
		}
	}
	return Track{}, false
}

// Audio returns the first track with a sample rate.
func (c *Catalog) Audio() (Track, bool) {
	for _, t := range c.Tracks {
		if t.HasSampleRate() {
			return t, true
		}
	}
	return Track{}, false
}

// Namespace resolves the namespace of t: its own, else the common one.
// It returns "" if neither is set.
func (c *Catalog) Namespace(t Track) string {
	if t.Namespace != "" {
		return t.Namespace
	}
	return c.CommonTrackFields.Namespace
}

// Parse decodes a catalog payload.
func Parse(broadcast string, data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for i, t := range c.Tracks {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: track %d has no name", ErrInvalid, i)
		}
	}
	c.Broadcast = broadcast
	return &c, nil
}

// Fetch subscribes to the catalog track of broadcast, reads exactly one
// object and parses it. The broadcast name is the catalog namespace. A
// track that ends before delivering a group or an object yields ErrMissing.
func Fetch(ctx context.Context, sub transport.Subscriber, broadcast string) (*Catalog, error) {
	tr, err := sub.Subscribe(ctx, broadcast, TrackName, transport.SubscribeOptions{
		Priority: Priority,
		Mode:     transport.Sequential,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe catalog: %w", err)
	}
	defer tr.Close()

	g, err := tr.NextGroup(ctx)
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: track ended without a group", ErrMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog group: %w", err)
	}
	defer g.Close()

	f, err := g.NextFrame(ctx)
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: group %d is empty", ErrMissing, g.ID())
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog object: %w", err)
	}

	return Parse(broadcast, f.Payload)
}
