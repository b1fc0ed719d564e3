// Package track runs the per-track pipelines: subscribing to a catalog
// track and consuming its groups until the subscription is exhausted.
package track

import (
	"context"
	"errors"
	"fmt"

	"github.com/zsiec/prism-player/internal/catalog"
	"github.com/zsiec/prism-player/internal/transport"
)

// Priority is the subscriber priority of audio and video tracks.
const Priority = 2

// Sentinel errors for pipeline failures.
var (
	ErrMissingNamespace = errors.New("track: catalog entry has no namespace")
	ErrDecoder          = errors.New("track: decoder failure")
)

// subscribe resolves t's namespace in cat and subscribes to it with
// unordered group delivery.
func subscribe(ctx context.Context, sub transport.Subscriber, cat *catalog.Catalog, t catalog.Track) (transport.TrackReader, string, error) {
	ns := cat.Namespace(t)
	if ns == "" {
		return nil, "", fmt.Errorf("%w: %q", ErrMissingNamespace, t.Name)
	}
	tr, err := sub.Subscribe(ctx, ns, t.Name, transport.SubscribeOptions{
		Priority: Priority,
		Mode:     transport.Unordered,
	})
	if err != nil {
		return nil, "", fmt.Errorf("subscribe %s/%s: %w", ns, t.Name, err)
	}
	return tr, ns, nil
}
