package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/prism-player/internal/transport"
	"github.com/zsiec/prism-player/internal/transport/transporttest"
)

// prismCatalog is a catalog as published by a prism server.
const prismCatalog = `{
  "version": 1,
  "streamingFormat": 1,
  "streamingFormatVersion": "0.2",
  "commonTrackFields": {"namespace": "prism/live", "packaging": "loc"},
  "tracks": [
    {"name": "video", "selectionParams": {"codec": "avc1.64001f", "width": 1280, "height": 720, "initData": "AWQAH//hAAA="}},
    {"name": "audio0", "selectionParams": {"codec": "mp4a.40.2", "samplerate": 48000, "channelConfig": "2"}},
    {"name": "captions", "selectionParams": {"codec": "cea608"}}
  ]
}`

func TestParsePrismCatalog(t *testing.T) {
	t.Parallel()
	c, err := Parse("prism/live", []byte(prismCatalog))
	require.NoError(t, err)

	assert.Equal(t, "prism/live", c.Broadcast)
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, "loc", c.CommonTrackFields.Packaging)
	require.Len(t, c.Tracks, 3)

	video, ok := c.Video()
	require.True(t, ok)
	assert.Equal(t, "video", video.Name)
	assert.Equal(t, "prism/live", c.Namespace(video), "namespace inherited from commonTrackFields")

	desc, err := video.Description()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0x00, 0x00}, desc)

	audio, ok := c.Audio()
	require.True(t, ok)
	assert.Equal(t, "audio0", audio.Name)
	assert.Equal(t, "2", audio.SelectionParams.ChannelConfig)
}

func TestSelectionIsFirstMatchInOrder(t *testing.T) {
	t.Parallel()
	c := &Catalog{Tracks: []Track{
		{Name: "A", SelectionParams: SelectionParams{SampleRate: 48000}},
		{Name: "B", SelectionParams: SelectionParams{Width: 1280, Height: 720}},
		{Name: "C", SelectionParams: SelectionParams{Width: 640, Height: 480}},
	}}

	video, ok := c.Video()
	require.True(t, ok)
	assert.Equal(t, "B", video.Name)

	audio, ok := c.Audio()
	require.True(t, ok)
	assert.Equal(t, "A", audio.Name)
}

func TestSelectionAbsentKind(t *testing.T) {
	t.Parallel()
	c := &Catalog{Tracks: []Track{
		{Name: "captions", SelectionParams: SelectionParams{Codec: "cea608"}},
		{Name: "halfdims", SelectionParams: SelectionParams{Width: 640}},
	}}

	_, ok := c.Video()
	assert.False(t, ok)
	_, ok = c.Audio()
	assert.False(t, ok)
}

func TestNamespaceResolution(t *testing.T) {
	t.Parallel()
	c := &Catalog{}
	own := Track{Name: "video", Namespace: "other/ns"}
	bare := Track{Name: "audio"}

	assert.Equal(t, "other/ns", c.Namespace(own))
	assert.Empty(t, c.Namespace(bare))

	c.CommonTrackFields.Namespace = "prism/live"
	assert.Equal(t, "other/ns", c.Namespace(own))
	assert.Equal(t, "prism/live", c.Namespace(bare))
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for name, payload := range map[string]string{
		"not json":      "catalog",
		"wrong type":    `{"tracks": {}}`,
		"unnamed track": `{"tracks": [{"selectionParams": {"width": 1, "height": 1}}]}`,
	} {
		_, err := Parse("b", []byte(payload))
		assert.ErrorIs(t, err, ErrInvalid, name)
	}
}

func TestDescriptionInvalidBase64(t *testing.T) {
	t.Parallel()
	tr := Track{Name: "video", SelectionParams: SelectionParams{InitData: "!!"}}
	_, err := tr.Description()
	assert.ErrorIs(t, err, ErrInvalid)

	tr.SelectionParams.InitData = ""
	desc, err := tr.Description()
	assert.NoError(t, err)
	assert.Nil(t, desc)
}

func TestFetch(t *testing.T) {
	t.Parallel()
	pub := transporttest.NewPublisher()
	track := pub.Track("prism/live", TrackName)
	track.Group(0, &transport.Frame{Payload: []byte(prismCatalog)})

	c, err := Fetch(context.Background(), pub, "prism/live")
	require.NoError(t, err)
	assert.Len(t, c.Tracks, 3)

	subs := pub.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "prism/live", subs[0].Namespace)
	assert.Equal(t, TrackName, subs[0].Track)
	assert.Equal(t, transport.Sequential, subs[0].Options.Mode)
	assert.Equal(t, byte(Priority), subs[0].Options.Priority)

	assert.Zero(t, track.Open(), "catalog subscription released")
}

func TestFetchEmptyGroupIsMissing(t *testing.T) {
	t.Parallel()
	pub := transporttest.NewPublisher()
	track := pub.Track("prism/live", TrackName)
	track.Group(0)
	track.End()

	_, err := Fetch(context.Background(), pub, "prism/live")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestFetchNoGroupIsMissing(t *testing.T) {
	t.Parallel()
	pub := transporttest.NewPublisher()
	pub.Track("prism/live", TrackName).End()

	_, err := Fetch(context.Background(), pub, "prism/live")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestFetchMalformed(t *testing.T) {
	t.Parallel()
	pub := transporttest.NewPublisher()
	pub.Track("prism/live", TrackName).Group(0, &transport.Frame{Payload: []byte("{")})

	_, err := Fetch(context.Background(), pub, "prism/live")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFetchSubscribeRejected(t *testing.T) {
	t.Parallel()
	errRejected := errors.New("unknown namespace")
	pub := transporttest.NewPublisher()
	pub.Reject("prism/gone", TrackName, errRejected)

	_, err := Fetch(context.Background(), pub, "prism/gone")
	assert.ErrorIs(t, err, errRejected)
	assert.NotErrorIs(t, err, ErrMissing)
}

func TestFetchCancelled(t *testing.T) {
	t.Parallel()
	pub := transporttest.NewPublisher()
	track := pub.Track("prism/live", TrackName)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Fetch(ctx, pub, "prism/live")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, track.Open())
}
