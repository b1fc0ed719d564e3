package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/prism-player/internal/moq"
	"github.com/zsiec/prism-player/internal/webtransport"
)

var errStreamCancelled = errors.New("stream cancelled")

// pipeStream is one end of an in-memory bidirectional stream.
type pipeStream struct {
	io.Reader
	io.Writer
	close func() error
}

func (p *pipeStream) Close() error { return p.close() }

// pipeReceiveStream is an in-memory unidirectional stream.
type pipeReceiveStream struct {
	*io.PipeReader
}

func (p *pipeReceiveStream) CancelRead() {
	p.PipeReader.CloseWithError(errStreamCancelled)
}

// fakeWT is an in-memory webtransport.Session.
type fakeWT struct {
	ctx     context.Context
	cancel  context.CancelFunc
	client  webtransport.Stream
	uni     chan webtransport.ReceiveStream
	openErr error
}

func (f *fakeWT) OpenStreamSync(context.Context) (webtransport.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.client, nil
}

func (f *fakeWT) AcceptUniStream(ctx context.Context) (webtransport.ReceiveStream, error) {
	select {
	case s := <-f.uni:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeWT) CloseWithError(webtransport.SessionErrorCode, string) error {
	f.cancel()
	return nil
}

func (f *fakeWT) Context() context.Context { return f.ctx }

// peer plays the publisher side of a session.
type peer struct {
	t  *testing.T
	wt *fakeWT
	r  *bufio.Reader
	w  io.Writer
}

func newPeer(t *testing.T) *peer {
	t.Helper()

	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	context.AfterFunc(ctx, func() {
		c2sR.CloseWithError(io.ErrClosedPipe)
		s2cW.CloseWithError(io.ErrClosedPipe)
	})
	t.Cleanup(cancel)

	return &peer{
		t: t,
		wt: &fakeWT{
			ctx:    ctx,
			cancel: cancel,
			client: &pipeStream{Reader: s2cR, Writer: c2sW, close: c2sW.Close},
			uni:    make(chan webtransport.ReceiveStream, 16),
		},
		r: bufio.NewReader(c2sR),
		w: s2cW,
	}
}

func (p *peer) expect(msgType uint64) []byte {
	p.t.Helper()
	got, payload, err := moq.ReadControlMsg(p.r)
	require.NoError(p.t, err)
	require.Equal(p.t, msgType, got, "control message type")
	return payload
}

func (p *peer) send(msgType uint64, payload []byte) {
	p.t.Helper()
	require.NoError(p.t, moq.WriteControlMsg(p.w, msgType, payload))
}

// acceptSetup answers CLIENT_SETUP with a SERVER_SETUP for version.
func (p *peer) acceptSetup(version, maxRequestID uint64) {
	p.t.Helper()
	p.expect(moq.MsgClientSetup)

	var ss []byte
	ss = quicvarint.Append(ss, version)
	ss = quicvarint.Append(ss, 1)
	ss = quicvarint.Append(ss, moq.ParamMaxRequestID)
	ss = quicvarint.Append(ss, maxRequestID)
	p.send(moq.MsgServerSetup, ss)
}

type subscribeMsg struct {
	requestID  uint64
	namespace  []string
	track      string
	priority   byte
	groupOrder byte
}

func (p *peer) expectSubscribe() subscribeMsg {
	p.t.Helper()
	data := p.expect(moq.MsgSubscribe)

	next := func() uint64 {
		v, n, err := quicvarint.Parse(data)
		require.NoError(p.t, err)
		data = data[n:]
		return v
	}
	str := func() string {
		n := next()
		s := string(data[:n])
		data = data[n:]
		return s
	}

	var m subscribeMsg
	m.requestID = next()
	for i := next(); i > 0; i-- {
		m.namespace = append(m.namespace, str())
	}
	m.track = str()
	m.priority = data[0]
	m.groupOrder = data[1]
	return m
}

func (p *peer) subscribeOK(requestID, alias uint64) {
	p.t.Helper()
	var b []byte
	b = quicvarint.Append(b, requestID)
	b = quicvarint.Append(b, alias)
	b = quicvarint.Append(b, 0) // expires
	b = append(b, moq.GroupOrderAscending, 0)
	b = quicvarint.Append(b, 0) // params
	p.send(moq.MsgSubscribeOK, b)
}

// openGroup delivers a complete subgroup stream carrying objs.
func (p *peer) openGroup(alias, group uint64, objs ...*moq.Object) {
	buf := subgroupHeader(alias, group)
	for _, obj := range objs {
		buf = moq.AppendObject(buf, obj)
	}
	pw := p.openStream()
	go func() {
		_, _ = pw.Write(buf)
		_ = pw.Close()
	}()
}

// openIdleGroup delivers a subgroup stream that sends its header and then
// stalls.
func (p *peer) openIdleGroup(alias, group uint64) {
	pw := p.openStream()
	go func() { _, _ = pw.Write(subgroupHeader(alias, group)) }()
}

func (p *peer) openStream() *io.PipeWriter {
	pr, pw := io.Pipe()
	p.wt.uni <- &pipeReceiveStream{PipeReader: pr}
	return pw
}

func subgroupHeader(alias, group uint64) []byte {
	return moq.AppendSubgroupHeader(nil, moq.SubgroupHeader{
		StreamType:        moq.StreamTypeSubgroupSIDExt,
		TrackAlias:        alias,
		GroupID:           group,
		PublisherPriority: 128,
	})
}

// setup runs the client handshake against p and returns the session.
func setup(t *testing.T, p *peer) *Session {
	t.Helper()

	type result struct {
		s   *Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := Setup(context.Background(), p.wt, Config{ID: "test"})
		ch <- result{s, err}
	}()
	p.acceptSetup(moq.Version, 100)

	res := <-ch
	require.NoError(t, res.err)
	t.Cleanup(func() { _ = res.s.Close() })
	return res.s
}

// subscribe runs Subscribe while the peer accepts it under alias.
func subscribe(t *testing.T, p *peer, s *Session, ns, track string, opts SubscribeOptions, alias uint64) TrackReader {
	t.Helper()

	type result struct {
		tr  TrackReader
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tr, err := s.Subscribe(context.Background(), ns, track, opts)
		ch <- result{tr, err}
	}()
	m := p.expectSubscribe()
	p.subscribeOK(m.requestID, alias)

	res := <-ch
	require.NoError(t, res.err)
	return res.tr
}

func payloadObject(id uint64, payload string) *moq.Object {
	return &moq.Object{ID: id, Payload: []byte(payload)}
}
