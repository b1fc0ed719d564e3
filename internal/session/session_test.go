package session

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/prism-player/internal/certs"
	"github.com/zsiec/prism-player/internal/moq"
	"github.com/zsiec/prism-player/internal/webtransport"
)

var errDialStopped = errors.New("dial stopped by test")

// recordingDial captures the dial parameters and fails the dial.
type recordingDial struct {
	calls int
	cfg   webtransport.DialConfig
}

func (r *recordingDial) dial(_ context.Context, cfg webtransport.DialConfig) (webtransport.Session, error) {
	r.calls++
	r.cfg = cfg
	return nil, errDialStopped
}

func fingerprintServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestConnectRejectsInsecureScheme(t *testing.T) {
	t.Parallel()
	for _, endpoint := range []string{"http://localhost:4443/moq", "wss://relay.example/moq", "relay.example:4443"} {
		rd := &recordingDial{}
		c := NewConnector(Options{Dial: rd.dial})

		_, err := c.Connect(context.Background(), endpoint)
		assert.ErrorIs(t, err, ErrInvalidScheme, endpoint)
		assert.Zero(t, rd.calls, "dial attempted for %s", endpoint)
	}
}

func TestConnectRejectsMalformedURL(t *testing.T) {
	t.Parallel()
	c := NewConnector(Options{Dial: (&recordingDial{}).dial})

	_, err := c.Connect(context.Background(), "https://[::1")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = c.Connect(context.Background(), "https:///moq")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestConnectRemoteHostSkipsFingerprint(t *testing.T) {
	t.Parallel()
	rd := &recordingDial{}
	c := NewConnector(Options{Dial: rd.dial})

	_, err := c.Connect(context.Background(), "https://relay.example:4443/moq?stream=live")
	require.ErrorIs(t, err, errDialStopped)

	require.Equal(t, 1, rd.calls)
	assert.Equal(t, "https://relay.example:4443/moq?stream=live", rd.cfg.URL)
	assert.Nil(t, rd.cfg.TLSConfig.VerifyPeerCertificate)
	assert.False(t, rd.cfg.TLSConfig.InsecureSkipVerify)
	assert.True(t, rd.cfg.QUICConfig.EnableDatagrams)
}

func TestConnectLocalHostPinsFingerprint(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	require.NoError(t, err)

	paths := make(chan string, 1)
	host := fingerprintServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case paths <- r.URL.Path:
		default:
		}
		fmt.Fprintln(w, cert.Fingerprint.String())
	})

	rd := &recordingDial{}
	c := NewConnector(Options{Dial: rd.dial})
	_, err = c.Connect(context.Background(), "https://"+host+"/moq")
	require.ErrorIs(t, err, errDialStopped)
	assert.Equal(t, DefaultFingerprintPath, <-paths)

	verify := rd.cfg.TLSConfig.VerifyPeerCertificate
	require.NotNil(t, verify)
	assert.NoError(t, verify([][]byte{cert.TLSCert.Certificate[0]}, nil))

	other, err := certs.Generate(time.Hour)
	require.NoError(t, err)
	assert.ErrorIs(t, verify([][]byte{other.TLSCert.Certificate[0]}, nil), certs.ErrFingerprintMismatch)
}

func TestConnectFingerprintJSON(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	require.NoError(t, err)

	host := fingerprintServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"hash":%q,"addr":":4443"}`, encodeBase64(cert.Fingerprint))
	})

	rd := &recordingDial{}
	c := NewConnector(Options{Dial: rd.dial, FingerprintPath: "/api/cert-hash"})
	_, err = c.Connect(context.Background(), "https://"+host+"/moq")
	require.ErrorIs(t, err, errDialStopped)
	assert.NoError(t, rd.cfg.TLSConfig.VerifyPeerCertificate([][]byte{cert.TLSCert.Certificate[0]}, nil))
}

func TestConnectFingerprintFailures(t *testing.T) {
	t.Parallel()

	malformed := fingerprintServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "not-hex")
	})
	missing := fingerprintServer(t, http.NotFound)

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL, err := url.Parse(closed.URL)
	require.NoError(t, err)
	closed.Close()

	for name, host := range map[string]string{
		"malformed":   malformed,
		"not found":   missing,
		"unreachable": closedURL.Host,
	} {
		rd := &recordingDial{}
		c := NewConnector(Options{Dial: rd.dial})
		_, err := c.Connect(context.Background(), "https://"+host+"/moq")
		assert.ErrorIs(t, err, ErrFingerprint, name)
		assert.Zero(t, rd.calls, "%s: dial attempted", name)
	}
}

func TestIsLocalHost(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"localhost":    true,
		"LOCALHOST":    true,
		"127.0.0.1":    true,
		"::1":          true,
		"10.0.0.1":     false,
		"relay.local":  false,
		"example.com":  false,
		"127.0.0.1.io": false,
	}
	for host, want := range tests {
		assert.Equal(t, want, isLocalHost(host), host)
	}
}

func TestConnectPerformsSetup(t *testing.T) {
	t.Parallel()

	pub := newFakePublisher(t)
	c := NewConnector(Options{
		Dial: func(context.Context, webtransport.DialConfig) (webtransport.Session, error) {
			return pub.wt, nil
		},
	})

	go pub.acceptSetup()

	sess, err := c.Connect(context.Background(), "https://relay.example/moq")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example/moq", sess.URL())
	assert.NotEmpty(t, sess.ID())
	assert.False(t, sess.Closed())

	require.NoError(t, sess.Close())
	assert.True(t, sess.Closed())
}

func TestConnectSetupFailureClosesTransport(t *testing.T) {
	t.Parallel()

	pub := newFakePublisher(t)
	c := NewConnector(Options{
		Dial: func(context.Context, webtransport.DialConfig) (webtransport.Session, error) {
			return pub.wt, nil
		},
	})

	go pub.rejectSetup()

	_, err := c.Connect(context.Background(), "https://relay.example/moq")
	require.ErrorIs(t, err, moq.ErrVersionMismatch)
	assert.Error(t, pub.wt.Context().Err())
}

func TestConnectControlStreamFailureClosesTransport(t *testing.T) {
	t.Parallel()

	errRefused := errors.New("stream limit reached")
	pub := newFakePublisher(t)
	pub.wt.openErr = errRefused
	c := NewConnector(Options{
		Dial: func(context.Context, webtransport.DialConfig) (webtransport.Session, error) {
			return pub.wt, nil
		},
	})

	_, err := c.Connect(context.Background(), "https://relay.example/moq")
	require.ErrorIs(t, err, errRefused)
	assert.Error(t, pub.wt.Context().Err(), "transport left open")
}

func TestConnectCancelledDuringSetupClosesTransport(t *testing.T) {
	t.Parallel()

	pub := newFakePublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConnector(Options{
		Dial: func(context.Context, webtransport.DialConfig) (webtransport.Session, error) {
			return pub.wt, nil
		},
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Connect(ctx, "https://relay.example/moq")
		errCh <- err
	}()

	// Read CLIENT_SETUP and never answer.
	msgType, _, err := moq.ReadControlMsg(pub.r)
	require.NoError(t, err)
	require.Equal(t, moq.MsgClientSetup, msgType)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after cancellation")
	}
	assert.Error(t, pub.wt.Context().Err(), "transport left open")
}

// fakePublisher answers the setup handshake over in-memory pipes.
type fakePublisher struct {
	t  *testing.T
	wt *fakeWT
	r  *bufio.Reader
	w  io.Writer
}

type fakeStream struct {
	io.Reader
	io.Writer
	io.Closer
}

type fakeWT struct {
	ctx     context.Context
	cancel  context.CancelFunc
	ctrl    webtransport.Stream
	openErr error
}

func (f *fakeWT) OpenStreamSync(context.Context) (webtransport.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.ctrl, nil
}

func (f *fakeWT) AcceptUniStream(ctx context.Context) (webtransport.ReceiveStream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeWT) CloseWithError(webtransport.SessionErrorCode, string) error {
	f.cancel()
	return nil
}

func (f *fakeWT) Context() context.Context { return f.ctx }

func newFakePublisher(t *testing.T) *fakePublisher {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	context.AfterFunc(ctx, func() {
		c2sR.CloseWithError(io.ErrClosedPipe)
		s2cW.CloseWithError(io.ErrClosedPipe)
	})
	t.Cleanup(cancel)

	return &fakePublisher{
		t: t,
		wt: &fakeWT{
			ctx:    ctx,
			cancel: cancel,
			ctrl:   &fakeStream{Reader: s2cR, Writer: c2sW, Closer: c2sW},
		},
		r: bufio.NewReader(c2sR),
		w: s2cW,
	}
}

func (p *fakePublisher) acceptSetup() { p.answerSetup(moq.Version) }

func (p *fakePublisher) rejectSetup() { p.answerSetup(0xff000001) }

func (p *fakePublisher) answerSetup(version uint64) {
	msgType, _, err := moq.ReadControlMsg(p.r)
	if err != nil || msgType != moq.MsgClientSetup {
		p.t.Errorf("expected CLIENT_SETUP, got 0x%x (%v)", msgType, err)
		return
	}
	var ss []byte
	ss = quicvarint.Append(ss, version)
	ss = quicvarint.Append(ss, 0)
	if err := moq.WriteControlMsg(p.w, moq.MsgServerSetup, ss); err != nil {
		p.t.Errorf("write SERVER_SETUP: %v", err)
	}
}

func encodeBase64(fp certs.Fingerprint) string {
	return base64.StdEncoding.EncodeToString(fp[:])
}
