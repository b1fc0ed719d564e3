package webtransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/quic-go/quic-go"
	wt "github.com/quic-go/webtransport-go"
)

// SessionErrorCode is an application error code sent when closing a session.
type SessionErrorCode uint32

// Stream is a bidirectional WebTransport stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// ReceiveStream is an incoming unidirectional WebTransport stream.
type ReceiveStream interface {
	io.Reader
	// CancelRead aborts the stream, telling the peer to stop sending.
	CancelRead()
}

// Session is an established WebTransport session.
type Session interface {
	OpenStreamSync(ctx context.Context) (Stream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	CloseWithError(code SessionErrorCode, msg string) error
	// Context is cancelled once the session is closed by either side.
	Context() context.Context
}

// DialConfig holds the parameters for a single WebTransport dial.
type DialConfig struct {
	URL        string
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
	Header     http.Header
}

// Dial establishes a WebTransport session. Every call uses its own dialer
// and therefore its own QUIC connection; connections are never pooled.
func Dial(ctx context.Context, cfg DialConfig) (Session, error) {
	d := &wt.Dialer{
		TLSClientConfig: cfg.TLSConfig,
		QUICConfig:      cfg.QUICConfig,
	}

	rsp, sess, err := d.Dial(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("webtransport dial %s: %w", cfg.URL, err)
	}
	if rsp != nil && rsp.Body != nil {
		rsp.Body.Close()
	}
	return &session{sess: sess}, nil
}

// session wraps a webtransport-go session.
type session struct {
	sess *wt.Session
}

func (s *session) OpenStreamSync(ctx context.Context) (Stream, error) {
	str, err := s.sess.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return str, nil
}

func (s *session) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	str, err := s.sess.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &receiveStream{
		Reader: str,
		cancel: func() { str.CancelRead(0) },
	}, nil
}

func (s *session) CloseWithError(code SessionErrorCode, msg string) error {
	return s.sess.CloseWithError(wt.SessionErrorCode(code), msg)
}

func (s *session) Context() context.Context {
	return s.sess.Context()
}

type receiveStream struct {
	io.Reader
	cancel func()
}

func (r *receiveStream) CancelRead() { r.cancel() }
