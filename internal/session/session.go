// Package session opens MoQ subscriber sessions to broadcast endpoints.
package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/zsiec/prism-player/internal/certs"
	"github.com/zsiec/prism-player/internal/transport"
	"github.com/zsiec/prism-player/internal/webtransport"
)

// Sentinel errors returned by Connect.
var (
	ErrInvalidEndpoint = errors.New("session: invalid endpoint URL")
	ErrInvalidScheme   = errors.New("session: endpoint scheme must be https")
	ErrFingerprint     = errors.New("session: certificate fingerprint bootstrap failed")
)

// DefaultFingerprintPath is where development publishers serve the hex
// fingerprint of their self-signed certificate.
const DefaultFingerprintPath = "/fingerprint"

// maxFingerprintBody bounds the bootstrap response.
const maxFingerprintBody = 4 << 10

// DialFunc establishes a WebTransport session.
type DialFunc func(ctx context.Context, cfg webtransport.DialConfig) (webtransport.Session, error)

// Options configures a Connector. The zero value is usable.
type Options struct {
	Logger          *slog.Logger
	FingerprintPath string
	HTTPClient      *http.Client
	Dial            DialFunc
}

// Connector opens sessions.
type Connector struct {
	log             *slog.Logger
	fingerprintPath string
	http            *http.Client
	dial            DialFunc
}

// NewConnector creates a Connector from opts.
func NewConnector(opts Options) *Connector {
	c := &Connector{
		log:             opts.Logger,
		fingerprintPath: opts.FingerprintPath,
		http:            opts.HTTPClient,
		dial:            opts.Dial,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "session")
	if c.fingerprintPath == "" {
		c.fingerprintPath = DefaultFingerprintPath
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.dial == nil {
		c.dial = webtransport.Dial
	}
	return c
}

// Session is an open subscriber session bound to the endpoint URL it was
// created for.
type Session struct {
	url string
	sub *transport.Session
}

// URL returns the endpoint URL exactly as passed to Connect.
func (s *Session) URL() string { return s.url }

// ID returns the session identifier.
func (s *Session) ID() string { return s.sub.ID() }

// Subscribe opens a track subscription.
func (s *Session) Subscribe(ctx context.Context, namespace, track string, opts transport.SubscribeOptions) (transport.TrackReader, error) {
	return s.sub.Subscribe(ctx, namespace, track, opts)
}

// Closed reports whether the session can no longer be used.
func (s *Session) Closed() bool { return s.sub.Closed() }

// Close ends the session.
func (s *Session) Close() error { return s.sub.Close() }

// Connect validates endpoint, bootstraps certificate trust for local
// development hosts, dials a fresh WebTransport session and performs the
// MoQ setup handshake.
func (c *Connector) Connect(ctx context.Context, endpoint string) (*Session, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	tlsConf := &tls.Config{MinVersion: tls.VersionTLS13}
	if isLocalHost(u.Hostname()) {
		fp, err := c.fetchFingerprint(ctx, u)
		if err != nil {
			return nil, err
		}
		c.log.Debug("pinned certificate fingerprint", "host", u.Host, "fingerprint", fp)
		tlsConf = certs.PinnedTLSConfig(fp)
	}

	wts, err := c.dial(ctx, webtransport.DialConfig{
		URL:        endpoint,
		TLSConfig:  tlsConf,
		QUICConfig: QUICConfig(),
	})
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sub, err := transport.Setup(ctx, wts, transport.Config{
		ID:     id,
		Logger: c.log,
	})
	if err != nil {
		return nil, fmt.Errorf("moq setup: %w", err)
	}

	c.log.Info("session connected", "url", endpoint, "session", id)
	return &Session{url: endpoint, sub: sub}, nil
}

// QUICConfig returns the transport policy for subscriber sessions.
// quic-go does not expose congestion controller selection, so latency is
// favoured through stream limits and liveness settings instead: every group
// arrives on its own stream, and a dead path is detected within seconds.
func QUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:       true,
		MaxIncomingUniStreams: 1000,
		KeepAlivePeriod:       5 * time.Second,
		MaxIdleTimeout:        15 * time.Second,
		HandshakeIdleTimeout:  5 * time.Second,
	}
}

// fingerprintResponse is the JSON shape of the prism /api/cert-hash
// endpoint.
type fingerprintResponse struct {
	Hash string `json:"hash"`
}

// fetchFingerprint fetches the certificate fingerprint over plain HTTP from
// the endpoint's origin.
func (c *Connector) fetchFingerprint(ctx context.Context, endpoint *url.URL) (certs.Fingerprint, error) {
	var fp certs.Fingerprint
	fpURL := url.URL{Scheme: "http", Host: endpoint.Host, Path: c.fingerprintPath}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fpURL.String(), nil)
	if err != nil {
		return fp, fmt.Errorf("%w: %v", ErrFingerprint, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fp, fmt.Errorf("%w: %v", ErrFingerprint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fp, fmt.Errorf("%w: %s returned %s", ErrFingerprint, fpURL.String(), resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFingerprintBody))
	if err != nil {
		return fp, fmt.Errorf("%w: read body: %v", ErrFingerprint, err)
	}

	fp, err = parseFingerprint(body)
	if err != nil {
		return fp, fmt.Errorf("%w: %w", ErrFingerprint, err)
	}
	return fp, nil
}

// parseFingerprint accepts a bare hex fingerprint or a JSON object with a
// base64 "hash" field.
func parseFingerprint(body []byte) (certs.Fingerprint, error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var r fingerprintResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return certs.Fingerprint{}, fmt.Errorf("%w: %v", certs.ErrInvalidFingerprint, err)
		}
		return certs.ParseBase64Fingerprint(r.Hash)
	}
	return certs.ParseHexFingerprint(text)
}

// isLocalHost reports whether host is a local development host.
func isLocalHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
