package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zsiec/prism-player/internal/moq"
	"github.com/zsiec/prism-player/internal/webtransport"
)

// Sentinel errors returned by Session and its readers.
var (
	ErrSessionClosed   = errors.New("transport: session closed")
	ErrTrackClosed     = errors.New("transport: track closed")
	ErrRequestsBlocked = errors.New("transport: request ID limit reached")
)

// maxEarlyGroups bounds how many data streams are parked per unknown alias.
const maxEarlyGroups = 16

// DeliveryMode selects how groups of a subscription are handed out.
type DeliveryMode int

const (
	// Unordered yields groups in arrival order.
	Unordered DeliveryMode = iota
	// Sequential asks the publisher for ascending group order and never
	// yields a group older than one already yielded.
	Sequential
)

func (m DeliveryMode) String() string {
	if m == Sequential {
		return "sequential"
	}
	return "unordered"
}

// SubscribeOptions holds the per-subscription parameters.
type SubscribeOptions struct {
	Priority byte
	Mode     DeliveryMode
}

// Subscriber opens track subscriptions. *Session implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, namespace, track string, opts SubscribeOptions) (TrackReader, error)
}

// TrackReader yields the groups of one subscription. Close releases the
// subscription and tells the publisher to stop sending.
type TrackReader interface {
	NextGroup(ctx context.Context) (GroupReader, error)
	Close() error
}

// GroupReader yields the frames of one group in order.
type GroupReader interface {
	ID() uint64
	NextFrame(ctx context.Context) (*Frame, error)
	Close()
}

// Compile-time interface checks.
var (
	_ Subscriber  = (*Session)(nil)
	_ TrackReader = (*trackReader)(nil)
	_ GroupReader = (*groupReader)(nil)
)

// Config holds the parameters for setting up a Session.
type Config struct {
	ID     string
	Logger *slog.Logger
}

// Session is a MoQ subscriber session.
type Session struct {
	id            string
	log           *slog.Logger
	wt            webtransport.Session
	control       webtransport.Stream
	controlReader *bufio.Reader
	controlMu     sync.Mutex

	mu            sync.Mutex
	nextRequestID uint64
	maxRequestID  uint64
	pending       map[uint64]*trackReader // key: request ID, awaiting SUBSCRIBE_OK
	tracks        map[uint64]*trackReader // key: track alias
	early         map[uint64][]*groupReader

	draining  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Setup opens the control stream on sess and performs the setup handshake.
// On any failure, including ctx being cancelled before the handshake
// completes, the WebTransport session is closed.
func Setup(ctx context.Context, sess webtransport.Session, cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	control, err := sess.OpenStreamSync(ctx)
	if err != nil {
		_ = sess.CloseWithError(0, "setup failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	s := &Session{
		id:            cfg.ID,
		log:           log.With("session", cfg.ID),
		wt:            sess,
		control:       control,
		controlReader: bufio.NewReader(control),
		pending:       make(map[uint64]*trackReader),
		tracks:        make(map[uint64]*trackReader),
		early:         make(map[uint64][]*groupReader),
		done:          make(chan struct{}),
	}

	// Control stream reads do not observe ctx.
	stop := context.AfterFunc(ctx, func() {
		_ = sess.CloseWithError(0, "setup cancelled")
	})
	err = s.handshake()
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		_ = sess.CloseWithError(0, "setup failed")
		return nil, err
	}

	go s.readControlLoop()
	go s.acceptLoop()

	s.log.Debug("session established", "max_request_id", s.maxRequestID)
	return s, nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session has ended or the publisher asked us to
// go away. A closed session must not be reused.
func (s *Session) Closed() bool {
	if s.draining.Load() {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close ends the session. Outstanding readers fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed)
	return s.wt.CloseWithError(0, "")
}

// handshake performs the CLIENT_SETUP / SERVER_SETUP exchange.
func (s *Session) handshake() error {
	cs := moq.ClientSetup{Versions: []uint64{moq.Version}}
	if err := s.writeControl(moq.MsgClientSetup, moq.SerializeClientSetup(cs)); err != nil {
		return fmt.Errorf("write CLIENT_SETUP: %w", err)
	}

	msgType, payload, err := moq.ReadControlMsg(s.controlReader)
	if err != nil {
		return fmt.Errorf("read SERVER_SETUP: %w", err)
	}
	if msgType != moq.MsgServerSetup {
		return fmt.Errorf("%w: expected SERVER_SETUP (0x%x), got 0x%x", moq.ErrUnexpectedMessage, moq.MsgServerSetup, msgType)
	}

	ss, err := moq.ParseServerSetup(payload)
	if err != nil {
		return fmt.Errorf("parse SERVER_SETUP: %w", err)
	}
	if ss.SelectedVersion != moq.Version {
		return fmt.Errorf("%w (server selected 0x%x)", moq.ErrVersionMismatch, ss.SelectedVersion)
	}
	s.maxRequestID = ss.MaxRequestID
	return nil
}

// Subscribe sends a SUBSCRIBE for track in namespace and waits for the
// publisher's answer. The namespace is split on "/" into a tuple.
func (s *Session) Subscribe(ctx context.Context, namespace, track string, opts SubscribeOptions) (TrackReader, error) {
	tr := newTrackReader(s, namespace, track, opts.Mode)

	s.mu.Lock()
	if s.Closed() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	reqID := s.nextRequestID
	if s.maxRequestID > 0 && reqID >= s.maxRequestID {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (request %d, max %d)", ErrRequestsBlocked, reqID, s.maxRequestID)
	}
	s.nextRequestID += 2
	tr.requestID = reqID
	s.pending[reqID] = tr
	s.mu.Unlock()

	groupOrder := moq.GroupOrderDefault
	if opts.Mode == Sequential {
		groupOrder = moq.GroupOrderAscending
	}
	sub := moq.Subscribe{
		RequestID:  reqID,
		Namespace:  splitNamespace(namespace),
		TrackName:  track,
		Priority:   opts.Priority,
		GroupOrder: groupOrder,
		Forward:    1,
		FilterType: moq.FilterLatestObject,
	}
	if err := s.writeControl(moq.MsgSubscribe, moq.SerializeSubscribe(sub)); err != nil {
		s.forget(tr)
		return nil, fmt.Errorf("write SUBSCRIBE: %w", err)
	}

	select {
	case <-tr.ready:
		if tr.subErr != nil {
			return nil, fmt.Errorf("subscribe %s/%s: %w", namespace, track, tr.subErr)
		}
		s.log.Debug("track subscribed",
			"namespace", namespace,
			"track", track,
			"alias", tr.alias,
			"requestID", reqID,
			"mode", opts.Mode)
		return tr, nil
	case <-ctx.Done():
		_ = tr.Close()
		return nil, ctx.Err()
	}
}

// readControlLoop reads and dispatches control messages from the publisher.
func (s *Session) readControlLoop() {
	for {
		msgType, payload, err := moq.ReadControlMsg(s.controlReader)
		if err != nil {
			s.endWith(fmt.Errorf("read control: %w", err))
			return
		}

		switch msgType {
		case moq.MsgSubscribeOK:
			sok, err := moq.ParseSubscribeOK(payload)
			if err != nil {
				s.log.Warn("bad SUBSCRIBE_OK", "error", err)
				continue
			}
			s.handleSubscribeOK(sok)

		case moq.MsgSubscribeError:
			se, err := moq.ParseSubscribeError(payload)
			if err != nil {
				s.log.Warn("bad SUBSCRIBE_ERROR", "error", err)
				continue
			}
			s.handleSubscribeError(se)

		case moq.MsgPublishDone:
			pd, err := moq.ParsePublishDone(payload)
			if err != nil {
				s.log.Warn("bad PUBLISH_DONE", "error", err)
				continue
			}
			s.handlePublishDone(pd)

		case moq.MsgMaxRequestID:
			id, err := moq.ParseMaxRequestID(payload)
			if err != nil {
				s.log.Warn("bad MAX_REQUEST_ID", "error", err)
				continue
			}
			s.mu.Lock()
			if id > s.maxRequestID {
				s.maxRequestID = id
			}
			s.mu.Unlock()

		case moq.MsgGoAway:
			ga, err := moq.ParseGoAway(payload)
			if err != nil {
				s.log.Warn("bad GOAWAY", "error", err)
			}
			s.draining.Store(true)
			s.log.Info("publisher sent GOAWAY", "new_uri", ga.NewSessionURI)

		default:
			s.log.Debug("unknown message", "type", msgType)
		}
	}
}

// acceptLoop accepts data streams until the session ends.
func (s *Session) acceptLoop() {
	ctx := s.wt.Context()
	for {
		str, err := s.wt.AcceptUniStream(ctx)
		if err != nil {
			s.endWith(fmt.Errorf("accept stream: %w", err))
			return
		}
		go s.handleDataStream(str)
	}
}

// handleDataStream reads a subgroup header and routes the stream to its
// track, or parks it until the alias is bound.
func (s *Session) handleDataStream(str webtransport.ReceiveStream) {
	br := bufio.NewReader(str)
	hdr, err := moq.ReadSubgroupHeader(br)
	if err != nil {
		s.log.Debug("bad data stream header", "error", err)
		str.CancelRead()
		return
	}
	g := &groupReader{hdr: hdr, r: br, str: str}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		g.Close()
		return
	default:
	}

	if tr := s.tracks[hdr.TrackAlias]; tr != nil {
		tr.push(g)
		return
	}
	if len(s.early[hdr.TrackAlias]) >= maxEarlyGroups {
		s.log.Warn("dropping data stream for unknown alias",
			"alias", hdr.TrackAlias,
			"group", hdr.GroupID)
		g.Close()
		return
	}
	s.early[hdr.TrackAlias] = append(s.early[hdr.TrackAlias], g)
}

// handleSubscribeOK binds the track alias and hands over any parked groups.
func (s *Session) handleSubscribeOK(sok moq.SubscribeOK) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.pending[sok.RequestID]
	if tr == nil {
		s.log.Debug("SUBSCRIBE_OK for unknown request", "requestID", sok.RequestID)
		return
	}
	delete(s.pending, sok.RequestID)

	tr.alias = sok.TrackAlias
	s.tracks[sok.TrackAlias] = tr
	for _, g := range s.early[sok.TrackAlias] {
		tr.push(g)
	}
	delete(s.early, sok.TrackAlias)
	tr.resolve(nil)
}

func (s *Session) handleSubscribeError(se *moq.SubscribeError) {
	s.mu.Lock()
	tr := s.pending[se.RequestID]
	delete(s.pending, se.RequestID)
	s.mu.Unlock()

	if tr == nil {
		s.log.Debug("SUBSCRIBE_ERROR for unknown request", "requestID", se.RequestID)
		return
	}
	tr.resolve(se)
}

// handlePublishDone ends a track once its queued groups are consumed.
func (s *Session) handlePublishDone(pd moq.PublishDone) {
	s.mu.Lock()
	var done *trackReader
	for alias, tr := range s.tracks {
		if tr.requestID == pd.RequestID {
			done = tr
			delete(s.tracks, alias)
			break
		}
	}
	s.mu.Unlock()

	if done == nil {
		return
	}
	s.log.Debug("track done",
		"track", done.name,
		"status", pd.StatusCode,
		"reason", pd.Reason)
	done.finish(io.EOF)
}

// unsubscribe detaches tr from the session and sends UNSUBSCRIBE if the
// session is still alive.
func (s *Session) unsubscribe(tr *trackReader) error {
	s.forget(tr)

	select {
	case <-s.done:
		return nil
	default:
	}

	err := s.writeControl(moq.MsgUnsubscribe, moq.SerializeUnsubscribe(moq.Unsubscribe{RequestID: tr.requestID}))
	if err != nil {
		return fmt.Errorf("write UNSUBSCRIBE: %w", err)
	}
	s.log.Debug("track unsubscribed", "track", tr.name, "requestID", tr.requestID)
	return nil
}

func (s *Session) forget(tr *trackReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[tr.requestID] == tr {
		delete(s.pending, tr.requestID)
	}
	if s.tracks[tr.alias] == tr {
		delete(s.tracks, tr.alias)
	}
}

// endWith ends the session after a loop failure. When the WebTransport
// session itself has already closed, readers see a clean end of track.
func (s *Session) endWith(err error) {
	if s.wt.Context().Err() != nil {
		s.shutdown(io.EOF)
		return
	}
	s.log.Debug("session failed", "error", err)
	s.shutdown(fmt.Errorf("%w: %v", ErrSessionClosed, err))
	_ = s.wt.CloseWithError(0, "")
}

// shutdown marks the session done and ends every reader with end.
func (s *Session) shutdown(end error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		pending, tracks, early := s.pending, s.tracks, s.early
		s.pending = make(map[uint64]*trackReader)
		s.tracks = make(map[uint64]*trackReader)
		s.early = make(map[uint64][]*groupReader)
		s.mu.Unlock()

		for _, tr := range pending {
			tr.resolve(ErrSessionClosed)
			tr.finish(end)
		}
		for _, tr := range tracks {
			tr.finish(end)
		}
		for _, groups := range early {
			for _, g := range groups {
				g.Close()
			}
		}
		s.log.Debug("session closed", "reason", end)
	})
}

// writeControl writes a control message; the stream is shared by
// Subscribe callers and track Close.
func (s *Session) writeControl(msgType uint64, payload []byte) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return moq.WriteControlMsg(s.control, msgType, payload)
}

// splitNamespace converts "prism/key" into the tuple ["prism", "key"].
func splitNamespace(ns string) []string {
	parts := strings.Split(ns, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
