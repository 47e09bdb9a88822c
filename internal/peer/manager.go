// Package peer is a Go client for lesson rooms: it joins a room through
// the signaling endpoint and keeps one WebRTC peer connection per remote
// participant, publishing the local tracks to each of them.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/signaling"
)

// SignalConn is the socket the manager negotiates over.  *signaling.Conn
// satisfies it.
type SignalConn interface {
	Send(msg signaling.Message) error
	Incoming() <-chan signaling.Message
	Close() error
}

// Dialer opens a SignalConn.
type Dialer func(ctx context.Context, url, token string) (SignalConn, error)

// DialSignaling is the default Dialer.
func DialSignaling(ctx context.Context, url, token string) (SignalConn, error) {
	c, err := signaling.Dial(ctx, url, token)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config describes the room to join.
type Config struct {
	SignalingURL   string
	Token          string
	Room           string
	ICEServers     []webrtc.ICEServer
	Constraints    Constraints
	ReconnectDelay time.Duration

	// OnStateChange, if set, is called whenever a peer's state changes.
	// It must not block.
	OnStateChange func(peerID string, state State)
}

// Option customises a Manager.
type Option func(*Manager)

// WithDialer replaces DialSignaling.
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dial = d } }

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// Manager owns the signaling socket, local tracks, and the peer
// connections of one room.
type Manager struct {
	cfg    Config
	source MediaSource
	dial   Dialer
	api    *webrtc.API
	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	session *session
	local   []*LocalTrack
	peers   map[string]*remotePeer
	remote  map[string][]*webrtc.TrackRemote
}

// session is one Start..teardown cycle.
type session struct {
	conn   SignalConn
	cancel context.CancelFunc
	ready  chan struct{} // closed once local media is attached
	done   chan struct{} // closed when the event loop exits
}

type remotePeer struct {
	id         string
	pc         *webrtc.PeerConnection
	state      State
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
}

// NewManager builds a Manager for cfg.Room.  Nothing is opened until Start.
func NewManager(cfg Config, source MediaSource, opts ...Option) (*Manager, error) {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.Constraints == (Constraints{}) {
		cfg.Constraints = DefaultConstraints()
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)

	m := &Manager{
		cfg:    cfg,
		source: source,
		dial:   DialSignaling,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		logger: zap.NewNop(),
		peers:  make(map[string]*remotePeer),
		remote: make(map[string][]*webrtc.TrackRemote),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("room", cfg.Room))
	return m, nil
}

// Start connects to signaling, joins the room and acquires local media.
// Frames arriving before media is ready are held and replayed in order
// afterwards.  A media failure tears everything down and is returned as
// *MediaAccessError.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.checkStartable(); err != nil {
		return err
	}

	conn, err := m.dial(ctx, m.cfg.SignalingURL, m.cfg.Token)
	if err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &session{conn: conn, cancel: cancel, ready: make(chan struct{}), done: make(chan struct{})}

	m.mu.Lock()
	if err := m.startableLocked(); err != nil {
		m.mu.Unlock()
		cancel()
		_ = conn.Close()
		return err
	}
	m.session = s
	m.mu.Unlock()
	go m.run(loopCtx, s)

	if err := conn.Send(signaling.Message{Event: signaling.EventJoinRoom, RoomID: m.cfg.Room}); err != nil {
		m.teardown()
		return fmt.Errorf("join room: %w", err)
	}

	tracks, err := m.source.Acquire(ctx, m.cfg.Constraints)
	if err == nil && !hasAudio(tracks) {
		stopAll(tracks)
		err = errNoAudio
	}
	if err != nil {
		m.teardown()
		return &MediaAccessError{Err: err}
	}

	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		stopAll(tracks)
		return ErrClosed
	}
	m.local = tracks
	m.mu.Unlock()
	close(s.ready)

	m.logger.Info("joined room", zap.Int("local_tracks", len(tracks)))
	return nil
}

func (m *Manager) checkStartable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startableLocked()
}

func (m *Manager) startableLocked() error {
	switch {
	case m.closed:
		return ErrClosed
	case m.session != nil:
		return ErrAlreadyStarted
	}
	return nil
}

func hasAudio(tracks []*LocalTrack) bool {
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			return true
		}
	}
	return false
}

func stopAll(tracks []*LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

// run is the only goroutine that applies signaling frames.
func (m *Manager) run(ctx context.Context, s *session) {
	defer close(s.done)

	ready := s.ready
	var pending []signaling.Message
	in := s.conn.Incoming()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ready:
			ready = nil
			if len(pending) > 0 {
				m.logger.Debug("replaying queued signaling frames", zap.Int("count", len(pending)))
			}
			for _, msg := range pending {
				m.handle(s, msg)
			}
			pending = nil
		case msg, ok := <-in:
			if !ok {
				m.logger.Warn("signaling connection lost")
				return
			}
			if ready != nil && msg.Event != signaling.EventError {
				pending = append(pending, msg)
				continue
			}
			m.handle(s, msg)
		}
	}
}

var errUnknownPeer = errors.New("no connection for peer")

func (m *Manager) handle(s *session, msg signaling.Message) {
	var err error
	switch msg.Event {
	case signaling.EventRoomInfo:
		err = m.onRoomInfo(msg)
	case signaling.EventUserJoined:
		err = m.onUserJoined(s, msg.FromUserID)
	case signaling.EventOffer:
		err = m.onOffer(s, msg)
	case signaling.EventAnswer:
		err = m.onAnswer(msg)
	case signaling.EventICECandidate:
		err = m.onCandidate(msg)
	case signaling.EventUserLeft:
		m.removePeer(msg.FromUserID)
	case signaling.EventError:
		var p signaling.ErrorPayload
		_ = msg.Decode(&p)
		m.logger.Warn("signaling server error", zap.String("message", p.Message), zap.String("reason", p.Reason))
	default:
		err = errors.New("unexpected event")
	}
	if err != nil {
		m.logger.Warn("signaling frame ignored",
			zap.Error(&SignalingError{Event: msg.Event, PeerID: msg.FromUserID, Err: err}))
	}
}

func (m *Manager) onRoomInfo(msg signaling.Message) error {
	var info signaling.RoomInfo
	if err := msg.Decode(&info); err != nil {
		return err
	}
	m.mu.Lock()
	for _, id := range info.Participants {
		if _, ok := m.peers[id]; !ok {
			m.peers[id] = &remotePeer{id: id, state: StateNone}
		}
	}
	m.mu.Unlock()
	m.logger.Debug("room info", zap.Strings("participants", info.Participants))
	return nil
}

// onUserJoined: the member already in the room makes the offer.
func (m *Manager) onUserJoined(s *session, id string) error {
	if id == "" {
		return errors.New("missing peer id")
	}
	m.removePeer(id)
	p, err := m.ensurePeer(s, id)
	if err != nil {
		return err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return m.sendTo(s, signaling.EventOffer, id, offer)
}

func (m *Manager) onOffer(s *session, msg signaling.Message) error {
	var offer webrtc.SessionDescription
	if err := msg.Decode(&offer); err != nil {
		return err
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("expected offer, got %s", offer.Type)
	}
	p, err := m.ensurePeer(s, msg.FromUserID)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.flushCandidates(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return m.sendTo(s, signaling.EventAnswer, msg.FromUserID, answer)
}

func (m *Manager) onAnswer(msg signaling.Message) error {
	p := m.connected(msg.FromUserID)
	if p == nil {
		return errUnknownPeer
	}
	var answer webrtc.SessionDescription
	if err := msg.Decode(&answer); err != nil {
		return err
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s", answer.Type)
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.flushCandidates(p)
	return nil
}

func (m *Manager) onCandidate(msg signaling.Message) error {
	p := m.connected(msg.FromUserID)
	if p == nil {
		return errUnknownPeer
	}
	var c webrtc.ICECandidateInit
	if err := msg.Decode(&c); err != nil {
		return err
	}
	m.mu.Lock()
	if !p.remoteSet {
		p.candidates = append(p.candidates, c)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return p.pc.AddICECandidate(c)
}

// flushCandidates applies candidates that arrived before the remote
// description.
func (m *Manager) flushCandidates(p *remotePeer) {
	m.mu.Lock()
	buffered := p.candidates
	p.candidates = nil
	p.remoteSet = true
	m.mu.Unlock()
	for _, c := range buffered {
		if err := p.pc.AddICECandidate(c); err != nil {
			m.logger.Warn("buffered ICE candidate rejected", zap.String("peer", p.id), zap.Error(err))
		}
	}
}

// connected returns the peer with a live connection, or nil.
func (m *Manager) connected(id string) *remotePeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.peers[id]; p != nil && p.pc != nil {
		return p
	}
	return nil
}

// ensurePeer returns the connection for id, creating it with every local
// track attached.
func (m *Manager) ensurePeer(s *session, id string) (*remotePeer, error) {
	if id == "" {
		return nil, errors.New("missing peer id")
	}
	if p := m.connected(id); p != nil {
		return p, nil
	}

	m.mu.Lock()
	tracks := m.local
	m.mu.Unlock()

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	for _, t := range tracks {
		sender, err := pc.AddTrack(t.track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := m.sendTo(s, signaling.EventICECandidate, id, c.ToJSON()); err != nil {
			m.logger.Debug("send ICE candidate", zap.String("peer", id), zap.Error(err))
		}
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		m.remote[id] = append(m.remote[id], tr)
		m.mu.Unlock()
		m.logger.Info("remote track", zap.String("peer", id), zap.String("kind", tr.Kind().String()),
			zap.String("codec", tr.Codec().MimeType))
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		m.setState(id, pc, stateFrom(st))
	})

	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		_ = pc.Close()
		return nil, ErrClosed
	}
	p := m.peers[id]
	if p == nil {
		p = &remotePeer{id: id}
		m.peers[id] = p
	}
	p.pc = pc
	p.state = StateConnecting
	m.mu.Unlock()

	m.notify(id, StateConnecting)
	return p, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (m *Manager) setState(id string, pc *webrtc.PeerConnection, st State) {
	m.mu.Lock()
	p := m.peers[id]
	if p == nil || p.pc != pc || p.state == st {
		m.mu.Unlock()
		return
	}
	p.state = st
	m.mu.Unlock()
	m.notify(id, st)
}

func (m *Manager) notify(id string, st State) {
	m.logger.Debug("peer state", zap.String("peer", id), zap.String("state", string(st)))
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(id, st)
	}
}

func (m *Manager) removePeer(id string) {
	m.mu.Lock()
	p, ok := m.peers[id]
	delete(m.peers, id)
	delete(m.remote, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if p.pc != nil {
		_ = p.pc.Close()
		m.notify(id, StateDisconnected)
	}
}

func (m *Manager) sendTo(s *session, event signaling.Event, target string, payload any) error {
	msg, err := signaling.NewMessage(event, m.cfg.Room, payload)
	if err != nil {
		return err
	}
	msg.TargetUserID = target
	return s.conn.Send(msg)
}

// PeerStates returns a snapshot of every known remote peer's state.
func (m *Manager) PeerStates() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.peers))
	for id, p := range m.peers {
		out[id] = p.state
	}
	return out
}

// Status is the coarse room status derived from PeerStates.
func (m *Manager) Status() RoomStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]State, len(m.peers))
	for id, p := range m.peers {
		states[id] = p.state
	}
	return deriveStatus(m.session != nil, states)
}

// Connections counts open peer connections.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.peers {
		if p.pc != nil {
			n++
		}
	}
	return n
}

// RemoteTracks returns the tracks received so far, keyed by peer id.
func (m *Manager) RemoteTracks() map[string][]*webrtc.TrackRemote {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]*webrtc.TrackRemote, len(m.remote))
	for id, tracks := range m.remote {
		out[id] = append([]*webrtc.TrackRemote(nil), tracks...)
	}
	return out
}

// LocalTracks returns the tracks being published.
func (m *Manager) LocalTracks() []*LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*LocalTrack(nil), m.local...)
}

// ToggleAudio flips the microphone and reports whether it is now enabled.
func (m *Manager) ToggleAudio() bool { return m.toggle(webrtc.RTPCodecTypeAudio) }

// ToggleVideo flips the camera and reports whether it is now enabled.
func (m *Manager) ToggleVideo() bool { return m.toggle(webrtc.RTPCodecTypeVideo) }

func (m *Manager) toggle(kind webrtc.RTPCodecType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var on, found bool
	for _, t := range m.local {
		if t.Kind() != kind {
			continue
		}
		if !found {
			on, found = !t.Enabled(), true
		}
		t.SetEnabled(on)
	}
	return on
}

// Done is closed when the current session's signaling loop exits, either
// through teardown or a lost connection.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.session.done
}

// Reconnect tears everything down, waits ReconnectDelay and starts again.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	m.logger.Info("reconnecting", zap.Duration("delay", m.cfg.ReconnectDelay))
	m.teardown()

	t := time.NewTimer(m.cfg.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return m.Start(ctx)
}

// Close stops local tracks, closes every peer connection and the socket.
// It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.teardown()
	return nil
}

func (m *Manager) teardown() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	peers := m.peers
	local := m.local
	m.peers = make(map[string]*remotePeer)
	m.remote = make(map[string][]*webrtc.TrackRemote)
	m.local = nil
	m.mu.Unlock()

	if s != nil {
		s.cancel()
		_ = s.conn.Close()
		<-s.done
	}
	for _, p := range peers {
		if p.pc != nil {
			_ = p.pc.Close()
		}
	}
	stopAll(local)
}
