package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/signaling"
)

type fakeConn struct {
	in     chan signaling.Message
	sent   chan signaling.Message
	mu     sync.Mutex
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan signaling.Message, 16), sent: make(chan signaling.Message, 256)}
}

func (f *fakeConn) Send(msg signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return signaling.ErrClosed
	}
	f.sent <- msg
	return nil
}

func (f *fakeConn) Incoming() <-chan signaling.Message { return f.in }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// expect returns the next sent frame of the given event, skipping others
// such as trickled ICE candidates.
func (f *fakeConn) expect(t *testing.T, event signaling.Event) signaling.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-f.sent:
			if msg.Event == event {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s frame sent", event)
		}
	}
}

func audioSource() MediaSource {
	return SourceFunc(func(context.Context, Constraints) ([]*LocalTrack, error) {
		a, err := NewLocalTrack(webrtc.RTPCodecTypeAudio, "audio", "test")
		if err != nil {
			return nil, err
		}
		v, err := NewLocalTrack(webrtc.RTPCodecTypeVideo, "video", "test")
		return []*LocalTrack{a, v}, err
	})
}

func newTestManager(t *testing.T, source MediaSource, conns ...*fakeConn) *Manager {
	t.Helper()
	var dials atomic.Int32
	m, err := NewManager(Config{Room: "lesson-1", ReconnectDelay: 10 * time.Millisecond}, source,
		WithLogger(zap.NewNop()),
		WithDialer(func(context.Context, string, string) (SignalConn, error) {
			i := int(dials.Add(1)) - 1
			if i >= len(conns) {
				return nil, errors.New("no more connections")
			}
			return conns[i], nil
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// remoteOffer creates a browser-like peer offering to send and receive audio.
func remoteOffer(t *testing.T) (*webrtc.PeerConnection, json.RawMessage) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	raw, err := json.Marshal(offer)
	require.NoError(t, err)
	return pc, raw
}

func TestStartJoinsRoom(t *testing.T) {
	fc := newFakeConn()
	m := newTestManager(t, audioSource(), fc)

	require.NoError(t, m.Start(context.Background()))
	join := fc.expect(t, signaling.EventJoinRoom)
	assert.Equal(t, "lesson-1", join.RoomID)
	assert.Equal(t, RoomWaiting, m.Status())
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartWithoutAudioFails(t *testing.T) {
	fc := newFakeConn()
	var video *LocalTrack
	m := newTestManager(t, SourceFunc(func(context.Context, Constraints) ([]*LocalTrack, error) {
		var err error
		video, err = NewLocalTrack(webrtc.RTPCodecTypeVideo, "video", "test")
		return []*LocalTrack{video}, err
	}), fc)

	err := m.Start(context.Background())
	var mediaErr *MediaAccessError
	require.ErrorAs(t, err, &mediaErr)
	assert.ErrorIs(t, err, errNoAudio)
	assert.True(t, video.Stopped())
	assert.True(t, fc.isClosed())
	assert.Equal(t, RoomIdle, m.Status())
}

func TestStartSurfacesSourceError(t *testing.T) {
	denied := errors.New("permission denied")
	m := newTestManager(t, SourceFunc(func(context.Context, Constraints) ([]*LocalTrack, error) {
		return nil, denied
	}), newFakeConn())

	err := m.Start(context.Background())
	var mediaErr *MediaAccessError
	require.ErrorAs(t, err, &mediaErr)
	assert.ErrorIs(t, err, denied)
}

func TestOfferBeforeMediaIsQueued(t *testing.T) {
	fc := newFakeConn()
	release := make(chan struct{})
	inner := audioSource()
	m := newTestManager(t, SourceFunc(func(ctx context.Context, c Constraints) ([]*LocalTrack, error) {
		<-release
		return inner.Acquire(ctx, c)
	}), fc)

	started := make(chan error, 1)
	go func() { started <- m.Start(context.Background()) }()
	fc.expect(t, signaling.EventJoinRoom)

	remote, offer := remoteOffer(t)
	fc.in <- signaling.Message{Event: signaling.EventOffer, RoomID: "lesson-1", FromUserID: "2", Payload: offer}

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, m.Connections(), "offer handled before media was ready")

	close(release)
	require.NoError(t, <-started)

	answer := fc.expect(t, signaling.EventAnswer)
	assert.Equal(t, "2", answer.TargetUserID)
	var sd webrtc.SessionDescription
	require.NoError(t, answer.Decode(&sd))
	assert.Equal(t, webrtc.SDPTypeAnswer, sd.Type)
	require.NoError(t, remote.SetRemoteDescription(sd))

	assert.Equal(t, 1, m.Connections())
	assert.Contains(t, m.PeerStates(), "2")
}

func pendingCandidates(m *Manager, id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.peers[id]
	if p == nil {
		return 0, false
	}
	return len(p.candidates), p.remoteSet
}

func TestUserJoinedTriggersOfferAndBuffersCandidates(t *testing.T) {
	fc := newFakeConn()
	var changes []string
	var mu sync.Mutex
	m := newTestManager(t, audioSource(), fc)
	m.cfg.OnStateChange = func(id string, s State) {
		mu.Lock()
		changes = append(changes, id+":"+string(s))
		mu.Unlock()
	}
	require.NoError(t, m.Start(context.Background()))

	fc.in <- signaling.Message{Event: signaling.EventUserJoined, RoomID: "lesson-1", FromUserID: "2"}
	offerMsg := fc.expect(t, signaling.EventOffer)
	assert.Equal(t, "2", offerMsg.TargetUserID)
	assert.Equal(t, StateConnecting, m.PeerStates()["2"])

	var offer webrtc.SessionDescription
	require.NoError(t, offerMsg.Decode(&offer))
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer remote.Close()
	require.NoError(t, remote.SetRemoteDescription(offer))
	answer, err := remote.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(answer))

	mid := "0"
	cand, _ := json.Marshal(webrtc.ICECandidateInit{
		Candidate: "candidate:1966762134 1 udp 2122260223 192.0.2.10 50000 typ host",
		SDPMid:    &mid,
	})
	fc.in <- signaling.Message{Event: signaling.EventICECandidate, RoomID: "lesson-1", FromUserID: "2", Payload: cand}
	require.Eventually(t, func() bool {
		n, set := pendingCandidates(m, "2")
		return n == 1 && !set
	}, 2*time.Second, 10*time.Millisecond)

	raw, _ := json.Marshal(answer)
	fc.in <- signaling.Message{Event: signaling.EventAnswer, RoomID: "lesson-1", FromUserID: "2", Payload: raw}
	require.Eventually(t, func() bool {
		n, set := pendingCandidates(m, "2")
		return n == 0 && set
	}, 2*time.Second, 10*time.Millisecond)

	fc.in <- signaling.Message{Event: signaling.EventUserLeft, RoomID: "lesson-1", FromUserID: "2"}
	require.Eventually(t, func() bool { return m.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, m.PeerStates(), "2")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, changes, "2:connecting")
	assert.Contains(t, changes, "2:disconnected")
}

func TestUnknownPeerFramesAreIgnored(t *testing.T) {
	fc := newFakeConn()
	m := newTestManager(t, audioSource(), fc)
	require.NoError(t, m.Start(context.Background()))

	fc.in <- signaling.Message{Event: signaling.EventAnswer, RoomID: "lesson-1", FromUserID: "7", Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)}
	fc.in <- signaling.Message{Event: signaling.EventICECandidate, RoomID: "lesson-1", FromUserID: "7", Payload: json.RawMessage(`{"candidate":""}`)}
	fc.in <- signaling.Message{Event: signaling.EventOffer, RoomID: "lesson-1", FromUserID: "7", Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)}
	fc.in <- signaling.Message{Event: signaling.EventRoomInfo, RoomID: "lesson-1", Payload: json.RawMessage(`{"participants":["3"]}`)}

	require.Eventually(t, func() bool { return len(m.PeerStates()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]State{"3": StateNone}, m.PeerStates())
	assert.Zero(t, m.Connections())
	assert.Equal(t, RoomWaiting, m.Status())
}

func TestToggleTracks(t *testing.T) {
	m := newTestManager(t, audioSource(), newFakeConn())
	require.NoError(t, m.Start(context.Background()))

	assert.False(t, m.ToggleAudio())
	assert.True(t, m.ToggleAudio())
	assert.False(t, m.ToggleVideo())
	for _, tr := range m.LocalTracks() {
		assert.Equal(t, tr.Kind() == webrtc.RTPCodecTypeAudio, tr.Enabled(), tr.ID())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fc := newFakeConn()
	m := newTestManager(t, audioSource(), fc)
	require.NoError(t, m.Start(context.Background()))
	tracks := m.LocalTracks()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, fc.isClosed())
	for _, tr := range tracks {
		assert.True(t, tr.Stopped())
	}
	assert.Equal(t, RoomIdle, m.Status())
	assert.ErrorIs(t, m.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, m.Reconnect(context.Background()), ErrClosed)
}

func TestReconnectRestartsSession(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	m := newTestManager(t, audioSource(), first, second)
	require.NoError(t, m.Start(context.Background()))
	old := m.LocalTracks()

	require.NoError(t, m.Reconnect(context.Background()))
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
	second.expect(t, signaling.EventJoinRoom)
	for _, tr := range old {
		assert.True(t, tr.Stopped())
	}
	assert.Len(t, m.LocalTracks(), 2)
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		states  map[string]State
		want    RoomStatus
	}{
		{"not started", false, nil, RoomIdle},
		{"alone", true, nil, RoomWaiting},
		{"one connected masks a failure", true, map[string]State{"a": StateConnected, "b": StateDisconnected}, RoomConnected},
		{"negotiating", true, map[string]State{"a": StateConnecting, "b": StateNone}, RoomConnecting},
		{"all gone", true, map[string]State{"a": StateDisconnected}, RoomDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveStatus(tt.running, tt.states))
		})
	}
}

func TestSyntheticSource(t *testing.T) {
	tracks, err := SyntheticSource{Video: true}.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())

	tracks[0].Stop()
	tracks[0].Stop()
	assert.ErrorIs(t, tracks[0].WriteSample(mediaSample()), errTrackStopped)

	tracks[1].SetEnabled(false)
	assert.NoError(t, tracks[1].WriteSample(mediaSample()))
}
