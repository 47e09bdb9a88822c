package peer

import "github.com/pion/webrtc/v4"

// State is the connection state of one remote peer.
type State string

const (
	StateNone         State = "none"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// stateFrom collapses pion's peer connection states.
func stateFrom(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNone
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	default:
		return StateDisconnected
	}
}

// RoomStatus is the coarse room-wide status derived from per-peer states.
type RoomStatus string

const (
	RoomIdle         RoomStatus = "idle"
	RoomWaiting      RoomStatus = "waiting"
	RoomConnecting   RoomStatus = "connecting"
	RoomConnected    RoomStatus = "connected"
	RoomDisconnected RoomStatus = "disconnected"
)

// deriveStatus: any connected peer wins, then connecting, then
// disconnected.  A joined room with no peers is waiting.
func deriveStatus(running bool, states map[string]State) RoomStatus {
	if !running {
		return RoomIdle
	}
	var connecting, disconnected bool
	for _, s := range states {
		switch s {
		case StateConnected:
			return RoomConnected
		case StateConnecting:
			connecting = true
		case StateDisconnected:
			disconnected = true
		}
	}
	switch {
	case connecting:
		return RoomConnecting
	case disconnected:
		return RoomDisconnected
	}
	return RoomWaiting
}
