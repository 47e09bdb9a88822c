package peer

import (
	"errors"
	"fmt"

	"github.com/verbfy/lesson-rtc/internal/signaling"
)

var (
	// ErrAlreadyStarted is returned by Start on a running manager.
	ErrAlreadyStarted = errors.New("peer manager already started")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("peer manager closed")
	// errNoAudio is wrapped in a MediaAccessError when the source yields
	// no audio track.
	errNoAudio = errors.New("no audio track available")
)

// MediaAccessError reports that local media could not be acquired.  It
// halts Start; callers should surface it to the user rather than retry.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string { return "media access: " + e.Err.Error() }
func (e *MediaAccessError) Unwrap() error { return e.Err }

// SignalingError describes a frame that could not be applied: malformed
// payloads, unknown peers, or negotiation steps out of order.  These are
// logged and never tear the room down.
type SignalingError struct {
	Event  signaling.Event
	PeerID string
	Err    error
}

func (e *SignalingError) Error() string {
	if e.PeerID == "" {
		return fmt.Sprintf("signaling %s: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("signaling %s from %s: %v", e.Event, e.PeerID, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
