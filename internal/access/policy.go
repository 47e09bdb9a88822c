// Package access decides whether a user may enter a lesson room and which
// LiveKit deployment the room is served from.
//
// Rooms named "lesson-<reservationID>" are gated by the reservation they
// name; every other room, and any lesson room whose reservation does not
// exist, is an ungated talk room served by the self-hosted deployment.
package access

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/verbfy/lesson-rtc/internal/model"
	"github.com/verbfy/lesson-rtc/internal/repository"
)

// LessonRoomPrefix marks rooms bound to a reservation.
const LessonRoomPrefix = "lesson-"

// Reason is the machine-readable code attached to a denied decision.
type Reason string

const (
	ReasonNotParticipant Reason = "USER_NOT_IN_RESERVATION"
	ReasonInvalidStatus  Reason = "INVALID_RESERVATION_STATUS"
	ReasonLessonEnded    Reason = "LESSON_ENDED"
	ReasonTooEarly       Reason = "TOO_EARLY"
)

// Decision is the outcome of an access check.  It is computed per request
// and never persisted.
type Decision struct {
	IsValid bool   `json:"isValid"`
	Reason  Reason `json:"reason,omitempty"`
	IsCloud bool   `json:"isCloud"`
}

// Err returns a *DeniedError for denied decisions and nil otherwise.
func (d Decision) Err() error {
	if d.IsValid {
		return nil
	}
	return &DeniedError{Reason: d.Reason}
}

// DeniedError reports a typed access refusal.
type DeniedError struct {
	Reason Reason
}

func (e *DeniedError) Error() string { return "room access denied: " + string(e.Reason) }

// ReasonOf extracts the denial reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}

// ReservationFinder looks up reservations by the id embedded in a room
// name.  It must return repository.ErrReservationNotFound for unknown ids.
type ReservationFinder interface {
	GetByID(ctx context.Context, rawID string) (model.Reservation, error)
}

// Policy evaluates room access against reservations.
type Policy struct {
	reservations ReservationFinder
	joinWindow   time.Duration
	location     *time.Location
	now          func() time.Time
}

// Option customises a Policy.
type Option func(*Policy)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// WithLocation sets the zone reservation clock times are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(p *Policy) {
		if loc != nil {
			p.location = loc
		}
	}
}

// NewPolicy builds a Policy.  joinWindow is how long before the lesson
// start the student may join; teachers may join at any time before the
// lesson ends.
func NewPolicy(reservations ReservationFinder, joinWindow time.Duration, opts ...Option) *Policy {
	p := &Policy{
		reservations: reservations,
		joinWindow:   joinWindow,
		location:     time.UTC,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseRoomName strips the optional lesson prefix.  isLesson reports
// whether the prefix was present.
func ParseRoomName(room string) (reservationID string, isLesson bool) {
	if strings.HasPrefix(room, LessonRoomPrefix) {
		return strings.TrimPrefix(room, LessonRoomPrefix), true
	}
	return room, false
}

// LessonRoomName is the room name for a reservation.
func LessonRoomName(reservationID uint64) string {
	return LessonRoomPrefix + strconv.FormatUint(reservationID, 10)
}

// Decide evaluates whether userID may join roomName.  It has no side
// effects.  Lookup failures other than "not found" are returned as errors
// so callers never silently route a paid lesson to the wrong deployment.
func (p *Policy) Decide(ctx context.Context, userID uint64, roomName string) (Decision, error) {
	reservationID, _ := ParseRoomName(roomName)

	res, err := p.reservations.GetByID(ctx, reservationID)
	if errors.Is(err, repository.ErrReservationNotFound) {
		return Decision{IsValid: true, IsCloud: false}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load reservation for room %q: %w", roomName, err)
	}

	if !res.HasParticipant(userID) {
		return Decision{Reason: ReasonNotParticipant}, nil
	}
	if !res.Status.Joinable() {
		return Decision{Reason: ReasonInvalidStatus}, nil
	}

	start, end, err := res.Window(p.location)
	if err != nil {
		return Decision{}, fmt.Errorf("reservation %d: %w", res.ID, err)
	}
	now := p.now()
	if now.After(end) {
		return Decision{Reason: ReasonLessonEnded}, nil
	}
	if res.IsStudent(userID) && start.Sub(now) > p.joinWindow {
		return Decision{Reason: ReasonTooEarly}, nil
	}

	return Decision{IsValid: true, IsCloud: res.IsPaid}, nil
}
