// Package queue carries lesson lifecycle events from the LiveKit webhook
// endpoint to the background consumer that advances reservation status.
package queue

import "time"

// LessonQueueName is the durable queue lesson events are published to.
const LessonQueueName = "lesson.events"

// LessonEvent is published for every LiveKit webhook concerning a lesson
// room.  It carries enough information for the consumer to update the
// reservation without re-reading the webhook.
type LessonEvent struct {
	Event         string    `json:"event"`
	EventID       string    `json:"event_id,omitempty"`
	Room          string    `json:"room"`
	ReservationID uint64    `json:"reservation_id"`
	ParticipantID string    `json:"participant_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
