package model

import (
	"fmt"
	"time"
)

// ReservationStatus is the lifecycle state of a booked lesson.
type ReservationStatus string

const (
	StatusBooked     ReservationStatus = "booked"
	StatusInProgress ReservationStatus = "inProgress"
	StatusCompleted  ReservationStatus = "completed"
	StatusCancelled  ReservationStatus = "cancelled"
	StatusNoShow     ReservationStatus = "no-show"
)

// Joinable reports whether participants may still enter the lesson room.
func (s ReservationStatus) Joinable() bool {
	return s == StatusBooked || s == StatusInProgress
}

// Terminal reports whether the reservation can no longer change state.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s ReservationStatus) Valid() bool {
	return s.Joinable() || s.Terminal()
}

// Reservation records a scheduled one-to-one lesson between a teacher and
// a student.  Date holds the calendar day (time of day ignored) while
// StartTime and EndTime are wall-clock "HH:MM" strings interpreted in the
// lesson time zone.  IsPaid selects the cloud media deployment.
//
// Fields:
//
//	ID        – reservations.id
//	TeacherID – users.id of the teacher
//	StudentID – users.id of the student
//	Date      – lesson day
//	StartTime – "HH:MM" start
//	EndTime   – "HH:MM" end
//	Status    – lifecycle state
//	IsPaid    – paid lessons are routed to LiveKit Cloud
type Reservation struct {
	ID        uint64            `json:"id"`
	TeacherID uint64            `json:"teacher_id"`
	StudentID uint64            `json:"student_id"`
	Date      time.Time         `json:"date"`
	StartTime string            `json:"start_time"`
	EndTime   string            `json:"end_time"`
	Status    ReservationStatus `json:"status"`
	IsPaid    bool              `json:"is_paid"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// HasParticipant reports whether userID is the reservation's teacher or student.
func (r Reservation) HasParticipant(userID uint64) bool {
	return userID != 0 && (userID == r.TeacherID || userID == r.StudentID)
}

// IsStudent reports whether userID is the reservation's student.
func (r Reservation) IsStudent(userID uint64) bool {
	return userID != 0 && userID == r.StudentID
}

// Window returns the absolute start and end instants of the lesson in loc.
// An end time earlier than the start time means the lesson crosses
// midnight and ends on the following day.  Equal start and end times are
// rejected.
func (r Reservation) Window(loc *time.Location) (start, end time.Time, err error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err = clockOn(r.Date, r.StartTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start time: %w", err)
	}
	end, err = clockOn(r.Date, r.EndTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end time: %w", err)
	}
	switch {
	case end.Equal(start):
		return time.Time{}, time.Time{}, fmt.Errorf("empty lesson window at %s", r.StartTime)
	case end.Before(start):
		end = end.AddDate(0, 0, 1)
	}
	return start, end, nil
}

// clockOn places an "HH:MM" wall-clock time on the calendar day of day.
func clockOn(day time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid clock value %q", hhmm)
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc), nil
}
