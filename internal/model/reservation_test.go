package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservationWindow(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	r := Reservation{Date: day, StartTime: "10:00", EndTime: "10:30"}
	start, end, err := r.Window(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC), end)

	overnight := Reservation{Date: day, StartTime: "23:30", EndTime: "00:15"}
	start, end, err = overnight.Window(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 15, 0, 0, time.UTC), end)
}

func TestReservationWindowInLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	r := Reservation{Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), StartTime: "10:00", EndTime: "11:00"}
	start, _, err := r.Window(loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC), start.UTC())
}

func TestReservationWindowRejectsBadClock(t *testing.T) {
	r := Reservation{Date: time.Now(), StartTime: "10am", EndTime: "11:00"}
	_, _, err := r.Window(nil)
	assert.Error(t, err)
}

func TestReservationWindowRejectsEmptyLesson(t *testing.T) {
	r := Reservation{Date: time.Now(), StartTime: "10:00", EndTime: "10:00"}
	_, _, err := r.Window(time.UTC)
	assert.Error(t, err)
}

func TestReservationStatus(t *testing.T) {
	assert.True(t, StatusBooked.Joinable())
	assert.True(t, StatusInProgress.Joinable())
	assert.False(t, StatusCancelled.Joinable())
	assert.True(t, StatusNoShow.Terminal())
	assert.False(t, StatusBooked.Terminal())
	assert.False(t, ReservationStatus("pending").Valid())
}

func TestReservationParticipants(t *testing.T) {
	r := Reservation{TeacherID: 7, StudentID: 9}
	assert.True(t, r.HasParticipant(7))
	assert.True(t, r.HasParticipant(9))
	assert.False(t, r.HasParticipant(8))
	assert.False(t, r.HasParticipant(0))
	assert.True(t, r.IsStudent(9))
	assert.False(t, r.IsStudent(7))
}
