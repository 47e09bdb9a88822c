package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verbfy/lesson-rtc/internal/model"
)

const (
	updateStatusSQL = "UPDATE reservations SET status = ? WHERE id = ? AND status IN (?,?)"
	existsSQL       = "SELECT 1 FROM reservations WHERE id = ?"
	selectByIDSQL   = "FROM reservations WHERE id = ? LIMIT 1"
)

var activeStates = []model.ReservationStatus{model.StatusBooked, model.StatusInProgress}

func newMockRepo(t *testing.T) (*ReservationRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewReservationRepo(db), mock
}

func TestTransitionStatusApplied(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(updateStatusSQL)).
		WithArgs(string(model.StatusCompleted), 42, string(model.StatusBooked), string(model.StatusInProgress)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.TransitionStatus(context.Background(), 42, activeStates, model.StatusCompleted)
	assert.NoError(t, err)
}

func TestTransitionStatusConflictWhenStateMoved(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(updateStatusSQL)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(existsSQL)).WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	err := repo.TransitionStatus(context.Background(), 42, activeStates, model.StatusCompleted)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTransitionStatusMissingRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(updateStatusSQL)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(existsSQL)).WithArgs(42).
		WillReturnError(sql.ErrNoRows)

	err := repo.TransitionStatus(context.Background(), 42, activeStates, model.StatusCompleted)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestTransitionStatusNeverLeavesTerminalState(t *testing.T) {
	repo, _ := newMockRepo(t)
	for _, from := range []model.ReservationStatus{model.StatusCompleted, model.StatusCancelled, model.StatusNoShow} {
		err := repo.TransitionStatus(context.Background(), 42,
			[]model.ReservationStatus{model.StatusBooked, from}, model.StatusInProgress)
		assert.Error(t, err, from)
	}
	// Any statement reaching the mock would fail ExpectationsWereMet.
}

func TestTransitionStatusRejectsBadArguments(t *testing.T) {
	repo, _ := newMockRepo(t)
	assert.Error(t, repo.TransitionStatus(context.Background(), 42, nil, model.StatusCompleted))
	assert.Error(t, repo.TransitionStatus(context.Background(), 42, activeStates, "archived"))
}

func TestGetByID(t *testing.T) {
	repo, mock := newMockRepo(t)
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "teacher_id", "student_id", "lesson_date", "start_time", "end_time",
		"status", "is_paid", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta(selectByIDSQL)).WithArgs(42).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(42, 9, 7, day, "10:00", "10:30", "booked", true, day, day))

	res, err := repo.GetByID(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.ID)
	assert.Equal(t, uint64(9), res.TeacherID)
	assert.Equal(t, model.StatusBooked, res.Status)
	assert.True(t, res.IsPaid)
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectByIDSQL)).WithArgs(43).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "43")
	assert.ErrorIs(t, err, ErrReservationNotFound)

	// Ids that cannot be primary keys never reach the database.
	for _, raw := range []string{"abc", "0", "-1", ""} {
		_, err = repo.GetByID(context.Background(), raw)
		assert.ErrorIs(t, err, ErrReservationNotFound, raw)
	}
}
