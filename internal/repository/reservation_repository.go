package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/verbfy/lesson-rtc/internal/model"
)

// ReservationRepo reads lesson reservations and applies lifecycle status
// transitions.  Lesson dates are stored as DATE, start and end as
// "HH:MM" strings.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, teacher_id, student_id, lesson_date, start_time, end_time, status, is_paid, created_at, updated_at`

// ParseReservationID converts a room-derived id into a primary key.
// Anything that is not a positive integer cannot name a reservation.
func ParseReservationID(raw string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// GetByID loads a reservation.  Ids that do not parse as a positive
// integer and missing rows both yield ErrReservationNotFound.
func (r *ReservationRepo) GetByID(ctx context.Context, rawID string) (model.Reservation, error) {
	id, ok := ParseReservationID(rawID)
	if !ok {
		return model.Reservation{}, ErrReservationNotFound
	}
	var (
		res    model.Reservation
		status string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ? LIMIT 1`, id).
		Scan(&res.ID, &res.TeacherID, &res.StudentID, &res.Date, &res.StartTime, &res.EndTime,
			&status, &res.IsPaid, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return model.Reservation{}, fmt.Errorf("query reservation %d: %w", id, err)
	}
	res.Status = model.ReservationStatus(status)
	return res, nil
}

// TransitionStatus moves a reservation to `to` only when its current
// status is one of `from`.  The guard runs inside the UPDATE so that
// concurrent webhook deliveries cannot resurrect a terminal reservation.
// ErrReservationNotFound is returned for unknown ids and ErrConflict when
// the row exists but is not in an allowed state.
func (r *ReservationRepo) TransitionStatus(ctx context.Context, id uint64, from []model.ReservationStatus, to model.ReservationStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s: no source states", to)
	}
	if !to.Valid() {
		return fmt.Errorf("transition to unknown status %q", to)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := make([]interface{}, 0, len(from)+2)
	args = append(args, string(to), id)
	for _, s := range from {
		if s.Terminal() {
			return fmt.Errorf("transition from terminal status %q", s)
		}
		args = append(args, string(s))
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE reservations SET status = ? WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("update reservation %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update reservation %d: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	// Nothing changed: distinguish a missing row from a state mismatch.
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM reservations WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("query reservation %d: %w", id, err)
	}
	return ErrConflict
}
