// Package repository holds the MySQL-backed stores for users, refresh
// tokens and lesson reservations, plus the sentinel errors handlers use to
// tell failure scenarios apart.
package repository

import "errors"

// ErrReservationNotFound is returned when no reservation matches the
// requested id.  The access policy treats it as an ungated room.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrUserNotFound is returned when no user matches the lookup.
var ErrUserNotFound = errors.New("user not found")

// ErrTokenInvalid is returned for refresh tokens that are unknown,
// revoked or expired.
var ErrTokenInvalid = errors.New("refresh token invalid")

// ErrConflict is returned when a status transition cannot be applied
// because the reservation is no longer in one of the expected states,
// e.g. it already completed or was cancelled.
var ErrConflict = errors.New("conflict")
