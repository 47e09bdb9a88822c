package model

import "time"

// Roles carried in the "role" claim of access tokens.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// User represents an account as stored in the `users` table.  Only the
// fields the lesson service needs are mapped; profile data lives in the
// main platform.
//
// Fields:
//
//	ID           – primary key identifier of the user.
//	Name         – display name, used as the LiveKit participant name.
//	Email        – unique email address.
//	PasswordHash – bcrypt hashed password.
//	Role         – student, teacher or admin.
//	IsActive     – whether the account may sign in.
type User struct {
	ID           uint64
	Name         string
	Email        string
	PasswordHash string
	Role         string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshToken models an entry in the `refresh_tokens` table.  The plain
// token is never stored; only its SHA‑256 hash.
type RefreshToken struct {
	ID        uint64
	UserID    uint64
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}
