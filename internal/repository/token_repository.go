package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenRepo keeps refresh token hashes.  Refresh tokens are single use:
// Consume revokes the row it validates, so a replayed token fails.
type TokenRepo struct{ DB *sql.DB }

func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{DB: db} }

// Store records the hash of a freshly minted refresh token.
func (r *TokenRepo) Store(ctx context.Context, userID uint64, tokenHash string, exp time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO refresh_tokens (user_id, token_hash, expires_at) VALUES (?, ?, ?)`,
		userID, tokenHash, exp.UTC())
	if err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

// Consume revokes a live token and returns its owner.  Unknown, expired
// and already revoked tokens yield ErrTokenInvalid.
func (r *TokenRepo) Consume(ctx context.Context, tokenHash string) (uint64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id, userID uint64
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id FROM refresh_tokens
		WHERE token_hash = ? AND revoked_at IS NULL AND expires_at > UTC_TIMESTAMP()
		FOR UPDATE`, tokenHash).Scan(&id, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrTokenInvalid
	}
	if err != nil {
		return 0, fmt.Errorf("load refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = UTC_TIMESTAMP() WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("revoke refresh token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return userID, nil
}
