package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Well-known runtime flags.
const (
	FlagMute        = "mute"        // suppress CRITICAL desktop notifications
	FlagMaintenance = "maintenance" // downgrade SEC-05 WARNING to INFO
)

// SetFlag stores a runtime flag, optionally expiring after ttl. A zero ttl
// means the flag persists until cleared.
func (s *Store) SetFlag(ctx context.Context, key, value string, ttl time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	var expiresAt any
	if ttl != 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}

	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO runtime_flags (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return s.writeFailed(fmt.Errorf("set flag %s: %w", key, err))
	}
	s.writeSucceeded()
	return nil
}

// GetFlag returns the flag value and whether it is set. Expired flags are
// treated as unset (and lazily deleted).
func (s *Store) GetFlag(ctx context.Context, key string) (string, bool, error) {
	var (
		value     string
		expiresAt sql.NullInt64
	)
	err := s.reader.QueryRowContext(ctx,
		`SELECT value, expires_at FROM runtime_flags WHERE key = ?`, key).
		Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get flag %s: %w", key, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= time.Now().Unix() {
		// Best effort cleanup; an expired flag is unset either way.
		_ = s.ClearFlag(ctx, key)
		return "", false, nil
	}
	return value, true, nil
}

// ClearFlag removes a runtime flag.
func (s *Store) ClearFlag(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	if _, err := s.writer.ExecContext(ctx, `DELETE FROM runtime_flags WHERE key = ?`, key); err != nil {
		return s.writeFailed(fmt.Errorf("clear flag %s: %w", key, err))
	}
	s.writeSucceeded()
	return nil
}

// FlagRemaining returns how long a TTL flag has left, or zero when the flag
// is unset or has no expiry.
func (s *Store) FlagRemaining(ctx context.Context, key string) (time.Duration, error) {
	var expiresAt sql.NullInt64
	err := s.reader.QueryRowContext(ctx,
		`SELECT expires_at FROM runtime_flags WHERE key = ?`, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !expiresAt.Valid {
		return 0, nil
	}
	remaining := time.Until(time.Unix(expiresAt.Int64, 0))
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}
