package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/phoneauth/internal/models"
	"github.com/sirupsen/logrus"
)

// OTPRepository persists the single challenge slot per phone. Every state
// change is one conditional statement so concurrent verifies on a phone are
// serialized by the database.
type OTPRepository struct {
	store  *SQLStore
	logger *logrus.Logger
}

func NewOTPRepository(store *SQLStore, logger *logrus.Logger) *OTPRepository {
	return &OTPRepository{
		store:  store,
		logger: logger,
	}
}

// Store writes challenge into the phone's slot, superseding any previous
// challenge whatever its state.
func (r *OTPRepository) Store(ctx context.Context, c *models.OTPChallenge) error {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, r.store.q(`
		INSERT INTO otp_challenges (phone, id, code_hash, salt, created_at, expires_at, used_at, attempt_count, max_attempts)
		VALUES (?, ?, ?, ?, ?, ?, NULL, 0, ?)
		ON CONFLICT (phone) DO UPDATE SET
			id = excluded.id,
			code_hash = excluded.code_hash,
			salt = excluded.salt,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			used_at = NULL,
			attempt_count = 0,
			max_attempts = excluded.max_attempts`),
		c.Phone, c.ID, c.CodeHash, c.Salt, toMillis(c.CreatedAt), toMillis(c.ExpiresAt), c.MaxAttempts,
	)
	if err != nil {
		r.logger.WithError(err).Error("Failed to store OTP challenge")
		return fmt.Errorf("failed to store OTP challenge: %w", err)
	}
	return nil
}

// Get returns the challenge currently in the phone's slot.
func (r *OTPRepository) Get(ctx context.Context, phone string) (*models.OTPChallenge, error) {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	var (
		c                    models.OTPChallenge
		createdAt, expiresAt int64
		usedAt               sql.NullInt64
	)
	err := r.store.db.QueryRowContext(ctx, r.store.q(`
		SELECT phone, id, code_hash, salt, created_at, expires_at, used_at, attempt_count, max_attempts
		FROM otp_challenges WHERE phone = ?`), phone,
	).Scan(&c.Phone, &c.ID, &c.CodeHash, &c.Salt, &createdAt, &expiresAt, &usedAt, &c.AttemptCount, &c.MaxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get OTP challenge: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	c.UsedAt = fromNullMillis(usedAt)
	return &c, nil
}

// RecordFailedAttempt increments the attempt counter of challenge id if it
// is still redeemable at now, burning it when the counter reaches the
// maximum. It returns the counter after the increment, or ErrNotFound when
// the challenge was superseded, consumed, locked or expired meanwhile.
func (r *OTPRepository) RecordFailedAttempt(ctx context.Context, phone, id string, now time.Time) (attempts, maxAttempts int, err error) {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	nowMs := toMillis(now)
	err = r.store.db.QueryRowContext(ctx, r.store.q(`
		UPDATE otp_challenges SET
			attempt_count = attempt_count + 1,
			used_at = CASE WHEN attempt_count + 1 >= max_attempts THEN ? ELSE used_at END
		WHERE phone = ? AND id = ? AND used_at IS NULL
			AND attempt_count < max_attempts AND expires_at > ?
		RETURNING attempt_count, max_attempts`),
		nowMs, phone, id, nowMs,
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to record OTP attempt: %w", err)
	}
	return attempts, maxAttempts, nil
}

// Consume marks challenge id used if it is still redeemable at now. It
// reports false when another caller won or the challenge changed state.
func (r *OTPRepository) Consume(ctx context.Context, phone, id string, now time.Time) (bool, error) {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	nowMs := toMillis(now)
	res, err := r.store.db.ExecContext(ctx, r.store.q(`
		UPDATE otp_challenges SET used_at = ?
		WHERE phone = ? AND id = ? AND used_at IS NULL
			AND attempt_count < max_attempts AND expires_at > ?`),
		nowMs, phone, id, nowMs,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume OTP challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume OTP challenge: %w", err)
	}
	return n == 1, nil
}

// DeleteExpired removes challenges that expired before cutoff and returns
// how many were removed.
func (r *OTPRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	res, err := r.store.db.ExecContext(ctx, r.store.q(`DELETE FROM otp_challenges WHERE expires_at < ?`), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired OTP challenges: %w", err)
	}
	return res.RowsAffected()
}
