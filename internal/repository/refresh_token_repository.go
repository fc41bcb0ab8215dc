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

// RefreshTokenRepository is the refresh ledger. Rows are looked up by the
// keyed token hash and are revoked, never deleted.
type RefreshTokenRepository struct {
	store  *SQLStore
	logger *logrus.Logger
}

func NewRefreshTokenRepository(store *SQLStore, logger *logrus.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		store:  store,
		logger: logger,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const refreshColumns = `id, user_id, token_hash, issued_at, expires_at, revoked_at, replaced_by_jti, revocation_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefresh(row rowScanner) (*models.RefreshTokenRecord, error) {
	var (
		rec                 models.RefreshTokenRecord
		issuedAt, expiresAt int64
		revokedAt           sql.NullInt64
		replacedBy, reason  sql.NullString
	)
	if err := row.Scan(&rec.JTI, &rec.UserID, &rec.TokenHash, &issuedAt, &expiresAt, &revokedAt, &replacedBy, &reason); err != nil {
		return nil, err
	}
	rec.IssuedAt = fromMillis(issuedAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.RevokedAt = fromNullMillis(revokedAt)
	rec.ReplacedByJTI = replacedBy.String
	rec.RevocationReason = reason.String
	return &rec, nil
}

func (r *RefreshTokenRepository) insert(ctx context.Context, ex execer, rec *models.RefreshTokenRecord) error {
	_, err := ex.ExecContext(ctx, r.store.q(`
		INSERT INTO refresh_tokens (id, user_id, token_hash, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`),
		rec.JTI, rec.UserID, rec.TokenHash, toMillis(rec.IssuedAt), toMillis(rec.ExpiresAt),
	)
	return err
}

// Create stores the first refresh record of a session.
func (r *RefreshTokenRepository) Create(ctx context.Context, rec *models.RefreshTokenRecord) error {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	if err := r.insert(ctx, r.store.db, rec); err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*models.RefreshTokenRecord, error) {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	rec, err := scanRefresh(r.store.db.QueryRowContext(ctx, r.store.q(
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = ?`), tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return rec, nil
}

func (r *RefreshTokenRepository) Get(ctx context.Context, jti string) (*models.RefreshTokenRecord, error) {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	rec, err := scanRefresh(r.store.db.QueryRowContext(ctx, r.store.q(
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE id = ?`), jti))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return rec, nil
}

// Rotate revokes the active record matching oldHash and inserts next in one
// transaction. next.UserID is taken from the revoked record. When the old
// record is unknown or already revoked, every active record of its user is
// revoked in the same transaction and ErrRefreshReuse is returned together
// with that user id (empty when unknown). A failed commit returns
// ErrRotationAmbiguous.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldHash string, next *models.RefreshTokenRecord, now time.Time) (string, error) {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := toMillis(now)
	var userID string
	err = tx.QueryRowContext(ctx, r.store.q(`
		UPDATE refresh_tokens
		SET revoked_at = ?, replaced_by_jti = ?, revocation_reason = ?
		WHERE token_hash = ? AND revoked_at IS NULL AND expires_at > ?
		RETURNING user_id`),
		nowMs, next.JTI, models.RevokedRotation, oldHash, nowMs,
	).Scan(&userID)

	switch {
	case err == nil:
		next.UserID = userID
		if err := r.insert(ctx, tx, next); err != nil {
			return userID, fmt.Errorf("failed to insert rotated refresh token: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return userID, fmt.Errorf("%w: %v", ErrRotationAmbiguous, err)
		}
		return userID, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	old, err := scanRefresh(tx.QueryRowContext(ctx, r.store.q(
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = ?`), oldHash))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRefreshReuse
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up refresh token: %w", err)
	}
	if old.RevokedAt == nil {
		return old.UserID, ErrRefreshExpired
	}

	if _, err := r.revokeAll(ctx, tx, old.UserID, models.RevokedReuseDetected, nowMs); err != nil {
		return old.UserID, fmt.Errorf("failed to revoke token family: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return old.UserID, fmt.Errorf("failed to commit token family revocation: %w", err)
	}
	return old.UserID, ErrRefreshReuse
}

// Revoke revokes the active record matching tokenHash. It reports whether a
// record changed.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, tokenHash, reason string, now time.Time) (bool, error) {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	res, err := r.store.db.ExecContext(ctx, r.store.q(`
		UPDATE refresh_tokens SET revoked_at = ?, revocation_reason = ?
		WHERE token_hash = ? AND revoked_at IS NULL`),
		toMillis(now), reason, tokenHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return n > 0, nil
}

// RevokeAllForUser revokes every unrevoked record of userID.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID, reason string, now time.Time) (int64, error) {
	ctx, cancel := r.store.ctx(ctx)
	defer cancel()

	n, err := r.revokeAll(ctx, r.store.db, userID, reason, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return n, nil
}

func (r *RefreshTokenRepository) revokeAll(ctx context.Context, ex execer, userID, reason string, nowMs int64) (int64, error) {
	res, err := ex.ExecContext(ctx, r.store.q(`
		UPDATE refresh_tokens SET revoked_at = ?, revocation_reason = ?
		WHERE user_id = ? AND revoked_at IS NULL`),
		nowMs, reason, userID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
