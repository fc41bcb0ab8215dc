package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/qcom/phoneauth/internal/clock"
	"github.com/qcom/phoneauth/internal/errcode"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/repository"
	"github.com/sirupsen/logrus"
)

// RefreshLedger persists refresh records keyed by token hash.
type RefreshLedger interface {
	Create(ctx context.Context, rec *models.RefreshTokenRecord) error
	Rotate(ctx context.Context, oldHash string, next *models.RefreshTokenRecord, now time.Time) (string, error)
	Revoke(ctx context.Context, tokenHash, reason string, now time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID, reason string, now time.Time) (int64, error)
}

// RefreshTokenService tracks issued refresh tokens, rotates them and detects
// reuse. Raw tokens never reach the ledger; only an HMAC-SHA256 under
// hashKey does.
type RefreshTokenService struct {
	repo    RefreshLedger
	hashKey []byte
	clock   clock.Clock
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRefreshTokenService(repo RefreshLedger, hashKey []byte, c clock.Clock, logger *logrus.Logger, m *metrics.Metrics) *RefreshTokenService {
	if c == nil {
		c = clock.System{}
	}
	return &RefreshTokenService{
		repo:    repo,
		hashKey: hashKey,
		clock:   c,
		logger:  logger,
		metrics: m,
	}
}

// Hash returns the keyed hash stored for raw.
func (s *RefreshTokenService) Hash(raw string) string {
	mac := hmac.New(sha256.New, s.hashKey)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueFirst records the first refresh token of a session.
func (s *RefreshTokenService) IssueFirst(ctx context.Context, uid, jti, raw string, expiresAt time.Time) error {
	err := s.repo.Create(ctx, &models.RefreshTokenRecord{
		JTI:       jti,
		UserID:    uid,
		TokenHash: s.Hash(raw),
		IssuedAt:  s.clock.Now(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return errcode.System(err)
	}
	return nil
}

// Rotate exchanges oldRaw for newRaw. claimedUID is the uid of the verified
// old token; it names the user to revoke when the ledger cannot, that is
// when oldRaw has no record or the commit outcome is unknown. Returns the
// ledger's user id on success.
//
// Errors: REUSE_DETECTED when oldRaw is unknown, already rotated or revoked,
// or when the commit outcome is unknown; EXPIRED when oldRaw is past expiry;
// SYSTEM_ERROR otherwise. No error leaves the old token usable next to a
// missing new one.
func (s *RefreshTokenService) Rotate(ctx context.Context, claimedUID, oldRaw, newJTI, newRaw string, newExpiresAt time.Time) (string, error) {
	now := s.clock.Now()
	next := &models.RefreshTokenRecord{
		JTI:       newJTI,
		TokenHash: s.Hash(newRaw),
		IssuedAt:  now,
		ExpiresAt: newExpiresAt,
	}

	uid, err := s.repo.Rotate(ctx, s.Hash(oldRaw), next, now)
	switch {
	case err == nil:
		s.metrics.Refreshed("rotated")
		return uid, nil

	case errors.Is(err, repository.ErrRefreshReuse):
		if uid == "" && claimedUID != "" {
			// A validly signed token with no record: the ledger cannot name
			// the family, so revoke everything of the signed subject.
			uid = claimedUID
			if _, rerr := s.repo.RevokeAllForUser(context.WithoutCancel(ctx), uid, models.RevokedReuseDetected, now); rerr != nil {
				s.logger.WithError(rerr).WithField("user_id", uid).Error("Failed to revoke sessions after unknown refresh token")
			}
		}
		s.securityEvent("refresh_reuse_detected", uid).Warn("Refresh token reuse detected, token family revoked")
		s.metrics.Refreshed("reuse_detected")
		return uid, errcode.New(errcode.ReuseDetected, err)

	case errors.Is(err, repository.ErrRefreshExpired):
		s.metrics.Refreshed("expired")
		return uid, errcode.New(errcode.Expired, err)

	case errors.Is(err, repository.ErrRotationAmbiguous):
		if uid == "" {
			uid = claimedUID
		}
		s.securityEvent("refresh_rotation_ambiguous", uid).WithError(err).Error("Refresh rotation outcome unknown, revoking all sessions")
		if uid != "" {
			if _, rerr := s.repo.RevokeAllForUser(context.WithoutCancel(ctx), uid, models.RevokedRotationAmbiguous, now); rerr != nil {
				s.logger.WithError(rerr).WithField("user_id", uid).Error("Failed to revoke sessions after ambiguous rotation")
			}
		}
		s.metrics.Refreshed("ambiguous")
		return uid, errcode.New(errcode.ReuseDetected, err)

	default:
		s.logger.WithError(err).Error("Failed to rotate refresh token")
		s.metrics.Refreshed("error")
		return "", errcode.System(err)
	}
}

func (s *RefreshTokenService) securityEvent(event, uid string) *logrus.Entry {
	s.metrics.SecurityEvent(event)
	return s.logger.WithFields(logrus.Fields{
		"security_event": event,
		"user_id":        uid,
	})
}

// Revoke revokes the record of raw, if it is active.
func (s *RefreshTokenService) Revoke(ctx context.Context, raw, reason string) error {
	if _, err := s.repo.Revoke(ctx, s.Hash(raw), reason, s.clock.Now()); err != nil {
		return errcode.System(err)
	}
	return nil
}

// RevokeAllForUser revokes every active record of uid.
func (s *RefreshTokenService) RevokeAllForUser(ctx context.Context, uid, reason string) (int64, error) {
	n, err := s.repo.RevokeAllForUser(ctx, uid, reason, s.clock.Now())
	if err != nil {
		return 0, errcode.System(err)
	}
	return n, nil
}
