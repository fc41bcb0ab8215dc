package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/qcom/phoneauth/internal/clock"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/errcode"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/ratelimit"
	"github.com/qcom/phoneauth/internal/repository"
	"github.com/qcom/phoneauth/internal/sms"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
)

// argon2id parameters for passcode hashes.
const (
	argonTime    = 1
	argonMemory  = 8 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	saltLen      = 16
)

// OTPStore persists the per-phone challenge slot.
type OTPStore interface {
	Store(ctx context.Context, c *models.OTPChallenge) error
	Get(ctx context.Context, phone string) (*models.OTPChallenge, error)
	RecordFailedAttempt(ctx context.Context, phone, id string, now time.Time) (int, int, error)
	Consume(ctx context.Context, phone, id string, now time.Time) (bool, error)
}

type OTPService struct {
	repo     OTPStore
	limiter  *ratelimit.Limiter
	cooldown *ratelimit.Cooldown
	sender   sms.Sender
	cfg      *config.OTPConfig
	limits   *config.RateLimitConfig
	clock    clock.Clock
	random   io.Reader
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

type OTPDeps struct {
	Repo     OTPStore
	Limiter  *ratelimit.Limiter
	Cooldown *ratelimit.Cooldown
	Sender   sms.Sender
	Clock    clock.Clock
	// Random defaults to crypto/rand.
	Random  io.Reader
	Metrics *metrics.Metrics
}

func NewOTPService(deps OTPDeps, cfg *config.OTPConfig, limits *config.RateLimitConfig, logger *logrus.Logger) *OTPService {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Random == nil {
		deps.Random = rand.Reader
	}
	return &OTPService{
		repo:     deps.Repo,
		limiter:  deps.Limiter,
		cooldown: deps.Cooldown,
		sender:   deps.Sender,
		cfg:      cfg,
		limits:   limits,
		clock:    deps.Clock,
		random:   deps.Random,
		logger:   logger,
		metrics:  deps.Metrics,
	}
}

// IssueResult confirms an issued challenge. Code is set only in the dev
// expose-code profile.
type IssueResult struct {
	TTL       time.Duration
	ExpiresAt time.Time
	Code      string
}

// Issue creates a new challenge for phone, superseding any previous one.
// phone must already be normalized.
func (s *OTPService) Issue(ctx context.Context, phone, sourceIP string) (*IssueResult, error) {
	log := s.logger.WithField("phone", sms.MaskPhone(phone))

	mark, err := s.cooldown.MarkOnce(ctx, "otp_send:"+phone, s.cfg.Cooldown)
	if err != nil {
		s.metrics.OTPIssued("error")
		return nil, errcode.System(err)
	}
	if !mark.Set {
		s.metrics.OTPIssued("cooldown")
		return nil, errcode.Throttled(errcode.ResendCooldown, mark.RetryAfter)
	}

	if err := s.checkRateLimits(ctx, phone, sourceIP); err != nil {
		s.releaseCooldown(phone)
		return nil, err
	}

	code, err := s.generateCode()
	if err != nil {
		s.releaseCooldown(phone)
		s.metrics.OTPIssued("error")
		return nil, errcode.System(fmt.Errorf("failed to generate OTP: %w", err))
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(s.random, salt); err != nil {
		s.releaseCooldown(phone)
		s.metrics.OTPIssued("error")
		return nil, errcode.System(fmt.Errorf("failed to generate salt: %w", err))
	}

	now := s.clock.Now()
	challenge := &models.OTPChallenge{
		ID:          ulid.Make().String(),
		Phone:       phone,
		CodeHash:    hashCode(code, salt),
		Salt:        hex.EncodeToString(salt),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Expiry),
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if err := s.repo.Store(ctx, challenge); err != nil {
		s.releaseCooldown(phone)
		s.metrics.OTPIssued("error")
		return nil, errcode.System(err)
	}

	result := &IssueResult{TTL: s.cfg.Expiry, ExpiresAt: challenge.ExpiresAt}
	if s.cfg.ExposeCode {
		result.Code = code
		log.WithField("otp", code).Info("OTP issued (exposed for development)")
	} else {
		text := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(s.cfg.Expiry.Minutes()))
		if err := s.sender.Send(ctx, phone, text); err != nil {
			log.WithError(err).Error("Failed to send OTP")
			s.releaseCooldown(phone)
			s.metrics.OTPIssued("error")
			return nil, errcode.System(fmt.Errorf("failed to send OTP: %w", err))
		}
		log.Info("OTP issued")
	}

	s.metrics.OTPIssued("sent")
	return result, nil
}

func (s *OTPService) checkRateLimits(ctx context.Context, phone, sourceIP string) error {
	type scoped struct {
		rule ratelimit.Rule
		id   string
	}
	rules := []scoped{
		{ratelimit.Rule{Name: "otp_phone", Limit: s.limits.PhoneMax, Window: s.limits.PhoneWindow, FailClosed: s.limits.FailClosed}, phone},
	}
	if sourceIP != "" {
		rules = append(rules, scoped{ratelimit.Rule{Name: "otp_ip", Limit: s.limits.IPMax, Window: s.limits.IPWindow, FailClosed: s.limits.FailClosed}, sourceIP})
	}

	for _, r := range rules {
		d, err := s.limiter.Allow(ctx, r.rule, r.id)
		if err != nil {
			s.metrics.OTPIssued("error")
			return errcode.System(err)
		}
		if !d.Allowed {
			s.logger.WithFields(logrus.Fields{
				"scope": r.rule.Name,
				"phone": sms.MaskPhone(phone),
			}).Info("OTP issuance rate limited")
			s.metrics.OTPIssued("rate_limited")
			return errcode.Throttled(errcode.RateLimited, d.RetryAfter(s.clock.Now()))
		}
	}
	return nil
}

func (s *OTPService) releaseCooldown(phone string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.cooldown.Release(ctx, "otp_send:"+phone); err != nil {
		s.logger.WithError(err).Warn("Failed to release OTP cooldown")
	}
}

// Verify redeems code against the phone's active challenge. It returns nil
// exactly once per challenge.
func (s *OTPService) Verify(ctx context.Context, phone, code string) error {
	err := s.verify(ctx, phone, code)
	result := "verified"
	if err != nil {
		result = string(errcode.CodeOf(err))
	}
	s.metrics.OTPVerified(result)
	return err
}

func (s *OTPService) verify(ctx context.Context, phone, code string) error {
	log := s.logger.WithField("phone", sms.MaskPhone(phone))
	now := s.clock.Now()

	challenge, err := s.repo.Get(ctx, phone)
	if errors.Is(err, repository.ErrNotFound) {
		return errcode.ErrNoCode
	}
	if err != nil {
		return errcode.System(err)
	}
	if err := classify(challenge, now); err != nil {
		return err
	}

	salt, err := hex.DecodeString(challenge.Salt)
	if err != nil {
		return errcode.System(fmt.Errorf("corrupt challenge salt: %w", err))
	}
	candidate := hashCode(code, salt)

	if subtle.ConstantTimeCompare([]byte(candidate), []byte(challenge.CodeHash)) == 1 {
		ok, err := s.repo.Consume(ctx, phone, challenge.ID, now)
		if err != nil {
			return errcode.System(err)
		}
		if ok {
			log.Info("OTP verified")
			return nil
		}
		return s.reclassify(ctx, challenge, now, true)
	}

	attempts, max, err := s.repo.RecordFailedAttempt(ctx, phone, challenge.ID, now)
	if errors.Is(err, repository.ErrNotFound) {
		return s.reclassify(ctx, challenge, now, false)
	}
	if err != nil {
		return errcode.System(err)
	}
	if attempts >= max {
		log.WithFields(logrus.Fields{
			"security_event": "otp_lockout",
			"attempts":       attempts,
		}).Warn("OTP challenge locked after too many attempts")
		s.metrics.SecurityEvent("otp_lockout")
		return errcode.ErrTooManyAttempts
	}
	return errcode.ErrInvalidCode
}

// classify maps a stored challenge to the error a verify call observes
// before any code comparison. Lockout is checked before usedAt because a
// locked challenge is also marked used.
func classify(c *models.OTPChallenge, now time.Time) error {
	switch {
	case c.Locked():
		return errcode.ErrTooManyAttempts
	case c.UsedAt != nil:
		return errcode.ErrNoCode
	case c.Expired(now):
		return errcode.ErrExpired
	}
	return nil
}

// reclassify explains why a conditional update on seen matched no row:
// another verify or an issue changed the slot in between.
func (s *OTPService) reclassify(ctx context.Context, seen *models.OTPChallenge, now time.Time, codeMatched bool) error {
	current, err := s.repo.Get(ctx, seen.Phone)
	if errors.Is(err, repository.ErrNotFound) {
		return errcode.ErrNoCode
	}
	if err != nil {
		return errcode.System(err)
	}
	if current.ID != seen.ID {
		return errcode.ErrNoCode
	}
	if codeMatched && current.UsedAt != nil && !current.Locked() {
		return errcode.ErrAlreadyUsed
	}
	if err := classify(current, now); err != nil {
		return err
	}
	if codeMatched {
		return errcode.ErrAlreadyUsed
	}
	return errcode.ErrInvalidCode
}

// generateCode draws a uniform code over [0, 10^length) and zero-pads it.
func (s *OTPService) generateCode() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.cfg.Length)), nil)
	n, err := rand.Int(s.random, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", s.cfg.Length, n), nil
}

func hashCode(code string, salt []byte) string {
	return hex.EncodeToString(argon2.IDKey([]byte(code), salt, argonTime, argonMemory, argonThreads, argonKeyLen))
}
