package service

import (
	"context"
	"errors"
	"time"

	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/errcode"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/repository"
	"github.com/qcom/phoneauth/internal/sms"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Accounts is the account directory the orchestrator resolves phones in.
type Accounts interface {
	GetByPhoneNumber(ctx context.Context, phone string) (*models.User, error)
	GetOrCreate(ctx context.Context, phone string) (*models.User, bool, error)
}

// SessionService turns a verified phone into a session. Every method returns
// either a result or an *errcode.Error.
type SessionService struct {
	otp      *OTPService
	tokens   *JWTService
	ledger   *RefreshTokenService
	accounts Accounts
	policy   string
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewSessionService(
	otp *OTPService,
	tokens *JWTService,
	ledger *RefreshTokenService,
	accounts Accounts,
	cfg *config.SessionConfig,
	logger *logrus.Logger,
	m *metrics.Metrics,
) *SessionService {
	policy := cfg.NewUserPolicy
	if policy == "" {
		policy = config.PolicyIssueSession
	}
	return &SessionService{
		otp:      otp,
		tokens:   tokens,
		ledger:   ledger,
		accounts: accounts,
		policy:   policy,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("github.com/qcom/phoneauth/internal/service"),
	}
}

type ChallengeResult struct {
	Phone     string
	TTL       time.Duration
	ExpiresAt time.Time
	// Code is set only in the dev expose-code profile.
	Code string
}

type SessionResult struct {
	Verified bool
	IsNew    bool
	UserID   string
	Tokens   *models.TokenPair
	// RegistrationTicket is set instead of Tokens for new phones under the
	// require_registration policy.
	RegistrationTicket string
}

func (s *SessionService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "SessionService."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		code := errcode.CodeOf(err)
		span.SetAttributes(attribute.String("phoneauth.error_code", string(code)))
		if code == errcode.SystemError {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(code))
		}
	}
	span.End()
}

// StartChallenge issues an OTP for phone.
func (s *SessionService) StartChallenge(ctx context.Context, phone, sourceIP string) (_ *ChallengeResult, err error) {
	ctx, span := s.startSpan(ctx, "StartChallenge")
	defer func() { endSpan(span, err) }()

	normalized, ok := NormalizePhone(phone)
	if !ok {
		return nil, errcode.ErrInvalidPhone
	}

	issued, err := s.otp.Issue(ctx, normalized, sourceIP)
	if err != nil {
		return nil, err
	}
	return &ChallengeResult{
		Phone:     normalized,
		TTL:       issued.TTL,
		ExpiresAt: issued.ExpiresAt,
		Code:      issued.Code,
	}, nil
}

// CompleteChallenge verifies code and, depending on the new-user policy,
// returns a session or a registration ticket.
func (s *SessionService) CompleteChallenge(ctx context.Context, phone, code string) (_ *SessionResult, err error) {
	ctx, span := s.startSpan(ctx, "CompleteChallenge")
	defer func() { endSpan(span, err) }()

	normalized, ok := NormalizePhone(phone)
	if !ok {
		return nil, errcode.ErrInvalidPhone
	}
	if err := s.otp.Verify(ctx, normalized, code); err != nil {
		return nil, err
	}

	if s.policy == config.PolicyRequireRegistration {
		user, err := s.accounts.GetByPhoneNumber(ctx, normalized)
		if errors.Is(err, repository.ErrNotFound) {
			ticket, _, err := s.tokens.Mint(models.TokenKindRegistration, "", NewJTI(), normalized)
			if err != nil {
				return nil, errcode.System(err)
			}
			span.SetAttributes(attribute.Bool("phoneauth.new_user", true))
			return &SessionResult{Verified: true, IsNew: true, RegistrationTicket: ticket}, nil
		}
		if err != nil {
			return nil, errcode.System(err)
		}
		return s.openSession(ctx, user, false)
	}

	user, created, err := s.accounts.GetOrCreate(ctx, normalized)
	if err != nil {
		return nil, errcode.System(err)
	}
	span.SetAttributes(attribute.Bool("phoneauth.new_user", created))
	return s.openSession(ctx, user, created)
}

// Register redeems a registration ticket: it creates the account and opens
// its first session. A ticket for a phone that already has an account is
// reported as ALREADY_USED.
func (s *SessionService) Register(ctx context.Context, ticket string) (_ *SessionResult, err error) {
	ctx, span := s.startSpan(ctx, "Register")
	defer func() { endSpan(span, err) }()

	claims, err := s.tokens.VerifyToken(ticket, models.TokenKindRegistration)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, errcode.New(errcode.Expired, err)
		}
		return nil, errcode.New(errcode.InvalidCode, err)
	}
	if _, ok := NormalizePhone(claims.Phone); !ok {
		return nil, errcode.ErrInvalidPhone
	}

	user, created, err := s.accounts.GetOrCreate(ctx, claims.Phone)
	if err != nil {
		return nil, errcode.System(err)
	}
	if !created {
		return nil, errcode.ErrAlreadyUsed
	}
	s.logger.WithFields(logrus.Fields{
		"user_id": user.ID,
		"phone":   sms.MaskPhone(user.PhoneNumber),
	}).Info("Account registered")
	return s.openSession(ctx, user, true)
}

func (s *SessionService) openSession(ctx context.Context, user *models.User, isNew bool) (*SessionResult, error) {
	issued, err := s.tokens.IssuePair(user.ID, user.PhoneNumber)
	if err != nil {
		return nil, errcode.System(err)
	}
	if err := s.ledger.IssueFirst(ctx, user.ID, issued.RefreshJTI, issued.Pair.RefreshToken, issued.RefreshExpiresAt); err != nil {
		return nil, err
	}
	return &SessionResult{
		Verified: true,
		IsNew:    isNew,
		UserID:   user.ID,
		Tokens:   issued.Pair,
	}, nil
}

// Refresh rotates rawRefresh into a new pair. Any failure other than
// SYSTEM_ERROR means the client must re-authenticate.
func (s *SessionService) Refresh(ctx context.Context, rawRefresh string) (_ *models.TokenPair, err error) {
	ctx, span := s.startSpan(ctx, "Refresh")
	defer func() { endSpan(span, err) }()

	claims, err := s.tokens.VerifyToken(rawRefresh, models.TokenKindRefresh)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			s.metrics.Refreshed("expired")
			return nil, errcode.New(errcode.Expired, err)
		}
		// Forged or foreign token: there is no trustworthy user to revoke.
		s.logger.WithError(err).WithField("security_event", "refresh_token_invalid").Warn("Rejected refresh token")
		s.metrics.SecurityEvent("refresh_token_invalid")
		s.metrics.Refreshed("invalid")
		return nil, errcode.New(errcode.ReuseDetected, err)
	}

	newJTI := NewJTI()
	newRefresh, newExp, err := s.tokens.Mint(models.TokenKindRefresh, claims.UID, newJTI, claims.Phone)
	if err != nil {
		return nil, errcode.System(err)
	}

	uid, err := s.ledger.Rotate(ctx, claims.UID, rawRefresh, newJTI, newRefresh, newExp)
	if err != nil {
		return nil, err
	}

	access, _, err := s.tokens.Mint(models.TokenKindAccess, uid, NewJTI(), claims.Phone)
	if err != nil {
		return nil, errcode.System(err)
	}
	return &models.TokenPair{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessExpiry().Seconds()),
	}, nil
}

// Logout revokes rawRefresh. It never fails from the caller's point of view:
// an invalid token or a store failure is logged and ignored.
func (s *SessionService) Logout(ctx context.Context, rawRefresh string) {
	ctx, span := s.startSpan(ctx, "Logout")
	defer span.End()

	if rawRefresh == "" {
		return
	}
	if err := s.ledger.Revoke(ctx, rawRefresh, models.RevokedLogout); err != nil {
		s.logger.WithError(err).Warn("Failed to revoke refresh token on logout")
		span.RecordError(err)
	}
}
