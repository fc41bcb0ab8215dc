package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/phoneauth/internal/clock"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/sirupsen/logrus"
)

// Token verification failures. Every other parse error is reported as
// ErrBadSignature.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrBadSignature = errors.New("token signature invalid")
	ErrBadIssuer    = errors.New("token issuer invalid")
)

const registrationExpiry = 10 * time.Minute

// JWTService mints and verifies HS256 tokens. It holds the signing key and
// does no I/O.
type JWTService struct {
	secretKey     []byte
	issuer        string
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	clock         clock.Clock
	logger        *logrus.Logger
}

func NewJWTService(cfg *config.JWTConfig, c clock.Clock, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}
	if c == nil {
		c = clock.System{}
	}

	return &JWTService{
		secretKey:     secretKey,
		issuer:        cfg.Issuer,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		clock:         c,
		logger:        logger,
	}, nil
}

type Claims struct {
	UID   string           `json:"uid,omitempty"`
	Kind  models.TokenKind `json:"kind"`
	Phone string           `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// NewJTI returns a random token id independent of the payload.
func NewJTI() string {
	return uuid.NewString()
}

func (s *JWTService) expiryFor(kind models.TokenKind) time.Duration {
	switch kind {
	case models.TokenKindAccess:
		return s.accessExpiry
	case models.TokenKindRefresh:
		return s.refreshExpiry
	default:
		return registrationExpiry
	}
}

// Mint signs a token of kind for uid with the given jti and returns it with
// its expiry.
func (s *JWTService) Mint(kind models.TokenKind, uid, jti, phone string) (string, time.Time, error) {
	now := s.clock.Now()
	expiresAt := now.Add(s.expiryFor(kind))

	claims := &Claims{
		UID:   uid,
		Kind:  kind,
		Phone: phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).WithField("kind", kind).Error("Failed to sign token")
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return signed, expiresAt, nil
}

// IssuedPair is a freshly minted access and refresh token with the data the
// ledger needs about the refresh half.
type IssuedPair struct {
	Pair             *models.TokenPair
	RefreshJTI       string
	RefreshExpiresAt time.Time
}

// AccessExpiry is the lifetime of access tokens.
func (s *JWTService) AccessExpiry() time.Duration {
	return s.accessExpiry
}

func (s *JWTService) IssuePair(uid, phone string) (*IssuedPair, error) {
	access, _, err := s.Mint(models.TokenKindAccess, uid, NewJTI(), phone)
	if err != nil {
		return nil, err
	}
	refreshJTI := NewJTI()
	refresh, refreshExp, err := s.Mint(models.TokenKindRefresh, uid, refreshJTI, phone)
	if err != nil {
		return nil, err
	}

	return &IssuedPair{
		Pair: &models.TokenPair{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.accessExpiry.Seconds()),
		},
		RefreshJTI:       refreshJTI,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyToken checks signature, algorithm, issuer and expiry, then the token
// kind. Nothing from the payload is trusted before all checks pass.
func (s *JWTService) VerifyToken(tokenString string, kind models.TokenKind) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, fmt.Errorf("%w: %v", ErrBadIssuer, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrBadSignature
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrBadSignature, kind, claims.Kind)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrBadSignature)
	}
	return claims, nil
}
