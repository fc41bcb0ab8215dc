package models

import "time"

// TokenKind separates access, refresh and registration tokens signed with
// the same key.
type TokenKind string

const (
	TokenKindAccess       TokenKind = "access"
	TokenKindRefresh      TokenKind = "refresh"
	TokenKindRegistration TokenKind = "registration"
)

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Revocation reasons recorded on refresh records.
const (
	RevokedRotation          = "rotation"
	RevokedLogout            = "logout"
	RevokedReuseDetected     = "reuse_detected"
	RevokedRotationAmbiguous = "rotation_ambiguous"
)

// RefreshTokenRecord is one row of the refresh ledger. Only a keyed hash of
// the raw token is kept.
type RefreshTokenRecord struct {
	JTI              string     `json:"jti"`
	UserID           string     `json:"user_id"`
	TokenHash        string     `json:"-"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	ReplacedByJTI    string     `json:"replaced_by_jti,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

func (r *RefreshTokenRecord) Active(now time.Time) bool {
	return r.RevokedAt == nil && now.Before(r.ExpiresAt)
}
