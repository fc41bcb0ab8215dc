package models

import "time"

// OTPChallenge is the single active passcode slot of a phone. CodeHash and
// Salt are hex encoded; the plaintext code is never stored.
type OTPChallenge struct {
	ID           string     `json:"id"`
	Phone        string     `json:"phone"`
	CodeHash     string     `json:"-"`
	Salt         string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
}

func (c *OTPChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c *OTPChallenge) Locked() bool {
	return c.AttemptCount >= c.MaxAttempts
}

// Active reports whether the challenge can still be redeemed.
func (c *OTPChallenge) Active(now time.Time) bool {
	return c.UsedAt == nil && !c.Locked() && !c.Expired(now)
}
