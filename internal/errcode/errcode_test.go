package errcode

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("verify: %w", New(TooManyAttempts, errors.New("burned")))
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected TOO_MANY_ATTEMPTS to match, got %v", err)
	}
	if errors.Is(err, ErrInvalidCode) {
		t.Fatalf("did not expect INVALID_CODE to match")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"coded", Throttled(RateLimited, time.Minute), RateLimited},
		{"wrapped", fmt.Errorf("x: %w", ErrNoCode), NoCode},
		{"plain", errors.New("boom"), SystemError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Fatalf("CodeOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestThrottledClampsNegativeRetryAfter(t *testing.T) {
	err := Throttled(ResendCooldown, -time.Second)
	if err.RetryAfter != 0 {
		t.Fatalf("expected retryAfter clamped to 0, got %s", err.RetryAfter)
	}
	if RetryAfterOf(Throttled(RateLimited, 30*time.Second)) != 30*time.Second {
		t.Fatal("expected retry hint to survive RetryAfterOf")
	}
}

func TestCodeClassification(t *testing.T) {
	if !ReuseDetected.SecurityRelevant() || !TooManyAttempts.SecurityRelevant() {
		t.Fatal("expected reuse and lockout to be security relevant")
	}
	if InvalidCode.SecurityRelevant() {
		t.Fatal("INVALID_CODE is an ordinary client error")
	}
	if !SystemError.Retriable() || InvalidPhone.Retriable() {
		t.Fatal("unexpected retriable classification")
	}
}
