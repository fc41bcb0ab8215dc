// Package ratelimit implements fixed-window rate limiting and send cooldowns
// on top of the volatile KV store. Both decisions are taken by one atomic
// store primitive, never by reading a counter and writing it back.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/phoneauth/internal/clock"
	"github.com/qcom/phoneauth/internal/kv"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ErrUnavailable is returned only by fail-closed rules when the store cannot
// answer.
var ErrUnavailable = errors.New("rate limiter unavailable")

// Rule describes one limit. Name is a low-cardinality label used for
// metrics and logs; the identifier passed to Allow carries the rest of the
// scope.
type Rule struct {
	Name       string
	Limit      int
	Window     time.Duration
	FailClosed bool
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// Degraded is set when the store failed and a fail-open rule admitted
	// the call without counting it.
	Degraded bool
}

// RetryAfter is the time left until the window resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

type Limiter struct {
	store   kv.Store
	clock   clock.Clock
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewLimiter(store kv.Store, c clock.Clock, logger *logrus.Logger, m *metrics.Metrics) *Limiter {
	if c == nil {
		c = clock.System{}
	}
	return &Limiter{
		store:   store,
		clock:   c,
		logger:  logger,
		metrics: m,
	}
}

// Allow counts one call against rule for identifier. The counter key is
// "rl:<rule>:<identifier>" so scope, identifier and action are all part of it.
func (l *Limiter) Allow(ctx context.Context, rule Rule, identifier string) (Decision, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.clock.Now()
	count, ttl, err := l.store.IncrAndExpire(ctx, counterKey(rule.Name, identifier), rule.Window)
	if err != nil {
		if rule.FailClosed {
			l.logger.WithError(err).WithField("scope", rule.Name).Error("Rate limiter store unavailable, failing closed")
			return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		l.logger.WithError(err).WithFields(logrus.Fields{
			"scope":    rule.Name,
			"degraded": true,
		}).Warn("Rate limiter store unavailable, failing open")
		l.metrics.Degraded("ratelimit")
		return Decision{Allowed: true, Remaining: -1, Degraded: true}, nil
	}

	d := Decision{
		Allowed:   count <= int64(rule.Limit),
		Remaining: rule.Limit - int(count),
		ResetAt:   now.Add(ttl),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	l.metrics.RateLimitDecision(rule.Name, d.Allowed)
	return d, nil
}

func counterKey(scope, identifier string) string {
	return "rl:" + scope + ":" + identifier
}
